package browser

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Switch tears down old and relaunches in target mode through l, carrying
// the snapshot of oldPage over. The old context is always destroyed before
// the new one is created: both share the on-disk profile, which Chrome
// locks while running.
//
// A failed navigation back to the captured URL is logged, not returned; the
// new page is still usable and the caller re-checks where it landed.
func Switch(ctx context.Context, l Launcher, old Context, oldPage Page, target RenderMode, logger *zap.Logger) (Context, Page, Snapshot, error) {
	from := Unattended
	if old != nil {
		from = old.Mode()
	}
	logger.Info("Switching browser render mode",
		zap.Stringer("from", from),
		zap.Stringer("to", target),
	)

	var snap Snapshot
	if oldPage != nil {
		snap = CaptureSnapshot(ctx, oldPage, logger)
	}
	if old != nil {
		l.Destroy(ctx, old)
	}

	next, page, err := l.Create(ctx, target)
	if err != nil {
		return nil, nil, snap, fmt.Errorf("failed to relaunch browser in %s mode: %w", target, err)
	}

	if err := snap.Restore(ctx, page, logger); err != nil {
		logger.Warn("Session state only partially restored after mode switch", zap.Error(err))
	}

	logger.Info("Browser render mode switched", zap.Stringer("mode", target), zap.String("url", snap.URL))
	return next, page, snap, nil
}
