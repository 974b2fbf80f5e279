package browser

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Snapshot is the session state carried across a mode switch.
type Snapshot struct {
	URL            string
	Cookies        []Cookie
	SessionStorage map[string]string
	LocalStorage   map[string]string
}

// CaptureSnapshot reads the URL, cookies and storage from page. Every step
// is best effort: a failure is logged and an empty value substituted.
func CaptureSnapshot(ctx context.Context, page Page, logger *zap.Logger) Snapshot {
	snap := Snapshot{
		SessionStorage: map[string]string{},
		LocalStorage:   map[string]string{},
	}

	if url, err := page.Location(ctx); err != nil {
		logger.Warn("Could not read current URL for snapshot", zap.Error(err))
	} else {
		snap.URL = url
	}

	if cookies, err := page.Cookies(ctx); err != nil {
		logger.Warn("Could not read cookies for snapshot", zap.Error(err))
	} else {
		snap.Cookies = cookies
	}

	if values, err := page.Storage(ctx, SessionStorage); err != nil {
		logger.Warn("Could not read sessionStorage for snapshot", zap.Error(err))
	} else if values != nil {
		snap.SessionStorage = values
	}

	if values, err := page.Storage(ctx, LocalStorage); err != nil {
		logger.Warn("Could not read localStorage for snapshot", zap.Error(err))
	} else if values != nil {
		snap.LocalStorage = values
	}

	logger.Debug("Captured session snapshot",
		zap.String("url", snap.URL),
		zap.Int("cookies", len(snap.Cookies)),
		zap.Int("session_storage", len(snap.SessionStorage)),
		zap.Int("local_storage", len(snap.LocalStorage)),
	)
	return snap
}

// Restore replays the snapshot into page: cookies first so the navigation
// is authenticated, then the URL, then storage for that origin. Cookie and
// storage failures are logged; a navigation failure is returned.
func (s Snapshot) Restore(ctx context.Context, page Page, logger *zap.Logger) error {
	if len(s.Cookies) > 0 {
		if err := page.SetCookies(ctx, s.Cookies); err != nil {
			logger.Warn("Could not restore cookies", zap.Error(err))
		}
	}

	if s.URL == "" || s.URL == "about:blank" {
		return nil
	}
	if err := page.Navigate(ctx, s.URL); err != nil {
		return fmt.Errorf("failed to navigate back to %s: %w", s.URL, err)
	}

	if len(s.SessionStorage) > 0 {
		if err := page.SetStorage(ctx, SessionStorage, s.SessionStorage); err != nil {
			logger.Warn("Could not restore sessionStorage", zap.Error(err))
		}
	}
	if len(s.LocalStorage) > 0 {
		if err := page.SetStorage(ctx, LocalStorage, s.LocalStorage); err != nil {
			logger.Warn("Could not restore localStorage", zap.Error(err))
		}
	}
	return nil
}
