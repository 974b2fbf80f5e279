package session

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// keepaliveTimeout bounds one scheduled re-verification.
const keepaliveTimeout = 5 * time.Minute

// Keepalive periodically re-verifies the session between requests so an
// expired login is noticed before a capture needs it.
type Keepalive struct {
	cron    *cron.Cron
	manager *Manager
	logger  *zap.Logger
	timeout time.Duration
}

// NewKeepalive schedules EnsureLogin on spec, a standard cron expression or
// descriptor such as "@every 30m".
func NewKeepalive(m *Manager, spec string, logger *zap.Logger) (*Keepalive, error) {
	k := &Keepalive{
		cron:    cron.New(),
		manager: m,
		logger:  logger.Named("keepalive"),
		timeout: keepaliveTimeout,
	}
	if _, err := k.cron.AddFunc(spec, k.tick); err != nil {
		return nil, fmt.Errorf("invalid keepalive schedule %q: %w", spec, err)
	}
	return k, nil
}

func (k *Keepalive) tick() {
	// A capture in flight already proves the session; skip rather than queue.
	release, ok := k.manager.TryAcquire()
	if !ok {
		k.logger.Debug("Session busy, skipping keepalive")
		return
	}
	defer release()

	if k.manager.Status().State != Ready {
		k.logger.Debug("Session not initialized, skipping keepalive")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()

	start := time.Now()
	if err := k.manager.EnsureLogin(ctx); err != nil {
		k.logger.Warn("Keepalive check failed", zap.Error(err))
		return
	}
	k.logger.Debug("Keepalive check passed", zap.Duration("took", time.Since(start)))
}

func (k *Keepalive) Start() {
	k.cron.Start()
	k.logger.Info("Session keepalive started", zap.Int("entries", len(k.cron.Entries())))
}

// Stop stops scheduling and waits for a running check to finish or ctx to end.
func (k *Keepalive) Stop(ctx context.Context) {
	done := k.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
