// Package ratelimit spaces out profile fetches.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/profilecap/internal/retry"
)

// Scope selects how fetches share the window.
type Scope string

const (
	// ScopeGlobal spaces every fetch against every other fetch.
	ScopeGlobal Scope = "global"
	// ScopePerTarget spaces fetches of the same profile URL only.
	ScopePerTarget Scope = "per_target"
)

// pruneThreshold bounds the per-target map before idle limiters are dropped.
const pruneThreshold = 1024

// Window guarantees that no two admitted fetches in the same scope start
// less than Delay apart.
type Window struct {
	delay  time.Duration
	scope  Scope
	logger *zap.Logger

	mu       sync.Mutex
	global   *rate.Limiter
	byTarget map[string]*rate.Limiter

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a window. A zero delay admits everything immediately.
func New(delay time.Duration, scope Scope, logger *zap.Logger) *Window {
	w := &Window{
		delay:    delay,
		scope:    scope,
		logger:   logger.Named("ratelimit"),
		byTarget: make(map[string]*rate.Limiter),
		now:      time.Now,
		sleep:    retry.SleepContext,
	}
	w.global = w.newLimiter()
	return w
}

func (w *Window) newLimiter() *rate.Limiter {
	if w.delay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(w.delay), 1)
}

func (w *Window) limiterFor(target string) *rate.Limiter {
	if w.scope != ScopePerTarget {
		return w.global
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if l, ok := w.byTarget[target]; ok {
		return l
	}
	if len(w.byTarget) >= pruneThreshold {
		now := w.now()
		for key, l := range w.byTarget {
			if l.TokensAt(now) >= 1 {
				delete(w.byTarget, key)
			}
		}
	}
	l := w.newLimiter()
	w.byTarget[target] = l
	return l
}

// Admit blocks until the fetch of target may start and returns how long it
// waited. The slot is stamped at reservation time, so concurrent callers
// queue behind each other. If ctx ends first the slot is handed back.
func (w *Window) Admit(ctx context.Context, target string) (time.Duration, error) {
	limiter := w.limiterFor(target)

	now := w.now()
	r := limiter.ReserveN(now, 1)
	wait := ceilMicro(r.DelayFrom(now))
	if wait <= 0 {
		return 0, nil
	}

	w.logger.Info("Rate limit window active; delaying request",
		zap.String("target", target),
		zap.Duration("wait", wait),
	)
	if err := w.sleep(ctx, wait); err != nil {
		r.CancelAt(w.now())
		return 0, err
	}
	return wait, nil
}

// Delay is the configured minimum spacing.
func (w *Window) Delay() time.Duration { return w.delay }

// ceilMicro rounds d up to the next microsecond so float rounding inside the
// limiter never shortens the spacing.
func ceilMicro(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return (d + time.Microsecond - 1).Truncate(time.Microsecond)
}
