package browser

import (
	"context"
	"time"
)

// combineContext returns a context that carries primary's values (the
// chromedp target) and is canceled when either primary or secondary is.
func combineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)
	go func() {
		select {
		case <-secondary.Done():
			cancel()
		case <-combined.Done():
		}
	}()
	return combined, cancel
}

// opContext bounds one CDP operation on primary by the caller's ctx and by
// timeout, whichever ends first.
func opContext(primary, caller context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	combined, cancelCombined := combineContext(primary, caller)
	if timeout <= 0 {
		return combined, cancelCombined
	}
	timed, cancelTimed := context.WithTimeout(combined, timeout)
	return timed, func() {
		cancelTimed()
		cancelCombined()
	}
}

// detach returns a context with ctx's values that is never canceled, for
// browser processes that must outlive the request that launched them.
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
