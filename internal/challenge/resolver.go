package challenge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/profilecap/internal/browser"
	"github.com/xkilldash9x/profilecap/internal/config"
	"github.com/xkilldash9x/profilecap/internal/errdefs"
	"github.com/xkilldash9x/profilecap/internal/events"
	"github.com/xkilldash9x/profilecap/internal/landmarks"
	"github.com/xkilldash9x/profilecap/internal/retry"
)

// Switcher relaunches a browser in another render mode.
type Switcher interface {
	SwitchMode(ctx context.Context, c browser.Context, page browser.Page, target browser.RenderMode) (browser.Context, browser.Page, error)
}

// outcome of one poll.
type outcome int

const (
	pending outcome = iota
	resolved
	submitting
)

// Resolver hands a challenge to a human: it reopens the session in a
// visible window, waits for the challenge to clear, and goes back to
// unattended mode.
type Resolver struct {
	switcher Switcher
	detector *Detector
	rules    landmarks.Challenge
	cfg      config.ChallengeConfig
	banner   Banner
	events   events.Publisher
	logger   *zap.Logger

	// Sleep waits between polls. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewResolver wires a resolver. A nil banner or publisher disables it.
func NewResolver(switcher Switcher, detector *Detector, rules landmarks.Challenge, cfg config.ChallengeConfig, banner Banner, pub events.Publisher, logger *zap.Logger) *Resolver {
	if banner == nil {
		banner = NopBanner{}
	}
	return &Resolver{
		switcher: switcher,
		detector: detector,
		rules:    rules,
		cfg:      cfg,
		banner:   banner,
		events:   events.OrNop(pub),
		logger:   logger.Named("challenge_resolver"),
		Sleep:    retry.SleepContext,
	}
}

// Detector returns the detector the resolver polls with.
func (r *Resolver) Detector() *Detector { return r.detector }

// Resolve blocks until the challenge on page is cleared or the attempt
// budget runs out. On success it returns an unattended context and page at
// the post-challenge URL.
//
// On ChallengeTimeoutError the interactive context and page are returned
// with the error; the caller owns them. If a mode switch fails, the old
// context is already closed and nil handles are returned.
func (r *Resolver) Resolve(ctx context.Context, c browser.Context, page browser.Page) (browser.Context, browser.Page, error) {
	start := time.Now()
	challengeURL, _ := page.Location(ctx)
	r.logger.Info("Challenge requires operator, opening interactive browser", zap.String("url", challengeURL))
	r.events.Publish(events.ChallengeDetected, "Verification required: complete it in the browser window", challengeURL)

	c, page, err := r.switcher.SwitchMode(ctx, c, page, browser.Interactive)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open interactive browser for challenge: %w", err)
	}

	if r.cfg.Banner {
		r.banner.Show(ctx, page)
	}

	attempts, err := r.wait(ctx, page)
	if err != nil {
		waited := time.Since(start)
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			r.logger.Error("Challenge was not completed in time",
				zap.Int("attempts", exhausted.Attempts),
				zap.Duration("waited", waited),
			)
			r.events.Publish(events.ChallengeTimeout, "Verification was not completed in time", challengeURL)
			return c, page, &errdefs.ChallengeTimeoutError{Attempts: exhausted.Attempts, Waited: waited}
		}
		return c, page, browser.AsSessionInvalid(err)
	}

	r.logger.Info("Challenge resolved", zap.Int("attempts", attempts), zap.Duration("waited", time.Since(start)))
	if err := r.Sleep(ctx, r.cfg.SettleDelay); err != nil {
		return c, page, err
	}

	resolvedURL, _ := page.Location(ctx)
	c, page, err = r.switcher.SwitchMode(ctx, c, page, browser.Unattended)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to return to unattended browser after challenge: %w", err)
	}
	r.events.Publish(events.ChallengeResolved, "Verification completed", resolvedURL)
	return c, page, nil
}

// wait polls page until the challenge is resolved. The pause after each
// poll depends on what it saw.
func (r *Resolver) wait(ctx context.Context, page browser.Page) (int, error) {
	next := r.cfg.Interval
	attempts := 0
	policy := retry.Policy{
		MaxAttempts: r.cfg.MaxAttempts,
		Backoff:     func(int) time.Duration { return next },
		Retryable:   func(err error) bool { return !browser.IsSessionGone(err) },
		Sleep:       r.Sleep,
	}

	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		attempts = attempt
		out, err := r.poll(ctx, page)
		switch {
		case err != nil:
			next = r.cfg.ErrorPause
			r.logger.Debug("Challenge poll failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		case out == resolved:
			return nil
		case out == submitting:
			next = r.cfg.SubmissionWait
			r.logger.Debug("Challenge submission in progress", zap.Int("attempt", attempt))
		default:
			next = r.cfg.Interval
			if attempt%6 == 0 {
				r.logger.Info("Still waiting for challenge completion",
					zap.Int("attempt", attempt),
					zap.Int("max_attempts", r.cfg.MaxAttempts),
				)
			}
		}
		return retry.ErrNotDone
	})
	return attempts, err
}

// poll is one read-only look at the page.
func (r *Resolver) poll(ctx context.Context, page browser.Page) (outcome, error) {
	loc, err := page.Location(ctx)
	if err != nil {
		return pending, err
	}
	widget := r.detector.Detect(ctx, page)
	if !widget && !r.detector.OnChallengePath(loc) {
		return resolved, nil
	}
	if landmark, ok := landmarks.ContainsAny(loc, r.rules.SuccessURLs); ok {
		if widget {
			r.logger.Warn("Challenge widget still present on success URL",
				zap.String("url", loc),
				zap.String("landmark", landmark),
			)
		}
		return resolved, nil
	}

	text, err := page.Text(ctx)
	if err != nil {
		return pending, err
	}
	if _, ok := landmarks.ContainsAny(text, r.rules.SuccessKeywords); ok {
		return resolved, nil
	}

	if _, ok, err := browser.FirstExisting(ctx, page, r.rules.SubmittingSelectors); err != nil {
		return pending, err
	} else if ok {
		return submitting, nil
	}
	if _, ok := landmarks.ContainsAny(text, r.rules.SubmittingKeywords); ok {
		return submitting, nil
	}
	return pending, nil
}
