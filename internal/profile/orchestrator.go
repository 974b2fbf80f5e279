// Package profile captures full-page screenshots of profile pages through
// the shared authenticated session.
package profile

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/profilecap/internal/artifacts"
	"github.com/xkilldash9x/profilecap/internal/browser"
	"github.com/xkilldash9x/profilecap/internal/config"
	"github.com/xkilldash9x/profilecap/internal/errdefs"
	"github.com/xkilldash9x/profilecap/internal/events"
	"github.com/xkilldash9x/profilecap/internal/landmarks"
	"github.com/xkilldash9x/profilecap/internal/retry"
	"github.com/xkilldash9x/profilecap/internal/store"
)

const (
	debugCaptureTimeout = 30 * time.Second
	recordTimeout       = 5 * time.Second
	// maxScrollSteps caps the scroll pass on pages that keep growing.
	maxScrollSteps = 60
)

var errLandmarksMissing = errors.New("could not verify profile page loaded")

// Sessions is the session manager as seen by the orchestrator.
type Sessions interface {
	Acquire(ctx context.Context) (func(), error)
	GetPage(ctx context.Context) (browser.Page, error)
	EnsureLogin(ctx context.Context) error
	ResolveChallenge(ctx context.Context) (browser.Page, error)
	Reset(ctx context.Context)
}

// Admitter enforces the spacing between fetches.
type Admitter interface {
	Admit(ctx context.Context, target string) (time.Duration, error)
}

// Detector reports whether a challenge is blocking the page.
type Detector interface {
	Detect(ctx context.Context, page browser.Page) bool
}

// Sink stores screenshots.
type Sink interface {
	ScreenshotPath() string
	DebugPath() string
	WriteScreenshot(ctx context.Context, page artifacts.Screenshotter, path string) (string, error)
}

// Recorder keeps a history of captures. It is optional.
type Recorder interface {
	RecordCapture(ctx context.Context, c store.Capture) error
}

// FetchResult is the outcome of one Fetch.
type FetchResult struct {
	Success        bool
	ScreenshotPath string
	Err            error
}

// Message is the caller-facing failure text.
func (r FetchResult) Message() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Deps wires an Orchestrator.
type Deps struct {
	Sessions Sessions
	Limiter  Admitter
	Detector Detector
	Sink     Sink
	Recorder Recorder
	Events   events.Publisher
	Logger   *zap.Logger
}

// Orchestrator runs the capture pipeline for one URL at a time.
type Orchestrator struct {
	cfg      config.ProfileConfig
	network  config.NetworkConfig
	domain   string
	rules    landmarks.Profile
	sessions Sessions
	limiter  Admitter
	detector Detector
	sink     Sink
	recorder Recorder
	events   events.Publisher
	logger   *zap.Logger

	// Sleep is used for every timed pause. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewOrchestrator(cfg *config.Config, catalog *landmarks.Catalog, deps Deps) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg.Profile,
		network:  cfg.Network,
		domain:   cfg.Auth.Domain,
		rules:    catalog.Profile,
		sessions: deps.Sessions,
		limiter:  deps.Limiter,
		detector: deps.Detector,
		sink:     deps.Sink,
		recorder: deps.Recorder,
		events:   events.OrNop(deps.Events),
		logger:   deps.Logger.Named("profile"),
		Sleep:    retry.SleepContext,
		now:      time.Now,
	}
}

// Fetch captures rawURL. Invalid input fails before any session or network
// work is done.
func (o *Orchestrator) Fetch(ctx context.Context, rawURL string) FetchResult {
	target, err := NormalizeURL(rawURL, o.domain)
	if err != nil {
		o.logger.Info("Rejected profile URL", zap.String("url", rawURL), zap.Error(err))
		return FetchResult{Err: err}
	}

	start := o.now()
	res := o.fetch(ctx, target)
	elapsed := o.now().Sub(start)

	if res.Success {
		o.logger.Info("Profile captured",
			zap.String("url", target),
			zap.String("path", res.ScreenshotPath),
			zap.Duration("took", elapsed),
		)
		o.events.Publish(events.CaptureCompleted, "Profile screenshot captured", target)
	} else {
		o.logger.Error("Profile capture failed",
			zap.String("url", target),
			zap.String("kind", errdefs.Kind(res.Err)),
			zap.Error(res.Err),
		)
		o.events.Publish(events.CaptureFailed, res.Message(), target)
	}
	o.record(ctx, target, res, start, elapsed)
	return res
}

func (o *Orchestrator) fetch(ctx context.Context, target string) FetchResult {
	if _, err := o.limiter.Admit(ctx, target); err != nil {
		return FetchResult{Err: &errdefs.FetchError{Op: "rate limit", Err: err}}
	}
	release, err := o.sessions.Acquire(ctx)
	if err != nil {
		return FetchResult{Err: &errdefs.FetchError{Op: "acquire session", Err: err}}
	}
	defer release()

	o.logger.Info("Fetching profile", zap.String("url", target))

	var (
		page browser.Page
		path string
	)
	policy := retry.Policy{
		MaxAttempts: o.cfg.SessionRetries + 1,
		Retryable:   browser.IsSessionGone,
		OnRetry: func(attempt int, err error) {
			o.logger.Warn("Browser session lost during capture, resetting", zap.Int("attempt", attempt), zap.Error(err))
			o.sessions.Reset(ctx)
			page = nil
		},
		Sleep: o.Sleep,
	}
	err = retry.Do(ctx, policy, func(ctx context.Context, _ int) error {
		var err error
		page, path, err = o.capture(ctx, target)
		return err
	})
	if err == nil {
		return FetchResult{Success: true, ScreenshotPath: path}
	}

	err = classify(err)
	if page != nil && !errdefs.IsChallengeTimeout(err) {
		o.debugCapture(ctx, page)
	}
	return FetchResult{Err: err}
}

// classify turns whatever escaped the pipeline into a taxonomy error.
func classify(err error) error {
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		err = exhausted.Last
	}
	switch {
	case errdefs.IsInvalidInput(err), errdefs.IsProfileNotFound(err), errdefs.IsChallengeTimeout(err),
		errdefs.IsLogin(err), errdefs.IsMissingCredentials(err), errdefs.IsVerification(err):
		return err
	case browser.IsSessionGone(err):
		return &errdefs.FetchError{Op: "capture", Err: browser.AsSessionInvalid(err)}
	}
	var fe *errdefs.FetchError
	if errors.As(err, &fe) {
		return err
	}
	return &errdefs.FetchError{Op: "capture", Err: err}
}

// capture runs one pass against the current session page. It returns the
// page it ended on so a failure can still be photographed.
func (o *Orchestrator) capture(ctx context.Context, target string) (browser.Page, string, error) {
	if err := o.sessions.EnsureLogin(ctx); err != nil {
		return nil, "", err
	}
	page, err := o.sessions.GetPage(ctx)
	if err != nil {
		return nil, "", err
	}

	if err := o.navigate(ctx, page, target); err != nil {
		return page, "", err
	}
	if o.detector.Detect(ctx, page) {
		o.logger.Info("Challenge detected after navigation", zap.String("url", target))
		if page, err = o.resolveAndReturn(ctx, target); err != nil {
			return page, "", err
		}
	}

	if page, err = o.awaitProfile(ctx, page, target); err != nil {
		return page, "", err
	}

	if err := o.expand(ctx, page); err != nil {
		return page, "", err
	}
	if err := o.scroll(ctx, page); err != nil {
		return page, "", err
	}

	path, err := o.sink.WriteScreenshot(ctx, page, o.sink.ScreenshotPath())
	if err != nil {
		return page, "", err
	}
	return page, path, nil
}

// navigate loads target with a short timeout. A timeout is tolerated: the
// page is usually usable long before the load event.
func (o *Orchestrator) navigate(ctx context.Context, page browser.Page, target string) error {
	navCtx, cancel := context.WithTimeout(ctx, o.network.ProfileNavigationTimeout)
	err := page.Navigate(navCtx, target)
	cancel()
	switch {
	case err == nil:
	case browser.IsSessionGone(err) || ctx.Err() != nil:
		return err
	case errors.Is(err, context.DeadlineExceeded):
		o.logger.Info("Navigation timeout, continuing with partially loaded page", zap.String("url", target))
	default:
		return &errdefs.FetchError{Op: "navigate", Err: err}
	}
	return o.Sleep(ctx, o.network.PostLoadWait)
}

// resolveAndReturn clears a challenge and goes back to target.
func (o *Orchestrator) resolveAndReturn(ctx context.Context, target string) (browser.Page, error) {
	page, err := o.sessions.ResolveChallenge(ctx)
	if err != nil {
		return nil, err
	}
	o.logger.Info("Challenge resolved, returning to profile", zap.String("url", target))
	return page, o.navigate(ctx, page, target)
}

// awaitProfile polls for profile landmarks. Error-page landmarks are
// checked first so a missing profile is reported rather than retried.
func (o *Orchestrator) awaitProfile(ctx context.Context, page browser.Page, target string) (browser.Page, error) {
	policy := retry.Policy{
		MaxAttempts: o.cfg.LandmarkAttempts,
		Backoff:     retry.Constant(o.cfg.LandmarkBackoff),
		Retryable: func(err error) bool {
			return errors.Is(err, errLandmarksMissing)
		},
		OnRetry: func(attempt int, _ error) {
			o.logger.Debug("Profile landmarks not found yet", zap.Int("attempt", attempt))
		},
		Sleep: o.Sleep,
	}
	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		if attempt > 1 && o.detector.Detect(ctx, page) {
			o.logger.Info("Challenge appeared while waiting for profile", zap.Int("attempt", attempt))
			p, err := o.resolveAndReturn(ctx, target)
			if err != nil {
				return err
			}
			page = p
		}
		return o.checkLandmarks(ctx, page, target)
	})

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return page, &errdefs.FetchError{Op: "profile landmarks", Err: errLandmarksMissing}
	}
	return page, err
}

func (o *Orchestrator) checkLandmarks(ctx context.Context, page browser.Page, target string) error {
	if sel, found, err := browser.FirstExisting(ctx, page, o.rules.ErrorSelectors); err != nil {
		return err
	} else if found {
		o.logger.Info("Profile error page detected", zap.String("selector", sel))
		return &errdefs.ProfileNotFoundError{URL: target}
	}

	if sel, found, err := browser.FirstExisting(ctx, page, o.rules.Selectors); err != nil {
		return err
	} else if found {
		o.logger.Debug("Profile landmark found", zap.String("selector", sel))
		return nil
	}

	text, err := page.Text(ctx)
	if err != nil && browser.IsSessionGone(err) {
		return err
	}
	if kw, ok := landmarks.ContainsAny(text, o.rules.Keywords); ok {
		o.logger.Debug("Profile keyword found", zap.String("keyword", kw))
		return nil
	}

	loc, err := page.Location(ctx)
	if err != nil && browser.IsSessionGone(err) {
		return err
	}
	if pattern, ok := landmarks.ContainsAny(loc, o.rules.URLPatterns); ok {
		o.logger.Debug("Profile URL pattern matched", zap.String("pattern", pattern))
		return nil
	}
	return errLandmarksMissing
}

const expandScript = `(() => {
  const selectors = %s;
  const patterns = %s.map((p) => new RegExp(p, 'i'));
  const seen = new Set();
  let clicked = 0;
  const click = (el) => {
    if (seen.has(el)) return;
    seen.add(el);
    try { el.click(); clicked++; } catch (e) {}
  };
  for (const s of selectors) {
    try { document.querySelectorAll(s).forEach(click); } catch (e) {}
  }
  document.querySelectorAll('button, a[role="button"], span[role="button"]').forEach((el) => {
    const label = (el.getAttribute('aria-label') || '').trim();
    const text = (el.innerText || '').trim();
    if (patterns.some((re) => re.test(label) || re.test(text))) click(el);
  });
  return clicked;
})()`

// expand clicks "show more" style controls. Best effort: only a lost
// session is reported.
func (o *Orchestrator) expand(ctx context.Context, page browser.Page) error {
	selectors, err := json.Marshal(o.rules.ExpandSelectors)
	if err != nil {
		return fmt.Errorf("failed to encode expand selectors: %w", err)
	}
	patterns, err := json.Marshal(o.rules.ExpandTextPatterns)
	if err != nil {
		return fmt.Errorf("failed to encode expand patterns: %w", err)
	}

	var clicked int
	if err := page.Evaluate(ctx, fmt.Sprintf(expandScript, selectors, patterns), &clicked); err != nil {
		if browser.IsSessionGone(err) {
			return err
		}
		o.logger.Debug("Content expansion failed", zap.Error(err))
		return nil
	}
	if clicked == 0 {
		return nil
	}
	o.logger.Debug("Expanded collapsed sections", zap.Int("clicked", clicked))
	return o.Sleep(ctx, o.cfg.ExpandPause)
}

// scroll walks the page top to bottom so lazy sections render, then
// returns to the top for the capture.
func (o *Orchestrator) scroll(ctx context.Context, page browser.Page) error {
	var height int
	if err := page.Evaluate(ctx, `document.body ? document.body.scrollHeight : 0`, &height); err != nil {
		if browser.IsSessionGone(err) {
			return err
		}
		o.logger.Debug("Could not measure page height", zap.Error(err))
		return nil
	}

	step := o.cfg.ScrollStep
	if step <= 0 || height <= 0 {
		return nil
	}
	for y, n := step, 0; y < height && n < maxScrollSteps; y, n = y+step, n+1 {
		if err := o.scrollTo(ctx, page, y); err != nil {
			return err
		}
		if err := o.Sleep(ctx, o.cfg.ScrollPause); err != nil {
			return err
		}
	}
	return o.scrollTo(ctx, page, 0)
}

func (o *Orchestrator) scrollTo(ctx context.Context, page browser.Page, y int) error {
	var ok bool
	err := page.Evaluate(ctx, fmt.Sprintf(`(window.scrollTo(0, %d), true)`, y), &ok)
	if err != nil && browser.IsSessionGone(err) {
		return err
	}
	return nil
}

// debugCapture photographs the page after a failure. Its own errors are
// only logged.
func (o *Orchestrator) debugCapture(ctx context.Context, page browser.Page) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), debugCaptureTimeout)
	defer cancel()

	path, err := o.sink.WriteScreenshot(ctx, page, o.sink.DebugPath())
	if err != nil {
		o.logger.Warn("Failed to capture debug screenshot", zap.Error(err))
		return
	}
	o.logger.Info("Debug screenshot saved", zap.String("path", path))
}

func (o *Orchestrator) record(ctx context.Context, target string, res FetchResult, start time.Time, elapsed time.Duration) {
	if o.recorder == nil {
		return
	}
	c := store.Capture{
		ProfileURL:     target,
		Status:         store.StatusSuccess,
		ScreenshotPath: res.ScreenshotPath,
		Duration:       elapsed,
		CreatedAt:      start,
	}
	if !res.Success {
		c.Status = store.StatusFailed
		c.Kind = errdefs.Kind(res.Err)
		c.Error = res.Message()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := o.recorder.RecordCapture(ctx, c); err != nil {
		o.logger.Warn("Failed to record capture history", zap.Error(err))
	}
}
