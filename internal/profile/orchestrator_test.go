package profile

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/profilecap/internal/artifacts"
	"github.com/xkilldash9x/profilecap/internal/browser"
	"github.com/xkilldash9x/profilecap/internal/browser/browsertest"
	"github.com/xkilldash9x/profilecap/internal/challenge"
	"github.com/xkilldash9x/profilecap/internal/config"
	"github.com/xkilldash9x/profilecap/internal/errdefs"
	"github.com/xkilldash9x/profilecap/internal/events"
	"github.com/xkilldash9x/profilecap/internal/landmarks"
	"github.com/xkilldash9x/profilecap/internal/ratelimit"
	"github.com/xkilldash9x/profilecap/internal/session"
	"github.com/xkilldash9x/profilecap/internal/store"
)

const (
	profileURL   = "https://www.linkedin.com/in/example"
	challengeURL = "https://www.linkedin.com/checkpoint/challenge/AgHxyz"
	feedURL      = "https://www.linkedin.com/feed/"
)

// site simulates how the target site answers navigations.
type site struct {
	mu sync.Mutex
	// challenges is how many profile navigations land on a challenge.
	challenges int
	missing    bool
	bare       bool
	navs       int
	pages      []*browsertest.FakePage
}

func (s *site) newPage(browser.RenderMode) *browsertest.FakePage {
	p := browsertest.NewFakePage()
	p.OnNavigate = s.navigate
	p.OnEvaluate = browsertest.Ready
	s.mu.Lock()
	s.pages = append(s.pages, p)
	s.mu.Unlock()
	return p
}

func (s *site) navigate(p *browsertest.FakePage, url string) error {
	if !strings.Contains(url, "/in/") {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.navs++
	switch {
	case s.challenges > 0:
		s.challenges--
		p.SetURL(challengeURL)
	case s.missing:
		p.SetElement(".profile-unavailable", true)
	case s.bare:
		p.SetURL("https://www.linkedin.com/404/")
	default:
		p.SetElement(".pv-top-card", true)
	}
	return nil
}

// solve makes the operator finish the challenge in the newest window.
func (s *site) solve() {
	s.mu.Lock()
	p := s.pages[len(s.pages)-1]
	s.mu.Unlock()
	p.SetURL(feedURL)
}

func (s *site) profileNavigations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.navs
}

type stubAuth struct {
	login func(ctx context.Context, c browser.Context, page browser.Page) (browser.Context, browser.Page, error)
}

func (a *stubAuth) Login(ctx context.Context, c browser.Context, page browser.Page) (browser.Context, browser.Page, error) {
	if a.login != nil {
		return a.login(ctx, c, page)
	}
	return c, page, nil
}

func (a *stubAuth) Verify(context.Context, browser.Page) error { return nil }
func (a *stubAuth) Reset()                                     {}

type memoryRecorder struct {
	mu       sync.Mutex
	captures []store.Capture
}

func (r *memoryRecorder) RecordCapture(_ context.Context, c store.Capture) error {
	r.mu.Lock()
	r.captures = append(r.captures, c)
	r.mu.Unlock()
	return nil
}

type countingAdmitter struct {
	mu      sync.Mutex
	targets []string
	err     error
}

func (a *countingAdmitter) Admit(_ context.Context, target string) (time.Duration, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.targets = append(a.targets, target)
	return 0, a.err
}

type harness struct {
	site         *site
	provider     *browsertest.FakeProvider
	auth         *stubAuth
	resolver     *challenge.Resolver
	sessions     *session.Manager
	sink         *artifacts.Sink
	recorder     *memoryRecorder
	orchestrator *Orchestrator

	mu           sync.Mutex
	resolverWait int
	// solveAfter is the resolver pause after which the operator finishes;
	// zero means never.
	solveAfter int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfg := config.NewDefaultConfig()
	cfg.Challenge.MaxAttempts = 5
	cfg.Challenge.Banner = false
	catalog := landmarks.Default()

	h := &harness{site: &site{}, auth: &stubAuth{}, recorder: &memoryRecorder{}}
	h.provider = browsertest.NewFakeProvider()
	h.provider.NewPage = h.site.newPage

	detector := challenge.NewDetector(catalog.Challenge, logger)
	h.resolver = challenge.NewResolver(h.provider, detector, catalog.Challenge, cfg.Challenge, nil, nil, logger)
	h.resolver.Sleep = h.resolverSleep

	h.sessions = session.NewManager(h.provider, h.auth, h.resolver, nil, logger)
	t.Cleanup(func() { h.sessions.Close(context.Background()) })

	sink, err := artifacts.NewSink(config.ArtifactsConfig{Root: t.TempDir(), Screenshots: "screenshots", Debug: "debug", Logs: "logs"}, logger)
	require.NoError(t, err)
	h.sink = sink

	h.orchestrator = NewOrchestrator(cfg, catalog, Deps{
		Sessions: h.sessions,
		Limiter:  ratelimit.New(0, ratelimit.ScopeGlobal, logger),
		Detector: detector,
		Sink:     sink,
		Recorder: h.recorder,
		Events:   events.Nop{},
		Logger:   logger,
	})
	h.orchestrator.Sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return h
}

func (h *harness) resolverSleep(ctx context.Context, _ time.Duration) error {
	h.mu.Lock()
	h.resolverWait++
	solve := h.solveAfter > 0 && h.resolverWait == h.solveAfter
	h.mu.Unlock()
	if solve {
		h.site.solve()
	}
	return ctx.Err()
}

func pngFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestFetch_ProfileCaptured(t *testing.T) {
	h := newHarness(t)

	res := h.orchestrator.Fetch(context.Background(), profileURL)

	require.True(t, res.Success, "unexpected failure: %v", res.Err)
	assert.True(t, strings.HasSuffix(res.ScreenshotPath, ".png"))
	data, err := os.ReadFile(res.ScreenshotPath)
	require.NoError(t, err)
	assert.Equal(t, browsertest.PNG, data)

	assert.Equal(t, 1, h.site.profileNavigations())
	assert.Equal(t, []browser.RenderMode{browser.Unattended}, h.provider.Modes())
	assert.Empty(t, pngFiles(t, h.sink.DebugDir()))

	require.Len(t, h.recorder.captures, 1)
	assert.Equal(t, store.StatusSuccess, h.recorder.captures[0].Status)
	assert.Equal(t, profileURL, h.recorder.captures[0].ProfileURL)
}

func TestFetch_ChallengeAfterNavigation(t *testing.T) {
	h := newHarness(t)
	h.site.challenges = 1
	h.solveAfter = 1 // second poll sees the challenge gone

	res := h.orchestrator.Fetch(context.Background(), profileURL)

	require.True(t, res.Success, "unexpected failure: %v", res.Err)
	assert.Equal(t, 2, h.site.profileNavigations(), "profile is loaded again after the challenge")
	assert.Equal(t,
		[]browser.RenderMode{browser.Unattended, browser.Interactive, browser.Unattended},
		h.provider.Modes(),
	)
	assert.Equal(t, 1, h.provider.Live())
	assert.Equal(t, session.Ready, h.sessions.Status().State)
}

func TestFetch_ProfileNotFound(t *testing.T) {
	h := newHarness(t)
	h.site.missing = true

	res := h.orchestrator.Fetch(context.Background(), profileURL)

	require.False(t, res.Success)
	assert.True(t, errdefs.IsProfileNotFound(res.Err))
	assert.Equal(t, http.StatusNotFound, errdefs.HTTPStatus(res.Err))
	assert.Equal(t, 1, h.site.profileNavigations(), "a missing profile is not retried")
	assert.Len(t, pngFiles(t, h.sink.DebugDir()), 1, "failure is photographed")

	require.Len(t, h.recorder.captures, 1)
	assert.Equal(t, "profile_not_found", h.recorder.captures[0].Kind)
}

func TestFetch_ChallengeNeverResolvedDuringLogin(t *testing.T) {
	h := newHarness(t)
	h.auth.login = func(ctx context.Context, c browser.Context, page browser.Page) (browser.Context, browser.Page, error) {
		if err := page.Navigate(ctx, challengeURL); err != nil {
			return c, page, err
		}
		return h.resolver.Resolve(ctx, c, page)
	}

	res := h.orchestrator.Fetch(context.Background(), profileURL)

	require.False(t, res.Success)
	assert.True(t, errdefs.IsChallengeTimeout(res.Err), "got %v", res.Err)
	assert.Equal(t, http.StatusInternalServerError, errdefs.HTTPStatus(res.Err))
	assert.Equal(t, session.Uninitialized, h.sessions.Status().State)
	assert.Equal(t, 0, h.provider.Live(), "the interactive window is closed")

	// The next call starts from a fresh browser.
	h.auth.login = nil
	res = h.orchestrator.Fetch(context.Background(), profileURL)
	require.True(t, res.Success, "unexpected failure: %v", res.Err)
}

func TestFetch_InvalidInputTouchesNothing(t *testing.T) {
	h := newHarness(t)
	admitter := &countingAdmitter{}
	h.orchestrator.limiter = admitter

	for _, in := range []string{"", "https://example.com/in/someone", "not a url at all", "example", "jane-doe"} {
		res := h.orchestrator.Fetch(context.Background(), in)
		require.False(t, res.Success)
		assert.True(t, errdefs.IsInvalidInput(res.Err), "input %q gave %v", in, res.Err)
		assert.Equal(t, http.StatusBadRequest, errdefs.HTTPStatus(res.Err))
	}
	assert.Equal(t, 0, h.provider.Creates())
	assert.Empty(t, admitter.targets)
	assert.Empty(t, h.recorder.captures)
}

func TestFetch_AdmitsNormalizedTarget(t *testing.T) {
	h := newHarness(t)
	admitter := &countingAdmitter{}
	h.orchestrator.limiter = admitter

	res := h.orchestrator.Fetch(context.Background(), "www.linkedin.com/in/example#about")
	require.True(t, res.Success, "unexpected failure: %v", res.Err)
	assert.Equal(t, []string{profileURL}, admitter.targets)

	admitter.err = context.Canceled
	res = h.orchestrator.Fetch(context.Background(), "www.linkedin.com/in/example")
	require.False(t, res.Success)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, 1, h.provider.Creates())
}

func TestFetch_LandmarksNeverAppear(t *testing.T) {
	h := newHarness(t)
	h.site.bare = true
	h.orchestrator.rules.URLPatterns = nil

	res := h.orchestrator.Fetch(context.Background(), profileURL)

	require.False(t, res.Success)
	assert.ErrorIs(t, res.Err, errLandmarksMissing)
	assert.Equal(t, "fetch_failed", errdefs.Kind(res.Err))
	assert.Len(t, pngFiles(t, h.sink.DebugDir()), 1)
}

func TestFetch_RecoversFromClosedBrowser(t *testing.T) {
	h := newHarness(t)

	res := h.orchestrator.Fetch(context.Background(), profileURL)
	require.True(t, res.Success)

	// The browser dies between requests and again mid-capture.
	h.site.mu.Lock()
	first := h.site.pages[0]
	h.site.mu.Unlock()
	first.Close()

	var once sync.Once
	h.provider.NewPage = func(mode browser.RenderMode) *browsertest.FakePage {
		p := h.site.newPage(mode)
		once.Do(func() { p.Fail("Screenshot", browser.ErrClosed) })
		return p
	}

	res = h.orchestrator.Fetch(context.Background(), profileURL)
	require.True(t, res.Success, "unexpected failure: %v", res.Err)
	assert.Equal(t, 3, h.provider.Creates())
	assert.Equal(t, 1, h.provider.Live())
}
