package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/profilecap/internal/browser"
	"github.com/xkilldash9x/profilecap/internal/browser/browsertest"
	"github.com/xkilldash9x/profilecap/internal/challenge"
	"github.com/xkilldash9x/profilecap/internal/config"
	"github.com/xkilldash9x/profilecap/internal/errdefs"
	"github.com/xkilldash9x/profilecap/internal/landmarks"
)

const (
	feedURL      = "https://www.linkedin.com/feed/"
	challengeURL = "https://www.linkedin.com/checkpoint/challenge/AgE"
	submitURL    = "https://www.linkedin.com/uas/login-submit"
)

type fixture struct {
	cfg         *config.Config
	catalog     *landmarks.Catalog
	provider    *browsertest.FakeProvider
	resolver    *challenge.Resolver
	manager     *Manager
	logs        *observer.ObservedLogs
	interactive *browsertest.FakePage

	mu     sync.Mutex
	sleeps []time.Duration
	// afterSubmit decides where the login form sends the browser.
	afterSubmit func(p *browsertest.FakePage)
	// onResolverSleep runs on every resolver pause with the pause count.
	onResolverSleep func(n int)
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		cfg:      config.NewDefaultConfig(),
		catalog:  landmarks.Default(),
		provider: browsertest.NewFakeProvider(),
	}
	f.cfg.Auth.Identifier = "me@example.com"
	f.cfg.Auth.Secret = "hunter2"
	f.cfg.Challenge.MaxAttempts = 5
	f.afterSubmit = f.landOnFeed
	f.provider.NewPage = f.newSitePage

	core, logs := observer.New(zap.DebugLevel)
	f.logs = logs
	logger := zap.New(core)

	detector := challenge.NewDetector(f.catalog.Challenge, logger)
	f.resolver = challenge.NewResolver(f.provider, detector, f.catalog.Challenge, f.cfg.Challenge, nil, nil, logger)
	resolverSleeps := 0
	f.resolver.Sleep = func(ctx context.Context, _ time.Duration) error {
		resolverSleeps++
		if f.onResolverSleep != nil {
			f.onResolverSleep(resolverSleeps)
		}
		return ctx.Err()
	}

	f.manager = NewManager(f.cfg, f.catalog, detector, f.resolver, f.cfg, nil, logger)
	f.manager.Sleep = func(ctx context.Context, d time.Duration) error {
		f.mu.Lock()
		f.sleeps = append(f.sleeps, d)
		f.mu.Unlock()
		return ctx.Err()
	}
	return f
}

// newSitePage simulates the site: the login URL serves the form, the feed
// serves navigation chrome, and submitting runs afterSubmit.
func (f *fixture) newSitePage(mode browser.RenderMode) *browsertest.FakePage {
	p := browsertest.NewFakePage()
	p.OnEvaluate = browsertest.Ready
	p.OnNavigate = func(p *browsertest.FakePage, url string) error {
		switch {
		case strings.HasPrefix(url, f.cfg.Auth.LoginURL):
			p.SetElement(f.catalog.Login.UsernameSelector, true)
			p.SetElement(f.catalog.Login.PasswordSelector, true)
			p.SetElement(f.catalog.Login.SubmitSelector, true)
		case url == feedURL:
			p.SetElement(".global-nav", true)
		}
		return nil
	}
	p.OnClick = func(p *browsertest.FakePage, selector string) error {
		if selector == f.catalog.Login.SubmitSelector {
			p.RemoveElement(f.catalog.Login.UsernameSelector)
			p.RemoveElement(f.catalog.Login.PasswordSelector)
			f.afterSubmit(p)
		}
		return nil
	}
	if mode == browser.Interactive {
		p.SetElement(`input[name="pin"]`, true)
		f.interactive = p
	}
	return p
}

func (f *fixture) landOnFeed(p *browsertest.FakePage) {
	p.SetURL(feedURL)
	p.SetElement(".global-nav", true)
}

func (f *fixture) backoffs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, d := range f.sleeps {
		if d == f.cfg.Auth.Backoff {
			n++
		}
	}
	return n
}

func (f *fixture) launch(t *testing.T) (browser.Context, *browsertest.FakePage) {
	c, page, err := f.provider.Create(context.Background(), browser.Unattended)
	require.NoError(t, err)
	return c, page.(*browsertest.FakePage)
}

func TestLogin_Success(t *testing.T) {
	f := newFixture(t)
	c, page := f.launch(t)

	nc, np, err := f.manager.Login(context.Background(), c, page)
	require.NoError(t, err)

	assert.Same(t, page, np.(*browsertest.FakePage))
	assert.Equal(t, c, nc)
	assert.Equal(t, Authenticated, f.manager.State())
	assert.Equal(t, "me@example.comhunter2", page.Typed())
	assert.Equal(t, []string{f.catalog.Login.SubmitSelector}, page.Clicks())
	assert.Zero(t, f.backoffs())
}

func TestLogin_ExistingSessionSkipsForm(t *testing.T) {
	f := newFixture(t)
	c, page := f.launch(t)
	page.OnNavigate = func(p *browsertest.FakePage, url string) error {
		p.SetURL(feedURL)
		p.SetElement(".feed-shared-update-v2", true)
		return nil
	}

	_, _, err := f.manager.Login(context.Background(), c, page)
	require.NoError(t, err)
	assert.Empty(t, page.Typed())
	assert.Equal(t, Authenticated, f.manager.State())
}

func TestLogin_MissingCredentials(t *testing.T) {
	f := newFixture(t)
	f.cfg.Auth.Secret = ""
	c, page := f.launch(t)

	_, _, err := f.manager.Login(context.Background(), c, page)
	require.Error(t, err)
	assert.True(t, errdefs.IsMissingCredentials(err))
	assert.Empty(t, page.Navigations())
	assert.Equal(t, Failed, f.manager.State())
}

func TestLogin_ExhaustsAttempts(t *testing.T) {
	f := newFixture(t)
	f.afterSubmit = func(p *browsertest.FakePage) {
		p.SetURL(submitURL)
		p.SetElement(".sign-in-form", true)
	}
	c, page := f.launch(t)

	_, _, err := f.manager.Login(context.Background(), c, page)
	require.Error(t, err)

	var loginErr *errdefs.LoginError
	require.True(t, errors.As(err, &loginErr))
	assert.Equal(t, 3, loginErr.Attempts)
	assert.Contains(t, err.Error(), "Login failed after 3 attempts")
	assert.True(t, errdefs.IsVerification(err), "the last failure is wrapped")
	assert.Equal(t, 2, f.backoffs(), "fixed backoff between attempts only")
	assert.Len(t, page.Clicks(), 3)
	assert.Equal(t, Failed, f.manager.State())
}

func TestLogin_OffDomain(t *testing.T) {
	f := newFixture(t)
	f.cfg.Auth.MaxAttempts = 1
	f.manager.cfg.MaxAttempts = 1
	c, page := f.launch(t)
	page.OnNavigate = func(p *browsertest.FakePage, url string) error {
		p.SetURL("https://captive.portal.test/login")
		return nil
	}

	_, _, err := f.manager.Login(context.Background(), c, page)
	assert.ErrorContains(t, err, "failed to reach login page")
	assert.True(t, errdefs.IsLogin(err))
}

func TestLogin_ChallengeResolved(t *testing.T) {
	f := newFixture(t)
	f.afterSubmit = func(p *browsertest.FakePage) {
		p.SetURL(challengeURL)
		p.SetElement(`input[name="pin"]`, true)
	}
	f.onResolverSleep = func(n int) {
		if n == 2 {
			f.interactive.RemoveElement(`input[name="pin"]`)
			f.interactive.SetURL(feedURL)
		}
	}
	c, page := f.launch(t)

	nc, np, err := f.manager.Login(context.Background(), c, page)
	require.NoError(t, err)

	assert.NotEqual(t, c, nc, "the challenge forced a relaunch")
	assert.Equal(t, browser.Unattended, nc.Mode())
	assert.Equal(t, []browser.RenderMode{browser.Unattended, browser.Interactive, browser.Unattended}, f.provider.Modes())
	loc, err := np.Location(context.Background())
	require.NoError(t, err)
	assert.Equal(t, feedURL, loc)
	assert.Equal(t, Authenticated, f.manager.State())

	var states []string
	for _, e := range f.logs.FilterMessage("Auth state changed").All() {
		states = append(states, e.ContextMap()["to"].(string))
	}
	assert.Equal(t, []string{"awaiting_challenge", "authenticated"}, states)
}

func TestLogin_ChallengeTimeoutIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.afterSubmit = func(p *browsertest.FakePage) {
		p.SetURL(challengeURL)
		p.SetElement(`input[name="pin"]`, true)
	}
	c, page := f.launch(t)

	nc, _, err := f.manager.Login(context.Background(), c, page)
	require.Error(t, err)
	assert.True(t, errdefs.IsChallengeTimeout(err))
	assert.False(t, errdefs.IsLogin(err))
	assert.Zero(t, f.backoffs())
	assert.Equal(t, browser.Interactive, nc.Mode())
	assert.Equal(t, Failed, f.manager.State())
}

func TestLogin_ModeSwitchFailureIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.afterSubmit = func(p *browsertest.FakePage) {
		p.SetURL(challengeURL)
		p.SetElement(`input[name="pin"]`, true)
	}
	c, page := f.launch(t)
	f.provider.FailCreate(errors.New("missing X server or $DISPLAY"))

	var (
		nc  browser.Context
		np  browser.Page
		err error
	)
	require.NotPanics(t, func() {
		nc, np, err = f.manager.Login(context.Background(), c, page)
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsSessionInvalid(err))
	assert.False(t, errdefs.IsLogin(err))
	assert.ErrorContains(t, err, "$DISPLAY")
	assert.Nil(t, nc)
	assert.Nil(t, np)
	assert.Zero(t, f.backoffs())
	assert.Len(t, page.Clicks(), 1)
	assert.Equal(t, Failed, f.manager.State())
}

func TestLogin_NilSession(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.manager.Login(context.Background(), nil, nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsSessionInvalid(err))
	assert.Zero(t, f.backoffs())
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(p *browsertest.FakePage)
		wantErr string
	}{
		{"navigation chrome", func(p *browsertest.FakePage) { p.SetElement(".global-nav__me", true) }, ""},
		{"feed content", func(p *browsertest.FakePage) { p.SetElement(".share-box", true) }, ""},
		{"identity element", func(p *browsertest.FakePage) { p.SetElement(`a[href="/messaging/"]`, true) }, ""},
		{"title", func(p *browsertest.FakePage) { p.SetTitle("Feed | LinkedIn") }, ""},
		{"sign-in form", func(p *browsertest.FakePage) { p.SetElement("#session_password", true) }, "sign-in form present"},
		{"challenge", func(p *browsertest.FakePage) { p.SetText("Please verify your identity") }, "challenge still present"},
		{"other domain", func(p *browsertest.FakePage) { p.SetURL("https://example.com/") }, "not on linkedin.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			page := browsertest.NewFakePage()
			page.OnEvaluate = browsertest.Ready
			page.SetURL(feedURL)
			tt.setup(page)

			err := f.manager.Verify(context.Background(), page)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errdefs.IsVerification(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestVerify_PermissiveFallback(t *testing.T) {
	f := newFixture(t)
	page := browsertest.NewFakePage()
	page.OnEvaluate = browsertest.Ready
	page.SetURL(feedURL)

	require.NoError(t, f.manager.Verify(context.Background(), page))
	warn := f.logs.FilterMessage("Could not definitively verify login status, proceeding").All()
	require.Len(t, warn, 1)
	assert.Equal(t, zap.WarnLevel, warn[0].Level)
}

func TestVerify_DeadPage(t *testing.T) {
	f := newFixture(t)
	page := browsertest.NewFakePage()
	page.Close()

	err := f.manager.Verify(context.Background(), page)
	assert.True(t, errdefs.IsSessionInvalid(err))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "anonymous", Anonymous.String())
	assert.Equal(t, "awaiting_challenge", AwaitingChallenge.String())
	assert.Equal(t, "authenticated", Authenticated.String())
	assert.Equal(t, "failed", Failed.String())
}
