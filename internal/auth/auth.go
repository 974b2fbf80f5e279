// Package auth logs the shared session into the target site and verifies
// that it is still authenticated.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/profilecap/internal/browser"
	"github.com/xkilldash9x/profilecap/internal/challenge"
	"github.com/xkilldash9x/profilecap/internal/config"
	"github.com/xkilldash9x/profilecap/internal/errdefs"
	"github.com/xkilldash9x/profilecap/internal/events"
	"github.com/xkilldash9x/profilecap/internal/humanoid"
	"github.com/xkilldash9x/profilecap/internal/landmarks"
	"github.com/xkilldash9x/profilecap/internal/retry"
)

const (
	submitPollInterval = 500 * time.Millisecond
	readyPollInterval  = 250 * time.Millisecond
	readyPolls         = 20
	// verifySettle lets late-rendering navigation chrome appear.
	verifySettle = 2 * time.Second
)

// State is where the login state machine is.
type State int

const (
	Anonymous State = iota
	AwaitingChallenge
	Authenticated
	Failed
)

func (s State) String() string {
	switch s {
	case AwaitingChallenge:
		return "awaiting_challenge"
	case Authenticated:
		return "authenticated"
	case Failed:
		return "failed"
	default:
		return "anonymous"
	}
}

// CredentialSource supplies the login identifier and secret.
type CredentialSource interface {
	Credentials() (identifier, secret string, err error)
}

// ChallengeResolver clears a challenge blocking the page.
type ChallengeResolver interface {
	Resolve(ctx context.Context, c browser.Context, page browser.Page) (browser.Context, browser.Page, error)
}

// Manager drives the login form and checks authenticated state.
type Manager struct {
	cfg        config.AuthConfig
	navTimeout time.Duration
	form       landmarks.Login
	detector   *challenge.Detector
	resolver   ChallengeResolver
	creds      CredentialSource
	typist     *humanoid.Typist
	events     events.Publisher
	logger     *zap.Logger

	mu    sync.Mutex
	state State

	// Sleep is used for every timed pause. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewManager wires a Manager from configuration and the landmark catalog.
func NewManager(cfg *config.Config, catalog *landmarks.Catalog, detector *challenge.Detector, resolver ChallengeResolver, creds CredentialSource, pub events.Publisher, logger *zap.Logger) *Manager {
	typist := humanoid.NewTypist(cfg.Auth.KeystrokeDelay, cfg.Auth.KeystrokeJitter)
	m := &Manager{
		cfg:        cfg.Auth,
		navTimeout: cfg.Network.NavigationTimeout,
		form:       catalog.Login,
		detector:   detector,
		resolver:   resolver,
		creds:      creds,
		typist:     typist,
		events:     events.OrNop(pub),
		logger:     logger.Named("auth"),
		Sleep:      retry.SleepContext,
	}
	typist.Sleep = func(ctx context.Context, d time.Duration) error { return m.Sleep(ctx, d) }
	return m
}

// State returns the current login state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(to State) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.mu.Unlock()
	if from == to {
		return
	}
	m.logger.Info("Auth state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	m.events.Publish(events.AuthState, fmt.Sprintf("%s -> %s", from, to), "")
}

// Reset forgets any authenticated state, e.g. after the browser was rebuilt.
func (m *Manager) Reset() { m.setState(Anonymous) }

// Login signs in, resolving a challenge on the way if one appears. It
// returns the context and page to use afterwards, which differ from the
// inputs when a challenge forced a mode switch.
//
// Every attempt failure is retried with a fixed backoff up to the attempt
// budget, then surfaced as LoginError. Missing credentials, a challenge
// timeout, a dead page and a lost browser are returned immediately.
func (m *Manager) Login(ctx context.Context, c browser.Context, page browser.Page) (browser.Context, browser.Page, error) {
	identifier, secret, err := m.creds.Credentials()
	if err != nil {
		m.setState(Failed)
		return c, page, err
	}

	policy := retry.Policy{
		MaxAttempts: m.cfg.MaxAttempts,
		Backoff:     retry.Constant(m.cfg.Backoff),
		Retryable: func(err error) bool {
			return !errdefs.IsChallengeTimeout(err) && !browser.IsSessionGone(err)
		},
		OnRetry: func(attempt int, err error) {
			m.logger.Warn("Login attempt failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", m.cfg.Backoff),
				zap.Error(err),
			)
		},
		Sleep: func(ctx context.Context, d time.Duration) error { return m.Sleep(ctx, d) },
	}

	err = retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		m.logger.Info("Logging in", zap.Int("attempt", attempt), zap.Int("max_attempts", m.cfg.MaxAttempts))
		var attemptErr error
		c, page, attemptErr = m.attempt(ctx, c, page, identifier, secret)
		if attemptErr != nil && (c == nil || page == nil) {
			// A failed mode switch leaves no browser to retry on.
			return &errdefs.SessionInvalidError{Err: attemptErr}
		}
		return attemptErr
	})
	if err == nil {
		m.setState(Authenticated)
		m.logger.Info("Login succeeded and verified")
		return c, page, nil
	}

	m.setState(Failed)
	var exhausted *retry.ExhaustedError
	switch {
	case errors.As(err, &exhausted):
		return c, page, &errdefs.LoginError{Attempts: exhausted.Attempts, Err: exhausted.Last}
	case errdefs.IsChallengeTimeout(err), browser.IsSessionGone(err):
		return c, page, browser.AsSessionInvalid(err)
	default:
		return c, page, err
	}
}

// attempt is one pass over the login form.
func (m *Manager) attempt(ctx context.Context, c browser.Context, page browser.Page, identifier, secret string) (browser.Context, browser.Page, error) {
	m.setState(Anonymous)
	if c == nil || page == nil {
		return c, page, &errdefs.SessionInvalidError{Err: errors.New("no browser session to log in with")}
	}

	if err := page.Navigate(ctx, m.cfg.LoginURL); err != nil {
		return c, page, fmt.Errorf("failed to open login page: %w", err)
	}
	loc, err := page.Location(ctx)
	if err != nil {
		return c, page, err
	}
	if browser.RegistrableDomain(loc) != m.cfg.Domain {
		return c, page, fmt.Errorf("failed to reach login page, landed on %s", loc)
	}

	// The persistent profile may still hold a valid session, in which case
	// the site redirects away from the form.
	hasForm, err := page.Exists(ctx, m.form.UsernameSelector)
	if err != nil {
		return c, page, err
	}
	if !hasForm && !m.detector.Detect(ctx, page) {
		if err := m.Verify(ctx, page); err == nil {
			m.logger.Info("Existing session is still authenticated", zap.String("url", loc))
			return c, page, nil
		}
		return c, page, fmt.Errorf("login form not found at %s", loc)
	}

	if hasForm {
		if err := m.submit(ctx, page, identifier, secret); err != nil {
			return c, page, err
		}
	}

	if m.detector.Detect(ctx, page) {
		m.setState(AwaitingChallenge)
		c, page, err = m.resolver.Resolve(ctx, c, page)
		if err != nil {
			return c, page, err
		}
		if err := m.leaveChallengePath(ctx, page); err != nil {
			return c, page, err
		}
	}

	return c, page, m.Verify(ctx, page)
}

// submit fills and sends the login form, then waits for the page to leave
// the login URL or land on a challenge.
func (m *Manager) submit(ctx context.Context, page browser.Page, identifier, secret string) error {
	if err := m.typist.Type(ctx, page, m.form.UsernameSelector, identifier); err != nil {
		return err
	}
	if err := m.typist.Type(ctx, page, m.form.PasswordSelector, secret); err != nil {
		return err
	}

	m.logger.Info("Submitting login form")
	if err := page.Click(ctx, m.form.SubmitSelector); err != nil {
		return fmt.Errorf("failed to submit login form: %w", err)
	}

	polls := int(m.navTimeout / submitPollInterval)
	if polls < 1 {
		polls = 1
	}
	err := retry.Poll(ctx, retry.Policy{
		MaxAttempts: polls,
		Backoff:     retry.Constant(submitPollInterval),
		Sleep:       func(ctx context.Context, d time.Duration) error { return m.Sleep(ctx, d) },
	}, func(ctx context.Context, _ int) (bool, error) {
		loc, err := page.Location(ctx)
		if err != nil {
			if browser.IsSessionGone(err) {
				return false, err
			}
			return false, nil
		}
		if m.detector.OnChallengePath(loc) {
			return true, nil
		}
		return !strings.HasPrefix(loc, m.cfg.LoginURL), nil
	})
	if err != nil {
		return fmt.Errorf("navigation timeout and not on challenge page: %w", err)
	}
	return nil
}

// leaveChallengePath moves off a challenge URL the site did not redirect from.
func (m *Manager) leaveChallengePath(ctx context.Context, page browser.Page) error {
	loc, err := page.Location(ctx)
	if err != nil || !m.detector.OnChallengePath(loc) {
		return err
	}
	m.logger.Info("Still on challenge path after resolution, opening feed", zap.String("url", loc))
	return page.Navigate(ctx, m.cfg.FeedURL)
}

// Verify checks that page is an authenticated page of the site. Positive
// evidence wins; explicit sign-in markers fail; with neither, the session
// is assumed authenticated.
func (m *Manager) Verify(ctx context.Context, page browser.Page) error {
	loc, err := page.Location(ctx)
	if err != nil {
		return browser.AsSessionInvalid(err)
	}
	if browser.RegistrableDomain(loc) != m.cfg.Domain {
		return &errdefs.VerificationError{Reason: "not on " + m.cfg.Domain}
	}
	if m.detector.Detect(ctx, page) {
		return &errdefs.VerificationError{Reason: "challenge still present"}
	}

	m.waitReady(ctx, page)
	if err := m.Sleep(ctx, verifySettle); err != nil {
		return err
	}

	signals := []struct {
		name      string
		selectors []string
	}{
		{"navigation", m.form.NavSelectors},
		{"content", m.form.ContentSelectors},
		{"identity", m.form.AuthSelectors},
	}
	for _, s := range signals {
		match, ok, err := browser.FirstExisting(ctx, page, s.selectors)
		if err != nil {
			return browser.AsSessionInvalid(err)
		}
		if ok {
			m.logger.Debug("Login verified", zap.String("signal", s.name), zap.String("selector", match))
			return nil
		}
	}

	if title, err := page.Title(ctx); err == nil {
		for _, kw := range m.form.TitleKeywords {
			if strings.Contains(title, kw) {
				m.logger.Debug("Login verified", zap.String("signal", "title"), zap.String("title", title))
				return nil
			}
		}
	} else if browser.IsSessionGone(err) {
		return browser.AsSessionInvalid(err)
	}

	match, ok, err := browser.FirstExisting(ctx, page, m.form.LogoutSelectors)
	if err != nil {
		return browser.AsSessionInvalid(err)
	}
	if ok {
		return &errdefs.VerificationError{Reason: "sign-in form present (" + match + ")"}
	}

	m.logger.Warn("Could not definitively verify login status, proceeding",
		zap.String("reason", "no positive or negative landmark"),
		zap.String("url", loc),
	)
	return nil
}

// waitReady gives the document a bounded chance to finish loading.
func (m *Manager) waitReady(ctx context.Context, page browser.Page) {
	_ = retry.Poll(ctx, retry.Policy{
		MaxAttempts: readyPolls,
		Backoff:     retry.Constant(readyPollInterval),
		Sleep:       func(ctx context.Context, d time.Duration) error { return m.Sleep(ctx, d) },
	}, func(ctx context.Context, _ int) (bool, error) {
		var state string
		if err := page.Evaluate(ctx, `document.readyState`, &state); err != nil {
			return browser.IsSessionGone(err), nil
		}
		return state == "complete", nil
	})
}
