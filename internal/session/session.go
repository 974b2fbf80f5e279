// Package session owns the single shared, authenticated browser session of
// the process and rebuilds it when the browser goes away.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xkilldash9x/profilecap/internal/browser"
	"github.com/xkilldash9x/profilecap/internal/errdefs"
	"github.com/xkilldash9x/profilecap/internal/events"
)

// ErrClosed is returned once the manager has been shut down.
var ErrClosed = errors.New("session manager is closed")

// State is the lifecycle position of the session.
type State int

const (
	Uninitialized State = iota
	Initializing
	Ready
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	default:
		return "uninitialized"
	}
}

// Authenticator logs a page in and checks it is still logged in.
type Authenticator interface {
	Login(ctx context.Context, c browser.Context, page browser.Page) (browser.Context, browser.Page, error)
	Verify(ctx context.Context, page browser.Page) error
	Reset()
}

// ChallengeResolver clears a challenge blocking the page.
type ChallengeResolver interface {
	Resolve(ctx context.Context, c browser.Context, page browser.Page) (browser.Context, browser.Page, error)
}

// Status is a point-in-time view of the session.
type Status struct {
	State         State  `json:"-"`
	StateName     string `json:"state"`
	Authenticated bool   `json:"authenticated"`
	Mode          string `json:"mode,omitempty"`
}

// Manager is the owner of the browser context and page. Callers borrow the
// page for one operation and must not keep it past a reset.
type Manager struct {
	provider browser.Provider
	auth     Authenticator
	resolver ChallengeResolver
	events   events.Publisher
	logger   *zap.Logger

	group singleflight.Group
	// turn hands the page to one operation at a time.
	turn chan struct{}

	mu            sync.Mutex
	state         State
	bctx          browser.Context
	page          browser.Page
	authenticated bool
	closed        bool
}

// NewManager returns an uninitialized manager. Nothing is launched until
// the first GetPage.
func NewManager(provider browser.Provider, auth Authenticator, resolver ChallengeResolver, pub events.Publisher, logger *zap.Logger) *Manager {
	return &Manager{
		provider: provider,
		auth:     auth,
		resolver: resolver,
		events:   events.OrNop(pub),
		logger:   logger.Named("session"),
		turn:     make(chan struct{}, 1),
	}
}

// Acquire waits until no other operation holds the session. The returned
// function releases it.
func (m *Manager) Acquire(ctx context.Context) (func(), error) {
	select {
	case m.turn <- struct{}{}:
		return m.releaseFunc(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquire is Acquire without waiting.
func (m *Manager) TryAcquire() (func(), bool) {
	select {
	case m.turn <- struct{}{}:
		return m.releaseFunc(), true
	default:
		return nil, false
	}
}

func (m *Manager) releaseFunc() func() {
	var once sync.Once
	return func() { once.Do(func() { <-m.turn }) }
}

// Status reports the current state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Status{State: m.state, StateName: m.state.String(), Authenticated: m.authenticated}
	if m.bctx != nil {
		s.Mode = m.bctx.Mode().String()
	}
	return s
}

func (m *Manager) setStateLocked(to State) {
	if m.state == to {
		return
	}
	m.logger.Info("Session state changed", zap.Stringer("from", m.state), zap.Stringer("to", to))
	m.state = to
}

// GetPage returns the live page, launching and logging in first if needed.
// A page that fails the liveness probe triggers a reset and one rebuild.
func (m *Manager) GetPage(ctx context.Context) (browser.Page, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if err := m.ensureInit(ctx); err != nil {
			return nil, err
		}
		page := m.current()
		if page == nil {
			continue
		}
		err := page.Ping(ctx)
		if err == nil {
			return page, nil
		}
		if !browser.IsSessionGone(err) {
			return nil, err
		}
		lastErr = err
		m.logger.Info("Detected closed or detached page, resetting session", zap.Error(err))
		m.resetIfCurrent(ctx, page)
	}
	if lastErr == nil {
		lastErr = errors.New("session was reset during initialization")
	}
	return nil, &errdefs.SessionInvalidError{Err: lastErr}
}

func (m *Manager) current() browser.Page {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.page
}

func (m *Manager) ensureInit(ctx context.Context) error {
	m.mu.Lock()
	closed, ready := m.closed, m.state == Ready
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if ready {
		return nil
	}

	// Concurrent callers share one initialization, detached from whichever
	// caller started it.
	ch := m.group.DoChan("init", func() (any, error) {
		return nil, m.initialize(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// initialize launches the browser and logs in. On failure everything is
// torn down and the session stays Uninitialized for the next caller.
func (m *Manager) initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state == Ready {
		m.mu.Unlock()
		return nil
	}
	m.setStateLocked(Initializing)
	m.mu.Unlock()

	m.logger.Info("Launching persistent browser session")
	c, page, err := m.provider.Create(ctx, browser.Unattended)
	if err != nil {
		m.fail()
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	m.logger.Info("Logging in for persistent session")
	c, page, err = m.auth.Login(ctx, c, page)
	if err != nil {
		if c != nil {
			m.provider.Destroy(ctx, c)
		}
		m.fail()
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.provider.Destroy(ctx, c)
		return ErrClosed
	}
	m.bctx, m.page = c, page
	m.authenticated = true
	m.setStateLocked(Ready)
	m.mu.Unlock()

	m.events.Publish(events.SessionReady, "Browser session is logged in and ready", "")
	return nil
}

func (m *Manager) fail() {
	m.mu.Lock()
	m.setStateLocked(Uninitialized)
	m.mu.Unlock()
}

// EnsureLogin re-verifies the session even when it is believed to be
// authenticated, and logs in again if it has expired.
func (m *Manager) EnsureLogin(ctx context.Context) error {
	err := m.ensureLogin(ctx)
	if err != nil && browser.IsSessionGone(err) {
		m.logger.Info("Session went away during login check, rebuilding", zap.Error(err))
		m.Reset(ctx)
		err = m.ensureLogin(ctx)
	}
	return err
}

func (m *Manager) ensureLogin(ctx context.Context) error {
	page, err := m.GetPage(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	authenticated := m.authenticated
	m.mu.Unlock()

	if authenticated {
		err := m.auth.Verify(ctx, page)
		if err == nil {
			return nil
		}
		if browser.IsSessionGone(err) {
			return err
		}
		m.logger.Info("Session expired, logging in again", zap.Error(err))
	} else {
		m.logger.Info("Session not logged in, logging in")
	}
	return m.relogin(ctx)
}

// relogin runs Login against the current handles. Any failure leaves the
// session Uninitialized so the next call starts from a fresh browser.
func (m *Manager) relogin(ctx context.Context) error {
	_, err, _ := m.group.Do("login", func() (any, error) {
		m.mu.Lock()
		c, page := m.bctx, m.page
		m.authenticated = false
		m.mu.Unlock()
		if c == nil {
			return nil, &errdefs.SessionInvalidError{Err: errors.New("no browser session")}
		}

		nc, np, err := m.auth.Login(ctx, c, page)
		if err != nil {
			m.swap(nc, np, false)
			if !browser.IsSessionGone(err) {
				m.Reset(ctx)
			}
			return nil, err
		}
		m.swap(nc, np, true)
		return nil, nil
	})
	return err
}

// swap installs handles returned by a login or challenge resolution. A nil
// context means the old one was destroyed and nothing replaced it.
func (m *Manager) swap(c browser.Context, page browser.Page, authenticated bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c == nil || page == nil {
		m.bctx, m.page = nil, nil
		m.authenticated = false
		m.setStateLocked(Uninitialized)
		return
	}
	m.bctx, m.page = c, page
	m.authenticated = authenticated
}

// ResolveChallenge hands the challenge on the current page to the
// resolver and installs the handles it returns. On a timeout the session
// is reset so the next caller starts over.
func (m *Manager) ResolveChallenge(ctx context.Context) (browser.Page, error) {
	m.mu.Lock()
	c, page, authenticated := m.bctx, m.page, m.authenticated
	m.mu.Unlock()
	if c == nil {
		return nil, &errdefs.SessionInvalidError{Err: errors.New("no browser session")}
	}

	nc, np, err := m.resolver.Resolve(ctx, c, page)
	m.swap(nc, np, authenticated)
	if err != nil {
		m.Reset(ctx)
		return nil, err
	}
	return np, nil
}

// Reset tears the browser down and forgets authenticated state. The next
// GetPage starts from scratch.
func (m *Manager) Reset(ctx context.Context) {
	m.mu.Lock()
	c := m.bctx
	m.bctx, m.page = nil, nil
	m.authenticated = false
	m.setStateLocked(Uninitialized)
	m.mu.Unlock()

	if c != nil {
		m.provider.Destroy(ctx, c)
	}
	m.auth.Reset()
	m.logger.Info("Session reset")
	m.events.Publish(events.SessionReset, "Browser session was reset", "")
}

// resetIfCurrent resets only if page is still the session's page, so
// concurrent callers that saw the same dead page reset once.
func (m *Manager) resetIfCurrent(ctx context.Context, page browser.Page) {
	m.mu.Lock()
	current := m.page == page
	m.mu.Unlock()
	if current {
		m.Reset(ctx)
	}
}

// Close destroys the browser. Later calls fail with ErrClosed.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.Reset(ctx)
}
