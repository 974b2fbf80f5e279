package cmd

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/profilecap/internal/artifacts"
	"github.com/xkilldash9x/profilecap/internal/auth"
	"github.com/xkilldash9x/profilecap/internal/browser"
	"github.com/xkilldash9x/profilecap/internal/challenge"
	"github.com/xkilldash9x/profilecap/internal/config"
	"github.com/xkilldash9x/profilecap/internal/events"
	"github.com/xkilldash9x/profilecap/internal/landmarks"
	"github.com/xkilldash9x/profilecap/internal/profile"
	"github.com/xkilldash9x/profilecap/internal/ratelimit"
	"github.com/xkilldash9x/profilecap/internal/session"
	"github.com/xkilldash9x/profilecap/internal/store"
)

const (
	shutdownTimeout = 15 * time.Second
	eventBuffer     = 64
)

// components holds the initialized services shared by serve and capture.
type components struct {
	Catalog      *landmarks.Catalog
	Provider     *browser.ChromeProvider
	Sink         *artifacts.Sink
	Events       *events.Bus
	Store        *store.Store
	Sessions     *session.Manager
	Orchestrator *profile.Orchestrator

	closeDB func()
	logger  *zap.Logger
}

// Shutdown releases everything in reverse order of construction.
func (c *components) Shutdown(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if c.Sessions != nil {
		c.Sessions.Close(shutdownCtx)
	}
	if c.Provider != nil {
		c.Provider.Shutdown(shutdownCtx)
	}
	if c.Events != nil {
		c.Events.Close()
	}
	if c.closeDB != nil {
		c.closeDB()
	}
	c.logger.Debug("Components shut down")
}

// componentOptions tunes initialization per command.
type componentOptions struct {
	// RateLimit applies the configured spacing between fetches.
	RateLimit bool
	// History records captures when a database is configured.
	History bool
}

// initializeComponents handles dependency injection. On error the partially
// built components are returned so the caller can shut them down.
func initializeComponents(ctx context.Context, cfg *config.Config, opts componentOptions, logger *zap.Logger) (*components, error) {
	c := &components{logger: logger}

	// 1. Credentials are fatal up front, not on the first request.
	if _, _, err := cfg.Credentials(); err != nil {
		return c, err
	}

	// 2. Landmarks and artifact directories
	catalog, err := landmarks.Load(cfg.Landmarks.File)
	if err != nil {
		return c, err
	}
	c.Catalog = catalog

	sink, err := artifacts.NewSink(cfg.Artifacts, logger)
	if err != nil {
		return c, err
	}
	if err := sink.EnsureDirectories(); err != nil {
		return c, err
	}
	c.Sink = sink

	// 3. Capture history
	if opts.History && cfg.Database.Enabled() {
		st, closeDB, err := store.Open(ctx, cfg.Database, logger)
		if err != nil {
			return c, fmt.Errorf("failed to initialize capture history: %w", err)
		}
		c.Store, c.closeDB = st, closeDB
		if err := st.Migrate(ctx); err != nil {
			return c, err
		}
	}

	// 4. Browser
	provider, err := browser.NewChromeProvider(cfg, catalog, logger)
	if err != nil {
		return c, fmt.Errorf("failed to initialize browser provider: %w", err)
	}
	c.Provider = provider

	if cfg.Browser.VerifyOnStart {
		if err := provider.Verify(ctx); err != nil {
			return c, err
		}
	}

	// 5. Challenge handling, login and the shared session
	c.Events = events.NewBus(logger, eventBuffer)

	detector := challenge.NewDetector(catalog.Challenge, logger)
	var banner challenge.Banner
	if cfg.Challenge.Banner {
		banner = challenge.OverlayBanner{Logger: logger}
	}
	resolver := challenge.NewResolver(provider, detector, catalog.Challenge, cfg.Challenge, banner, c.Events, logger)
	authenticator := auth.NewManager(cfg, catalog, detector, resolver, cfg, c.Events, logger)
	c.Sessions = session.NewManager(provider, authenticator, resolver, c.Events, logger)

	// 6. Orchestrator
	delay := time.Duration(0)
	if opts.RateLimit {
		delay = cfg.RateLimit.Delay
	}
	deps := profile.Deps{
		Sessions: c.Sessions,
		Limiter:  ratelimit.New(delay, ratelimit.Scope(cfg.RateLimit.Scope), logger),
		Detector: detector,
		Sink:     sink,
		Events:   c.Events,
		Logger:   logger,
	}
	// A nil *store.Store must not end up as a non-nil Recorder.
	if c.Store != nil {
		deps.Recorder = c.Store
	}
	c.Orchestrator = profile.NewOrchestrator(cfg, catalog, deps)

	return c, nil
}
