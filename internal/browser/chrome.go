package browser

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/profilecap/internal/browser/stealth"
	"github.com/xkilldash9x/profilecap/internal/config"
	"github.com/xkilldash9x/profilecap/internal/landmarks"
)

// launchCheckTimeout bounds the about:blank liveness check after launch.
const launchCheckTimeout = 30 * time.Second

// ChromeProvider launches Chrome through chromedp against a persistent
// on-disk profile so cookies and local storage survive restarts.
type ChromeProvider struct {
	browserCfg config.BrowserConfig
	networkCfg config.NetworkConfig
	profileDir string
	persona    stealth.Persona
	catalog    *landmarks.Catalog
	policy     *RequestPolicy
	logger     *zap.Logger

	rndMu sync.Mutex
	rnd   *rand.Rand

	mu   sync.Mutex
	live map[*chromeContext]struct{}
}

var _ Provider = (*ChromeProvider)(nil)

// NewChromeProvider prepares a provider bound to cfg.Session's profile directory.
func NewChromeProvider(cfg *config.Config, catalog *landmarks.Catalog, logger *zap.Logger) (*ChromeProvider, error) {
	profileDir := cfg.Session.ProfileDir()
	if err := os.MkdirAll(profileDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create browser profile directory %s: %w", profileDir, err)
	}

	persona := stealth.DefaultPersona
	if cfg.Browser.UserAgent != "" {
		persona.UserAgent = cfg.Browser.UserAgent
	}

	return &ChromeProvider{
		browserCfg: cfg.Browser,
		networkCfg: cfg.Network,
		profileDir: profileDir,
		persona:    persona,
		catalog:    catalog,
		policy:     NewRequestPolicy(catalog.Intercept, persona.AcceptLanguage(), cfg.Network.Referer),
		logger:     logger.Named("browser"),
		rnd:        rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(os.Getpid()))),
		live:       make(map[*chromeContext]struct{}),
	}, nil
}

// chromeContext owns one Chrome process.
type chromeContext struct {
	mode          RenderMode
	viewport      Viewport
	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	closeOnce     sync.Once

	pagesMu sync.Mutex
	pages   []*chromePage
}

func (c *chromeContext) Mode() RenderMode { return c.mode }

// Create launches Chrome in mode and opens the first configured page.
func (p *ChromeProvider) Create(ctx context.Context, mode RenderMode) (Context, Page, error) {
	p.rndMu.Lock()
	vp := pickViewport(p.browserCfg, p.rnd)
	p.rndMu.Unlock()

	flags := launchFlags(p.browserCfg, mode, vp, p.persona.UserAgent)
	opts := allocatorOptions(p.browserCfg, p.profileDir, flags)

	// The browser outlives the request that happened to launch it.
	allocCtx, allocCancel := chromedp.NewExecAllocator(detach(ctx), opts...)
	browserOpts := []chromedp.ContextOption{
		chromedp.WithErrorf(p.logger.Sugar().Debugf),
	}
	if p.browserCfg.Debug {
		browserOpts = append(browserOpts, chromedp.WithDebugf(p.logger.Sugar().Debugf))
	}
	browserCtx, browserCancel := chromedp.NewContext(allocCtx, browserOpts...)

	bc := &chromeContext{
		mode:          mode,
		viewport:      vp,
		allocCtx:      allocCtx,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}

	p.logger.Info("Launching browser",
		zap.Stringer("mode", mode),
		zap.String("profile_dir", p.profileDir),
		zap.Int("width", vp.Width),
		zap.Int("height", vp.Height),
	)

	// The first Run allocates the process. It must use the untimed browser
	// context, otherwise the timeout would later kill the browser.
	if err := chromedp.Run(browserCtx); err != nil {
		p.Destroy(ctx, bc)
		return nil, nil, fmt.Errorf("browser failed to start: %w", err)
	}

	checkCtx, cancel := opContext(browserCtx, ctx, launchCheckTimeout)
	err := chromedp.Run(checkCtx, chromedp.Navigate("about:blank"))
	cancel()
	if err != nil {
		p.Destroy(ctx, bc)
		return nil, nil, fmt.Errorf("browser failed to respond after launch: %w", err)
	}

	p.mu.Lock()
	p.live[bc] = struct{}{}
	p.mu.Unlock()

	page, err := p.CreatePage(ctx, bc)
	if err != nil {
		p.Destroy(ctx, bc)
		return nil, nil, err
	}
	return bc, page, nil
}

// CreatePage opens a new tab with viewport, stealth patches and request
// interception installed before anything is loaded.
func (p *ChromeProvider) CreatePage(ctx context.Context, c Context) (Page, error) {
	bc, ok := c.(*chromeContext)
	if !ok || bc == nil {
		return nil, fmt.Errorf("unsupported browser context %T", c)
	}
	if bc.browserCtx.Err() != nil {
		return nil, ErrClosed
	}

	tabCtx, tabCancel := chromedp.NewContext(bc.browserCtx)
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		return nil, fmt.Errorf("failed to open page: %w", err)
	}

	pg := &chromePage{
		tabCtx:     tabCtx,
		cancel:     tabCancel,
		opTimeout:  p.networkCfg.DefaultTimeout,
		navTimeout: p.networkCfg.NavigationTimeout,
		logger:     p.logger.Named("page"),
	}
	p.listen(tabCtx, pg.logger)
	bc.pagesMu.Lock()
	bc.pages = append(bc.pages, pg)
	bc.pagesMu.Unlock()

	setup := chromedp.Tasks{
		emulation.SetDeviceMetricsOverride(int64(bc.viewport.Width), int64(bc.viewport.Height), 1, false),
		stealth.Apply(p.persona, p.catalog.IgnoredPageErrors, pg.logger),
		fetch.Enable().WithPatterns([]*fetch.RequestPattern{{
			URLPattern:   "*",
			RequestStage: fetch.RequestStageRequest,
		}}),
	}
	runCtx, cancel := opContext(tabCtx, ctx, p.networkCfg.DefaultTimeout)
	defer cancel()
	if err := chromedp.Run(runCtx, setup); err != nil {
		pg.close()
		return nil, fmt.Errorf("failed to configure page: %w", err)
	}

	p.logger.Debug("Page created", zap.Stringer("mode", bc.mode))
	return pg, nil
}

// listen answers paused requests according to the request policy and logs
// page exceptions that are not on the ignore list.
func (p *ChromeProvider) listen(tabCtx context.Context, logger *zap.Logger) {
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *fetch.EventRequestPaused:
			go p.answer(tabCtx, e, logger)
		case *cdpruntime.EventExceptionThrown:
			if e.ExceptionDetails == nil {
				return
			}
			msg := e.ExceptionDetails.Text
			if e.ExceptionDetails.Exception != nil && e.ExceptionDetails.Exception.Description != "" {
				msg = e.ExceptionDetails.Exception.Description
			}
			if _, ignored := landmarks.ContainsAny(msg, p.catalog.IgnoredPageErrors); ignored {
				return
			}
			logger.Debug("Page script error", zap.String("error", msg))
		}
	})
}

func (p *ChromeProvider) answer(tabCtx context.Context, e *fetch.EventRequestPaused, logger *zap.Logger) {
	c := chromedp.FromContext(tabCtx)
	if c == nil || c.Target == nil {
		return
	}
	execCtx := cdp.WithExecutor(tabCtx, c.Target)

	headers := make(map[string]string, len(e.Request.Headers))
	for k, v := range e.Request.Headers {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}
	decision := p.policy.Decide(InterceptedRequest{
		URL:          e.Request.URL,
		ResourceType: string(e.ResourceType),
		Headers:      headers,
	})

	var err error
	if decision.Verdict == Block {
		err = fetch.FailRequest(e.RequestID, network.ErrorReasonBlockedByClient).Do(execCtx)
	} else {
		req := fetch.ContinueRequest(e.RequestID)
		if decision.Headers != nil {
			req = req.WithHeaders(headerEntries(decision.Headers))
		}
		err = req.Do(execCtx)
	}
	if err != nil && tabCtx.Err() == nil {
		logger.Debug("Failed to answer intercepted request",
			zap.String("url", e.Request.URL),
			zap.Stringer("verdict", decision.Verdict),
			zap.Error(err),
		)
	}
}

// SwitchMode relaunches Chrome in target mode, carrying page state over.
func (p *ChromeProvider) SwitchMode(ctx context.Context, c Context, page Page, target RenderMode) (Context, Page, error) {
	next, nextPage, _, err := Switch(ctx, p, c, page, target, p.logger)
	return next, nextPage, err
}

// Destroy closes Chrome and waits for the process to exit. Safe to call
// more than once.
func (p *ChromeProvider) Destroy(ctx context.Context, c Context) {
	bc, ok := c.(*chromeContext)
	if !ok || bc == nil {
		return
	}
	bc.closeOnce.Do(func() {
		p.mu.Lock()
		delete(p.live, bc)
		p.mu.Unlock()

		bc.pagesMu.Lock()
		for _, pg := range bc.pages {
			pg.close()
		}
		bc.pages = nil
		bc.pagesMu.Unlock()

		if err := chromedp.Cancel(bc.browserCtx); err != nil && bc.browserCtx.Err() == nil {
			p.logger.Warn("Error while closing browser", zap.Error(err))
		}
		bc.browserCancel()
		// Blocks until the Chrome process has exited and released the profile lock.
		bc.allocCancel()
		p.logger.Info("Browser closed", zap.Stringer("mode", bc.mode))
	})
}

// Shutdown destroys every browser this provider still has running.
func (p *ChromeProvider) Shutdown(ctx context.Context) {
	p.mu.Lock()
	contexts := make([]*chromeContext, 0, len(p.live))
	for bc := range p.live {
		contexts = append(contexts, bc)
	}
	p.mu.Unlock()

	for _, bc := range contexts {
		p.Destroy(ctx, bc)
	}
}

// Verify launches and closes a browser once so a missing Chrome install is
// reported at startup instead of on the first request.
func (p *ChromeProvider) Verify(ctx context.Context) error {
	c, _, err := p.Create(ctx, Unattended)
	if err != nil {
		return fmt.Errorf("browser setup verification failed: %w", err)
	}
	p.Destroy(ctx, c)
	p.logger.Info("Browser setup verified")
	return nil
}

func headerEntries(headers map[string]string) []*fetch.HeaderEntry {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)
	entries := make([]*fetch.HeaderEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, &fetch.HeaderEntry{Name: name, Value: headers[name]})
	}
	return entries
}
