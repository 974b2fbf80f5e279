// Package browsertest provides in-memory fakes of the browser contracts so
// session, auth, challenge and capture logic can be tested without Chrome.
package browsertest

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/profilecap/internal/browser"
)

// PNG is the screenshot a FakePage returns by default: the PNG signature.
var PNG = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// FakePage is a scriptable browser.Page. State is read and written through
// its methods; hooks run without the page lock held so they may call back in.
type FakePage struct {
	mu sync.Mutex

	url       string
	title     string
	text      string
	present   map[string]bool
	visible   map[string]bool
	frames    []string
	cookies   []browser.Cookie
	storage   map[browser.StorageKind]map[string]string
	shot      []byte
	failures  map[string]error
	closed    bool
	navigated []string
	clicked   []string
	focused   string
	typed     strings.Builder
	calls     map[string]int

	// BeforeCall runs at the start of every Page method with the method name.
	BeforeCall func(method string)
	// OnNavigate runs after the URL has been updated by Navigate.
	OnNavigate func(p *FakePage, url string) error
	// OnEvaluate answers Evaluate. Without it Evaluate leaves res untouched.
	OnEvaluate func(p *FakePage, expression string, res any) error
	// OnClick runs after a click has been recorded.
	OnClick func(p *FakePage, selector string) error
}

var _ browser.Page = (*FakePage)(nil)

// NewFakePage returns an empty page at about:blank.
func NewFakePage() *FakePage {
	return &FakePage{
		url:     "about:blank",
		present: map[string]bool{},
		visible: map[string]bool{},
		storage: map[browser.StorageKind]map[string]string{
			browser.SessionStorage: {},
			browser.LocalStorage:   {},
		},
		shot:     PNG,
		failures: map[string]error{},
		calls:    map[string]int{},
	}
}

// -- Scripting --

func (p *FakePage) SetURL(url string) {
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
}

func (p *FakePage) SetTitle(title string) {
	p.mu.Lock()
	p.title = title
	p.mu.Unlock()
}

func (p *FakePage) SetText(text string) {
	p.mu.Lock()
	p.text = text
	p.mu.Unlock()
}

// SetElement makes selector exist, and optionally be visible.
func (p *FakePage) SetElement(selector string, visible bool) {
	p.mu.Lock()
	p.present[selector] = true
	p.visible[selector] = visible
	p.mu.Unlock()
}

func (p *FakePage) RemoveElement(selector string) {
	p.mu.Lock()
	delete(p.present, selector)
	delete(p.visible, selector)
	p.mu.Unlock()
}

func (p *FakePage) SetFrames(urls ...string) {
	p.mu.Lock()
	p.frames = append([]string(nil), urls...)
	p.mu.Unlock()
}

func (p *FakePage) SetScreenshot(data []byte) {
	p.mu.Lock()
	p.shot = data
	p.mu.Unlock()
}

// Fail makes method return err until cleared with a nil err.
func (p *FakePage) Fail(method string, err error) {
	p.mu.Lock()
	if err == nil {
		delete(p.failures, method)
	} else {
		p.failures[method] = err
	}
	p.mu.Unlock()
}

// Close makes every subsequent call fail with browser.ErrClosed.
func (p *FakePage) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// -- Inspection --

func (p *FakePage) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *FakePage) Navigations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigated...)
}

func (p *FakePage) Clicks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.clicked...)
}

// Typed returns everything sent through TypeKey.
func (p *FakePage) Typed() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.typed.String()
}

// Calls returns how many times method has been invoked.
func (p *FakePage) Calls(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[method]
}

func (p *FakePage) CurrentCookies() []browser.Cookie {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]browser.Cookie(nil), p.cookies...)
}

func (p *FakePage) CurrentStorage(kind browser.StorageKind) map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return maps.Clone(p.storage[kind])
}

// enter records the call and reports the scripted failure for method, if any.
func (p *FakePage) enter(ctx context.Context, method string) error {
	if hook := p.BeforeCall; hook != nil {
		hook(method)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[method]++
	if p.closed {
		return browser.ErrClosed
	}
	return p.failures[method]
}

// -- browser.Page --

func (p *FakePage) Navigate(ctx context.Context, url string) error {
	if err := p.enter(ctx, "Navigate"); err != nil {
		return err
	}
	p.mu.Lock()
	p.navigated = append(p.navigated, url)
	p.url = url
	hook := p.OnNavigate
	p.mu.Unlock()
	if hook != nil {
		return hook(p, url)
	}
	return nil
}

func (p *FakePage) Location(ctx context.Context) (string, error) {
	if err := p.enter(ctx, "Location"); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *FakePage) Title(ctx context.Context) (string, error) {
	if err := p.enter(ctx, "Title"); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title, nil
}

func (p *FakePage) Text(ctx context.Context) (string, error) {
	if err := p.enter(ctx, "Text"); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.text, nil
}

func (p *FakePage) Exists(ctx context.Context, selector string) (bool, error) {
	if err := p.enter(ctx, "Exists"); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.present[selector], nil
}

func (p *FakePage) Visible(ctx context.Context, selector string) (bool, error) {
	if err := p.enter(ctx, "Visible"); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visible[selector], nil
}

func (p *FakePage) FrameURLs(ctx context.Context) ([]string, error) {
	if err := p.enter(ctx, "FrameURLs"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.frames...), nil
}

func (p *FakePage) Evaluate(ctx context.Context, expression string, res any) error {
	if err := p.enter(ctx, "Evaluate"); err != nil {
		return err
	}
	p.mu.Lock()
	hook := p.OnEvaluate
	p.mu.Unlock()
	if hook != nil {
		return hook(p, expression, res)
	}
	return nil
}

func (p *FakePage) Click(ctx context.Context, selector string) error {
	if err := p.enter(ctx, "Click"); err != nil {
		return err
	}
	p.mu.Lock()
	if !p.present[selector] {
		p.mu.Unlock()
		return fmt.Errorf("no element matches %q", selector)
	}
	p.clicked = append(p.clicked, selector)
	hook := p.OnClick
	p.mu.Unlock()
	if hook != nil {
		return hook(p, selector)
	}
	return nil
}

func (p *FakePage) Focus(ctx context.Context, selector string) error {
	if err := p.enter(ctx, "Focus"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.present[selector] {
		return fmt.Errorf("no element matches %q", selector)
	}
	p.focused = selector
	return nil
}

func (p *FakePage) TypeKey(ctx context.Context, key string) error {
	if err := p.enter(ctx, "TypeKey"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.focused == "" {
		return fmt.Errorf("no element has focus")
	}
	p.typed.WriteString(key)
	return nil
}

func (p *FakePage) Screenshot(ctx context.Context) ([]byte, error) {
	if err := p.enter(ctx, "Screenshot"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.shot...), nil
}

func (p *FakePage) Cookies(ctx context.Context) ([]browser.Cookie, error) {
	if err := p.enter(ctx, "Cookies"); err != nil {
		return nil, err
	}
	return p.CurrentCookies(), nil
}

func (p *FakePage) SetCookies(ctx context.Context, cookies []browser.Cookie) error {
	if err := p.enter(ctx, "SetCookies"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cookies = append(p.cookies, cookies...)
	return nil
}

func (p *FakePage) Storage(ctx context.Context, kind browser.StorageKind) (map[string]string, error) {
	if err := p.enter(ctx, "Storage"); err != nil {
		return nil, err
	}
	return p.CurrentStorage(kind), nil
}

func (p *FakePage) SetStorage(ctx context.Context, kind browser.StorageKind, values map[string]string) error {
	if err := p.enter(ctx, "SetStorage"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.storage[kind] == nil {
		p.storage[kind] = map[string]string{}
	}
	maps.Copy(p.storage[kind], values)
	return nil
}

func (p *FakePage) Ping(ctx context.Context) error {
	return p.enter(ctx, "Ping")
}

// -- Provider --

// FakeContext is a browser.Context handed out by FakeProvider.
type FakeContext struct {
	ID        int
	mode      browser.RenderMode
	destroyed atomic.Bool
}

func (c *FakeContext) Mode() browser.RenderMode { return c.mode }

// Destroyed reports whether the provider has closed this context.
func (c *FakeContext) Destroyed() bool { return c.destroyed.Load() }

// FakeProvider is a browser.Provider that hands out FakePages and records
// every launch. Mode switches go through browser.Switch like the real one.
type FakeProvider struct {
	// NewPage builds the page for each launch. Defaults to NewFakePage.
	NewPage func(mode browser.RenderMode) *FakePage
	// CreateDelay simulates browser start-up time.
	CreateDelay time.Duration

	mu        sync.Mutex
	createErr error
	creates   int
	destroys  int
	modes     []browser.RenderMode
	pages     map[*FakeContext][]*FakePage
	contexts  []*FakeContext
	logger    *zap.Logger
}

var _ browser.Provider = (*FakeProvider)(nil)

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		pages:  map[*FakeContext][]*FakePage{},
		logger: zap.NewNop(),
	}
}

// FailCreate makes subsequent launches fail with err, or succeed again with nil.
func (f *FakeProvider) FailCreate(err error) {
	f.mu.Lock()
	f.createErr = err
	f.mu.Unlock()
}

func (f *FakeProvider) Create(ctx context.Context, mode browser.RenderMode) (browser.Context, browser.Page, error) {
	if f.CreateDelay > 0 {
		select {
		case <-time.After(f.CreateDelay):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}

	f.mu.Lock()
	f.creates++
	f.modes = append(f.modes, mode)
	if err := f.createErr; err != nil {
		f.mu.Unlock()
		return nil, nil, err
	}
	c := &FakeContext{ID: f.creates, mode: mode}
	f.contexts = append(f.contexts, c)
	f.mu.Unlock()

	page, err := f.CreatePage(ctx, c)
	if err != nil {
		return nil, nil, err
	}
	return c, page, nil
}

func (f *FakeProvider) CreatePage(ctx context.Context, c browser.Context) (browser.Page, error) {
	fc, ok := c.(*FakeContext)
	if !ok {
		return nil, fmt.Errorf("unsupported browser context %T", c)
	}
	if fc.Destroyed() {
		return nil, browser.ErrClosed
	}
	newPage := f.NewPage
	if newPage == nil {
		newPage = func(browser.RenderMode) *FakePage { return NewFakePage() }
	}
	page := newPage(fc.mode)

	f.mu.Lock()
	f.pages[fc] = append(f.pages[fc], page)
	f.mu.Unlock()
	return page, nil
}

func (f *FakeProvider) SwitchMode(ctx context.Context, c browser.Context, page browser.Page, target browser.RenderMode) (browser.Context, browser.Page, error) {
	next, nextPage, _, err := browser.Switch(ctx, f, c, page, target, f.logger)
	return next, nextPage, err
}

func (f *FakeProvider) Destroy(ctx context.Context, c browser.Context) {
	fc, ok := c.(*FakeContext)
	if !ok || !fc.destroyed.CompareAndSwap(false, true) {
		return
	}
	f.mu.Lock()
	f.destroys++
	pages := f.pages[fc]
	f.mu.Unlock()
	for _, p := range pages {
		p.Close()
	}
}

// Creates is the number of launches attempted.
func (f *FakeProvider) Creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

// Destroys is the number of contexts closed.
func (f *FakeProvider) Destroys() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroys
}

// Modes is the render mode of every launch, in order.
func (f *FakeProvider) Modes() []browser.RenderMode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]browser.RenderMode(nil), f.modes...)
}

// Live is the number of contexts not yet destroyed.
func (f *FakeProvider) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.contexts {
		if !c.Destroyed() {
			n++
		}
	}
	return n
}

// Ready is an OnEvaluate hook that reports every document as fully loaded
// and every other evaluation as a no-op.
func Ready(_ *FakePage, expression string, res any) error {
	if s, ok := res.(*string); ok && expression == "document.readyState" {
		*s = "complete"
	}
	return nil
}
