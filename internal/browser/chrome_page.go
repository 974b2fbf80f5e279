package browser

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// chromePage is a Page backed by one chromedp tab.
type chromePage struct {
	tabCtx     context.Context
	cancel     context.CancelFunc
	opTimeout  time.Duration
	navTimeout time.Duration
	logger     *zap.Logger
	closed     atomic.Bool
}

var _ Page = (*chromePage)(nil)

// run executes actions on the tab, bounded by ctx and timeout. A failure
// after the tab went away is reported as ErrClosed.
func (p *chromePage) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if p.closed.Load() || p.tabCtx.Err() != nil {
		return ErrClosed
	}
	runCtx, cancel := opContext(p.tabCtx, ctx, timeout)
	defer cancel()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && p.tabCtx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Navigate loads url and waits for the load event. A caller-supplied
// deadline takes precedence over the configured navigation timeout.
func (p *chromePage) Navigate(ctx context.Context, url string) error {
	timeout := p.navTimeout
	if _, ok := ctx.Deadline(); ok {
		timeout = 0
	}
	if err := p.run(ctx, timeout, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return nil
}

func (p *chromePage) Location(ctx context.Context) (string, error) {
	var loc string
	err := p.run(ctx, p.opTimeout, chromedp.Location(&loc))
	return loc, err
}

func (p *chromePage) Title(ctx context.Context) (string, error) {
	var title string
	err := p.run(ctx, p.opTimeout, chromedp.Title(&title))
	return title, err
}

func (p *chromePage) Text(ctx context.Context) (string, error) {
	var text string
	err := p.run(ctx, p.opTimeout, chromedp.Evaluate(`document.body ? document.body.innerText : ""`, &text))
	return text, err
}

// Exists never waits for the selector to appear. Malformed selectors count
// as no match.
func (p *chromePage) Exists(ctx context.Context, selector string) (bool, error) {
	expr := fmt.Sprintf(`(() => { try { return document.querySelector(%s) !== null; } catch (e) { return false; } })()`, jsString(selector))
	var found bool
	err := p.run(ctx, p.opTimeout, chromedp.Evaluate(expr, &found))
	return found, err
}

const visibleScript = `(() => {
  let nodes;
  try { nodes = document.querySelectorAll(%s); } catch (e) { return false; }
  for (const el of nodes) {
    const style = window.getComputedStyle(el);
    if (style.display === 'none' || style.visibility === 'hidden' || style.opacity === '0') continue;
    const rect = el.getBoundingClientRect();
    if (rect.width > 0 && rect.height > 0) return true;
  }
  return false;
})()`

func (p *chromePage) Visible(ctx context.Context, selector string) (bool, error) {
	var visible bool
	err := p.run(ctx, p.opTimeout, chromedp.Evaluate(fmt.Sprintf(visibleScript, jsString(selector)), &visible))
	return visible, err
}

func (p *chromePage) FrameURLs(ctx context.Context) ([]string, error) {
	var urls []string
	err := p.run(ctx, p.opTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		tree, err := page.GetFrameTree().Do(ctx)
		if err != nil {
			return err
		}
		urls = appendFrameURLs(urls, tree)
		return nil
	}))
	return urls, err
}

func appendFrameURLs(urls []string, tree *page.FrameTree) []string {
	if tree == nil {
		return urls
	}
	if tree.Frame != nil && tree.Frame.URL != "" {
		urls = append(urls, tree.Frame.URL)
	}
	for _, child := range tree.ChildFrames {
		urls = appendFrameURLs(urls, child)
	}
	return urls
}

func (p *chromePage) Evaluate(ctx context.Context, expression string, res any) error {
	return p.run(ctx, p.opTimeout, chromedp.Evaluate(expression, res, func(ep *cdpruntime.EvaluateParams) *cdpruntime.EvaluateParams {
		return ep.WithAwaitPromise(true)
	}))
}

func (p *chromePage) Click(ctx context.Context, selector string) error {
	return p.run(ctx, p.opTimeout, chromedp.Click(selector, chromedp.ByQuery))
}

func (p *chromePage) Focus(ctx context.Context, selector string) error {
	return p.run(ctx, p.opTimeout, chromedp.Focus(selector, chromedp.ByQuery))
}

func (p *chromePage) TypeKey(ctx context.Context, key string) error {
	return p.run(ctx, p.opTimeout, chromedp.KeyEvent(key))
}

// Screenshot captures the full scrollable page. Quality 100 yields PNG.
func (p *chromePage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	timeout := p.opTimeout
	if p.navTimeout > timeout {
		timeout = p.navTimeout
	}
	err := p.run(ctx, timeout, chromedp.FullScreenshot(&buf, 100))
	return buf, err
}

func (p *chromePage) Cookies(ctx context.Context) ([]Cookie, error) {
	var out []Cookie
	err := p.run(ctx, p.opTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := storage.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		out = make([]Cookie, 0, len(cookies))
		for _, c := range cookies {
			out = append(out, Cookie{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Expires:  c.Expires,
				HTTPOnly: c.HTTPOnly,
				Secure:   c.Secure,
				SameSite: string(c.SameSite),
			})
		}
		return nil
	}))
	return out, err
}

func (p *chromePage) SetCookies(ctx context.Context, cookies []Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		cp := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: network.CookieSameSite(c.SameSite),
		}
		// Session cookies report -1.
		if c.Expires > 0 {
			sec, frac := math.Modf(c.Expires)
			expires := cdp.TimeSinceEpoch(time.Unix(int64(sec), int64(frac*1e9)))
			cp.Expires = &expires
		}
		params = append(params, cp)
	}
	return p.run(ctx, p.opTimeout, network.SetCookies(params))
}

const readStorageScript = `(() => {
  const out = {};
  const area = window[%s];
  if (!area) return out;
  for (let i = 0; i < area.length; i++) {
    const k = area.key(i);
    out[k] = area.getItem(k);
  }
  return out;
})()`

func (p *chromePage) Storage(ctx context.Context, kind StorageKind) (map[string]string, error) {
	values := map[string]string{}
	err := p.run(ctx, p.opTimeout, chromedp.Evaluate(fmt.Sprintf(readStorageScript, jsString(string(kind))), &values))
	return values, err
}

const writeStorageScript = `(() => {
  const area = window[%s];
  const values = %s;
  if (!area) return 0;
  for (const [k, v] of Object.entries(values)) area.setItem(k, v);
  return Object.keys(values).length;
})()`

func (p *chromePage) SetStorage(ctx context.Context, kind StorageKind, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", kind, err)
	}
	var written int
	return p.run(ctx, p.opTimeout, chromedp.Evaluate(fmt.Sprintf(writeStorageScript, jsString(string(kind)), data), &written))
}

func (p *chromePage) Ping(ctx context.Context) error {
	var one int
	return p.run(ctx, p.opTimeout, chromedp.Evaluate(`1`, &one))
}

// close cancels the tab. Pages are closed with their browser context.
func (p *chromePage) close() {
	if p.closed.CompareAndSwap(false, true) {
		p.cancel()
	}
}

// jsString quotes s as a JavaScript string literal.
func jsString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}
