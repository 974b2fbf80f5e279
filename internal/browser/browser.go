// Package browser provides the automated browser the capture pipeline drives:
// a persistent-profile Chrome context, stealth-patched pages, request
// filtering, and headless/visible mode switching that preserves session state.
package browser

import (
	"context"
)

// RenderMode is whether the browser runs with a visible window.
type RenderMode int

const (
	// Unattended runs headless in the background.
	Unattended RenderMode = iota
	// Interactive opens a visible window an operator can use.
	Interactive
)

func (m RenderMode) String() string {
	if m == Interactive {
		return "interactive"
	}
	return "unattended"
}

// Headless reports whether the mode launches without a window.
func (m RenderMode) Headless() bool { return m == Unattended }

// Context is an opaque handle on a running browser instance.
type Context interface {
	Mode() RenderMode
}

// StorageKind selects a Web Storage area.
type StorageKind string

const (
	SessionStorage StorageKind = "sessionStorage"
	LocalStorage   StorageKind = "localStorage"
)

// Cookie is a browser cookie independent of the automation protocol.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// Page is the narrow view of a browser tab that the session, auth, challenge
// and profile logic work through. Implementations must be safe to call from
// one goroutine at a time; callers never share a page concurrently.
type Page interface {
	// Navigate loads url and waits until the DOM is parsed.
	Navigate(ctx context.Context, url string) error
	// Location returns the current URL.
	Location(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	// Text returns the rendered text of the document body.
	Text(ctx context.Context) (string, error)
	// Exists reports whether selector matches at least one element.
	Exists(ctx context.Context, selector string) (bool, error)
	// Visible reports whether selector matches at least one rendered element.
	Visible(ctx context.Context, selector string) (bool, error)
	// FrameURLs lists the URLs of every frame in the page.
	FrameURLs(ctx context.Context) ([]string, error)
	// Evaluate runs a JavaScript expression, awaiting promises, and decodes the result into res.
	Evaluate(ctx context.Context, expression string, res any) error
	Click(ctx context.Context, selector string) error
	Focus(ctx context.Context, selector string) error
	// TypeKey sends one character to the focused element.
	TypeKey(ctx context.Context, key string) error
	// Screenshot captures the full page as PNG.
	Screenshot(ctx context.Context) ([]byte, error)
	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	Storage(ctx context.Context, kind StorageKind) (map[string]string, error)
	SetStorage(ctx context.Context, kind StorageKind, values map[string]string) error
	// Ping is a trivial evaluation used as a liveness probe.
	Ping(ctx context.Context) error
}

// Launcher starts and stops browser instances.
type Launcher interface {
	// Create launches a browser in mode and opens a configured page.
	Create(ctx context.Context, mode RenderMode) (Context, Page, error)
	// Destroy closes the browser. It is idempotent and never fails; close
	// errors are logged.
	Destroy(ctx context.Context, c Context)
}

// Provider is the full browser contract used by the session manager.
type Provider interface {
	Launcher
	// CreatePage opens a fresh page with evasion and request filtering applied.
	CreatePage(ctx context.Context, c Context) (Page, error)
	// SwitchMode relaunches the browser in target mode, carrying the URL,
	// cookies and storage of page over to the new page. The old context is
	// closed before the new one is returned.
	SwitchMode(ctx context.Context, c Context, page Page, target RenderMode) (Context, Page, error)
}
