// Package challenge detects interactive verification steps on the target
// site and waits for an operator to clear them in a visible browser.
package challenge

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/profilecap/internal/browser"
	"github.com/xkilldash9x/profilecap/internal/landmarks"
)

// State is the challenge situation of a page. It is computed on demand,
// never stored.
type State int

const (
	// None means no challenge signal is present.
	None State = iota
	// Present means verification widgets or text are on the page.
	Present
	// ResolvedPendingRedirect means the widgets are gone but the page is
	// still on a challenge path, waiting for the site to redirect.
	ResolvedPendingRedirect
)

func (s State) String() string {
	switch s {
	case Present:
		return "present"
	case ResolvedPendingRedirect:
		return "resolved_pending_redirect"
	default:
		return "none"
	}
}

// Detection explains a positive result.
type Detection struct {
	Present  bool
	Probe    string
	Evidence string
}

// probe inspects one kind of evidence. A probe error means "no signal".
type probe struct {
	name string
	run  func(ctx context.Context, page browser.Page) (evidence string, found bool, err error)
}

// Detector runs the challenge probes in order, cheapest first, and stops at
// the first hit.
type Detector struct {
	rules  landmarks.Challenge
	probes []probe
	logger *zap.Logger
}

// NewDetector builds a detector over the catalog's challenge rules.
func NewDetector(rules landmarks.Challenge, logger *zap.Logger) *Detector {
	d := &Detector{rules: rules, logger: logger.Named("challenge_detector")}
	d.probes = []probe{
		{name: "url", run: d.urlProbe},
		{name: "selector", run: d.selectorProbe},
		{name: "frame", run: d.frameProbe},
		{name: "keyword", run: d.keywordProbe},
	}
	return d
}

// Detect reports whether a challenge is blocking page.
func (d *Detector) Detect(ctx context.Context, page browser.Page) bool {
	return d.Inspect(ctx, page).Present
}

// Inspect runs every probe until one matches. A page that has been torn
// down yields no detection.
func (d *Detector) Inspect(ctx context.Context, page browser.Page) Detection {
	return d.run(ctx, page, d.probes)
}

// State classifies page without short-circuiting on the URL.
func (d *Detector) State(ctx context.Context, page browser.Page) State {
	if d.run(ctx, page, d.probes[1:]).Present {
		return Present
	}
	loc, err := page.Location(ctx)
	if err == nil && d.OnChallengePath(loc) {
		return ResolvedPendingRedirect
	}
	return None
}

func (d *Detector) run(ctx context.Context, page browser.Page, probes []probe) Detection {
	for _, p := range probes {
		evidence, found, err := p.run(ctx, page)
		if err != nil {
			if browser.IsSessionGone(err) || ctx.Err() != nil {
				d.logger.Debug("Page unavailable during challenge detection", zap.String("probe", p.name), zap.Error(err))
				return Detection{}
			}
			d.logger.Debug("Challenge probe failed", zap.String("probe", p.name), zap.Error(err))
			continue
		}
		if found {
			d.logger.Info("Challenge detected", zap.String("probe", p.name), zap.String("evidence", evidence))
			return Detection{Present: true, Probe: p.name, Evidence: evidence}
		}
	}
	return Detection{}
}

// OnChallengePath reports whether url is a challenge page.
func (d *Detector) OnChallengePath(url string) bool {
	_, ok := landmarks.ContainsAny(url, d.rules.URLPatterns)
	return ok
}

func (d *Detector) urlProbe(ctx context.Context, page browser.Page) (string, bool, error) {
	loc, err := page.Location(ctx)
	if err != nil {
		return "", false, err
	}
	match, ok := landmarks.ContainsAny(loc, d.rules.URLPatterns)
	return match, ok, nil
}

func (d *Detector) selectorProbe(ctx context.Context, page browser.Page) (string, bool, error) {
	return browser.FirstExisting(ctx, page, d.rules.Selectors)
}

func (d *Detector) frameProbe(ctx context.Context, page browser.Page) (string, bool, error) {
	frames, err := page.FrameURLs(ctx)
	if err != nil {
		return "", false, err
	}
	for _, f := range frames {
		if _, ok := landmarks.ContainsAny(f, d.rules.FramePatterns); ok {
			return f, true, nil
		}
	}
	return "", false, nil
}

func (d *Detector) keywordProbe(ctx context.Context, page browser.Page) (string, bool, error) {
	text, err := page.Text(ctx)
	if err != nil {
		return "", false, err
	}
	match, ok := landmarks.ContainsAny(text, d.rules.Keywords)
	return match, ok, nil
}
