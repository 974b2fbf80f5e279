// Package stealth makes an automated Chrome page look like a user's browser.
package stealth

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
)

//go:embed evasions.js
var evasionsTemplate string

const personaPlaceholder = "__PERSONA__"

// Persona defines the browser characteristics to emulate.
type Persona struct {
	UserAgent string
	Platform  string
	Languages []string
	Timezone  string
	Locale    string
}

// DefaultPersona is a common desktop Chrome profile.
var DefaultPersona = Persona{
	UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	Platform:  "Win32",
	Languages: []string{"en-US", "en"},
	Timezone:  "America/Los_Angeles",
	Locale:    "en-US",
}

// AcceptLanguage renders the persona's languages as an Accept-Language value.
func (p Persona) AcceptLanguage() string {
	if len(p.Languages) == 0 {
		return ""
	}
	parts := []string{p.Languages[0]}
	q := 9
	for _, lang := range p.Languages[1:] {
		parts = append(parts, fmt.Sprintf("%s;q=0.%d", lang, q))
		if q > 1 {
			q--
		}
	}
	return strings.Join(parts, ",")
}

// Script renders the evasion script for p. Page errors containing any of
// ignoredErrors are swallowed before site scripts or the console see them.
func Script(p Persona, ignoredErrors []string) (string, error) {
	if ignoredErrors == nil {
		ignoredErrors = []string{}
	}
	languages := p.Languages
	if languages == nil {
		languages = []string{}
	}
	blob, err := json.Marshal(map[string]any{
		"languages":     languages,
		"platform":      p.Platform,
		"ignoredErrors": ignoredErrors,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode persona: %w", err)
	}
	return strings.Replace(evasionsTemplate, personaPlaceholder, string(blob), 1), nil
}

// Apply returns the CDP actions that install the persona on the current
// target. It must run before the first navigation.
func Apply(p Persona, ignoredErrors []string, logger *zap.Logger) chromedp.Tasks {
	logger.Debug("Applying browser stealth persona",
		zap.String("userAgent", p.UserAgent),
		zap.String("platform", p.Platform),
		zap.Int("ignored_errors", len(ignoredErrors)),
	)

	return chromedp.Tasks{
		emulation.SetUserAgentOverride(p.UserAgent).
			WithPlatform(p.Platform).
			WithAcceptLanguage(p.AcceptLanguage()),

		chromedp.ActionFunc(func(ctx context.Context) error {
			script, err := Script(p, ignoredErrors)
			if err != nil {
				return err
			}
			if _, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx); err != nil {
				return fmt.Errorf("failed to inject evasions script: %w", err)
			}
			return nil
		}),

		emulation.SetTimezoneOverride(p.Timezone),
		emulation.SetLocaleOverride().WithLocale(p.Locale),

		network.SetExtraHTTPHeaders(network.Headers{
			"Accept-Language": p.AcceptLanguage(),
		}),
	}
}
