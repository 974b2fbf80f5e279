package browser

import (
	"math/rand/v2"
	"runtime"
	"strconv"
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/profilecap/internal/config"
)

// Viewport is a window size in CSS pixels.
type Viewport struct {
	Width  int
	Height int
}

// pickViewport returns the configured size, or a random desktop size when
// randomization is on so repeated launches do not share a fingerprint.
func pickViewport(cfg config.BrowserConfig, rnd *rand.Rand) Viewport {
	if !cfg.RandomizeViewport {
		return Viewport{Width: cfg.Viewport.Width, Height: cfg.Viewport.Height}
	}
	return Viewport{
		Width:  1200 + rnd.IntN(701),
		Height: 800 + rnd.IntN(401),
	}
}

// launchFlags assembles the Chrome command line flags for a launch in mode.
// A false value removes a flag set by chromedp's defaults.
func launchFlags(cfg config.BrowserConfig, mode RenderMode, vp Viewport, userAgent string) map[string]any {
	// Dropping enable-automation hides the automation infobar and one of the
	// cheapest detection signals.
	flags := map[string]any{
		"enable-automation":        false,
		"disable-blink-features":   "AutomationControlled",
		"disable-extensions":       true,
		"headless":                 mode.Headless(),
		"hide-scrollbars":          mode.Headless(),
		"mute-audio":               true,
		"disable-gpu":              mode.Headless(),
		"window-size":              strconv.Itoa(vp.Width) + "," + strconv.Itoa(vp.Height),
		"disable-popup-blocking":   true,
		"password-store":           "basic",
		"use-mock-keychain":        true,
		"no-default-browser-check": true,
		"no-first-run":             true,
	}
	if userAgent != "" {
		flags["user-agent"] = userAgent
	}

	for _, arg := range cfg.Args {
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if name == "" {
			continue
		}
		if hasValue {
			flags[name] = value
		} else {
			flags[name] = true
		}
	}

	if runtime.GOOS == "linux" {
		flags["no-sandbox"] = true
		flags["disable-dev-shm-usage"] = true
		flags["disable-setuid-sandbox"] = true
	}
	return flags
}

// allocatorOptions converts flags into chromedp options on top of chromedp's
// defaults, bound to the persistent profile directory.
func allocatorOptions(cfg config.BrowserConfig, profileDir string, flags map[string]any) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts, chromedp.UserDataDir(profileDir))
	if cfg.ExecutablePath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecutablePath))
	}
	for name, value := range flags {
		opts = append(opts, chromedp.Flag(name, value))
	}
	return opts
}
