// Package landmarks holds the page evidence used to decide what state the
// target site is in: selectors, text fragments, URL fragments and the
// request allow-lists. The catalog is data so markup drift is a config
// change rather than a code change.
package landmarks

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultCatalog []byte

// Challenge lists the signals of an interactive verification step.
type Challenge struct {
	URLPatterns         []string `yaml:"url_patterns"`
	Selectors           []string `yaml:"selectors"`
	FramePatterns       []string `yaml:"frame_patterns"`
	Keywords            []string `yaml:"keywords"`
	SubmittingSelectors []string `yaml:"submitting_selectors"`
	SubmittingKeywords  []string `yaml:"submitting_keywords"`
	SuccessURLs         []string `yaml:"success_urls"`
	SuccessKeywords     []string `yaml:"success_keywords"`
}

// Login lists the login form fields and authenticated-state evidence.
type Login struct {
	UsernameSelector string   `yaml:"username_selector"`
	PasswordSelector string   `yaml:"password_selector"`
	SubmitSelector   string   `yaml:"submit_selector"`
	NavSelectors     []string `yaml:"nav_selectors"`
	ContentSelectors []string `yaml:"content_selectors"`
	AuthSelectors    []string `yaml:"auth_selectors"`
	TitleKeywords    []string `yaml:"title_keywords"`
	LogoutSelectors  []string `yaml:"logout_selectors"`
}

// Profile lists profile-page evidence and expansion controls.
type Profile struct {
	Selectors          []string `yaml:"selectors"`
	Keywords           []string `yaml:"keywords"`
	URLPatterns        []string `yaml:"url_patterns"`
	ErrorSelectors     []string `yaml:"error_selectors"`
	ExpandSelectors    []string `yaml:"expand_selectors"`
	ExpandTextPatterns []string `yaml:"expand_text_patterns"`
}

// Intercept is the request filtering policy.
type Intercept struct {
	SiteDomain           string   `yaml:"site_domain"`
	APIPathMarker        string   `yaml:"api_path_marker"`
	AllowedResourceTypes []string `yaml:"allowed_resource_types"`
	AllowedURLPatterns   []string `yaml:"allowed_url_patterns"`
	BlockedResourceTypes []string `yaml:"blocked_resource_types"`
	BlockExemptPatterns  []string `yaml:"block_exempt_patterns"`
}

// Catalog is the full set of landmarks.
type Catalog struct {
	Challenge         Challenge `yaml:"challenge"`
	Login             Login     `yaml:"login"`
	Profile           Profile   `yaml:"profile"`
	Intercept         Intercept `yaml:"intercept"`
	IgnoredPageErrors []string  `yaml:"ignored_page_errors"`
}

// Default returns the embedded catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("embedded landmark catalog is invalid: %v", err))
	}
	return c
}

// Load reads a catalog from path, or returns the embedded one if path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read landmark catalog: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("landmark catalog %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	c.normalize()
	return &c, nil
}

// Validate rejects catalogs the detectors cannot work with.
func (c *Catalog) Validate() error {
	if len(c.Challenge.URLPatterns) == 0 {
		return fmt.Errorf("challenge.url_patterns must not be empty")
	}
	if c.Login.UsernameSelector == "" || c.Login.PasswordSelector == "" || c.Login.SubmitSelector == "" {
		return fmt.Errorf("login form selectors must all be set")
	}
	if c.Intercept.SiteDomain == "" {
		return fmt.Errorf("intercept.site_domain must be set")
	}
	for _, p := range c.Profile.ExpandTextPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("profile.expand_text_patterns: %q: %w", p, err)
		}
	}
	return nil
}

// normalize lowercases everything matched case-insensitively.
func (c *Catalog) normalize() {
	lower := func(in []string) {
		for i, s := range in {
			in[i] = strings.ToLower(s)
		}
	}
	lower(c.Challenge.URLPatterns)
	lower(c.Challenge.FramePatterns)
	lower(c.Challenge.Keywords)
	lower(c.Challenge.SubmittingKeywords)
	lower(c.Challenge.SuccessURLs)
	lower(c.Challenge.SuccessKeywords)
	lower(c.Profile.Keywords)
	lower(c.Profile.URLPatterns)
	lower(c.Intercept.AllowedURLPatterns)
	lower(c.Intercept.BlockExemptPatterns)
	lower(c.IgnoredPageErrors)
	c.Intercept.SiteDomain = strings.ToLower(c.Intercept.SiteDomain)
}

// ContainsAny reports whether s contains any of the (lowercase) fragments,
// ignoring case, and returns the first match.
func ContainsAny(s string, fragments []string) (string, bool) {
	s = strings.ToLower(s)
	for _, f := range fragments {
		if f != "" && strings.Contains(s, f) {
			return f, true
		}
	}
	return "", false
}
