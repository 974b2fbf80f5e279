package profile

import (
	"net/url"
	"strings"

	"github.com/xkilldash9x/profilecap/internal/browser"
	"github.com/xkilldash9x/profilecap/internal/errdefs"
)

// NormalizeURL validates raw as a profile URL on domain and returns it in
// fully-qualified form. Input without the domain is rejected, bare profile
// slugs included.
func NormalizeURL(raw, domain string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", &errdefs.InvalidInputError{Reason: "missing profile URL"}
	}
	if !strings.Contains(strings.ToLower(raw), domain) {
		return "", &errdefs.InvalidInputError{URL: raw, Reason: "not a " + domain + " URL"}
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", &errdefs.InvalidInputError{URL: raw, Reason: "malformed URL"}
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", &errdefs.InvalidInputError{URL: raw, Reason: "unsupported scheme " + u.Scheme}
	}
	// The marker alone would accept hosts like linkedin.com.example.net.
	if browser.RegistrableDomain(u.String()) != domain {
		return "", &errdefs.InvalidInputError{URL: raw, Reason: "not a " + domain + " URL"}
	}
	u.Fragment = ""
	return u.String(), nil
}
