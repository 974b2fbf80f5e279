package browser

import (
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/xkilldash9x/profilecap/internal/landmarks"
)

// Verdict is what to do with an intercepted request.
type Verdict int

const (
	Continue Verdict = iota
	Block
)

func (v Verdict) String() string {
	if v == Block {
		return "block"
	}
	return "continue"
}

// InterceptedRequest is the subset of a paused request the policy looks at.
type InterceptedRequest struct {
	URL          string
	ResourceType string
	Headers      map[string]string
}

// Decision is the policy outcome. Headers, when non-nil, replace the
// request headers on continue.
type Decision struct {
	Verdict Verdict
	Headers map[string]string
}

// RequestPolicy decides which requests a page lets through. Same-site
// requests always pass with site-appropriate headers; heavy media is
// blocked unless it is a profile photo or part of a challenge.
type RequestPolicy struct {
	rules          landmarks.Intercept
	acceptLanguage string
	navReferer     string
	allowedTypes   map[string]bool
	blockedTypes   map[string]bool
}

// NewRequestPolicy builds a policy from the catalog rules. navReferer, when
// set, is sent as the Referer of top-level document loads on the site.
func NewRequestPolicy(rules landmarks.Intercept, acceptLanguage, navReferer string) *RequestPolicy {
	set := func(in []string) map[string]bool {
		m := make(map[string]bool, len(in))
		for _, s := range in {
			m[strings.ToLower(s)] = true
		}
		return m
	}
	return &RequestPolicy{
		rules:          rules,
		acceptLanguage: acceptLanguage,
		navReferer:     navReferer,
		allowedTypes:   set(rules.AllowedResourceTypes),
		blockedTypes:   set(rules.BlockedResourceTypes),
	}
}

// Decide applies the policy to one request.
func (p *RequestPolicy) Decide(req InterceptedRequest) Decision {
	lowerURL := strings.ToLower(req.URL)
	resourceType := strings.ToLower(req.ResourceType)

	if p.SameSite(req.URL) {
		return Decision{Verdict: Continue, Headers: p.siteHeaders(req, lowerURL, resourceType)}
	}

	if p.allowedTypes[resourceType] {
		return Decision{Verdict: Continue}
	}
	if _, ok := landmarks.ContainsAny(lowerURL, p.rules.AllowedURLPatterns); ok {
		return Decision{Verdict: Continue}
	}
	if p.blockedTypes[resourceType] {
		if _, exempt := landmarks.ContainsAny(lowerURL, p.rules.BlockExemptPatterns); !exempt {
			return Decision{Verdict: Block}
		}
	}
	return Decision{Verdict: Continue}
}

// SameSite reports whether rawURL belongs to the target site's registrable domain.
func (p *RequestPolicy) SameSite(rawURL string) bool {
	return RegistrableDomain(rawURL) == p.rules.SiteDomain
}

func (p *RequestPolicy) siteHeaders(req InterceptedRequest, lowerURL, resourceType string) map[string]string {
	origin := "https://www." + p.rules.SiteDomain
	headers := make(map[string]string, len(req.Headers)+8)
	for k, v := range req.Headers {
		headers[k] = v
	}
	headers["Referer"] = origin + "/"
	headers["Origin"] = origin
	if p.acceptLanguage != "" {
		headers["Accept-Language"] = p.acceptLanguage
	}
	headers["Sec-Fetch-Site"] = "same-origin"

	switch resourceType {
	case "document":
		headers["Sec-Fetch-Dest"] = "document"
		headers["Sec-Fetch-Mode"] = "navigate"
		if p.navReferer != "" {
			headers["Referer"] = p.navReferer
			headers["Sec-Fetch-Site"] = "cross-site"
		}
	case "xhr", "fetch":
		headers["Sec-Fetch-Dest"] = "empty"
		headers["Sec-Fetch-Mode"] = "cors"
		if p.rules.APIPathMarker != "" && strings.Contains(lowerURL, p.rules.APIPathMarker) {
			headers["Accept"] = "application/vnd.linkedin.normalized+json+2.1"
			headers["x-restli-protocol-version"] = "2.0.0"
		}
	}
	return headers
}

// RegistrableDomain returns the eTLD+1 of rawURL's host, or "" if it has none.
func RegistrableDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return ""
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return ""
	}
	return domain
}
