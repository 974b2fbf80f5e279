package landmarks

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c := Default()

	assert.Contains(t, c.Challenge.URLPatterns, "checkpoint/challenge")
	assert.Contains(t, c.Challenge.Selectors, `input[name="pin"]`)
	assert.Contains(t, c.Challenge.Keywords, "let's do a quick security check")
	assert.Equal(t, `input[name="session_key"]`, c.Login.UsernameSelector)
	assert.Contains(t, c.Login.TitleKeywords, "Feed")
	assert.Contains(t, c.Profile.ErrorSelectors, ".profile-not-found")
	assert.Equal(t, "linkedin.com", c.Intercept.SiteDomain)
	assert.Contains(t, c.IgnoredPageErrors, "Illegal invocation")
}

func TestParse(t *testing.T) {
	t.Run("lowercases fragments", func(t *testing.T) {
		c, err := Parse([]byte(`
challenge:
  url_patterns: [Checkpoint/Challenge]
  keywords: [Security Check]
login:
  username_selector: a
  password_selector: b
  submit_selector: c
intercept:
  site_domain: Example.COM
`))
		require.NoError(t, err)
		assert.Equal(t, []string{"checkpoint/challenge"}, c.Challenge.URLPatterns)
		assert.Equal(t, []string{"security check"}, c.Challenge.Keywords)
		assert.Equal(t, "example.com", c.Intercept.SiteDomain)
	})

	t.Run("rejects a catalog without login selectors", func(t *testing.T) {
		_, err := Parse([]byte("challenge:\n  url_patterns: [x]\nintercept:\n  site_domain: a.com\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "login form selectors")
	})

	t.Run("rejects bad expand patterns", func(t *testing.T) {
		_, err := Parse([]byte(`
challenge: {url_patterns: [x]}
login: {username_selector: a, password_selector: b, submit_selector: c}
intercept: {site_domain: a.com}
profile: {expand_text_patterns: ["show (\\d+"]}
`))
		require.Error(t, err)
	})
}

func TestLoad(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.NotEmpty(t, c.Profile.Selectors)

	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, defaultCatalog, 0o600))
	c2, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, c.Profile.Selectors, c2.Profile.Selectors)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestContainsAny(t *testing.T) {
	match, ok := ContainsAny("Let's do a quick SECURITY CHECK", []string{"robot check", "security check"})
	assert.True(t, ok)
	assert.Equal(t, "security check", match)

	_, ok = ContainsAny("Experience and education", []string{"verification code"})
	assert.False(t, ok)
}
