package profile

import (
	"strings"
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/profilecap/internal/browser"
	"github.com/xkilldash9x/profilecap/internal/errdefs"
)

const testDomain = "linkedin.com"

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		invalid bool
	}{
		{name: "full url", in: "https://www.linkedin.com/in/example", want: "https://www.linkedin.com/in/example"},
		{name: "missing scheme", in: "www.linkedin.com/in/example", want: "https://www.linkedin.com/in/example"},
		{name: "surrounding space", in: "  linkedin.com/in/example/ ", want: "https://linkedin.com/in/example/"},
		{name: "fragment dropped", in: "https://www.linkedin.com/in/example#experience", want: "https://www.linkedin.com/in/example"},
		{name: "query kept", in: "https://www.linkedin.com/in/example?locale=en_US", want: "https://www.linkedin.com/in/example?locale=en_US"},
		{name: "empty", in: "", invalid: true},
		{name: "blank", in: "   ", invalid: true},
		{name: "other site", in: "https://example.com/in/example", invalid: true},
		{name: "marker in subdomain of other site", in: "https://linkedin.com.example.net/in/x", invalid: true},
		{name: "marker in path only", in: "https://example.com/linkedin.com/in/x", invalid: true},
		{name: "unsupported scheme", in: "ftp://www.linkedin.com/in/example", invalid: true},
		{name: "slug with slash", in: "in/example", invalid: true},
		{name: "bare slug", in: "jane-doe-123", invalid: true},
		{name: "bare word", in: "example", invalid: true},
		{name: "encoded slug", in: "j%C3%A9r%C3%B4me", invalid: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeURL(tt.in, testDomain)
			if tt.invalid {
				require.Error(t, err)
				assert.True(t, errdefs.IsInvalidInput(err), "got %T", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func FuzzNormalizeURL(f *testing.F) {
	f.Add([]byte("https://www.linkedin.com/in/example"))
	f.Add([]byte("jane-doe"))
	f.Add([]byte("linkedin.com.evil.test/in/x"))

	f.Fuzz(func(t *testing.T, data []byte) {
		consumer := fuzz.NewConsumer(data)
		raw, err := consumer.GetString()
		if err != nil {
			return
		}

		got, err := NormalizeURL(raw, testDomain)
		if err != nil {
			if !errdefs.IsInvalidInput(err) {
				t.Fatalf("unexpected error type %T for %q", err, raw)
			}
			return
		}
		if !strings.HasPrefix(got, "http://") && !strings.HasPrefix(got, "https://") {
			t.Fatalf("normalized %q to %q without a web scheme", raw, got)
		}
		if !strings.Contains(strings.ToLower(raw), testDomain) {
			t.Fatalf("accepted %q without the domain marker", raw)
		}
		if d := browser.RegistrableDomain(got); d != testDomain {
			t.Fatalf("normalized %q to %q on domain %q", raw, got, d)
		}
		again, err := NormalizeURL(got, testDomain)
		if err != nil || again != got {
			t.Fatalf("normalization of %q is not idempotent: %q, %v", got, again, err)
		}
	})
}
