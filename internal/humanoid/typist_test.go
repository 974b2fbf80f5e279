package humanoid

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/profilecap/internal/browser/browsertest"
)

func TestTypist_Type(t *testing.T) {
	page := browsertest.NewFakePage()
	page.SetElement(`input[name="session_key"]`, true)

	typist := NewTypist(100*time.Millisecond, 40*time.Millisecond)
	var pauses []time.Duration
	typist.Sleep = func(_ context.Context, d time.Duration) error {
		pauses = append(pauses, d)
		return nil
	}

	require.NoError(t, typist.Type(context.Background(), page, `input[name="session_key"]`, "me@example.com"))

	assert.Equal(t, "me@example.com", page.Typed())
	assert.Len(t, pauses, len("me@example.com"))
	for _, d := range pauses {
		assert.GreaterOrEqual(t, d, minKeystroke)
	}
	assert.Equal(t, 1, page.Calls("Evaluate"), "field is cleared first")
}

func TestTypist_MissingField(t *testing.T) {
	page := browsertest.NewFakePage()
	typist := NewTypist(0, 0)

	err := typist.Type(context.Background(), page, "#nope", "abc")
	assert.ErrorContains(t, err, "failed to focus #nope")
	assert.Empty(t, page.Typed())
}

func TestTypist_StopsOnCancel(t *testing.T) {
	page := browsertest.NewFakePage()
	page.SetElement("#f", true)
	typist := NewTypist(time.Hour, 0)

	ctx, cancel := context.WithCancel(context.Background())
	typist.Sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	err := typist.Type(ctx, page, "#f", "secret")
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, "s", page.Typed())
}

func TestKeystrokeNeverNegative(t *testing.T) {
	typist := NewTypist(0, time.Second)
	for i := 0; i < 100; i++ {
		assert.GreaterOrEqual(t, typist.keystroke(), time.Duration(0))
	}
}
