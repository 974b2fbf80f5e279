// Package humanoid paces input the way a person types.
package humanoid

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/profilecap/internal/browser"
	"github.com/xkilldash9x/profilecap/internal/retry"
)

// minKeystroke keeps a jittered delay from collapsing to zero.
const minKeystroke = 15 * time.Millisecond

// Typist types text one key at a time with a normally distributed delay
// around a mean.
type Typist struct {
	delay  time.Duration
	jitter time.Duration

	mu  sync.Mutex
	rng *rand.Rand

	// Sleep waits between keystrokes. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewTypist returns a typist averaging delay per key with jitter as the
// standard deviation.
func NewTypist(delay, jitter time.Duration) *Typist {
	return &Typist{
		delay:  delay,
		jitter: jitter,
		rng:    rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
		Sleep:  retry.SleepContext,
	}
}

// keystroke returns the pause after one key.
func (t *Typist) keystroke() time.Duration {
	t.mu.Lock()
	n := t.rng.NormFloat64()
	t.mu.Unlock()

	d := t.delay + time.Duration(n*float64(t.jitter))
	if d < minKeystroke && t.delay > 0 {
		return minKeystroke
	}
	if d < 0 {
		return 0
	}
	return d
}

// Type clears the field matched by selector, focuses it and types text.
func (t *Typist) Type(ctx context.Context, page browser.Page, selector, text string) error {
	if err := clearField(ctx, page, selector); err != nil {
		return err
	}
	if err := page.Focus(ctx, selector); err != nil {
		return fmt.Errorf("failed to focus %s: %w", selector, err)
	}
	for _, r := range text {
		if err := page.TypeKey(ctx, string(r)); err != nil {
			return fmt.Errorf("failed to type into %s: %w", selector, err)
		}
		if err := t.Sleep(ctx, t.keystroke()); err != nil {
			return err
		}
	}
	return nil
}

func clearField(ctx context.Context, page browser.Page, selector string) error {
	quoted, err := json.Marshal(selector)
	if err != nil {
		return err
	}
	expr := fmt.Sprintf(`(() => { const el = document.querySelector(%s); if (el) { el.value = ''; } return !!el; })()`, quoted)
	var found bool
	if err := page.Evaluate(ctx, expr, &found); err != nil {
		return fmt.Errorf("failed to clear %s: %w", selector, err)
	}
	return nil
}
