// Package events carries session, challenge and capture notifications to
// whoever is listening, typically the operator websocket stream.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type names an event kind.
type Type string

const (
	SessionReset      Type = "session.reset"
	SessionReady      Type = "session.ready"
	AuthState         Type = "auth.state"
	ChallengeDetected Type = "challenge.detected"
	ChallengeResolved Type = "challenge.resolved"
	ChallengeTimeout  Type = "challenge.timeout"
	CaptureCompleted  Type = "capture.completed"
	CaptureFailed     Type = "capture.failed"
)

// Event is one notification.
type Event struct {
	ID      string    `json:"id"`
	Type    Type      `json:"type"`
	Message string    `json:"message"`
	URL     string    `json:"url,omitempty"`
	At      time.Time `json:"at"`
}

// Publisher is what the capture pipeline emits events through.
type Publisher interface {
	Publish(t Type, message, url string)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Type, string, string) {}

// OrNop returns p, or Nop if p is nil.
func OrNop(p Publisher) Publisher {
	if p == nil {
		return Nop{}
	}
	return p
}

// Bus fans events out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type Bus struct {
	logger     *zap.Logger
	bufferSize int

	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	closed      bool
	now         func() time.Time
}

var _ Publisher = (*Bus)(nil)

// NewBus returns a bus whose subscriber channels buffer bufferSize events.
func NewBus(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Bus{
		logger:      logger.Named("events"),
		bufferSize:  bufferSize,
		subscribers: make(map[chan Event]struct{}),
		now:         time.Now,
	}
}

// Publish stamps and delivers an event.
func (b *Bus) Publish(t Type, message, url string) {
	e := Event{
		ID:      uuid.NewString(),
		Type:    t,
		Message: message,
		URL:     url,
		At:      b.now().UTC(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			b.logger.Debug("Dropping event for slow subscriber", zap.String("type", string(t)))
		}
	}
}

// Subscribe registers a listener. The returned function unsubscribes and
// closes the channel; calling it more than once is safe.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subscribers[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subscribers[ch]; ok {
				delete(b.subscribers, ch)
				close(ch)
			}
		})
	}
}

// Subscribers is the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close ends every subscription. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = map[chan Event]struct{}{}
}
