package eventbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event is the normalized change notification fanned out to subscribers.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	Revision  uint64    `json:"revision"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Handler receives published events. Handlers must not block; wrap slow ones with NewAsync.
type Handler func(Event)

type subscription struct {
	id uint64
	fn Handler
}

// Bus delivers every published event to all current subscribers, in subscription order.
type Bus struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
}

// New returns an empty bus.
func New(logger zerolog.Logger) *Bus {
	return &Bus{logger: logger.With().Str("component", "eventbus").Logger()}
}

// Subscribe registers h and returns a func that removes it. Calling it twice is harmless.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, fn: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Len reports the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers ev synchronously. A panicking handler is logged and skipped.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, ev)
	}
}

func (b *Bus) deliver(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("event_type", ev.Type).
				Uint64("subscriber", s.id).
				Str("panic", fmt.Sprint(r)).
				Msg("event handler failed")
		}
	}()
	s.fn(ev)
}
