package eventbus

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Async decouples a slow handler from the publisher. Handle only enqueues; a dedicated
// goroutine delivers in order. The queue is unbounded so events are never dropped.
type Async struct {
	handler Handler
	logger  zerolog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
	done   chan struct{}
}

// NewAsync starts the delivery goroutine for h.
func NewAsync(h Handler, logger zerolog.Logger) *Async {
	a := &Async{
		handler: h,
		logger:  logger.With().Str("component", "eventbus.async").Logger(),
		done:    make(chan struct{}),
	}
	a.cond = sync.NewCond(&a.mu)
	go a.loop()
	return a
}

// Handle enqueues ev. Events handed in after Close are ignored.
func (a *Async) Handle(ev Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.queue = append(a.queue, ev)
	a.cond.Signal()
}

// Pending returns the number of queued events.
func (a *Async) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// Close stops accepting events, drains the queue and waits for delivery to finish.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		a.cond.Broadcast()
	}
	a.mu.Unlock()
	<-a.done
}

func (a *Async) loop() {
	defer close(a.done)
	for {
		a.mu.Lock()
		for len(a.queue) == 0 && !a.closed {
			a.cond.Wait()
		}
		if len(a.queue) == 0 && a.closed {
			a.mu.Unlock()
			return
		}
		ev := a.queue[0]
		a.queue[0] = Event{}
		a.queue = a.queue[1:]
		a.mu.Unlock()

		a.call(ev)
	}
}

func (a *Async) call(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().Str("event_type", ev.Type).Str("panic", fmt.Sprint(r)).Msg("async handler failed")
		}
	}()
	a.handler(ev)
}
