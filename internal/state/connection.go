package state

import (
	"sync"

	"custody-mint-sync/internal/model"
)

// ConnectionTracker holds the process-wide transport view. Each transport owns its own
// section and updates it through the matching setter.
type ConnectionTracker struct {
	mu        sync.RWMutex
	state     model.ConnectionState
	listeners map[int]func(model.ConnectionState)
	nextID    int
}

// NewConnectionTracker returns a tracker in the fully disconnected state.
func NewConnectionTracker() *ConnectionTracker {
	return &ConnectionTracker{listeners: make(map[int]func(model.ConnectionState))}
}

// Snapshot returns the current view.
func (t *ConnectionTracker) Snapshot() model.ConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// OnChange registers fn for every effective change and returns its removal func.
func (t *ConnectionTracker) OnChange(fn func(model.ConnectionState)) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

func (t *ConnectionTracker) UpdatePush(fn func(*model.PushState)) {
	t.update(func(s *model.ConnectionState) { fn(&s.Push) })
}

func (t *ConnectionTracker) UpdatePoll(fn func(*model.PollState)) {
	t.update(func(s *model.ConnectionState) { fn(&s.Poll) })
}

func (t *ConnectionTracker) UpdateAPI(fn func(*model.APIHealth)) {
	t.update(func(s *model.ConnectionState) { fn(&s.API) })
}

func (t *ConnectionTracker) UpdateChain(fn func(*model.ChainState)) {
	t.update(func(s *model.ConnectionState) { fn(&s.Chain) })
}

func (t *ConnectionTracker) update(fn func(*model.ConnectionState)) {
	t.mu.Lock()
	before := t.state
	fn(&t.state)
	after := t.state
	var listeners []func(model.ConnectionState)
	if before != after {
		listeners = make([]func(model.ConnectionState), 0, len(t.listeners))
		for _, l := range t.listeners {
			listeners = append(listeners, l)
		}
	}
	t.mu.Unlock()

	for _, l := range listeners {
		l(after)
	}
}
