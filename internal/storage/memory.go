package storage

import (
	"context"
	"sync"
)

// Memory keeps collections in process memory. Used for tests and the `memory` backend.
type Memory struct {
	namespace string

	mu   sync.RWMutex
	data map[string][]byte
}

var _ Port = (*Memory)(nil)

// NewMemory returns an empty in-memory backend.
func NewMemory(namespace string) *Memory {
	return &Memory{namespace: namespace, data: make(map[string][]byte)}
}

func (m *Memory) Load(_ context.Context, c Collection) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, ok := m.data[Key(m.namespace, c)]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), raw...), nil
}

func (m *Memory) Save(_ context.Context, c Collection, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[Key(m.namespace, c)] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) Clear(_ context.Context, cs ...Collection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range clearTargets(cs) {
		delete(m.data, Key(m.namespace, c))
	}
	return nil
}

func (m *Memory) Close() error { return nil }

// Keys returns the stored keys; unrelated keys written with Put are included.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys
}

// Put stores a raw key outside any collection.
func (m *Memory) Put(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), data...)
}
