package notifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const defaultQueueCapacity = 1024

// ErrQueueFull is returned when the retry queue cannot take another notification.
var ErrQueueFull = errors.New("notifier: retry queue full")

// Pending is an outbound notification the remote has not acknowledged yet.
type Pending struct {
	ID                string          `json:"id"`
	Path              string          `json:"path"`
	AuthorizationCode string          `json:"authorizationCode"`
	Payload           json.RawMessage `json:"payload"`
	Attempts          int             `json:"attempts"`
	LastError         string          `json:"lastError,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
}

// Queue holds unacknowledged notifications in arrival order.
type Queue interface {
	Push(p Pending) error
	Update(p Pending) error
	Remove(id string) error
	List() []Pending
	Len() int
}

// MemoryQueue is a process-local Queue.
type MemoryQueue struct {
	mu    sync.Mutex
	items []Pending
}

// NewMemoryQueue returns an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Push(p Pending) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= defaultQueueCapacity {
		return ErrQueueFull
	}
	q.items = append(q.items, p)
	return nil
}

func (q *MemoryQueue) Update(p Pending) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].ID == p.ID {
			q.items[i] = p
			return nil
		}
	}
	return nil
}

func (q *MemoryQueue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = removeID(q.items, id)
	return nil
}

func (q *MemoryQueue) List() []Pending {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Pending(nil), q.items...)
}

func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// FileQueue persists the queue as one JSON document, rewritten atomically on every change,
// so queued notifications survive a restart.
type FileQueue struct {
	path     string
	capacity int

	mu    sync.Mutex
	items []Pending
}

type fileQueueState struct {
	Items []Pending `json:"items"`
}

// NewFileQueue opens or creates the queue stored at path.
func NewFileQueue(path string) (*FileQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("notifier: queue path is empty")
	}
	q := &FileQueue{path: path, capacity: defaultQueueCapacity}
	if err := q.load(); err != nil {
		return nil, fmt.Errorf("load retry queue: %w", err)
	}
	return q, nil
}

func (q *FileQueue) Push(p Pending) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return ErrQueueFull
	}
	q.items = append(q.items, p)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return err
	}
	return nil
}

func (q *FileQueue) Update(p Pending) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].ID == p.ID {
			prev := q.items[i]
			q.items[i] = p
			if err := q.saveLocked(); err != nil {
				q.items[i] = prev
				return err
			}
			return nil
		}
	}
	return nil
}

func (q *FileQueue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	prev := q.items
	q.items = removeID(append([]Pending(nil), q.items...), id)
	if len(q.items) == len(prev) {
		return nil
	}
	if err := q.saveLocked(); err != nil {
		q.items = prev
		return err
	}
	return nil
}

func (q *FileQueue) List() []Pending {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Pending(nil), q.items...)
}

func (q *FileQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *FileQueue) load() error {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var st fileQueueState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	q.items = st.Items
	return nil
}

func (q *FileQueue) saveLocked() error {
	data, err := json.Marshal(fileQueueState{Items: q.items})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

func removeID(items []Pending, id string) []Pending {
	out := items[:0]
	for _, it := range items {
		if it.ID != id {
			out = append(out, it)
		}
	}
	return out
}

var (
	_ Queue = (*MemoryQueue)(nil)
	_ Queue = (*FileQueue)(nil)
)
