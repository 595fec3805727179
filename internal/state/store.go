package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"custody-mint-sync/internal/model"
	"custody-mint-sync/internal/storage"
)

// Retirement reasons recorded for locks that left the active set.
const (
	RetiredRejected = "rejected"
	RetiredMinted   = "minted"
	RetiredConsumed = "consumed"
)

const defaultRetention = 1000

// Options configure a Store.
type Options struct {
	Port      storage.Port
	Retention int
	Now       func() time.Time
}

// Store is the in-memory mirror of the workflow. Reads return copies; all writes go through
// Update.
type Store struct {
	opts   Options
	logger zerolog.Logger

	mu        sync.RWMutex
	revision  uint64
	locks     map[string]model.LockNotification
	requests  map[string]model.MintRequest
	completed []model.MintConfirmation
	rejected  []model.RejectedLock
	audit     []model.WebhookEvent
	explorer  []model.ExplorerEvent

	completedIdx map[string]int
	rejectedIdx  map[string]int
	retired      map[string]string
	lastKnown    map[string]model.LockNotification
	lockRev      map[string]uint64
	requestRev   map[string]uint64
	dirty        map[storage.Collection]bool

	saveMu sync.Mutex
}

// New constructs an empty store.
func New(opts Options, logger zerolog.Logger) *Store {
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{
		opts:   opts,
		logger: logger.With().Str("component", "state").Logger(),
		dirty:  make(map[storage.Collection]bool),
	}
	s.resetLocked()
	return s
}

func (s *Store) resetLocked() {
	s.locks = make(map[string]model.LockNotification)
	s.requests = make(map[string]model.MintRequest)
	s.completed = nil
	s.rejected = nil
	s.audit = nil
	s.explorer = nil
	s.completedIdx = make(map[string]int)
	s.rejectedIdx = make(map[string]int)
	s.retired = make(map[string]string)
	s.lastKnown = make(map[string]model.LockNotification)
	s.lockRev = make(map[string]uint64)
	s.requestRev = make(map[string]uint64)
}

// Update runs fn as the single mutation path. fn must validate before it mutates: changes
// made before an error are kept.
func (s *Store) Update(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Tx{s: s, rev: s.revision + 1}
	err := fn(tx)
	if tx.changed {
		s.revision = tx.rev
	}
	return err
}

// Revision returns the logical clock; it advances once per mutating Update.
func (s *Store) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// Lock returns an active lock by id.
func (s *Store) Lock(lockID string) (model.LockNotification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.locks[lockID]
	if !ok {
		return model.LockNotification{}, false
	}
	return l.Clone(), true
}

// Locks returns active locks, oldest first.
func (s *Store) Locks() []model.LockNotification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.LockNotification, 0, len(s.locks))
	for _, l := range s.locks {
		out = append(out, l.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].LockID < out[j].LockID
	})
	return out
}

// MintRequest returns a request by authorization code.
func (s *Store) MintRequest(code string) (model.MintRequest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[code]
	return r, ok
}

// MintRequests returns requests, optionally filtered by status, oldest first.
func (s *Store) MintRequests(status model.MintStatus) []model.MintRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.MintRequest, 0, len(s.requests))
	for _, r := range s.requests {
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].AuthorizationCode < out[j].AuthorizationCode
	})
	return out
}

// CompletedMints returns confirmations in completion order.
func (s *Store) CompletedMints() []model.MintConfirmation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.MintConfirmation(nil), s.completed...)
}

// RejectedLocks returns rejected locks in rejection order.
func (s *Store) RejectedLocks() []model.RejectedLock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.RejectedLock, len(s.rejected))
	for i, r := range s.rejected {
		out[i] = r
		out[i].LockNotification = r.LockNotification.Clone()
	}
	return out
}

// AuditEvents returns up to limit entries, newest first. limit <= 0 returns all retained.
func (s *Store) AuditEvents(limit int) []model.WebhookEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.audit)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]model.WebhookEvent, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.audit[i])
	}
	return out
}

// ExplorerEvents returns the last fetched explorer feed.
func (s *Store) ExplorerEvents() []model.ExplorerEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.ExplorerEvent(nil), s.explorer...)
}

// Retired reports whether a lock left the active set and why.
func (s *Store) Retired(lockID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reason, ok := s.retired[lockID]
	return reason, ok
}

// Statistics summarises the current view.
func (s *Store) Statistics() model.Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := model.Statistics{
		PendingLocks:   len(s.locks),
		CompletedMints: len(s.completed),
		RejectedLocks:  len(s.rejected),
		TotalVolume:    decimal.Zero,
	}
	for _, r := range s.requests {
		switch r.Status {
		case model.MintPending:
			stats.PendingMints++
		case model.MintApproved:
			stats.ApprovedMints++
		case model.MintRejected:
			stats.RejectedMints++
		}
		if r.PendingConfirmation {
			stats.AwaitingRemote++
		}
	}
	for _, c := range s.completed {
		stats.TotalVolume = stats.TotalVolume.Add(c.MintedAmount)
	}
	return stats
}

// Save writes dirty collections through the port. On failure the collections stay dirty.
func (s *Store) Save(ctx context.Context) error {
	if s.opts.Port == nil {
		return nil
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	pending, err := s.takeDirty()
	if err != nil {
		return err
	}
	var firstErr error
	for c, raw := range pending {
		if err := s.opts.Port.Save(ctx, c, raw); err != nil {
			s.markDirty(c)
			s.logger.Error().Err(err).Str("collection", string(c)).Msg("persist collection failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *Store) takeDirty() (map[storage.Collection][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[storage.Collection][]byte, len(s.dirty))
	for c := range s.dirty {
		raw, err := s.marshalLocked(c)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", c, err)
		}
		out[c] = raw
	}
	s.dirty = make(map[storage.Collection]bool)
	return out, nil
}

func (s *Store) markDirty(c storage.Collection) {
	s.mu.Lock()
	s.dirty[c] = true
	s.mu.Unlock()
}

// Dirty reports whether unsaved changes exist.
func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.dirty) > 0
}

func (s *Store) marshalLocked(c storage.Collection) ([]byte, error) {
	switch c {
	case storage.CollectionLocks:
		locks := make([]model.LockNotification, 0, len(s.locks))
		for _, l := range s.locks {
			locks = append(locks, l)
		}
		sort.Slice(locks, func(i, j int) bool { return locks[i].LockID < locks[j].LockID })
		return json.Marshal(locks)
	case storage.CollectionMintRequests:
		reqs := make([]model.MintRequest, 0, len(s.requests))
		for _, r := range s.requests {
			reqs = append(reqs, r)
		}
		sort.Slice(reqs, func(i, j int) bool { return reqs[i].AuthorizationCode < reqs[j].AuthorizationCode })
		return json.Marshal(reqs)
	case storage.CollectionCompletedMints:
		return json.Marshal(nonNil(s.completed))
	case storage.CollectionRejectedLocks:
		return json.Marshal(nonNil(s.rejected))
	case storage.CollectionAuditEvents:
		return json.Marshal(nonNil(s.audit))
	default:
		return nil, fmt.Errorf("unknown collection %q", c)
	}
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

// Load replaces memory with the persisted collections. Missing collections load empty. A
// corrupt collection is logged and skipped so the engine can keep running.
func (s *Store) Load(ctx context.Context) error {
	if s.opts.Port == nil {
		return nil
	}
	raw := make(map[storage.Collection][]byte, len(storage.Collections))
	for _, c := range storage.Collections {
		data, err := s.opts.Port.Load(ctx, c)
		if err != nil {
			return fmt.Errorf("load %s: %w", c, err)
		}
		raw[c] = data
	}

	var (
		locks     []model.LockNotification
		requests  []model.MintRequest
		completed []model.MintConfirmation
		rejected  []model.RejectedLock
		audit     []model.WebhookEvent
	)
	decode := func(c storage.Collection, dst any) {
		if len(raw[c]) == 0 {
			return
		}
		if err := json.Unmarshal(raw[c], dst); err != nil {
			s.logger.Error().Err(err).Str("collection", string(c)).Msg("discarding unreadable collection")
		}
	}
	decode(storage.CollectionLocks, &locks)
	decode(storage.CollectionMintRequests, &requests)
	decode(storage.CollectionCompletedMints, &completed)
	decode(storage.CollectionRejectedLocks, &rejected)
	decode(storage.CollectionAuditEvents, &audit)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	s.revision++
	for _, r := range rejected {
		if _, dup := s.rejectedIdx[r.LockID]; dup {
			continue
		}
		s.rejectedIdx[r.LockID] = len(s.rejected)
		s.rejected = append(s.rejected, r)
		s.retired[r.LockID] = RetiredRejected
	}
	for _, c := range completed {
		if _, dup := s.completedIdx[c.AuthorizationCode]; dup {
			continue
		}
		s.completedIdx[c.AuthorizationCode] = len(s.completed)
		s.completed = append(s.completed, c)
		if c.LockID != "" {
			s.retired[c.LockID] = RetiredMinted
		}
	}
	for _, l := range locks {
		if _, gone := s.retired[l.LockID]; gone {
			continue
		}
		s.locks[l.LockID] = l
		s.lockRev[l.LockID] = s.revision
	}
	for _, r := range requests {
		s.requests[r.AuthorizationCode] = r
		s.requestRev[r.AuthorizationCode] = s.revision
		if _, active := s.locks[r.LockID]; active || r.LockID == "" {
			continue
		}
		if _, gone := s.retired[r.LockID]; gone {
			continue
		}
		if reason := RetirementFor(r.Status); reason != "" {
			s.retired[r.LockID] = reason
		}
	}
	s.audit = audit
	s.trimAuditLocked()
	s.logger.Info().
		Int("locks", len(s.locks)).
		Int("mint_requests", len(s.requests)).
		Int("completed", len(s.completed)).
		Int("rejected", len(s.rejected)).
		Msg("state restored")
	return nil
}

// RetirementFor maps a request status to the tombstone its lock carries once it has left
// the active set. Pending requests leave no tombstone.
func RetirementFor(status model.MintStatus) string {
	switch status {
	case model.MintApproved:
		return RetiredConsumed
	case model.MintRejected:
		return RetiredRejected
	case model.MintMinted:
		return RetiredMinted
	default:
		return ""
	}
}

// Reset empties memory and clears every persisted collection.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	s.resetLocked()
	s.revision++
	s.dirty = make(map[storage.Collection]bool)
	s.mu.Unlock()

	if s.opts.Port == nil {
		return nil
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if err := s.opts.Port.Clear(ctx, storage.Collections...); err != nil {
		return fmt.Errorf("clear persisted state: %w", err)
	}
	return nil
}

// RunFlusher saves dirty state every interval and once more when ctx ends.
func (s *Store) RunFlusher(ctx context.Context, interval time.Duration) error {
	if s.opts.Port == nil {
		<-ctx.Done()
		return nil
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.Save(flushCtx); err != nil {
				s.logger.Error().Err(err).Msg("final flush failed")
			}
			return nil
		case <-ticker.C:
			if !s.Dirty() {
				continue
			}
			if err := s.Save(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("periodic flush failed; continuing in memory")
			}
		}
	}
}

func (s *Store) trimAuditLocked() {
	if over := len(s.audit) - s.opts.Retention; over > 0 {
		s.audit = append([]model.WebhookEvent(nil), s.audit[over:]...)
	}
}
