package state

import (
	"sort"

	"custody-mint-sync/internal/model"
	"custody-mint-sync/internal/storage"
)

// Tx is the write view handed to Store.Update. It is only valid inside the callback.
type Tx struct {
	s       *Store
	rev     uint64
	changed bool
}

func (tx *Tx) touch(cs ...storage.Collection) {
	tx.changed = true
	for _, c := range cs {
		tx.s.dirty[c] = true
	}
}

// Revision is the revision this transaction commits at.
func (tx *Tx) Revision() uint64 { return tx.rev }

// Changed reports whether the transaction mutated anything so far.
func (tx *Tx) Changed() bool { return tx.changed }

func (tx *Tx) Lock(lockID string) (model.LockNotification, bool) {
	l, ok := tx.s.locks[lockID]
	if !ok {
		return model.LockNotification{}, false
	}
	return l.Clone(), true
}

// LockIDs returns active lock ids in sorted order.
func (tx *Tx) LockIDs() []string {
	ids := make([]string, 0, len(tx.s.locks))
	for id := range tx.s.locks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LockRevision is the revision that last wrote the lock, zero if never.
func (tx *Tx) LockRevision(lockID string) uint64 { return tx.s.lockRev[lockID] }

func (tx *Tx) PutLock(l model.LockNotification) {
	tx.s.locks[l.LockID] = l.Clone()
	delete(tx.s.lastKnown, l.LockID)
	tx.s.lockRev[l.LockID] = tx.rev
	tx.touch(storage.CollectionLocks)
}

// RemoveLock drops a lock from the active set and records why. An empty reason removes
// the lock without retiring it.
func (tx *Tx) RemoveLock(lockID, reason string) bool {
	l, ok := tx.s.locks[lockID]
	if ok {
		tx.s.lastKnown[lockID] = l
		delete(tx.s.locks, lockID)
		tx.touch(storage.CollectionLocks)
	}
	tx.s.lockRev[lockID] = tx.rev
	if reason != "" {
		if _, already := tx.s.retired[lockID]; !already {
			tx.s.retired[lockID] = reason
			tx.changed = true
		}
	}
	return ok
}

// LastKnownLock returns the body a lock had when it left the active set.
func (tx *Tx) LastKnownLock(lockID string) (model.LockNotification, bool) {
	l, ok := tx.s.lastKnown[lockID]
	if !ok {
		return model.LockNotification{}, false
	}
	return l.Clone(), true
}

// Retired reports whether a lock was retired and why.
func (tx *Tx) Retired(lockID string) (string, bool) {
	reason, ok := tx.s.retired[lockID]
	return reason, ok
}

func (tx *Tx) MintRequest(code string) (model.MintRequest, bool) {
	r, ok := tx.s.requests[code]
	return r, ok
}

// MintRequestByLock finds the request derived from a lock.
func (tx *Tx) MintRequestByLock(lockID string) (model.MintRequest, bool) {
	for _, r := range tx.s.requests {
		if r.LockID == lockID {
			return r, true
		}
	}
	return model.MintRequest{}, false
}

// RequestCodes returns request authorization codes in sorted order.
func (tx *Tx) RequestCodes() []string {
	codes := make([]string, 0, len(tx.s.requests))
	for code := range tx.s.requests {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// RequestRevision is the revision that last wrote the request, zero if never.
func (tx *Tx) RequestRevision(code string) uint64 { return tx.s.requestRev[code] }

func (tx *Tx) PutMintRequest(r model.MintRequest) {
	tx.s.requests[r.AuthorizationCode] = r
	tx.s.requestRev[r.AuthorizationCode] = tx.rev
	tx.touch(storage.CollectionMintRequests)
}

func (tx *Tx) RemoveMintRequest(code string) {
	if _, ok := tx.s.requests[code]; !ok {
		return
	}
	delete(tx.s.requests, code)
	tx.s.requestRev[code] = tx.rev
	tx.touch(storage.CollectionMintRequests)
}

func (tx *Tx) Confirmation(code string) (model.MintConfirmation, bool) {
	i, ok := tx.s.completedIdx[code]
	if !ok {
		return model.MintConfirmation{}, false
	}
	return tx.s.completed[i], true
}

// AddConfirmation appends a confirmation once per authorization code.
func (tx *Tx) AddConfirmation(c model.MintConfirmation) bool {
	if _, ok := tx.s.completedIdx[c.AuthorizationCode]; ok {
		return false
	}
	tx.s.completedIdx[c.AuthorizationCode] = len(tx.s.completed)
	tx.s.completed = append(tx.s.completed, c)
	tx.touch(storage.CollectionCompletedMints)
	return true
}

func (tx *Tx) Rejected(lockID string) (model.RejectedLock, bool) {
	i, ok := tx.s.rejectedIdx[lockID]
	if !ok {
		return model.RejectedLock{}, false
	}
	return tx.s.rejected[i], true
}

// AddRejected appends a rejected lock once per lock id.
func (tx *Tx) AddRejected(r model.RejectedLock) bool {
	if _, ok := tx.s.rejectedIdx[r.LockID]; ok {
		return false
	}
	r.LockNotification = r.LockNotification.Clone()
	tx.s.rejectedIdx[r.LockID] = len(tx.s.rejected)
	tx.s.rejected = append(tx.s.rejected, r)
	tx.touch(storage.CollectionRejectedLocks)
	return true
}

// AppendAudit adds an audit entry. Timestamps never go backwards: an entry older than its
// predecessor is stamped with the predecessor's time.
func (tx *Tx) AppendAudit(ev model.WebhookEvent) model.WebhookEvent {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = tx.s.opts.Now().UTC()
	}
	if n := len(tx.s.audit); n > 0 {
		if last := tx.s.audit[n-1].Timestamp; ev.Timestamp.Before(last) {
			ev.Timestamp = last
		}
	}
	tx.s.audit = append(tx.s.audit, ev)
	tx.s.trimAuditLocked()
	tx.touch(storage.CollectionAuditEvents)
	return ev
}

// SetExplorerEvents replaces the explorer feed. It is not persisted.
func (tx *Tx) SetExplorerEvents(events []model.ExplorerEvent) {
	tx.s.explorer = append([]model.ExplorerEvent(nil), events...)
}

// Reset empties every collection; persisted copies are overwritten on the next save.
func (tx *Tx) Reset() {
	tx.s.resetLocked()
	tx.touch(storage.Collections...)
}
