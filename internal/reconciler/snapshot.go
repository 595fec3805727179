package reconciler

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"

	"custody-mint-sync/internal/model"
	"custody-mint-sync/internal/state"
)

// SnapshotSummary reports what a snapshot changed.
type SnapshotSummary struct {
	Source          string `json:"source"`
	LocksAdded      int    `json:"locksAdded"`
	LocksUpdated    int    `json:"locksUpdated"`
	LocksRemoved    int    `json:"locksRemoved"`
	LocksKept       int    `json:"locksKept"`
	RequestsChanged int    `json:"requestsChanged"`
	RequestsRemoved int    `json:"requestsRemoved"`
	Completed       int    `json:"completed"`
}

func (s SnapshotSummary) changed() bool {
	return s.LocksAdded+s.LocksUpdated+s.LocksRemoved+s.RequestsChanged+s.RequestsRemoved+s.Completed > 0
}

// ApplySnapshot replaces the covered collections with a full remote view.
//
// Precedence: a lock retired locally (rejected, minted or consumed) is never resurrected; a
// lock or request written locally after snap.BaseRevision keeps its local copy; request
// status never moves backward. Everything else follows the snapshot.
func (r *Reconciler) ApplySnapshot(ctx context.Context, snap model.Snapshot) (SnapshotSummary, error) {
	sum := SnapshotSummary{Source: snap.Source}
	if err := ctx.Err(); err != nil {
		return sum, err
	}
	at := snap.FetchedAt
	if at.IsZero() {
		at = r.opts.Now().UTC()
	}

	var (
		ac  applyCtx
		rev uint64
	)
	err := r.store.Update(func(tx *state.Tx) error {
		ac.tx = tx
		if snap.CompletedMints != nil {
			r.mergeCompleted(tx, snap.CompletedMints, &sum)
		}
		if snap.Locks != nil {
			r.replaceLocks(tx, snap.Locks, snap.MintRequests, snap.BaseRevision, &sum)
		}
		if snap.MintRequests != nil {
			r.replaceRequests(tx, snap.MintRequests, snap.BaseRevision, &sum)
		}
		if snap.ExplorerEvents != nil {
			tx.SetExplorerEvents(snap.ExplorerEvents)
		}
		if sum.changed() {
			ac.record(model.EventSnapshot, snap.Source, at, sum)
			r.appendAudit(tx, ac.changes)
		}
		rev = tx.Revision()
		return nil
	})
	if err != nil {
		return sum, err
	}
	r.publish(rev, ac.changes)
	if sum.changed() {
		r.logger.Debug().Interface("summary", sum).Uint64("revision", rev).Msg("snapshot applied")
	}
	return sum, nil
}

func (r *Reconciler) mergeCompleted(tx *state.Tx, done []model.MintConfirmation, sum *SnapshotSummary) {
	for _, c := range done {
		c.AuthorizationCode = clean(c.AuthorizationCode)
		c.LockID = clean(c.LockID)
		if c.AuthorizationCode == "" {
			continue
		}
		if req, ok := tx.MintRequest(c.AuthorizationCode); ok {
			if req.Status == model.MintRejected {
				continue
			}
			if c.LockID == "" {
				c.LockID = req.LockID
			}
		}
		if reason, retired := tx.Retired(c.LockID); retired && reason == state.RetiredRejected {
			continue
		}
		if !tx.AddConfirmation(c) {
			continue
		}
		sum.Completed++
		if c.LockID != "" {
			tx.RemoveLock(c.LockID, state.RetiredMinted)
		}
		if req, ok := tx.MintRequest(c.AuthorizationCode); ok && advanceToMinted(&req, c.MintedAmount) {
			req.PendingConfirmation = false
			tx.PutMintRequest(req)
		}
	}
}

// replaceLocks drops local locks the snapshot no longer lists. A dropped lock whose request
// is approved, rejected or minted (locally or in the snapshot) is retired with the matching
// reason so later deltas and replays treat it exactly as if the push had arrived first.
func (r *Reconciler) replaceLocks(tx *state.Tx, locks []model.LockNotification, reqs []model.MintRequest, base uint64, sum *SnapshotSummary) {
	incoming := make(map[string]model.LockNotification, len(locks))
	for _, l := range locks {
		l = normalizeLock(l)
		if l.LockID == "" || l.Amount.IsNegative() {
			continue
		}
		incoming[l.LockID] = l
	}
	remoteStatus := make(map[string]model.MintStatus, len(reqs))
	for _, req := range reqs {
		req = normalizeRequest(req)
		if req.LockID != "" {
			remoteStatus[req.LockID] = req.Status
		}
		if req.AuthorizationCode != "" {
			remoteStatus[req.AuthorizationCode] = req.Status
		}
	}

	for _, id := range tx.LockIDs() {
		if _, ok := incoming[id]; ok {
			continue
		}
		if tx.LockRevision(id) > base {
			sum.LocksKept++
			continue
		}
		local, _ := tx.Lock(id)
		status := model.MintPending
		if req, ok := findRequest(tx, local.AuthorizationCode, id); ok {
			status = req.Status
		}
		if in, ok := remoteStatus[id]; ok {
			status = model.MergeStatus(status, in)
		} else if in, ok := remoteStatus[local.AuthorizationCode]; ok {
			status = model.MergeStatus(status, in)
		}
		tx.RemoveLock(id, state.RetirementFor(status))
		sum.LocksRemoved++
	}

	for id, l := range incoming {
		if _, retired := tx.Retired(id); retired {
			continue
		}
		local, exists := tx.Lock(id)
		switch {
		case !exists:
			if tx.LockRevision(id) > base {
				// Removed locally after the fetch began.
				sum.LocksKept++
				continue
			}
			tx.PutLock(l)
			sum.LocksAdded++
			if _, ok := findRequest(tx, l.AuthorizationCode, l.LockID); !ok {
				tx.PutMintRequest(requestFromLock(l))
			}
		case tx.LockRevision(id) > base:
			sum.LocksKept++
		case !sameJSON(canonicalLock(local), canonicalLock(l)):
			tx.PutLock(l)
			sum.LocksUpdated++
		}
	}
}

func (r *Reconciler) replaceRequests(tx *state.Tx, reqs []model.MintRequest, base uint64, sum *SnapshotSummary) {
	incoming := make(map[string]model.MintRequest, len(reqs))
	for _, req := range reqs {
		req = normalizeRequest(req)
		if req.AuthorizationCode == "" {
			continue
		}
		incoming[req.AuthorizationCode] = req
	}

	for _, code := range tx.RequestCodes() {
		if _, ok := incoming[code]; ok {
			continue
		}
		local, _ := tx.MintRequest(code)
		if tx.RequestRevision(code) > base || local.PendingConfirmation || local.Status.Terminal() {
			continue
		}
		if _, active := tx.Lock(local.LockID); active {
			// The lock is still tracked, so its derived request stays.
			continue
		}
		tx.RemoveMintRequest(code)
		sum.RequestsRemoved++
	}

	for code, in := range incoming {
		local, exists := tx.MintRequest(code)
		if !exists {
			if reason, retired := tx.Retired(in.LockID); retired && !statusMatchesRetirement(in.Status, reason) {
				in.Status = model.MergeStatus(in.Status, retiredStatus(reason))
			}
			tx.PutMintRequest(in)
			sum.RequestsChanged++
			continue
		}
		if tx.RequestRevision(code) > base {
			continue
		}
		merged := in
		merged.Status = model.MergeStatus(local.Status, in.Status)
		if merged.Status != in.Status {
			// Local state is ahead; keep its amount with its status.
			merged.RequestedAmount = local.RequestedAmount
		}
		merged.PendingConfirmation = local.PendingConfirmation && in.Status != local.Status
		if !sameJSON(canonicalRequest(local), canonicalRequest(merged)) {
			tx.PutMintRequest(merged)
			sum.RequestsChanged++
		}
	}
}

func retiredStatus(reason string) model.MintStatus {
	switch reason {
	case state.RetiredRejected:
		return model.MintRejected
	case state.RetiredMinted:
		return model.MintMinted
	default:
		return model.MintApproved
	}
}

func statusMatchesRetirement(s model.MintStatus, reason string) bool {
	return s == retiredStatus(reason) || (reason == state.RetiredConsumed && s == model.MintMinted)
}

func canonicalAmount(d decimal.Decimal) decimal.Decimal {
	return decimal.RequireFromString(d.String())
}

func canonicalLock(l model.LockNotification) model.LockNotification {
	l.Amount = canonicalAmount(l.Amount)
	return l
}

func canonicalRequest(r model.MintRequest) model.MintRequest {
	r.RequestedAmount = canonicalAmount(r.RequestedAmount)
	return r
}

func sameJSON(a, b any) bool {
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ra) == string(rb)
}
