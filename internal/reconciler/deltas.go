package reconciler

import (
	"fmt"

	"github.com/shopspring/decimal"

	"custody-mint-sync/internal/model"
	"custody-mint-sync/internal/state"
)

func findRequest(tx *state.Tx, code, lockID string) (model.MintRequest, bool) {
	if code != "" {
		if req, ok := tx.MintRequest(code); ok {
			return req, true
		}
	}
	if lockID != "" {
		return tx.MintRequestByLock(lockID)
	}
	return model.MintRequest{}, false
}

func findLockByCode(tx *state.Tx, code string) (model.LockNotification, bool) {
	for _, id := range tx.LockIDs() {
		if l, ok := tx.Lock(id); ok && l.AuthorizationCode == code {
			return l, true
		}
	}
	return model.LockNotification{}, false
}

func conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// confirmRemote clears the pending flag when a remote event echoes the local decision.
func confirmRemote(req *model.MintRequest, source string, status model.MintStatus) bool {
	if source == model.SourceLocal || !req.PendingConfirmation || req.Status != status {
		return false
	}
	req.PendingConfirmation = false
	return true
}

// lock.created inserts a lock only when its id was never seen, and derives its request.
func (r *Reconciler) applyLockCreated(ac *applyCtx, d model.Delta) (string, error) {
	l := normalizeLock(*d.Lock)
	if l.LockID == "" {
		return "", conflict("lock without id")
	}
	if l.Amount.IsNegative() {
		return "", conflict("lock %s has negative amount %s", l.LockID, l.Amount)
	}
	tx := ac.tx
	if reason, retired := tx.Retired(l.LockID); retired {
		r.logger.Debug().Str("lock_id", l.LockID).Str("retired", reason).Msg("ignoring lock.created for retired lock")
		return "", nil
	}
	if _, exists := tx.Lock(l.LockID); exists {
		return "", nil
	}

	tx.PutLock(l)
	if _, ok := findRequest(tx, l.AuthorizationCode, l.LockID); !ok {
		tx.PutMintRequest(requestFromLock(l))
	}
	ac.record(model.EventLockCreated, d.Source, d.Timestamp, l)
	return l.AuthorizationCode, nil
}

// lock.approved reduces the lock to original - approved, removing it once consumed, and
// moves the request to approved. Lock amounts only ever decrease.
func (r *Reconciler) applyApproval(ac *applyCtx, d model.Delta) (string, error) {
	a := *d.Approval
	a.LockID = clean(a.LockID)
	a.AuthorizationCode = clean(a.AuthorizationCode)
	a.ApprovedBy = clean(a.ApprovedBy)
	tx := ac.tx

	if !a.ApprovedAmount.IsPositive() {
		return "", conflict("approval for %s has non-positive amount %s", a.LockID, a.ApprovedAmount)
	}
	if a.OriginalAmount.IsPositive() && a.ApprovedAmount.GreaterThan(a.OriginalAmount) {
		return "", conflict("approval for %s exceeds original: %s > %s", a.LockID, a.ApprovedAmount, a.OriginalAmount)
	}

	lock, active := tx.Lock(a.LockID)
	code := a.AuthorizationCode
	if code == "" && active {
		code = lock.AuthorizationCode
	}
	req, hasReq := findRequest(tx, code, a.LockID)
	if code == "" && hasReq {
		code = req.AuthorizationCode
	}
	if !active && !hasReq {
		if _, retired := tx.Retired(a.LockID); retired {
			return "", nil
		}
		return "", conflict("approval for unknown lock %s", a.LockID)
	}

	applyToLock := active
	remaining := a.RemainingAmount
	dedupeKey := ""
	if active {
		if !a.OriginalAmount.IsPositive() {
			// Without the pre-approval amount the event is not self-describing; apply it at
			// most once against the current amount.
			dedupeKey = fmt.Sprintf("%s|%s|%s", a.LockID, a.ApprovedAmount.String(), a.ApprovedAt.UTC().Format("20060102T150405.000000000"))
			if _, seen := r.seenApprovals[dedupeKey]; seen {
				applyToLock = false
			} else {
				if a.ApprovedAmount.GreaterThan(lock.Amount) {
					return "", conflict("approval for %s exceeds remaining %s", a.LockID, lock.Amount)
				}
				a.OriginalAmount = lock.Amount
				remaining = lock.Amount.Sub(a.ApprovedAmount)
			}
		}
		if remaining.IsNegative() {
			return "", conflict("approval for %s leaves negative remainder %s", a.LockID, remaining)
		}
		if a.OriginalAmount.IsPositive() && remaining.GreaterThan(a.OriginalAmount) {
			return "", conflict("approval for %s has remainder above original", a.LockID)
		}
	}
	a.RemainingAmount = remaining

	changed := false
	if applyToLock {
		if !remaining.IsPositive() {
			tx.RemoveLock(a.LockID, state.RetiredConsumed)
			changed = true
		} else if remaining.LessThan(lock.Amount) {
			lock.Amount = remaining
			lock.Signatures = append(lock.Signatures, a.Signatures...)
			tx.PutLock(lock)
			changed = true
		}
	} else if !active && a.OriginalAmount.IsPositive() && !a.OriginalAmount.Sub(a.ApprovedAmount).IsPositive() {
		// The lock already left the active set, e.g. dropped by a snapshot. A full approval
		// still consumes it so a replayed lock.created cannot bring it back.
		if _, retired := tx.Retired(a.LockID); !retired {
			tx.RemoveLock(a.LockID, state.RetiredConsumed)
			changed = true
		}
	}
	if dedupeKey != "" {
		r.seenApprovals[dedupeKey] = struct{}{}
	}

	if hasReq {
		next := req
		if model.CanTransition(req.Status, model.MintApproved) {
			next.Status = model.MintApproved
		}
		if next.Status == model.MintApproved && !next.RequestedAmount.Equal(a.ApprovedAmount) {
			next.RequestedAmount = a.ApprovedAmount
		}
		confirmRemote(&next, d.Source, model.MintApproved)
		if next != req {
			tx.PutMintRequest(next)
			changed = true
		}
	} else {
		req = requestFromLock(lock)
		req.Status = model.MintApproved
		req.RequestedAmount = a.ApprovedAmount
		tx.PutMintRequest(req)
		code = req.AuthorizationCode
		changed = true
	}

	if changed {
		if a.AuthorizationCode == "" {
			a.AuthorizationCode = code
		}
		ac.record(model.EventLockApproved, d.Source, d.Timestamp, a)
	}
	return code, nil
}

// lock.rejected moves the lock to the append-only rejected set and rejects its request.
func (r *Reconciler) applyRejection(ac *applyCtx, d model.Delta) (string, error) {
	rj := *d.Rejection
	rj.LockID = clean(rj.LockID)
	rj.AuthorizationCode = clean(rj.AuthorizationCode)
	rj.RejectedBy = clean(rj.RejectedBy)
	tx := ac.tx

	if rj.LockID == "" {
		return "", conflict("rejection without lock id")
	}
	lock, active := tx.Lock(rj.LockID)
	code := rj.AuthorizationCode
	if code == "" && active {
		code = lock.AuthorizationCode
	}
	req, hasReq := findRequest(tx, code, rj.LockID)
	if code == "" && hasReq {
		code = req.AuthorizationCode
	}
	if reason, retired := tx.Retired(rj.LockID); retired && reason != state.RetiredRejected {
		return "", conflict("rejection for lock %s already %s", rj.LockID, reason)
	}
	if hasReq && req.Status == model.MintMinted {
		return "", conflict("rejection for minted request %s", req.AuthorizationCode)
	}
	if rj.Amount.IsNegative() {
		return "", conflict("rejection for %s has negative amount", rj.LockID)
	}

	changed := false
	if _, dup := tx.Rejected(rj.LockID); !dup {
		base := lock
		if last, ok := tx.LastKnownLock(rj.LockID); !active && ok {
			base = last
		} else if !active {
			base = normalizeLock(model.LockNotification{
				LockID:            rj.LockID,
				AuthorizationCode: code,
				Amount:            rj.Amount,
				Timestamp:         rj.RejectedAt,
				Expiry:            rj.RejectedAt,
			})
			base.BankInfo.BankName = firstNonEmpty(clean(rj.BankName), base.BankInfo.BankName)
		}
		base.Status = string(model.MintRejected)
		base.Signatures = append(base.Signatures, rj.Signatures...)
		tx.AddRejected(model.RejectedLock{
			LockNotification: base,
			RejectedBy:       rj.RejectedBy,
			RejectedAt:       rj.RejectedAt.UTC(),
			Reason:           rj.Reason,
		})
		changed = true
	}
	if _, retired := tx.Retired(rj.LockID); !retired || active {
		tx.RemoveLock(rj.LockID, state.RetiredRejected)
		changed = true
	}

	if hasReq {
		next := req
		if model.CanTransition(req.Status, model.MintRejected) {
			next.Status = model.MintRejected
		}
		confirmRemote(&next, d.Source, model.MintRejected)
		if next != req {
			tx.PutMintRequest(next)
			changed = true
		}
	}

	if changed {
		if rj.AuthorizationCode == "" {
			rj.AuthorizationCode = code
		}
		ac.record(model.EventLockRejected, d.Source, d.Timestamp, rj)
	}
	return code, nil
}

// mint.completed records exactly one confirmation per authorization code, retires the lock
// and marks the request minted.
func (r *Reconciler) applyCompletion(ac *applyCtx, d model.Delta) (string, error) {
	c := *d.Completion
	c.LockID = clean(c.LockID)
	c.AuthorizationCode = clean(c.AuthorizationCode)
	c.MintedBy = clean(c.MintedBy)
	tx := ac.tx

	code := c.AuthorizationCode
	req, hasReq := findRequest(tx, code, c.LockID)
	lock, active := tx.Lock(c.LockID)
	if code == "" && hasReq {
		code = req.AuthorizationCode
	}
	if code == "" && active {
		code = lock.AuthorizationCode
	}
	if code == "" {
		return "", conflict("completion for %s without authorization code", c.LockID)
	}
	lockID := c.LockID
	if lockID == "" && hasReq {
		lockID = req.LockID
	}
	if lockID == "" {
		if l, ok := findLockByCode(tx, code); ok {
			lock, active, lockID = l, true, l.LockID
		}
	} else if !active {
		lock, active = tx.Lock(lockID)
	}
	if hasReq && req.Status == model.MintRejected {
		return "", conflict("completion for rejected request %s", code)
	}
	if reason, retired := tx.Retired(lockID); retired && reason == state.RetiredRejected {
		return "", conflict("completion for rejected lock %s", lockID)
	}

	amount := c.Amount
	if !amount.IsPositive() {
		switch {
		case active:
			amount = lock.Amount
		case hasReq:
			amount = req.RequestedAmount
		}
	}
	if amount.IsNegative() {
		return "", conflict("completion for %s has negative amount", code)
	}
	c.Amount = amount
	c.AuthorizationCode = code
	c.LockID = lockID

	changed := tx.AddConfirmation(model.MintConfirmation{
		AuthorizationCode: code,
		LockID:            lockID,
		PublicationCode:   c.PublicationCode,
		TxHash:            c.TxHash,
		BlockNumber:       c.BlockNumber,
		MintedAmount:      amount,
		MintedBy:          c.MintedBy,
		MintedAt:          c.MintedAt.UTC(),
		ContractAddress:   c.ContractAddress,
	})
	if lockID != "" {
		_, wasRetired := tx.Retired(lockID)
		if tx.RemoveLock(lockID, state.RetiredMinted) || !wasRetired {
			changed = true
		}
	}
	if hasReq {
		next := req
		advanceToMinted(&next, amount)
		confirmRemote(&next, d.Source, model.MintMinted)
		if next != req {
			tx.PutMintRequest(next)
			changed = true
		}
	}

	if changed {
		ac.record(model.EventMintCompleted, d.Source, d.Timestamp, c)
	}
	return code, nil
}

// lock.reserve.created carries no state of its own; it is audited and published once.
func (r *Reconciler) applyReserve(ac *applyCtx, d model.Delta) error {
	rs := *d.Reserve
	rs.LockID = clean(rs.LockID)
	tx := ac.tx
	if _, seen := r.seenReserves[rs.ID]; seen {
		return nil
	}
	_, active := tx.Lock(rs.LockID)
	_, retired := tx.Retired(rs.LockID)
	_, hasReq := tx.MintRequestByLock(rs.LockID)
	if !active && !retired && !hasReq {
		return conflict("reserve for unknown lock %s", rs.LockID)
	}
	r.seenReserves[rs.ID] = struct{}{}
	ac.record(model.EventLockReserve, d.Source, d.Timestamp, rs)
	return nil
}

// mint.requested inserts a request for a known lock; mint.approved and mint.rejected only
// move an existing request forward.
func (r *Reconciler) applyRequest(ac *applyCtx, d model.Delta) (string, error) {
	in := normalizeRequest(*d.Request)
	tx := ac.tx
	if in.AuthorizationCode == "" {
		return "", conflict("%s without authorization code", d.Type)
	}
	existing, ok := tx.MintRequest(in.AuthorizationCode)

	if d.Type == model.EventMintRequested {
		if !ok {
			lock, active := tx.Lock(in.LockID)
			if !active && in.LockID == "" {
				lock, active = findLockByCode(tx, in.AuthorizationCode)
			}
			_, retired := tx.Retired(in.LockID)
			if !active && !retired {
				return "", conflict("mint request %s references unknown lock %q", in.AuthorizationCode, in.LockID)
			}
			if active {
				in.LockID = lock.LockID
				if in.RequestedAmount.IsZero() {
					in.RequestedAmount = lock.Amount
				}
				if in.Beneficiary == "" {
					in.Beneficiary = lock.Beneficiary
				}
				if in.ExpiresAt.IsZero() {
					in.ExpiresAt = lock.Expiry
				}
			}
			tx.PutMintRequest(in)
			ac.record(model.EventMintRequested, d.Source, d.Timestamp, in)
			return in.AuthorizationCode, nil
		}
		next := existing
		if existing.ID == existing.AuthorizationCode && in.ID != in.AuthorizationCode {
			next.ID = in.ID
		}
		next.Status = model.MergeStatus(existing.Status, in.Status)
		if next != existing {
			tx.PutMintRequest(next)
			ac.record(model.EventMintRequested, d.Source, d.Timestamp, next)
		}
		return existing.AuthorizationCode, nil
	}

	if !ok {
		return "", conflict("%s for unknown request %s", d.Type, in.AuthorizationCode)
	}
	next := existing
	if model.Path(existing.Status, in.Status) != nil {
		next.Status = in.Status
		if in.RequestedAmount.IsPositive() && in.Status == model.MintApproved {
			next.RequestedAmount = in.RequestedAmount
		}
	}
	confirmRemote(&next, d.Source, in.Status)
	if next == existing {
		return existing.AuthorizationCode, nil
	}
	tx.PutMintRequest(next)
	ac.record(d.Type, d.Source, d.Timestamp, next)
	return existing.AuthorizationCode, nil
}

// advanceToMinted moves a request to minted. A pending request passes through an implicit
// approval of the minted amount first.
func advanceToMinted(req *model.MintRequest, amount decimal.Decimal) bool {
	steps := model.Path(req.Status, model.MintMinted)
	if steps == nil {
		return false
	}
	if steps[0] == model.MintApproved && amount.IsPositive() {
		req.RequestedAmount = amount
	}
	req.Status = model.MintMinted
	return true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
