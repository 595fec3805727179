package reconciler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custody-mint-sync/internal/eventbus"
	"custody-mint-sync/internal/model"
	"custody-mint-sync/internal/state"
)

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store  *state.Store
	rec    *Reconciler
	events []eventbus.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{}
	bus := eventbus.New(zerolog.Nop())
	bus.Subscribe(func(ev eventbus.Event) { f.events = append(f.events, ev) })
	f.store = state.New(state.Options{}, zerolog.Nop())
	f.rec = New(f.store, bus, Options{Now: func() time.Time { return t0 }}, zerolog.Nop())
	return f
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func lockDelta(id, amount string) model.Delta {
	return model.Delta{
		Type:   model.EventLockCreated,
		Source: model.SourceTreasury,
		Lock: &model.LockNotification{
			LockID:            id,
			AuthorizationCode: "AUTH-" + id,
			Amount:            dec(amount),
			Currency:          "USD",
			Beneficiary:       "0xbeneficiary",
			Timestamp:         t0,
			Expiry:            t0.Add(24 * time.Hour),
		},
	}
}

func approvalDelta(id, original, approved string) model.Delta {
	return model.Delta{
		Type:   model.EventLockApproved,
		Source: model.SourcePlatform,
		Approval: &model.Approval{
			LockID:            id,
			AuthorizationCode: "AUTH-" + id,
			OriginalAmount:    dec(original),
			ApprovedAmount:    dec(approved),
			RemainingAmount:   dec(original).Sub(dec(approved)),
			ApprovedBy:        "ops",
			ApprovedAt:        t0.Add(time.Minute),
		},
	}
}

func rejectionDelta(id, amount, reason string) model.Delta {
	return model.Delta{
		Type:   model.EventLockRejected,
		Source: model.SourcePlatform,
		Rejection: &model.Rejection{
			LockID:            id,
			AuthorizationCode: "AUTH-" + id,
			Amount:            dec(amount),
			RejectedBy:        "risk",
			RejectedAt:        t0.Add(2 * time.Minute),
			Reason:            reason,
		},
	}
}

func completionDelta(id, amount string) model.Delta {
	return model.Delta{
		Type:   model.EventMintCompleted,
		Source: model.SourcePlatform,
		Completion: &model.Completion{
			LockID:            id,
			AuthorizationCode: "AUTH-" + id,
			PublicationCode:   "PUB-" + id,
			Amount:            dec(amount),
			MintedBy:          "minter",
			MintedAt:          t0.Add(3 * time.Minute),
			TxHash:            "0xtx" + id,
			BlockNumber:       42,
			ContractAddress:   "0xcontract",
		},
	}
}

func mustApply(t *testing.T, f *fixture, d model.Delta) bool {
	t.Helper()
	changed, err := f.rec.Apply(context.Background(), d)
	require.NoError(t, err)
	return changed
}

// view renders the reconciled collections with canonical amounts so equal states compare
// equal regardless of decimal exponent.
func view(t *testing.T, s *state.Store) string {
	t.Helper()
	locks := s.Locks()
	for i := range locks {
		locks[i] = canonicalLock(locks[i])
	}
	reqs := s.MintRequests("")
	for i := range reqs {
		reqs[i] = canonicalRequest(reqs[i])
	}
	done := s.CompletedMints()
	for i := range done {
		done[i].MintedAmount = canonicalAmount(done[i].MintedAmount)
	}
	rejected := s.RejectedLocks()
	for i := range rejected {
		rejected[i].LockNotification = canonicalLock(rejected[i].LockNotification)
	}
	raw, err := json.Marshal(map[string]any{
		"locks": locks, "requests": reqs, "completed": done, "rejected": rejected,
	})
	require.NoError(t, err)
	return string(raw)
}

func TestWorkflowScenario(t *testing.T) {
	f := newFixture(t)
	mustApply(t, f, lockDelta("L1", "1000.00"))
	mustApply(t, f, lockDelta("L2", "250.00"))

	mustApply(t, f, approvalDelta("L1", "1000.00", "600.00"))
	l1, ok := f.store.Lock("L1")
	require.True(t, ok)
	assert.Equal(t, "400.00", l1.Amount.StringFixed(2))
	req, ok := f.store.MintRequest("AUTH-L1")
	require.True(t, ok)
	assert.Equal(t, model.MintApproved, req.Status)
	assert.Equal(t, "600.00", req.RequestedAmount.StringFixed(2))

	mustApply(t, f, rejectionDelta("L2", "250.00", "Source of funds not verified"))
	_, active := f.store.Lock("L2")
	assert.False(t, active)
	rejected := f.store.RejectedLocks()
	require.Len(t, rejected, 1)
	assert.Equal(t, "L2", rejected[0].LockID)
	assert.Equal(t, "Source of funds not verified", rejected[0].Reason)
	assert.Equal(t, "250.00", rejected[0].Amount.StringFixed(2))
	req2, _ := f.store.MintRequest("AUTH-L2")
	assert.Equal(t, model.MintRejected, req2.Status)

	mustApply(t, f, completionDelta("L1", "400.00"))
	done := f.store.CompletedMints()
	require.Len(t, done, 1)
	assert.Equal(t, "400.00", done[0].MintedAmount.StringFixed(2))
	assert.Equal(t, "AUTH-L1", done[0].AuthorizationCode)
	_, active = f.store.Lock("L1")
	assert.False(t, active)
	req, _ = f.store.MintRequest("AUTH-L1")
	assert.Equal(t, model.MintMinted, req.Status)

	stats := f.store.Statistics()
	assert.Equal(t, 0, stats.PendingLocks)
	assert.Equal(t, 1, stats.CompletedMints)
	assert.Equal(t, 1, stats.RejectedLocks)
	assert.Equal(t, "400.00", stats.TotalVolume.StringFixed(2))
}

func TestApplyIsIdempotent(t *testing.T) {
	deltas := []model.Delta{
		lockDelta("L1", "1000"),
		approvalDelta("L1", "1000", "600"),
		completionDelta("L1", "400"),
		lockDelta("L2", "250"),
		rejectionDelta("L2", "250", "no"),
	}
	for _, d := range deltas {
		f := newFixture(t)
		for _, prior := range deltas {
			mustApply(t, f, prior)
			if prior.Type == d.Type && prior.Lock == d.Lock && prior.Approval == d.Approval &&
				prior.Completion == d.Completion && prior.Rejection == d.Rejection {
				break
			}
		}
		before := view(t, f.store)
		rev := f.store.Revision()
		published := len(f.events)
		audit := len(f.store.AuditEvents(0))

		assert.False(t, mustApply(t, f, d), "second %s must be a no-op", d.Type)
		assert.Equal(t, before, view(t, f.store))
		assert.Equal(t, rev, f.store.Revision())
		assert.Equal(t, published, len(f.events), "no-op must not publish")
		assert.Equal(t, audit, len(f.store.AuditEvents(0)))
	}
}

func TestEveryChangePublishesOnce(t *testing.T) {
	f := newFixture(t)
	mustApply(t, f, lockDelta("L1", "10"))
	require.Len(t, f.events, 1)
	assert.Equal(t, model.EventLockCreated, f.events[0].Type)
	assert.Equal(t, uint64(1), f.events[0].Revision)
	assert.Len(t, f.store.AuditEvents(0), 1)
}

// serverSnapshot is the remote view after a change to L1: the lock as listed (nil when the
// server dropped it) and the request in the given status.
func serverSnapshot(base uint64, lock *model.LockNotification, status model.MintStatus, amount string) model.Snapshot {
	snap := model.Snapshot{
		Source:       model.SourcePoller,
		BaseRevision: base,
		Locks:        []model.LockNotification{},
		MintRequests: []model.MintRequest{{
			ID:                "srv-1",
			AuthorizationCode: "AUTH-L1",
			LockID:            "L1",
			RequestedAmount:   dec(amount),
			TokenSymbol:       "VUSD",
			Beneficiary:       "0xbeneficiary",
			Status:            status,
			CreatedAt:         t0,
			ExpiresAt:         t0.Add(24 * time.Hour),
		}},
	}
	if lock != nil {
		snap.Locks = append(snap.Locks, *lock)
	}
	return snap
}

func TestPushAndSnapshotConvergeInEitherOrder(t *testing.T) {
	cases := []struct {
		name    string
		delta   model.Delta
		listed  *model.LockNotification
		status  model.MintStatus
		amount  string
		active  int
		retired string
	}{
		{
			name:    "full approval",
			delta:   approvalDelta("L1", "1000", "1000"),
			status:  model.MintApproved,
			amount:  "1000",
			retired: state.RetiredConsumed,
		},
		{
			name:   "partial approval",
			delta:  approvalDelta("L1", "1000", "600"),
			listed: lockDelta("L1", "400").Lock,
			status: model.MintApproved,
			amount: "600",
			active: 1,
		},
		{
			name:    "rejection",
			delta:   rejectionDelta("L1", "1000", "fraud"),
			status:  model.MintRejected,
			amount:  "1000",
			retired: state.RetiredRejected,
		},
		{
			name:    "completion",
			delta:   completionDelta("L1", "1000"),
			status:  model.MintMinted,
			amount:  "1000",
			retired: state.RetiredMinted,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()

			pushFirst := newFixture(t)
			mustApply(t, pushFirst, lockDelta("L1", "1000"))
			mustApply(t, pushFirst, tc.delta)
			_, err := pushFirst.rec.ApplySnapshot(ctx, serverSnapshot(pushFirst.rec.Revision(), tc.listed, tc.status, tc.amount))
			require.NoError(t, err)

			pollFirst := newFixture(t)
			mustApply(t, pollFirst, lockDelta("L1", "1000"))
			_, err = pollFirst.rec.ApplySnapshot(ctx, serverSnapshot(pollFirst.rec.Revision(), tc.listed, tc.status, tc.amount))
			require.NoError(t, err)
			mustApply(t, pollFirst, tc.delta)

			for _, f := range []*fixture{pushFirst, pollFirst} {
				assert.False(t, mustApply(t, f, lockDelta("L1", "1000")), "replayed lock.created must not change state")
				assert.Len(t, f.store.Locks(), tc.active)
				reason, _ := f.store.Retired("L1")
				assert.Equal(t, tc.retired, reason)
			}
			assert.Equal(t, view(t, pushFirst.store), view(t, pollFirst.store))

			req, ok := pollFirst.store.MintRequest("AUTH-L1")
			require.True(t, ok)
			assert.Equal(t, tc.status, req.Status)
		})
	}
}

func TestRejectionAfterSnapshotKeepsLockDetails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mustApply(t, f, lockDelta("L1", "1000"))
	_, err := f.rec.ApplySnapshot(ctx, serverSnapshot(f.rec.Revision(), nil, model.MintRejected, "1000"))
	require.NoError(t, err)
	require.Empty(t, f.store.Locks())

	mustApply(t, f, rejectionDelta("L1", "1000", "fraud"))
	rejected := f.store.RejectedLocks()
	require.Len(t, rejected, 1)
	assert.Equal(t, "0xbeneficiary", rejected[0].Beneficiary)
	assert.Equal(t, t0.Add(24*time.Hour), rejected[0].Expiry)
	assert.Equal(t, t0, rejected[0].Timestamp)
	assert.Equal(t, "fraud", rejected[0].Reason)
}

func TestFullApprovalRetiresLockDroppedWithoutStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mustApply(t, f, lockDelta("L1", "1000"))

	// The server stopped listing the lock before its request status caught up.
	sum, err := f.rec.ApplySnapshot(ctx, model.Snapshot{BaseRevision: f.rec.Revision(), Locks: []model.LockNotification{}})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.LocksRemoved)
	_, retired := f.store.Retired("L1")
	require.False(t, retired, "a pending lock is only dropped")

	assert.True(t, mustApply(t, f, approvalDelta("L1", "1000", "1000")))
	reason, retired := f.store.Retired("L1")
	require.True(t, retired)
	assert.Equal(t, state.RetiredConsumed, reason)
	assert.False(t, mustApply(t, f, lockDelta("L1", "1000")))
	assert.Empty(t, f.store.Locks())
}

func TestCompletingPendingRequestApprovesMintedAmount(t *testing.T) {
	f := newFixture(t)
	mustApply(t, f, lockDelta("L1", "1000"))
	mustApply(t, f, completionDelta("L1", "700"))

	req, ok := f.store.MintRequest("AUTH-L1")
	require.True(t, ok)
	assert.Equal(t, model.MintMinted, req.Status)
	assert.Equal(t, "700", req.RequestedAmount.String())
	require.Len(t, f.store.CompletedMints(), 1)
	assert.Empty(t, f.store.Locks())
}

func TestStaleSnapshotDoesNotOverrideNewerLocalState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mustApply(t, f, lockDelta("L1", "1000"))
	base := f.rec.Revision()

	// Push delivers the approval while the poll is in flight.
	mustApply(t, f, approvalDelta("L1", "1000", "600"))

	stale := model.Snapshot{
		Source:       model.SourcePoller,
		BaseRevision: base,
		Locks:        []model.LockNotification{*lockDelta("L1", "1000").Lock},
		MintRequests: []model.MintRequest{{AuthorizationCode: "AUTH-L1", LockID: "L1", RequestedAmount: dec("1000"), Status: model.MintPending}},
	}
	sum, err := f.rec.ApplySnapshot(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.LocksKept)

	l, _ := f.store.Lock("L1")
	assert.Equal(t, "400", l.Amount.String())
	req, _ := f.store.MintRequest("AUTH-L1")
	assert.Equal(t, model.MintApproved, req.Status)
}

func TestSnapshotNeverResurrectsRetiredLocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mustApply(t, f, lockDelta("L1", "100"))
	mustApply(t, f, lockDelta("L2", "250"))
	mustApply(t, f, completionDelta("L1", "100"))
	mustApply(t, f, rejectionDelta("L2", "250", "fraud"))

	// A snapshot taken long after still lists both locks as pending.
	snap := model.Snapshot{
		BaseRevision: f.rec.Revision(),
		Locks:        []model.LockNotification{*lockDelta("L1", "100").Lock, *lockDelta("L2", "250").Lock},
		MintRequests: []model.MintRequest{
			{AuthorizationCode: "AUTH-L1", LockID: "L1", Status: model.MintPending},
			{AuthorizationCode: "AUTH-L2", LockID: "L2", Status: model.MintPending},
		},
	}
	_, err := f.rec.ApplySnapshot(ctx, snap)
	require.NoError(t, err)

	assert.Empty(t, f.store.Locks())
	r1, _ := f.store.MintRequest("AUTH-L1")
	assert.Equal(t, model.MintMinted, r1.Status)
	r2, _ := f.store.MintRequest("AUTH-L2")
	assert.Equal(t, model.MintRejected, r2.Status)

	// Nor does a late lock.created.
	assert.False(t, mustApply(t, f, lockDelta("L2", "250")))
	assert.Empty(t, f.store.Locks())
}

func TestSnapshotReplacesUntouchedLocks(t *testing.T) {
	f := newFixture(t)
	mustApply(t, f, lockDelta("OLD", "5"))
	snap := model.Snapshot{
		BaseRevision: f.rec.Revision(),
		Locks:        []model.LockNotification{*lockDelta("NEW", "7").Lock},
	}
	sum, err := f.rec.ApplySnapshot(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.LocksAdded)
	assert.Equal(t, 1, sum.LocksRemoved)

	locks := f.store.Locks()
	require.Len(t, locks, 1)
	assert.Equal(t, "NEW", locks[0].LockID)
	_, ok := f.store.MintRequest("AUTH-NEW")
	assert.True(t, ok)

	published := len(f.events)
	sum, err = f.rec.ApplySnapshot(context.Background(), snap)
	require.NoError(t, err)
	assert.False(t, sum.changed())
	assert.Equal(t, published, len(f.events))
}

func TestConservation(t *testing.T) {
	f := newFixture(t)
	mustApply(t, f, lockDelta("L1", "100"))

	_, err := f.rec.Apply(context.Background(), approvalDelta("L1", "100", "150"))
	assert.ErrorIs(t, err, ErrConflict)

	neg := approvalDelta("L1", "100", "40")
	neg.Approval.RemainingAmount = dec("-1")
	_, err = f.rec.Apply(context.Background(), neg)
	assert.ErrorIs(t, err, ErrConflict)

	l, _ := f.store.Lock("L1")
	assert.Equal(t, "100", l.Amount.String())

	mustApply(t, f, approvalDelta("L1", "100", "100"))
	_, active := f.store.Lock("L1")
	assert.False(t, active)
	reason, _ := f.store.Retired("L1")
	assert.Equal(t, state.RetiredConsumed, reason)
}

func TestApprovalWithoutOriginalAppliesOnce(t *testing.T) {
	f := newFixture(t)
	mustApply(t, f, lockDelta("L1", "100"))
	d := approvalDelta("L1", "0", "30")
	d.Approval.OriginalAmount = decimal.Zero
	d.Approval.RemainingAmount = decimal.Zero

	assert.True(t, mustApply(t, f, d))
	assert.False(t, mustApply(t, f, d))
	l, _ := f.store.Lock("L1")
	assert.Equal(t, "70", l.Amount.String())
}

func TestStatusNeverMovesBackward(t *testing.T) {
	f := newFixture(t)
	mustApply(t, f, lockDelta("L1", "100"))
	mustApply(t, f, completionDelta("L1", "100"))

	back := model.Delta{Type: model.EventMintApproved, Source: model.SourcePlatform,
		Request: &model.MintRequest{AuthorizationCode: "AUTH-L1", Status: model.MintApproved}}
	assert.False(t, mustApply(t, f, back))

	_, err := f.rec.Apply(context.Background(), rejectionDelta("L1", "100", "late"))
	assert.ErrorIs(t, err, ErrConflict)

	req, _ := f.store.MintRequest("AUTH-L1")
	assert.Equal(t, model.MintMinted, req.Status)
}

func TestUnknownLockIsConflict(t *testing.T) {
	f := newFixture(t)
	_, err := f.rec.Apply(context.Background(), approvalDelta("GHOST", "10", "5"))
	assert.ErrorIs(t, err, ErrConflict)
	assert.Empty(t, f.events)

	_, err = f.rec.Apply(context.Background(), model.Delta{Type: model.EventMintRequested,
		Request: &model.MintRequest{AuthorizationCode: "AUTH-GHOST", LockID: "GHOST"}})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMintRequestedAdoptsRemoteID(t *testing.T) {
	f := newFixture(t)
	mustApply(t, f, lockDelta("L1", "10"))
	mustApply(t, f, model.Delta{Type: model.EventMintRequested, Source: model.SourceTreasury,
		Request: &model.MintRequest{ID: "srv-9", AuthorizationCode: "AUTH-L1"}})
	req, _ := f.store.MintRequest("AUTH-L1")
	assert.Equal(t, "srv-9", req.ID)
	assert.Equal(t, "10", req.RequestedAmount.String())
}

func TestLocalDecisionPendingUntilRemoteEcho(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mustApply(t, f, lockDelta("L1", "1000"))

	changed, err := f.rec.ApplyLocal(ctx, approvalDelta("L1", "1000", "600"), true)
	require.NoError(t, err)
	assert.True(t, changed)
	req, _ := f.store.MintRequest("AUTH-L1")
	assert.True(t, req.PendingConfirmation)
	assert.Equal(t, 1, f.store.Statistics().AwaitingRemote)

	// The platform's own push for the same approval confirms it.
	assert.True(t, mustApply(t, f, approvalDelta("L1", "1000", "600")))
	req, _ = f.store.MintRequest("AUTH-L1")
	assert.False(t, req.PendingConfirmation)
	l, _ := f.store.Lock("L1")
	assert.Equal(t, "400", l.Amount.String())
}

func TestConfirmClearsPendingFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mustApply(t, f, lockDelta("L1", "10"))
	_, err := f.rec.ApplyLocal(ctx, rejectionDelta("L1", "10", "docs"), true)
	require.NoError(t, err)

	changed, err := f.rec.Confirm(ctx, "AUTH-L1")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, model.EventMintConfirmed, f.events[len(f.events)-1].Type)

	changed, err = f.rec.Confirm(ctx, "AUTH-L1")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestSnapshotKeepsPendingFlagUntilRemoteCatchesUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mustApply(t, f, lockDelta("L1", "100"))
	_, err := f.rec.ApplyLocal(ctx, approvalDelta("L1", "100", "100"), true)
	require.NoError(t, err)

	lagging := model.Snapshot{
		BaseRevision: f.rec.Revision(),
		Locks:        []model.LockNotification{},
		MintRequests: []model.MintRequest{{AuthorizationCode: "AUTH-L1", LockID: "L1", RequestedAmount: dec("100"), Status: model.MintPending}},
	}
	_, err = f.rec.ApplySnapshot(ctx, lagging)
	require.NoError(t, err)
	req, _ := f.store.MintRequest("AUTH-L1")
	assert.Equal(t, model.MintApproved, req.Status)
	assert.True(t, req.PendingConfirmation)

	caughtUp := lagging
	caughtUp.BaseRevision = f.rec.Revision()
	caughtUp.MintRequests = []model.MintRequest{{AuthorizationCode: "AUTH-L1", LockID: "L1", RequestedAmount: dec("100"), Status: model.MintApproved}}
	_, err = f.rec.ApplySnapshot(ctx, caughtUp)
	require.NoError(t, err)
	req, _ = f.store.MintRequest("AUTH-L1")
	assert.False(t, req.PendingConfirmation)
}

func TestReserveIsPublishedOnce(t *testing.T) {
	f := newFixture(t)
	mustApply(t, f, lockDelta("L1", "10"))
	d := model.Delta{Type: model.EventLockReserve, Source: model.SourcePlatform,
		Reserve: &model.Reserve{ID: "R1", LockID: "L1", Amount: dec("5")}}
	assert.True(t, mustApply(t, f, d))
	assert.False(t, mustApply(t, f, d))
}

func TestResetClearsEverything(t *testing.T) {
	f := newFixture(t)
	mustApply(t, f, lockDelta("L1", "10"))
	mustApply(t, f, rejectionDelta("L1", "10", "x"))
	require.NoError(t, f.rec.Reset(context.Background(), model.SourceLocal))

	assert.Empty(t, f.store.RejectedLocks())
	assert.Empty(t, f.store.MintRequests(""))
	assert.Equal(t, model.EventStateReset, f.events[len(f.events)-1].Type)
	// The lock id is usable again after an explicit reset.
	assert.True(t, mustApply(t, f, lockDelta("L1", "10")))
}

func TestResetForgetsDedupeKeys(t *testing.T) {
	f := newFixture(t)
	reserve := model.Delta{Type: model.EventLockReserve, Source: model.SourcePlatform,
		Reserve: &model.Reserve{ID: "R1", LockID: "L1", Amount: dec("5")}}
	mustApply(t, f, lockDelta("L1", "10"))
	require.True(t, mustApply(t, f, reserve))
	require.False(t, mustApply(t, f, reserve))

	require.NoError(t, f.rec.Reset(context.Background(), model.SourceLocal))
	mustApply(t, f, lockDelta("L1", "10"))
	assert.True(t, mustApply(t, f, reserve), "a reserve seen before the reset is new again")
}
