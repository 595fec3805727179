package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custody-mint-sync/internal/model"
	"custody-mint-sync/internal/storage"
)

func newTestStore(t *testing.T, port storage.Port) *Store {
	t.Helper()
	return New(Options{Port: port, Retention: 3}, zerolog.Nop())
}

func lock(id, amount string) model.LockNotification {
	return model.LockNotification{
		LockID:            id,
		AuthorizationCode: "AUTH-" + id,
		Amount:            decimal.RequireFromString(amount),
		Currency:          "USD",
		Timestamp:         time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestUpdateAdvancesRevisionOnlyOnChange(t *testing.T) {
	s := newTestStore(t, nil)
	require.Equal(t, uint64(0), s.Revision())

	require.NoError(t, s.Update(func(tx *Tx) error { return nil }))
	assert.Equal(t, uint64(0), s.Revision())

	require.NoError(t, s.Update(func(tx *Tx) error {
		tx.PutLock(lock("L1", "10"))
		return nil
	}))
	assert.Equal(t, uint64(1), s.Revision())

	require.NoError(t, s.Update(func(tx *Tx) error {
		assert.Equal(t, uint64(1), tx.LockRevision("L1"))
		assert.Equal(t, uint64(2), tx.Revision())
		return nil
	}))
}

func TestUpdateReturnsCallbackError(t *testing.T) {
	s := newTestStore(t, nil)
	boom := errors.New("boom")
	err := s.Update(func(tx *Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestReadsReturnCopies(t *testing.T) {
	s := newTestStore(t, nil)
	l := lock("L1", "10")
	l.Signatures = []model.Signature{{Role: "DAES_APPROVER"}}
	require.NoError(t, s.Update(func(tx *Tx) error { tx.PutLock(l); return nil }))

	got := s.Locks()
	got[0].Signatures[0].Role = "tampered"
	again, ok := s.Lock("L1")
	require.True(t, ok)
	assert.Equal(t, "DAES_APPROVER", again.Signatures[0].Role)
}

func TestAuditIsMonotonicAndCapped(t *testing.T) {
	s := newTestStore(t, nil)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Update(func(tx *Tx) error {
		tx.AppendAudit(model.WebhookEvent{ID: "1", Timestamp: t0})
		tx.AppendAudit(model.WebhookEvent{ID: "2", Timestamp: t0.Add(-time.Minute)})
		tx.AppendAudit(model.WebhookEvent{ID: "3", Timestamp: t0.Add(time.Minute)})
		tx.AppendAudit(model.WebhookEvent{ID: "4", Timestamp: t0.Add(2 * time.Minute)})
		return nil
	}))

	events := s.AuditEvents(0)
	require.Len(t, events, 3)
	assert.Equal(t, "4", events[0].ID)
	assert.Equal(t, "2", events[2].ID)
	assert.Equal(t, t0, events[2].Timestamp)

	assert.Len(t, s.AuditEvents(1), 1)
}

func TestAddConfirmationAndRejectionAreIdempotent(t *testing.T) {
	s := newTestStore(t, nil)
	require.NoError(t, s.Update(func(tx *Tx) error {
		assert.True(t, tx.AddConfirmation(model.MintConfirmation{AuthorizationCode: "A"}))
		assert.False(t, tx.AddConfirmation(model.MintConfirmation{AuthorizationCode: "A"}))
		assert.True(t, tx.AddRejected(model.RejectedLock{LockNotification: lock("L2", "1")}))
		assert.False(t, tx.AddRejected(model.RejectedLock{LockNotification: lock("L2", "1")}))
		return nil
	}))
	assert.Len(t, s.CompletedMints(), 1)
	assert.Len(t, s.RejectedLocks(), 1)
}

func TestSaveLoadRoundTripRebuildsTombstones(t *testing.T) {
	ctx := context.Background()
	port := storage.NewMemory("test")
	s := newTestStore(t, port)
	require.NoError(t, s.Update(func(tx *Tx) error {
		tx.PutLock(lock("L1", "400"))
		tx.PutLock(lock("L3", "5"))
		tx.PutMintRequest(model.MintRequest{AuthorizationCode: "AUTH-L1", LockID: "L1", Status: model.MintApproved})
		tx.AddRejected(model.RejectedLock{LockNotification: lock("L2", "250"), Reason: "insufficient docs"})
		tx.AddConfirmation(model.MintConfirmation{AuthorizationCode: "AUTH-L3", LockID: "L3", MintedAmount: decimal.RequireFromString("5")})
		tx.AppendAudit(model.WebhookEvent{ID: "e1", Type: "lock.created"})
		return nil
	}))
	require.True(t, s.Dirty())
	require.NoError(t, s.Save(ctx))
	require.False(t, s.Dirty())

	restored := newTestStore(t, port)
	require.NoError(t, restored.Load(ctx))

	locks := restored.Locks()
	require.Len(t, locks, 1, "a lock that was already minted must not come back")
	assert.Equal(t, "L1", locks[0].LockID)
	assert.True(t, locks[0].Amount.Equal(decimal.RequireFromString("400")))

	reason, ok := restored.Retired("L2")
	assert.True(t, ok)
	assert.Equal(t, RetiredRejected, reason)
	reason, _ = restored.Retired("L3")
	assert.Equal(t, RetiredMinted, reason)

	assert.Equal(t, "insufficient docs", restored.RejectedLocks()[0].Reason)
	assert.Len(t, restored.AuditEvents(0), 1)

	stats := restored.Statistics()
	assert.Equal(t, 1, stats.ApprovedMints)
	assert.True(t, stats.TotalVolume.Equal(decimal.RequireFromString("5")))
}

func TestLoadRebuildsConsumedTombstones(t *testing.T) {
	ctx := context.Background()
	port := storage.NewMemory("test")
	s := newTestStore(t, port)
	require.NoError(t, s.Update(func(tx *Tx) error {
		tx.PutLock(lock("L1", "1000"))
		tx.PutLock(lock("L2", "600"))
		tx.PutMintRequest(model.MintRequest{AuthorizationCode: "AUTH-L1", LockID: "L1", Status: model.MintApproved})
		tx.PutMintRequest(model.MintRequest{AuthorizationCode: "AUTH-L2", LockID: "L2", Status: model.MintApproved})
		tx.PutMintRequest(model.MintRequest{AuthorizationCode: "AUTH-L4", LockID: "L4", Status: model.MintPending})
		return nil
	}))
	require.NoError(t, s.Update(func(tx *Tx) error {
		assert.True(t, tx.RemoveLock("L1", RetiredConsumed))
		return nil
	}))
	require.NoError(t, s.Save(ctx))

	restored := newTestStore(t, port)
	require.NoError(t, restored.Load(ctx))

	reason, ok := restored.Retired("L1")
	require.True(t, ok, "a fully approved lock stays consumed after restart")
	assert.Equal(t, RetiredConsumed, reason)
	_, ok = restored.Retired("L2")
	assert.False(t, ok, "a partially approved lock is still active")
	_, ok = restored.Retired("L4")
	assert.False(t, ok, "a pending request leaves no tombstone")
}

func TestRemoveLockKeepsLastKnownBody(t *testing.T) {
	s := newTestStore(t, nil)
	l := lock("L1", "250")
	l.Beneficiary = "0xbeneficiary"
	require.NoError(t, s.Update(func(tx *Tx) error { tx.PutLock(l); return nil }))
	require.NoError(t, s.Update(func(tx *Tx) error {
		_, ok := tx.LastKnownLock("L1")
		assert.False(t, ok, "an active lock has no retired body yet")
		tx.RemoveLock("L1", "")
		got, ok := tx.LastKnownLock("L1")
		require.True(t, ok)
		assert.Equal(t, "0xbeneficiary", got.Beneficiary)
		assert.True(t, got.Amount.Equal(decimal.RequireFromString("250")))

		tx.PutLock(l)
		_, ok = tx.LastKnownLock("L1")
		assert.False(t, ok, "re-adding the lock clears the retired body")
		return nil
	}))
}

func TestRetirementFor(t *testing.T) {
	assert.Equal(t, RetiredConsumed, RetirementFor(model.MintApproved))
	assert.Equal(t, RetiredRejected, RetirementFor(model.MintRejected))
	assert.Equal(t, RetiredMinted, RetirementFor(model.MintMinted))
	assert.Empty(t, RetirementFor(model.MintPending))
}

type failingPort struct {
	storage.Port
	fail bool
}

func (f *failingPort) Save(ctx context.Context, c storage.Collection, data []byte) error {
	if f.fail {
		return &storage.Error{Op: "save", Key: string(c), Err: errors.New("unavailable")}
	}
	return f.Port.Save(ctx, c, data)
}

func TestSaveFailureKeepsStateDirty(t *testing.T) {
	port := &failingPort{Port: storage.NewMemory("test"), fail: true}
	s := newTestStore(t, port)
	require.NoError(t, s.Update(func(tx *Tx) error { tx.PutLock(lock("L1", "1")); return nil }))

	err := s.Save(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrPersistence)
	assert.True(t, s.Dirty())
	assert.Len(t, s.Locks(), 1)

	port.fail = false
	require.NoError(t, s.Save(context.Background()))
	assert.False(t, s.Dirty())
}

func TestResetClearsMemoryAndPort(t *testing.T) {
	ctx := context.Background()
	port := storage.NewMemory("test")
	s := newTestStore(t, port)
	require.NoError(t, s.Update(func(tx *Tx) error {
		tx.PutLock(lock("L1", "1"))
		tx.AddRejected(model.RejectedLock{LockNotification: lock("L2", "1")})
		return nil
	}))
	require.NoError(t, s.Save(ctx))

	require.NoError(t, s.Reset(ctx))
	assert.Empty(t, s.Locks())
	assert.Empty(t, s.RejectedLocks())
	assert.Empty(t, port.Keys())
	_, retired := s.Retired("L2")
	assert.False(t, retired)
}

func TestRunFlusherFlushesOnShutdown(t *testing.T) {
	port := storage.NewMemory("test")
	s := newTestStore(t, port)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.RunFlusher(ctx, time.Hour)
		close(done)
	}()

	require.NoError(t, s.Update(func(tx *Tx) error { tx.PutLock(lock("L9", "9")); return nil }))
	cancel()
	<-done

	raw, err := port.Load(context.Background(), storage.CollectionLocks)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "L9")
}

func TestConnectionTrackerNotifiesOnlyOnChange(t *testing.T) {
	tr := NewConnectionTracker()
	var calls int
	stop := tr.OnChange(func(model.ConnectionState) { calls++ })

	tr.UpdatePush(func(p *model.PushState) { p.Connected = true })
	tr.UpdatePush(func(p *model.PushState) { p.Connected = true })
	assert.Equal(t, 1, calls)
	assert.True(t, tr.Snapshot().Live())

	stop()
	tr.UpdatePoll(func(p *model.PollState) { p.Connected = true })
	assert.Equal(t, 1, calls)
}
