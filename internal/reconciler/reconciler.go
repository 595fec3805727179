package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"custody-mint-sync/internal/eventbus"
	"custody-mint-sync/internal/model"
	"custody-mint-sync/internal/state"
)

// ErrConflict marks an event that cannot be applied: unknown lock, invalid amounts or an
// illegal status transition. Conflicts are dropped; the engine keeps running.
var ErrConflict = errors.New("reconciler: conflict")

// Publisher receives change notifications after the store lock is released.
type Publisher interface {
	Publish(ev eventbus.Event)
}

// AuditSigner signs audit payloads. Optional.
type AuditSigner interface {
	SignPayload(payload []byte) string
}

// Options configure a Reconciler.
type Options struct {
	Signer AuditSigner
	Now    func() time.Time
}

// Reconciler is the only writer of the state store. Deltas, snapshots and local decisions
// all enter through it and are applied under the store's single mutation path.
type Reconciler struct {
	store  *state.Store
	bus    Publisher
	opts   Options
	logger zerolog.Logger

	// guarded by the store's Update serialization
	seenReserves  map[string]struct{}
	seenApprovals map[string]struct{}
}

// New wires a reconciler to its store and bus.
func New(store *state.Store, bus Publisher, opts Options, logger zerolog.Logger) *Reconciler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reconciler{
		store:         store,
		bus:           bus,
		opts:          opts,
		logger:        logger.With().Str("component", "reconciler").Logger(),
		seenReserves:  make(map[string]struct{}),
		seenApprovals: make(map[string]struct{}),
	}
}

// Revision returns the store's logical clock.
func (r *Reconciler) Revision() uint64 { return r.store.Revision() }

// change is one applied effect, audited and published once the transaction commits.
type change struct {
	typ    string
	source string
	at     time.Time
	data   any
}

type applyCtx struct {
	tx      *state.Tx
	changes []change
}

func (a *applyCtx) record(typ, source string, at time.Time, data any) {
	a.changes = append(a.changes, change{typ: typ, source: source, at: at, data: data})
}

// Apply merges one incremental event. It reports whether anything changed; a duplicate or
// already-applied event returns false and publishes nothing.
func (r *Reconciler) Apply(ctx context.Context, d model.Delta) (bool, error) {
	return r.applyDelta(ctx, d, nil)
}

// ApplyLocal applies a locally made decision. When pending is true the affected request is
// flagged as awaiting remote confirmation.
func (r *Reconciler) ApplyLocal(ctx context.Context, d model.Delta, pending bool) (bool, error) {
	d.Source = model.SourceLocal
	return r.applyDelta(ctx, d, &pending)
}

func (r *Reconciler) applyDelta(ctx context.Context, d model.Delta, pending *bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = r.opts.Now().UTC()
	}

	var (
		ac  applyCtx
		rev uint64
	)
	err := r.store.Update(func(tx *state.Tx) error {
		ac.tx = tx
		code, err := r.dispatch(&ac, d)
		if err != nil {
			return err
		}
		if pending != nil && code != "" {
			r.setPending(&ac, code, *pending, d)
		}
		if len(ac.changes) > 0 {
			r.appendAudit(tx, ac.changes)
		}
		rev = tx.Revision()
		return nil
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("event_type", d.Type).Str("source", d.Source).Msg("event dropped")
		return false, err
	}
	r.publish(rev, ac.changes)
	return len(ac.changes) > 0, nil
}

func (r *Reconciler) dispatch(ac *applyCtx, d model.Delta) (string, error) {
	switch {
	case d.Lock != nil:
		return r.applyLockCreated(ac, d)
	case d.Approval != nil:
		return r.applyApproval(ac, d)
	case d.Rejection != nil:
		return r.applyRejection(ac, d)
	case d.Completion != nil:
		return r.applyCompletion(ac, d)
	case d.Reserve != nil:
		return "", r.applyReserve(ac, d)
	case d.Request != nil:
		return r.applyRequest(ac, d)
	default:
		return "", fmt.Errorf("%w: %s event without payload", ErrConflict, d.Type)
	}
}

func (r *Reconciler) setPending(ac *applyCtx, code string, pending bool, d model.Delta) {
	req, ok := ac.tx.MintRequest(code)
	if !ok || req.PendingConfirmation == pending {
		return
	}
	req.PendingConfirmation = pending
	ac.tx.PutMintRequest(req)
	if len(ac.changes) == 0 {
		ac.record(d.Type, d.Source, d.Timestamp, req)
	}
}

// Confirm clears the pending-confirmation flag of a request.
func (r *Reconciler) Confirm(ctx context.Context, code string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var (
		ac  applyCtx
		rev uint64
	)
	err := r.store.Update(func(tx *state.Tx) error {
		ac.tx = tx
		req, ok := tx.MintRequest(code)
		if !ok {
			return fmt.Errorf("%w: confirm unknown request %s", ErrConflict, code)
		}
		if !req.PendingConfirmation {
			return nil
		}
		req.PendingConfirmation = false
		tx.PutMintRequest(req)
		ac.record(model.EventMintConfirmed, model.SourceLocal, r.opts.Now().UTC(), req)
		r.appendAudit(tx, ac.changes)
		rev = tx.Revision()
		return nil
	})
	if err != nil {
		return false, err
	}
	r.publish(rev, ac.changes)
	return len(ac.changes) > 0, nil
}

// Reset clears local state, including persisted collections.
func (r *Reconciler) Reset(ctx context.Context, source string) error {
	// The dedupe keys are only touched inside Update, so they are cleared under the same lock.
	if err := r.store.Update(func(*state.Tx) error {
		r.seenReserves = make(map[string]struct{})
		r.seenApprovals = make(map[string]struct{})
		return nil
	}); err != nil {
		return fmt.Errorf("clear dedupe keys: %w", err)
	}
	if err := r.store.Reset(ctx); err != nil {
		return err
	}
	r.publish(r.store.Revision(), []change{{typ: model.EventStateReset, source: source, at: r.opts.Now().UTC()}})
	r.logger.Info().Str("source", source).Msg("state reset")
	return nil
}

func (r *Reconciler) appendAudit(tx *state.Tx, changes []change) {
	for i := range changes {
		c := &changes[i]
		payload, err := json.Marshal(c.data)
		if err != nil {
			payload = nil
		}
		var sig string
		if r.opts.Signer != nil && payload != nil {
			sig = r.opts.Signer.SignPayload(payload)
		}
		ev := tx.AppendAudit(model.WebhookEvent{
			ID:        uuid.NewString(),
			Type:      c.typ,
			Timestamp: c.at,
			Payload:   payload,
			Signature: sig,
			Source:    c.source,
		})
		c.at = ev.Timestamp
	}
}

func (r *Reconciler) publish(rev uint64, changes []change) {
	if r.bus == nil {
		return
	}
	for _, c := range changes {
		r.bus.Publish(eventbus.Event{
			ID:        uuid.NewString(),
			Type:      c.typ,
			Source:    c.source,
			Revision:  rev,
			Timestamp: c.at,
			Data:      c.data,
		})
	}
}
