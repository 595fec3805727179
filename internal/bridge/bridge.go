package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"custody-mint-sync/internal/chain"
	"custody-mint-sync/internal/config"
	"custody-mint-sync/internal/eventbus"
	"custody-mint-sync/internal/model"
	"custody-mint-sync/internal/notifier"
	"custody-mint-sync/internal/poller"
	"custody-mint-sync/internal/protocol"
	"custody-mint-sync/internal/reconciler"
	"custody-mint-sync/internal/remote"
	"custody-mint-sync/internal/session"
	"custody-mint-sync/internal/state"
	"custody-mint-sync/internal/storage"
	"custody-mint-sync/internal/version"
)

// ErrLocked is returned by Run when another engine instance owns the namespace.
var ErrLocked = errors.New("bridge: another instance holds the advisory lock")

// Remote is the HTTP surface the bridge consumes. *remote.Client implements it.
type Remote interface {
	poller.Source
	notifier.Transport
	CheckHealth(ctx context.Context) model.APIHealth
	SimulateLock(ctx context.Context) (model.LockNotification, error)
	ClearAll(ctx context.Context) error
}

// Options wire a Bridge. Only Config is required.
type Options struct {
	Config *config.Config
	Port   storage.Port
	Remote Remote
	Dialer session.Dialer
	Chain  chain.Backend
	Now    func() time.Time
}

// Bridge is the composition root of the engine: it owns the store and every loop that feeds
// it, and exposes the read and decision API to callers.
type Bridge struct {
	cfg    *config.Config
	logger zerolog.Logger
	now    func() time.Time

	port     storage.Port
	store    *state.Store
	bus      *eventbus.Bus
	tracker  *state.ConnectionTracker
	rec      *reconciler.Reconciler
	remote   Remote
	session  *session.Session
	poller   *poller.Poller
	notifier *notifier.Notifier
	chain    *chain.Monitor

	// revision at the moment the push channel last (re)connected; an initial_state answering
	// that connection's sync_request is newer than anything written before it.
	syncBase atomic.Uint64

	runMu  sync.Mutex
	runCtx context.Context
}

// New wires every component. Nothing runs until Run.
func New(opts Options, logger zerolog.Logger) (*Bridge, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("bridge: config is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Port == nil {
		opts.Port = storage.NewMemory(cfg.Storage.Namespace)
	}

	b := &Bridge{
		cfg:     cfg,
		logger:  logger.With().Str("component", "bridge").Logger(),
		now:     opts.Now,
		port:    opts.Port,
		tracker: state.NewConnectionTracker(),
		bus:     eventbus.New(logger),
		runCtx:  context.Background(),
	}
	b.store = state.New(state.Options{Port: opts.Port, Retention: cfg.Events.Retention, Now: opts.Now}, logger)

	var auditSigner reconciler.AuditSigner
	if ws := notifier.NewWebhookSigner(cfg.Notifier.WebhookSecret); ws != nil {
		auditSigner = ws
	}
	b.rec = reconciler.New(b.store, b.bus, reconciler.Options{Signer: auditSigner, Now: opts.Now}, logger)

	b.remote = opts.Remote
	if b.remote == nil {
		b.remote = remote.New(remote.Options{
			TreasuryURL: cfg.Remote.TreasuryURL,
			PlatformURL: cfg.Remote.PlatformURL,
			Timeout:     cfg.Remote.RequestTimeout,
			UserAgent:   cfg.Remote.UserAgent,
			Token:       cfg.Remote.APIToken,
			Sandbox:     cfg.Remote.Sandbox,
			Now:         opts.Now,
		}, logger)
	}

	if cfg.Session.Enabled {
		dialer := opts.Dialer
		if dialer == nil {
			dialer = session.WebsocketDialer{Header: b.pushHeader()}
		}
		b.session = session.New(session.Options{
			URL:     cfg.PushURL(),
			Config:  cfg.Session,
			Dialer:  dialer,
			Tracker: b.tracker,
			Now:     opts.Now,
		}, logger)
		b.session.OnMessage(b.handleMessage)
		b.session.OnStateChange(func(s session.State) {
			if s == session.StateConnected {
				b.syncBase.Store(b.rec.Revision())
			}
		})
	}

	b.poller = poller.New(poller.Options{
		Config:  cfg.Poller,
		Source:  b.remote,
		Sink:    b.rec,
		Tracker: b.tracker,
		Now:     opts.Now,
	}, logger)

	b.chain = chain.New(chain.Options{Config: cfg.Chain, Tracker: b.tracker, Backend: opts.Chain, Now: opts.Now}, logger)

	queue, err := newQueue(cfg.Notifier)
	if err != nil {
		return nil, err
	}
	signer, err := notifier.NewSigner(cfg.Notifier.SignerKey)
	if err != nil {
		return nil, err
	}
	var verifier notifier.ReceiptVerifier
	if cfg.Chain.VerifyMintTx && b.chain.Enabled() {
		verifier = b.chain
	}
	b.notifier, err = notifier.New(notifier.Options{
		Config:    cfg.Notifier,
		Transport: b.remote,
		Applier:   b.rec,
		Store:     b.store,
		Signer:    signer,
		Queue:     queue,
		Verifier:  verifier,
		Now:       opts.Now,
	}, logger)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func newQueue(cfg config.NotifierConfig) (notifier.Queue, error) {
	if cfg.QueuePath == "" {
		return notifier.NewMemoryQueue(), nil
	}
	return notifier.NewFileQueue(cfg.QueuePath)
}

func (b *Bridge) pushHeader() http.Header {
	h := http.Header{}
	ua := b.cfg.Remote.UserAgent
	if ua == "" {
		ua = version.UserAgent()
	}
	h.Set("User-Agent", ua)
	if b.cfg.Remote.APIToken != "" {
		h.Set("Authorization", "Bearer "+b.cfg.Remote.APIToken)
	}
	return h
}

// Load restores persisted state. Persistence failures are logged and the engine continues in
// memory.
func (b *Bridge) Load(ctx context.Context) {
	if err := b.store.Load(ctx); err != nil {
		b.logger.Error().Err(err).Msg("could not load persisted state; starting empty")
	}
}

// Run loads persisted state and supervises every loop until ctx is cancelled, then tears
// down: the session closes, timers stop and dirty state is flushed.
func (b *Bridge) Run(ctx context.Context) error {
	unlock, err := b.acquireLock(ctx)
	if err != nil {
		return err
	}
	if unlock != nil {
		defer unlock()
	}

	b.Load(ctx)

	g, gctx := errgroup.WithContext(ctx)
	b.runMu.Lock()
	b.runCtx = gctx
	b.runMu.Unlock()

	if b.session != nil {
		g.Go(func() error { return b.session.Run(gctx) })
	} else {
		b.logger.Info().Msg("push channel disabled")
	}
	if b.cfg.Poller.Enabled {
		g.Go(func() error { return b.poller.Run(gctx) })
	} else {
		b.logger.Info().Msg("poller disabled")
	}
	g.Go(func() error { return b.runHealth(gctx) })
	g.Go(func() error { return b.chain.Run(gctx) })
	g.Go(func() error { return b.notifier.RunRetries(gctx) })
	g.Go(func() error { return b.store.RunFlusher(gctx, b.cfg.Storage.FlushInterval) })

	b.logger.Info().Str("push_url", b.cfg.PushURL()).Bool("poller", b.cfg.Poller.Enabled).Msg("engine started")
	err = g.Wait()
	b.chain.Close()

	b.runMu.Lock()
	b.runCtx = context.Background()
	b.runMu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	b.logger.Info().Msg("engine stopped")
	return nil
}

func (b *Bridge) acquireLock(ctx context.Context) (func(), error) {
	key := b.cfg.Storage.AdvisoryLockKey
	locker, ok := b.port.(storage.AdvisoryLocker)
	if !ok || key == 0 {
		return nil, nil
	}
	unlock, acquired, err := locker.TryAdvisoryLock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, ErrLocked
	}
	return unlock, nil
}

func (b *Bridge) runHealth(ctx context.Context) error {
	interval := b.cfg.Health.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		b.CheckHealth(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// CheckHealth probes both upstream services and records the result.
func (b *Bridge) CheckHealth(ctx context.Context) model.APIHealth {
	h := b.remote.CheckHealth(ctx)
	b.tracker.UpdateAPI(func(a *model.APIHealth) { *a = h })
	return h
}

func (b *Bridge) context() context.Context {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	return b.runCtx
}

// handleMessage routes one push message into the reconciler.
func (b *Bridge) handleMessage(raw []byte) {
	ctx := b.context()
	msg, err := protocol.Decode(raw, model.SourcePlatform, b.now())
	if err != nil {
		b.logger.Warn().Err(err).Msg("dropping malformed push message")
		return
	}

	switch {
	case msg.Snapshot != nil:
		snap := *msg.Snapshot
		snap.BaseRevision = b.syncBase.Load()
		if _, err := b.rec.ApplySnapshot(ctx, snap); err != nil {
			b.logger.Warn().Err(err).Msg("initial state not applied")
		}
	case msg.Delta != nil:
		// Conflicts are logged by the reconciler and dropped.
		_, _ = b.rec.Apply(ctx, *msg.Delta)
	case msg.Type == model.EventSandboxReset:
		if err := b.rec.Reset(ctx, model.SourcePlatform); err != nil {
			b.logger.Error().Err(err).Msg("sandbox reset failed")
		}
	case msg.Type == model.EventAuthError:
		b.logger.Error().Str("message", msg.Text).Msg("push channel rejected credentials")
	case msg.Type == model.EventAuthenticated:
		b.logger.Info().Msg("push channel authenticated")
	default:
		b.logger.Debug().Str("type", msg.Type).Msg("ignoring push message")
	}
}

// Locks returns the active locks.
func (b *Bridge) Locks() []model.LockNotification { return b.store.Locks() }

// MintRequests returns requests with the given status, or all of them when status is empty.
func (b *Bridge) MintRequests(status model.MintStatus) []model.MintRequest {
	return b.store.MintRequests(status)
}

// CompletedMints returns every mint confirmation.
func (b *Bridge) CompletedMints() []model.MintConfirmation { return b.store.CompletedMints() }

// RejectedLocks returns every rejected lock.
func (b *Bridge) RejectedLocks() []model.RejectedLock { return b.store.RejectedLocks() }

// AuditEvents returns the newest audit entries; limit <= 0 uses events.read_limit.
func (b *Bridge) AuditEvents(limit int) []model.WebhookEvent {
	if limit <= 0 {
		limit = b.cfg.Events.ReadLimit
	}
	return b.store.AuditEvents(limit)
}

// ExplorerEvents returns the last polled explorer feed.
func (b *Bridge) ExplorerEvents() []model.ExplorerEvent { return b.store.ExplorerEvents() }

// Statistics summarises the mirrored workflow.
func (b *Bridge) Statistics() model.Statistics { return b.store.Statistics() }

// ConnectionStatus returns the transport view.
func (b *Bridge) ConnectionStatus() model.ConnectionState { return b.tracker.Snapshot() }

// OnConnectionChange registers fn for every connection state change.
func (b *Bridge) OnConnectionChange(fn func(model.ConnectionState)) func() {
	return b.tracker.OnChange(fn)
}

// Subscribe registers a synchronous handler. It must not block.
func (b *Bridge) Subscribe(h eventbus.Handler) func() {
	return b.bus.Subscribe(h)
}

// SubscribeAsync registers a handler that runs on its own goroutine so it never stalls
// reconciliation. The returned func unsubscribes and drains it.
func (b *Bridge) SubscribeAsync(h eventbus.Handler) func() {
	a := eventbus.NewAsync(h, b.logger)
	unsub := b.bus.Subscribe(a.Handle)
	return func() {
		unsub()
		a.Close()
	}
}

// ForceSync polls once immediately and asks the push channel for a fresh snapshot.
func (b *Bridge) ForceSync(ctx context.Context) (reconciler.SnapshotSummary, error) {
	if b.session != nil && b.session.State() == session.StateConnected {
		if err := b.session.Send(ctx, model.EventSyncRequest, nil); err != nil {
			b.logger.Debug().Err(err).Msg("sync_request not sent")
		}
	}
	return b.poller.PollOnce(ctx)
}

// ForceReconnect drops the push connection and dials again with a fresh attempt counter.
func (b *Bridge) ForceReconnect() {
	if b.session != nil {
		b.session.ForceReconnect()
	}
}

// ApproveLock approves all or part of a lock.
func (b *Bridge) ApproveLock(ctx context.Context, in notifier.ApproveInput) (notifier.Outcome, error) {
	return b.notifier.ApproveLock(ctx, in)
}

// RejectLock declines a lock.
func (b *Bridge) RejectLock(ctx context.Context, in notifier.RejectInput) (notifier.Outcome, error) {
	return b.notifier.RejectLock(ctx, in)
}

// CompleteMint records a finished mint.
func (b *Bridge) CompleteMint(ctx context.Context, in notifier.CompleteInput) (notifier.Outcome, error) {
	return b.notifier.CompleteMint(ctx, in)
}

// PendingNotifications lists decisions not yet acknowledged by the treasury.
func (b *Bridge) PendingNotifications() []notifier.Pending { return b.notifier.Pending() }

// RetryNotifications resends queued decisions once.
func (b *Bridge) RetryNotifications(ctx context.Context) (int, error) {
	return b.notifier.RetryPending(ctx)
}

// SimulateLock asks the sandbox platform for a test lock and applies it locally.
func (b *Bridge) SimulateLock(ctx context.Context) (model.LockNotification, error) {
	lock, err := b.remote.SimulateLock(ctx)
	if err != nil {
		return model.LockNotification{}, fmt.Errorf("simulate lock: %w", err)
	}
	if _, err := b.rec.Apply(ctx, model.Delta{
		Type:      model.EventLockCreated,
		Source:    model.SourcePlatform,
		Timestamp: b.now().UTC(),
		Lock:      &lock,
	}); err != nil {
		return lock, err
	}
	return lock, nil
}

// Reset clears all local collections, persisted copies included, and drops queued
// notifications. With remoteToo the sandbox services are wiped first.
func (b *Bridge) Reset(ctx context.Context, remoteToo bool) error {
	if remoteToo {
		if err := b.remote.ClearAll(ctx); err != nil {
			return fmt.Errorf("clear remote: %w", err)
		}
	}
	if err := b.rec.Reset(ctx, model.SourceLocal); err != nil {
		return err
	}
	if n := b.notifier.DropPending(); n > 0 {
		b.logger.Info().Int("dropped", n).Msg("queued notifications discarded by reset")
	}
	return nil
}

// Flush writes dirty state through the persistence port.
func (b *Bridge) Flush(ctx context.Context) error {
	return b.store.Save(ctx)
}
