package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"custody-mint-sync/internal/config"
	"custody-mint-sync/internal/model"
	"custody-mint-sync/internal/reconciler"
	"custody-mint-sync/internal/state"
)

var (
	// ErrPoll wraps every fetch failure. It is counted, never fatal.
	ErrPoll = errors.New("poller: fetch failed")
	// ErrPollInProgress is returned when a poll is requested while another is running.
	ErrPollInProgress = errors.New("poller: poll already in progress")
)

const (
	defaultInterval  = 5 * time.Second
	defaultMaxFactor = 6
)

// Source serves the full remote collections.
type Source interface {
	Locks(ctx context.Context) ([]model.LockNotification, error)
	MintRequests(ctx context.Context) ([]model.MintRequest, error)
	ExplorerEvents(ctx context.Context) ([]model.ExplorerEvent, error)
}

// Sink accepts fetched snapshots.
type Sink interface {
	Revision() uint64
	ApplySnapshot(ctx context.Context, snap model.Snapshot) (reconciler.SnapshotSummary, error)
}

// Options tune poller behaviour.
type Options struct {
	Config  config.PollerConfig
	Source  Source
	Sink    Sink
	Tracker *state.ConnectionTracker
	Now     func() time.Time
}

// Poller periodically pulls full snapshots as a fallback to the push channel. Repeated
// failures stretch the interval up to MaxInterval; one success restores it.
type Poller struct {
	opts   Options
	logger zerolog.Logger

	inFlight atomic.Bool

	mu        sync.Mutex
	base      time.Duration
	interval  time.Duration
	errors    int
	runCancel context.CancelFunc
	runDone   chan struct{}
}

// New constructs a Poller.
func New(opts Options, logger zerolog.Logger) *Poller {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Config.Interval <= 0 {
		opts.Config.Interval = defaultInterval
	}
	if opts.Config.MaxInterval < opts.Config.Interval {
		opts.Config.MaxInterval = opts.Config.Interval * defaultMaxFactor
	}
	if opts.Config.ErrorThreshold <= 0 {
		opts.Config.ErrorThreshold = 1
	}
	if opts.Tracker == nil {
		opts.Tracker = state.NewConnectionTracker()
	}
	return &Poller{
		opts:     opts,
		logger:   logger.With().Str("component", "poller").Logger(),
		base:     opts.Config.Interval,
		interval: opts.Config.Interval,
	}
}

// Interval returns the current, possibly degraded, poll interval.
func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// ConsecutiveErrors returns the failures since the last successful poll.
func (p *Poller) ConsecutiveErrors() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errors
}

// Start runs the loop in the background. interval overrides the configured base interval
// when positive. Calling Start on a running poller is a no-op.
func (p *Poller) Start(ctx context.Context, interval time.Duration) {
	p.mu.Lock()
	if p.runCancel != nil {
		p.mu.Unlock()
		return
	}
	if interval > 0 {
		p.base, p.interval = interval, interval
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.runCancel, p.runDone = cancel, done
	p.mu.Unlock()

	go func() {
		defer close(done)
		_ = p.Run(runCtx)
	}()
}

// Stop halts a loop started by Start and waits for it to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.runCancel, p.runDone
	p.runCancel, p.runDone = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run blocks, polling immediately and then once per interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.opts.Tracker.UpdatePoll(func(s *model.PollState) {
		s.Running = true
		s.Interval = p.Interval()
	})
	defer p.opts.Tracker.UpdatePoll(func(s *model.PollState) { s.Running = false })

	if d := p.opts.Config.StartupDelay; d > 0 {
		if err := wait(ctx, d); err != nil {
			return err
		}
	}

	for {
		if _, err := p.PollOnce(ctx); err != nil && !errors.Is(err, ErrPollInProgress) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn().Err(err).Int("consecutive_errors", p.ConsecutiveErrors()).
				Dur("interval", p.Interval()).Msg("poll failed")
		}

		next := p.Interval()
		p.logger.Debug().Dur("interval", next).Msg("waiting for next poll")
		if err := wait(ctx, next); err != nil {
			return err
		}
	}
}

// PollOnce fetches and applies one snapshot. Locks and requests are required; the explorer
// feed is best effort. A poll already in flight makes this return ErrPollInProgress.
func (p *Poller) PollOnce(ctx context.Context) (reconciler.SnapshotSummary, error) {
	if !p.inFlight.CompareAndSwap(false, true) {
		return reconciler.SnapshotSummary{}, ErrPollInProgress
	}
	defer p.inFlight.Store(false)

	// Captured before the fetch so local writes racing it win over the snapshot.
	base := p.opts.Sink.Revision()
	snap, err := p.fetch(ctx)
	if err != nil {
		p.recordFailure()
		return reconciler.SnapshotSummary{}, err
	}
	snap.BaseRevision = base

	sum, err := p.opts.Sink.ApplySnapshot(ctx, snap)
	if err != nil {
		return sum, fmt.Errorf("apply snapshot: %w", err)
	}
	p.recordSuccess()
	return sum, nil
}

func (p *Poller) fetch(ctx context.Context) (model.Snapshot, error) {
	fetchCtx := ctx
	if t := p.opts.Config.FetchTimeout; t > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	snap := model.Snapshot{Source: model.SourcePoller, FetchedAt: p.opts.Now().UTC()}
	var explorer []model.ExplorerEvent

	g, gctx := errgroup.WithContext(fetchCtx)
	g.Go(func() error {
		locks, err := p.opts.Source.Locks(gctx)
		if err != nil {
			return fmt.Errorf("%w: locks: %w", ErrPoll, err)
		}
		snap.Locks = nonNil(locks)
		return nil
	})
	g.Go(func() error {
		reqs, err := p.opts.Source.MintRequests(gctx)
		if err != nil {
			return fmt.Errorf("%w: mint requests: %w", ErrPoll, err)
		}
		snap.MintRequests = nonNil(reqs)
		return nil
	})
	g.Go(func() error {
		events, err := p.opts.Source.ExplorerEvents(gctx)
		if err != nil {
			p.logger.Debug().Err(err).Msg("explorer feed unavailable")
			return nil
		}
		explorer = nonNil(events)
		return nil
	})
	if err := g.Wait(); err != nil {
		return model.Snapshot{}, err
	}
	snap.ExplorerEvents = explorer
	return snap, nil
}

func (p *Poller) recordFailure() {
	p.mu.Lock()
	p.errors++
	if p.errors%p.opts.Config.ErrorThreshold == 0 {
		p.interval *= 2
		if p.interval > p.opts.Config.MaxInterval {
			p.interval = p.opts.Config.MaxInterval
		}
	}
	errs, interval := p.errors, p.interval
	p.mu.Unlock()

	p.opts.Tracker.UpdatePoll(func(s *model.PollState) {
		s.Connected = false
		s.ConsecutiveErrors = errs
		s.Interval = interval
	})
}

func (p *Poller) recordSuccess() {
	p.mu.Lock()
	if p.errors > 0 || p.interval != p.base {
		p.logger.Info().Int("after_errors", p.errors).Dur("interval", p.base).Msg("poller recovered")
	}
	p.errors = 0
	p.interval = p.base
	interval := p.interval
	p.mu.Unlock()

	now := p.opts.Now().UTC()
	p.opts.Tracker.UpdatePoll(func(s *model.PollState) {
		s.Connected = true
		s.LastSuccess = now
		s.ConsecutiveErrors = 0
		s.Interval = interval
	})
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
