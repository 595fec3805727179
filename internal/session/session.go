package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"custody-mint-sync/internal/config"
	"custody-mint-sync/internal/model"
	"custody-mint-sync/internal/protocol"
	"custody-mint-sync/internal/state"
)

// ErrTransport wraps every connect, read, write and liveness failure. Transport errors are
// retried with backoff and never end the session loop.
var ErrTransport = errors.New("session: transport error")

// ErrNotConnected is returned by Send while no connection is established.
var ErrNotConnected = fmt.Errorf("%w: not connected", ErrTransport)

// State is the session phase.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Options configure a Session.
type Options struct {
	URL     string
	Config  config.SessionConfig
	Dialer  Dialer
	Tracker *state.ConnectionTracker
	Now     func() time.Time
	Rand    *rand.Rand
}

// Session keeps one push channel alive: dial with timeout, request a snapshot, heartbeat,
// and reconnect with backoff forever.
type Session struct {
	opts    Options
	logger  zerolog.Logger
	limiter *rate.Limiter
	kick    chan struct{}

	mu            sync.Mutex
	state         State
	attempts      int
	conn          Conn
	connCancel    context.CancelFunc
	runCancel     context.CancelFunc
	runDone       chan struct{}
	nextHandlerID int
	onMessage     map[int]func([]byte)
	onState       map[int]func(State)

	writeMu  sync.Mutex
	lastSeen atomic.Int64
}

// New constructs a session. It does not dial until Run or Connect.
func New(opts Options, logger zerolog.Logger) *Session {
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	limit := rate.Inf
	if opts.Config.MinDialInterval > 0 {
		limit = rate.Every(opts.Config.MinDialInterval)
	}
	return &Session{
		opts:      opts,
		logger:    logger.With().Str("component", "session").Str("endpoint", opts.URL).Logger(),
		limiter:   rate.NewLimiter(limit, 1),
		kick:      make(chan struct{}, 1),
		onMessage: make(map[int]func([]byte)),
		onState:   make(map[int]func(State)),
	}
}

// State returns the current phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns the consecutive failed dial count since the last successful connect.
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// OnMessage registers a handler for every application message (heartbeats excluded).
// Handlers run on the read goroutine and must not block.
func (s *Session) OnMessage(fn func([]byte)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextHandlerID
	s.nextHandlerID++
	s.onMessage[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.onMessage, id)
		s.mu.Unlock()
	}
}

// OnStateChange registers a handler called on every phase transition.
func (s *Session) OnStateChange(fn func(State)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextHandlerID
	s.nextHandlerID++
	s.onState[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.onState, id)
		s.mu.Unlock()
	}
}

// Connect starts the session loop in the background. It is a no-op while already running.
func (s *Session) Connect(ctx context.Context) {
	s.mu.Lock()
	if s.runCancel != nil {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.runCancel, s.runDone = cancel, done
	s.mu.Unlock()

	go func() {
		defer close(done)
		_ = s.Run(runCtx)
	}()
}

// Disconnect stops a loop started by Connect and waits for it to exit.
func (s *Session) Disconnect() {
	s.mu.Lock()
	cancel, done := s.runCancel, s.runDone
	s.runCancel, s.runDone = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// ForceReconnect drops the current connection, or cuts short a backoff wait, and dials
// again immediately with a fresh attempt counter.
func (s *Session) ForceReconnect() {
	s.mu.Lock()
	cancel := s.connCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Send writes one typed message on the live connection.
func (s *Session) Send(ctx context.Context, typ string, data any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return s.write(ctx, conn, typ, data)
}

// Run blocks until ctx is cancelled, keeping a connection open. It never gives up: after
// MaxAttempts consecutive failures it parks for the cooldown and starts counting again.
func (s *Session) Run(ctx context.Context) error {
	cfg := s.opts.Config
	defer s.setState(StateDisconnected)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		s.drainKick()
		s.setState(StateConnecting)

		conn, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			attempt++
			s.setAttempts(attempt)
			wait := NextDelay(cfg.Backoff, attempt-1, s.opts.Rand)
			if cfg.Backoff.MaxAttempts > 0 && attempt >= cfg.Backoff.MaxAttempts {
				wait = cfg.Backoff.Cooldown
				s.logger.Warn().Err(err).Int("attempts", attempt).Dur("cooldown", wait).Msg("reconnect attempts exhausted; cooling down")
				attempt = 0
			} else {
				s.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("push channel connect failed")
			}
			s.setState(StateReconnecting)
			if kicked, err := s.sleep(ctx, wait); err != nil {
				return nil
			} else if kicked {
				attempt = 0
				s.setAttempts(0)
			}
			continue
		}

		attempt = 0
		s.setAttempts(0)
		s.logger.Info().Msg("push channel connected")
		err = s.serve(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn().Err(err).Msg("push channel lost")
		s.setState(StateReconnecting)
		if s.drainKick() {
			continue
		}
		if _, err := s.sleep(ctx, NextDelay(cfg.Backoff, 0, s.opts.Rand)); err != nil {
			return nil
		}
	}
}

func (s *Session) dial(ctx context.Context) (Conn, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: throttle: %v", ErrTransport, err)
	}
	timeout := s.opts.Config.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := s.opts.Dialer.Dial(dialCtx, s.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %v", ErrTransport, err)
	}
	return conn, nil
}

// serve runs one connection until it fails, goes silent, or is dropped.
func (s *Session) serve(ctx context.Context, conn Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.conn, s.connCancel = conn, cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn, s.connCancel = nil, nil
		}
		s.mu.Unlock()
		_ = conn.Close()
	}()

	s.touch()
	s.setState(StateConnected)

	readErr := make(chan error, 1)
	go func() { readErr <- s.readLoop(connCtx, conn) }()

	if err := s.write(connCtx, conn, model.EventSyncRequest, nil); err != nil {
		cancel()
		<-readErr
		return err
	}

	heartbeat := s.opts.Config.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	deadAfter := s.opts.Config.DeadAfter
	if deadAfter <= 0 {
		deadAfter = 2*heartbeat + heartbeat/2
	}
	tick := heartbeat
	if deadAfter/4 < tick {
		tick = deadAfter / 4
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	lastPing := s.opts.Now()

	fail := func(err error) error {
		cancel()
		_ = conn.Close()
		<-readErr
		return err
	}
	for {
		select {
		case <-connCtx.Done():
			return fail(fmt.Errorf("%w: connection dropped", ErrTransport))
		case err := <-readErr:
			return err
		case <-ticker.C:
			now := s.opts.Now()
			if idle := now.Sub(s.seen()); idle > deadAfter {
				return fail(fmt.Errorf("%w: no message for %s", ErrTransport, idle.Round(time.Millisecond)))
			}
			if now.Sub(lastPing) >= heartbeat {
				lastPing = now
				if err := s.write(connCtx, conn, model.EventPing, nil); err != nil {
					return fail(err)
				}
			}
		}
	}
}

func (s *Session) readLoop(ctx context.Context, conn Conn) error {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("%w: read: %v", ErrTransport, err)
		}
		s.touch()

		var probe struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &probe) == nil {
			switch probe.Type {
			case model.EventPing:
				if err := s.write(ctx, conn, model.EventPong, nil); err != nil {
					return err
				}
				continue
			case model.EventPong:
				continue
			}
		}
		s.dispatch(data)
	}
}

func (s *Session) write(ctx context.Context, conn Conn, typ string, data any) error {
	payload, err := protocol.Encode(typ, data, s.opts.Now())
	if err != nil {
		return fmt.Errorf("encode %s: %w", typ, err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.Write(ctx, payload); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrTransport, typ, err)
	}
	return nil
}

func (s *Session) dispatch(data []byte) {
	s.mu.Lock()
	handlers := make([]func([]byte), 0, len(s.onMessage))
	for _, h := range s.onMessage {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h(data)
	}
}

func (s *Session) touch() {
	now := s.opts.Now()
	s.lastSeen.Store(now.UnixNano())
	if s.opts.Tracker != nil {
		s.opts.Tracker.UpdatePush(func(p *model.PushState) { p.LastMessage = now.UTC() })
	}
}

func (s *Session) seen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	if s.state == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	handlers := make([]func(State), 0, len(s.onState))
	for _, h := range s.onState {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	if s.opts.Tracker != nil {
		s.opts.Tracker.UpdatePush(func(p *model.PushState) {
			p.Phase = next.String()
			p.Connected = next == StateConnected
			p.Endpoint = s.opts.URL
		})
	}
	s.logger.Debug().Str("state", next.String()).Msg("session state changed")
	for _, h := range handlers {
		h(next)
	}
}

func (s *Session) setAttempts(n int) {
	s.mu.Lock()
	s.attempts = n
	s.mu.Unlock()
	if s.opts.Tracker != nil {
		s.opts.Tracker.UpdatePush(func(p *model.PushState) { p.ReconnectAttempts = n })
	}
}

func (s *Session) sleep(ctx context.Context, d time.Duration) (bool, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-s.kick:
		return true, nil
	case <-timer.C:
		return false, nil
	}
}

func (s *Session) drainKick() bool {
	select {
	case <-s.kick:
		return true
	default:
		return false
	}
}
