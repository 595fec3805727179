package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"custody-mint-sync/internal/config"
	"custody-mint-sync/internal/model"
	"custody-mint-sync/internal/state"
)

var (
	ErrNotConfigured = errors.New("chain: rpc url not configured")
	ErrChainMismatch = errors.New("chain: unexpected chain id")
	ErrStale         = errors.New("chain: block height not advancing")
	ErrInvalidTxHash = errors.New("chain: invalid transaction hash")
	ErrTxFailed      = errors.New("chain: transaction reverted")
)

const defaultTimeout = 10 * time.Second

// Backend is the subset of the RPC client the monitor needs. *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// Options parameterise the chain monitor.
type Options struct {
	Config  config.ChainConfig
	Tracker *state.ConnectionTracker
	// Backend replaces the dialled RPC client when set.
	Backend Backend
	Now     func() time.Time
}

// Monitor watches the settlement chain: it checks the chain id, follows the block height and
// verifies mint transaction receipts.
type Monitor struct {
	opts   Options
	logger zerolog.Logger

	clientMux sync.Mutex
	client    Backend
	verified  bool
	chainID   int64

	mu          sync.Mutex
	height      uint64
	lastAdvance time.Time
	errors      int
}

// New builds a monitor. Nothing is dialled until first use.
func New(opts Options, logger zerolog.Logger) *Monitor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Tracker == nil {
		opts.Tracker = state.NewConnectionTracker()
	}
	return &Monitor{
		opts:    opts,
		logger:  logger.With().Str("component", "chain_monitor").Logger(),
		client:  opts.Backend,
		chainID: opts.Config.ChainID,
	}
}

// Enabled reports whether an RPC endpoint is configured.
func (m *Monitor) Enabled() bool {
	return m.opts.Backend != nil || strings.TrimSpace(m.opts.Config.RPCURL) != ""
}

func (m *Monitor) timeout(ctx context.Context) (context.Context, context.CancelFunc) {
	t := m.opts.Config.RequestTimeout
	if t <= 0 {
		t = defaultTimeout
	}
	return context.WithTimeout(ctx, t)
}

// Check reads the current block height and updates the tracker. A height that has not moved
// for longer than StaleAfter is reported as ErrStale.
func (m *Monitor) Check(ctx context.Context) (model.ChainState, error) {
	ctx, cancel := m.timeout(ctx)
	defer cancel()

	st, err := m.check(ctx)
	m.mu.Lock()
	if err != nil {
		m.errors++
	} else {
		m.errors = 0
	}
	st.Errors = m.errors
	m.mu.Unlock()

	m.opts.Tracker.UpdateChain(func(c *model.ChainState) { *c = st })
	return st, err
}

func (m *Monitor) check(ctx context.Context) (model.ChainState, error) {
	st := model.ChainState{Endpoint: m.opts.Config.RPCURL}
	client, err := m.getClient(ctx)
	if err != nil {
		return st, err
	}
	id, err := m.verifyChainID(ctx, client)
	if err != nil {
		return st, err
	}
	st.ChainID = id

	height, err := client.BlockNumber(ctx)
	if err != nil {
		return st, fmt.Errorf("read block number: %w", err)
	}
	now := m.opts.Now().UTC()

	m.mu.Lock()
	if height > m.height || m.lastAdvance.IsZero() {
		m.height = height
		m.lastAdvance = now
	}
	st.BlockNumber = m.height
	st.LastBlock = m.lastAdvance
	m.mu.Unlock()

	if stale := m.opts.Config.StaleAfter; stale > 0 && now.Sub(st.LastBlock) > stale {
		return st, fmt.Errorf("%w: height %d unchanged since %s", ErrStale, st.BlockNumber, st.LastBlock.Format(time.RFC3339))
	}
	st.Connected = true
	return st, nil
}

// verifyChainID compares the RPC chain id with the configured one, once per client.
func (m *Monitor) verifyChainID(ctx context.Context, client Backend) (int64, error) {
	m.clientMux.Lock()
	done, known := m.verified, m.chainID
	m.clientMux.Unlock()
	if done {
		return known, nil
	}

	id, err := client.ChainID(ctx)
	if err != nil {
		return 0, fmt.Errorf("read chain id: %w", err)
	}
	if want := m.opts.Config.ChainID; want > 0 && id.Int64() != want {
		return id.Int64(), fmt.Errorf("%w: rpc reports %s, configured %d", ErrChainMismatch, id, want)
	}
	m.clientMux.Lock()
	m.verified = true
	m.chainID = id.Int64()
	m.clientMux.Unlock()
	return id.Int64(), nil
}

// VerifyTx looks the receipt up once and returns its block number when the transaction
// succeeded. A pending transaction has no receipt yet and fails verification.
func (m *Monitor) VerifyTx(ctx context.Context, txHash string) (uint64, error) {
	txHash = strings.TrimSpace(txHash)
	if !strings.HasPrefix(txHash, "0x") || len(txHash) != 2+2*common.HashLength {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTxHash, txHash)
	}
	ctx, cancel := m.timeout(ctx)
	defer cancel()

	client, err := m.getClient(ctx)
	if err != nil {
		return 0, err
	}
	receipt, err := client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return 0, fmt.Errorf("fetch receipt %s: %w", txHash, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return 0, fmt.Errorf("%w: %s", ErrTxFailed, txHash)
	}
	if receipt.BlockNumber == nil {
		return 0, nil
	}
	return receipt.BlockNumber.Uint64(), nil
}

// Run checks the chain every PollInterval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	if !m.Enabled() {
		return nil
	}
	interval := m.opts.Config.PollInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := m.Check(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn().Err(err).Msg("chain check failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close releases the RPC client.
func (m *Monitor) Close() {
	m.clientMux.Lock()
	defer m.clientMux.Unlock()
	if m.client != nil {
		m.client.Close()
		m.client = nil
	}
}

func (m *Monitor) getClient(ctx context.Context) (Backend, error) {
	m.clientMux.Lock()
	defer m.clientMux.Unlock()

	if m.client != nil {
		return m.client, nil
	}
	if strings.TrimSpace(m.opts.Config.RPCURL) == "" {
		return nil, ErrNotConfigured
	}
	client, err := ethclient.DialContext(ctx, m.opts.Config.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	m.client = client
	m.verified = false
	return client, nil
}

var _ Backend = (*ethclient.Client)(nil)
