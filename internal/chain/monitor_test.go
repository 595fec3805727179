package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custody-mint-sync/internal/config"
	"custody-mint-sync/internal/state"
)

type fakeBackend struct {
	mu       sync.Mutex
	chainID  int64
	height   uint64
	receipts map[common.Hash]*types.Receipt
	idCalls  int
	closed   bool
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idCalls++
	return big.NewInt(f.chainID), nil
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.height, nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[h]; ok {
		return r, nil
	}
	return nil, errors.New("not found")
}

func (f *fakeBackend) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeBackend) setHeight(h uint64) {
	f.mu.Lock()
	f.height = h
	f.mu.Unlock()
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestMonitorMissingConfig(t *testing.T) {
	m := New(Options{}, zerolog.Nop())
	assert.False(t, m.Enabled())
	_, err := m.Check(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = m.VerifyTx(context.Background(), "0x"+common.Hash{}.Hex()[2:])
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.NoError(t, m.Run(context.Background()))
}

func TestMonitorChainIDMismatch(t *testing.T) {
	tracker := state.NewConnectionTracker()
	m := New(Options{Config: config.ChainConfig{ChainID: 1}, Backend: &fakeBackend{chainID: 56}, Tracker: tracker}, zerolog.Nop())

	_, err := m.Check(context.Background())
	require.ErrorIs(t, err, ErrChainMismatch)
	chain := tracker.Snapshot().Chain
	assert.False(t, chain.Connected)
	assert.Equal(t, 1, chain.Errors)
}

func TestMonitorDetectsStaleHeight(t *testing.T) {
	c := &clock{t: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	backend := &fakeBackend{chainID: 1, height: 100}
	tracker := state.NewConnectionTracker()
	m := New(Options{
		Config:  config.ChainConfig{ChainID: 1, StaleAfter: time.Minute},
		Backend: backend,
		Tracker: tracker,
		Now:     c.now,
	}, zerolog.Nop())

	st, err := m.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Connected)
	assert.Equal(t, uint64(100), st.BlockNumber)
	assert.Equal(t, int64(1), st.ChainID)

	c.t = c.t.Add(2 * time.Minute)
	_, err = m.Check(context.Background())
	require.ErrorIs(t, err, ErrStale)
	assert.False(t, tracker.Snapshot().Chain.Connected)

	backend.setHeight(101)
	c.t = c.t.Add(time.Second)
	st, err = m.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(101), st.BlockNumber)
	assert.Zero(t, st.Errors)
	assert.True(t, tracker.Snapshot().Chain.Connected)
	assert.Equal(t, 1, backend.idCalls)
}

func TestVerifyTx(t *testing.T) {
	ok := common.HexToHash("0x01")
	reverted := common.HexToHash("0x02")
	backend := &fakeBackend{chainID: 1, receipts: map[common.Hash]*types.Receipt{
		ok:       {Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(4242)},
		reverted: {Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(4243)},
	}}
	m := New(Options{Backend: backend}, zerolog.Nop())

	block, err := m.VerifyTx(context.Background(), ok.Hex())
	require.NoError(t, err)
	assert.Equal(t, uint64(4242), block)

	_, err = m.VerifyTx(context.Background(), reverted.Hex())
	assert.ErrorIs(t, err, ErrTxFailed)

	_, err = m.VerifyTx(context.Background(), common.HexToHash("0x03").Hex())
	assert.Error(t, err)

	_, err = m.VerifyTx(context.Background(), "0xabc")
	assert.ErrorIs(t, err, ErrInvalidTxHash)

	m.Close()
	assert.True(t, backend.closed)
}
