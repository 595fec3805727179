package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custody-mint-sync/internal/config"
)

func exercisePort(t *testing.T, port Port) {
	t.Helper()
	ctx := context.Background()

	raw, err := port.Load(ctx, CollectionLocks)
	require.NoError(t, err)
	assert.Nil(t, raw)

	for _, c := range Collections {
		require.NoError(t, port.Save(ctx, c, []byte(`[{"id":"`+string(c)+`"}]`)))
	}
	require.NoError(t, port.Save(ctx, CollectionLocks, []byte(`[{"lockId":"L1"}]`)))

	raw, err = port.Load(ctx, CollectionLocks)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"lockId":"L1"}]`, string(raw))

	require.NoError(t, port.Clear(ctx, CollectionLocks))
	raw, err = port.Load(ctx, CollectionLocks)
	require.NoError(t, err)
	assert.Nil(t, raw)

	raw, err = port.Load(ctx, CollectionRejectedLocks)
	require.NoError(t, err)
	assert.NotNil(t, raw)

	require.NoError(t, port.Clear(ctx))
	for _, c := range Collections {
		raw, err = port.Load(ctx, c)
		require.NoError(t, err)
		assert.Nil(t, raw, "collection %s should be cleared", c)
	}
}

func TestMemoryPort(t *testing.T) {
	exercisePort(t, NewMemory("test"))
}

func TestMemoryClearLeavesForeignKeys(t *testing.T) {
	mem := NewMemory("mintsync")
	mem.Put("other-app:settings", []byte(`{}`))
	require.NoError(t, mem.Save(context.Background(), CollectionLocks, []byte(`[]`)))

	require.NoError(t, mem.Clear(context.Background()))
	assert.Equal(t, []string{"other-app:settings"}, mem.Keys())
}

func TestFilePort(t *testing.T) {
	port, err := NewFile(t.TempDir(), "test")
	require.NoError(t, err)
	exercisePort(t, port)
}

func TestFilePortLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	port, err := NewFile(dir, "")
	require.NoError(t, err)
	require.NoError(t, port.Save(context.Background(), CollectionAuditEvents, []byte(`[]`)))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "mintsync__audit_events.json", entries[0].Name())
}

func TestSQLitePort(t *testing.T) {
	port, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"), "test", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = port.Close() })
	exercisePort(t, port)
}

func TestSQLiteNamespacesAreIsolated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	a, err := OpenSQLite(ctx, path, "a", zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, a.Save(ctx, CollectionLocks, []byte(`["a"]`)))
	require.NoError(t, a.Close())

	b, err := OpenSQLite(ctx, path, "b", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	raw, err := b.Load(ctx, CollectionLocks)
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestPostgresPort(t *testing.T) {
	dsn := os.Getenv("MINTSYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MINTSYNC_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	port, err := Open(ctx, config.StorageConfig{Backend: "postgres", DSN: dsn, Namespace: "storage-test"}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = port.Close() })
	exercisePort(t, port)

	locker, ok := port.(AdvisoryLocker)
	require.True(t, ok)
	unlock, acquired, err := locker.TryAdvisoryLock(ctx, 424242)
	require.NoError(t, err)
	require.True(t, acquired)
	unlock()
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), config.StorageConfig{Backend: "redis"}, zerolog.Nop())
	assert.Error(t, err)
}

func TestErrorMatchesPersistence(t *testing.T) {
	err := wrap("save", "k", errors.New("disk full"))
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Contains(t, err.Error(), "disk full")
	assert.NoError(t, wrap("save", "k", nil))
}
