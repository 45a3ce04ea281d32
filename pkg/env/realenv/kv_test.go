package realenv

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/bins-dev/pve-ha-manager/pkg/env"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *KVStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ha.db")
	store, err := OpenKVStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestKVStoreWriteRead(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, "manager_status", []byte(`{"master_node":"pve1"}`)))

	data, err := store.Read(ctx, "manager_status")
	require.NoError(t, err)
	assert.Equal(t, `{"master_node":"pve1"}`, string(data))
}

func TestKVStoreReadMissingIsErrNotExist(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Read(context.Background(), "manager_status")
	assert.ErrorIs(t, err, env.ErrNotExist)
}

func TestKVStoreAppendAndReadLines(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendLine(ctx, "crm_commands", "migrate vm:100 pve2"))
	require.NoError(t, store.AppendLine(ctx, "crm_commands", "stop vm:101 60"))

	lines, err := store.ReadLines(ctx, "crm_commands")
	require.NoError(t, err)
	assert.Equal(t, []string{"migrate vm:100 pve2", "stop vm:101 60"}, lines)
}

func TestLockManagerAcquireRefreshRelease(t *testing.T) {
	store := openTestStore(t)
	locks := NewLockManager(store.db)
	ctx := context.Background()

	handle, err := locks.Acquire(ctx, "ha_manager_lock", 120*time.Second)
	require.NoError(t, err)

	_, err = locks.Acquire(ctx, "ha_manager_lock", 120*time.Second)
	assert.ErrorIs(t, err, env.ErrLockHeld)

	require.NoError(t, handle.Refresh(ctx))
	require.NoError(t, handle.Release(ctx))

	handle2, err := locks.Acquire(ctx, "ha_manager_lock", 120*time.Second)
	assert.NoError(t, err)
	assert.NotNil(t, handle2)
}

func TestLockManagerStealFailsWhileHeld(t *testing.T) {
	store := openTestStore(t)
	locks := NewLockManager(store.db)
	ctx := context.Background()

	_, err := locks.Acquire(ctx, "ha_agent_pve1_lock", 120*time.Second)
	require.NoError(t, err)

	_, err = locks.Steal(ctx, "ha_agent_pve1_lock", 120*time.Second)
	assert.ErrorIs(t, err, env.ErrLockHeld)
}
