package fence

import (
	"context"
	"testing"
	"time"

	"github.com/bins-dev/pve-ha-manager/pkg/env"
	"github.com/bins-dev/pve-ha-manager/pkg/env/simenv"
	"github.com/bins-dev/pve-ha-manager/pkg/nodestatus"
	"github.com/bins-dev/pve-ha-manager/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEnv(t *testing.T, nodes []string) (*simenv.Cluster, *simenv.Environment) {
	t.Helper()
	cluster := simenv.NewCluster(time.Unix(0, 0), nodes)
	e := simenv.NewEnvironment(cluster, nodes[0], zerolog.Nop())
	return cluster, e
}

func TestEnterSetsFenceStateAndNotifies(t *testing.T) {
	cluster, e := newTestEnv(t, []string{"pve1", "pve2"})
	tracker := nodestatus.New()
	orch := New(tracker)

	require.NoError(t, orch.Enter(context.Background(), e, "pve2", []string{"vm:100"}))

	assert.Equal(t, types.NodeFence, tracker.State("pve2"))
	notifications := cluster.Notifications()
	require.Len(t, notifications, 1)
	assert.Equal(t, env.NotifyFence, notifications[0].Kind)
	assert.Equal(t, "pve2", notifications[0].FailedNode)
}

func TestAttemptSuccessResolvesNodeToUnknown(t *testing.T) {
	cluster, e := newTestEnv(t, []string{"pve1", "pve2"})
	e2 := simenv.NewEnvironment(cluster, "pve2", zerolog.Nop())
	tracker := nodestatus.New()
	orch := New(tracker)
	orch.Enter(context.Background(), e, "pve2", nil)

	// pve2's own LRM holds its agent lock until it actually dies.
	_, err := e2.Locks().Acquire(context.Background(), "ha_agent_pve2_lock", 120*time.Second)
	require.NoError(t, err)

	// watchdog-mode fencing succeeds once the target's agent lock lease
	// has actually expired.
	cluster.Clock().Advance(200 * time.Second)

	ok, err := orch.Attempt(context.Background(), e, "pve2", nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.NodeUnknown, tracker.State("pve2"))

	notifications := cluster.Notifications()
	require.Len(t, notifications, 2)
	assert.Equal(t, env.NotifySucceed, notifications[1].Kind)
}

func TestAttemptFailureLeavesNodeInFenceState(t *testing.T) {
	cluster, e := newTestEnv(t, []string{"pve1", "pve2"})
	e2 := simenv.NewEnvironment(cluster, "pve2", zerolog.Nop())
	tracker := nodestatus.New()
	orch := New(tracker)
	orch.Enter(context.Background(), e, "pve2", nil)

	_, err := e2.Locks().Acquire(context.Background(), "ha_agent_pve2_lock", 120*time.Second)
	require.NoError(t, err)

	// Lease hasn't expired yet: fence attempt must fail.
	ok, err := orch.Attempt(context.Background(), e, "pve2", nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, types.NodeFence, tracker.State("pve2"))

	notifications := cluster.Notifications()
	require.Len(t, notifications, 2)
	assert.Equal(t, env.NotifyFailed, notifications[1].Kind)
}

func TestReadyForAttemptMirrorsTrackerDelay(t *testing.T) {
	tracker := nodestatus.New().WithDelays(60*time.Second, nodestatus.DefaultGoneDeleteAfter)
	orch := New(tracker)
	now := time.Unix(0, 0)

	tracker.Update(now, map[string]bool{"pve2": true}, nil)
	tracker.Update(now, map[string]bool{"pve2": false}, nil)

	assert.False(t, orch.ReadyForAttempt("pve2", now.Add(30*time.Second)))
	assert.True(t, orch.ReadyForAttempt("pve2", now.Add(61*time.Second)))
}
