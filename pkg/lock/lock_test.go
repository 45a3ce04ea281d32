package lock

import (
	"context"
	"testing"
	"time"

	"github.com/bins-dev/pve-ha-manager/pkg/env"
	"github.com/bins-dev/pve-ha-manager/pkg/env/simenv"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireFailsWhenNotQuorate(t *testing.T) {
	cluster := simenv.NewCluster(time.Unix(0, 0), []string{"pve1"})
	cluster.SetQuorate(false)
	e := simenv.NewEnvironment(cluster, "pve1", zerolog.Nop())

	_, err := Acquire(context.Background(), e, ManagerLockName)
	assert.ErrorIs(t, err, env.ErrNotQuorate)
}

func TestAcquireRefreshRoundTrip(t *testing.T) {
	cluster := simenv.NewCluster(time.Unix(0, 0), []string{"pve1"})
	e := simenv.NewEnvironment(cluster, "pve1", zerolog.Nop())
	ctx := context.Background()

	lease, err := Acquire(ctx, e, ManagerLockName)
	require.NoError(t, err)

	cluster.Clock().Advance(100 * time.Second)
	require.NoError(t, lease.Refresh(ctx))
}

func TestSecondAcquireFailsWhileHeld(t *testing.T) {
	cluster := simenv.NewCluster(time.Unix(0, 0), []string{"pve1", "pve2"})
	e1 := simenv.NewEnvironment(cluster, "pve1", zerolog.Nop())
	e2 := simenv.NewEnvironment(cluster, "pve2", zerolog.Nop())
	ctx := context.Background()

	_, err := Acquire(ctx, e1, ManagerLockName)
	require.NoError(t, err)

	_, err = Acquire(ctx, e2, ManagerLockName)
	assert.Error(t, err)
}

func TestAgentLockNameFormat(t *testing.T) {
	assert.Equal(t, "ha_agent_pve1_lock", AgentLockName("pve1"))
}
