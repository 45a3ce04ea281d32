package nodestatus

import (
	"testing"
	"time"

	"github.com/bins-dev/pve-ha-manager/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestNewNodeGoesOnlineOnFirstObservation(t *testing.T) {
	tr := New()
	now := time.Unix(0, 0)

	states := tr.Update(now, map[string]bool{"pve1": true}, nil)
	assert.Equal(t, types.NodeOnline, states["pve1"])
}

func TestOnlineToMaintenanceOnMode(t *testing.T) {
	tr := New()
	now := time.Unix(0, 0)

	tr.Update(now, map[string]bool{"pve1": true}, nil)
	states := tr.Update(now, map[string]bool{"pve1": true}, map[string]types.LRMMode{"pve1": types.ModeMaintenance})

	assert.Equal(t, types.NodeMaintenance, states["pve1"])
}

func TestMaintenanceReturnsOnlineWhenModeLeaves(t *testing.T) {
	tr := New()
	now := time.Unix(0, 0)

	tr.Update(now, map[string]bool{"pve1": true}, nil)
	tr.Update(now, map[string]bool{"pve1": true}, map[string]types.LRMMode{"pve1": types.ModeMaintenance})
	states := tr.Update(now, map[string]bool{"pve1": true}, map[string]types.LRMMode{"pve1": types.ModeActive})

	assert.Equal(t, types.NodeOnline, states["pve1"])
}

func TestOnlineGoesUnknownWhenNotOnline(t *testing.T) {
	tr := New()
	now := time.Unix(0, 0)

	tr.Update(now, map[string]bool{"pve1": true}, nil)
	states := tr.Update(now, map[string]bool{"pve1": false}, nil)

	assert.Equal(t, types.NodeUnknown, states["pve1"])
}

func TestUnknownGoesGoneWhenDeletedFromMembership(t *testing.T) {
	tr := New()
	now := time.Unix(0, 0)

	tr.Update(now, map[string]bool{"pve1": true}, nil)
	tr.Update(now, map[string]bool{"pve1": false}, nil)
	states := tr.Update(now, map[string]bool{}, nil)

	assert.Equal(t, types.NodeGone, states["pve1"])
}

func TestGoneEntryDeletedAfterDelay(t *testing.T) {
	tr := New().WithDelays(DefaultOfflineDelay, 10*time.Second)
	now := time.Unix(0, 0)

	tr.Update(now, map[string]bool{"pve1": true}, nil)
	tr.Update(now, map[string]bool{"pve1": false}, nil)
	tr.Update(now, map[string]bool{}, nil)

	states := tr.Update(now.Add(11*time.Second), map[string]bool{}, nil)
	_, exists := states["pve1"]
	assert.False(t, exists)
}

func TestOfflineDelayedRequiresFullDelayElapsed(t *testing.T) {
	tr := New().WithDelays(60*time.Second, DefaultGoneDeleteAfter)
	start := time.Unix(0, 0)

	tr.Update(start, map[string]bool{"pve1": true}, nil)
	tr.Update(start, map[string]bool{"pve1": false}, nil)

	assert.False(t, tr.OfflineDelayed("pve1", start.Add(30*time.Second)))
	assert.True(t, tr.OfflineDelayed("pve1", start.Add(61*time.Second)))
}

func TestOnlineNodeIsNeverOfflineDelayed(t *testing.T) {
	tr := New()
	now := time.Unix(0, 0)
	tr.Update(now, map[string]bool{"pve1": true}, nil)

	assert.False(t, tr.OfflineDelayed("pve1", now.Add(time.Hour)))
}

func TestEnterFenceThenResolveFenceGoesUnknown(t *testing.T) {
	tr := New()
	now := time.Unix(0, 0)
	tr.Update(now, map[string]bool{"pve1": true}, nil)
	tr.Update(now, map[string]bool{"pve1": false}, nil)

	tr.EnterFence("pve1")
	assert.Equal(t, types.NodeFence, tr.State("pve1"))

	tr.ResolveFence("pve1")
	assert.Equal(t, types.NodeUnknown, tr.State("pve1"))
}

func TestGoneNodeReturnsWhenSeenOnlineAgain(t *testing.T) {
	tr := New()
	now := time.Unix(0, 0)
	tr.Update(now, map[string]bool{"pve1": true}, nil)
	tr.Update(now, map[string]bool{"pve1": false}, nil)
	tr.Update(now, map[string]bool{}, nil)

	states := tr.Update(now, map[string]bool{"pve1": true}, nil)
	assert.Equal(t, types.NodeOnline, states["pve1"])
}
