package lrm

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bins-dev/pve-ha-manager/pkg/env/simenv"
	"github.com/bins-dev/pve-ha-manager/pkg/registry"
	"github.com/bins-dev/pve-ha-manager/pkg/types"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeDriver is a minimal in-memory registry.Driver for exercising the
// dispatch loop without a real containerd/Lima backend.
type fakeDriver struct {
	mu        sync.Mutex
	running   map[string]bool
	existing  map[string]bool
	startErr  error
	stopErr   error
	migErr    error
	startCall int
	stopCall  int
	migCall   int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{running: make(map[string]bool), existing: make(map[string]bool)}
}

func (f *fakeDriver) VerifyName(name string) error { return nil }

func (f *fakeDriver) Exists(ctx context.Context, node, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.existing == nil || len(f.existing) == 0 {
		return true, nil
	}
	return f.existing[name], nil
}

func (f *fakeDriver) Start(ctx context.Context, node, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCall++
	if f.startErr != nil {
		return f.startErr
	}
	f.running[name] = true
	return nil
}

func (f *fakeDriver) Shutdown(ctx context.Context, node, name string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCall++
	if f.stopErr != nil {
		return f.stopErr
	}
	f.running[name] = false
	return nil
}

func (f *fakeDriver) Migrate(ctx context.Context, node, target, name string, online bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.migCall++
	return f.migErr
}

func (f *fakeDriver) CheckRunning(ctx context.Context, node, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[name], nil
}

func (f *fakeDriver) ConfigFile(node, name string) string { return "" }

func (f *fakeDriver) RemoveLocks(ctx context.Context, node, name string, locks []string) error {
	return nil
}

func (f *fakeDriver) GetStaticStats(node, name string) (float64, int64, bool) { return 0, 0, false }

func newHarness(t *testing.T, nodes []string, self string) (*simenv.Cluster, *Manager, *fakeDriver) {
	t.Helper()
	cluster := simenv.NewCluster(epoch, nodes)
	e := simenv.NewEnvironment(cluster, self, zerolog.Nop())
	reg := registry.New()
	drv := newFakeDriver()
	reg.Register("vm", drv)
	reg.Freeze()
	m := New(e, reg, Config{})
	return cluster, m, drv
}

func writeManagerStatus(t *testing.T, m *Manager, ms *types.ManagerStatus) {
	t.Helper()
	data, err := json.Marshal(ms)
	require.NoError(t, err)
	require.NoError(t, m.env.KV().Write(context.Background(), pathManagerStatus, data))
}

func readOwnLRMStatus(t *testing.T, m *Manager, node string) *types.LRMStatus {
	t.Helper()
	st, err := readLRMStatus(context.Background(), m.env.KV(), node)
	require.NoError(t, err)
	return st
}

func statusWithStarted(node string) *types.ManagerStatus {
	ms := types.NewManagerStatus()
	sid := types.NewServiceID("vm", "100")
	ms.ServiceStatus[sid] = types.ServiceStatus{
		State: types.StateStarted,
		Node:  node,
		UID:   "uid-1",
	}
	return ms
}

func TestTickStartsNotRunningService(t *testing.T) {
	_, m, drv := newHarness(t, []string{"pve1"}, "pve1")
	writeManagerStatus(t, m, statusWithStarted("pve1"))

	drained, err := m.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, drained) // still "started" -> not drained

	assert.Equal(t, 1, drv.startCall)
	st := readOwnLRMStatus(t, m, "pve1")
	assert.Equal(t, types.ExitSuccess, st.Results["uid-1"].ExitCode)
}

func TestTickSkipsStartWhenAlreadyRunning(t *testing.T) {
	_, m, drv := newHarness(t, []string{"pve1"}, "pve1")
	drv.running["100"] = true
	writeManagerStatus(t, m, statusWithStarted("pve1"))

	_, err := m.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, drv.startCall)
	st := readOwnLRMStatus(t, m, "pve1")
	assert.Equal(t, types.ExitSuccess, st.Results["uid-1"].ExitCode)
}

func TestTickReportsWrongNodeWhenNotConfigured(t *testing.T) {
	_, m, drv := newHarness(t, []string{"pve1"}, "pve1")
	drv.existing["999"] = true // "100" is absent -> Exists("100") is false
	ms := statusWithStarted("pve1")
	writeManagerStatus(t, m, ms)

	_, err := m.Tick(context.Background())
	require.NoError(t, err)

	st := readOwnLRMStatus(t, m, "pve1")
	assert.Equal(t, types.ExitWrongNode, st.Results["uid-1"].ExitCode)
	assert.Equal(t, 0, drv.startCall)
}

func TestTickStartFailureReportsExitError(t *testing.T) {
	_, m, drv := newHarness(t, []string{"pve1"}, "pve1")
	drv.startErr = assertError("boom")
	writeManagerStatus(t, m, statusWithStarted("pve1"))

	_, err := m.Tick(context.Background())
	require.NoError(t, err)

	st := readOwnLRMStatus(t, m, "pve1")
	assert.Equal(t, types.ExitError, st.Results["uid-1"].ExitCode)
}

func TestTickStopsRequestedStopService(t *testing.T) {
	_, m, drv := newHarness(t, []string{"pve1"}, "pve1")
	ms := types.NewManagerStatus()
	sid := types.NewServiceID("vm", "100")
	ms.ServiceStatus[sid] = types.ServiceStatus{State: types.StateRequestStop, Node: "pve1", UID: "uid-2"}
	writeManagerStatus(t, m, ms)

	drained, err := m.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, drained) // nothing left in "started"

	assert.Equal(t, 1, drv.stopCall)
	st := readOwnLRMStatus(t, m, "pve1")
	assert.Equal(t, types.ExitSuccess, st.Results["uid-2"].ExitCode)
}

func TestTickMigrateSourceCallsDriverMigrate(t *testing.T) {
	_, m, drv := newHarness(t, []string{"pve1", "pve2"}, "pve1")
	ms := types.NewManagerStatus()
	sid := types.NewServiceID("vm", "100")
	ms.ServiceStatus[sid] = types.ServiceStatus{State: types.StateMigrate, Node: "pve1", Target: "pve2", UID: "uid-3"}
	writeManagerStatus(t, m, ms)

	_, err := m.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, drv.migCall)
	st := readOwnLRMStatus(t, m, "pve1")
	assert.Equal(t, types.ExitSuccess, st.Results["uid-3"].ExitCode)
}

func TestTickRelocateSourceCallsShutdown(t *testing.T) {
	_, m, drv := newHarness(t, []string{"pve1", "pve2"}, "pve1")
	ms := types.NewManagerStatus()
	sid := types.NewServiceID("ct", "200") // unregistered type, different from the test vm fixture
	ms.ServiceStatus[sid] = types.ServiceStatus{State: types.StateRelocate, Node: "pve1", Target: "pve2", UID: "uid-4"}
	vmSid := types.NewServiceID("vm", "100")
	ms.ServiceStatus[vmSid] = types.ServiceStatus{State: types.StateRelocate, Node: "pve1", Target: "pve2", UID: "uid-5"}
	writeManagerStatus(t, m, ms)

	_, err := m.Tick(context.Background())
	require.NoError(t, err)

	// "ct:200" has no registered driver, so it is skipped entirely; only
	// the "vm:100" relocation dispatches a driver call.
	assert.Equal(t, 1, drv.stopCall)
	st := readOwnLRMStatus(t, m, "pve1")
	assert.Equal(t, types.ExitSuccess, st.Results["uid-5"].ExitCode)
	_, reportedCt := st.Results["uid-4"]
	assert.False(t, reportedCt)
}

func TestTickStartsRebalanceTargetOnTargetNode(t *testing.T) {
	// Scenario S3 (§8): request_start -> request_start_balance -> started on
	// the target node. sd.Node still names the stale/empty source while the
	// fresh start must land on sd.Target.
	_, m, drv := newHarness(t, []string{"pve1", "pve3"}, "pve3")
	ms := types.NewManagerStatus()
	sid := types.NewServiceID("vm", "100")
	ms.ServiceStatus[sid] = types.ServiceStatus{
		State:  types.StateRequestStartBalance,
		Node:   "pve1",
		Target: "pve3",
		UID:    "uid-6",
	}
	writeManagerStatus(t, m, ms)

	drained, err := m.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, drained) // not "started" yet, nothing owned here is

	assert.Equal(t, 1, drv.startCall)
	st := readOwnLRMStatus(t, m, "pve3")
	assert.Equal(t, types.ExitSuccess, st.Results["uid-6"].ExitCode)

	// pve1 has nothing to do: the task belongs to the target node, not the
	// stale source named in sd.Node.
	_, m1, drv1 := newHarness(t, []string{"pve1", "pve3"}, "pve1")
	writeManagerStatus(t, m1, ms)
	_, err = m1.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, drv1.startCall)
}

func TestTickIgnoresServiceOwnedByAnotherNode(t *testing.T) {
	_, m, drv := newHarness(t, []string{"pve1", "pve2"}, "pve1")
	writeManagerStatus(t, m, statusWithStarted("pve2"))

	_, err := m.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, drv.startCall)
	st := readOwnLRMStatus(t, m, "pve1")
	assert.Empty(t, st.Results)
}

func TestSelectModeHonoursMaintenanceRequest(t *testing.T) {
	_, m, _ := newHarness(t, []string{"pve1"}, "pve1")
	ms := types.NewManagerStatus()
	ms.NodeRequest["pve1"] = types.NodeRequest{Maintenance: true}

	assert.Equal(t, types.ModeMaintenance, m.selectMode(ms))
}

func TestSelectModeShutdownOverridesMaintenanceRequest(t *testing.T) {
	_, m, _ := newHarness(t, []string{"pve1"}, "pve1")
	m.Shutdown()
	ms := types.NewManagerStatus()
	ms.NodeRequest["pve1"] = types.NodeRequest{Maintenance: true}

	assert.Equal(t, types.ModeShutdown, m.selectMode(ms))
}

func TestShutdownDrainsRunningServiceThenFinishes(t *testing.T) {
	_, m, _ := newHarness(t, []string{"pve1"}, "pve1")
	writeManagerStatus(t, m, statusWithStarted("pve1"))
	m.Shutdown()

	// First tick: a "started" service is still owned (not yet stopped), so
	// Run should not consider the node drained; this also exercises
	// requestStopAll queuing the CRM stop command.
	drained, err := m.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, drained)

	lines, err := m.env.KV().ReadLines(context.Background(), "crm_commands")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "stop vm:100")

	// Simulate the CRM having consumed the command and moved the service
	// to request_stop, then to stopped once the LRM's own result lands.
	ms := types.NewManagerStatus()
	sid := types.NewServiceID("vm", "100")
	ms.ServiceStatus[sid] = types.ServiceStatus{State: types.StateStopped, Node: "pve1", UID: "uid-1"}
	writeManagerStatus(t, m, ms)

	drained, err = m.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, drained)
}

func TestRebootEntersRestartModeWithoutDraining(t *testing.T) {
	_, m, _ := newHarness(t, []string{"pve1"}, "pve1")
	writeManagerStatus(t, m, statusWithStarted("pve1"))
	m.Reboot()

	ms := types.NewManagerStatus()
	require.NoError(t, readRoundTrip(m, ms))
	assert.Equal(t, types.ModeRestart, m.selectMode(ms))
	assert.True(t, m.isRebooting())
}

func readRoundTrip(m *Manager, ms *types.ManagerStatus) error {
	loaded, err := readManagerStatus(context.Background(), m.env.KV())
	if err != nil {
		return err
	}
	*ms = *loaded
	return nil
}

type assertError string

func (e assertError) Error() string { return string(e) }
