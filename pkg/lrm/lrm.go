// Package lrm implements C8: the local resource manager loop. One Manager
// runs per node, holding that node's ha_agent_<node>_lock and driving the
// resource drivers for every service the CRM has currently assigned here
// (§4.8).
package lrm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bins-dev/pve-ha-manager/pkg/env"
	"github.com/bins-dev/pve-ha-manager/pkg/lock"
	"github.com/bins-dev/pve-ha-manager/pkg/metrics"
	"github.com/bins-dev/pve-ha-manager/pkg/registry"
	"github.com/bins-dev/pve-ha-manager/pkg/types"
)

// TickPeriod is the default LRM loop cadence, matching the CRM's (§9).
const TickPeriod = 10 * time.Second

// DefaultMaxWorkers bounds the worker pool when Config.MaxWorkers is unset
// (§4.8 "max_workers").
const DefaultMaxWorkers = 4

// DefaultStopTimeout is used for a request_stop with no CLI-supplied
// timeout override.
const DefaultStopTimeout = 60 * time.Second

const pathManagerStatus = "manager_status"

func pathLRMStatus(node string) string {
	return "lrm_status/" + node
}

// Config carries the options an operator can override; zero values take
// the documented defaults.
type Config struct {
	MaxWorkers int
	TickPeriod time.Duration
}

// Manager owns one node's LRM loop. Safe for concurrent use only through
// the exported Shutdown/Reboot calls; Run/Tick are meant for one goroutine.
type Manager struct {
	env      env.Environment
	registry *registry.Registry
	cfg      Config

	mu        sync.Mutex
	mode      types.LRMMode
	rebooting bool
}

// New builds a Manager bound to e. reg must already be frozen.
func New(e env.Environment, reg *registry.Registry, cfg Config) *Manager {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	if cfg.TickPeriod == 0 {
		cfg.TickPeriod = TickPeriod
	}
	return &Manager{env: e, registry: reg, cfg: cfg, mode: types.ModeActive}
}

// Shutdown requests a graceful drain: every locally-owned service is issued
// a CRM stop command and Run returns once they have all left "started"
// (§4.8 step 6, "on shutdown: stop all services, then exit").
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode != types.ModeRestart {
		m.mode = types.ModeShutdown
	}
}

// Reboot requests restart mode: the CRM freezes this node's services in
// place instead of relocating them (§4.8 step 6, "on reboot: enter restart
// mode"). Run keeps ticking — a reboot does not drain services, it just
// tells the CRM to leave them alone until this node comes back.
func (m *Manager) Reboot() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = types.ModeRestart
	m.rebooting = true
}

func (m *Manager) requestedMode() types.LRMMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

func (m *Manager) isRebooting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rebooting
}

// selectMode resolves this tick's reported mode (§4.8 step 3): an operator
// request (Shutdown/Reboot) always wins; otherwise an admin-enabled
// maintenance flag on NodeRequest; otherwise active.
func (m *Manager) selectMode(ms *types.ManagerStatus) types.LRMMode {
	switch requested := m.requestedMode(); requested {
	case types.ModeShutdown, types.ModeRestart:
		return requested
	default:
		if ms.NodeRequest[m.env.NodeID()].Maintenance {
			return types.ModeMaintenance
		}
		return types.ModeActive
	}
}

// Run drives the LRM loop until ctx is cancelled or a requested graceful
// shutdown finishes draining (§4.8 step 1 and step 6).
//
// Losing the agent lock mid-run is deliberately not treated as fatal: if
// this node still has a service running, disarming the watchdog here would
// let a stale LRM keep acting after another node's CRM has already started
// fencing it. Instead Run simply stops pinging and lets the hardware
// watchdog reboot the node (§7 "Self-fence").
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.TickPeriod)
	defer ticker.Stop()

	log := m.env.Log()
	lockName := lock.AgentLockName(m.env.NodeID())

	var lease *lock.Lease
	for {
		select {
		case <-ctx.Done():
			if lease != nil {
				_ = lease.Release(context.Background())
			}
			return ctx.Err()
		case <-ticker.C:
			if lease == nil {
				l, err := lock.Acquire(ctx, m.env, lockName)
				if err != nil {
					log.Debug().Err(err).Msg("lrm: cannot hold agent lock, retrying next tick")
					continue
				}
				lease = l
				log.Info().Msg("lrm: acquired agent lock")
			} else if err := lease.Refresh(ctx); err != nil {
				log.Warn().Err(err).Msg("lrm: lost agent lock, ceasing watchdog pings")
				lease = nil
				continue
			}

			drained, err := m.Tick(ctx)
			if err != nil {
				log.Error().Err(err).Msg("lrm: tick failed")
				continue
			}
			if drained && m.requestedMode() == types.ModeShutdown && !m.isRebooting() {
				log.Info().Msg("lrm: owned services drained, releasing agent lock")
				_ = m.env.Watchdog().CloseGraceful(ctx)
				if lease != nil {
					_ = lease.Release(ctx)
				}
				return nil
			}
		}
	}
}

// Tick runs exactly one LRM loop iteration (§4.8 steps 2-5), returning
// whether every locally-owned service has left "started" (used by Run to
// decide when a requested shutdown has finished draining).
func (m *Manager) Tick(ctx context.Context) (drained bool, err error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.LRMLoopDuration)

	log := m.env.Log()
	node := m.env.NodeID()

	// Step 2: refresh the watchdog before doing anything else, so a slow
	// iteration never starves it.
	if err := m.env.Watchdog().Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("lrm: watchdog ping failed")
	}

	ms, err := readManagerStatus(ctx, m.env.KV())
	if err != nil {
		return false, err
	}

	mode := m.selectMode(ms)

	st, err := readLRMStatus(ctx, m.env.KV(), node)
	if err != nil {
		return false, err
	}
	st.Mode = mode
	st.Timestamp = m.env.Now().Unix()

	owned := ownedTasks(ms, node)

	// Step 6 (shutdown half): ask the CRM to stop everything owned here.
	// The actual driver Shutdown call still goes through the normal
	// request_stop dispatch below once the CRM has staged it.
	if mode == types.ModeShutdown {
		if err := m.requestStopAll(ctx, owned); err != nil {
			log.Warn().Err(err).Msg("lrm: failed to queue shutdown stop commands")
		}
	}

	results := m.dispatch(ctx, owned, mode)
	for uid, code := range results {
		st.Results[uid] = types.LRMResult{ExitCode: code}
	}

	if err := writeLRMStatus(ctx, m.env.KV(), node, st); err != nil {
		return false, err
	}

	return allDrained(owned), nil
}

// task is one locally-owned service needing attention this tick.
type task struct {
	sid types.ServiceID
	sd  types.ServiceStatus
}

// ownedTasks selects every service this node must act on: started (ensure
// running), request_stop (stop), migrate/relocate (move, this node is the
// source), request_start_balance (rebalance start, this node is the
// *target* — sd.Node still names the old node while the fresh start runs
// on sd.Target, per nextStateRequestStart/§8 Scenario S3), and recovery
// (the CRM already reassigned sd.Node to this node in the same tick it
// completed recovery, so by the time the LRM sees it the service simply
// looks like "started" here) (§4.8 step 4).
func ownedTasks(ms *types.ManagerStatus, node string) []task {
	var out []task
	for _, sid := range ms.SortedServiceIDs() {
		sd := ms.ServiceStatus[sid]
		switch sd.State {
		case types.StateStarted, types.StateRequestStop, types.StateMigrate, types.StateRelocate:
			if sd.Node == node {
				out = append(out, task{sid: sid, sd: sd})
			}
		case types.StateRequestStartBalance:
			if sd.Target == node {
				out = append(out, task{sid: sid, sd: sd})
			}
		}
	}
	return out
}

// allDrained reports whether no owned task is still in "started" — the
// condition Run waits for before finishing a requested shutdown.
func allDrained(owned []task) bool {
	for _, t := range owned {
		if t.sd.State == types.StateStarted {
			return false
		}
	}
	return true
}

// requestStopAll queues a CRM "stop" command for every owned service still
// started, so the state machine moves it to request_stop on its own next
// pass rather than the LRM mutating ServiceStatus directly.
func (m *Manager) requestStopAll(ctx context.Context, owned []task) error {
	for _, t := range owned {
		if t.sd.State != types.StateStarted {
			continue
		}
		line := fmt.Sprintf("stop %s %d", t.sid, int(DefaultStopTimeout.Seconds()))
		if err := m.env.KV().AppendLine(ctx, "crm_commands", line); err != nil {
			return fmt.Errorf("lrm: queue stop for %s: %w", t.sid, err)
		}
	}
	return nil
}

// dispatch runs one driver call per task needing work, bounded to
// cfg.MaxWorkers concurrent goroutines. This generalises the teacher's
// worker-pool shape (pkg/worker: one goroutine per task, synchronized
// through a guarded map) to a semaphore-bounded pool, since §4.8 caps
// concurrent driver calls at max_workers where the teacher's pool does not
// bound itself at all.
func (m *Manager) dispatch(ctx context.Context, owned []task, mode types.LRMMode) map[string]types.ExitCode {
	results := make(map[string]types.ExitCode, len(owned))
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, m.cfg.MaxWorkers)

	for _, t := range owned {
		action, ok := m.actionFor(t, mode)
		if !ok {
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(t task, action func(context.Context) types.ExitCode) {
			defer wg.Done()
			defer func() { <-sem }()

			code := action(ctx)

			mu.Lock()
			results[t.sd.UID] = code
			mu.Unlock()
		}(t, action)
	}

	wg.Wait()
	return results
}

// actionFor resolves one task to the single driver call it requires, or
// ok=false if the service is already settled (no driver call needed this
// tick) or its type has no registered driver. Mode does not change which
// action is chosen: a service assigned here is kept running in
// maintenance mode too, and the CRM's placement does not exclude a
// maintenance-mode node (it passes every online node to the scheduler).
func (m *Manager) actionFor(t task, mode types.LRMMode) (action func(context.Context) types.ExitCode, ok bool) {
	log := m.env.Log()
	driver, err := m.registry.Lookup(t.sid)
	if err != nil {
		log.Warn().Err(err).Str("sid", string(t.sid)).Msg("lrm: no driver for service type")
		return nil, false
	}
	_, name, err := t.sid.Split()
	if err != nil {
		return nil, false
	}
	node := t.sd.Node

	switch t.sd.State {
	case types.StateStarted:
		return m.startAction(driver, node, name, t.sid), true

	case types.StateRequestStartBalance:
		// The rebalance target has no running instance yet (it came from
		// request_start, not a migrate/relocate), so this is a plain start
		// on sd.Target rather than a driver move (§8 Scenario S3).
		return m.startAction(driver, t.sd.Target, name, t.sid), true

	case types.StateRequestStop:
		timeout := DefaultStopTimeout
		if t.sd.Timeout > 0 {
			timeout = time.Duration(t.sd.Timeout) * time.Second
		}
		return func(ctx context.Context) types.ExitCode {
			if err := driver.Shutdown(ctx, node, name, timeout); err != nil {
				log.Warn().Err(err).Str("sid", string(t.sid)).Msg("lrm: shutdown failed")
				return types.ExitError
			}
			return types.ExitSuccess
		}, true

	case types.StateMigrate:
		target := t.sd.Target
		return func(ctx context.Context) types.ExitCode {
			if err := driver.Migrate(ctx, node, target, name, true); err != nil {
				log.Warn().Err(err).Str("sid", string(t.sid)).Msg("lrm: migrate failed")
				return types.ExitError
			}
			return types.ExitSuccess
		}, true

	case types.StateRelocate:
		// Relocation stops the instance on the source node; the
		// destination LRM brings it up fresh once the CRM flips sd.Node
		// to the target on success (§4.6 "migrate"/"relocate").
		return func(ctx context.Context) types.ExitCode {
			if err := driver.Shutdown(ctx, node, name, DefaultStopTimeout); err != nil {
				log.Warn().Err(err).Str("sid", string(t.sid)).Msg("lrm: shutdown failed")
				return types.ExitError
			}
			return types.ExitSuccess
		}, true

	default:
		return nil, false
	}
}

// startAction builds the ensure-running action shared by StateStarted and
// StateRequestStartBalance: check the instance exists and start it if it
// isn't already running.
func (m *Manager) startAction(driver registry.Driver, node, name string, sid types.ServiceID) func(context.Context) types.ExitCode {
	log := m.env.Log()
	return func(ctx context.Context) types.ExitCode {
		exists, err := driver.Exists(ctx, node, name)
		if err != nil {
			log.Warn().Err(err).Str("sid", string(sid)).Msg("lrm: exists check failed")
			return types.ExitError
		}
		if !exists {
			log.Warn().Str("sid", string(sid)).Str("node", node).Msg("lrm: service not configured on assigned node")
			return types.ExitWrongNode
		}
		running, err := driver.CheckRunning(ctx, node, name)
		if err != nil {
			log.Warn().Err(err).Str("sid", string(sid)).Msg("lrm: check running failed")
			return types.ExitError
		}
		if running {
			return types.ExitSuccess
		}
		if err := driver.Start(ctx, node, name); err != nil {
			log.Warn().Err(err).Str("sid", string(sid)).Msg("lrm: start failed")
			return types.ExitError
		}
		return types.ExitSuccess
	}
}

func readManagerStatus(ctx context.Context, kv env.KVStore) (*types.ManagerStatus, error) {
	data, err := kv.Read(ctx, pathManagerStatus)
	if errors.Is(err, env.ErrNotExist) {
		return types.NewManagerStatus(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("lrm: read manager_status: %w", err)
	}
	var ms types.ManagerStatus
	if err := json.Unmarshal(data, &ms); err != nil {
		return nil, fmt.Errorf("lrm: decode manager_status: %w", err)
	}
	if ms.ServiceStatus == nil {
		ms.ServiceStatus = make(map[types.ServiceID]types.ServiceStatus)
	}
	if ms.NodeRequest == nil {
		ms.NodeRequest = make(map[string]types.NodeRequest)
	}
	return &ms, nil
}

func readLRMStatus(ctx context.Context, kv env.KVStore, node string) (*types.LRMStatus, error) {
	data, err := kv.Read(ctx, pathLRMStatus(node))
	if errors.Is(err, env.ErrNotExist) {
		return types.NewLRMStatus(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("lrm: read lrm_status/%s: %w", node, err)
	}
	var st types.LRMStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("lrm: decode lrm_status/%s: %w", node, err)
	}
	if st.Results == nil {
		st.Results = make(map[string]types.LRMResult)
	}
	return &st, nil
}

func writeLRMStatus(ctx context.Context, kv env.KVStore, node string, st *types.LRMStatus) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("lrm: encode lrm_status/%s: %w", node, err)
	}
	if err := kv.Write(ctx, pathLRMStatus(node), data); err != nil {
		return fmt.Errorf("lrm: write lrm_status/%s: %w", node, err)
	}
	return nil
}
