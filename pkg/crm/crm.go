// Package crm implements C7: the cluster resource manager loop. One
// Manager runs per node; only the node holding ha_manager_lock actually
// drives the state machine (§4.6) — everyone else's Run loop just keeps
// retrying Acquire.
package crm

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/bins-dev/pve-ha-manager/pkg/env"
	"github.com/bins-dev/pve-ha-manager/pkg/fence"
	"github.com/bins-dev/pve-ha-manager/pkg/lock"
	"github.com/bins-dev/pve-ha-manager/pkg/metrics"
	"github.com/bins-dev/pve-ha-manager/pkg/nodestatus"
	"github.com/bins-dev/pve-ha-manager/pkg/registry"
	"github.com/bins-dev/pve-ha-manager/pkg/scheduler"
	"github.com/bins-dev/pve-ha-manager/pkg/types"
)

// TickPeriod is the default CRM loop cadence (§9: "a typical implementation
// uses 10s tick").
const TickPeriod = 10 * time.Second

// maxFixpointPasses bounds the per-service pass loop so a pathological
// cycle of transitions can never spin the CRM loop forever; in practice a
// service chain such as stopped->request_start->started->migrate finishes
// in 2-3 passes.
const maxFixpointPasses = 20

// Config carries the options an operator can override; zero values take
// the documented defaults.
type Config struct {
	RebalanceOnRequestStart bool
	TickPeriod              time.Duration
}

// Manager owns one CRM loop. It is not safe for concurrent use beyond the
// single goroutine Run starts.
type Manager struct {
	env      env.Environment
	registry *registry.Registry
	tracker  *nodestatus.Tracker
	fencer   *fence.Orchestrator
	cfg      Config

	staticStats map[string]scheduler.NodeStats // injected by the operator for the static scheduler, keyed by node
	usageMode   string                         // "basic" or "static", refreshed from datacenter.cfg each tick
}

// New builds a Manager bound to e. reg must already contain every resource
// driver the cluster will need; it is frozen by the caller before Run
// starts (§9 "registration happens at process init").
func New(e env.Environment, reg *registry.Registry, cfg Config) *Manager {
	if cfg.TickPeriod == 0 {
		cfg.TickPeriod = TickPeriod
	}
	tracker := nodestatus.New()
	return &Manager{
		env:         e,
		registry:    reg,
		tracker:     tracker,
		fencer:      fence.New(tracker),
		cfg:         cfg,
		staticStats: make(map[string]scheduler.NodeStats),
		usageMode:   "basic",
	}
}

// WithStaticStats seeds per-node CPU/memory capacity for the static usage
// scheduler (§4.4); safe to call before Run, not concurrently with it.
func (m *Manager) WithStaticStats(stats map[string]scheduler.NodeStats) *Manager {
	m.staticStats = stats
	return m
}

// Run drives the CRM loop until ctx is cancelled, attempting to (re)acquire
// the manager lock every tick when not already held, and stepping once per
// tick while it is.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.TickPeriod)
	defer ticker.Stop()

	var lease *lock.Lease
	log := m.env.Log()

	for {
		select {
		case <-ctx.Done():
			if lease != nil {
				_ = lease.Release(context.Background())
			}
			return ctx.Err()
		case <-ticker.C:
			if lease == nil {
				l, err := lock.Acquire(ctx, m.env, lock.ManagerLockName)
				if err != nil {
					log.Debug().Err(err).Msg("crm: not master, retrying next tick")
					continue
				}
				lease = l
				log.Info().Msg("crm: acquired manager lock, now master")
			} else if err := lease.Refresh(ctx); err != nil {
				log.Warn().Err(err).Msg("crm: lost manager lock, aborting iteration")
				lease = nil
				continue
			}

			if err := m.Tick(ctx); err != nil {
				log.Error().Err(err).Msg("crm: tick failed")
			}
		}
	}
}

// Tick runs exactly one CRM loop iteration (§4.6). Callers outside Run
// (tests, the scenario harness) must already hold the manager lock.
func (m *Manager) Tick(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CRMLoopDuration)
	metrics.CRMIterationsTotal.Inc()

	log := m.env.Log()
	now := m.env.Now()

	// Step 1: refresh membership.
	online := m.env.Online()
	nodes := sortedKeys(online)

	// Step 2: LRM statuses -> (results, modes).
	snap, err := collectLRMSnapshot(ctx, m.env.KV(), nodes)
	if err != nil {
		return err
	}

	// Step 3: node status (C5).
	nodeStates := m.tracker.Update(now, online, snap.modes)

	// Step 4: abort if the local node is not operational.
	if st := nodeStates[m.env.NodeID()]; st != types.NodeOnline {
		log.Debug().Str("local_state", string(st)).Msg("crm: local node not operational, aborting iteration")
		return nil
	}

	// Step 5: scheduler mode + datacenter settings.
	dcCfg, err := loadDatacenterConfig(ctx, m.env.KV())
	if err != nil {
		return err
	}
	m.usageMode = dcCfg.SchedulerMode

	// Step 6: resources + groups.
	resources, groups, err := loadResourcesAndGroups(ctx, m.env.KV())
	if err != nil {
		return err
	}

	ms, err := loadManagerStatus(ctx, m.env.KV())
	if err != nil {
		return err
	}
	ms.MasterNode = m.env.NodeID()
	ms.Timestamp = now.Unix()
	ms.NodeStatus = nodeStates

	// Step 7: reconcile.
	reconcileServices(ms, resources, newUID)

	// Step 8: apply queued commands.
	lines, err := m.env.KV().ReadLines(ctx, PathCRMCommands)
	if err != nil && !errors.Is(err, env.ErrNotExist) {
		return err
	}
	applyCommands(ms, lines, log)
	if len(lines) > 0 {
		if err := m.env.KV().TruncateLines(ctx, PathCRMCommands, nil); err != nil {
			return err
		}
	}

	// Step 9: fixpoint iteration over every service's transition, plus the
	// fencing block for nodes carrying a fence-state service.
	usage := m.buildUsage(groups)
	for node := range online {
		usage.AddNode(node)
	}

	tc := &tickContext{
		now:       now,
		online:    online,
		tracker:   m.tracker,
		fencer:    m.fencer,
		groups:    groups,
		usage:     usage,
		registry:  m.registry,
		lrmRes:    snap.results,
		lrmModes:  snap.modes,
		rebalance: m.cfg.RebalanceOnRequestStart,
		log:       log,
	}

	if err := m.runFixpoint(ctx, tc, ms, resources); err != nil {
		return err
	}

	// Step 10: flush.
	return flushManagerStatus(ctx, m.env.KV(), ms)
}

func (m *Manager) runFixpoint(ctx context.Context, tc *tickContext, ms *types.ManagerStatus, resources map[types.ServiceID]types.ServiceConfig) error {
	for pass := 0; pass < maxFixpointPasses; pass++ {
		changed := false

		if err := m.driveFencing(ctx, tc, ms); err != nil {
			return err
		}

		for _, sid := range ms.SortedServiceIDs() {
			sd := ms.ServiceStatus[sid]
			cd := resources[sid]
			newSd, didChange := nextState(ctx, tc, sid, cd, sd)
			if didChange {
				ms.ServiceStatus[sid] = newSd
				changed = true
			}
		}

		if !changed {
			return nil
		}
	}
	tc.log.Warn().Msg("crm: fixpoint iteration did not converge within pass budget")
	return nil
}

// driveFencing implements the per-tick fencing block referenced by §4.6
// step 9: every node carrying a fence-state service gets one fence attempt
// this pass; a success flips every one of its fence-state services to
// recovery.
func (m *Manager) driveFencing(ctx context.Context, tc *tickContext, ms *types.ManagerStatus) error {
	nodesToFence := make(map[string][]types.ServiceID)
	for sid, sd := range ms.ServiceStatus {
		if sd.State == types.StateFence {
			nodesToFence[sd.Node] = append(nodesToFence[sd.Node], sid)
		}
	}

	for node, sids := range nodesToFence {
		resources := make([]string, len(sids))
		for i, sid := range sids {
			resources[i] = string(sid)
		}

		if tc.tracker.State(node) != types.NodeFence {
			if err := tc.fencer.Enter(ctx, m.env, node, resources); err != nil {
				tc.log.Warn().Err(err).Str("node", node).Msg("crm: fence notification failed")
			}
		}

		ok, err := tc.fencer.Attempt(ctx, m.env, node, resources)
		if err != nil {
			tc.log.Warn().Err(err).Str("node", node).Msg("crm: fence notification failed")
		}
		metrics.FenceAttemptsTotal.WithLabelValues(resultLabel(ok)).Inc()
		if !ok {
			continue
		}

		for _, sid := range sids {
			sd := ms.ServiceStatus[sid]
			sd.State = types.StateRecovery
			sd.UID = newUID()
			ms.ServiceStatus[sid] = sd
		}
		metrics.ServiceRecoveriesTotal.Add(float64(len(sids)))
	}
	return nil
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func (m *Manager) buildUsage(groups map[string]types.Group) scheduler.Usage {
	if m.usageMode == "static" && len(m.staticStats) > 0 {
		return scheduler.NewStaticUsage(m.staticStats)
	}
	return scheduler.NewBasicUsage()
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
