package crm

import (
	"context"
	"time"

	"github.com/bins-dev/pve-ha-manager/pkg/fence"
	"github.com/bins-dev/pve-ha-manager/pkg/nodestatus"
	"github.com/bins-dev/pve-ha-manager/pkg/registry"
	"github.com/bins-dev/pve-ha-manager/pkg/scheduler"
	"github.com/bins-dev/pve-ha-manager/pkg/types"
	"github.com/rs/zerolog"
)

// tickContext bundles everything one CRM loop iteration's per-service
// passes need to read, kept separate from Manager so the fixpoint loop in
// crm.go can pass it around without re-locking the Manager each call.
type tickContext struct {
	now       time.Time
	online    map[string]bool
	tracker   *nodestatus.Tracker
	fencer    *fence.Orchestrator
	groups    map[string]types.Group
	usage     scheduler.Usage
	registry  *registry.Registry
	lrmRes    map[string]types.LRMResult
	lrmModes  map[string]types.LRMMode
	rebalance bool
	log       zerolog.Logger
}

func (tc *tickContext) lrmModeFor(node string) types.LRMMode {
	mode, ok := tc.lrmModes[node]
	if !ok {
		return types.ModeActive
	}
	return mode
}

// nextState runs exactly one per-service transition step (§4.6, the
// per-state bullet list). It returns the possibly-updated status and
// whether anything changed; the caller repeats this until a full pass
// changes nothing (the fixpoint iteration).
func nextState(ctx context.Context, tc *tickContext, sid types.ServiceID, cd types.ServiceConfig, sd types.ServiceStatus) (types.ServiceStatus, bool) {
	switch sd.State {
	case types.StateStopped:
		return nextStateStopped(tc, sid, sd, cd)
	case types.StateRequestStart:
		return nextStateRequestStart(tc, sid, cd, sd)
	case types.StateStarted:
		return nextStateStarted(tc, sid, cd, sd)
	case types.StateMigrate, types.StateRelocate, types.StateRequestStartBalance:
		return nextStateInTransit(tc, sid, cd, sd)
	case types.StateRequestStop:
		return nextStateRequestStop(tc, sd)
	case types.StateFreeze:
		return nextStateFreeze(cd, sd, tc.lrmModeFor(sd.Node))
	case types.StateError:
		return nextStateError(cd, sd)
	case types.StateFence:
		// Inert here: the fencing block in crm.go's Tick flips fence ->
		// recovery once the orchestrator reports success.
		return sd, false
	case types.StateRecovery:
		return nextStateRecovery(ctx, tc, sid, cd, sd)
	default:
		tc.log.Fatal().Str("sid", string(sid)).Str("state", string(sd.State)).Msg("crm: unknown service state in manager_status")
		return sd, false
	}
}

func nextStateStopped(tc *tickContext, sid types.ServiceID, sd types.ServiceStatus, cd types.ServiceConfig) (types.ServiceStatus, bool) {
	if sd.Cmd != nil {
		switch sd.Cmd.Verb {
		case "migrate", "relocate":
			target := sd.Cmd.Args[0]
			sd.Cmd = nil
			if tc.online[target] && target != sd.Node {
				sd.Target = target
				sd.UID = newUID()
				if sid.Type() == "vm" {
					sd.State = types.StateMigrate
				} else {
					sd.State = types.StateRelocate
				}
			}
			return sd, true
		case "stop":
			tc.log.Debug().Str("sid", string(sid)).Msg("crm: ignoring stop command, service already stopped")
			sd.Cmd = nil
			return sd, true
		}
	}

	if sd.Node != "" && tc.tracker.OfflineDelayed(sd.Node, tc.now) && tc.tracker.State(sd.Node) != types.NodeMaintenance {
		sd.State = types.StateFence
		sd.UID = newUID()
		return sd, true
	}

	if cd.State.Normalize() == types.RequestedStarted {
		sd.State = types.StateRequestStart
		sd.UID = newUID()
		return sd, true
	}
	return sd, false
}

func nextStateRequestStart(tc *tickContext, sid types.ServiceID, cd types.ServiceConfig, sd types.ServiceStatus) (types.ServiceStatus, bool) {
	node, ok := scheduler.SelectServiceNode(tc.groups, tc.online, tc.usage.ScoreNodesToStartService(), sid, cd, sd, types.PreferenceBestScore)
	if !ok {
		return sd, false
	}

	if tc.rebalance && sd.Node != "" && node != sd.Node {
		sd.Target = node
		sd.State = types.StateRequestStartBalance
		sd.UID = newUID()
		tc.usage.AddServiceUsageToNode(node, sid, cd)
		return sd, true
	}

	sd.Node = node
	sd.Target = ""
	sd.State = types.StateStarted
	sd.UID = newUID()
	tc.usage.AddServiceUsageToNode(node, sid, cd)
	return sd, true
}

func nextStateStarted(tc *tickContext, sid types.ServiceID, cd types.ServiceConfig, sd types.ServiceStatus) (types.ServiceStatus, bool) {
	if !tc.online[sd.Node] {
		if tc.tracker.OfflineDelayed(sd.Node, tc.now) {
			sd.State = types.StateFence
			sd.UID = newUID()
			return sd, true
		}
		return sd, false
	}

	// A node doing a maintenance-mode LRM shutdown stays online (still a
	// cluster member) but is pinned here so placement brings the service
	// straight back once maintenance ends, rather than treating the node
	// as just another scoring candidate (§4.2 "maintenance").
	if tc.tracker.State(sd.Node) == types.NodeMaintenance && sd.MaintenanceNode != sd.Node {
		sd.MaintenanceNode = sd.Node
		return sd, true
	}

	// The owning LRM entered restart mode for a reboot (§4.8 step 6): the
	// CRM freezes the service in place rather than racing the reboot with
	// a driver call that's about to be interrupted anyway.
	if tc.lrmModeFor(sd.Node) == types.ModeRestart {
		sd.State = types.StateFreeze
		return sd, true
	}

	if cd.State.Normalize() == types.RequestedStopped || cd.State.Normalize() == types.RequestedDisabled {
		sd.State = types.StateRequestStop
		sd.UID = newUID()
		return sd, true
	}

	if sd.Cmd != nil {
		return dispatchStartedCommand(tc, sid, cd, sd)
	}

	res, have := tc.lrmRes[sd.UID]
	if !have {
		return sd, false
	}

	switch res.ExitCode {
	case types.ExitSuccess:
		mutated := !sd.Running || len(sd.FailedNodes) > 0
		sd.FailedNodes = nil
		sd.Running = true
		newSd, relocated := rebalanceStarted(tc, sid, cd, sd)
		return newSd, mutated || relocated

	case types.ExitError, types.ExitWrongNode:
		sd.AddFailedNode(sd.Node)
		if len(sd.FailedNodes) <= cd.MaxRelocate {
			target, ok := scheduler.SelectServiceNode(tc.groups, tc.online, tc.usage.ScoreNodesToStartService(), sid, cd, sd, types.PreferenceTryNext)
			if ok {
				sd.Target = target
				sd.UID = newUID()
				tc.usage.AddServiceUsageToNode(target, sid, cd)
				if recoveryVerb(sid) == "migrate" {
					sd.State = types.StateMigrate
				} else {
					sd.State = types.StateRelocate
				}
				return sd, true
			}
		}
		sd.State = types.StateError
		sd.ErrorReason = "exceeded max_relocate after repeated failures"
		sd.UID = newUID()
		return sd, true

	default:
		sd.State = types.StateError
		sd.ErrorReason = "lrm reported unexpected exit code"
		sd.UID = newUID()
		return sd, true
	}
}

// rebalanceStarted implements the "after handling, ask placement" tail of
// the started bullet: a successful result is also an opportunity to move a
// service to a now-better node. If placement agrees the current node is
// still fine, the existing uid stands — the service does not re-run its
// driver call every tick just because a pass touched it.
func rebalanceStarted(tc *tickContext, sid types.ServiceID, cd types.ServiceConfig, sd types.ServiceStatus) (types.ServiceStatus, bool) {
	node, ok := scheduler.SelectServiceNode(tc.groups, tc.online, tc.usage.ScoreNodesToStartService(), sid, cd, sd, types.PreferenceNone)
	if !ok || node == sd.Node {
		return sd, false
	}

	sd.Target = node
	sd.UID = newUID()
	tc.usage.AddServiceUsageToNode(node, sid, cd)
	if recoveryVerb(sid) == "migrate" {
		sd.State = types.StateMigrate
	} else {
		sd.State = types.StateRelocate
	}
	return sd, true
}

func dispatchStartedCommand(tc *tickContext, sid types.ServiceID, cd types.ServiceConfig, sd types.ServiceStatus) (types.ServiceStatus, bool) {
	switch sd.Cmd.Verb {
	case "migrate", "relocate":
		target := sd.Cmd.Args[0]
		if !tc.online[target] || target == sd.Node {
			sd.Cmd = nil
			return sd, true
		}
		sd.Target = target
		sd.Cmd = nil
		sd.UID = newUID()
		tc.usage.AddServiceUsageToNode(target, sid, cd)
		if sid.Type() == "vm" {
			sd.State = types.StateMigrate
		} else {
			sd.State = types.StateRelocate
		}
		return sd, true
	case "stop":
		sd.Timeout = sd.Cmd.Timeout
		sd.Cmd = nil
		sd.State = types.StateRequestStop
		sd.UID = newUID()
		return sd, true
	default:
		sd.Cmd = nil
		return sd, true
	}
}

func nextStateInTransit(tc *tickContext, sid types.ServiceID, cd types.ServiceConfig, sd types.ServiceStatus) (types.ServiceStatus, bool) {
	if tc.tracker.OfflineDelayed(sd.Node, tc.now) {
		sd.State = types.StateFence
		sd.UID = newUID()
		return sd, true
	}

	res, have := tc.lrmRes[sd.UID]
	if !have {
		return sd, false
	}

	switch res.ExitCode {
	case types.ExitSuccess:
		sd.Node = sd.Target
		sd.Target = ""
		sd.FailedNodes = nil
		if cd.State.Normalize() == types.RequestedStopped || cd.State.Normalize() == types.RequestedDisabled {
			sd.State = types.StateRequestStop
		} else {
			sd.State = types.StateStarted
			sd.Running = true
		}
		sd.UID = newUID()
		return sd, true

	case types.ExitWrongNode:
		sd.State = types.StateError
		sd.ErrorReason = "driver reported wrong node during transition"
		sd.UID = newUID()
		return sd, true

	case types.ExitIgnored:
		// rebalance-on-start: the service was already running where it
		// started, so the in-flight balance attempt is simply dropped.
		sd.Target = ""
		sd.State = types.StateStarted
		sd.Running = true
		sd.UID = newUID()
		return sd, true

	default:
		// Stay on the original node and retry next tick.
		sd.UID = newUID()
		return sd, true
	}
}

func nextStateRequestStop(tc *tickContext, sd types.ServiceStatus) (types.ServiceStatus, bool) {
	if tc.tracker.OfflineDelayed(sd.Node, tc.now) {
		sd.State = types.StateFence
		sd.UID = newUID()
		return sd, true
	}

	res, have := tc.lrmRes[sd.UID]
	if !have {
		return sd, false
	}

	if res.ExitCode == types.ExitSuccess {
		sd.State = types.StateStopped
		sd.Running = false
		sd.UID = newUID()
		return sd, true
	}

	sd.State = types.StateError
	sd.ErrorReason = "lrm failed to stop service"
	sd.UID = newUID()
	return sd, true
}

func nextStateFreeze(cd types.ServiceConfig, sd types.ServiceStatus, lrmMode types.LRMMode) (types.ServiceStatus, bool) {
	if lrmMode != types.ModeActive {
		return sd, false
	}
	if cd.State.Normalize() == types.RequestedStopped || cd.State.Normalize() == types.RequestedDisabled {
		sd.State = types.StateRequestStop
	} else {
		sd.State = types.StateStarted
	}
	sd.UID = newUID()
	return sd, true
}

func nextStateError(cd types.ServiceConfig, sd types.ServiceStatus) (types.ServiceStatus, bool) {
	if cd.State.Normalize() != types.RequestedDisabled {
		return sd, false
	}
	sd.FailedNodes = nil
	sd.ErrorReason = ""
	sd.State = types.StateStopped
	sd.UID = newUID()
	return sd, true
}

func nextStateRecovery(ctx context.Context, tc *tickContext, sid types.ServiceID, cd types.ServiceConfig, sd types.ServiceStatus) (types.ServiceStatus, bool) {
	node, ok := scheduler.SelectServiceNode(tc.groups, tc.online, tc.usage.ScoreNodesToStartService(), sid, cd, sd, types.PreferenceBestScore)
	if !ok {
		if cd.State.Normalize() == types.RequestedDisabled {
			sd.State = types.StateStopped
			sd.FailedNodes = nil
			sd.UID = newUID()
			return sd, true
		}
		return sd, false
	}

	if driver, err := tc.registry.Lookup(sid); err == nil {
		if _, name, splitErr := sid.Split(); splitErr == nil {
			_ = driver.RemoveLocks(ctx, node, name, []string{"backup", "migrate"})
		}
	}

	sd.RecoverTo(node)
	tc.usage.AddServiceUsageToNode(node, sid, cd)

	if cd.State.Normalize() == types.RequestedStopped || cd.State.Normalize() == types.RequestedDisabled {
		sd.State = types.StateRequestStop
	} else {
		sd.State = types.StateStarted
	}
	sd.UID = newUID()
	return sd, true
}
