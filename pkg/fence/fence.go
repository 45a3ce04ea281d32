// Package fence implements C9: the orchestration wrapped around an
// env.FenceExecutor — sending the FENCE notification on entry, calling the
// executor, and on success resolving the node back to unknown so recovery
// can proceed (§4.3).
package fence

import (
	"context"
	"fmt"
	"time"

	"github.com/bins-dev/pve-ha-manager/pkg/env"
	"github.com/bins-dev/pve-ha-manager/pkg/nodestatus"
)

// Orchestrator drives fence attempts for nodes the CRM has put in the fence
// state. One Orchestrator belongs to the current CRM master, same lifetime
// as its nodestatus.Tracker.
type Orchestrator struct {
	tracker *nodestatus.Tracker
}

// New returns an Orchestrator bound to tracker.
func New(tracker *nodestatus.Tracker) *Orchestrator {
	return &Orchestrator{tracker: tracker}
}

// Enter puts node in the fence state and sends the FENCE notification
// (§4.3 "On entering fence, a notification is sent"). Call once per node
// per fence episode, before the first Attempt.
func (o *Orchestrator) Enter(ctx context.Context, e env.Environment, node string, resources []string) error {
	o.tracker.EnterFence(node)
	return e.Notifier().Notify(ctx, env.Notification{
		Kind:       env.NotifyFence,
		FailedNode: node,
		MasterNode: e.NodeID(),
		Timestamp:  e.Now(),
		Resources:  resources,
	})
}

// Attempt runs one fence attempt against node using the environment's
// configured FenceExecutor. On success it resolves the tracker's fence
// state back to unknown and sends a SUCCEED notification; on failure it
// sends FAILED and leaves the node in the fence state for the next CRM
// tick to retry (§4.3: "Failures trigger retry on the next CRM tick").
func (o *Orchestrator) Attempt(ctx context.Context, e env.Environment, node string, resources []string) (bool, error) {
	result := e.Fencer().Fence(ctx, node)

	kind := env.NotifyFailed
	if result.Success {
		kind = env.NotifySucceed
		o.tracker.ResolveFence(node)
	}

	notifyErr := e.Notifier().Notify(ctx, env.Notification{
		Kind:       kind,
		FailedNode: node,
		MasterNode: e.NodeID(),
		Timestamp:  e.Now(),
		Resources:  resources,
	})
	if notifyErr != nil {
		return result.Success, fmt.Errorf("fence: notify %s for %s: %w", kind, node, notifyErr)
	}
	if !result.Success {
		return false, nil
	}
	return true, nil
}

// ReadyForAttempt reports whether node has been offline-delayed long enough
// for the CRM to begin fencing it (§4.2, §4.6 step 9: fencing only begins
// once node_is_offline_delayed is true).
func (o *Orchestrator) ReadyForAttempt(node string, now time.Time) bool {
	return o.tracker.OfflineDelayed(node, now)
}
