// Package lock implements C2: acquiring and refreshing the two named
// locks (§4.1) on top of pkg/env, gated on cluster quorum. Nothing in this
// package votes on quorum itself — Quorate() is a pure read of the
// environment, matching §10.6 ("never a vote").
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/bins-dev/pve-ha-manager/pkg/env"
	"github.com/bins-dev/pve-ha-manager/pkg/metrics"
)

// Lifetime is the absolute lease duration L used throughout the design
// (§9: "a typical implementation uses 10s tick, 120s lock lifetime").
const Lifetime = 120 * time.Second

// ManagerLockName is the singleton CRM lock (§4.1).
const ManagerLockName = "ha_manager_lock"

// AgentLockName returns the per-node LRM lock name.
func AgentLockName(node string) string {
	return fmt.Sprintf("ha_agent_%s_lock", node)
}

// Lease wraps an env.LockHandle with the quorum gate and metrics
// instrumentation every caller needs: no caller should refresh a lock
// without checking quorum first (§4.1).
type Lease struct {
	environment env.Environment
	handle      env.LockHandle
	name        string
}

// Acquire takes a named lock, failing with env.ErrNotQuorate if the local
// node is not in the quorate partition (no write is ever attempted
// without quorum, per §6).
func Acquire(ctx context.Context, e env.Environment, name string) (*Lease, error) {
	if !e.Quorate() {
		return nil, env.ErrNotQuorate
	}
	handle, err := e.Locks().Acquire(ctx, name, Lifetime)
	if err != nil {
		return nil, fmt.Errorf("lock: acquire %s: %w", name, err)
	}
	return &Lease{environment: e, handle: handle, name: name}, nil
}

// Steal takes over an expired lock to prove the previous holder cannot be
// acting (§3 invariant 5); used by the fence orchestrator in watchdog mode.
func Steal(ctx context.Context, e env.Environment, name string) (*Lease, error) {
	if !e.Quorate() {
		return nil, env.ErrNotQuorate
	}
	handle, err := e.Locks().Steal(ctx, name, Lifetime)
	if err != nil {
		return nil, fmt.Errorf("lock: steal %s: %w", name, err)
	}
	return &Lease{environment: e, handle: handle, name: name}, nil
}

// Refresh extends the lease, provided the node remains quorate. Returns
// env.ErrNotQuorate or env.ErrLockLost on failure; callers must de-escalate
// per §7 ("Authority loss").
func (l *Lease) Refresh(ctx context.Context) error {
	if !l.environment.Quorate() {
		return env.ErrNotQuorate
	}
	if err := l.handle.Refresh(ctx); err != nil {
		metrics.LockRefreshFailuresTotal.WithLabelValues(l.name).Inc()
		return err
	}
	return nil
}

// Release gives up the lease early, best-effort.
func (l *Lease) Release(ctx context.Context) error {
	return l.handle.Release(ctx)
}

// Name is the underlying lock's name.
func (l *Lease) Name() string { return l.name }
