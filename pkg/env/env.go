// Package env defines the Environment indirection (§9 "Environment
// indirection"): the one seam between the CRM/LRM control loops and
// everything that differs between a real cluster and a deterministic test
// harness — the clock, cluster membership/quorum, the cluster KV, the
// distributed locks, the watchdog, fencing, and notifications.
//
// pkg/env/realenv binds this to a live cluster (bbolt-backed KV, an
// AF_UNIX watchdog client, os/exec fence dispatch). pkg/env/simenv binds
// it to an in-memory, virtual-time harness used by the property tests in
// §8.
package env

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Environment aggregates every external dependency the CRM and LRM loops
// need. No component outside this package talks to the cluster KV, the
// watchdog, or a fence device directly.
type Environment interface {
	// NodeID is the name of the local node, as known to cluster membership.
	NodeID() string

	// Now returns the environment's current time. The simulator backend
	// advances this independently of wall-clock time.
	Now() time.Time

	// Quorate reports whether the local node is in the quorate partition.
	// No write is accepted anywhere without quorum.
	Quorate() bool

	// Online reports the set of node names the local node currently sees
	// as cluster members, independent of HA status.
	Online() map[string]bool

	KV() KVStore
	Locks() LockManager
	Watchdog() WatchdogClient
	Fencer() FenceExecutor
	Notifier() Notifier

	// Log returns the environment-scoped logger (carries node_id).
	Log() zerolog.Logger
}

// KVStore is the linearisable cluster filesystem (§6): atomic document
// read/write plus an append-only command log. All paths are opaque
// strings; callers namespace them (e.g. "manager_status", "lrm_status/pve1").
type KVStore interface {
	// Read returns the raw bytes at path, or ErrNotExist if absent.
	Read(ctx context.Context, path string) ([]byte, error)
	// Write atomically replaces the contents at path.
	Write(ctx context.Context, path string, data []byte) error
	// AppendLine appends one line to a newline-separated log at path,
	// creating it if absent. Used for crm_commands (§4.7).
	AppendLine(ctx context.Context, path string, line string) error
	// ReadLines returns AppendLine'd lines in append order.
	ReadLines(ctx context.Context, path string) ([]string, error)
	// TruncateLines replaces the full line list at path.
	TruncateLines(ctx context.Context, path string, lines []string) error
}

// LockManager grants named, leased locks with absolute lifetime L (§4.1).
// Implementations must enforce the lease server-side (or, for the
// simulator, via the virtual clock) so a caller's local clock skew cannot
// extend ownership past L.
type LockManager interface {
	// Acquire attempts to take lock, succeeding only if unheld or expired.
	// lifetime is the absolute lease duration from acquisition.
	Acquire(ctx context.Context, lock string, lifetime time.Duration) (LockHandle, error)
	// Steal forcibly takes over an expired lock, proving the previous
	// holder cannot be acting (§3 invariant 5). Fails if the lock has not
	// yet expired.
	Steal(ctx context.Context, lock string, lifetime time.Duration) (LockHandle, error)
}

// LockHandle represents ownership of one named lock.
type LockHandle interface {
	// Refresh extends the lease. Returns ErrLockLost if the lease expired
	// before this call could renew it (§4.1).
	Refresh(ctx context.Context) error
	// Release gives up the lock early, best-effort (§4.1).
	Release(ctx context.Context) error
	// Name is the lock's name.
	Name() string
}

// WatchdogState mirrors warning_state_t from the original watchdog
// multiplexer protocol (§10.5).
type WatchdogState string

const (
	WatchdogActive       WatchdogState = "active"
	WatchdogWarning      WatchdogState = "warning"
	WatchdogFenceAverted WatchdogState = "fence-averted"
	WatchdogClosed       WatchdogState = "closed"
)

// WatchdogClient pings the local hardware (or software) watchdog. Closing
// without the magic byte must leave the node to reboot within the
// hardware timeout; that is the self-fence mechanism (§7 "Self-fence").
type WatchdogClient interface {
	// Ping refreshes the watchdog. Must be called more often than the
	// watchdog's own timeout.
	Ping(ctx context.Context) error
	// CloseGraceful sends the magic close byte, disarming the watchdog
	// without triggering a reboot. Only safe to call when nothing owned
	// by this node is still running.
	CloseGraceful(ctx context.Context) error
	// State returns the client's last observed state.
	State() WatchdogState
}

// FenceMode selects how FenceExecutor proves a node is dead (§4.3).
type FenceMode string

const (
	FenceModeWatchdog FenceMode = "watchdog"
	FenceModeHardware FenceMode = "hardware"
)

// FenceResult is the outcome of one fence attempt.
type FenceResult struct {
	Success bool
	Reason  string
}

// FenceExecutor fences a node: watchdog mode proves death by stealing the
// node's agent lock; hardware mode runs configured fence devices (§4.3).
type FenceExecutor interface {
	Fence(ctx context.Context, node string) FenceResult
}

// NotificationKind identifies a fencing notification event (§6).
type NotificationKind string

const (
	NotifyFence    NotificationKind = "FENCE"
	NotifySucceed  NotificationKind = "SUCCEED"
	NotifyFailed   NotificationKind = "FAILED"
)

// Notification is the payload described in §6 "Notifications".
type Notification struct {
	Kind         NotificationKind
	FailedNode   string
	MasterNode   string
	Timestamp    time.Time
	Nodes        []string
	Resources    []string
}

// Notifier delivers Notification events to whatever sink is configured.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}
