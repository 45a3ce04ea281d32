// Package simenv is the deterministic, in-memory Environment backend used
// by the property and scenario tests in §8: a virtual clock the test
// drives explicitly, an in-memory KV store, in-process locks whose leases
// are evaluated against the virtual clock, and scriptable node/driver
// failures.
package simenv

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bins-dev/pve-ha-manager/pkg/env"
	"github.com/rs/zerolog"
)

// Clock is a manually-advanced virtual clock shared by everything the
// simulated environment constructs for one cluster.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time. Tests use
// this instead of time.Sleep so scenarios run at arbitrary speed.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Cluster is the shared simulated world: membership, quorum, the KV store,
// and the lock table are shared across every node's Environment so that
// one node's writes are visible to another, matching the real cluster KV.
type Cluster struct {
	clock *Clock

	mu      sync.Mutex
	online  map[string]bool
	quorate bool
	kv      *kvStore
	locks   *lockManager

	notificationsMu sync.Mutex
	notifications   []env.Notification
}

// NewCluster creates a simulated cluster with every name in nodes online
// and quorate.
func NewCluster(start time.Time, nodes []string) *Cluster {
	clock := NewClock(start)
	c := &Cluster{
		clock:   clock,
		online:  make(map[string]bool),
		quorate: true,
		kv:      newKVStore(),
	}
	c.locks = newLockManager(clock)
	for _, n := range nodes {
		c.online[n] = true
	}
	return c
}

func (c *Cluster) Clock() *Clock { return c.clock }

// SetOnline marks a node online or offline, simulating a membership change.
func (c *Cluster) SetOnline(node string, online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.online[node] = online
}

// SetQuorate forces the cluster-wide quorum state.
func (c *Cluster) SetQuorate(q bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quorate = q
}

func (c *Cluster) onlineSnapshot() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]bool, len(c.online))
	for n, v := range c.online {
		out[n] = v
	}
	return out
}

func (c *Cluster) isQuorate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quorate
}

func (c *Cluster) recordNotification(n env.Notification) {
	c.notificationsMu.Lock()
	defer c.notificationsMu.Unlock()
	c.notifications = append(c.notifications, n)
}

// Notifications returns every notification delivered so far, in order.
func (c *Cluster) Notifications() []env.Notification {
	c.notificationsMu.Lock()
	defer c.notificationsMu.Unlock()
	return append([]env.Notification(nil), c.notifications...)
}

// FailNode simulates a node failure: it marks node offline in the cluster
// membership. Locks the node held are left as they are.
func (c *Cluster) FailNode(node string) {
	c.SetOnline(node, false)
}

// Environment is one node's view of the simulated Cluster.
type Environment struct {
	cluster  *Cluster
	nodeID   string
	logger   zerolog.Logger
	watchdog *watchdogClient
	fencer   env.FenceExecutor
	notifier env.Notifier
}

// NewEnvironment returns an Environment for nodeID backed by cluster. The
// returned fencer defaults to watchdog mode (lock-steal); call
// WithFencer to override for hardware-mode scenarios.
func NewEnvironment(cluster *Cluster, nodeID string, logger zerolog.Logger) *Environment {
	e := &Environment{
		cluster:  cluster,
		nodeID:   nodeID,
		logger:   logger.With().Str("node_id", nodeID).Logger(),
		watchdog: newWatchdogClient(),
	}
	e.fencer = &watchdogStealFencer{locks: cluster.locks}
	e.notifier = &recordingNotifier{cluster: cluster}
	return e
}

// WithFencer overrides the fence executor, e.g. with a scripted hardware
// fencer for §4.3 hardware-mode scenarios.
func (e *Environment) WithFencer(f env.FenceExecutor) *Environment {
	e.fencer = f
	return e
}

func (e *Environment) NodeID() string { return e.nodeID }

func (e *Environment) Now() time.Time { return e.cluster.clock.Now() }

func (e *Environment) Quorate() bool { return e.cluster.isQuorate() }

func (e *Environment) Online() map[string]bool { return e.cluster.onlineSnapshot() }

func (e *Environment) KV() env.KVStore { return e.cluster.kv }

func (e *Environment) Locks() env.LockManager { return e.cluster.locks }

func (e *Environment) Watchdog() env.WatchdogClient { return e.watchdog }

func (e *Environment) Fencer() env.FenceExecutor { return e.fencer }

func (e *Environment) Notifier() env.Notifier { return e.notifier }

func (e *Environment) Log() zerolog.Logger { return e.logger }

// recordingNotifier stores every delivered notification on the Cluster so
// tests can assert on fencing events (§6).
type recordingNotifier struct {
	cluster *Cluster
}

func (n *recordingNotifier) Notify(ctx context.Context, notification env.Notification) error {
	n.cluster.recordNotification(notification)
	return nil
}

// kvStore is the in-memory KVStore implementation.
type kvStore struct {
	mu       sync.RWMutex
	docs     map[string][]byte
	lineLogs map[string][]string
}

func newKVStore() *kvStore {
	return &kvStore{
		docs:     make(map[string][]byte),
		lineLogs: make(map[string][]string),
	}
}

func (k *kvStore) Read(ctx context.Context, path string) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	data, ok := k.docs[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, env.ErrNotExist)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (k *kvStore) Write(ctx context.Context, path string, data []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	k.docs[path] = cp
	return nil
}

func (k *kvStore) AppendLine(ctx context.Context, path string, line string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.lineLogs[path] = append(k.lineLogs[path], line)
	return nil
}

func (k *kvStore) ReadLines(ctx context.Context, path string) ([]string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return append([]string(nil), k.lineLogs[path]...), nil
}

func (k *kvStore) TruncateLines(ctx context.Context, path string, lines []string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.lineLogs[path] = append([]string(nil), lines...)
	return nil
}

// lockManager implements env.LockManager against the virtual clock.
type lockManager struct {
	clock *Clock

	mu    sync.Mutex
	locks map[string]*leaseState
}

type leaseState struct {
	holder   string
	expireAt time.Time
	gen      uint64
}

func newLockManager(clock *Clock) *lockManager {
	return &lockManager{clock: clock, locks: make(map[string]*leaseState)}
}

func (l *lockManager) Acquire(ctx context.Context, lock string, lifetime time.Duration) (env.LockHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	st, exists := l.locks[lock]
	if exists && st.expireAt.After(now) {
		return nil, env.ErrLockHeld
	}

	gen := uint64(1)
	if exists {
		gen = st.gen + 1
	}
	l.locks[lock] = &leaseState{holder: lock, expireAt: now.Add(lifetime), gen: gen}
	return &lockHandle{mgr: l, name: lock, gen: gen, lifetime: lifetime}, nil
}

func (l *lockManager) Steal(ctx context.Context, lock string, lifetime time.Duration) (env.LockHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	st, exists := l.locks[lock]
	if exists && st.expireAt.After(now) {
		return nil, env.ErrLockHeld
	}

	gen := uint64(1)
	if exists {
		gen = st.gen + 1
	}
	l.locks[lock] = &leaseState{holder: lock, expireAt: now.Add(lifetime), gen: gen}
	return &lockHandle{mgr: l, name: lock, gen: gen, lifetime: lifetime}, nil
}

func (l *lockManager) refresh(name string, gen uint64, lifetime time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	st, exists := l.locks[name]
	if !exists || st.gen != gen || !st.expireAt.After(now) {
		return env.ErrLockLost
	}
	st.expireAt = now.Add(lifetime)
	return nil
}

func (l *lockManager) release(name string, gen uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, exists := l.locks[name]; exists && st.gen == gen {
		delete(l.locks, name)
	}
}

type lockHandle struct {
	mgr      *lockManager
	name     string
	gen      uint64
	lifetime time.Duration
}

func (h *lockHandle) Refresh(ctx context.Context) error {
	return h.mgr.refresh(h.name, h.gen, h.lifetime)
}

func (h *lockHandle) Release(ctx context.Context) error {
	h.mgr.release(h.name, h.gen)
	return nil
}

func (h *lockHandle) Name() string { return h.name }

// watchdogClient simulates the AF_UNIX watchdog protocol in memory.
type watchdogClient struct {
	mu    sync.Mutex
	state env.WatchdogState
}

func newWatchdogClient() *watchdogClient {
	return &watchdogClient{state: env.WatchdogActive}
}

func (w *watchdogClient) Ping(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == env.WatchdogClosed {
		return fmt.Errorf("watchdog: already closed")
	}
	w.state = env.WatchdogActive
	return nil
}

func (w *watchdogClient) CloseGraceful(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = env.WatchdogClosed
	return nil
}

func (w *watchdogClient) State() env.WatchdogState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// watchdogStealFencer implements §4.3 watchdog mode: fencing succeeds once
// the target node's agent lock can be stolen, proving the node cannot be
// acting.
type watchdogStealFencer struct {
	locks *lockManager
}

func (f *watchdogStealFencer) Fence(ctx context.Context, node string) env.FenceResult {
	lockName := "ha_agent_" + node + "_lock"
	handle, err := f.locks.Steal(ctx, lockName, 120*time.Second)
	if err != nil {
		return env.FenceResult{Success: false, Reason: err.Error()}
	}
	_ = handle.Release(ctx)
	return env.FenceResult{Success: true, Reason: "stole agent lock"}
}

// ScriptedHardwareFencer simulates §4.3 hardware mode: each device either
// always succeeds or always fails, per a fixed script set by the test.
type ScriptedHardwareFencer struct {
	// Groups is an ordered list of device groups; a group succeeds when
	// every device in it succeeds, the fence succeeds when any group does.
	Groups [][]ScriptedDevice
}

type ScriptedDevice struct {
	Name    string
	Succeed bool
}

func (f *ScriptedHardwareFencer) Fence(ctx context.Context, node string) env.FenceResult {
	for _, group := range f.Groups {
		names := make([]string, 0, len(group))
		ok := true
		for _, d := range group {
			names = append(names, d.Name)
			if !d.Succeed {
				ok = false
			}
		}
		sort.Strings(names)
		if ok {
			return env.FenceResult{Success: true, Reason: fmt.Sprintf("group %v succeeded", names)}
		}
	}
	return env.FenceResult{Success: false, Reason: "no fence group succeeded"}
}
