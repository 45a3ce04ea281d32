// Package nodestatus implements C5: the per-node state machine driven by
// cluster membership and LRM mode (§4.2).
package nodestatus

import (
	"sync"
	"time"

	"github.com/bins-dev/pve-ha-manager/pkg/types"
)

// DefaultOfflineDelay is the fence delay used by node_is_offline_delayed
// (§4.2, §9: "60s fence delay").
const DefaultOfflineDelay = 60 * time.Second

// DefaultGoneDeleteAfter is how long a "gone" node is kept in the tracker
// before its entry is dropped entirely (§4.2 table, "gone" row).
const DefaultGoneDeleteAfter = 3600 * time.Second

type entry struct {
	state      types.NodeState
	lastOnline time.Time
	goneSince  time.Time
}

// Tracker holds node state across CRM loop iterations. Not safe to share
// across CRM instances — one Tracker belongs to the current master.
type Tracker struct {
	mu              sync.Mutex
	entries         map[string]*entry
	offlineDelay    time.Duration
	goneDeleteAfter time.Duration
}

// New returns a Tracker with the documented default delays.
func New() *Tracker {
	return &Tracker{
		entries:         make(map[string]*entry),
		offlineDelay:    DefaultOfflineDelay,
		goneDeleteAfter: DefaultGoneDeleteAfter,
	}
}

// WithDelays overrides the offline and gone-deletion delays, for tests.
func (t *Tracker) WithDelays(offline, goneDelete time.Duration) *Tracker {
	t.offlineDelay = offline
	t.goneDeleteAfter = goneDelete
	return t
}

// Update advances every known node one step per the §4.2 transition table.
// membership maps every node the local cluster still considers a member to
// its online flag; a node previously tracked but absent from membership
// has been "deleted from membership" (table's fourth trigger column).
// lrmModes carries each online node's self-reported LRM mode, keyed by node.
func (t *Tracker) Update(now time.Time, membership map[string]bool, lrmModes map[string]types.LRMMode) map[string]types.NodeState {
	t.mu.Lock()
	defer t.mu.Unlock()

	for node, online := range membership {
		t.step(now, node, true, online, lrmModes[node])
	}

	for node := range t.entries {
		if _, stillMember := membership[node]; stillMember {
			continue
		}
		t.step(now, node, false, false, "")
	}

	for node, e := range t.entries {
		if e.state == types.NodeGone && !e.goneSince.IsZero() && now.Sub(e.goneSince) >= t.goneDeleteAfter {
			delete(t.entries, node)
		}
	}

	out := make(map[string]types.NodeState, len(t.entries))
	for node, e := range t.entries {
		out[node] = e.state
	}
	return out
}

func (t *Tracker) step(now time.Time, node string, isMember, online bool, mode types.LRMMode) {
	e, exists := t.entries[node]
	if !exists {
		e = &entry{state: types.NodeUnknown}
		t.entries[node] = e
	}

	if online {
		e.lastOnline = now
	}

	switch e.state {
	case types.NodeOnline:
		switch {
		case !isMember:
			e.state = types.NodeUnknown
		case !online:
			e.state = types.NodeUnknown
		case mode == types.ModeMaintenance:
			e.state = types.NodeMaintenance
		}
	case types.NodeMaintenance:
		switch {
		case !isMember:
			e.state = types.NodeUnknown
		case !online:
			e.state = types.NodeUnknown
		case mode != types.ModeMaintenance:
			e.state = types.NodeOnline
		}
	case types.NodeUnknown:
		switch {
		case !isMember:
			e.state = types.NodeGone
			e.goneSince = now
		case online:
			e.state = types.NodeOnline
		}
	case types.NodeFence:
		// Inert: only the fence orchestrator (C9) advances a fenced node,
		// on successful fence, back to unknown.
	case types.NodeGone:
		switch {
		case isMember && online:
			e.state = types.NodeOnline
			e.goneSince = time.Time{}
		}
	default:
		e.state = types.NodeUnknown
	}
}

// OfflineDelayed reports whether node has been continuously non-online for
// at least the offline delay (node_is_offline_delayed, §4.2), used by the
// CRM loop to decide when to enter the fence state (§4.6).
func (t *Tracker) OfflineDelayed(node string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, exists := t.entries[node]
	if !exists {
		return false
	}
	if e.state == types.NodeOnline || e.state == types.NodeMaintenance {
		return false
	}
	if e.lastOnline.IsZero() {
		return true
	}
	return now.Sub(e.lastOnline) >= t.offlineDelay
}

// State returns the current tracked state of node, or NodeUnknown if never seen.
func (t *Tracker) State(node string) types.NodeState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[node]; ok {
		return e.state
	}
	return types.NodeUnknown
}

// EnterFence forces node into the fence state; called by the CRM loop
// (§4.6 step 9) for every node carrying a fence-state service.
func (t *Tracker) EnterFence(node string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, exists := t.entries[node]
	if !exists {
		e = &entry{}
		t.entries[node] = e
	}
	e.state = types.NodeFence
}

// ResolveFence moves a fenced node to unknown after a successful fence
// (§4.3: "the node's state transitions to unknown so that recovery may proceed").
func (t *Tracker) ResolveFence(node string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[node]; ok {
		e.state = types.NodeUnknown
		e.lastOnline = time.Time{}
	}
}
