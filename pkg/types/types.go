// Package types defines the data model shared by the CRM and LRM control
// loops: service identifiers, configuration, the per-service and per-node
// state machines, and the documents that make up the cluster-wide manager
// status and the per-node LRM status.
package types

import (
	"fmt"
	"sort"
	"strings"
)

// ServiceID identifies a managed resource as "<type>:<name>", e.g. "vm:100".
type ServiceID string

// NewServiceID builds a ServiceID from a resource type and name.
func NewServiceID(typ, name string) ServiceID {
	return ServiceID(typ + ":" + name)
}

// Split breaks a ServiceID into its resource type and name.
func (s ServiceID) Split() (typ, name string, err error) {
	parts := strings.SplitN(string(s), ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed service id %q", s)
	}
	return parts[0], parts[1], nil
}

// Type returns the resource type prefix of the service id, or "" if malformed.
func (s ServiceID) Type() string {
	typ, _, err := s.Split()
	if err != nil {
		return ""
	}
	return typ
}

// RequestedState is the administrator-declared target for a service.
type RequestedState string

const (
	RequestedStarted  RequestedState = "started"
	RequestedStopped  RequestedState = "stopped"
	RequestedDisabled RequestedState = "disabled"
	RequestedEnabled  RequestedState = "enabled" // alias of started
	RequestedIgnored  RequestedState = "ignored"
)

// Normalize resolves the "enabled" alias to "started".
func (r RequestedState) Normalize() RequestedState {
	if r == RequestedEnabled {
		return RequestedStarted
	}
	return r
}

// ServiceConfig is the administrator-declared configuration for one service,
// as read from resources.cfg (cd in the design).
type ServiceConfig struct {
	Node        string         `json:"node"`
	State       RequestedState `json:"state"`
	Group       string         `json:"group,omitempty"`
	Failback    bool           `json:"failback"`
	MaxRestart  int            `json:"max_restart"`
	MaxRelocate int            `json:"max_relocate"`
	Comment     string         `json:"comment,omitempty"`

	// MaxCPU / MaxMemory feed the static usage scheduler (§4.4); zero means
	// "unknown", which makes the static scorer fail closed to the basic one.
	MaxCPU    float64 `json:"maxcpu,omitempty"`
	MaxMemory int64   `json:"maxmem,omitempty"`
}

// DefaultServiceConfig returns the documented defaults from §3.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Failback:    true,
		MaxRestart:  1,
		MaxRelocate: 1,
	}
}

// Ignored reports whether the config removes the service from CRM/LRM control.
func (c ServiceConfig) Ignored() bool {
	return c.State == RequestedIgnored
}

// Group is a named placement policy: per-node priorities plus restricted and
// nofailback flags.
type Group struct {
	ID         string         `json:"id"`
	Nodes      map[string]int `json:"nodes"` // node -> priority, higher wins
	Restricted bool           `json:"restricted"`
	NoFailback bool           `json:"nofailback"`
}

// SortedNodes returns the group's nodes ordered by (priority desc, name asc).
func (g Group) SortedNodes() []string {
	nodes := make([]string, 0, len(g.Nodes))
	for n := range g.Nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool {
		if g.Nodes[nodes[i]] != g.Nodes[nodes[j]] {
			return g.Nodes[nodes[i]] > g.Nodes[nodes[j]]
		}
		return nodes[i] < nodes[j]
	})
	return nodes
}

// ServiceState is one step of the per-service state machine (§4.6).
type ServiceState string

const (
	StateStopped             ServiceState = "stopped"
	StateRequestStop         ServiceState = "request_stop"
	StateRequestStart        ServiceState = "request_start"
	StateRequestStartBalance ServiceState = "request_start_balance"
	StateStarted             ServiceState = "started"
	StateFence               ServiceState = "fence"
	StateRecovery            ServiceState = "recovery"
	StateMigrate             ServiceState = "migrate"
	StateRelocate            ServiceState = "relocate"
	StateFreeze              ServiceState = "freeze"
	StateError               ServiceState = "error"
)

// Command is a pending verb queued for a service by the CLI / CRM command
// queue (§4.7): migrate, relocate, or stop.
type Command struct {
	Verb    string   `json:"verb"`
	Args    []string `json:"args,omitempty"`
	Timeout int      `json:"timeout,omitempty"`
}

// ServiceStatus (sd) is the CRM-owned, per-service runtime record inside
// ManagerStatus.
type ServiceStatus struct {
	State           ServiceState `json:"state"`
	Node            string       `json:"node"`
	Target          string       `json:"target,omitempty"`
	Cmd             *Command     `json:"cmd,omitempty"`
	UID             string       `json:"uid"`
	FailedNodes     []string     `json:"failed_nodes,omitempty"`
	MaintenanceNode string       `json:"maintenance_node,omitempty"`
	Running         bool         `json:"running,omitempty"`
	Timeout         int          `json:"timeout,omitempty"`
	ErrorReason     string       `json:"error_reason,omitempty"`
}

// Clone returns a deep-enough copy safe for independent mutation.
func (s ServiceStatus) Clone() ServiceStatus {
	out := s
	if s.FailedNodes != nil {
		out.FailedNodes = append([]string(nil), s.FailedNodes...)
	}
	if s.Cmd != nil {
		cmd := *s.Cmd
		cmd.Args = append([]string(nil), s.Cmd.Args...)
		out.Cmd = &cmd
	}
	return out
}

// RecoverTo reassigns the service to node after a successful fence + steal,
// per the design-notes instruction to reify node reassignment as one
// operation rather than scattering field writes across the state machine.
func (s *ServiceStatus) RecoverTo(node string) {
	s.Node = node
	s.MaintenanceNode = ""
	s.FailedNodes = nil
}

// AddFailedNode appends node to the failed-nodes list if not already present.
func (s *ServiceStatus) AddFailedNode(node string) {
	for _, n := range s.FailedNodes {
		if n == node {
			return
		}
	}
	s.FailedNodes = append(s.FailedNodes, node)
}

// Describe renders the verbose status string combining CRM state, the LRM
// running flag, and the administrator's requested state (§7 "User-visible
// behaviour").
func (s ServiceStatus) Describe(cd ServiceConfig) string {
	switch {
	case s.State == StateError:
		return fmt.Sprintf("error (%s, failed on: %s)", s.ErrorReason, strings.Join(s.FailedNodes, ", "))
	case s.State == StateStarted && s.Running:
		return fmt.Sprintf("started (%s)", s.Node)
	case s.State == StateStopped && cd.State.Normalize() == RequestedStopped:
		return "stopped"
	default:
		return fmt.Sprintf("%s (%s)", s.State, s.Node)
	}
}

// NodeState is one of the node-status-tracker states (§4.2).
type NodeState string

const (
	NodeOnline      NodeState = "online"
	NodeMaintenance NodeState = "maintenance"
	NodeUnknown     NodeState = "unknown"
	NodeFence       NodeState = "fence"
	NodeGone        NodeState = "gone"
)

// NodeRequest captures administrator intent about a node that the tracker
// alone cannot see, e.g. maintenance enabled via the CLI.
type NodeRequest struct {
	Maintenance bool `json:"maintenance,omitempty"`
}

// ManagerStatus is the single document the CRM master owns and rewrites
// atomically every loop iteration (invariant 1).
type ManagerStatus struct {
	MasterNode    string                      `json:"master_node"`
	Timestamp     int64                       `json:"timestamp"` // unix seconds, environment clock
	NodeStatus    map[string]NodeState        `json:"node_status"`
	ServiceStatus map[ServiceID]ServiceStatus `json:"service_status"`
	NodeRequest   map[string]NodeRequest      `json:"node_request"`
}

// NewManagerStatus returns an empty, initialized ManagerStatus.
func NewManagerStatus() *ManagerStatus {
	return &ManagerStatus{
		NodeStatus:    make(map[string]NodeState),
		ServiceStatus: make(map[ServiceID]ServiceStatus),
		NodeRequest:   make(map[string]NodeRequest),
	}
}

// SortedServiceIDs returns service ids in stable, sorted order, matching the
// "state-change text is stable and sorted by key" requirement in §4.6.
func (m *ManagerStatus) SortedServiceIDs() []ServiceID {
	ids := make([]ServiceID, 0, len(m.ServiceStatus))
	for id := range m.ServiceStatus {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// LRMMode is the LRM's self-reported operating mode (§4.8).
type LRMMode string

const (
	ModeActive      LRMMode = "active"
	ModeMaintenance LRMMode = "maintenance"
	ModeRestart     LRMMode = "restart"
	ModeShutdown    LRMMode = "shutdown"
)

// ExitCode is the shared LRM/driver result contract (§4.8).
type ExitCode int

const (
	ExitSuccess   ExitCode = 0
	ExitError     ExitCode = 1
	ExitWrongNode ExitCode = 2
	ExitIgnored   ExitCode = 3
)

// LRMResult is one entry of LRMStatus.Results, keyed by the UID the CRM
// minted for the transition that requested the work.
type LRMResult struct {
	ExitCode ExitCode `json:"exit_code"`
}

// LRMStatus is the per-node document an LRM owns and rewrites (invariant 2).
type LRMStatus struct {
	Mode      LRMMode              `json:"mode"`
	State     string               `json:"state"`
	Timestamp int64                `json:"timestamp"`
	Results   map[string]LRMResult `json:"results"`
}

// NewLRMStatus returns an empty, initialized LRMStatus in active mode.
func NewLRMStatus() *LRMStatus {
	return &LRMStatus{
		Mode:    ModeActive,
		Results: make(map[string]LRMResult),
	}
}

// FenceMode selects how the fence orchestrator proves a node is dead (§4.3).
type FenceMode string

const (
	FenceModeWatchdog FenceMode = "watchdog"
	FenceModeHardware FenceMode = "hardware"
)

// PlacementPreference biases select_service_node (§4.5).
type PlacementPreference string

const (
	PreferenceNone      PlacementPreference = "none"
	PreferenceBestScore PlacementPreference = "best-score"
	PreferenceTryNext   PlacementPreference = "try-next"
)
