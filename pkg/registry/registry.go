// Package registry implements C3: the resource-type plugin registry. Every
// managed service's type prefix (the "vm" in "vm:100") selects a Driver,
// looked up once per operation rather than cached on the service itself, so
// that a driver can be swapped between CRM loop iterations in tests.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bins-dev/pve-ha-manager/pkg/types"
)

// Driver is the frozen capability set a resource type must implement (§6,
// §9 "Dynamic plugin registry"). All methods take the service's bare name
// (the part after the ":"), never the full ServiceID — drivers don't need
// to know about type prefixes.
type Driver interface {
	// VerifyName reports whether name is syntactically valid for this type.
	VerifyName(name string) error

	// Exists reports whether the resource is configured on node at all.
	Exists(ctx context.Context, node, name string) (bool, error)

	// Start brings the resource up on node.
	Start(ctx context.Context, node, name string) error

	// Shutdown stops the resource on node, attempting a graceful shutdown
	// within timeout before a forced stop.
	Shutdown(ctx context.Context, node, name string, timeout time.Duration) error

	// Migrate moves the resource from node to target. If online is true the
	// driver should attempt a live migration; otherwise it may stop/start.
	Migrate(ctx context.Context, node, target, name string, online bool) error

	// CheckRunning reports whether the resource is currently running on node.
	CheckRunning(ctx context.Context, node, name string) (bool, error)

	// ConfigFile returns the path to the resource's configuration file on
	// node. The CRM and LRM do not call it; configuration drift reaches
	// the CRM through Exists, as the LRM's ExitWrongNode result.
	ConfigFile(node, name string) string

	// RemoveLocks clears the named backup/migration locks held by the
	// resource on node, called during recovery (§4.6 "recovery" state).
	RemoveLocks(ctx context.Context, node, name string, locks []string) error

	// GetStaticStats returns the resource's configured CPU/memory shares for
	// the static usage scheduler (§4.4); ok is false when unconfigured.
	GetStaticStats(node, name string) (cpu float64, memoryMiB int64, ok bool)
}

// Registry maps a resource type prefix to its Driver. Registration happens
// at process init and is frozen once the CRM/LRM loops start (§9); Freeze
// enforces that by rejecting further Register calls.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
	frozen  bool
}

// New returns an empty, unfrozen Registry.
func New() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// Register adds a driver for typ. Panics if called after Freeze, matching
// the teacher's pattern of failing fast on programmer error rather than
// threading an error return through package-level init().
func (r *Registry) Register(typ string, d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic(fmt.Sprintf("registry: Register(%q) called after Freeze", typ))
	}
	r.drivers[typ] = d
}

// Freeze closes the registry to further registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Lookup resolves a ServiceID's type prefix to its Driver.
func (r *Registry) Lookup(sid types.ServiceID) (Driver, error) {
	typ, _, err := sid.Split()
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[typ]
	if !ok {
		return nil, fmt.Errorf("registry: no driver registered for type %q", typ)
	}
	return d, nil
}

// Types returns every registered type prefix, for diagnostics.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.drivers))
	for t := range r.drivers {
		out = append(out, t)
	}
	return out
}
