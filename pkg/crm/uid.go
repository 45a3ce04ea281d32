package crm

import (
	"github.com/google/uuid"

	"github.com/bins-dev/pve-ha-manager/pkg/types"
)

// newUID mints a fresh sd.uid. Regenerated on every transition (and every
// intentional LRM re-request) so a worker's stale result can never be
// mistaken for the current one (§4.6 "uid matching").
func newUID() string {
	return uuid.NewString()
}

// recoveryVerb returns the per-type verb used to move a service off its
// current node: VMs support live migration, everything else is relocated
// (stop on the old node, start on the new one) (§4.6 "started" bullet).
func recoveryVerb(sid types.ServiceID) string {
	if sid.Type() == "vm" {
		return "migrate"
	}
	return "relocate"
}
