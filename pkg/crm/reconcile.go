package crm

import (
	"github.com/bins-dev/pve-ha-manager/pkg/types"
)

// reconcileServices implements §4.6 step 7: add a fresh sd entry (in
// request_start or request_stop, per cd.State) for every configured
// service the manager hasn't seen before, and drop sd entries whose config
// is gone entirely or has become ignored.
func reconcileServices(ms *types.ManagerStatus, resources map[types.ServiceID]types.ServiceConfig, newUID func() string) {
	for sid, cd := range resources {
		if cd.Ignored() {
			delete(ms.ServiceStatus, sid)
			continue
		}
		if _, exists := ms.ServiceStatus[sid]; exists {
			continue
		}

		state := types.StateRequestStart
		if cd.State.Normalize() != types.RequestedStarted {
			state = types.StateStopped
		}
		ms.ServiceStatus[sid] = types.ServiceStatus{
			State: state,
			UID:   newUID(),
		}
	}

	for sid := range ms.ServiceStatus {
		cd, exists := resources[sid]
		if !exists || cd.Ignored() {
			delete(ms.ServiceStatus, sid)
		}
	}
}
