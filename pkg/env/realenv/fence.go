package realenv

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/bins-dev/pve-ha-manager/pkg/env"
	"github.com/bins-dev/pve-ha-manager/pkg/lock"
)

// WatchdogStealFencer proves a node is dead by stealing its agent lock
// (§4.3 "watchdog mode"): the steal only succeeds once the lock's lease has
// expired, which cannot happen while that node's LRM is still alive and
// refreshing it. Mirrors pkg/env/simenv's watchdogStealFencer against the
// same LockManager the CRM and LRM loops already share.
type WatchdogStealFencer struct {
	Locks *LockManager
}

func (f *WatchdogStealFencer) Fence(ctx context.Context, node string) env.FenceResult {
	handle, err := f.Locks.Steal(ctx, lock.AgentLockName(node), lock.Lifetime)
	if err != nil {
		return env.FenceResult{Success: false, Reason: err.Error()}
	}
	_ = handle.Release(ctx)
	return env.FenceResult{Success: true, Reason: "stole agent lock"}
}

// FenceDevice is one configured fence agent invocation, assembled from
// fence.cfg (§6 "Cluster KV"). Argv is the full command line, built by
// pkg/config from the device's agent name and parameters.
type FenceDevice struct {
	Name    string
	Argv    []string
	Timeout time.Duration
}

// FenceGroup is a set of devices that must all succeed for the group to
// succeed (§4.3 hardware mode).
type FenceGroup struct {
	Devices []FenceDevice
}

// HardwareFencer executes configured fence devices with os/exec, modeled
// on the teacher's ExecChecker (timeout via context, captured stdout/
// stderr, exit-code interpretation) but with the fencing-specific
// "exit 5 == already off" success case (§4.3).
type HardwareFencer struct {
	Groups []FenceGroup
}

func (f *HardwareFencer) Fence(ctx context.Context, node string) env.FenceResult {
	for _, group := range f.Groups {
		if runGroup(ctx, group) {
			return env.FenceResult{Success: true, Reason: "fence group succeeded"}
		}
	}
	return env.FenceResult{Success: false, Reason: "no fence group succeeded"}
}

func runGroup(ctx context.Context, group FenceGroup) bool {
	for _, device := range group.Devices {
		if !runDevice(ctx, device) {
			return false
		}
	}
	return true
}

func runDevice(ctx context.Context, device FenceDevice) bool {
	timeout := device.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if len(device.Argv) == 0 {
		return false
	}

	cmd := exec.CommandContext(execCtx, device.Argv[0], device.Argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return true
	}

	exitErr, ok := err.(*exec.ExitError)
	if ok && exitErr.ExitCode() == 5 {
		// Device reports the node is already off: treated as success (§4.3).
		return true
	}
	return false
}
