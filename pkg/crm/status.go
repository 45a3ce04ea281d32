package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bins-dev/pve-ha-manager/pkg/config"
	"github.com/bins-dev/pve-ha-manager/pkg/env"
	"github.com/bins-dev/pve-ha-manager/pkg/types"
)

// Cluster KV paths (§6).
const (
	PathManagerStatus = "manager_status"
	PathCRMCommands   = "crm_commands"
	PathResourcesCfg  = "resources.cfg"
	PathGroupsCfg     = "groups.cfg"
	PathDatacenterCfg = "datacenter.cfg"
	PathFenceCfg      = "fence.cfg"
)

// PathLRMStatus returns the per-node lrm_status document path.
func PathLRMStatus(node string) string {
	return "lrm_status/" + node
}

// loadManagerStatus reads and decodes manager_status, returning a fresh
// ManagerStatus if the document does not exist yet (first master election).
func loadManagerStatus(ctx context.Context, kv env.KVStore) (*types.ManagerStatus, error) {
	data, err := kv.Read(ctx, PathManagerStatus)
	if errors.Is(err, env.ErrNotExist) {
		return types.NewManagerStatus(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("crm: read manager_status: %w", err)
	}
	var ms types.ManagerStatus
	if err := json.Unmarshal(data, &ms); err != nil {
		return nil, fmt.Errorf("crm: decode manager_status: %w", err)
	}
	if ms.NodeStatus == nil {
		ms.NodeStatus = make(map[string]types.NodeState)
	}
	if ms.ServiceStatus == nil {
		ms.ServiceStatus = make(map[types.ServiceID]types.ServiceStatus)
	}
	if ms.NodeRequest == nil {
		ms.NodeRequest = make(map[string]types.NodeRequest)
	}
	return &ms, nil
}

// flushManagerStatus writes ms atomically (§4.6 step 10).
func flushManagerStatus(ctx context.Context, kv env.KVStore, ms *types.ManagerStatus) error {
	data, err := json.Marshal(ms)
	if err != nil {
		return fmt.Errorf("crm: encode manager_status: %w", err)
	}
	if err := kv.Write(ctx, PathManagerStatus, data); err != nil {
		return fmt.Errorf("crm: write manager_status: %w", err)
	}
	return nil
}

// loadLRMStatus reads one node's lrm_status document, returning an empty
// active-mode status if it has never been written.
func loadLRMStatus(ctx context.Context, kv env.KVStore, node string) (*types.LRMStatus, error) {
	data, err := kv.Read(ctx, PathLRMStatus(node))
	if errors.Is(err, env.ErrNotExist) {
		return types.NewLRMStatus(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("crm: read lrm_status/%s: %w", node, err)
	}
	var st types.LRMStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("crm: decode lrm_status/%s: %w", node, err)
	}
	if st.Results == nil {
		st.Results = make(map[string]types.LRMResult)
	}
	return &st, nil
}

// lrmSnapshot is what the CRM loop derives from every node's lrm_status
// document each tick (§4.6 step 2: "derive (lrm_results, lrm_modes)").
type lrmSnapshot struct {
	modes   map[string]types.LRMMode
	results map[string]types.LRMResult // keyed by uid, pooled across all nodes
}

func collectLRMSnapshot(ctx context.Context, kv env.KVStore, nodes []string) (lrmSnapshot, error) {
	snap := lrmSnapshot{
		modes:   make(map[string]types.LRMMode, len(nodes)),
		results: make(map[string]types.LRMResult),
	}
	for _, node := range nodes {
		st, err := loadLRMStatus(ctx, kv, node)
		if err != nil {
			return lrmSnapshot{}, err
		}
		snap.modes[node] = st.Mode
		for uid, res := range st.Results {
			snap.results[uid] = res
		}
	}
	return snap, nil
}

// loadDatacenterConfig reads datacenter.cfg, falling back to the documented
// defaults if the cluster has never written one.
func loadDatacenterConfig(ctx context.Context, kv env.KVStore) (config.DatacenterConfig, error) {
	data, err := kv.Read(ctx, PathDatacenterCfg)
	if errors.Is(err, env.ErrNotExist) {
		return config.DefaultDatacenterConfig(), nil
	}
	if err != nil {
		return config.DatacenterConfig{}, fmt.Errorf("crm: read datacenter.cfg: %w", err)
	}
	dc, err := config.ParseDatacenter(data)
	if err != nil {
		return config.DatacenterConfig{}, fmt.Errorf("crm: %w", err)
	}
	return dc, nil
}

// loadResourcesAndGroups reads resources.cfg and groups.cfg, tolerating
// either being absent (empty cluster / no groups configured yet).
func loadResourcesAndGroups(ctx context.Context, kv env.KVStore) (map[types.ServiceID]types.ServiceConfig, map[string]types.Group, error) {
	resources := make(map[types.ServiceID]types.ServiceConfig)
	if data, err := kv.Read(ctx, PathResourcesCfg); err == nil {
		resources, err = config.ParseResources(data)
		if err != nil {
			return nil, nil, fmt.Errorf("crm: %w", err)
		}
	} else if !errors.Is(err, env.ErrNotExist) {
		return nil, nil, fmt.Errorf("crm: read resources.cfg: %w", err)
	}

	groups := make(map[string]types.Group)
	if data, err := kv.Read(ctx, PathGroupsCfg); err == nil {
		groups, err = config.ParseGroups(data)
		if err != nil {
			return nil, nil, fmt.Errorf("crm: %w", err)
		}
	} else if !errors.Is(err, env.ErrNotExist) {
		return nil, nil, fmt.Errorf("crm: read groups.cfg: %w", err)
	}

	return resources, groups, nil
}
