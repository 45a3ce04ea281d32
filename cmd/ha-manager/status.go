package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bins-dev/pve-ha-manager/pkg/config"
	"github.com/bins-dev/pve-ha-manager/pkg/crm"
	"github.com/bins-dev/pve-ha-manager/pkg/env"
	"github.com/bins-dev/pve-ha-manager/pkg/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cluster-wide service and node status",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		return runStatus(cmd, asJSON)
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "Print the raw manager_status document as JSON")
}

func runStatus(cmd *cobra.Command, asJSON bool) error {
	kv, err := openKVStore(cmd)
	if err != nil {
		return err
	}
	defer kv.Close()

	ctx := context.Background()
	ms, err := readManagerStatusDoc(ctx, kv)
	if err != nil {
		return err
	}
	resources, err := readResourcesDoc(ctx, kv)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(ms)
	}

	fmt.Printf("master: %s\n\n", orNone(ms.MasterNode))

	fmt.Println("nodes:")
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for node, state := range ms.NodeStatus {
		maint := ""
		if ms.NodeRequest[node].Maintenance {
			maint = "maintenance-requested"
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\n", node, state, maint)
	}
	w.Flush()

	fmt.Println("\nservices:")
	w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, sid := range ms.SortedServiceIDs() {
		sd := ms.ServiceStatus[sid]
		cfg := resources[sid]
		fmt.Fprintf(w, "  %s\t%s\n", sid, sd.Describe(cfg))
	}
	w.Flush()

	return nil
}

func orNone(s string) string {
	if s == "" {
		return "(none elected)"
	}
	return s
}

// readManagerStatusDoc reads and decodes the manager_status document
// directly, independent of pkg/crm's Manager (the CLI has no running loop
// of its own — it is just a reader/writer of the shared KV, §6).
func readManagerStatusDoc(ctx context.Context, kv env.KVStore) (*types.ManagerStatus, error) {
	data, err := kv.Read(ctx, crm.PathManagerStatus)
	if errors.Is(err, env.ErrNotExist) {
		return types.NewManagerStatus(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("ha-manager: read manager_status: %w", err)
	}
	ms := types.NewManagerStatus()
	if err := json.Unmarshal(data, ms); err != nil {
		return nil, fmt.Errorf("ha-manager: decode manager_status: %w", err)
	}
	return ms, nil
}

// readResourcesDoc reads resources.cfg, tolerating an absent document (no
// resources declared yet).
func readResourcesDoc(ctx context.Context, kv env.KVStore) (map[types.ServiceID]types.ServiceConfig, error) {
	data, err := kv.Read(ctx, crm.PathResourcesCfg)
	if errors.Is(err, env.ErrNotExist) {
		return make(map[types.ServiceID]types.ServiceConfig), nil
	}
	if err != nil {
		return nil, fmt.Errorf("ha-manager: read resources.cfg: %w", err)
	}
	resources, err := config.ParseResources(data)
	if err != nil {
		return nil, fmt.Errorf("ha-manager: parse resources.cfg: %w", err)
	}
	return resources, nil
}
