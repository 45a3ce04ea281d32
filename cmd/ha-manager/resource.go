package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bins-dev/pve-ha-manager/pkg/config"
	"github.com/bins-dev/pve-ha-manager/pkg/types"
)

var resourceCmd = &cobra.Command{
	Use:     "resource",
	Aliases: []string{"resources"},
	Short:   "Manage HA-managed resources (resources.cfg)",
}

var resourceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured resources",
	RunE: func(cmd *cobra.Command, args []string) error {
		kv, err := openKVStore(cmd)
		if err != nil {
			return err
		}
		defer kv.Close()

		resources, err := readResourcesDoc(context.Background(), kv)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SID\tNODE\tSTATE\tGROUP\tFAILBACK")
		for _, sid := range config.SortedServiceIDs(resources) {
			cfg := resources[sid]
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\n", sid, cfg.Node, cfg.State, cfg.Group, cfg.Failback)
		}
		return w.Flush()
	},
}

var resourceAddCmd = &cobra.Command{
	Use:   "add <sid> <node>",
	Short: "Add a resource (vm:100 or ct:200) pinned to a starting node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sid, err := parseSID(args[0])
		if err != nil {
			return err
		}
		group, _ := cmd.Flags().GetString("group")
		maxRestart, _ := cmd.Flags().GetInt("max-restart")
		maxRelocate, _ := cmd.Flags().GetInt("max-relocate")
		comment, _ := cmd.Flags().GetString("comment")

		return mutateResources(cmd, func(resources map[types.ServiceID]types.ServiceConfig) error {
			if _, exists := resources[sid]; exists {
				return fmt.Errorf("ha-manager: resource %s already exists", sid)
			}
			cfg := types.DefaultServiceConfig()
			cfg.Node = args[1]
			cfg.Group = group
			cfg.MaxRestart = maxRestart
			cfg.MaxRelocate = maxRelocate
			cfg.Comment = comment
			resources[sid] = cfg
			return nil
		})
	},
}

var resourceSetCmd = &cobra.Command{
	Use:   "set <sid>",
	Short: "Update a resource's requested state, group, or comment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sid, err := parseSID(args[0])
		if err != nil {
			return err
		}
		state, stateSet := getChangedString(cmd, "state")
		group, groupSet := getChangedString(cmd, "group")
		comment, commentSet := getChangedString(cmd, "comment")

		return mutateResources(cmd, func(resources map[types.ServiceID]types.ServiceConfig) error {
			cfg, ok := resources[sid]
			if !ok {
				return fmt.Errorf("ha-manager: resource %s not found", sid)
			}
			if stateSet {
				cfg.State = types.RequestedState(state)
			}
			if groupSet {
				cfg.Group = group
			}
			if commentSet {
				cfg.Comment = comment
			}
			resources[sid] = cfg
			return nil
		})
	},
}

var resourceRemoveCmd = &cobra.Command{
	Use:   "remove <sid>",
	Short: "Remove a resource from resources.cfg",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sid, err := parseSID(args[0])
		if err != nil {
			return err
		}
		return mutateResources(cmd, func(resources map[types.ServiceID]types.ServiceConfig) error {
			if _, ok := resources[sid]; !ok {
				return fmt.Errorf("ha-manager: resource %s not found", sid)
			}
			delete(resources, sid)
			return nil
		})
	},
}

func init() {
	resourceAddCmd.Flags().String("group", "", "Failover group to assign")
	resourceAddCmd.Flags().Int("max-restart", types.DefaultServiceConfig().MaxRestart, "Restart limit stored in resources.cfg (retries are bounded by max-relocate only)")
	resourceAddCmd.Flags().Int("max-relocate", types.DefaultServiceConfig().MaxRelocate, "Maximum relocation attempts before erroring")
	resourceAddCmd.Flags().String("comment", "", "Free-form comment")

	resourceSetCmd.Flags().String("state", "", "Requested state: started, stopped, disabled, ignored")
	resourceSetCmd.Flags().String("group", "", "Failover group to assign")
	resourceSetCmd.Flags().String("comment", "", "Free-form comment")

	resourceCmd.AddCommand(resourceListCmd, resourceAddCmd, resourceSetCmd, resourceRemoveCmd)
}

// parseSID validates a "<type>:<name>" resource identifier from the CLI.
func parseSID(raw string) (types.ServiceID, error) {
	sid := types.ServiceID(raw)
	if _, _, err := sid.Split(); err != nil {
		return "", fmt.Errorf("ha-manager: invalid resource id %q: %w", raw, err)
	}
	return sid, nil
}

// getChangedString reports a string flag's value and whether the operator
// actually set it, so "set" only touches the fields named on the command
// line.
func getChangedString(cmd *cobra.Command, name string) (string, bool) {
	v, _ := cmd.Flags().GetString(name)
	return v, cmd.Flags().Changed(name)
}

// mutateResources reads resources.cfg, applies mutate, and writes the
// rendered result back — a read-modify-write cycle against the shared KV
// document, same as the CRM's own config reload (§6).
func mutateResources(cmd *cobra.Command, mutate func(map[types.ServiceID]types.ServiceConfig) error) error {
	kv, err := openKVStore(cmd)
	if err != nil {
		return err
	}
	defer kv.Close()

	ctx := context.Background()
	resources, err := readResourcesDoc(ctx, kv)
	if err != nil {
		return err
	}
	if err := mutate(resources); err != nil {
		return err
	}
	return kv.Write(ctx, pathResourcesCfg, config.RenderResources(resources))
}

const pathResourcesCfg = "resources.cfg"
