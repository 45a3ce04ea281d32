package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bins-dev/pve-ha-manager/pkg/config"
	"github.com/bins-dev/pve-ha-manager/pkg/env"
	"github.com/bins-dev/pve-ha-manager/pkg/types"
)

const pathGroupsCfg = "groups.cfg"

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage failover groups (groups.cfg)",
}

var groupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		kv, err := openKVStore(cmd)
		if err != nil {
			return err
		}
		defer kv.Close()

		groups, err := readGroupsDoc(context.Background(), kv)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "GROUP\tNODES\tRESTRICTED\tNOFAILBACK")
		for _, id := range sortedGroupIDs(groups) {
			g := groups[id]
			fmt.Fprintf(w, "%s\t%s\t%v\t%v\n", id, formatGroupNodes(g), g.Restricted, g.NoFailback)
		}
		return w.Flush()
	},
}

var groupAddCmd = &cobra.Command{
	Use:   "add <id> <node[:priority],...>",
	Short: "Add a failover group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		nodes, err := parseGroupNodesFlag(args[1])
		if err != nil {
			return err
		}
		restricted, _ := cmd.Flags().GetBool("restricted")
		nofailback, _ := cmd.Flags().GetBool("nofailback")

		return mutateGroups(cmd, func(groups map[string]types.Group) error {
			if _, exists := groups[args[0]]; exists {
				return fmt.Errorf("ha-manager: group %s already exists", args[0])
			}
			groups[args[0]] = types.Group{
				ID:         args[0],
				Nodes:      nodes,
				Restricted: restricted,
				NoFailback: nofailback,
			}
			return nil
		})
	},
}

var groupRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a failover group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mutateGroups(cmd, func(groups map[string]types.Group) error {
			if _, ok := groups[args[0]]; !ok {
				return fmt.Errorf("ha-manager: group %s not found", args[0])
			}
			delete(groups, args[0])
			return nil
		})
	},
}

func init() {
	groupAddCmd.Flags().Bool("restricted", false, "Restrict services to only run on this group's nodes")
	groupAddCmd.Flags().Bool("nofailback", false, "Don't fail back to a higher-priority node once it returns")
	groupCmd.AddCommand(groupListCmd, groupAddCmd, groupRemoveCmd)
}

func parseGroupNodesFlag(raw string) (map[string]int, error) {
	out := make(map[string]int)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		node, pri, ok := strings.Cut(entry, ":")
		if !ok {
			out[node] = 1
			continue
		}
		n, err := strconv.Atoi(pri)
		if err != nil {
			return nil, fmt.Errorf("ha-manager: node %q priority %q: %w", node, pri, err)
		}
		out[node] = n
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("ha-manager: at least one node is required")
	}
	return out, nil
}

func formatGroupNodes(g types.Group) string {
	parts := make([]string, 0, len(g.Nodes))
	for _, n := range g.SortedNodes() {
		parts = append(parts, fmt.Sprintf("%s:%d", n, g.Nodes[n]))
	}
	return strings.Join(parts, ",")
}

func sortedGroupIDs(groups map[string]types.Group) []string {
	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func readGroupsDoc(ctx context.Context, kv env.KVStore) (map[string]types.Group, error) {
	data, err := kv.Read(ctx, pathGroupsCfg)
	if errors.Is(err, env.ErrNotExist) {
		return make(map[string]types.Group), nil
	}
	if err != nil {
		return nil, fmt.Errorf("ha-manager: read groups.cfg: %w", err)
	}
	groups, err := config.ParseGroups(data)
	if err != nil {
		return nil, fmt.Errorf("ha-manager: parse groups.cfg: %w", err)
	}
	return groups, nil
}

func mutateGroups(cmd *cobra.Command, mutate func(map[string]types.Group) error) error {
	kv, err := openKVStore(cmd)
	if err != nil {
		return err
	}
	defer kv.Close()

	ctx := context.Background()
	groups, err := readGroupsDoc(ctx, kv)
	if err != nil {
		return err
	}
	if err := mutate(groups); err != nil {
		return err
	}
	return kv.Write(ctx, pathGroupsCfg, config.RenderGroups(groups))
}
