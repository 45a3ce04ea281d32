package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

const pathCRMCommands = "crm_commands"

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Administer cluster nodes",
}

var nodeMaintenanceCmd = &cobra.Command{
	Use:   "maintenance <enable|disable> <node>",
	Short: "Enable or disable maintenance mode for a node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var verb string
		switch args[0] {
		case "enable":
			verb = "enable-node-maintenance"
		case "disable":
			verb = "disable-node-maintenance"
		default:
			return fmt.Errorf("ha-manager: maintenance mode must be \"enable\" or \"disable\", got %q", args[0])
		}
		return queueCommand(cmd, fmt.Sprintf("%s %s", verb, args[1]))
	},
}

func init() {
	nodeCmd.AddCommand(nodeMaintenanceCmd)
}

// queueCommand appends one crm_commands line (§4.7) for the CRM master to
// pick up on its next tick.
func queueCommand(cmd *cobra.Command, line string) error {
	kv, err := openKVStore(cmd)
	if err != nil {
		return err
	}
	defer kv.Close()
	return kv.AppendLine(context.Background(), pathCRMCommands, line)
}
