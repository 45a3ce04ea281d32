package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate <sid> <node>",
	Short: "Live-migrate a running service to another node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := parseSID(args[0]); err != nil {
			return err
		}
		return queueCommand(cmd, fmt.Sprintf("migrate %s %s", args[0], args[1]))
	},
}

var relocateCmd = &cobra.Command{
	Use:   "relocate <sid> <node>",
	Short: "Stop and restart a service on another node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := parseSID(args[0]); err != nil {
			return err
		}
		return queueCommand(cmd, fmt.Sprintf("relocate %s %s", args[0], args[1]))
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <sid> [timeout-seconds]",
	Short: "Stop a service, optionally overriding its shutdown timeout",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := parseSID(args[0]); err != nil {
			return err
		}
		timeout := defaultStopTimeoutSeconds
		if len(args) == 2 {
			t, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("ha-manager: invalid timeout %q: %w", args[1], err)
			}
			timeout = t
		}
		return queueCommand(cmd, fmt.Sprintf("stop %s %d", args[0], timeout))
	},
}

// defaultStopTimeoutSeconds mirrors pkg/lrm.DefaultStopTimeout; kept as a
// plain constant here since the CLI has no reason to import pkg/lrm just
// for this one value.
const defaultStopTimeoutSeconds = 60
