// Command ha-manager is the operator-facing CLI and daemon entry point for
// the cluster: it can run the CRM or LRM control loop, or issue one-shot
// administrative commands (resource/group CRUD, migrate/relocate/stop,
// node maintenance) against the shared cluster KV (§4.7, §6).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build).
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "ha-manager",
	Short:   "HA cluster resource manager",
	Long:    "ha-manager runs the cluster resource manager (crm) and local resource manager (lrm) control loops, and issues administrative commands against the shared cluster store.",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"ha-manager version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("data-dir", "/var/lib/ha-manager", "Cluster KV data directory (bbolt store)")
	rootCmd.PersistentFlags().String("node-id", "", "This node's name (defaults to the OS hostname)")
	rootCmd.PersistentFlags().StringSlice("nodes", nil, "Comma-separated list of cluster member node names")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit JSON-formatted logs instead of console output")

	rootCmd.AddCommand(crmCmd)
	rootCmd.AddCommand(lrmCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resourceCmd)
	rootCmd.AddCommand(groupCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(relocateCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(applyCmd)
}
