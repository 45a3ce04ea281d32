package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bins-dev/pve-ha-manager/pkg/env/realenv"
	halog "github.com/bins-dev/pve-ha-manager/pkg/log"
)

// resolveNodeID returns the configured --node-id, falling back to the OS
// hostname (mirroring the LRM's own node identity lookup in a real
// deployment, where it comes from the cluster filesystem).
func resolveNodeID(cmd *cobra.Command) (string, error) {
	id, _ := cmd.Flags().GetString("node-id")
	if id != "" {
		return id, nil
	}
	host, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("ha-manager: resolve node id: %w", err)
	}
	return host, nil
}

// initLogger builds the process-wide logger from --log-level/--log-json and
// returns a node-scoped child logger.
func initLogger(cmd *cobra.Command, nodeID string) zerolog.Logger {
	level, _ := cmd.Flags().GetString("log-level")
	jsonOut, _ := cmd.Flags().GetBool("log-json")
	halog.Init(halog.Config{Level: halog.Level(level), JSONOutput: jsonOut})
	return halog.WithNodeID(nodeID)
}

// openKVStore opens the bbolt-backed cluster KV under --data-dir, creating
// the directory if needed.
func openKVStore(cmd *cobra.Command) (*realenv.KVStore, error) {
	dir, _ := cmd.Flags().GetString("data-dir")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("ha-manager: create data dir: %w", err)
	}
	return realenv.OpenKVStore(filepath.Join(dir, "cluster.db"))
}

// staticMembership implements realenv.Membership from a fixed node list
// supplied on the command line. Real cluster membership detection (pmxcfs)
// is an external collaborator this project never reimplements (§1); a
// single-process deployment of this illustrative CLI has no equivalent
// gossip layer, so the operator declares the member list explicitly and
// every declared node is always treated as online and the cluster as
// quorate. A production deployment would replace this with a Membership
// backed by the real cluster's corosync/pmxcfs view.
type staticMembership struct {
	nodes []string
}

func newStaticMembership(nodes []string) *staticMembership {
	return &staticMembership{nodes: nodes}
}

func (s *staticMembership) Online() map[string]bool {
	out := make(map[string]bool, len(s.nodes))
	for _, n := range s.nodes {
		out[n] = true
	}
	return out
}

func (s *staticMembership) Quorate() bool {
	return len(s.nodes) > 0
}
