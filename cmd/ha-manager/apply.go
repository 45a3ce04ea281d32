package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bins-dev/pve-ha-manager/pkg/types"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a declarative resource or group file",
	Long: `Apply a cluster resource definition from a YAML file.

Examples:
  # Declare a VM as an HA resource
  ha-manager apply -f vm-100.yaml

  # Declare a failover group
  ha-manager apply -f group-rack1.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")
}

// haResource is the generic declarative shape this apply command accepts,
// modeled on the teacher's WarrenResource: a Kind-tagged document whose
// loosely-typed Spec map is interpreted differently per kind.
type haResource struct {
	APIVersion string                 `yaml:"apiVersion"`
	Kind       string                 `yaml:"kind"`
	Metadata   haResourceMetadata     `yaml:"metadata"`
	Spec       map[string]interface{} `yaml:"spec"`
}

type haResourceMetadata struct {
	Name string `yaml:"name"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("ha-manager: read file: %w", err)
	}

	var resource haResource
	if err := yaml.Unmarshal(data, &resource); err != nil {
		return fmt.Errorf("ha-manager: parse YAML: %w", err)
	}

	switch resource.Kind {
	case "Resource":
		return applyResourceKind(cmd, &resource)
	case "Group":
		return applyGroupKind(cmd, &resource)
	default:
		return fmt.Errorf("ha-manager: unsupported resource kind: %s", resource.Kind)
	}
}

// applyResourceKind upserts one resources.cfg entry from:
//
//	apiVersion: ha/v1
//	kind: Resource
//	metadata:
//	  name: vm:100
//	spec:
//	  node: pve1
//	  state: started
//	  group: rack1
//	  maxRestart: 2
//	  maxRelocate: 1
func applyResourceKind(cmd *cobra.Command, resource *haResource) error {
	sid, err := parseSID(resource.Metadata.Name)
	if err != nil {
		return err
	}

	return mutateResources(cmd, func(resources map[types.ServiceID]types.ServiceConfig) error {
		cfg, exists := resources[sid]
		if !exists {
			cfg = types.DefaultServiceConfig()
		}
		cfg.Node = getString(resource.Spec, "node", cfg.Node)
		if state := getString(resource.Spec, "state", ""); state != "" {
			cfg.State = types.RequestedState(state)
		}
		cfg.Group = getString(resource.Spec, "group", cfg.Group)
		cfg.Comment = getString(resource.Spec, "comment", cfg.Comment)
		cfg.MaxRestart = getInt(resource.Spec, "maxRestart", cfg.MaxRestart)
		cfg.MaxRelocate = getInt(resource.Spec, "maxRelocate", cfg.MaxRelocate)
		resources[sid] = cfg

		verb := "created"
		if exists {
			verb = "updated"
		}
		fmt.Printf("resource %s %s\n", sid, verb)
		return nil
	})
}

// applyGroupKind upserts one groups.cfg entry from:
//
//	apiVersion: ha/v1
//	kind: Group
//	metadata:
//	  name: rack1
//	spec:
//	  nodes: "pve1:2,pve2:1"
//	  restricted: true
//	  nofailback: false
func applyGroupKind(cmd *cobra.Command, resource *haResource) error {
	id := resource.Metadata.Name
	if id == "" {
		return fmt.Errorf("ha-manager: group metadata.name is required")
	}

	nodes, err := parseGroupNodesFlag(getString(resource.Spec, "nodes", ""))
	if err != nil {
		return err
	}

	return mutateGroups(cmd, func(groups map[string]types.Group) error {
		_, exists := groups[id]
		groups[id] = types.Group{
			ID:         id,
			Nodes:      nodes,
			Restricted: getBool(resource.Spec, "restricted", false),
			NoFailback: getBool(resource.Spec, "nofailback", false),
		}

		verb := "created"
		if exists {
			verb = "updated"
		}
		fmt.Printf("group %s %s\n", id, verb)
		return nil
	})
}

func getString(m map[string]interface{}, key, defaultValue string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return defaultValue
}

func getInt(m map[string]interface{}, key string, defaultValue int) int {
	if v, ok := m[key]; ok {
		switch val := v.(type) {
		case int:
			return val
		case float64:
			return int(val)
		}
	}
	return defaultValue
}

func getBool(m map[string]interface{}, key string, defaultValue bool) bool {
	if v, ok := m[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return defaultValue
}
