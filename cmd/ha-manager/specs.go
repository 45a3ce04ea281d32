package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bins-dev/pve-ha-manager/pkg/registry/ctdriver"
	"github.com/bins-dev/pve-ha-manager/pkg/registry/vmdriver"
)

// driverSpecsFile is the YAML shape read from --driver-specs: the static,
// per-resource configuration the vm/ct drivers need to bring up an
// instance they don't yet have a handle to (§9 "Dynamic plugin registry").
// Resource identity (type:name) and placement still come from
// resources.cfg; this file only supplies what the driver alone owns
// (image references, guest sizing).
type driverSpecsFile struct {
	VMs map[string]struct {
		CPUs      int    `yaml:"cpus"`
		MemoryMiB int64  `yaml:"memory_mib"`
		ImageURL  string `yaml:"image_url"`
	} `yaml:"vms"`
	CTs map[string]struct {
		Image       string   `yaml:"image"`
		Env         []string `yaml:"env"`
		SecretsPath string   `yaml:"secrets_path"`
	} `yaml:"cts"`
}

func loadDriverSpecs(path string) (driverSpecsFile, error) {
	var out driverSpecsFile
	if path == "" {
		return out, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return out, fmt.Errorf("ha-manager: read driver specs: %w", err)
	}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("ha-manager: parse driver specs: %w", err)
	}
	return out, nil
}

func (f driverSpecsFile) vmSpecs() map[string]vmdriver.Spec {
	out := make(map[string]vmdriver.Spec, len(f.VMs))
	for name, s := range f.VMs {
		out[name] = vmdriver.Spec{CPUs: s.CPUs, MemoryMiB: s.MemoryMiB, ImageURL: s.ImageURL}
	}
	return out
}

func (f driverSpecsFile) ctSpecs() map[string]ctdriver.Spec {
	out := make(map[string]ctdriver.Spec, len(f.CTs))
	for name, s := range f.CTs {
		out[name] = ctdriver.Spec{Image: s.Image, Env: s.Env, SecretsPath: s.SecretsPath}
	}
	return out
}

func addDriverSpecFlags(cmd *cobra.Command) {
	cmd.Flags().String("driver-specs", "", "YAML file of per-resource vm/ct driver specs (image, sizing)")
	cmd.Flags().String("containerd-socket", "/run/containerd/containerd.sock", "containerd socket for the ct driver")
}
