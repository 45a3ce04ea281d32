package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bins-dev/pve-ha-manager/pkg/env/realenv"
)

// FenceDeviceConfig is one "device: <name>" section of fence.cfg.
type FenceDeviceConfig struct {
	Name  string
	Agent string
	Args  map[string]string
}

// FenceGroupConfig is one "group: <name>" section of fence.cfg, listing
// the devices that must all succeed together (§4.3).
type FenceGroupConfig struct {
	Name    string
	Devices []string
}

// FenceConfig is the parsed fence.cfg: device definitions plus the groups
// that combine them.
type FenceConfig struct {
	Devices map[string]FenceDeviceConfig
	Groups  []FenceGroupConfig
}

// ParseFence parses fence.cfg: "device: <name>" sections with an `agent`
// property plus arbitrary agent arguments, and "group: <name>" sections
// listing a `devices` comma list (§6).
func ParseFence(data []byte) (*FenceConfig, error) {
	sections, err := splitSections(data)
	if err != nil {
		return nil, err
	}

	cfg := &FenceConfig{Devices: make(map[string]FenceDeviceConfig)}
	for _, sec := range sections {
		kind, name, ok := strings.Cut(sec.header, ":")
		if !ok {
			return nil, fmt.Errorf("config: malformed fence header %q", sec.header)
		}
		kind = strings.TrimSpace(kind)
		name = strings.TrimSpace(name)

		switch kind {
		case "device":
			device := FenceDeviceConfig{Name: name, Agent: sec.props["agent"], Args: make(map[string]string)}
			for k, v := range sec.props {
				if k == "agent" {
					continue
				}
				device.Args[k] = v
			}
			cfg.Devices[name] = device
		case "group":
			var devices []string
			for _, d := range strings.Split(sec.props["devices"], ",") {
				d = strings.TrimSpace(d)
				if d != "" {
					devices = append(devices, d)
				}
			}
			cfg.Groups = append(cfg.Groups, FenceGroupConfig{Name: name, Devices: devices})
		default:
			return nil, fmt.Errorf("config: unknown fence section kind %q", kind)
		}
	}
	return cfg, nil
}

// BuildHardwareFencer resolves the parsed fence.cfg into a realenv.HardwareFencer
// ready to run against a node.
func (c *FenceConfig) BuildHardwareFencer() (*realenv.HardwareFencer, error) {
	fencer := &realenv.HardwareFencer{}
	for _, group := range c.Groups {
		var rgroup realenv.FenceGroup
		for _, devName := range group.Devices {
			dev, ok := c.Devices[devName]
			if !ok {
				return nil, fmt.Errorf("config: fence group %s references unknown device %s", group.Name, devName)
			}
			argv, timeout, err := buildArgv(dev)
			if err != nil {
				return nil, fmt.Errorf("config: fence device %s: %w", dev.Name, err)
			}
			rgroup.Devices = append(rgroup.Devices, realenv.FenceDevice{Name: dev.Name, Argv: argv, Timeout: timeout})
		}
		fencer.Groups = append(fencer.Groups, rgroup)
	}
	return fencer, nil
}

func buildArgv(dev FenceDeviceConfig) ([]string, time.Duration, error) {
	if dev.Agent == "" {
		return nil, 0, fmt.Errorf("missing agent")
	}
	argv := []string{dev.Agent}
	timeout := 30 * time.Second

	for k, v := range dev.Args {
		if k == "timeout" {
			secs, err := strconv.Atoi(v)
			if err != nil {
				return nil, 0, fmt.Errorf("timeout: %w", err)
			}
			timeout = time.Duration(secs) * time.Second
			continue
		}
		argv = append(argv, fmt.Sprintf("--%s=%s", k, v))
	}
	return argv, timeout, nil
}
