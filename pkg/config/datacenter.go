package config

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bins-dev/pve-ha-manager/pkg/types"
)

// DatacenterConfig is the subset of datacenter.cfg the HA stack reads: the
// scheduler mode used by select_service_node (§4.4, §4.6 step 5) and the
// fencing mode (§4.3).
type DatacenterConfig struct {
	SchedulerMode string // "basic" or "static"
	FenceMode     types.FenceMode
	FenceDelay    time.Duration
}

// DefaultDatacenterConfig mirrors the documented defaults (§3, §9).
func DefaultDatacenterConfig() DatacenterConfig {
	return DatacenterConfig{
		SchedulerMode: "basic",
		FenceMode:     types.FenceModeWatchdog,
		FenceDelay:    60 * time.Second,
	}
}

// ParseDatacenter parses datacenter.cfg's flat "ha: key=value,key=value"
// line format (§6). Unlike resources.cfg/groups.cfg, datacenter.cfg is not
// sectioned by resource identity — it carries one logical line per
// subsystem, so this parser works directly off bufio.Scanner rather than
// splitSections.
func ParseDatacenter(data []byte) (DatacenterConfig, error) {
	cfg := DefaultDatacenterConfig()

	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, rest, ok := strings.Cut(line, ":")
		if !ok {
			return cfg, fmt.Errorf("config: datacenter.cfg line %d: malformed %q", lineNo, line)
		}
		if strings.TrimSpace(key) != "ha" {
			continue
		}

		for _, pair := range strings.Split(rest, ",") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			k, v, ok := strings.Cut(pair, "=")
			if !ok {
				return cfg, fmt.Errorf("config: datacenter.cfg line %d: malformed property %q", lineNo, pair)
			}
			k, v = strings.TrimSpace(k), strings.TrimSpace(v)

			switch k {
			case "shutdown_policy":
				// Accepted but not modeled: LRM shutdown policy beyond the
				// mode transitions already implemented by pkg/lrm.
			case "scheduler":
				if v != "basic" && v != "static" {
					return cfg, fmt.Errorf("config: datacenter.cfg line %d: unknown scheduler mode %q", lineNo, v)
				}
				cfg.SchedulerMode = v
			case "fence_mode":
				switch v {
				case string(types.FenceModeWatchdog):
					cfg.FenceMode = types.FenceModeWatchdog
				case string(types.FenceModeHardware):
					cfg.FenceMode = types.FenceModeHardware
				default:
					return cfg, fmt.Errorf("config: datacenter.cfg line %d: unknown fence_mode %q", lineNo, v)
				}
			case "fence_delay":
				secs, err := strconv.Atoi(v)
				if err != nil {
					return cfg, fmt.Errorf("config: datacenter.cfg line %d: fence_delay: %w", lineNo, err)
				}
				cfg.FenceDelay = time.Duration(secs) * time.Second
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return cfg, fmt.Errorf("config: scan: %w", err)
	}
	return cfg, nil
}
