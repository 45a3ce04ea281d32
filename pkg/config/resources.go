// Package config implements C4: parsing and validation of the native
// Proxmox-style section text formats (§6 "Cluster KV"): resources.cfg,
// groups.cfg, fence.cfg, and datacenter.cfg. No library in the retrieved
// pack parses this exact section format (one header line per block,
// followed by two-space-indented key/value lines) — see DESIGN.md for why
// this stays a small bufio.Scanner-based parser instead of reaching for a
// third-party config library.
package config

import (
	"bufio"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/bins-dev/pve-ha-manager/pkg/types"
)

// section is one "<header>\n  key value\n…" block.
type section struct {
	header string
	props  map[string]string
}

// splitSections scans data into header/props blocks. A line with no
// leading whitespace starts a new section; indented lines are "key value"
// pairs belonging to the current section. Blank lines and lines beginning
// with '#' are ignored.
func splitSections(data []byte) ([]section, error) {
	var sections []section
	var current *section

	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		if !strings.HasPrefix(raw, " ") && !strings.HasPrefix(raw, "\t") {
			sections = append(sections, section{header: trimmed, props: make(map[string]string)})
			current = &sections[len(sections)-1]
			continue
		}

		if current == nil {
			return nil, fmt.Errorf("config: line %d: property outside any section: %q", lineNo, raw)
		}
		key, value, ok := strings.Cut(trimmed, " ")
		if !ok {
			key, value = trimmed, ""
		}
		current.props[key] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: scan: %w", err)
	}
	return sections, nil
}

// ParseResources parses resources.cfg: one section per service, headed
// "<type>: <name>" (§6).
func ParseResources(data []byte) (map[types.ServiceID]types.ServiceConfig, error) {
	sections, err := splitSections(data)
	if err != nil {
		return nil, err
	}

	out := make(map[types.ServiceID]types.ServiceConfig, len(sections))
	for _, sec := range sections {
		typ, name, ok := strings.Cut(sec.header, ":")
		if !ok {
			return nil, fmt.Errorf("config: malformed resource header %q", sec.header)
		}
		typ = strings.TrimSpace(typ)
		name = strings.TrimSpace(name)
		if typ == "" || name == "" {
			return nil, fmt.Errorf("config: malformed resource header %q", sec.header)
		}

		cfg := types.DefaultServiceConfig()
		cfg.Node = sec.props["node"]
		if state, ok := sec.props["state"]; ok {
			cfg.State = types.RequestedState(state)
		} else {
			cfg.State = types.RequestedStarted
		}
		cfg.Group = sec.props["group"]
		cfg.Comment = sec.props["comment"]

		if v, ok := sec.props["failback"]; ok {
			b, err := parseBool(v)
			if err != nil {
				return nil, fmt.Errorf("config: resource %s: failback: %w", sec.header, err)
			}
			cfg.Failback = b
		}
		if v, ok := sec.props["max_restart"]; ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("config: resource %s: max_restart: %w", sec.header, err)
			}
			cfg.MaxRestart = n
		}
		if v, ok := sec.props["max_relocate"]; ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("config: resource %s: max_relocate: %w", sec.header, err)
			}
			cfg.MaxRelocate = n
		}
		if v, ok := sec.props["maxcpu"]; ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("config: resource %s: maxcpu: %w", sec.header, err)
			}
			cfg.MaxCPU = f
		}
		if v, ok := sec.props["maxmem"]; ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("config: resource %s: maxmem: %w", sec.header, err)
			}
			cfg.MaxMemory = n
		}

		out[types.NewServiceID(typ, name)] = cfg
	}
	return out, nil
}

// ParseGroups parses groups.cfg: one section per group, headed "group: <id>".
func ParseGroups(data []byte) (map[string]types.Group, error) {
	sections, err := splitSections(data)
	if err != nil {
		return nil, err
	}

	out := make(map[string]types.Group, len(sections))
	for _, sec := range sections {
		kind, id, ok := strings.Cut(sec.header, ":")
		if !ok || strings.TrimSpace(kind) != "group" {
			return nil, fmt.Errorf("config: malformed group header %q", sec.header)
		}
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("config: malformed group header %q", sec.header)
		}

		group := types.Group{ID: id, Nodes: make(map[string]int)}
		if v, ok := sec.props["nodes"]; ok {
			nodes, err := parseGroupNodes(v)
			if err != nil {
				return nil, fmt.Errorf("config: group %s: nodes: %w", id, err)
			}
			group.Nodes = nodes
		}
		if v, ok := sec.props["restricted"]; ok {
			b, err := parseBool(v)
			if err != nil {
				return nil, fmt.Errorf("config: group %s: restricted: %w", id, err)
			}
			group.Restricted = b
		}
		if v, ok := sec.props["nofailback"]; ok {
			b, err := parseBool(v)
			if err != nil {
				return nil, fmt.Errorf("config: group %s: nofailback: %w", id, err)
			}
			group.NoFailback = b
		}

		out[id] = group
	}
	return out, nil
}

// parseGroupNodes parses "n1[:p1],n2[:p2]", defaulting omitted priority to 1.
func parseGroupNodes(raw string) (map[string]int, error) {
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
			return nil, fmt.Errorf("node %q: priority %q: %w", node, pri, err)
		}
		out[node] = n
	}
	return out, nil
}

func parseBool(v string) (bool, error) {
	switch v {
	case "1", "true", "yes":
		return true, nil
	case "0", "false", "no", "":
		return false, nil
	default:
		return false, fmt.Errorf("not a boolean: %q", v)
	}
}

// SortedServiceIDs returns a stable sort order for map[ServiceID]ServiceConfig.
func SortedServiceIDs(m map[types.ServiceID]types.ServiceConfig) []types.ServiceID {
	ids := make([]types.ServiceID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// RenderResources is the inverse of ParseResources, used by the CLI's
// resource CRUD and apply commands to rewrite resources.cfg.
func RenderResources(m map[types.ServiceID]types.ServiceConfig) []byte {
	var b strings.Builder
	for _, id := range SortedServiceIDs(m) {
		cfg := m[id]
		typ, name, err := id.Split()
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", typ, name)
		if cfg.Node != "" {
			fmt.Fprintf(&b, "  node %s\n", cfg.Node)
		}
		fmt.Fprintf(&b, "  state %s\n", cfg.State)
		if cfg.Group != "" {
			fmt.Fprintf(&b, "  group %s\n", cfg.Group)
		}
		fmt.Fprintf(&b, "  failback %s\n", boolString(cfg.Failback))
		fmt.Fprintf(&b, "  max_restart %d\n", cfg.MaxRestart)
		fmt.Fprintf(&b, "  max_relocate %d\n", cfg.MaxRelocate)
		if cfg.MaxCPU != 0 {
			fmt.Fprintf(&b, "  maxcpu %s\n", strconv.FormatFloat(cfg.MaxCPU, 'g', -1, 64))
		}
		if cfg.MaxMemory != 0 {
			fmt.Fprintf(&b, "  maxmem %d\n", cfg.MaxMemory)
		}
		if cfg.Comment != "" {
			fmt.Fprintf(&b, "  comment %s\n", cfg.Comment)
		}
		b.WriteString("\n")
	}
	return []byte(b.String())
}

// RenderGroups is the inverse of ParseGroups.
func RenderGroups(m map[string]types.Group) []byte {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	for _, id := range ids {
		g := m[id]
		fmt.Fprintf(&b, "group: %s\n", id)
		if len(g.Nodes) > 0 {
			fmt.Fprintf(&b, "  nodes %s\n", renderGroupNodes(g.Nodes))
		}
		fmt.Fprintf(&b, "  restricted %s\n", boolString(g.Restricted))
		fmt.Fprintf(&b, "  nofailback %s\n", boolString(g.NoFailback))
		b.WriteString("\n")
	}
	return []byte(b.String())
}

func renderGroupNodes(nodes map[string]int) string {
	names := make([]string, 0, len(nodes))
	for n := range nodes {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = fmt.Sprintf("%s:%d", n, nodes[n])
	}
	return strings.Join(parts, ",")
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
