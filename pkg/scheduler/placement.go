package scheduler

import (
	"github.com/bins-dev/pve-ha-manager/pkg/types"
)

// noGroupPriority is the synthetic priority given to online nodes outside
// an unrestricted group's explicit node list (§4.5 step 2).
const noGroupPriority = -1

// SelectServiceNode implements select_service_node (§4.5): given the
// effective group, current usage scores, online membership, and the
// service's current status, it picks the node the service should run on
// next. It returns ok=false when no eligible node exists ("cannot place
// now, retry next tick").
func SelectServiceNode(
	groups map[string]types.Group,
	online map[string]bool,
	scores map[string]float64,
	sid types.ServiceID,
	cd types.ServiceConfig,
	sd types.ServiceStatus,
	pref types.PlacementPreference,
) (string, bool) {
	group, hasGroup := groups[cd.Group]

	// Step 1/2: build priority -> online nodes, synthetic group if needed.
	priGroups := make(map[int][]string)
	if hasGroup {
		for node, pri := range group.Nodes {
			if online[node] {
				priGroups[pri] = append(priGroups[pri], node)
			}
		}
		if !group.Restricted {
			for node := range online {
				if _, explicit := group.Nodes[node]; !explicit && online[node] {
					priGroups[noGroupPriority] = append(priGroups[noGroupPriority], node)
				}
			}
		}
	} else {
		for node := range online {
			priGroups[0] = append(priGroups[0], node)
		}
	}

	if len(priGroups) == 0 {
		return "", false
	}

	// Step 3: top priority level.
	topPri := maxPriority(priGroups)
	topPriNodes := append([]string(nil), priGroups[topPri]...)

	// Step 4: try-next drops previously failed nodes from consideration.
	if pref == types.PreferenceTryNext && len(sd.FailedNodes) > 0 {
		topPriNodes = without(topPriNodes, sd.FailedNodes)
	}
	if len(topPriNodes) == 0 {
		return "", false
	}

	// Step 5: a pinned maintenance node in top_pri wins outright.
	if sd.MaintenanceNode != "" && contains(topPriNodes, sd.MaintenanceNode) {
		return sd.MaintenanceNode, true
	}

	// Step 6: nofailback keeps the current node if it's in the effective group at all.
	if pref == types.PreferenceNone && hasGroup && group.NoFailback {
		if inEffectiveGroup(group, online, sd.Node) {
			return sd.Node, true
		}
	}

	// Step 7: sticky placement — stay put if current node is still top priority.
	if pref == types.PreferenceNone && contains(topPriNodes, sd.Node) {
		return sd.Node, true
	}

	// Step 8: otherwise rank by (score, name) and pick according to preference.
	SortNodesByScore(topPriNodes, scores)

	switch pref {
	case types.PreferenceTryNext:
		for i, n := range topPriNodes {
			if n == sd.Node {
				return topPriNodes[(i+1)%len(topPriNodes)], true
			}
		}
		return topPriNodes[0], true
	default: // best-score, or none falling through because current isn't eligible
		return topPriNodes[0], true
	}
}

func maxPriority(priGroups map[int][]string) int {
	first := true
	top := 0
	for pri := range priGroups {
		if first || pri > top {
			top = pri
			first = false
		}
	}
	return top
}

func inEffectiveGroup(group types.Group, online map[string]bool, node string) bool {
	if node == "" {
		return false
	}
	if _, explicit := group.Nodes[node]; explicit {
		return online[node]
	}
	return !group.Restricted && online[node]
}

func contains(nodes []string, node string) bool {
	for _, n := range nodes {
		if n == node {
			return true
		}
	}
	return false
}

func without(nodes, exclude []string) []string {
	out := nodes[:0:0]
	for _, n := range nodes {
		skip := false
		for _, e := range exclude {
			if n == e {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, n)
		}
	}
	return out
}
