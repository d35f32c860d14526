package proxy

import (
	"sort"

	"github.com/nulpointcorp/llm-hub/internal/registry"
)

// priorityWeight converts one point of connector priority into scheduling
// bias. At 0.1 per point and priority capped at 10, a priority edge can
// never outweigh a whole in-flight job of load difference.
const priorityWeight = 0.1

// maxPriority caps the connector priority bias.
const maxPriority = 10

// selectCandidates picks the online nodes that can serve the model, best
// first. The sort key is (active_jobs − 0.1·priority, cpu load, failure
// count); missing cpu load sorts as fully loaded. Returns node IDs.
func selectCandidates(nodes []*registry.NodeState, model string, priority int) []string {
	if priority > maxPriority {
		priority = maxPriority
	}
	if priority < 0 {
		priority = 0
	}

	eligible := make([]*registry.NodeState, 0, len(nodes))
	for _, n := range nodes {
		if n.Status != registry.StatusOnline {
			continue
		}
		if !n.ServesModel(model) {
			continue
		}
		eligible = append(eligible, n)
	}

	bias := priorityWeight * float64(priority)
	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		la := float64(a.ActiveJobs) - bias
		lb := float64(b.ActiveJobs) - bias
		if la != lb {
			return la < lb
		}
		if a.CPULoadOrFull() != b.CPULoadOrFull() {
			return a.CPULoadOrFull() < b.CPULoadOrFull()
		}
		return a.FailureCount < b.FailureCount
	})

	ids := make([]string, len(eligible))
	for i, n := range eligible {
		ids[i] = n.NodeID
	}
	return ids
}
