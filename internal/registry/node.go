// Package registry tracks the fleet of self-registered inference nodes.
//
// Nodes announce themselves via heartbeats; the registry keeps their
// addresses, advertised models and load, marks them offline when heartbeats
// stop, and evicts them after a longer silence. A Redis mirror makes the
// fleet visible to replicas and operators.
package registry

import "time"

// Node status values.
const (
	StatusOnline   = "online"
	StatusDegraded = "degraded"
	StatusOffline  = "offline"
)

// NodeState is the registry's view of one inference node.
type NodeState struct {
	// NodeID is the worker-chosen stable identifier.
	NodeID string

	// TunnelURL, IPv4 and IPv6 are the connection strategies, tried in that
	// order. Any of them may be empty; at least one is guaranteed non-empty
	// for registered nodes.
	TunnelURL string
	IPv4      string
	IPv6      string

	// Port is the worker's inference API port (used with IPv4/IPv6).
	Port int

	// Models the node advertises. A "*" entry means the node claims to serve
	// any model.
	Models []string

	// CPULoad and MemoryLoad are 0..1 fractions from the last heartbeat.
	// Nil means the node did not report; schedulers treat missing load as
	// fully loaded.
	CPULoad    *float64
	MemoryLoad *float64

	// Status is online, degraded or offline.
	Status string

	// LastSeen is the time of the last accepted heartbeat.
	LastSeen time.Time

	// ActiveJobs counts in-flight dispatch attempts against this node.
	ActiveJobs int

	// FailureCount counts consecutive fully-failed dispatches. Reset by a
	// successful job or a heartbeat.
	FailureCount int

	// Metadata is free-form worker-reported annotation (gpu name, version).
	Metadata map[string]string
}

// CPULoadOrFull returns the reported CPU load, or 1.0 when the node did not
// report one. Missing load is treated pessimistically so silent nodes sort
// behind nodes that report real numbers.
func (n *NodeState) CPULoadOrFull() float64 {
	if n.CPULoad == nil {
		return 1.0
	}
	return *n.CPULoad
}

// ServesModel reports whether the node advertises the model (or "*").
func (n *NodeState) ServesModel(model string) bool {
	for _, m := range n.Models {
		if m == "*" || m == model {
			return true
		}
	}
	return false
}

// clone returns a deep copy for snapshot isolation.
func (n *NodeState) clone() *NodeState {
	cp := *n
	cp.Models = append([]string(nil), n.Models...)
	if n.CPULoad != nil {
		v := *n.CPULoad
		cp.CPULoad = &v
	}
	if n.MemoryLoad != nil {
		v := *n.MemoryLoad
		cp.MemoryLoad = &v
	}
	if n.Metadata != nil {
		cp.Metadata = make(map[string]string, len(n.Metadata))
		for k, v := range n.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
