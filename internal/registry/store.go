package registry

import (
	"errors"
	"sync"
	"time"
)

// ErrUnknownNode is returned for operations against an unregistered node ID.
var ErrUnknownNode = errors.New("registry: unknown node")

// Store is the in-memory node registry. All mutation goes through the mutex;
// Snapshot and Get return deep copies so callers can never alias internal
// state.
type Store struct {
	mu          sync.Mutex
	nodes       map[string]*NodeState
	maxFailures int
	now         func() time.Time
}

// NewStore returns an empty registry. maxFailures is the consecutive-failure
// count at which a node is marked degraded.
func NewStore(maxFailures int) *Store {
	return &Store{
		nodes:       make(map[string]*NodeState),
		maxFailures: maxFailures,
		now:         time.Now,
	}
}

// Upsert registers or refreshes a node from an accepted heartbeat. The
// heartbeat is authoritative for addresses, models, load and metadata; it
// forces the node online and clears its failure count. ActiveJobs survives
// because in-flight dispatches are still running against the node.
func (s *Store) Upsert(n *NodeState) *NodeState {
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := n.clone()
	fresh.Status = StatusOnline
	fresh.FailureCount = 0
	fresh.LastSeen = s.now()

	if prev, ok := s.nodes[fresh.NodeID]; ok {
		fresh.ActiveJobs = prev.ActiveJobs
	}
	s.nodes[fresh.NodeID] = fresh
	return fresh.clone()
}

// Restore reinserts a mirrored node on warm start, keeping its mirrored
// status and last-seen time so the sweeper can still expire it on schedule.
// Unlike Upsert it never fabricates liveness; nodes already registered (a
// heartbeat beat the warm start) are left alone.
func (s *Store) Restore(n *NodeState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[n.NodeID]; ok {
		return
	}
	fresh := n.clone()
	if fresh.Status == "" {
		fresh.Status = StatusOnline
	}
	if fresh.LastSeen.IsZero() {
		fresh.LastSeen = s.now()
	}
	s.nodes[fresh.NodeID] = fresh
}

// Get returns a copy of the node, or ErrUnknownNode.
func (s *Store) Get(nodeID string) (*NodeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return nil, ErrUnknownNode
	}
	return n.clone(), nil
}

// Snapshot returns deep copies of every registered node.
func (s *Store) Snapshot() []*NodeState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*NodeState, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n.clone())
	}
	return out
}

// Evict removes the node entirely. Evicting an unknown node returns
// ErrUnknownNode so the admin surface can report 404.
func (s *Store) Evict(nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[nodeID]; !ok {
		return ErrUnknownNode
	}
	delete(s.nodes, nodeID)
	return nil
}

// BeginJob increments the node's in-flight counter before a dispatch attempt.
func (s *Store) BeginJob(nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return ErrUnknownNode
	}
	n.ActiveJobs++
	return nil
}

// EndJob balances a BeginJob. On success the node's failure count resets and
// a degraded node is restored to online. On failure only the in-flight
// counter drops; failure accounting is done once per dispatch via
// MarkFailure, not per attempt.
func (s *Store) EndJob(nodeID string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return ErrUnknownNode
	}
	if n.ActiveJobs > 0 {
		n.ActiveJobs--
	}
	if success {
		n.FailureCount = 0
		if n.Status == StatusDegraded {
			n.Status = StatusOnline
		}
	}
	return nil
}

// MarkFailure records one fully-failed dispatch against the node. At
// maxFailures consecutive failures the node is marked degraded and stops
// receiving traffic until a heartbeat or successful job clears it.
func (s *Store) MarkFailure(nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return ErrUnknownNode
	}
	n.FailureCount++
	if n.FailureCount >= s.maxFailures && n.Status == StatusOnline {
		n.Status = StatusDegraded
	}
	return nil
}

// sweep is one liveness pass: nodes silent past evictAfter are removed,
// nodes silent past offlineAfter are marked offline. Returns the IDs of
// evicted nodes so the caller can clean up the mirror.
func (s *Store) sweep(offlineAfter, evictAfter time.Duration) (evicted []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, n := range s.nodes {
		silence := now.Sub(n.LastSeen)
		switch {
		case silence > evictAfter:
			delete(s.nodes, id)
			evicted = append(evicted, id)
		case silence > offlineAfter && n.Status != StatusOffline:
			n.Status = StatusOffline
		}
	}
	return evicted
}
