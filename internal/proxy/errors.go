package proxy

import (
	"errors"
	"fmt"
)

// ErrNoCandidates means no online node advertises the requested model. It is
// a routing condition, not a dispatch failure: the provider walk records it
// as a reason and moves on.
var ErrNoCandidates = errors.New("proxy: no local candidates")

// NodeUnreachableError means every connection strategy against one node
// failed. LastStatus is the last upstream HTTP status code, or
// "transport error" when no strategy got a response at all.
type NodeUnreachableError struct {
	NodeID     string
	LastStatus string
}

func (e *NodeUnreachableError) Error() string {
	return fmt.Sprintf("proxy: node %s unreachable (last status %s)", e.NodeID, e.LastStatus)
}
