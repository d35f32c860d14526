package proxy

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-hub/internal/metrics"
	"github.com/nulpointcorp/llm-hub/internal/registry"
	"github.com/nulpointcorp/llm-hub/internal/upstream"
)

// strategy is one way to reach a node.
type strategy struct {
	name string // tunnel, ipv4, ipv6
	base string // scheme://host[:port]
}

// dispatcher sends a completion request to one node, walking its connection
// strategies in fixed order: tunnel URL, then IPv4, then IPv6. Job
// accounting is per attempt; failure accounting is once per dispatch.
type dispatcher struct {
	store   *registry.Store
	client  *upstream.Client
	metrics *metrics.Registry
	log     *slog.Logger
}

// strategies builds the connection strategies from the node's current
// addresses. The tunnel URL is used verbatim apart from a defaulted scheme;
// IP literals get the node's port, IPv6 hosts bracketed.
func strategies(n *registry.NodeState) []strategy {
	var out []strategy
	if n.TunnelURL != "" {
		base := strings.TrimRight(n.TunnelURL, "/")
		if !strings.Contains(base, "://") {
			base = "http://" + base
		}
		out = append(out, strategy{name: "tunnel", base: base})
	}
	port := strconv.Itoa(n.Port)
	if n.IPv4 != "" {
		out = append(out, strategy{name: "ipv4", base: "http://" + n.IPv4 + ":" + port})
	}
	if n.IPv6 != "" {
		host := n.IPv6
		if !strings.HasPrefix(host, "[") {
			host = "[" + host + "]"
		}
		out = append(out, strategy{name: "ipv6", base: "http://" + host + ":" + port})
	}
	return out
}

// dispatch tries each strategy until one returns 2xx. The node snapshot is
// taken fresh so a heartbeat between selection and dispatch is honored.
// When every strategy fails the node takes exactly one failure mark and the
// caller gets a NodeUnreachableError.
func (d *dispatcher) dispatch(ctx context.Context, nodeID string, body []byte) (*upstream.Result, error) {
	node, err := d.store.Get(nodeID)
	if err != nil {
		return nil, err
	}

	lastStatus := "transport error"
	for _, s := range strategies(node) {
		if err := ctx.Err(); err != nil {
			// Client is gone; stop burning strategies.
			return nil, err
		}

		if err := d.store.BeginJob(nodeID); err != nil {
			return nil, err
		}
		start := time.Now()
		res, err := d.client.Post(ctx, s.base+"/v1/chat/completions", body)
		elapsed := time.Since(start)

		if err != nil || !res.OK() {
			_ = d.store.EndJob(nodeID, false)
			if d.metrics != nil {
				d.metrics.RecordDispatchAttempt(s.name, "error")
			}
			lastStatus = "transport error"
			reason := "transport error"
			if err == nil {
				lastStatus = strconv.Itoa(res.StatusCode)
				reason = "status " + lastStatus
			}
			d.log.WarnContext(ctx, "node strategy failed",
				slog.String("node_id", nodeID),
				slog.String("strategy", s.name),
				slog.String("reason", reason),
				slog.Duration("elapsed", elapsed),
			)
			continue
		}

		_ = d.store.EndJob(nodeID, true)
		if d.metrics != nil {
			d.metrics.RecordDispatchAttempt(s.name, "success")
		}
		d.log.DebugContext(ctx, "node dispatch ok",
			slog.String("node_id", nodeID),
			slog.String("strategy", s.name),
			slog.Duration("elapsed", elapsed),
		)
		return res, nil
	}

	_ = d.store.MarkFailure(nodeID)
	return nil, &NodeUnreachableError{NodeID: nodeID, LastStatus: lastStatus}
}
