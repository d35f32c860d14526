package proxy

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net"
	"net/netip"

	"github.com/nulpointcorp/llm-hub/internal/registry"
	"github.com/nulpointcorp/llm-hub/pkg/apierr"
	"github.com/valyala/fasthttp"
)

type heartbeatPayload struct {
	NodeID    string   `json:"node_id"`
	TunnelURL string   `json:"tunnel_url"`
	IPv4      string   `json:"ipv4"`
	IPv6      string   `json:"ipv6"`
	Port      int      `json:"port"`
	Models    []string `json:"models"`
	Load      *struct {
		CPU    *float64 `json:"cpu"`
		Memory *float64 `json:"memory"`
	} `json:"load"`
	Metadata map[string]string `json:"metadata"`
}

// handleHeartbeat serves POST /api/nodes/heartbeat, the worker registration
// path. Authenticated by the shared X-Node-Secret header.
//
// Self-reported IPs are advisory: when the transport peer address differs
// from the report for its family, the peer address wins, since that is the
// one address demonstrably reachable from here. A node must end up with at
// least one of tunnel URL, IPv4 or IPv6 or the registration is rejected.
func (g *Gateway) handleHeartbeat(ctx *fasthttp.RequestCtx) {
	secret := ctx.Request.Header.Peek("X-Node-Secret")
	if subtle.ConstantTimeCompare(secret, []byte(g.nodeSecret)) != 1 {
		if g.metrics != nil {
			g.metrics.RecordHeartbeat("bad_secret")
		}
		apierr.Write(ctx, fasthttp.StatusForbidden,
			"invalid node secret", apierr.TypePermissionError, apierr.CodeInvalidAPIKey)
		return
	}

	var payload heartbeatPayload
	if err := json.Unmarshal(ctx.PostBody(), &payload); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"invalid JSON: "+err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if payload.NodeID == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'node_id' is required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if payload.Port == 0 {
		payload.Port = 11434
	}

	overridePeerAddress(&payload, ctx.RemoteAddr())

	if payload.TunnelURL == "" && payload.IPv4 == "" && payload.IPv6 == "" {
		if g.metrics != nil {
			g.metrics.RecordHeartbeat("unreachable")
		}
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"node has no reachable address: provide tunnel_url, ipv4 or ipv6",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	node := &registry.NodeState{
		NodeID:    payload.NodeID,
		TunnelURL: payload.TunnelURL,
		IPv4:      payload.IPv4,
		IPv6:      payload.IPv6,
		Port:      payload.Port,
		Models:    payload.Models,
		Metadata:  payload.Metadata,
	}
	if payload.Load != nil {
		node.CPULoad = payload.Load.CPU
		node.MemoryLoad = payload.Load.Memory
	}

	if g.reg == nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"node registry disabled", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	stored := g.reg.Upsert(node)
	g.mirror.Publish(ctx, stored)

	if g.metrics != nil {
		g.metrics.RecordHeartbeat("ok")
		g.updateNodeGauges()
	}
	g.log.InfoContext(ctx, "heartbeat",
		slog.String("node_id", payload.NodeID),
		slog.Int("models", len(payload.Models)),
	)

	writeJSON(ctx, map[string]string{"status": "ok", "node_id": payload.NodeID})
}

// overridePeerAddress replaces the self-reported address of the peer's
// family with the observed transport address when they differ.
func overridePeerAddress(p *heartbeatPayload, remote net.Addr) {
	host, _, err := net.SplitHostPort(remote.String())
	if err != nil {
		host = remote.String()
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return
	}
	addr = addr.Unmap()
	if addr.Is4() {
		if p.IPv4 != addr.String() {
			p.IPv4 = addr.String()
		}
		return
	}
	if p.IPv6 != addr.String() {
		p.IPv6 = addr.String()
	}
}

func (g *Gateway) updateNodeGauges() {
	if g.metrics == nil || g.reg == nil {
		return
	}
	var online, degraded, offline int
	for _, n := range g.reg.Snapshot() {
		switch n.Status {
		case registry.StatusOnline:
			online++
		case registry.StatusDegraded:
			degraded++
		case registry.StatusOffline:
			offline++
		}
	}
	g.metrics.SetNodeCounts(online, degraded, offline)
}
