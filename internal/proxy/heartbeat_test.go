package proxy

import (
	"encoding/json"
	"net"
	"testing"

	"github.com/nulpointcorp/llm-hub/internal/registry"
	"github.com/valyala/fasthttp"
)

// heartbeatCtx drives handleHeartbeat directly so the test controls the
// transport peer address, which the handler uses to override self-reported IPs.
func heartbeatCtx(secret, body string, remote net.Addr) *fasthttp.RequestCtx {
	var req fasthttp.Request
	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetRequestURI("/api/nodes/heartbeat")
	if secret != "" {
		req.Header.Set("X-Node-Secret", secret)
	}
	req.SetBodyString(body)

	if remote == nil {
		remote = &net.UnixAddr{Name: "pipe", Net: "unix"}
	}
	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&req, remote, nil)
	return ctx
}

func TestHeartbeat_BadSecret(t *testing.T) {
	h := newTestHub(t, "", nil)

	ctx := heartbeatCtx("wrong", `{"node_id":"n1","tunnel_url":"http://t"}`, nil)
	h.gw.handleHeartbeat(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusForbidden {
		t.Fatalf("status = %d, want 403", ctx.Response.StatusCode())
	}
	if _, err := h.reg.Get("n1"); err == nil {
		t.Error("node must not be registered on bad secret")
	}
}

func TestHeartbeat_InvalidJSON(t *testing.T) {
	h := newTestHub(t, "", nil)

	ctx := heartbeatCtx("node-secret", `{not json`, nil)
	h.gw.handleHeartbeat(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("status = %d, want 400", ctx.Response.StatusCode())
	}
}

func TestHeartbeat_MissingNodeID(t *testing.T) {
	h := newTestHub(t, "", nil)

	ctx := heartbeatCtx("node-secret", `{"tunnel_url":"http://t"}`, nil)
	h.gw.handleHeartbeat(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("status = %d, want 400", ctx.Response.StatusCode())
	}
}

func TestHeartbeat_NoReachableAddress(t *testing.T) {
	h := newTestHub(t, "", nil)

	// Non-IP transport, no tunnel and no self-reported IPs.
	ctx := heartbeatCtx("node-secret", `{"node_id":"n1"}`, nil)
	h.gw.handleHeartbeat(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("status = %d, want 400", ctx.Response.StatusCode())
	}
}

func TestHeartbeat_RegistersNodeWithDefaults(t *testing.T) {
	h := newTestHub(t, "", nil)

	body := `{
		"node_id": "gpu-1",
		"tunnel_url": "https://gpu-1.tunnel.example",
		"models": ["llama3.2", "qwen2.5"],
		"load": {"cpu": 0.25, "memory": 0.6},
		"metadata": {"gpu": "rtx4090"}
	}`
	ctx := heartbeatCtx("node-secret", body, nil)
	h.gw.handleHeartbeat(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, body = %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	var resp map[string]string
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatalf("response body: %v", err)
	}
	if resp["status"] != "ok" || resp["node_id"] != "gpu-1" {
		t.Errorf("response = %v", resp)
	}

	n, err := h.reg.Get("gpu-1")
	if err != nil {
		t.Fatalf("node not registered: %v", err)
	}
	if n.Status != registry.StatusOnline {
		t.Errorf("status = %q, want online", n.Status)
	}
	if n.Port != 11434 {
		t.Errorf("port = %d, want Ollama default 11434", n.Port)
	}
	if n.CPULoad == nil || *n.CPULoad != 0.25 {
		t.Errorf("cpu_load = %v, want 0.25", n.CPULoad)
	}
	if len(n.Models) != 2 {
		t.Errorf("models = %v", n.Models)
	}
	if n.Metadata["gpu"] != "rtx4090" {
		t.Errorf("metadata = %v", n.Metadata)
	}
}

func TestHeartbeat_PeerAddressOverridesReportedIPv4(t *testing.T) {
	h := newTestHub(t, "", nil)

	remote := &net.TCPAddr{IP: net.ParseIP("203.0.113.9"), Port: 50123}
	body := `{"node_id":"n1","ipv4":"10.0.0.1","ipv6":"2001:db8::1","port":8000}`
	ctx := heartbeatCtx("node-secret", body, remote)
	h.gw.handleHeartbeat(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	n, _ := h.reg.Get("n1")
	if n.IPv4 != "203.0.113.9" {
		t.Errorf("ipv4 = %q, want transport peer address", n.IPv4)
	}
	if n.IPv6 != "2001:db8::1" {
		t.Errorf("ipv6 = %q, want self-reported value untouched", n.IPv6)
	}
	if n.Port != 8000 {
		t.Errorf("port = %d, want reported value", n.Port)
	}
}

func TestHeartbeat_PeerAddressOverridesReportedIPv6(t *testing.T) {
	h := newTestHub(t, "", nil)

	remote := &net.TCPAddr{IP: net.ParseIP("2001:db8::42"), Port: 50123}
	body := `{"node_id":"n1","ipv4":"10.0.0.1","ipv6":"2001:db8::1"}`
	ctx := heartbeatCtx("node-secret", body, remote)
	h.gw.handleHeartbeat(ctx)

	n, _ := h.reg.Get("n1")
	if n.IPv6 != "2001:db8::42" {
		t.Errorf("ipv6 = %q, want transport peer address", n.IPv6)
	}
	if n.IPv4 != "10.0.0.1" {
		t.Errorf("ipv4 = %q, want self-reported value untouched", n.IPv4)
	}
}

func TestHeartbeat_MappedPeerAddressCountsAsIPv4(t *testing.T) {
	h := newTestHub(t, "", nil)

	// Dual-stack listeners report v4 peers as v4-mapped v6 addresses.
	remote := &net.TCPAddr{IP: net.ParseIP("::ffff:198.51.100.7"), Port: 50123}
	ctx := heartbeatCtx("node-secret", `{"node_id":"n1","ipv6":"2001:db8::1"}`, remote)
	h.gw.handleHeartbeat(ctx)

	n, err := h.reg.Get("n1")
	if err != nil {
		t.Fatalf("node not registered: %v", err)
	}
	if n.IPv4 != "198.51.100.7" {
		t.Errorf("ipv4 = %q, want unmapped peer address", n.IPv4)
	}
	if n.IPv6 != "2001:db8::1" {
		t.Errorf("ipv6 = %q, want untouched", n.IPv6)
	}
}

func TestHeartbeat_ResetsFailureCount(t *testing.T) {
	h := newTestHub(t, "", nil)
	h.reg.Upsert(&registry.NodeState{NodeID: "n1", TunnelURL: "http://t"})
	h.reg.MarkFailure("n1")
	h.reg.MarkFailure("n1")
	h.reg.MarkFailure("n1")

	if n, _ := h.reg.Get("n1"); n.Status != registry.StatusDegraded {
		t.Fatalf("precondition: status = %q, want degraded", n.Status)
	}

	ctx := heartbeatCtx("node-secret", `{"node_id":"n1","tunnel_url":"http://t"}`, nil)
	h.gw.handleHeartbeat(ctx)

	n, _ := h.reg.Get("n1")
	if n.Status != registry.StatusOnline {
		t.Errorf("status = %q, want online after heartbeat", n.Status)
	}
	if n.FailureCount != 0 {
		t.Errorf("failure_count = %d, want reset", n.FailureCount)
	}
}
