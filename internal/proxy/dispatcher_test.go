package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-hub/internal/registry"
	"github.com/nulpointcorp/llm-hub/internal/upstream"
)

// closedAddr returns a loopback address that refuses connections.
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort(%q): %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Atoi(%q): %v", portStr, err)
	}
	return host, port
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDispatcher(store *registry.Store) *dispatcher {
	return &dispatcher{
		store:  store,
		client: upstream.New(upstream.Options{Timeout: 2 * time.Second}),
		log:    testLogger(),
	}
}

func TestStrategies_FixedOrderAndURLBuilding(t *testing.T) {
	n := &registry.NodeState{
		TunnelURL: "tun.example.com/",
		IPv4:      "203.0.113.5",
		IPv6:      "2001:db8::1",
		Port:      11434,
	}

	got := strategies(n)
	if len(got) != 3 {
		t.Fatalf("strategies = %v, want 3", got)
	}
	if got[0].name != "tunnel" || got[0].base != "http://tun.example.com" {
		t.Errorf("strategy[0] = %+v (scheme must default to http, trailing slash trimmed)", got[0])
	}
	if got[1].name != "ipv4" || got[1].base != "http://203.0.113.5:11434" {
		t.Errorf("strategy[1] = %+v", got[1])
	}
	if got[2].name != "ipv6" || got[2].base != "http://[2001:db8::1]:11434" {
		t.Errorf("strategy[2] = %+v (IPv6 host must be bracketed)", got[2])
	}
}

func TestStrategies_HTTPSTunnelKeptVerbatim(t *testing.T) {
	n := &registry.NodeState{TunnelURL: "https://tun.example.com"}
	got := strategies(n)
	if len(got) != 1 || got[0].base != "https://tun.example.com" {
		t.Errorf("strategies = %v", got)
	}
}

func TestDispatch_FirstStrategySucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"hi"}}]}`))
	}))
	defer srv.Close()

	store := registry.NewStore(3)
	store.Upsert(&registry.NodeState{NodeID: "n1", TunnelURL: srv.URL})

	d := newTestDispatcher(store)
	res, err := d.dispatch(context.Background(), "n1", []byte(`{"model":"m"}`))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !res.OK() {
		t.Fatalf("status = %d", res.StatusCode)
	}

	n, _ := store.Get("n1")
	if n.ActiveJobs != 0 {
		t.Errorf("active_jobs = %d, want 0 (balanced)", n.ActiveJobs)
	}
	if n.FailureCount != 0 {
		t.Errorf("failure_count = %d, want 0", n.FailureCount)
	}
}

func TestDispatch_FallsThroughToNextStrategy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	store := registry.NewStore(3)
	// Tunnel points at a closed local port; the reachable address is the
	// test server via ipv4.
	host, port := splitHostPort(t, srv.Listener.Addr().String())
	store.Upsert(&registry.NodeState{
		NodeID:    "n1",
		TunnelURL: "http://" + closedAddr(t),
		IPv4:      host,
		Port:      port,
	})

	d := newTestDispatcher(store)
	res, err := d.dispatch(context.Background(), "n1", []byte(`{}`))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !res.OK() {
		t.Fatalf("status = %d", res.StatusCode)
	}

	n, _ := store.Get("n1")
	if n.FailureCount != 0 {
		t.Errorf("failure_count = %d, want 0 (a later strategy succeeded)", n.FailureCount)
	}
	if n.ActiveJobs != 0 {
		t.Errorf("active_jobs = %d, want 0 (every attempt balanced)", n.ActiveJobs)
	}
}

func TestDispatch_AllStrategiesFail_SingleFailureMark(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model load failed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := registry.NewStore(3)
	host, port := splitHostPort(t, srv.Listener.Addr().String())
	store.Upsert(&registry.NodeState{
		NodeID: "n1",
		// Both strategies hit the same failing server.
		TunnelURL: srv.URL,
		IPv4:      host,
		Port:      port,
	})

	d := newTestDispatcher(store)
	_, err := d.dispatch(context.Background(), "n1", []byte(`{}`))
	if err == nil {
		t.Fatal("expected dispatch error")
	}
	var unreachable *NodeUnreachableError
	if !errors.As(err, &unreachable) {
		t.Fatalf("error = %T %v, want NodeUnreachableError", err, err)
	}
	if unreachable.NodeID != "n1" {
		t.Errorf("NodeID = %q", unreachable.NodeID)
	}
	if unreachable.LastStatus != "500" {
		t.Errorf("LastStatus = %q, want the upstream status code", unreachable.LastStatus)
	}

	n, _ := store.Get("n1")
	if n.FailureCount != 1 {
		t.Errorf("failure_count = %d, want exactly 1 per dispatch call", n.FailureCount)
	}
	if n.ActiveJobs != 0 {
		t.Errorf("active_jobs = %d, want 0", n.ActiveJobs)
	}
}

func TestDispatch_LastStatusReflectsUpstreamResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	store := registry.NewStore(3)
	host, port := splitHostPort(t, srv.Listener.Addr().String())
	// The tunnel refuses connections; ipv4 answers 502. The error must carry
	// the last upstream status, not the node's registry status.
	store.Upsert(&registry.NodeState{
		NodeID:    "n1",
		TunnelURL: "http://" + closedAddr(t),
		IPv4:      host,
		Port:      port,
	})

	d := newTestDispatcher(store)
	_, err := d.dispatch(context.Background(), "n1", []byte(`{}`))
	var unreachable *NodeUnreachableError
	if !errors.As(err, &unreachable) {
		t.Fatalf("error = %T %v, want NodeUnreachableError", err, err)
	}
	if unreachable.LastStatus != "502" {
		t.Errorf("LastStatus = %q, want 502", unreachable.LastStatus)
	}
}

func TestDispatch_LastStatusTransportErrorWithoutResponse(t *testing.T) {
	store := registry.NewStore(3)
	store.Upsert(&registry.NodeState{NodeID: "n1", TunnelURL: "http://" + closedAddr(t)})

	d := newTestDispatcher(store)
	_, err := d.dispatch(context.Background(), "n1", []byte(`{}`))
	var unreachable *NodeUnreachableError
	if !errors.As(err, &unreachable) {
		t.Fatalf("error = %T %v, want NodeUnreachableError", err, err)
	}
	if unreachable.LastStatus != "transport error" {
		t.Errorf("LastStatus = %q, want transport error", unreachable.LastStatus)
	}
}

func TestDispatch_CancelledContextStopsStrategyWalk(t *testing.T) {
	store := registry.NewStore(3)
	store.Upsert(&registry.NodeState{NodeID: "n1", IPv4: "203.0.113.250", Port: 9})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := newTestDispatcher(store)
	_, err := d.dispatch(ctx, "n1", []byte(`{}`))
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}

	n, _ := store.Get("n1")
	if n.FailureCount != 0 {
		t.Errorf("failure_count = %d, want 0 (cancellation is not a node failure)", n.FailureCount)
	}
}

func TestDispatch_UnknownNode(t *testing.T) {
	d := newTestDispatcher(registry.NewStore(3))
	if _, err := d.dispatch(context.Background(), "ghost", []byte(`{}`)); err == nil {
		t.Fatal("expected error for unknown node")
	}
}
