package registry_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nulpointcorp/llm-hub/internal/registry"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMirror_PublishAndLoadAll(t *testing.T) {
	mr, rdb := newTestRedis(t)
	m := registry.NewMirror(rdb, 90*time.Second, discardLogger())
	ctx := context.Background()

	cpu := 0.42
	m.Publish(ctx, &registry.NodeState{
		NodeID:       "gpu-box-1",
		TunnelURL:    "https://tun.example.com",
		IPv4:         "203.0.113.7",
		Port:         11434,
		Models:       []string{"llama3.2", "*"},
		CPULoad:      &cpu,
		Status:       registry.StatusOnline,
		LastSeen:     time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		ActiveJobs:   2,
		FailureCount: 1,
		Metadata:     map[string]string{"gpu": "rtx4090"},
	})

	if !mr.Exists("node:gpu-box-1") {
		t.Fatal("expected node hash to exist")
	}
	ttl := mr.TTL("node:gpu-box-1")
	if ttl <= 0 || ttl > 90*time.Second {
		t.Errorf("ttl = %v, want within (0, 90s]", ttl)
	}

	nodes, err := m.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("LoadAll returned %d nodes, want 1", len(nodes))
	}
	n := nodes[0]
	if n.NodeID != "gpu-box-1" || n.TunnelURL != "https://tun.example.com" || n.Port != 11434 {
		t.Errorf("round-tripped node mismatch: %+v", n)
	}
	if len(n.Models) != 2 || n.Models[0] != "llama3.2" {
		t.Errorf("models = %v", n.Models)
	}
	if n.CPULoad == nil || *n.CPULoad != 0.42 {
		t.Errorf("cpu_load = %v, want 0.42", n.CPULoad)
	}
	if n.ActiveJobs != 2 || n.FailureCount != 1 {
		t.Errorf("counters = (%d, %d), want (2, 1)", n.ActiveJobs, n.FailureCount)
	}
	if n.Metadata["gpu"] != "rtx4090" {
		t.Errorf("metadata = %v", n.Metadata)
	}
}

func TestMirror_MissingLoadStaysNil(t *testing.T) {
	_, rdb := newTestRedis(t)
	m := registry.NewMirror(rdb, time.Minute, discardLogger())
	ctx := context.Background()

	m.Publish(ctx, &registry.NodeState{
		NodeID:   "silent",
		IPv4:     "203.0.113.8",
		Port:     11434,
		Status:   registry.StatusOnline,
		LastSeen: time.Now(),
	})

	nodes, err := m.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("LoadAll returned %d nodes, want 1", len(nodes))
	}
	if nodes[0].CPULoad != nil {
		t.Error("expected unreported cpu load to stay nil")
	}
}

func TestMirror_Delete(t *testing.T) {
	mr, rdb := newTestRedis(t)
	m := registry.NewMirror(rdb, time.Minute, discardLogger())
	ctx := context.Background()

	m.Publish(ctx, &registry.NodeState{NodeID: "gone", IPv4: "203.0.113.9", LastSeen: time.Now()})
	m.Delete(ctx, "gone")

	if mr.Exists("node:gone") {
		t.Error("expected node hash to be deleted")
	}
}

func TestMirror_NilSafe(t *testing.T) {
	var m *registry.Mirror
	ctx := context.Background()

	// Must not panic when the hub runs without Redis.
	m.Publish(ctx, &registry.NodeState{NodeID: "x"})
	m.Delete(ctx, "x")
	if nodes, err := m.LoadAll(ctx); err != nil || nodes != nil {
		t.Errorf("LoadAll on nil mirror = (%v, %v), want (nil, nil)", nodes, err)
	}
}
