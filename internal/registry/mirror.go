package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const nodeKeyPrefix = "node:"

// Mirror publishes registry state to Redis so replicas and operators can see
// the fleet. Every write carries a TTL of the liveness window; a node whose
// hub stops mirroring it simply ages out.
//
// The mirror is best-effort: failures are logged and never propagate to the
// heartbeat path.
type Mirror struct {
	rdb *redis.Client
	ttl time.Duration
	log *slog.Logger
}

// NewMirror returns a mirror writing node hashes with the given TTL.
func NewMirror(rdb *redis.Client, ttl time.Duration, log *slog.Logger) *Mirror {
	return &Mirror{rdb: rdb, ttl: ttl, log: log}
}

// Publish writes the node as a Redis hash at node:{node_id}.
func (m *Mirror) Publish(ctx context.Context, n *NodeState) {
	if m == nil || m.rdb == nil {
		return
	}

	models, _ := json.Marshal(n.Models)
	meta, _ := json.Marshal(n.Metadata)

	fields := map[string]any{
		"node_id":       n.NodeID,
		"tunnel_url":    n.TunnelURL,
		"ipv4":          n.IPv4,
		"ipv6":          n.IPv6,
		"port":          n.Port,
		"models":        string(models),
		"status":        n.Status,
		"last_seen":     n.LastSeen.UTC().Format(time.RFC3339),
		"active_jobs":   n.ActiveJobs,
		"failure_count": n.FailureCount,
		"metadata":      string(meta),
	}
	if n.CPULoad != nil {
		fields["cpu_load"] = strconv.FormatFloat(*n.CPULoad, 'f', -1, 64)
	}
	if n.MemoryLoad != nil {
		fields["memory_load"] = strconv.FormatFloat(*n.MemoryLoad, 'f', -1, 64)
	}

	key := nodeKeyPrefix + n.NodeID
	pipe := m.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, m.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		m.log.WarnContext(ctx, "registry mirror publish failed",
			slog.String("node_id", n.NodeID),
			slog.String("error", err.Error()),
		)
	}
}

// Delete removes the node hash after an eviction.
func (m *Mirror) Delete(ctx context.Context, nodeID string) {
	if m == nil || m.rdb == nil {
		return
	}
	if err := m.rdb.Del(ctx, nodeKeyPrefix+nodeID).Err(); err != nil {
		m.log.WarnContext(ctx, "registry mirror delete failed",
			slog.String("node_id", nodeID),
			slog.String("error", err.Error()),
		)
	}
}

// LoadAll reads every mirrored node hash back into NodeState values. Used to
// warm a replica's view of the fleet at startup.
func (m *Mirror) LoadAll(ctx context.Context) ([]*NodeState, error) {
	if m == nil || m.rdb == nil {
		return nil, nil
	}

	var nodes []*NodeState
	iter := m.rdb.Scan(ctx, 0, nodeKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		fields, err := m.rdb.HGetAll(ctx, iter.Val()).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		nodes = append(nodes, nodeFromHash(fields))
	}
	if err := iter.Err(); err != nil {
		return nodes, err
	}
	return nodes, nil
}

func nodeFromHash(fields map[string]string) *NodeState {
	n := &NodeState{
		NodeID:    fields["node_id"],
		TunnelURL: fields["tunnel_url"],
		IPv4:      fields["ipv4"],
		IPv6:      fields["ipv6"],
		Status:    fields["status"],
	}
	n.Port, _ = strconv.Atoi(fields["port"])
	n.ActiveJobs, _ = strconv.Atoi(fields["active_jobs"])
	n.FailureCount, _ = strconv.Atoi(fields["failure_count"])
	if ts, err := time.Parse(time.RFC3339, fields["last_seen"]); err == nil {
		n.LastSeen = ts
	}
	if raw := fields["models"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &n.Models)
	}
	if raw := fields["metadata"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &n.Metadata)
	}
	if raw, ok := fields["cpu_load"]; ok {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			n.CPULoad = &v
		}
	}
	if raw, ok := fields["memory_load"]; ok {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			n.MemoryLoad = &v
		}
	}
	return n
}
