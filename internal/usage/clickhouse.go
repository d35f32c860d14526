package usage

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Expected table (create it out of band; the hub never runs DDL):
//
//	CREATE TABLE hub_usage (
//	    id                UUID,
//	    request_id        String,
//	    connector_id      String,
//	    provider          LowCardinality(String),
//	    node_id           String,
//	    model             LowCardinality(String),
//	    status            UInt16,
//	    latency_ms        UInt32,
//	    prompt_tokens     UInt32,
//	    completion_tokens UInt32,
//	    total_tokens      UInt32,
//	    error             String,
//	    created_at        DateTime
//	) ENGINE = MergeTree
//	ORDER BY (connector_id, created_at)
const insertUsage = `INSERT INTO hub_usage (
	id, request_id, connector_id, provider, node_id, model,
	status, latency_ms, prompt_tokens, completion_tokens, total_tokens, error, created_at
)`

// ClickHouseSink batches usage records into ClickHouse for analytics.
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink opens a native-protocol connection from a clickhouse://
// DSN and verifies it with a ping.
func NewClickHouseSink(ctx context.Context, dsn string) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("usage: invalid clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("usage: clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("usage: clickhouse ping: %w", err)
	}
	return &ClickHouseSink{conn: conn}, nil
}

func (s *ClickHouseSink) WriteBatch(ctx context.Context, records []Record) error {
	batch, err := s.conn.PrepareBatch(ctx, insertUsage)
	if err != nil {
		return fmt.Errorf("usage: prepare batch: %w", err)
	}
	for _, rec := range records {
		if err := batch.Append(
			rec.ID,
			rec.RequestID,
			rec.ConnectorID,
			rec.Provider,
			rec.NodeID,
			rec.Model,
			rec.Status,
			rec.LatencyMs,
			rec.PromptTokens,
			rec.CompletionTokens,
			rec.TotalTokens,
			rec.Error,
			rec.CreatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("usage: batch append: %w", err)
		}
	}
	return batch.Send()
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}

var _ Sink = (*ClickHouseSink)(nil)
