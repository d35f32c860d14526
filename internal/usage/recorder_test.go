package usage_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/nulpointcorp/llm-hub/internal/usage"
)

type captureSink struct {
	mu      sync.Mutex
	records []usage.Record
}

func (s *captureSink) WriteBatch(_ context.Context, records []usage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	return nil
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecorder_FlushesOnClose(t *testing.T) {
	sink := &captureSink{}
	rec, err := usage.NewRecorder(context.Background(), sink, discardLogger())
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	for i := 0; i < 250; i++ {
		rec.Record(usage.Record{ConnectorID: "conn-1", Provider: "local", Status: 200})
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := sink.count(); got != 250 {
		t.Errorf("flushed %d records, want 250", got)
	}
	if rec.Dropped() != 0 {
		t.Errorf("dropped = %d, want 0", rec.Dropped())
	}
}

func TestRecorder_StampsIDAndTimestamp(t *testing.T) {
	sink := &captureSink{}
	rec, err := usage.NewRecorder(context.Background(), sink, discardLogger())
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	rec.Record(usage.Record{Provider: "cloud"})
	rec.Close()

	if sink.count() != 1 {
		t.Fatalf("flushed %d records, want 1", sink.count())
	}
	got := sink.records[0]
	if got.ID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Error("expected a generated record ID")
	}
	if got.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be stamped")
	}
}

func TestRecorder_NilIsSafe(t *testing.T) {
	var rec *usage.Recorder
	rec.Record(usage.Record{})
	if rec.Dropped() != 0 {
		t.Error("nil recorder should report zero drops")
	}
	if err := rec.Close(); err != nil {
		t.Errorf("Close on nil recorder: %v", err)
	}
}

func TestRecorder_RequiresSink(t *testing.T) {
	if _, err := usage.NewRecorder(context.Background(), nil, discardLogger()); err == nil {
		t.Error("expected error for nil sink")
	}
}
