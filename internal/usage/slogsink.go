package usage

import (
	"context"
	"log/slog"
)

// SlogSink writes usage records as structured log lines. The default sink;
// useful wherever log shipping is already in place.
type SlogSink struct {
	log *slog.Logger
}

// NewSlogSink returns a sink logging at INFO level.
func NewSlogSink(log *slog.Logger) *SlogSink {
	return &SlogSink{log: log}
}

func (s *SlogSink) WriteBatch(ctx context.Context, records []Record) error {
	for _, rec := range records {
		s.log.InfoContext(ctx, "usage",
			slog.String("id", rec.ID.String()),
			slog.String("request_id", rec.RequestID),
			slog.String("connector_id", rec.ConnectorID),
			slog.String("provider", rec.Provider),
			slog.String("node_id", rec.NodeID),
			slog.String("model", rec.Model),
			slog.Uint64("status", uint64(rec.Status)),
			slog.Uint64("latency_ms", uint64(rec.LatencyMs)),
			slog.Uint64("prompt_tokens", uint64(rec.PromptTokens)),
			slog.Uint64("completion_tokens", uint64(rec.CompletionTokens)),
			slog.Uint64("total_tokens", uint64(rec.TotalTokens)),
			slog.String("error", rec.Error),
			slog.Time("created_at", rec.CreatedAt.UTC()),
		)
	}
	return nil
}

func (s *SlogSink) Close() error { return nil }

var _ Sink = (*SlogSink)(nil)
