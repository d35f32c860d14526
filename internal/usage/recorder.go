// Package usage implements a non-blocking, batched usage recorder.
//
// Usage records are written to an internal buffered channel and flushed in
// batches by a background goroutine — recording never blocks the proxy hot
// path. If the channel fills up (> 10 000 records), new records are dropped
// and counted in Dropped.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Record is one proxied completion, as far as billing cares.
type Record struct {
	ID               uuid.UUID
	RequestID        string
	ConnectorID      string
	Provider         string
	NodeID           string
	Model            string
	Status           uint16
	LatencyMs        uint32
	PromptTokens     uint32
	CompletionTokens uint32
	TotalTokens      uint32

	// Error is empty for served requests; failed requests carry the reason.
	Error string

	CreatedAt time.Time
}

// Sink persists flushed batches. Implementations: slog lines, ClickHouse.
type Sink interface {
	WriteBatch(ctx context.Context, records []Record) error
	Close() error
}

// Recorder buffers records and flushes them to the sink in the background.
type Recorder struct {
	ch        chan Record
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	baseCtx context.Context
	sink    Sink
	log     *slog.Logger
}

// NewRecorder starts the flush goroutine. ctx bounds sink writes during
// shutdown draining.
func NewRecorder(ctx context.Context, sink Sink, log *slog.Logger) (*Recorder, error) {
	if ctx == nil {
		return nil, fmt.Errorf("usage: context must not be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("usage: sink must not be nil")
	}

	r := &Recorder{
		ch:      make(chan Record, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		sink:    sink,
		log:     log,
	}

	r.wg.Add(1)
	go r.run()

	return r, nil
}

// Record enqueues without blocking; a full buffer drops the record.
// Nil-safe so the gateway can run with usage recording disabled.
func (r *Recorder) Record(rec Record) {
	if r == nil {
		return
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	select {
	case r.ch <- rec:
	default:
		atomic.AddInt64(&r.dropped, 1)
	}
}

// Dropped returns how many records were discarded due to a full buffer.
func (r *Recorder) Dropped() int64 {
	if r == nil {
		return 0
	}
	return atomic.LoadInt64(&r.dropped)
}

// Close drains the buffer, flushes, and closes the sink.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
	return r.sink.Close()
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := r.sink.WriteBatch(r.baseCtx, batch); err != nil {
			r.log.Warn("usage batch flush failed",
				slog.Int("records", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-r.ch:
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-r.done:
			for {
				select {
				case rec := <-r.ch:
					batch = append(batch, rec)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
