package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nft-state-sync/internal/logging"
	"github.com/nft-state-sync/internal/types"
)

// EventSink receives reconciliation reports and read provenance events.
type EventSink interface {
	RecordReport(ctx context.Context, report *types.SyncReport) error
	RecordFetch(ctx context.Context, event types.FetchEvent) error
}

// LogSink writes events to the structured log.
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink creates a sink over logger.
func NewLogSink(logger *logging.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// RecordReport implements EventSink.
func (s *LogSink) RecordReport(_ context.Context, report *types.SyncReport) error {
	s.logger.Event("sync_report", report.Fields())
	return nil
}

// RecordFetch implements EventSink. Fetch events are logged at debug level
// unless a fallback was served.
func (s *LogSink) RecordFetch(_ context.Context, event types.FetchEvent) error {
	if event.Provenance == types.ProvenanceFallback {
		s.logger.Event("fetch_fallback", event.Fields())
		return nil
	}
	s.logger.WithFields(event.Fields()).Debug("fetch")
	return nil
}

// MultiSink fans events out to several sinks.
type MultiSink []EventSink

// RecordReport implements EventSink.
func (m MultiSink) RecordReport(ctx context.Context, report *types.SyncReport) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.RecordReport(ctx, report))
	}
	return errors.Join(errs...)
}

// RecordFetch implements EventSink.
func (m MultiSink) RecordFetch(ctx context.Context, event types.FetchEvent) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.RecordFetch(ctx, event))
	}
	return errors.Join(errs...)
}

// ClickHouseSink stores reports and fetch events in ClickHouse. Fetch
// events are buffered and written in batches.
type ClickHouseSink struct {
	db        *ClickHouseDB
	batchSize int

	mu      sync.Mutex
	pending []types.FetchEvent

	writeFetches func(ctx context.Context, events []types.FetchEvent) error
}

// NewClickHouseSink creates a sink. batchSize defaults to 500.
func NewClickHouseSink(db *ClickHouseDB, batchSize int) *ClickHouseSink {
	if batchSize <= 0 {
		batchSize = 500
	}
	s := &ClickHouseSink{db: db, batchSize: batchSize}
	s.writeFetches = s.insertFetches
	return s
}

// RecordReport implements EventSink.
func (s *ClickHouseSink) RecordReport(ctx context.Context, r *types.SyncReport) error {
	batch, err := s.db.Conn().PrepareBatch(ctx, `
		INSERT INTO sync_reports (
			task_id, reason, contract_address, created, updated, cleared,
			unresolved, unresolved_keys, pages, minted_on_chain, stored_count,
			started_at, finished_at
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare sync report batch: %w", err)
	}
	keys := r.UnresolvedKeys
	if keys == nil {
		keys = []string{}
	}
	if err := batch.Append(
		r.TaskID, string(r.Reason), r.ContractAddress,
		uint32(r.Created), uint32(r.Updated), uint32(r.Cleared), uint32(r.Unresolved), // #nosec G115 - counts are non-negative
		keys, uint32(r.Pages), r.MintedOnChain, r.StoredCount, // #nosec G115
		r.StartedAt, r.FinishedAt,
	); err != nil {
		_ = batch.Abort()
		return fmt.Errorf("append sync report: %w", err)
	}
	return batch.Send()
}

// RecordFetch implements EventSink.
func (s *ClickHouseSink) RecordFetch(ctx context.Context, event types.FetchEvent) error {
	s.mu.Lock()
	s.pending = append(s.pending, event)
	full := len(s.pending) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush writes buffered fetch events. Events of a failed batch are
// dropped.
func (s *ClickHouseSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	events := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(events) == 0 {
		return nil
	}
	if err := s.writeFetches(ctx, events); err != nil {
		return fmt.Errorf("flush %d fetch events: %w", len(events), err)
	}
	return nil
}

// Pending returns the number of buffered fetch events.
func (s *ClickHouseSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Run flushes every interval until ctx is done, then flushes once more.
func (s *ClickHouseSink) Run(ctx context.Context, interval time.Duration) {
	logger := logging.FromContext(ctx).Component("clickhouse-sink")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.Flush(flushCtx); err != nil {
				logger.WithError(err).Warn("Final flush failed")
			}
			cancel()
			return
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				logger.WithError(err).Warn("Flush failed")
			}
		}
	}
}

func (s *ClickHouseSink) insertFetches(ctx context.Context, events []types.FetchEvent) error {
	batch, err := s.db.Conn().PrepareBatch(ctx, `
		INSERT INTO fetch_events (pipeline, key, provenance, stale, error, duration_ms, at)
	`)
	if err != nil {
		return err
	}
	for _, e := range events {
		var stale uint8
		if e.Stale {
			stale = 1
		}
		ms := float64(e.Duration) / float64(time.Millisecond)
		if err := batch.Append(e.Pipeline, e.Key, string(e.Provenance), stale, e.Error, ms, e.At); err != nil {
			_ = batch.Abort()
			return err
		}
	}
	return batch.Send()
}

var (
	_ EventSink = (*LogSink)(nil)
	_ EventSink = MultiSink(nil)
	_ EventSink = (*ClickHouseSink)(nil)
)
