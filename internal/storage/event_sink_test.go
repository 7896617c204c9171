package storage

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nft-state-sync/internal/logging"
	"github.com/nft-state-sync/internal/types"
)

func newBufferedSink(batchSize int) (*ClickHouseSink, *[][]types.FetchEvent, *sync.Mutex) {
	var (
		mu      sync.Mutex
		batches [][]types.FetchEvent
	)
	sink := NewClickHouseSink(nil, batchSize)
	sink.writeFetches = func(_ context.Context, events []types.FetchEvent) error {
		mu.Lock()
		batches = append(batches, events)
		mu.Unlock()
		return nil
	}
	return sink, &batches, &mu
}

func TestClickHouseSinkBatchesFetchEvents(t *testing.T) {
	ctx := context.Background()
	sink, batches, _ := newBufferedSink(3)

	for i := 0; i < 7; i++ {
		require.NoError(t, sink.RecordFetch(ctx, types.FetchEvent{Pipeline: "asset", Provenance: types.ProvenanceChain}))
	}
	assert.Len(t, *batches, 2)
	assert.Equal(t, 1, sink.Pending())

	require.NoError(t, sink.Flush(ctx))
	assert.Len(t, *batches, 3)
	assert.Zero(t, sink.Pending())

	require.NoError(t, sink.Flush(ctx), "empty flush is a no-op")
	assert.Len(t, *batches, 3)
}

func TestClickHouseSinkFlushError(t *testing.T) {
	sink := NewClickHouseSink(nil, 10)
	sink.writeFetches = func(context.Context, []types.FetchEvent) error { return errors.New("down") }

	require.NoError(t, sink.RecordFetch(context.Background(), types.FetchEvent{}))
	assert.ErrorContains(t, sink.Flush(context.Background()), "flush 1 fetch events")
	assert.Zero(t, sink.Pending())
}

func TestClickHouseSinkRunFlushesOnShutdown(t *testing.T) {
	sink, batches, mu := newBufferedSink(100)
	require.NoError(t, sink.RecordFetch(context.Background(), types.FetchEvent{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sink.Run(ctx, time.Hour)
		close(done)
	}()
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, *batches, 1)
}

func TestLogSinkAndMultiSink(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLogger(logging.LevelInfo, logging.FormatJSON)
	logger.SetOutput(&buf)

	sink, batches, _ := newBufferedSink(1)
	multi := MultiSink{NewLogSink(logger), sink}

	report := &types.SyncReport{TaskID: "t-1", Reason: types.ReasonManualSync, Created: 1}
	require.NoError(t, multi.RecordReport(context.Background(), &types.SyncReport{TaskID: "t-0"}))
	require.NoError(t, NewLogSink(logger).RecordReport(context.Background(), report))
	assert.Contains(t, buf.String(), `"event":"sync_report"`)
	assert.Contains(t, buf.String(), `"task_id":"t-1"`)

	buf.Reset()
	require.NoError(t, multi.RecordFetch(context.Background(), types.FetchEvent{Pipeline: "asset", Provenance: types.ProvenanceChain}))
	assert.Empty(t, buf.String(), "chain fetches log at debug")
	require.NoError(t, multi.RecordFetch(context.Background(), types.FetchEvent{Pipeline: "asset", Provenance: types.ProvenanceFallback}))
	assert.Contains(t, buf.String(), `"event":"fetch_fallback"`)
	assert.Len(t, *batches, 2)
}
