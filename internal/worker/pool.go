package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/nft-state-sync/internal/errors"
	"github.com/nft-state-sync/internal/logging"
	"github.com/nft-state-sync/internal/metrics"
	"github.com/nft-state-sync/internal/types"
)

// Handler runs one sync task. reconciler.Reconciler satisfies it.
type Handler interface {
	Handle(ctx context.Context, task types.SyncTask) (*types.SyncReport, error)
}

// Pool takes tasks off a queue and runs them on a fixed number of workers.
type Pool struct {
	queue       Queue
	handler     Handler
	workers     int
	taskTimeout time.Duration
	metrics     *metrics.Metrics
	logger      *logging.Logger

	running   atomic.Bool
	processed atomic.Int64
	failed    atomic.Int64
	inFlight  atomic.Int64
}

// PoolConfig holds configuration for a Pool.
type PoolConfig struct {
	Queue   Queue
	Handler Handler
	// Workers defaults to 4.
	Workers int
	// TaskTimeout bounds one task; defaults to 10 minutes.
	TaskTimeout time.Duration
	Metrics     *metrics.Metrics
	Logger      *logging.Logger
}

// NewPool creates a worker pool.
func NewPool(cfg *PoolConfig) (*Pool, error) {
	if cfg == nil || cfg.Queue == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	p := &Pool{
		queue:       cfg.Queue,
		handler:     cfg.Handler,
		workers:     cfg.Workers,
		taskTimeout: cfg.TaskTimeout,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}
	if p.workers <= 0 {
		p.workers = 4
	}
	if p.taskTimeout <= 0 {
		p.taskTimeout = 10 * time.Minute
	}
	if p.metrics == nil {
		p.metrics = metrics.Noop()
	}
	if p.logger == nil {
		p.logger = logging.GetGlobalLogger()
	}
	p.logger = p.logger.Component("worker-pool")
	return p, nil
}

// Run processes tasks until ctx is done. Tasks already started finish
// under their own timeout.
func (p *Pool) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("worker pool is already running")
	}
	defer p.running.Store(false)

	p.logger.WithField("workers", p.workers).Info("Starting worker pool")
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.loop(ctx, id)
		}(i)
	}
	wg.Wait()
	p.logger.WithFields(map[string]interface{}{
		"processed": p.processed.Load(),
		"failed":    p.failed.Load(),
	}).Info("Worker pool stopped")
	return nil
}

func (p *Pool) loop(ctx context.Context, id int) {
	logger := p.logger.WithField("worker", id)
	for {
		task, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).Warn("Dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if n, err := p.queue.Len(ctx); err == nil {
			p.metrics.QueueDepth.Set(float64(n))
		}
		p.run(ctx, task)
	}
}

// run handles one task. A panic fails the task, not the worker.
func (p *Pool) run(ctx context.Context, task types.SyncTask) {
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.taskTimeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = apperrors.NewInternalError(fmt.Sprintf("task %s panicked", task.ID), fmt.Errorf("%v", r))
			}
		}()
		_, err = p.handler.Handle(taskCtx, task)
		return err
	}()

	p.processed.Add(1)
	if err != nil {
		p.failed.Add(1)
		p.metrics.QueueTasks.WithLabelValues(string(task.Reason), "failed").Inc()
		if errors.Is(err, context.DeadlineExceeded) {
			p.logger.WithField("task_id", task.ID).Warn("Task timed out")
		}
		return
	}
	p.metrics.QueueTasks.WithLabelValues(string(task.Reason), "done").Inc()
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Running   bool  `json:"running"`
	Workers   int   `json:"workers"`
	InFlight  int64 `json:"inFlight"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

// Stats returns the current counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Running:   p.running.Load(),
		Workers:   p.workers,
		InFlight:  p.inFlight.Load(),
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
	}
}

// Submit enqueues a task and records the outcome.
func Submit(ctx context.Context, q Queue, m *metrics.Metrics, task types.SyncTask) (Ticket, error) {
	ticket, err := q.Enqueue(ctx, task)
	status := "enqueued"
	switch {
	case err != nil:
		status = "rejected"
	case ticket.Duplicate:
		status = "coalesced"
	}
	if m != nil {
		m.QueueTasks.WithLabelValues(string(task.Reason), status).Inc()
		if n, lenErr := q.Len(ctx); lenErr == nil {
			m.QueueDepth.Set(float64(n))
		}
	}
	return ticket, err
}
