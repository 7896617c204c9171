package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nft-state-sync/internal/logging"
	"github.com/nft-state-sync/internal/metrics"
	"github.com/nft-state-sync/internal/types"
)

// Scheduler enqueues a periodic audit for every tracked collection.
type Scheduler struct {
	queue       Queue
	collections []string
	interval    time.Duration
	metrics     *metrics.Metrics
	logger      *logging.Logger
	now         func() time.Time

	mu        sync.RWMutex
	running   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	lastRun   time.Time
	lastCount int
}

// SchedulerConfig holds configuration for a Scheduler.
type SchedulerConfig struct {
	Queue       Queue
	Collections []string
	// Interval defaults to 15 minutes.
	Interval time.Duration
	Metrics  *metrics.Metrics
	Logger   *logging.Logger
	Now      func() time.Time
}

// NewScheduler creates a scheduler.
func NewScheduler(cfg *SchedulerConfig) (*Scheduler, error) {
	if cfg == nil || cfg.Queue == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	s := &Scheduler{
		queue:    cfg.Queue,
		interval: cfg.Interval,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	for _, c := range cfg.Collections {
		if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
			s.collections = append(s.collections, c)
		}
	}
	if s.interval <= 0 {
		s.interval = 15 * time.Minute
	}
	if s.metrics == nil {
		s.metrics = metrics.Noop()
	}
	if s.logger == nil {
		s.logger = logging.GetGlobalLogger()
	}
	s.logger = s.logger.Component("audit-scheduler")
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Start runs one round immediately and then one per interval.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("audit scheduler is already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.WithFields(map[string]interface{}{
		"collections": len(s.collections),
		"interval":    s.interval.String(),
	}).Info("Starting audit scheduler")

	go s.loop(ctx)
	return nil
}

// Stop waits for the loop to exit or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("audit scheduler is not running")
	}
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	close(stopCh)
	select {
	case <-doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.logger.Info("Audit scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	s.mu.RLock()
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.RUnlock()
	defer close(doneCh)

	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce enqueues an audit per collection and returns how many were
// accepted. An audit still waiting from the previous round is coalesced.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	now := s.now()
	accepted := 0
	for _, contract := range s.collections {
		task := types.NewSyncTask(types.ReasonPeriodicAudit, contract, "", now)
		ticket, err := Submit(ctx, s.queue, s.metrics, task)
		if err != nil {
			s.logger.WithError(err).WithField("contract", contract).Warn("Failed to enqueue audit")
			continue
		}
		if !ticket.Duplicate {
			accepted++
		}
	}

	s.mu.Lock()
	s.lastRun = now
	s.lastCount = accepted
	s.mu.Unlock()

	if accepted > 0 {
		s.logger.WithField("enqueued", accepted).Info("Audits enqueued")
	}
	return accepted
}

// SchedulerStatus is a snapshot of the scheduler state.
type SchedulerStatus struct {
	Running         bool      `json:"running"`
	Collections     int       `json:"collections"`
	IntervalSeconds int       `json:"intervalSeconds"`
	LastRun         time.Time `json:"lastRun"`
	LastEnqueued    int       `json:"lastEnqueued"`
}

// Status returns the current scheduler state.
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SchedulerStatus{
		Running:         s.running,
		Collections:     len(s.collections),
		IntervalSeconds: int(s.interval.Seconds()),
		LastRun:         s.lastRun,
		LastEnqueued:    s.lastCount,
	}
}
