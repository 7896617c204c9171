// Package pipeline serves user-facing reads through an ordered list of
// tiers, ending in a static fallback so a read never fails.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/nft-state-sync/internal/errors"
	"github.com/nft-state-sync/internal/logging"
	"github.com/nft-state-sync/internal/metrics"
	"github.com/nft-state-sync/internal/storage"
	"github.com/nft-state-sync/internal/types"
)

// Served is a stage result tagged with the tier that produced it.
type Served[T any] struct {
	Value      T
	Provenance types.Provenance
	Stale      bool
}

// Stage produces a value for key or fails.
type Stage[K, T any] func(ctx context.Context, key K) (Served[T], error)

// View is what a pipeline hands to callers.
type View[T any] struct {
	Value      T                `json:"value"`
	Provenance types.Provenance `json:"provenance"`
	Stale      bool             `json:"stale,omitempty"`
}

// FromChain tags the result of fn as read from the chain.
func FromChain[K, T any](fn func(ctx context.Context, key K) (T, error)) Stage[K, T] {
	return tagged(fn, types.ProvenanceChain)
}

// FromStore tags the result of fn as served from stored state.
func FromStore[K, T any](fn func(ctx context.Context, key K) (T, error)) Stage[K, T] {
	return tagged(fn, types.ProvenanceCache)
}

func tagged[K, T any](fn func(ctx context.Context, key K) (T, error), p types.Provenance) Stage[K, T] {
	return func(ctx context.Context, key K) (Served[T], error) {
		v, err := fn(ctx, key)
		if err != nil {
			return Served[T]{}, err
		}
		return Served[T]{Value: v, Provenance: p}, nil
	}
}

type stage[K, T any] struct {
	name    string
	run     Stage[K, T]
	timeout time.Duration
}

// Pipeline runs its stages in order and returns the first success.
type Pipeline[K, T any] struct {
	name     string
	stages   []stage[K, T]
	fallback T

	chainTimeout time.Duration
	sink         storage.EventSink
	metrics      *metrics.Metrics
	logger       *logging.Logger
	now          func() time.Time
}

// Options holds the shared dependencies of pipelines.
type Options struct {
	// ChainTimeout bounds the chain stage. Expiry cancels the stage.
	ChainTimeout time.Duration
	Sink         storage.EventSink
	Metrics      *metrics.Metrics
	Logger       *logging.Logger
	Now          func() time.Time
}

// New creates an empty pipeline named name. Stages are added with Chain
// and Store.
func New[K, T any](name string, opts Options) *Pipeline[K, T] {
	p := &Pipeline[K, T]{
		name:         name,
		chainTimeout: opts.ChainTimeout,
		sink:         opts.Sink,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		now:          opts.Now,
	}
	if p.chainTimeout <= 0 {
		p.chainTimeout = 4 * time.Second
	}
	if p.metrics == nil {
		p.metrics = metrics.Noop()
	}
	if p.logger == nil {
		p.logger = logging.GetGlobalLogger()
	}
	if p.now == nil {
		p.now = time.Now
	}
	p.logger = p.logger.Component("pipeline").WithField("pipeline", name)
	return p
}

// Chain appends a stage bounded by the chain timeout.
func (p *Pipeline[K, T]) Chain(run Stage[K, T]) *Pipeline[K, T] {
	p.stages = append(p.stages, stage[K, T]{name: "chain", run: run, timeout: p.chainTimeout})
	return p
}

// Store appends an unbounded stage.
func (p *Pipeline[K, T]) Store(run Stage[K, T]) *Pipeline[K, T] {
	p.stages = append(p.stages, stage[K, T]{name: "store", run: run})
	return p
}

// Fallback sets the value served when every stage fails.
func (p *Pipeline[K, T]) Fallback(v T) *Pipeline[K, T] {
	p.fallback = v
	return p
}

// Fetch returns the first stage result for key, or the fallback. It never
// fails and never panics.
func (p *Pipeline[K, T]) Fetch(ctx context.Context, key K) View[T] {
	start := p.now()
	label := fmt.Sprint(key)
	var errs []error

	view := View[T]{Value: p.fallback, Provenance: types.ProvenanceFallback}
	for _, s := range p.stages {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		served, err := p.runStage(ctx, s, key)
		if err == nil {
			view = View[T]{Value: served.Value, Provenance: served.Provenance, Stale: served.Stale}
			break
		}
		errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		p.logger.WithError(err).WithFields(map[string]interface{}{
			"stage": s.name,
			"key":   label,
		}).Debug("Stage failed")
	}

	p.publish(ctx, label, view, errors.Join(errs...), p.now().Sub(start))
	return view
}

func (p *Pipeline[K, T]) runStage(ctx context.Context, s stage[K, T], key K) (served Served[T], err error) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.PipelinePanics.WithLabelValues(p.name, s.name).Inc()
			p.logger.WithField("stage", s.name).Errorf("Recovered panic in stage: %v", r)
			err = apperrors.NewInternalError(fmt.Sprintf("stage %s panicked", s.name), fmt.Errorf("%v", r))
		}
	}()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	served, err = s.run(ctx, key)
	if err == nil && served.Provenance == "" {
		served.Provenance = types.ProvenanceChain
	}
	return served, err
}

func (p *Pipeline[K, T]) publish(ctx context.Context, key string, view View[T], err error, took time.Duration) {
	p.metrics.PipelineServed.WithLabelValues(p.name, string(view.Provenance)).Inc()
	p.metrics.PipelineDuration.WithLabelValues(p.name).Observe(took.Seconds())
	if p.sink == nil {
		return
	}

	event := types.FetchEvent{
		Pipeline:   p.name,
		Key:        key,
		Provenance: view.Provenance,
		Stale:      view.Stale,
		Duration:   took,
		At:         p.now(),
	}
	if err != nil {
		event.Error = err.Error()
	}
	if sinkErr := p.sink.RecordFetch(context.WithoutCancel(ctx), event); sinkErr != nil {
		p.logger.WithError(sinkErr).Debug("Failed to record fetch event")
	}
}
