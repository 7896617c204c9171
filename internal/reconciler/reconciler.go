// Package reconciler brings the record store into agreement with the
// chain, either for one token after a marketplace event or for a whole
// collection during an audit.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nft-state-sync/internal/adapter"
	"github.com/nft-state-sync/internal/circuitbreaker"
	apperrors "github.com/nft-state-sync/internal/errors"
	"github.com/nft-state-sync/internal/gateway"
	"github.com/nft-state-sync/internal/keylock"
	"github.com/nft-state-sync/internal/logging"
	"github.com/nft-state-sync/internal/metrics"
	"github.com/nft-state-sync/internal/retry"
	"github.com/nft-state-sync/internal/storage"
	"github.com/nft-state-sync/internal/types"
)

// Invalidator drops cached entries for an identity key.
type Invalidator interface {
	Invalidate(ctx context.Context, key types.AssetKey) error
}

// MediaResolver turns a metadata locator into a retrievable URL.
type MediaResolver interface {
	Resolve(ctx context.Context, locator string) gateway.Resolution
}

// Reconciler applies chain state to the record store.
type Reconciler struct {
	chain       adapter.ChainSource
	store       storage.RecordStore
	cache       Invalidator
	media       MediaResolver
	locks       *keylock.Locker
	kinds       *types.KindResolver
	sink        storage.EventSink
	metrics     *metrics.Metrics
	logger      *logging.Logger
	breaker     *circuitbreaker.CircuitBreaker
	retry       *retry.RetryConfig
	pages       *rate.Limiter
	marketplace string
	pageSize    uint64
	maxInflight int
	maxBackfill int
	now         func() time.Time
}

// Config holds the dependencies and limits of a Reconciler.
type Config struct {
	Chain adapter.ChainSource
	Store storage.RecordStore
	// Cache is optional; nil skips invalidation.
	Cache Invalidator
	// Media is optional; nil leaves media locators untouched.
	Media MediaResolver
	// Locks must be shared with every other writer of the same keys.
	Locks *keylock.Locker
	Kinds *types.KindResolver
	Sink  storage.EventSink

	MarketplaceAddress string
	PageSize           int
	MaxInflightPages   int
	PagesPerSecond     float64
	MaxBackfill        int

	Retry   *retry.RetryConfig
	Breaker *circuitbreaker.CircuitBreaker
	Metrics *metrics.Metrics
	Logger  *logging.Logger
	Now     func() time.Time
}

// New validates cfg and builds a Reconciler.
func New(cfg *Config) (*Reconciler, error) {
	if cfg == nil || cfg.Chain == nil || cfg.Store == nil {
		return nil, errors.New("chain source and record store are required")
	}
	r := &Reconciler{
		chain:       cfg.Chain,
		store:       cfg.Store,
		cache:       cfg.Cache,
		media:       cfg.Media,
		locks:       cfg.Locks,
		kinds:       cfg.Kinds,
		sink:        cfg.Sink,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		breaker:     cfg.Breaker,
		marketplace: strings.ToLower(cfg.MarketplaceAddress),
		maxInflight: cfg.MaxInflightPages,
		maxBackfill: cfg.MaxBackfill,
		now:         cfg.Now,
	}
	if r.locks == nil {
		r.locks = keylock.New()
	}
	if r.metrics == nil {
		r.metrics = metrics.Noop()
	}
	if r.logger == nil {
		r.logger = logging.GetGlobalLogger()
	}
	r.logger = r.logger.Component("reconciler")
	if r.now == nil {
		r.now = time.Now
	}
	rc := retry.DefaultRetryConfig()
	if cfg.Retry != nil {
		rc = new(retry.RetryConfig)
		*rc = *cfg.Retry
	}
	rc.ShouldRetry = shouldRetry
	r.retry = rc
	if r.breaker == nil {
		bc := circuitbreaker.DefaultConfig("chain-source")
		bc.IsFailure = apperrors.IsChainUnavailable
		r.breaker = circuitbreaker.NewCircuitBreaker(bc)
	}

	r.pageSize = uint64(100)
	if cfg.PageSize > 0 {
		r.pageSize = uint64(cfg.PageSize)
	}
	if r.maxInflight < 1 {
		r.maxInflight = 2
	}
	if r.maxBackfill <= 0 {
		r.maxBackfill = 500
	}
	limit := rate.Inf
	if cfg.PagesPerSecond > 0 {
		limit = rate.Limit(cfg.PagesPerSecond)
	}
	r.pages = rate.NewLimiter(limit, r.maxInflight)
	return r, nil
}

// shouldRetry retries transient chain failures but not an open circuit.
func shouldRetry(err error) bool {
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return false
	}
	return apperrors.IsChainUnavailable(err)
}

// Handle runs the reconciliation a task asks for and publishes its report.
// The report is returned even when err is non-nil.
func (r *Reconciler) Handle(ctx context.Context, task types.SyncTask) (*types.SyncReport, error) {
	task.ContractAddress = strings.ToLower(task.ContractAddress)
	report := types.NewSyncReport(task, r.now())
	if err := task.Validate(); err != nil {
		return report, apperrors.NewInvalidParameterError("task", err.Error())
	}
	logger := r.logger.WithFields(map[string]interface{}{
		"task_id":  task.ID,
		"reason":   string(task.Reason),
		"contract": task.ContractAddress,
	})
	ctx = logging.WithLogger(ctx, logger)

	var err error
	switch {
	case task.Reason == types.ReasonListingEvent:
		err = r.handleEvent(ctx, task, report)
	case task.Reason.IsAudit():
		err = r.handleAudit(ctx, task, report)
	}

	report.FinishedAt = r.now()
	r.metrics.ObserveReport(report, err)
	if r.sink != nil {
		if sinkErr := r.sink.RecordReport(context.WithoutCancel(ctx), report); sinkErr != nil {
			logger.WithError(sinkErr).Warn("Failed to publish sync report")
		}
	}
	if err != nil {
		logger.WithError(err).WithFields(report.Fields()).Error("Reconciliation failed")
		return report, err
	}
	logger.WithFields(report.Fields()).Info("Reconciliation finished")
	return report, nil
}

// read runs a chain read through the circuit breaker and retry policy.
func read[T any](ctx context.Context, r *Reconciler, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	return retry.Do(ctx, r.retry, func(ctx context.Context) (T, error) {
		var out T
		err := r.breaker.Execute(ctx, func(ctx context.Context) error {
			v, err := fn(ctx)
			out = v
			return err
		})
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			return out, apperrors.NewChainUnavailableError(op, err)
		}
		return out, err
	})
}

// tally accumulates counters from concurrent token syncs.
type tally struct {
	mu     sync.Mutex
	report *types.SyncReport
}

func (t *tally) record(res storage.UpsertResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch res {
	case storage.UpsertCreated:
		t.report.Created++
	case storage.UpsertUpdated:
		t.report.Updated++
	}
}

func (t *tally) unresolved(key types.AssetKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.report.MarkUnresolved(key)
}

// syncToken reads the token from the chain and writes the record under
// the key lock. listing is the token's active marketplace entry, or nil.
// A token the chain cannot describe is counted unresolved; nothing is
// written for it.
func (r *Reconciler) syncToken(ctx context.Context, key types.AssetKey, listing *types.Listing, t *tally) error {
	err := r.applyToken(ctx, key, listing, t)
	if apperrors.IsNotFound(err) {
		t.unresolved(key)
		logging.FromContext(ctx).WithField("key", key.String()).Warn("Token not found on chain, left unresolved")
		return nil
	}
	return err
}

// applyToken is syncToken without the not-found handling: a chain
// NotFound is returned as is and left for the caller to count.
func (r *Reconciler) applyToken(ctx context.Context, key types.AssetKey, listing *types.Listing, t *tally) error {
	unlock, err := r.locks.Lock(ctx, key.String())
	if err != nil {
		return err
	}
	defer unlock()
	return r.refresh(ctx, key, listing, t)
}

// refresh reads the token and writes its record. The caller holds the
// key lock.
func (r *Reconciler) refresh(ctx context.Context, key types.AssetKey, listing *types.Listing, t *tally) error {
	asset, err := read(ctx, r, "GetAsset", func(ctx context.Context) (*types.ChainAsset, error) {
		return r.chain.GetAsset(ctx, key.ContractAddress, key.TokenID)
	})
	if err != nil {
		if !apperrors.IsNotFound(err) {
			t.unresolved(key)
		}
		return err
	}

	res, err := r.write(ctx, key, asset, listing)
	if err != nil {
		return err
	}
	t.record(res)
	return nil
}

// write upserts the chain-confirmed view of a token and invalidates its
// cache entries. The caller holds the key lock.
func (r *Reconciler) write(ctx context.Context, key types.AssetKey, asset *types.ChainAsset, listing *types.Listing) (storage.UpsertResult, error) {
	prev, err := r.store.Get(ctx, key)
	if err != nil && !apperrors.IsNotFound(err) {
		return "", err
	}
	if apperrors.IsNotFound(err) {
		prev = nil
	}

	next := &types.AssetRecord{
		ContractAddress: key.ContractAddress,
		TokenID:         key.TokenID,
		Owner:           types.StringPtr(strings.ToLower(asset.Owner)),
		MetadataURI:     asset.MetadataURI,
		Mint:            types.Mint{Confirmed: true},
		LastSyncedAt:    r.now(),
		SourceOfTruth:   types.ProvenanceChain,
	}
	if prev == nil || prev.Kind.IsZero() {
		next.Kind = r.kinds.Resolve(key.ContractAddress)
	}
	if listing != nil {
		next.Marketplace = listing.Marketplace()
	}
	next.MediaLocators = r.mediaFor(ctx, prev, asset.MetadataURI)

	res, err := r.store.Upsert(ctx, next)
	if err != nil {
		return "", err
	}
	if r.cache != nil {
		if err := r.cache.Invalidate(ctx, key); err != nil {
			logging.FromContext(ctx).WithError(err).WithField("key", key.String()).Warn("Cache invalidation failed")
		}
	}
	return res, nil
}

// mediaFor resolves the metadata locator when it is new or changed. An
// empty result keeps whatever the record already holds.
func (r *Reconciler) mediaFor(ctx context.Context, prev *types.AssetRecord, uri string) []string {
	if r.media == nil || uri == "" {
		return nil
	}
	if prev != nil && prev.MetadataURI == uri && len(prev.MediaLocators) > 0 {
		return nil
	}
	res := r.media.Resolve(ctx, uri)
	if res.Placeholder {
		return nil
	}
	return []string{res.URL}
}

func (r *Reconciler) requireMarketplace() error {
	if r.marketplace == "" {
		return apperrors.NewInvalidParameterError("marketplace", "no marketplace address configured")
	}
	return nil
}

func wrapStep(step string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", step, err)
}
