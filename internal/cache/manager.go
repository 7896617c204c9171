package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	apperrors "github.com/nft-state-sync/internal/errors"
	"github.com/nft-state-sync/internal/keylock"
	"github.com/nft-state-sync/internal/logging"
	"github.com/nft-state-sync/internal/metrics"
	"github.com/nft-state-sync/internal/types"
)

// ErrMiss is returned when there is no entry and the chain could not be
// read. The chain error is wrapped alongside it.
var ErrMiss = errors.New("cache miss and chain unavailable")

// Loader reads the authoritative value from the chain.
type Loader[T any] func(ctx context.Context) (T, error)

// Result is a value together with the tier that produced it.
type Result[T any] struct {
	Value      T
	Provenance types.Provenance
	Stale      bool
	CachedAt   time.Time
}

// Manager owns cache entries. It never touches the record store.
type Manager struct {
	entries      EntryStore
	policy       *Policy
	locks        *keylock.Locker
	group        singleflight.Group
	chainTimeout time.Duration
	now          func() time.Time
	metrics      *metrics.Metrics
	logger       *logging.Logger
}

// ManagerConfig holds the dependencies of a Manager.
type ManagerConfig struct {
	Entries EntryStore
	Policy  *Policy
	// Locks serializes refreshes per identity key. Shared with the
	// reconciler so a refresh never interleaves with a write.
	Locks        *keylock.Locker
	ChainTimeout time.Duration
	Now          func() time.Time
	Metrics      *metrics.Metrics
	Logger       *logging.Logger
}

// NewManager creates a cache manager.
func NewManager(cfg *ManagerConfig) (*Manager, error) {
	if cfg == nil || cfg.Entries == nil {
		return nil, errors.New("entry store is required")
	}
	m := &Manager{
		entries:      cfg.Entries,
		policy:       cfg.Policy,
		locks:        cfg.Locks,
		chainTimeout: cfg.ChainTimeout,
		now:          cfg.Now,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
	}
	if m.policy == nil {
		m.policy = NewPolicy(nil)
	}
	if m.locks == nil {
		m.locks = keylock.New()
	}
	if m.chainTimeout <= 0 {
		m.chainTimeout = 4 * time.Second
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.metrics == nil {
		m.metrics = metrics.Noop()
	}
	if m.logger == nil {
		m.logger = logging.GetGlobalLogger()
	}
	m.logger = m.logger.Component("cache")
	return m, nil
}

// Policy returns the staleness policy in use.
func (m *Manager) Policy() *Policy { return m.policy }

// Fetch returns the cached value of kind for key when it is fresh.
// Otherwise it loads the value from the chain under the chain timeout and
// stores it. If the load fails, a stale entry is served with Stale set;
// without any entry the result is ErrMiss wrapping the chain error. A
// NotFound answer from the chain is authoritative: the entry is dropped
// and the error returned.
func Fetch[T any](ctx context.Context, m *Manager, key types.AssetKey, kind types.RecordKind, load Loader[T]) (Result[T], error) {
	entryKey := EntryKey(kind, key)
	cached, hasEntry := read[T](ctx, m, entryKey)
	if hasEntry && IsFresh(m.policy, kind, cached, m.now()) {
		m.metrics.CacheRequests.WithLabelValues(string(kind), "hit").Inc()
		return Result[T]{Value: cached.Value, Provenance: types.ProvenanceCache, CachedAt: cached.CachedAt}, nil
	}

	entry, shared, err := refresh(ctx, m, key, kind, entryKey, load)
	if err == nil {
		outcome := "refresh"
		if shared {
			outcome = "shared"
		}
		m.metrics.CacheRequests.WithLabelValues(string(kind), outcome).Inc()
		return Result[T]{Value: entry.Value, Provenance: types.ProvenanceChain, CachedAt: entry.CachedAt}, nil
	}

	if apperrors.IsNotFound(err) {
		if delErr := m.entries.Delete(context.WithoutCancel(ctx), entryKey); delErr != nil {
			m.logger.WithError(delErr).WithField("key", entryKey).Warn("Failed to drop entry of missing token")
		}
		m.metrics.CacheRequests.WithLabelValues(string(kind), "miss").Inc()
		return Result[T]{}, err
	}

	if hasEntry {
		m.metrics.CacheRequests.WithLabelValues(string(kind), "stale").Inc()
		m.logger.WithError(err).WithFields(map[string]interface{}{
			"key": entryKey,
			"age": cached.Age(m.now()).String(),
		}).Warn("Serving stale entry")
		return Result[T]{Value: cached.Value, Provenance: types.ProvenanceCache, Stale: true, CachedAt: cached.CachedAt}, nil
	}

	m.metrics.CacheRequests.WithLabelValues(string(kind), "miss").Inc()
	return Result[T]{}, fmt.Errorf("%w: %w", ErrMiss, err)
}

// refresh loads and stores a new entry. Concurrent refreshes of the same
// entry share one load; refreshes of the same identity key serialize.
func refresh[T any](ctx context.Context, m *Manager, key types.AssetKey, kind types.RecordKind, entryKey string, load Loader[T]) (types.CacheEntry[T], bool, error) {
	ch := m.group.DoChan(entryKey, func() (interface{}, error) {
		// Detached so one caller giving up does not fail the others.
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.chainTimeout)
		defer cancel()

		unlock, err := m.locks.Lock(loadCtx, key.String())
		if err != nil {
			return nil, apperrors.NewChainUnavailableError("cache refresh", err)
		}
		defer unlock()

		// A refresher that held the lock before us may have stored a fresh entry.
		if cached, ok := read[T](loadCtx, m, entryKey); ok && IsFresh(m.policy, kind, cached, m.now()) {
			return cached, nil
		}

		start := time.Now()
		value, err := load(loadCtx)
		m.metrics.ChainLoadDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && !apperrors.IsChainUnavailable(err) {
				err = apperrors.NewChainUnavailableError("cache refresh", err)
			}
			return nil, err
		}

		entry := types.NewCacheEntry(value, m.now(), m.policy.TTL(kind))
		if err := write(loadCtx, m, entryKey, kind, entry); err != nil {
			m.logger.WithError(err).WithField("key", entryKey).Warn("Failed to store cache entry")
		}
		return entry, nil
	})

	select {
	case <-ctx.Done():
		return types.CacheEntry[T]{}, false, apperrors.NewChainUnavailableError("cache refresh", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return types.CacheEntry[T]{}, res.Shared, res.Err
		}
		entry, ok := res.Val.(types.CacheEntry[T])
		if !ok {
			return types.CacheEntry[T]{}, false, apperrors.NewInternalError(
				fmt.Sprintf("cache entry %s shared across value types", entryKey), nil)
		}
		return entry, res.Shared, nil
	}
}

// read decodes an entry. Store failures and undecodable entries count as
// misses.
func read[T any](ctx context.Context, m *Manager, entryKey string) (types.CacheEntry[T], bool) {
	var entry types.CacheEntry[T]
	data, found, err := m.entries.Get(ctx, entryKey)
	if err != nil {
		m.logger.WithError(err).WithField("key", entryKey).Warn("Entry store read failed")
		return entry, false
	}
	if !found {
		return entry, false
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		m.logger.WithError(err).WithField("key", entryKey).Warn("Dropping undecodable entry")
		_ = m.entries.Delete(ctx, entryKey)
		return entry, false
	}
	return entry, true
}

func write[T any](ctx context.Context, m *Manager, entryKey string, kind types.RecordKind, entry types.CacheEntry[T]) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	return m.entries.Set(ctx, entryKey, data, m.policy.Retention(kind))
}

// Put stores value as a fresh entry of kind for key.
func Put[T any](ctx context.Context, m *Manager, key types.AssetKey, kind types.RecordKind, value T) error {
	return write(ctx, m, EntryKey(kind, key), kind, types.NewCacheEntry(value, m.now(), m.policy.TTL(kind)))
}

// Invalidate drops every kind's entry for key. The record is untouched.
func (m *Manager) Invalidate(ctx context.Context, key types.AssetKey) error {
	keys := make([]string, 0, len(types.AllRecordKinds))
	for _, kind := range types.AllRecordKinds {
		keys = append(keys, EntryKey(kind, key))
	}
	if err := m.entries.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("invalidate %s: %w", key, err)
	}
	return nil
}
