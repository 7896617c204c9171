// Package app wires the service components from configuration. The server,
// the worker and the operator CLI all build their dependencies here.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/nft-state-sync/internal/adapter"
	"github.com/nft-state-sync/internal/cache"
	"github.com/nft-state-sync/internal/circuitbreaker"
	"github.com/nft-state-sync/internal/config"
	apperrors "github.com/nft-state-sync/internal/errors"
	"github.com/nft-state-sync/internal/gateway"
	"github.com/nft-state-sync/internal/keylock"
	"github.com/nft-state-sync/internal/logging"
	"github.com/nft-state-sync/internal/metrics"
	"github.com/nft-state-sync/internal/pipeline"
	"github.com/nft-state-sync/internal/ratelimit"
	"github.com/nft-state-sync/internal/reconciler"
	"github.com/nft-state-sync/internal/retry"
	"github.com/nft-state-sync/internal/storage"
	"github.com/nft-state-sync/internal/types"
	"github.com/nft-state-sync/internal/worker"
)

// Options selects how the components are backed.
type Options struct {
	// Dev replaces Postgres, Redis, ClickHouse and the RPC endpoints with
	// in-process implementations.
	Dev bool
	// Priority is the budget pool chain calls draw from when the caller
	// did not tag its context.
	Priority ratelimit.Priority
	Logger   *logging.Logger
}

// App holds the wired components.
type App struct {
	Config   *config.Config
	Logger   *logging.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	Chain      adapter.ChainSource
	Store      storage.RecordStore
	Cache      *cache.Manager
	Locks      *keylock.Locker
	Kinds      *types.KindResolver
	Sink       storage.EventSink
	Reads      *pipeline.Reads
	Queue      worker.Queue
	Media      *gateway.Resolver
	Reconciler *reconciler.Reconciler

	clickhouse *storage.ClickHouseSink
	closers    []func()
}

// Build connects to every backing service and wires the components. On
// error everything opened so far is closed.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	a := &App{
		Config:   cfg,
		Logger:   opts.Logger,
		Registry: prometheus.NewRegistry(),
		Locks:    keylock.New(),
	}
	if a.Logger == nil {
		a.Logger = logging.GetGlobalLogger()
	}
	built := false
	defer func() {
		if !built {
			a.Close()
		}
	}()

	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.NewMetrics(a.Registry)

	var err error
	if a.Kinds, err = types.NewKindResolver(cfg.Chain.CollectionKinds); err != nil {
		return nil, fmt.Errorf("COLLECTION_KINDS: %w", err)
	}

	var rdb *redis.Client
	if opts.Dev {
		a.Chain = adapter.NewMemorySource()
		a.Store = storage.NewMemoryStore(time.Now)
		a.Queue = worker.NewMemoryQueue(cfg.Reconciler.QueueSize)
		a.Sink = storage.NewLogSink(a.Logger)
	} else {
		if rdb, err = cache.NewRedisClient(ctx, &cfg.Database.Redis); err != nil {
			return nil, err
		}
		a.onClose(func() { _ = rdb.Close() })

		if a.Chain, err = a.dialChain(ctx, rdb, opts.Priority); err != nil {
			return nil, err
		}

		var db *storage.PostgresDB
		if db, err = storage.NewPostgresDB(ctx, &cfg.Database.Postgres); err != nil {
			return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
		}
		a.onClose(db.Close)
		a.Store = storage.NewPostgresStore(db, time.Now)

		if a.Queue, err = worker.NewRedisQueue(&worker.RedisQueueConfig{
			Client: rdb,
			Size:   cfg.Reconciler.QueueSize,
		}); err != nil {
			return nil, err
		}

		if a.Sink, err = a.openSink(ctx); err != nil {
			return nil, err
		}
	}

	local := cache.NewLocalEntryStore(cfg.Cache.LocalCleanup)
	var entries cache.EntryStore = local
	if rdb != nil {
		entries = cache.NewTiered(local, cache.NewRedisEntryStore(rdb), cfg.Cache.OwnerTTL)
	}
	if a.Cache, err = cache.NewManager(&cache.ManagerConfig{
		Entries:      entries,
		Policy:       cache.NewPolicy(&cfg.Cache),
		Locks:        a.Locks,
		ChainTimeout: cfg.Pipeline.ChainTimeout,
		Metrics:      a.Metrics,
		Logger:       a.Logger,
	}); err != nil {
		return nil, err
	}

	if a.Reads, err = pipeline.NewReads(&pipeline.ReadsConfig{
		Chain: a.Chain,
		Store: a.Store,
		Cache: a.Cache,
		Kinds: a.Kinds,
		Options: pipeline.Options{
			ChainTimeout: cfg.Pipeline.ChainTimeout,
			Sink:         a.Sink,
			Metrics:      a.Metrics,
			Logger:       a.Logger,
		},
	}); err != nil {
		return nil, err
	}

	if a.Media, err = gateway.NewResolver(&gateway.Config{
		Gateways:     cfg.Gateway.URLs,
		ProbeTimeout: cfg.Gateway.ProbeTimeout,
		Placeholder:  cfg.Gateway.Placeholder,
		Metrics:      a.Metrics,
		Logger:       a.Logger,
	}); err != nil {
		return nil, err
	}
	a.onClose(a.Media.Close)

	breaker := circuitbreaker.DefaultConfig("chain-source")
	breaker.IsFailure = apperrors.IsChainUnavailable
	rc := retry.DefaultRetryConfig()
	if cfg.Reconciler.RetryAttempts > 0 {
		rc.MaxAttempts = cfg.Reconciler.RetryAttempts
	}
	if a.Reconciler, err = reconciler.New(&reconciler.Config{
		Chain:              a.Chain,
		Store:              a.Store,
		Cache:              a.Cache,
		Media:              a.Media,
		Locks:              a.Locks,
		Kinds:              a.Kinds,
		Sink:               a.Sink,
		MarketplaceAddress: cfg.Chain.MarketplaceAddress,
		PageSize:           cfg.Reconciler.PageSize,
		MaxInflightPages:   cfg.Reconciler.MaxInflightPages,
		PagesPerSecond:     cfg.Reconciler.PagesPerSecond,
		MaxBackfill:        cfg.Reconciler.MaxBackfill,
		Retry:              rc,
		Breaker:            circuitbreaker.NewCircuitBreaker(breaker),
		Metrics:            a.Metrics,
		Logger:             a.Logger,
	}); err != nil {
		return nil, err
	}
	built = true
	return a, nil
}

// dialChain builds the Ethereum source over a pool of RPC endpoints whose
// clients charge the compute-unit budget shared through Redis.
func (a *App) dialChain(ctx context.Context, rdb redis.Cmdable, priority ratelimit.Priority) (adapter.ChainSource, error) {
	cfg := a.Config.Chain
	tracker, err := ratelimit.NewBudgetTracker(&ratelimit.BudgetTrackerConfig{
		Redis:          rdb,
		TotalBudget:    cfg.ComputeUnitBudget,
		ReservedBudget: cfg.ReservedBudget,
	})
	if err != nil {
		return nil, fmt.Errorf("budget tracker: %w", err)
	}

	pool, err := adapter.NewRPCPool(ctx, &adapter.RPCPoolConfig{
		Endpoints:    cfg.RPCURLs,
		CooldownTime: cfg.Cooldown,
		Dialer:       adapter.WithBudget(adapter.DialEthClient, tracker, ratelimit.NewCostRegistry(nil), priority),
	})
	if err != nil {
		return nil, err
	}
	a.onClose(pool.Close)

	return adapter.NewEthereumSource(&adapter.EthereumSourceConfig{
		Chain:       cfg.Name,
		Pool:        pool,
		ReadTimeout: cfg.ReadTimeout,
	})
}

// openSink always logs reports; ClickHouse is added when configured.
func (a *App) openSink(ctx context.Context) (storage.EventSink, error) {
	logSink := storage.NewLogSink(a.Logger)
	chCfg := a.Config.Database.ClickHouse
	if chCfg.Host == "" {
		return logSink, nil
	}
	db, err := storage.NewClickHouseDB(ctx, &chCfg)
	if err != nil {
		return nil, err
	}
	a.onClose(func() { _ = db.Close() })
	a.clickhouse = storage.NewClickHouseSink(db, 0)
	return storage.MultiSink{logSink, a.clickhouse}, nil
}

// RunSink flushes buffered analytics events until ctx is done. It returns
// immediately when ClickHouse is not configured.
func (a *App) RunSink(ctx context.Context) {
	if a.clickhouse == nil {
		return
	}
	a.clickhouse.Run(ctx, 10*time.Second)
}

func (a *App) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
