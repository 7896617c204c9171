// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nft-state-sync/internal/adapter"
	"github.com/nft-state-sync/internal/cache"
	"github.com/nft-state-sync/internal/gateway"
	"github.com/nft-state-sync/internal/logging"
	"github.com/nft-state-sync/internal/metrics"
	"github.com/nft-state-sync/internal/pipeline"
	"github.com/nft-state-sync/internal/storage"
	"github.com/nft-state-sync/internal/types"
	"github.com/nft-state-sync/internal/worker"
)

// AssetReader serves user-facing reads. pipeline.Reads satisfies it.
type AssetReader interface {
	Asset(ctx context.Context, key types.AssetKey) pipeline.View[*types.AssetRecord]
	OwnerAssets(ctx context.Context, q pipeline.OwnerQuery) pipeline.View[[]*types.AssetRecord]
	Owner(ctx context.Context, key types.AssetKey) (cache.Result[string], error)
}

// MediaResolver turns a metadata locator into a retrievable URL.
type MediaResolver interface {
	Resolve(ctx context.Context, locator string) gateway.Resolution
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	config     *ServerConfig

	reads    AssetReader
	chain    adapter.ChainSource
	store    storage.RecordStore
	queue    worker.Queue
	media    MediaResolver
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	logger   *logging.Logger
	now      func() time.Time
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// ChainTimeout bounds direct chain calls (minted count, relay).
	ChainTimeout      time.Duration
	RequestsPerMinute int
}

// Deps are the collaborators the handlers call.
type Deps struct {
	Reads AssetReader
	Chain adapter.ChainSource
	Store storage.RecordStore
	Queue worker.Queue
	Media MediaResolver
	// Gatherer backs /metrics; nil disables the route.
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Metrics
	Logger   *logging.Logger
	Now      func() time.Time
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, deps *Deps) (*Server, error) {
	if config == nil {
		return nil, errors.New("server config cannot be nil")
	}
	if deps == nil || deps.Reads == nil || deps.Chain == nil || deps.Store == nil || deps.Queue == nil || deps.Media == nil {
		return nil, errors.New("reads, chain, store, queue and media are required")
	}
	s := &Server{
		router:   mux.NewRouter(),
		config:   config,
		reads:    deps.Reads,
		chain:    deps.Chain,
		store:    deps.Store,
		queue:    deps.Queue,
		media:    deps.Media,
		metrics:  deps.Metrics,
		gatherer: deps.Gatherer,
		logger:   deps.Logger,
		now:      deps.Now,
	}
	if s.config.ChainTimeout <= 0 {
		s.config.ChainTimeout = 8 * time.Second
	}
	if s.metrics == nil {
		s.metrics = metrics.Noop()
	}
	if s.logger == nil {
		s.logger = logging.GetGlobalLogger()
	}
	s.logger = s.logger.Component("api")
	if s.now == nil {
		s.now = time.Now
	}

	s.setupRouter()
	return s, nil
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RequestsPerMinute)

	// Order matters: recovery must see panics from everything after it.
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(MetricsMiddleware(s.metrics))
	s.router.Use(RecoveryMiddleware(s.logger))
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.gatherer != nil {
		s.router.Handle("/metrics", metrics.Handler(s.gatherer)).Methods("GET")
	}

	api := s.router.PathPrefix("/api").Subrouter()

	// Sync triggers
	api.HandleFunc("/sync/listing", s.handleSyncListing).Methods("POST")
	api.HandleFunc("/sync/collections/{contract}", s.handleSyncCollection).Methods("POST")

	// Reads
	api.HandleFunc("/assets/{contract}/{tokenId}", s.handleGetAsset).Methods("GET")
	api.HandleFunc("/assets/{contract}/{tokenId}/owner", s.handleGetOwner).Methods("GET")
	api.HandleFunc("/owners/{wallet}/assets", s.handleGetOwnerAssets).Methods("GET")
	api.HandleFunc("/collections/{contract}/minted", s.handleGetMinted).Methods("GET")
	api.HandleFunc("/media", s.handleResolveMedia).Methods("GET")

	// Chain writes
	api.HandleFunc("/transactions/relay", s.handleRelayTransaction).Methods("POST")
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":  "healthy",
		"service": "nft-state-sync",
	}
	if n, err := s.queue.Len(r.Context()); err == nil {
		body["queueDepth"] = n
	} else {
		body["status"] = "degraded"
		body["queueError"] = err.Error()
	}
	respondJSON(w, http.StatusOK, body)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
