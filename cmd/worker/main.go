// Package main provides the sync worker entry point for the NFT state sync
// service. It drains the shared Redis queue and schedules periodic audits.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nft-state-sync/internal/app"
	"github.com/nft-state-sync/internal/config"
	"github.com/nft-state-sync/internal/logging"
	"github.com/nft-state-sync/internal/metrics"
	"github.com/nft-state-sync/internal/ratelimit"
	"github.com/nft-state-sync/internal/worker"
)

func main() {
	metricsAddr := flag.String("metrics-addr", ":9091", "Address to serve /metrics on; empty disables it")
	noSchedule := flag.Bool("no-schedule", false, "Only drain the queue; another worker schedules audits")
	flag.Parse()

	fmt.Println("NFT State Sync Worker")
	log.Println("Worker starting...")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Audits and backfills draw from the shared budget pool.
	a, err := app.Build(ctx, cfg, app.Options{Priority: ratelimit.PriorityLow, Logger: logger})
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize components")
	}
	defer a.Close()

	pool, err := worker.NewPool(&worker.PoolConfig{
		Queue:   a.Queue,
		Handler: a.Reconciler,
		Workers: cfg.Reconciler.Workers,
		Metrics: a.Metrics,
		Logger:  logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create worker pool")
	}

	var scheduler *worker.Scheduler
	if !*noSchedule {
		scheduler, err = worker.NewScheduler(&worker.SchedulerConfig{
			Queue:       a.Queue,
			Collections: cfg.Reconciler.TrackedCollections,
			Interval:    cfg.Reconciler.AuditInterval,
			Metrics:     a.Metrics,
			Logger:      logger,
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to create audit scheduler")
		}
		if err := scheduler.Start(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to start audit scheduler")
		}
	}

	var metricsServer *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(a.Registry))
		metricsServer = &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.RunSink(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := pool.Run(ctx); err != nil {
			logger.WithError(err).Error("Worker pool stopped")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"workers":     cfg.Reconciler.Workers,
		"collections": len(cfg.Reconciler.TrackedCollections),
		"scheduling":  scheduler != nil,
	}).Info("Worker started")

	<-ctx.Done()
	logger.Info("Shutdown signal received, stopping worker...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if scheduler != nil {
		if err := scheduler.Stop(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Error stopping audit scheduler")
		}
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	wg.Wait()

	stats := pool.Stats()
	logger.WithFields(map[string]interface{}{
		"processed": stats.Processed,
		"failed":    stats.Failed,
	}).Info("Worker stopped. Goodbye!")
}
