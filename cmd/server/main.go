// Package main provides the API server entry point for the NFT state sync service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nft-state-sync/internal/api"
	"github.com/nft-state-sync/internal/app"
	"github.com/nft-state-sync/internal/config"
	"github.com/nft-state-sync/internal/logging"
	"github.com/nft-state-sync/internal/ratelimit"
	"github.com/nft-state-sync/internal/worker"
)

func main() {
	dev := flag.Bool("dev", false, "Run with in-memory chain, store and queue, and process tasks in-process")
	flag.Parse()

	fmt.Println("NFT State Sync API Server")
	log.Println("Server starting...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
		"dev":    *dev,
	}).Info("Structured logging initialized")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, app.Options{Dev: *dev, Priority: ratelimit.PriorityHigh, Logger: logger})
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize components")
	}
	defer a.Close()

	serverConfig := &api.ServerConfig{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		ChainTimeout:      cfg.Chain.ReadTimeout,
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
	}
	server, err := api.NewServer(serverConfig, &api.Deps{
		Reads:    a.Reads,
		Chain:    a.Chain,
		Store:    a.Store,
		Queue:    a.Queue,
		Media:    a.Media,
		Gatherer: a.Registry,
		Metrics:  a.Metrics,
		Logger:   logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create server")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.RunSink(ctx)
	}()

	// Dev mode has no separate worker process to drain the in-memory queue.
	if *dev {
		if err := startInProcessWorker(ctx, &wg, a, logger); err != nil {
			logger.WithError(err).Fatal("Failed to start in-process worker")
		}
	}

	go func() {
		if err := server.Start(); err != nil {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	wg.Wait()

	logger.Info("Server exited")
}

func startInProcessWorker(ctx context.Context, wg *sync.WaitGroup, a *app.App, logger *logging.Logger) error {
	pool, err := worker.NewPool(&worker.PoolConfig{
		Queue:   a.Queue,
		Handler: a.Reconciler,
		Workers: a.Config.Reconciler.Workers,
		Metrics: a.Metrics,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	scheduler, err := worker.NewScheduler(&worker.SchedulerConfig{
		Queue:       a.Queue,
		Collections: a.Config.Reconciler.TrackedCollections,
		Interval:    a.Config.Reconciler.AuditInterval,
		Metrics:     a.Metrics,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := pool.Run(ctx); err != nil {
			logger.WithError(err).Error("Worker pool stopped")
		}
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = scheduler.Stop(stopCtx)
	}()
	return nil
}
