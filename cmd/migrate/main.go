// Package main applies the record store and analytics schemas.
//
//	migrate                      # every target, up
//	migrate -target postgres -action version
//	migrate -target postgres -action down
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nft-state-sync/internal/config"
	"github.com/nft-state-sync/internal/logging"
	"github.com/nft-state-sync/internal/storage"
)

// target migrates one database. Actions it does not support are errors.
type target struct {
	name string
	// optional targets are skipped when "all" runs and they are not configured.
	configured func(cfg *config.Config) bool
	run        func(ctx context.Context, cfg *config.Config, action string) error
}

var targets = []target{
	{
		name:       "postgres",
		configured: func(*config.Config) bool { return true },
		run:        migratePostgres,
	},
	{
		name:       "clickhouse",
		configured: func(cfg *config.Config) bool { return cfg.Database.ClickHouse.Host != "" },
		run:        migrateClickHouse,
	},
}

func main() {
	only := flag.String("target", "all", "Schema to migrate: postgres, clickhouse or all")
	action := flag.String("action", "up", "up, down (one step) or version")
	timeout := flag.Duration("timeout", 5*time.Minute, "Deadline for the whole run")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
	logger := logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format)).Component("migrate")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	err = run(logging.WithLogger(ctx, logger), cfg, *only, *action)
	cancel()
	stop()
	if err != nil {
		logger.WithError(err).Error("Migration failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, only, action string) error {
	logger := logging.FromContext(ctx)
	matched := false
	for _, t := range targets {
		if only != "all" && only != t.name {
			continue
		}
		matched = true
		if only == "all" && !t.configured(cfg) {
			logger.WithField("target", t.name).Info("Not configured, skipped")
			continue
		}
		if err := t.run(ctx, cfg, action); err != nil {
			return fmt.Errorf("%s: %w", t.name, err)
		}
	}
	if !matched {
		return fmt.Errorf("unknown target %q", only)
	}
	return nil
}

func migratePostgres(ctx context.Context, cfg *config.Config, action string) error {
	pg := cfg.Database.Postgres
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"target": "postgres",
		"path":   pg.MigrationsPath,
	})

	mg, err := storage.NewMigrator(pg.URL(), pg.MigrationsPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := mg.Close(); err != nil {
			logger.WithError(err).Warn("Closing migrator failed")
		}
	}()

	switch action {
	case "up":
		err = mg.Up()
	case "down":
		err = mg.Down()
	case "version":
	default:
		return fmt.Errorf("unsupported action %q", action)
	}
	if err != nil {
		return err
	}

	version, dirty, err := mg.Version()
	if err != nil {
		return err
	}
	logger.WithFields(map[string]interface{}{
		"action":  action,
		"version": version,
		"dirty":   dirty,
	}).Info("Schema version")
	return nil
}

// migrateClickHouse replays the idempotent analytics DDL; there is no
// version table to roll back.
func migrateClickHouse(ctx context.Context, cfg *config.Config, action string) error {
	ch := cfg.Database.ClickHouse
	if action != "up" {
		return fmt.Errorf("unsupported action %q, only up", action)
	}
	if ch.Host == "" {
		return fmt.Errorf("CLICKHOUSE_HOST is not set")
	}
	if _, err := os.Stat(ch.MigrationsPath); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	db, err := storage.NewClickHouseDB(ctx, &ch)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := storage.RunClickHouseMigrations(ctx, db, ch.MigrationsPath); err != nil {
		return err
	}
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"target": "clickhouse",
		"path":   ch.MigrationsPath,
	}).Info("Schema applied")
	return nil
}
