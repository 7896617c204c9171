package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nft-state-sync/internal/config"
)

const (
	applicationName = "nft-state-sync"
	connectTimeout  = 15 * time.Second
)

// PoolSettings sizes the record store pool. Zero values keep the pgx
// defaults.
type PoolSettings struct {
	MaxConns         int
	MinConns         int
	MaxConnIdle      time.Duration
	StatementTimeout time.Duration
}

// PoolSettingsFrom reads the pool settings from the Postgres configuration.
func PoolSettingsFrom(cfg *config.PostgresConfig) PoolSettings {
	return PoolSettings{
		MaxConns:         cfg.MaxConnections,
		MinConns:         cfg.MinConnections,
		MaxConnIdle:      cfg.ConnMaxIdle,
		StatementTimeout: cfg.StatementTimeout,
	}
}

// PostgresDB is the connection pool behind PostgresStore.
type PostgresDB struct {
	pool *pgxpool.Pool
}

// NewPostgresDB connects using the service configuration.
func NewPostgresDB(ctx context.Context, cfg *config.PostgresConfig) (*PostgresDB, error) {
	return OpenPostgres(ctx, cfg.URL(), PoolSettingsFrom(cfg))
}

// OpenPostgres connects to dsn and pings it once before returning.
func OpenPostgres(ctx context.Context, dsn string, s PoolSettings) (*PostgresDB, error) {
	pc, err := poolConfig(dsn, s)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres unreachable: %w", err)
	}
	return &PostgresDB{pool: pool}, nil
}

func poolConfig(dsn string, s PoolSettings) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	if s.MaxConns > 0 {
		pc.MaxConns = int32(s.MaxConns) // #nosec G115 - bounded by config
	}
	if s.MinConns > 0 {
		pc.MinConns = int32(s.MinConns) // #nosec G115
	}
	if s.MaxConnIdle > 0 {
		pc.MaxConnIdleTime = s.MaxConnIdle
	}

	params := pc.ConnConfig.RuntimeParams
	params["application_name"] = applicationName
	if s.StatementTimeout > 0 {
		params["statement_timeout"] = strconv.FormatInt(s.StatementTimeout.Milliseconds(), 10)
	}
	return pc, nil
}

// Close releases every pooled connection.
func (db *PostgresDB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// Pool exposes the pgx pool.
func (db *PostgresDB) Pool() *pgxpool.Pool {
	return db.pool
}
