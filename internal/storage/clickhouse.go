package storage

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/nft-state-sync/internal/config"
)

const (
	defaultClickHouseConns = 2
	defaultClickHouseDial  = 5 * time.Second
)

// ClickHouseDB is the connection the report sink batches into.
type ClickHouseDB struct {
	conn driver.Conn
}

// NewClickHouseDB opens the analytics connection and pings it within the
// dial timeout.
func NewClickHouseDB(ctx context.Context, cfg *config.ClickHouseConfig) (*ClickHouseDB, error) {
	opts := clickhouseOptions(cfg)
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("clickhouse %v: %w", opts.Addr, err)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse unreachable: %w", err)
	}
	return &ClickHouseDB{conn: conn}, nil
}

// clickhouseOptions builds driver options for the sink. The sink only
// flushes batches, so a couple of compressed connections suffice; several
// hosts are used round-robin.
func clickhouseOptions(cfg *config.ClickHouseConfig) *clickhouse.Options {
	var addrs []string
	for _, h := range strings.Split(cfg.Host, ",") {
		if h = strings.TrimSpace(h); h != "" {
			addrs = append(addrs, net.JoinHostPort(h, cfg.Port))
		}
	}
	conns := cfg.MaxConnections
	if conns <= 0 {
		conns = defaultClickHouseConns
	}
	dial := cfg.DialTimeout
	if dial <= 0 {
		dial = defaultClickHouseDial
	}
	strategy := clickhouse.ConnOpenInOrder
	if len(addrs) > 1 {
		strategy = clickhouse.ConnOpenRoundRobin
	}

	return &clickhouse.Options{
		Addr: addrs,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Compression:      &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		DialTimeout:      dial,
		MaxOpenConns:     conns,
		MaxIdleConns:     conns,
		ConnMaxLifetime:  30 * time.Minute,
		ConnOpenStrategy: strategy,
	}
}

func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn exposes the driver connection for batch inserts.
func (db *ClickHouseDB) Conn() driver.Conn {
	return db.conn
}

// Exec runs one statement. Migrations use it.
func (db *ClickHouseDB) Exec(ctx context.Context, query string, args ...interface{}) error {
	return db.conn.Exec(ctx, query, args...)
}
