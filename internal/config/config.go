// Package config loads the runtime configuration of the NFT state sync service.
// Values come from environment variables, optionally seeded from a .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Chain      ChainConfig
	Cache      CacheConfig
	Reconciler ReconcilerConfig
	Gateway    GatewayConfig
	Pipeline   PipelineConfig
	RateLimit  RateLimitConfig
	Logging    LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration for the record store
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
	MinConnections int
	ConnMaxIdle    time.Duration
	// StatementTimeout bounds every statement of a session. Record store
	// queries touch one key or one collection.
	StatementTimeout time.Duration
	MigrationsPath   string
}

// URL returns the connection string used by pgx and golang-migrate.
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// ClickHouseConfig holds ClickHouse configuration for the report sink.
// An empty Host disables the sink.
type ClickHouseConfig struct {
	// Host may list several comma-separated replicas.
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
	DialTimeout    time.Duration
	MigrationsPath string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// ChainConfig holds the authoritative chain endpoints and contract addresses
type ChainConfig struct {
	Name               string
	RPCURLs            []string
	MarketplaceAddress string
	ReadTimeout        time.Duration
	Cooldown           time.Duration
	ComputeUnitBudget  int
	ReservedBudget     int
	// CollectionKinds maps a contract address to jersey, stadium, badge or
	// custom:<id>. Unlisted contracts are custom collections.
	CollectionKinds map[string]string
}

// CacheConfig holds per-kind freshness windows
type CacheConfig struct {
	OwnerTTL   time.Duration
	ListingTTL time.Duration
	MintTTL    time.Duration
	AssetTTL   time.Duration

	// StaleRetention is how long an expired entry is kept so it can still
	// be served when the chain is unreachable.
	StaleRetention time.Duration
	// LocalCleanup is the sweep interval of the in-process L1 cache.
	LocalCleanup time.Duration
}

// ReconcilerConfig holds reconciliation settings
type ReconcilerConfig struct {
	AuditInterval      time.Duration
	PageSize           int
	MaxInflightPages   int
	PagesPerSecond     float64
	TrackedCollections []string
	Workers            int
	QueueSize          int
	MaxBackfill        int
	RetryAttempts      int
}

// GatewayConfig holds content gateway settings
type GatewayConfig struct {
	URLs         []string
	ProbeTimeout time.Duration
	Placeholder  string
}

// PipelineConfig holds user-facing fetch settings
type PipelineConfig struct {
	ChainTimeout time.Duration
}

// RateLimitConfig holds API rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// .env file is optional - environment variables can be set directly
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:             getEnv("POSTGRES_HOST", "localhost"),
				Port:             getEnv("POSTGRES_PORT", "5432"),
				Database:         getEnv("POSTGRES_DB", "nft_state_sync"),
				User:             getEnv("POSTGRES_USER", "sync"),
				Password:         getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections:   getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
				MinConnections:   getEnvAsInt("POSTGRES_MIN_CONNECTIONS", 1),
				ConnMaxIdle:      getEnvAsDuration("POSTGRES_CONN_MAX_IDLE", 5*time.Minute),
				StatementTimeout: getEnvAsDuration("POSTGRES_STATEMENT_TIMEOUT", 5*time.Second),
				MigrationsPath:   getEnv("POSTGRES_MIGRATIONS_PATH", "migrations/postgres"),
			},
			ClickHouse: ClickHouseConfig{
				Host:           getEnv("CLICKHOUSE_HOST", ""),
				Port:           getEnv("CLICKHOUSE_PORT", "9000"),
				Database:       getEnv("CLICKHOUSE_DB", "nft_state_sync"),
				User:           getEnv("CLICKHOUSE_USER", "default"),
				Password:       getEnv("CLICKHOUSE_PASSWORD", ""),
				MaxConnections: getEnvAsInt("CLICKHOUSE_MAX_CONNECTIONS", 2),
				DialTimeout:    getEnvAsDuration("CLICKHOUSE_DIAL_TIMEOUT", 5*time.Second),
				MigrationsPath: getEnv("CLICKHOUSE_MIGRATIONS_PATH", "migrations/clickhouse"),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 50),
			},
		},
		Chain: ChainConfig{
			Name:               getEnv("CHAIN_NAME", "ethereum"),
			RPCURLs:            getEnvAsList("CHAIN_RPC_URLS", nil),
			MarketplaceAddress: strings.ToLower(getEnv("MARKETPLACE_ADDRESS", "")),
			ReadTimeout:        getEnvAsDuration("CHAIN_READ_TIMEOUT", 8*time.Second),
			Cooldown:           getEnvAsDuration("CHAIN_RPC_COOLDOWN", 30*time.Second),
			ComputeUnitBudget:  getEnvAsInt("CHAIN_CU_BUDGET", 500),
			ReservedBudget:     getEnvAsInt("CHAIN_CU_RESERVED", 150),
			CollectionKinds:    getEnvAsMap("COLLECTION_KINDS"),
		},
		Cache: CacheConfig{
			OwnerTTL:       getEnvAsDuration("CACHE_OWNER_TTL", 2*time.Minute),
			ListingTTL:     getEnvAsDuration("CACHE_LISTING_TTL", 10*time.Minute),
			MintTTL:        getEnvAsDuration("CACHE_MINT_TTL", 60*time.Minute),
			AssetTTL:       getEnvAsDuration("CACHE_ASSET_TTL", 10*time.Minute),
			StaleRetention: getEnvAsDuration("CACHE_STALE_RETENTION", 24*time.Hour),
			LocalCleanup:   getEnvAsDuration("CACHE_LOCAL_CLEANUP", 5*time.Minute),
		},
		Reconciler: ReconcilerConfig{
			AuditInterval:      getEnvAsDuration("RECONCILE_AUDIT_INTERVAL", 15*time.Minute),
			PageSize:           getEnvAsInt("RECONCILE_PAGE_SIZE", 100),
			MaxInflightPages:   getEnvAsInt("RECONCILE_MAX_INFLIGHT_PAGES", 2),
			PagesPerSecond:     getEnvAsFloat("RECONCILE_PAGES_PER_SECOND", 4),
			TrackedCollections: lowerAll(getEnvAsList("TRACKED_COLLECTIONS", nil)),
			Workers:            getEnvAsInt("RECONCILE_WORKERS", 4),
			QueueSize:          getEnvAsInt("RECONCILE_QUEUE_SIZE", 256),
			MaxBackfill:        getEnvAsInt("RECONCILE_MAX_BACKFILL", 500),
			RetryAttempts:      getEnvAsInt("RECONCILE_RETRY_ATTEMPTS", 3),
		},
		Gateway: GatewayConfig{
			URLs: getEnvAsList("GATEWAY_URLS", []string{
				"https://ipfs.io/ipfs/",
				"https://cloudflare-ipfs.com/ipfs/",
				"https://gateway.pinata.cloud/ipfs/",
			}),
			ProbeTimeout: getEnvAsDuration("GATEWAY_PROBE_TIMEOUT", 6*time.Second),
			Placeholder:  getEnv("GATEWAY_PLACEHOLDER", "/static/placeholder.png"),
		},
		Pipeline: PipelineConfig{
			ChainTimeout: getEnvAsDuration("PIPELINE_CHAIN_TIMEOUT", 4*time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: getEnvAsInt("RATE_LIMIT_PER_MINUTE", 600),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if len(c.Gateway.URLs) == 0 {
		return fmt.Errorf("GATEWAY_URLS must list at least one gateway")
	}
	if c.Chain.ReadTimeout <= 0 {
		return fmt.Errorf("CHAIN_READ_TIMEOUT must be positive")
	}
	if c.Gateway.ProbeTimeout <= 0 {
		return fmt.Errorf("GATEWAY_PROBE_TIMEOUT must be positive")
	}
	if c.Pipeline.ChainTimeout <= 0 || c.Pipeline.ChainTimeout > c.Chain.ReadTimeout {
		return fmt.Errorf("PIPELINE_CHAIN_TIMEOUT must be positive and not exceed CHAIN_READ_TIMEOUT")
	}
	if c.Reconciler.MaxInflightPages < 1 {
		return fmt.Errorf("RECONCILE_MAX_INFLIGHT_PAGES must be at least 1")
	}
	if c.Reconciler.PageSize < 1 {
		return fmt.Errorf("RECONCILE_PAGE_SIZE must be at least 1")
	}
	if pg := c.Database.Postgres; pg.MaxConnections > 0 && pg.MinConnections > pg.MaxConnections {
		return fmt.Errorf("POSTGRES_MIN_CONNECTIONS cannot exceed POSTGRES_MAX_CONNECTIONS")
	}
	if c.Chain.ReservedBudget > c.Chain.ComputeUnitBudget {
		return fmt.Errorf("CHAIN_CU_RESERVED cannot exceed CHAIN_CU_BUDGET")
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma separated variable, dropping empty items
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func lowerAll(values []string) []string {
	for i, v := range values {
		values[i] = strings.ToLower(v)
	}
	return values
}

// getEnvAsMap parses "key=value,key=value" pairs. Keys are lowercased.
func getEnvAsMap(key string) map[string]string {
	out := make(map[string]string)
	for _, item := range getEnvAsList(key, nil) {
		k, v, ok := strings.Cut(item, "=")
		k, v = strings.ToLower(strings.TrimSpace(k)), strings.TrimSpace(v)
		if ok && k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}
