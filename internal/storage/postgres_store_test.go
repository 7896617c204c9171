package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nft-state-sync/internal/config"
)

// setupPostgres starts a Postgres container, applies the migrations and
// returns a connected database.
func setupPostgres(t *testing.T) *PostgresDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("nft_state_sync"),
		postgres.WithUsername("sync"),
		postgres.WithPassword("sync"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("Skipping test - Docker not available: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	mg, err := NewMigrator(dsn, migrationsDir(t, "postgres"))
	require.NoError(t, err)
	require.NoError(t, mg.Up())
	version, dirty, err := mg.Version()
	require.NoError(t, err)
	require.False(t, dirty)
	require.Equal(t, uint(1), version)
	require.NoError(t, mg.Close())

	db, err := OpenPostgres(ctx, dsn, PoolSettings{MaxConns: 5, StatementTimeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func TestPoolConfig(t *testing.T) {
	pc, err := poolConfig("postgres://sync@localhost:5432/nft_state_sync", PoolSettingsFrom(&config.PostgresConfig{
		MaxConnections:   12,
		MinConnections:   3,
		ConnMaxIdle:      time.Minute,
		StatementTimeout: 1500 * time.Millisecond,
	}))
	require.NoError(t, err)
	assert.Equal(t, int32(12), pc.MaxConns)
	assert.Equal(t, int32(3), pc.MinConns)
	assert.Equal(t, time.Minute, pc.MaxConnIdleTime)
	assert.Equal(t, "1500", pc.ConnConfig.RuntimeParams["statement_timeout"])
	assert.Equal(t, "nft-state-sync", pc.ConnConfig.RuntimeParams["application_name"])

	pc, err = poolConfig("postgres://sync@localhost:5432/nft_state_sync", PoolSettings{})
	require.NoError(t, err)
	assert.NotContains(t, pc.ConnConfig.RuntimeParams, "statement_timeout")

	_, err = poolConfig("postgres://sync@localhost:notaport/db", PoolSettings{})
	assert.Error(t, err)
}

func TestPostgresSessionSettings(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()

	var app, timeout string
	require.NoError(t, db.Pool().QueryRow(ctx, "SHOW application_name").Scan(&app))
	require.NoError(t, db.Pool().QueryRow(ctx, "SHOW statement_timeout").Scan(&timeout))
	assert.Equal(t, "nft-state-sync", app)
	assert.Equal(t, "2s", timeout)
}

func TestPostgresStore(t *testing.T) {
	db := setupPostgres(t)

	runRecordStoreSuite(t, func(t *testing.T) RecordStore {
		_, err := db.Pool().Exec(context.Background(), "TRUNCATE assets")
		require.NoError(t, err)
		return NewPostgresStore(db, func() time.Time { return suiteNow })
	})
}

func TestPostgresCheckConstraintRejectsListedAuction(t *testing.T) {
	db := setupPostgres(t)
	ctx := testContext(t)

	_, err := db.Pool().Exec(ctx, `
		INSERT INTO assets (contract_address, token_id, marketplace, last_synced_at)
		VALUES ('0xabc', '1', '{"isListed": true, "isAuction": true}', NOW())
	`)
	require.Error(t, err)
	require.Contains(t, storeErr("insert", err).Error(), "assets_listed_xor_auction")
}
