package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/nft-state-sync/internal/config"
	"github.com/nft-state-sync/internal/types"
)

// EntryStore holds encoded cache entries. A missing key is reported with
// found == false and a nil error.
type EntryStore interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, expiry time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// EntryKey returns the storage key of kind for an identity key.
// Format: entry:<kind>:<contract>:<tokenId>
func EntryKey(kind types.RecordKind, key types.AssetKey) string {
	return strings.Join([]string{"entry", string(kind), strings.ToLower(key.ContractAddress), key.TokenID}, ":")
}

// NewRedisClient opens a Redis client and checks connectivity.
func NewRedisClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.MaxConnections,
		MinIdleConns: 5,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// RedisEntryStore keeps entries in Redis so every process shares them.
type RedisEntryStore struct {
	client redis.Cmdable
}

// NewRedisEntryStore wraps a Redis client.
func NewRedisEntryStore(client redis.Cmdable) *RedisEntryStore {
	return &RedisEntryStore{client: client}
}

// Get implements EntryStore.
func (s *RedisEntryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, true, nil
}

// Set implements EntryStore.
func (s *RedisEntryStore) Set(ctx context.Context, key string, value []byte, expiry time.Duration) error {
	if err := s.client.Set(ctx, key, value, expiry).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete implements EntryStore.
func (s *RedisEntryStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// LocalEntryStore keeps entries in process memory.
type LocalEntryStore struct {
	cache *gocache.Cache
}

// NewLocalEntryStore creates an in-process store that sweeps expired
// entries every cleanup interval.
func NewLocalEntryStore(cleanup time.Duration) *LocalEntryStore {
	if cleanup <= 0 {
		cleanup = 5 * time.Minute
	}
	return &LocalEntryStore{cache: gocache.New(gocache.NoExpiration, cleanup)}
}

// Get implements EntryStore.
func (s *LocalEntryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	obj, found := s.cache.Get(key)
	if !found {
		return nil, false, nil
	}
	return obj.([]byte), true, nil
}

// Set implements EntryStore.
func (s *LocalEntryStore) Set(_ context.Context, key string, value []byte, expiry time.Duration) error {
	buf := make([]byte, len(value))
	copy(buf, value)
	s.cache.Set(key, buf, expiry)
	return nil
}

// Delete implements EntryStore.
func (s *LocalEntryStore) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		s.cache.Delete(key)
	}
	return nil
}

// Len returns the number of live entries.
func (s *LocalEntryStore) Len() int {
	return s.cache.ItemCount()
}

// Tiered puts a short-lived local tier in front of a shared store. Local
// copies live at most localTTL so invalidations by other processes are
// observed within that bound.
type Tiered struct {
	local    EntryStore
	shared   EntryStore
	localTTL time.Duration
}

// NewTiered combines local and shared stores.
func NewTiered(local, shared EntryStore, localTTL time.Duration) *Tiered {
	if localTTL <= 0 {
		localTTL = 30 * time.Second
	}
	return &Tiered{local: local, shared: shared, localTTL: localTTL}
}

// Get implements EntryStore. A shared-tier failure is returned only when
// the local tier has nothing.
func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if data, ok, _ := t.local.Get(ctx, key); ok {
		return data, true, nil
	}
	data, ok, err := t.shared.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	_ = t.local.Set(ctx, key, data, t.localTTL)
	return data, true, nil
}

// Set implements EntryStore.
func (t *Tiered) Set(ctx context.Context, key string, value []byte, expiry time.Duration) error {
	local := expiry
	if local <= 0 || local > t.localTTL {
		local = t.localTTL
	}
	_ = t.local.Set(ctx, key, value, local)
	return t.shared.Set(ctx, key, value, expiry)
}

// Delete implements EntryStore.
func (t *Tiered) Delete(ctx context.Context, keys ...string) error {
	_ = t.local.Delete(ctx, keys...)
	return t.shared.Delete(ctx, keys...)
}

var (
	_ EntryStore = (*RedisEntryStore)(nil)
	_ EntryStore = (*LocalEntryStore)(nil)
	_ EntryStore = (*Tiered)(nil)
)
