package types

import "time"

// CacheEntry wraps a cached value with the time it was cached and the
// freshness window it was written under.
type CacheEntry[T any] struct {
	Value      T         `json:"value"`
	CachedAt   time.Time `json:"cachedAt"`
	TTLMinutes float64   `json:"ttlMinutes"`
}

// NewCacheEntry stamps value with now and ttl.
func NewCacheEntry[T any](value T, now time.Time, ttl time.Duration) CacheEntry[T] {
	return CacheEntry[T]{Value: value, CachedAt: now, TTLMinutes: ttl.Minutes()}
}

// TTL returns the freshness window as a duration.
func (e CacheEntry[T]) TTL() time.Duration {
	return time.Duration(e.TTLMinutes * float64(time.Minute))
}

// Age returns how long ago the entry was written.
func (e CacheEntry[T]) Age(now time.Time) time.Duration {
	return now.Sub(e.CachedAt)
}

// IsFresh reports whether now - cachedAt <= ttl.
func (e CacheEntry[T]) IsFresh(now time.Time, ttl time.Duration) bool {
	return e.Age(now) <= ttl
}
