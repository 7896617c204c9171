// Package cache serves chain-derived values from TTL-bounded entries and
// refreshes them from the chain when they go stale.
package cache

import (
	"time"

	"github.com/nft-state-sync/internal/config"
	"github.com/nft-state-sync/internal/types"
)

const defaultTTL = 10 * time.Minute

// Policy decides how long an entry of each record kind stays fresh.
type Policy struct {
	ttls      map[types.RecordKind]time.Duration
	retention time.Duration
}

// NewPolicy builds a policy from the cache configuration. Zero durations
// fall back to defaults.
func NewPolicy(cfg *config.CacheConfig) *Policy {
	p := &Policy{
		ttls:      make(map[types.RecordKind]time.Duration, len(types.AllRecordKinds)),
		retention: 24 * time.Hour,
	}
	if cfg == nil {
		return p
	}
	p.set(types.KindOwner, cfg.OwnerTTL)
	p.set(types.KindListing, cfg.ListingTTL)
	p.set(types.KindMint, cfg.MintTTL)
	p.set(types.KindAsset, cfg.AssetTTL)
	if cfg.StaleRetention > 0 {
		p.retention = cfg.StaleRetention
	}
	return p
}

func (p *Policy) set(kind types.RecordKind, ttl time.Duration) {
	if ttl > 0 {
		p.ttls[kind] = ttl
	}
}

// TTL returns the freshness window for kind.
func (p *Policy) TTL(kind types.RecordKind) time.Duration {
	if ttl, ok := p.ttls[kind]; ok {
		return ttl
	}
	return defaultTTL
}

// Retention is how long an entry of kind is kept in the entry store. It
// is never shorter than the TTL.
func (p *Policy) Retention(kind types.RecordKind) time.Duration {
	if ttl := p.TTL(kind); ttl > p.retention {
		return ttl
	}
	return p.retention
}

// IsFresh reports whether entry may be served without a chain read.
func IsFresh[T any](p *Policy, kind types.RecordKind, entry types.CacheEntry[T], now time.Time) bool {
	return entry.IsFresh(now, p.TTL(kind))
}
