// Package types provides the shared domain model of the NFT state sync service.
package types

// Provenance identifies which tier produced a value.
type Provenance string

const (
	// ProvenanceChain means the value was read from the authoritative chain
	ProvenanceChain Provenance = "chain"
	// ProvenanceCache means the value came from a cache entry or the record store
	ProvenanceCache Provenance = "cache"
	// ProvenanceFallback means every tier failed and a static default was served
	ProvenanceFallback Provenance = "fallback"
)

// Valid reports whether p is one of the known tiers.
func (p Provenance) Valid() bool {
	switch p {
	case ProvenanceChain, ProvenanceCache, ProvenanceFallback:
		return true
	}
	return false
}

// RecordKind selects the staleness window applied to a cached value.
type RecordKind string

const (
	// KindOwner is ownership data, which changes on every transfer
	KindOwner RecordKind = "owner"
	// KindListing is marketplace listing or auction state
	KindListing RecordKind = "listing"
	// KindMint is mint confirmation and minted counts
	KindMint RecordKind = "mint"
	// KindAsset is a full asset view
	KindAsset RecordKind = "asset"
)

// AllRecordKinds lists every kind an identity key may be cached under.
var AllRecordKinds = []RecordKind{KindOwner, KindListing, KindMint, KindAsset}

// SyncReason records why a reconciliation run was triggered
type SyncReason string

const (
	ReasonListingEvent  SyncReason = "listing_event"
	ReasonManualSync    SyncReason = "manual_sync"
	ReasonPeriodicAudit SyncReason = "periodic_audit"
)

// Valid reports whether r is a known reason.
func (r SyncReason) Valid() bool {
	switch r {
	case ReasonListingEvent, ReasonManualSync, ReasonPeriodicAudit:
		return true
	}
	return false
}

// IsAudit reports whether the reason requests a full collection diff.
func (r SyncReason) IsAudit() bool {
	return r == ReasonManualSync || r == ReasonPeriodicAudit
}
