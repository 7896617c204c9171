// Package storage provides the off-chain record store, its schema
// migrations and the analytics sink.
package storage

import (
	"context"
	"strings"
	"time"

	"github.com/nft-state-sync/internal/logging"
	"github.com/nft-state-sync/internal/types"
)

// UpsertResult reports what an upsert did to the stored record.
type UpsertResult string

const (
	UpsertCreated   UpsertResult = "created"
	UpsertUpdated   UpsertResult = "updated"
	UpsertUnchanged UpsertResult = "unchanged"
)

// RecordStore persists asset records keyed by (contractAddress, tokenId).
//
// Implementations return errors wrapping apperrors.ErrStoreUnavailable
// when the backend cannot be reached, apperrors.ErrNotFound for a missing
// key and apperrors.ErrInvariantViolation for rejected writes.
type RecordStore interface {
	// Upsert merges rec into the stored record with the same identity.
	Upsert(ctx context.Context, rec *types.AssetRecord) (UpsertResult, error)
	Get(ctx context.Context, key types.AssetKey) (*types.AssetRecord, error)
	Find(ctx context.Context, filter Filter) ([]*types.AssetRecord, error)
	Count(ctx context.Context, filter Filter) (int64, error)
	// ClearMarketplace resets listing and auction state on the given keys
	// and returns how many records changed.
	ClearMarketplace(ctx context.Context, keys []types.AssetKey) (int, error)
	// Delete removes a record. It is an administrative operation; the
	// reconciler never deletes.
	Delete(ctx context.Context, key types.AssetKey) error
}

// Filter selects records. Zero fields match everything.
type Filter struct {
	ContractAddress string
	Owner           string
	Kind            types.AssetKind
	Listed          *bool
	InAuction       *bool
	Limit           int
	Offset          int
}

// BoolPtr is a helper for Filter.Listed and Filter.InAuction.
func BoolPtr(b bool) *bool { return &b }

func (f Filter) normalized() Filter {
	f.ContractAddress = strings.ToLower(f.ContractAddress)
	f.Owner = strings.ToLower(f.Owner)
	return f
}

func (f Filter) matches(r *types.AssetRecord) bool {
	if f.ContractAddress != "" && r.ContractAddress != f.ContractAddress {
		return false
	}
	if f.Owner != "" && (r.Owner == nil || *r.Owner != f.Owner) {
		return false
	}
	if !f.Kind.IsZero() && r.Kind != f.Kind {
		return false
	}
	if f.Listed != nil && r.Marketplace.IsListed != *f.Listed {
		return false
	}
	if f.InAuction != nil && r.Marketplace.IsAuction != *f.InAuction {
		return false
	}
	return true
}

// planUpsert validates an incoming write against the stored record and
// returns the record to persist. prev is nil when the key is new.
func planUpsert(ctx context.Context, prev, in *types.AssetRecord, now time.Time) (*types.AssetRecord, UpsertResult, error) {
	next := in.Clone()
	if err := next.Normalize(now); err != nil {
		return nil, "", err
	}
	err := next.Validate(now)
	if err == nil {
		err = types.CheckTransition(prev, next)
	}
	if err != nil {
		logging.FromContext(ctx).WithError(err).WithField("key", next.Key().String()).Error("Rejected record write")
		return nil, "", err
	}

	merged := types.Merge(prev, next)
	switch {
	case prev == nil:
		return merged, UpsertCreated, nil
	case types.SameContent(prev, merged):
		return merged, UpsertUnchanged, nil
	default:
		return merged, UpsertUpdated, nil
	}
}
