package reconciler

import (
	"context"

	apperrors "github.com/nft-state-sync/internal/errors"
	"github.com/nft-state-sync/internal/logging"
	"github.com/nft-state-sync/internal/types"
)

// handleEvent reconciles the single token a marketplace event touched.
// Listing and token reads happen under the key lock, so of two events on
// one token the later writer has also read the later chain state.
func (r *Reconciler) handleEvent(ctx context.Context, task types.SyncTask, report *types.SyncReport) error {
	if err := r.requireMarketplace(); err != nil {
		return err
	}

	tokenID := task.TokenID
	if tokenID == "" {
		var named *types.Listing
		if task.ListingID != "" {
			l, err := r.lookupListing(ctx, task.ListingID)
			if err != nil {
				return wrapStep("read listing", err)
			}
			named = l
		}
		if named == nil {
			report.Unresolved++
			report.UnresolvedKeys = append(report.UnresolvedKeys, task.ContractAddress+":listing:"+task.ListingID)
			return nil
		}
		tokenID = named.TokenID
	}
	key, err := types.NewAssetKey(task.ContractAddress, tokenID)
	if err != nil {
		return err
	}

	unlock, err := r.locks.Lock(ctx, key.String())
	if err != nil {
		return err
	}
	defer unlock()

	listing, err := r.eventListing(ctx, key, task.ListingID)
	if err != nil {
		return err
	}

	t := &tally{report: report}
	err = r.refresh(ctx, key, listing, t)
	if apperrors.IsNotFound(err) {
		t.unresolved(key)
		logging.FromContext(ctx).WithField("key", key.String()).Warn("Token not found on chain, left unresolved")
		return nil
	}
	return wrapStep("sync token", err)
}

// eventListing returns the token's active marketplace entry, or nil. The
// named listing is used when it is active and points at key; otherwise
// the entry is derived from the active listing set.
func (r *Reconciler) eventListing(ctx context.Context, key types.AssetKey, listingID string) (*types.Listing, error) {
	if listingID != "" {
		named, err := r.lookupListing(ctx, listingID)
		if err != nil {
			return nil, wrapStep("read listing", err)
		}
		if named != nil && named.Active && named.Key() == key {
			return named, nil
		}
		if named != nil && named.Key() != key {
			logging.FromContext(ctx).WithFields(map[string]interface{}{
				"listing_id": named.ListingID,
				"listing":    named.Key().String(),
				"key":        key.String(),
			}).Warn("Listing refers to another token, deriving state from active listings")
		}
	}
	listing, err := r.activeListingFor(ctx, key)
	if err != nil {
		return nil, wrapStep("derive listing", err)
	}
	return listing, nil
}

// lookupListing reads a marketplace entry by id, trying direct listings
// first. A nil result means neither exists.
func (r *Reconciler) lookupListing(ctx context.Context, id string) (*types.Listing, error) {
	l, err := read(ctx, r, "GetListing", func(ctx context.Context) (*types.Listing, error) {
		return r.chain.GetListing(ctx, r.marketplace, id)
	})
	if err == nil {
		return l, nil
	}
	if !apperrors.IsNotFound(err) {
		return nil, err
	}

	l, err = read(ctx, r, "GetAuction", func(ctx context.Context) (*types.Listing, error) {
		return r.chain.GetAuction(ctx, r.marketplace, id)
	})
	if apperrors.IsNotFound(err) {
		return nil, nil
	}
	return l, err
}

// activeListingFor finds the token's entry in the active listing set. A
// nil result means the token is neither listed nor in auction.
func (r *Reconciler) activeListingFor(ctx context.Context, key types.AssetKey) (*types.Listing, error) {
	active, _, err := r.activeSet(ctx, key.ContractAddress)
	if err != nil {
		return nil, err
	}
	if l, ok := active[key.TokenID]; ok {
		return &l, nil
	}
	return nil, nil
}
