package reconciler

import (
	"context"
	"math/big"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/nft-state-sync/internal/errors"
	"github.com/nft-state-sync/internal/logging"
	"github.com/nft-state-sync/internal/storage"
	"github.com/nft-state-sync/internal/types"
)

const tokenWorkers = 4

// handleAudit diffs a whole collection against the chain: active entries
// are written, stale marketplace projections are cleared, and tokens the
// store has never seen are backfilled up to the minted count. A manual
// sync additionally re-reads every stored token.
func (r *Reconciler) handleAudit(ctx context.Context, task types.SyncTask, report *types.SyncReport) error {
	if err := r.requireMarketplace(); err != nil {
		return err
	}
	contract := task.ContractAddress
	logger := logging.FromContext(ctx)

	// 1. Authoritative listing set, paged to completion.
	active, pages, err := r.activeSet(ctx, contract)
	report.Pages = pages
	if err != nil {
		return wrapStep("collect active listings", err)
	}

	// 2. Stored projection of the collection.
	stored, err := r.store.Find(ctx, storage.Filter{ContractAddress: contract})
	if err != nil {
		return wrapStep("load stored records", err)
	}
	known := make(map[string]*types.AssetRecord, len(stored))
	for _, rec := range stored {
		known[rec.TokenID] = rec
	}

	// 3. Clear listings the chain no longer reports. Records are kept.
	var stale []types.AssetKey
	for id, rec := range known {
		if _, ok := active[id]; !ok && rec.Marketplace.Active() {
			stale = append(stale, rec.Key())
		}
	}
	if len(stale) > 0 {
		if err := r.clear(ctx, stale, report); err != nil {
			return wrapStep("clear stale listings", err)
		}
	}

	// 4. Write every token with an active entry, and with a manual sync
	// every stored token as well.
	t := &tally{report: report}
	todo := make(map[string]*types.Listing, len(active))
	for id := range active {
		l := active[id]
		todo[id] = &l
	}
	if task.Reason == types.ReasonManualSync {
		for id := range known {
			if _, ok := todo[id]; !ok {
				todo[id] = nil
			}
		}
	}
	if err := r.syncAll(ctx, contract, todo, t); err != nil {
		return wrapStep("sync tokens", err)
	}

	// 5. Minted count drift.
	covered := make(map[string]bool, len(known)+len(todo))
	for id := range known {
		covered[id] = true
	}
	for id := range todo {
		covered[id] = true
	}
	if err := r.backfill(ctx, contract, covered, t); err != nil {
		return wrapStep("backfill", err)
	}

	logger.WithFields(map[string]interface{}{
		"active": len(active),
		"stored": len(stored),
		"stale":  len(stale),
	}).Debug("Audit diff applied")
	return nil
}

// syncAll syncs tokens concurrently. A token the chain cannot serve is
// left unresolved; store failures abort the run.
func (r *Reconciler) syncAll(ctx context.Context, contract string, todo map[string]*types.Listing, t *tally) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(tokenWorkers)
	for id, listing := range todo {
		key, err := types.NewAssetKey(contract, id)
		if err != nil {
			t.unresolved(types.AssetKey{ContractAddress: contract, TokenID: id})
			continue
		}
		g.Go(func() error {
			err := r.syncToken(gctx, key, listing, t)
			if apperrors.IsChainUnavailable(err) && gctx.Err() == nil {
				logging.FromContext(gctx).WithError(err).WithField("key", key.String()).Warn("Token read failed, left unresolved")
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// clear drops the marketplace projection of keys under their locks.
func (r *Reconciler) clear(ctx context.Context, keys []types.AssetKey, report *types.SyncReport) error {
	for _, key := range keys {
		unlock, err := r.locks.Lock(ctx, key.String())
		if err != nil {
			return err
		}
		n, err := r.store.ClearMarketplace(ctx, []types.AssetKey{key})
		if err == nil && n > 0 && r.cache != nil {
			if invErr := r.cache.Invalidate(ctx, key); invErr != nil {
				logging.FromContext(ctx).WithError(invErr).WithField("key", key.String()).Warn("Cache invalidation failed")
			}
		}
		unlock()
		if err != nil {
			return err
		}
		report.Cleared += n
	}
	return nil
}

// backfill compares the minted count with the stored count and syncs
// token ids not covered yet, scanning ids upward from zero until the
// missing tokens are found. Collections may number tokens from zero or
// from one, so the scan covers [0, minted] and an absent id at either
// end is not counted unresolved. At most maxBackfill ids are attempted
// per run.
func (r *Reconciler) backfill(ctx context.Context, contract string, covered map[string]bool, t *tally) error {
	minted, err := read(ctx, r, "GetMintedCount", func(ctx context.Context) (*big.Int, error) {
		return r.chain.GetMintedCount(ctx, contract)
	})
	if err != nil {
		return err
	}
	count, err := r.store.Count(ctx, storage.Filter{ContractAddress: contract})
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.report.MintedOnChain = minted.String()
	t.report.StoredCount = count
	t.mu.Unlock()

	need := new(big.Int).Sub(minted, big.NewInt(count))
	if need.Sign() <= 0 {
		return nil
	}
	wanted := r.maxBackfill
	if need.IsInt64() && need.Int64() < int64(wanted) {
		wanted = int(need.Int64())
	}

	cursor := new(big.Int)
	attempted, found := 0, 0
	for found < wanted && attempted < r.maxBackfill && cursor.Cmp(minted) <= 0 {
		if ctx.Err() != nil {
			return apperrors.NewChainUnavailableError("backfill", ctx.Err())
		}
		batch := takeUncovered(cursor, minted, covered, min(wanted-found, r.maxBackfill-attempted))
		if len(batch) == 0 {
			break
		}
		n, err := r.backfillBatch(ctx, contract, batch, minted.String(), t)
		if err != nil {
			return err
		}
		attempted += len(batch)
		found += n
	}
	if big.NewInt(int64(found)).Cmp(need) < 0 && cursor.Cmp(minted) <= 0 {
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"minted":    minted.String(),
			"stored":    count,
			"attempted": attempted,
			"found":     found,
			"resume_at": cursor.String(),
		}).Warn("Backfill capped, remaining tokens wait for the next audit")
	}
	return nil
}

// takeUncovered returns up to n ids from cursor through last that are not
// covered, advancing cursor past the ids it looked at.
func takeUncovered(cursor, last *big.Int, covered map[string]bool, n int) []string {
	var out []string
	for len(out) < n && cursor.Cmp(last) <= 0 {
		span := n - len(out)
		if rest := new(big.Int).Sub(last, cursor); rest.IsInt64() && rest.Int64() < int64(span) {
			span = int(rest.Int64()) + 1
		}
		for _, id := range types.TokenIDRange(cursor, span) {
			if !covered[id] {
				out = append(out, id)
			}
		}
		cursor.Add(cursor, big.NewInt(int64(span)))
	}
	return out
}

// backfillBatch syncs ids concurrently and returns how many exist on the
// chain. Edge ids 0 and minted may legitimately be absent.
func (r *Reconciler) backfillBatch(ctx context.Context, contract string, ids []string, minted string, t *tally) (int, error) {
	var found atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(tokenWorkers)
	for _, id := range ids {
		key := types.AssetKey{ContractAddress: contract, TokenID: id}
		g.Go(func() error {
			err := r.applyToken(gctx, key, nil, t)
			switch {
			case err == nil:
				found.Add(1)
				return nil
			case apperrors.IsNotFound(err):
				if id == "0" || id == minted {
					return nil
				}
				t.unresolved(key)
				logging.FromContext(gctx).WithField("key", key.String()).Warn("Token not found on chain, left unresolved")
				return nil
			case apperrors.IsChainUnavailable(err) && gctx.Err() == nil:
				logging.FromContext(gctx).WithError(err).WithField("key", key.String()).Warn("Token read failed, left unresolved")
				return nil
			}
			return err
		})
	}
	err := g.Wait()
	return int(found.Load()), err
}

// activeSet pages direct listings and auctions for a contract to
// completion and indexes active entries by token id. A direct listing
// wins over an auction for the same token, and a higher listing id wins
// over a lower one.
func (r *Reconciler) activeSet(ctx context.Context, contract string) (map[string]types.Listing, int, error) {
	listings, lp, err := r.collectPages(ctx, "GetAllActiveListings", func(ctx context.Context, page types.PageRequest) (*types.ListingPage, error) {
		return r.chain.GetAllActiveListings(ctx, r.marketplace, contract, page)
	})
	if err != nil {
		return nil, lp, err
	}
	auctions, ap, err := r.collectPages(ctx, "GetAllActiveAuctions", func(ctx context.Context, page types.PageRequest) (*types.ListingPage, error) {
		return r.chain.GetAllActiveAuctions(ctx, r.marketplace, contract, page)
	})
	if err != nil {
		return nil, lp + ap, err
	}

	set := make(map[string]types.Listing, len(listings)+len(auctions))
	put := func(l types.Listing) {
		if !l.Active || l.ContractAddress != contract {
			return
		}
		cur, ok := set[l.TokenID]
		switch {
		case !ok:
		case cur.IsAuction != l.IsAuction:
			if l.IsAuction {
				return
			}
		case types.CompareTokenIDs(l.ListingID, cur.ListingID) < 0:
			return
		}
		set[l.TokenID] = l
	}
	for _, l := range listings {
		put(l)
	}
	for _, l := range auctions {
		put(l)
	}
	return set, lp + ap, nil
}

// collectPages reads the first page to learn the index size, then the
// remaining pages with bounded concurrency, paced by the page limiter.
func (r *Reconciler) collectPages(ctx context.Context, op string, fetch func(ctx context.Context, page types.PageRequest) (*types.ListingPage, error)) ([]types.Listing, int, error) {
	get := func(ctx context.Context, start uint64) (*types.ListingPage, error) {
		if err := r.pages.Wait(ctx); err != nil {
			return nil, apperrors.NewChainUnavailableError(op, err)
		}
		return read(ctx, r, op, func(ctx context.Context) (*types.ListingPage, error) {
			return fetch(ctx, types.PageRequest{Start: start, Count: r.pageSize})
		})
	}

	first, err := get(ctx, 0)
	if err != nil {
		return nil, 0, err
	}
	n := (first.Total + r.pageSize - 1) / r.pageSize
	if n <= 1 {
		return first.Listings, 1, nil
	}

	results := make([][]types.Listing, n)
	results[0] = first.Listings
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxInflight)
	for i := uint64(1); i < n; i++ {
		g.Go(func() error {
			page, err := get(gctx, i*r.pageSize)
			if err != nil {
				return err
			}
			results[i] = page.Listings
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, int(n), err // #nosec G115 - page counts are small
	}

	var out []types.Listing
	for _, page := range results {
		out = append(out, page...)
	}
	return out, int(n), nil // #nosec G115
}
