package pipeline

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/nft-state-sync/internal/adapter"
	"github.com/nft-state-sync/internal/cache"
	apperrors "github.com/nft-state-sync/internal/errors"
	"github.com/nft-state-sync/internal/logging"
	"github.com/nft-state-sync/internal/storage"
	"github.com/nft-state-sync/internal/types"
)

const defaultMaxOwned = 200

// OwnerQuery selects the assets held by a wallet, optionally within one
// contract.
type OwnerQuery struct {
	Wallet   string
	Contract string
}

func (q OwnerQuery) String() string {
	if q.Contract == "" {
		return q.Wallet
	}
	return q.Wallet + "@" + q.Contract
}

// Reads holds the ready-made user-facing pipelines.
type Reads struct {
	chain    adapter.ChainSource
	store    storage.RecordStore
	cache    *cache.Manager
	kinds    *types.KindResolver
	logger   *logging.Logger
	maxOwned int

	asset *Pipeline[types.AssetKey, *types.AssetRecord]
	owned *Pipeline[OwnerQuery, []*types.AssetRecord]
}

// ReadsConfig holds the collaborators of the read pipelines.
type ReadsConfig struct {
	Chain adapter.ChainSource
	Store storage.RecordStore
	Cache *cache.Manager
	Kinds *types.KindResolver
	// MaxOwned caps the assets verified per owner read.
	MaxOwned int
	Options  Options
}

// NewReads wires the asset and owner pipelines.
func NewReads(cfg *ReadsConfig) (*Reads, error) {
	if cfg == nil || cfg.Chain == nil || cfg.Store == nil || cfg.Cache == nil {
		return nil, errors.New("chain source, record store and cache manager are required")
	}
	r := &Reads{
		chain:    cfg.Chain,
		store:    cfg.Store,
		cache:    cfg.Cache,
		kinds:    cfg.Kinds,
		logger:   cfg.Options.Logger,
		maxOwned: cfg.MaxOwned,
	}
	if r.logger == nil {
		r.logger = logging.GetGlobalLogger()
	}
	if r.maxOwned <= 0 {
		r.maxOwned = defaultMaxOwned
	}

	r.asset = New[types.AssetKey, *types.AssetRecord]("asset", cfg.Options).
		Chain(r.assetFromChain).
		Store(FromStore(r.store.Get)).
		Fallback(nil)

	r.owned = New[OwnerQuery, []*types.AssetRecord]("owner_assets", cfg.Options).
		Chain(r.ownedFromChain).
		Store(FromStore(r.ownedFromStore)).
		Fallback([]*types.AssetRecord{})
	return r, nil
}

// Asset returns the view of one asset. A nil value with fallback
// provenance means no tier knows the asset.
func (r *Reads) Asset(ctx context.Context, key types.AssetKey) View[*types.AssetRecord] {
	return r.asset.Fetch(ctx, key)
}

// OwnerAssets returns the assets held by a wallet.
func (r *Reads) OwnerAssets(ctx context.Context, q OwnerQuery) View[[]*types.AssetRecord] {
	q.Wallet = strings.ToLower(q.Wallet)
	q.Contract = strings.ToLower(q.Contract)
	return r.owned.Fetch(ctx, q)
}

// Owner reads the current owner of a token through the cache manager. A
// chain outage serves the last cached owner, flagged stale.
func (r *Reads) Owner(ctx context.Context, key types.AssetKey) (cache.Result[string], error) {
	return cache.Fetch(ctx, r.cache, key, types.KindOwner, func(ctx context.Context) (string, error) {
		asset, err := r.chain.GetAsset(ctx, key.ContractAddress, key.TokenID)
		if err != nil {
			return "", err
		}
		return strings.ToLower(asset.Owner), nil
	})
}

// assetFromChain reads owner and metadata from the chain source and overlays
// them on the stored record, if any. Fresh reads are written through to the
// cache for the /owner read.
func (r *Reads) assetFromChain(ctx context.Context, key types.AssetKey) (Served[*types.AssetRecord], error) {
	asset, err := r.chain.GetAsset(ctx, key.ContractAddress, key.TokenID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			r.forget(ctx, key)
		}
		return Served[*types.AssetRecord]{}, err
	}
	owner := strings.ToLower(asset.Owner)
	r.remember(ctx, key, owner, asset)

	rec, err := r.store.Get(ctx, key)
	if err != nil {
		rec = &types.AssetRecord{
			ContractAddress: key.ContractAddress,
			TokenID:         key.TokenID,
			Kind:            r.kinds.Resolve(key.ContractAddress),
		}
	}
	rec.Owner = types.StringPtr(owner)
	if asset.MetadataURI != "" {
		rec.MetadataURI = asset.MetadataURI
	}
	rec.SourceOfTruth = types.ProvenanceChain
	return Served[*types.AssetRecord]{Value: rec, Provenance: types.ProvenanceChain}, nil
}

// ownedFromChain confirms each stored candidate's owner on the chain and
// drops assets the wallet no longer holds.
func (r *Reads) ownedFromChain(ctx context.Context, q OwnerQuery) (Served[[]*types.AssetRecord], error) {
	candidates, err := r.ownedFromStore(ctx, q)
	if err != nil {
		return Served[[]*types.AssetRecord]{}, err
	}
	if len(candidates) == 0 {
		return Served[[]*types.AssetRecord]{Value: []*types.AssetRecord{}, Provenance: types.ProvenanceCache}, nil
	}

	// Burned tokens keep an empty owner.
	owners := make([]string, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, rec := range candidates {
		key := rec.Key()
		g.Go(func() error {
			asset, err := r.chain.GetAsset(gctx, key.ContractAddress, key.TokenID)
			if apperrors.IsNotFound(err) {
				r.forget(gctx, key)
				return nil
			}
			if err != nil {
				return err
			}
			owners[i] = strings.ToLower(asset.Owner)
			r.remember(gctx, key, owners[i], nil)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Served[[]*types.AssetRecord]{}, err
	}

	served := Served[[]*types.AssetRecord]{Value: []*types.AssetRecord{}, Provenance: types.ProvenanceChain}
	for i, rec := range candidates {
		if owners[i] == q.Wallet {
			served.Value = append(served.Value, rec)
		}
	}
	return served, nil
}

// remember writes a fresh chain read through to the cache. Failures only
// cost a later cache miss.
func (r *Reads) remember(ctx context.Context, key types.AssetKey, owner string, asset *types.ChainAsset) {
	if err := cache.Put(ctx, r.cache, key, types.KindOwner, owner); err != nil {
		r.logger.WithError(err).WithField("key", key.String()).Debug("Owner write-through failed")
	}
	if asset == nil {
		return
	}
	if err := cache.Put(ctx, r.cache, key, types.KindAsset, asset); err != nil {
		r.logger.WithError(err).WithField("key", key.String()).Debug("Asset write-through failed")
	}
}

func (r *Reads) forget(ctx context.Context, key types.AssetKey) {
	if err := r.cache.Invalidate(ctx, key); err != nil {
		r.logger.WithError(err).WithField("key", key.String()).Debug("Dropping burned token entries failed")
	}
}

func (r *Reads) ownedFromStore(ctx context.Context, q OwnerQuery) ([]*types.AssetRecord, error) {
	return r.store.Find(ctx, storage.Filter{
		Owner:           q.Wallet,
		ContractAddress: q.Contract,
		Limit:           r.maxOwned,
	})
}
