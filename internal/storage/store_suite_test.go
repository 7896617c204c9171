package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/nft-state-sync/internal/errors"
	"github.com/nft-state-sync/internal/types"
)

const (
	testContract  = "0xAbCdEf0123456789aBcDeF0123456789AbCdEf01"
	otherContract = "0x9999999999999999999999999999999999999999"
	aliceWallet   = "0x1111111111111111111111111111111111111111"
	bobWallet     = "0x2222222222222222222222222222222222222222"
)

var suiteNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newRecord(contract, token, owner string) *types.AssetRecord {
	return &types.AssetRecord{
		ContractAddress: contract,
		TokenID:         token,
		Kind:            types.KindJersey,
		Owner:           types.StringPtr(owner),
		MetadataURI:     "ipfs://meta/" + token,
		LastSyncedAt:    suiteNow,
		SourceOfTruth:   types.ProvenanceChain,
	}
}

func listed(rec *types.AssetRecord, listingID, price string) *types.AssetRecord {
	rec.Marketplace = types.Marketplace{IsListed: true, ListingID: &listingID, Price: &price}
	return rec
}

func mustKey(t *testing.T, contract, token string) types.AssetKey {
	t.Helper()
	key, err := types.NewAssetKey(contract, token)
	require.NoError(t, err)
	return key
}

// runRecordStoreSuite checks the RecordStore contract. newStore returns an
// empty store whose clock reads suiteNow.
func runRecordStoreSuite(t *testing.T, newStore func(t *testing.T) RecordStore) {
	t.Run("upsert reports created, unchanged, updated", func(t *testing.T) {
		ctx := testContext(t)
		store := newStore(t)

		res, err := store.Upsert(ctx, newRecord(testContract, "1", aliceWallet))
		require.NoError(t, err)
		assert.Equal(t, UpsertCreated, res)

		res, err = store.Upsert(ctx, newRecord(testContract, "1", aliceWallet))
		require.NoError(t, err)
		assert.Equal(t, UpsertUnchanged, res)

		res, err = store.Upsert(ctx, newRecord(testContract, "1", bobWallet))
		require.NoError(t, err)
		assert.Equal(t, UpsertUpdated, res)

		got, err := store.Get(ctx, mustKey(t, testContract, "1"))
		require.NoError(t, err)
		require.NotNil(t, got.Owner)
		assert.Equal(t, bobWallet, *got.Owner)
		assert.Equal(t, "0xabcdef0123456789abcdef0123456789abcdef01", got.ContractAddress)
		assert.Equal(t, types.KindJersey, got.Kind)
	})

	t.Run("merge keeps facts the writer omitted", func(t *testing.T) {
		ctx := testContext(t)
		store := newStore(t)

		_, err := store.Upsert(ctx, newRecord(testContract, "2", aliceWallet))
		require.NoError(t, err)

		partial := &types.AssetRecord{ContractAddress: testContract, TokenID: "2"}
		partial = listed(partial, "7", "1000")
		_, err = store.Upsert(ctx, partial)
		require.NoError(t, err)

		got, err := store.Get(ctx, mustKey(t, testContract, "2"))
		require.NoError(t, err)
		require.NotNil(t, got.Owner)
		assert.Equal(t, aliceWallet, *got.Owner)
		assert.Equal(t, "ipfs://meta/2", got.MetadataURI)
		assert.True(t, got.Marketplace.IsListed)
		require.NotNil(t, got.Marketplace.Price)
		assert.Equal(t, "1000", *got.Marketplace.Price)
	})

	t.Run("listed and auction together is rejected", func(t *testing.T) {
		ctx := testContext(t)
		store := newStore(t)

		rec := listed(newRecord(testContract, "3", aliceWallet), "1", "5")
		rec.Marketplace.IsAuction = true
		_, err := store.Upsert(ctx, rec)
		assert.True(t, apperrors.IsInvariantViolation(err), "got %v", err)

		_, err = store.Get(ctx, mustKey(t, testContract, "3"))
		assert.True(t, apperrors.IsNotFound(err))
	})

	t.Run("confirmed mint cannot be unset", func(t *testing.T) {
		ctx := testContext(t)
		store := newStore(t)

		rec := newRecord(testContract, "4", aliceWallet)
		rec.Mint = types.Mint{TransactionHash: "0xabc", Confirmed: true}
		_, err := store.Upsert(ctx, rec)
		require.NoError(t, err)

		rec = newRecord(testContract, "4", bobWallet)
		rec.Mint.Confirmed = false
		_, err = store.Upsert(ctx, rec)
		assert.True(t, apperrors.IsInvariantViolation(err), "got %v", err)

		got, err := store.Get(ctx, mustKey(t, testContract, "4"))
		require.NoError(t, err)
		assert.True(t, got.Mint.Confirmed)
		assert.Equal(t, aliceWallet, *got.Owner)
		assert.Equal(t, "0xabc", got.Mint.TransactionHash)
	})

	t.Run("future lastSyncedAt is clamped", func(t *testing.T) {
		ctx := testContext(t)
		store := newStore(t)

		rec := newRecord(testContract, "5", aliceWallet)
		rec.LastSyncedAt = suiteNow.Add(time.Hour)
		_, err := store.Upsert(ctx, rec)
		require.NoError(t, err)

		got, err := store.Get(ctx, mustKey(t, testContract, "5"))
		require.NoError(t, err)
		assert.True(t, got.LastSyncedAt.Equal(suiteNow), "got %v", got.LastSyncedAt)
	})

	t.Run("find filters and orders numerically", func(t *testing.T) {
		ctx := testContext(t)
		store := newStore(t)

		for _, token := range []string{"10", "2", "1"} {
			_, err := store.Upsert(ctx, newRecord(testContract, token, aliceWallet))
			require.NoError(t, err)
		}
		_, err := store.Upsert(ctx, listed(newRecord(testContract, "30", bobWallet), "9", "42"))
		require.NoError(t, err)
		_, err = store.Upsert(ctx, newRecord(otherContract, "1", aliceWallet))
		require.NoError(t, err)

		recs, err := store.Find(ctx, Filter{ContractAddress: testContract, Owner: aliceWallet})
		require.NoError(t, err)
		var ids []string
		for _, r := range recs {
			ids = append(ids, r.TokenID)
		}
		assert.Equal(t, []string{"1", "2", "10"}, ids)

		recs, err = store.Find(ctx, Filter{ContractAddress: testContract, Limit: 2, Offset: 1})
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "2", recs[0].TokenID)
		assert.Equal(t, "10", recs[1].TokenID)

		recs, err = store.Find(ctx, Filter{Listed: BoolPtr(true)})
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "30", recs[0].TokenID)

		n, err := store.Count(ctx, Filter{ContractAddress: testContract})
		require.NoError(t, err)
		assert.Equal(t, int64(4), n)

		n, err = store.Count(ctx, Filter{Owner: aliceWallet})
		require.NoError(t, err)
		assert.Equal(t, int64(4), n)

		n, err = store.Count(ctx, Filter{Kind: types.KindBadge})
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("clear marketplace touches only active records", func(t *testing.T) {
		ctx := testContext(t)
		store := newStore(t)

		_, err := store.Upsert(ctx, listed(newRecord(testContract, "1", aliceWallet), "1", "10"))
		require.NoError(t, err)
		_, err = store.Upsert(ctx, newRecord(testContract, "2", aliceWallet))
		require.NoError(t, err)

		keys := []types.AssetKey{
			mustKey(t, testContract, "1"),
			mustKey(t, testContract, "2"),
			mustKey(t, testContract, "404"),
		}
		n, err := store.ClearMarketplace(ctx, keys)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := store.Get(ctx, keys[0])
		require.NoError(t, err)
		assert.False(t, got.Marketplace.Active())
		assert.Nil(t, got.Marketplace.Price)
		require.NotNil(t, got.Owner, "clearing never drops the record")

		n, err = store.ClearMarketplace(ctx, keys)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("delete", func(t *testing.T) {
		ctx := testContext(t)
		store := newStore(t)
		key := mustKey(t, testContract, "6")

		_, err := store.Upsert(ctx, newRecord(testContract, "6", aliceWallet))
		require.NoError(t, err)
		require.NoError(t, store.Delete(ctx, key))

		_, err = store.Get(ctx, key)
		assert.True(t, apperrors.IsNotFound(err))
		assert.True(t, apperrors.IsNotFound(store.Delete(ctx, key)))
	})

	t.Run("invalid key is rejected", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Upsert(context.Background(), newRecord("nope", "1", aliceWallet))
		assert.True(t, apperrors.IsUserError(err), "got %v", err)
	})
}
