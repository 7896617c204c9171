package storage

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	apperrors "github.com/nft-state-sync/internal/errors"
	"github.com/nft-state-sync/internal/types"
)

func TestMemoryStore(t *testing.T) {
	runRecordStoreSuite(t, func(t *testing.T) RecordStore {
		return NewMemoryStore(func() time.Time { return suiteNow })
	})
}

func TestMemoryStoreUnavailable(t *testing.T) {
	store := NewMemoryStore(nil)
	store.SetUnavailable(true)

	_, err := store.Upsert(context.Background(), newRecord(testContract, "1", aliceWallet))
	assert.True(t, apperrors.IsStoreUnavailable(err))
	_, err = store.Find(context.Background(), Filter{})
	assert.True(t, apperrors.IsStoreUnavailable(err))

	store.SetUnavailable(false)
	_, err = store.Upsert(context.Background(), newRecord(testContract, "1", aliceWallet))
	assert.NoError(t, err)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	_, err := store.Upsert(ctx, newRecord(testContract, "1", aliceWallet))
	assert.NoError(t, err)

	got, err := store.Get(ctx, mustKey(t, testContract, "1"))
	assert.NoError(t, err)
	*got.Owner = bobWallet

	again, err := store.Get(ctx, mustKey(t, testContract, "1"))
	assert.NoError(t, err)
	assert.Equal(t, aliceWallet, *again.Owner)
}

// Property: for any sequence of writes, once a mint is confirmed in the
// store it stays confirmed, and listed/auction are never both set. Each
// write is encoded as three bits: confirmed, listed, auction.
func TestMemoryStoreInvariantsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("confirmed mint is monotonic and listing states exclusive", prop.ForAll(
		func(writes []int) bool {
			ctx := context.Background()
			store := NewMemoryStore(func() time.Time { return suiteNow })
			key := types.AssetKey{ContractAddress: "0xabcdef0123456789abcdef0123456789abcdef01", TokenID: "1"}
			confirmedSeen := false

			for _, w := range writes {
				rec := newRecord(testContract, "1", aliceWallet)
				rec.Mint.Confirmed = w&1 != 0
				if w&2 != 0 {
					rec = listed(rec, "1", "10")
				}
				if w&4 != 0 {
					rec.Marketplace.IsAuction = true
				}
				_, _ = store.Upsert(ctx, rec)

				got, err := store.Get(ctx, key)
				if err != nil {
					continue
				}
				if confirmedSeen && !got.Mint.Confirmed {
					return false
				}
				confirmedSeen = got.Mint.Confirmed
				if got.Marketplace.IsListed && got.Marketplace.IsAuction {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 7)),
	))

	properties.TestingRun(t)
}
