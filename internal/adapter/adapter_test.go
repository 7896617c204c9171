package adapter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/nft-state-sync/internal/errors"
	"github.com/nft-state-sync/internal/ratelimit"
	"github.com/nft-state-sync/internal/types"
)

const (
	testCollection  = "0x1111111111111111111111111111111111111111"
	testMarketplace = "0x2222222222222222222222222222222222222222"
	testOwner       = "0x3333333333333333333333333333333333333333"
)

// fakeChain answers eth_call by decoding the selector and packing canned
// outputs.
type fakeChain struct {
	mu      sync.Mutex
	results map[string][]interface{}
	errs    map[string]error
	calls   map[string]int
	sent    []*ethtypes.Transaction
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		results: make(map[string][]interface{}),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (f *fakeChain) set(method string, out ...interface{}) { f.results[method] = out }

func lookupMethod(sel []byte) (*abi.Method, error) {
	if m, err := parsedERC721.MethodById(sel); err == nil {
		return m, nil
	}
	return parsedMarketplace.MethodById(sel)
}

func (f *fakeChain) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	m, err := lookupMethod(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[m.Name]++
	if err := f.errs[m.Name]; err != nil {
		return nil, err
	}
	out, ok := f.results[m.Name]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	return m.Outputs.Pack(out...)
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) { return 1, nil }

func (f *fakeChain) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs["send"]; err != nil {
		return err
	}
	f.sent = append(f.sent, tx)
	return nil
}

func newTestSource(t *testing.T, now time.Time, chains ...*fakeChain) *EthereumSource {
	t.Helper()
	endpoints := make([]string, len(chains))
	byURL := make(map[string]*fakeChain, len(chains))
	for i, c := range chains {
		endpoints[i] = fmt.Sprintf("http://rpc-%d", i)
		byURL[endpoints[i]] = c
	}
	pool, err := NewRPCPool(context.Background(), &RPCPoolConfig{
		Endpoints:    endpoints,
		CooldownTime: time.Minute,
		Dialer: func(_ context.Context, url string) (ratelimit.EthClient, func(), error) {
			return byURL[url], func() {}, nil
		},
	})
	require.NoError(t, err)
	src, err := NewEthereumSource(&EthereumSourceConfig{Pool: pool, Now: func() time.Time { return now }})
	require.NoError(t, err)
	t.Cleanup(src.Close)
	return src
}

func testListing(id int64, contract string, status uint8, end time.Time) listingTuple {
	return listingTuple{
		ListingId:      big.NewInt(id),
		TokenId:        big.NewInt(id * 10),
		Quantity:       big.NewInt(1),
		PricePerToken:  big.NewInt(1_000_000),
		StartTimestamp: big.NewInt(0),
		EndTimestamp:   big.NewInt(end.Unix()),
		ListingCreator: common.HexToAddress(testOwner),
		AssetContract:  common.HexToAddress(contract),
		Currency:       common.Address{},
		Status:         status,
	}
}

func TestGetAsset(t *testing.T) {
	chain := newFakeChain()
	chain.set("ownerOf", common.HexToAddress(testOwner))
	chain.set("tokenURI", "ipfs://meta/7")
	src := newTestSource(t, time.Now(), chain)

	asset, err := src.GetAsset(context.Background(), testCollection, "0x7")
	require.NoError(t, err)
	assert.Equal(t, "7", asset.TokenID)
	assert.Equal(t, testOwner, asset.Owner)
	assert.Equal(t, "ipfs://meta/7", asset.MetadataURI)
}

func TestGetAssetTokenURIRevertKeepsOwner(t *testing.T) {
	chain := newFakeChain()
	chain.set("ownerOf", common.HexToAddress(testOwner))
	src := newTestSource(t, time.Now(), chain)

	asset, err := src.GetAsset(context.Background(), testCollection, "7")
	require.NoError(t, err)
	assert.Equal(t, testOwner, asset.Owner)
	assert.Empty(t, asset.MetadataURI)
}

func TestGetAssetErrors(t *testing.T) {
	t.Run("revert is not found", func(t *testing.T) {
		src := newTestSource(t, time.Now(), newFakeChain())
		_, err := src.GetAsset(context.Background(), testCollection, "1")
		assert.True(t, apperrors.IsNotFound(err), "got %v", err)
		var adErr *AdapterError
		assert.True(t, errors.As(err, &adErr))
		assert.Equal(t, "ownerOf", adErr.Op)
	})

	t.Run("transport failure is chain unavailable", func(t *testing.T) {
		chain := newFakeChain()
		chain.errs["ownerOf"] = errors.New("dial tcp: connection refused")
		src := newTestSource(t, time.Now(), chain)
		_, err := src.GetAsset(context.Background(), testCollection, "1")
		assert.True(t, apperrors.IsChainUnavailable(err), "got %v", err)
	})

	t.Run("bad input", func(t *testing.T) {
		src := newTestSource(t, time.Now(), newFakeChain())
		_, err := src.GetAsset(context.Background(), "not-an-address", "1")
		assert.True(t, errors.Is(err, apperrors.ErrInvalidInput))
		_, err = src.GetAsset(context.Background(), testCollection, "-1")
		assert.True(t, errors.Is(err, apperrors.ErrInvalidInput))
	})
}

func TestGetListing(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	chain := newFakeChain()
	chain.set("getListing", testListing(4, testCollection, statusCreated, now.Add(time.Hour)))
	src := newTestSource(t, now, chain)

	l, err := src.GetListing(context.Background(), testMarketplace, "4")
	require.NoError(t, err)
	assert.Equal(t, "4", l.ListingID)
	assert.Equal(t, "40", l.TokenID)
	assert.Equal(t, testCollection, l.ContractAddress)
	assert.Equal(t, "1000000", l.Price)
	assert.True(t, l.Active)
	assert.False(t, l.IsAuction)
}

func TestGetListingExpiredIsInactive(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	chain := newFakeChain()
	chain.set("getListing", testListing(4, testCollection, statusCreated, now.Add(-time.Second)))
	src := newTestSource(t, now, chain)

	l, err := src.GetListing(context.Background(), testMarketplace, "4")
	require.NoError(t, err)
	assert.False(t, l.Active)
}

func TestGetAuctionWithBid(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	chain := newFakeChain()
	chain.set("getAuction", auctionTuple{
		AuctionId:        big.NewInt(9),
		TokenId:          big.NewInt(3),
		Quantity:         big.NewInt(1),
		MinimumBidAmount: big.NewInt(100),
		BuyoutBidAmount:  big.NewInt(0),
		EndTimestamp:     uint64(now.Add(time.Hour).Unix()),
		AuctionCreator:   common.HexToAddress(testOwner),
		AssetContract:    common.HexToAddress(testCollection),
		Status:           statusCreated,
	})
	chain.set("getWinningBid", common.HexToAddress(testOwner), common.Address{}, big.NewInt(250))
	src := newTestSource(t, now, chain)

	l, err := src.GetAuction(context.Background(), testMarketplace, "9")
	require.NoError(t, err)
	assert.True(t, l.IsAuction)
	assert.True(t, l.Active)
	require.NotNil(t, l.CurrentBid)
	assert.Equal(t, "250", *l.CurrentBid)
	require.NotNil(t, l.EndTime)
}

func TestGetAllActiveListingsFiltersAndPages(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	other := "0x4444444444444444444444444444444444444444"
	chain := newFakeChain()
	chain.set("totalListings", big.NewInt(3))
	chain.set("getAllValidListings", []listingTuple{
		testListing(0, testCollection, statusCreated, now.Add(time.Hour)),
		testListing(1, other, statusCreated, now.Add(time.Hour)),
		testListing(2, testCollection, statusCreated, now.Add(time.Hour)),
	})
	src := newTestSource(t, now, chain)

	page, err := src.GetAllActiveListings(context.Background(), testMarketplace, testCollection,
		types.PageRequest{Start: 0, Count: 100})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), page.Total)
	require.Len(t, page.Listings, 2)
	for _, l := range page.Listings {
		assert.Equal(t, testCollection, l.ContractAddress)
	}

	page, err = src.GetAllActiveListings(context.Background(), testMarketplace, "", types.PageRequest{Start: 5, Count: 10})
	require.NoError(t, err)
	assert.Empty(t, page.Listings)
	assert.Equal(t, 1, chain.calls["getAllValidListings"], "out-of-range page issues no call")
}

func TestPageRange(t *testing.T) {
	tests := []struct {
		page       types.PageRequest
		total      uint64
		start, end uint64
		ok         bool
	}{
		{types.PageRequest{Start: 0, Count: 10}, 25, 0, 9, true},
		{types.PageRequest{Start: 20, Count: 10}, 25, 20, 24, true},
		{types.PageRequest{Start: 25, Count: 10}, 25, 0, 0, false},
		{types.PageRequest{Start: 0, Count: 0}, 25, 0, 0, false},
		{types.PageRequest{Start: 0, Count: 10}, 0, 0, 0, false},
	}
	for _, tt := range tests {
		start, end, ok := pageRange(tt.page, tt.total)
		assert.Equal(t, tt.ok, ok)
		assert.Equal(t, tt.start, start)
		assert.Equal(t, tt.end, end)
	}
}

func TestGetMintedCount(t *testing.T) {
	chain := newFakeChain()
	n, _ := new(big.Int).SetString("18446744073709551617", 10)
	chain.set("totalSupply", n)
	src := newTestSource(t, time.Now(), chain)

	got, err := src.GetMintedCount(context.Background(), testCollection)
	require.NoError(t, err)
	assert.Equal(t, 0, n.Cmp(got))
}

func TestFailoverMovesToNextEndpoint(t *testing.T) {
	primary := newFakeChain()
	primary.errs["ownerOf"] = errors.New("429 Too Many Requests")
	backup := newFakeChain()
	backup.set("ownerOf", common.HexToAddress(testOwner))
	backup.set("tokenURI", "ipfs://x")
	src := newTestSource(t, time.Now(), primary, backup)

	_, err := src.GetAsset(context.Background(), testCollection, "1")
	require.Error(t, err, "the failing call is not re-issued")

	asset, err := src.GetAsset(context.Background(), testCollection, "1")
	require.NoError(t, err)
	assert.Equal(t, testOwner, asset.Owner)
	assert.Equal(t, 1, primary.calls["ownerOf"])
}

func TestRevertDoesNotFailover(t *testing.T) {
	primary := newFakeChain()
	backup := newFakeChain()
	src := newTestSource(t, time.Now(), primary, backup)

	_, err := src.GetAsset(context.Background(), testCollection, "1")
	require.True(t, apperrors.IsNotFound(err))
	_, idx := src.pool.Client()
	assert.Equal(t, 0, idx)
}

func TestRPCPoolCooldown(t *testing.T) {
	now := time.Unix(0, 0)
	chains := map[string]*fakeChain{"a": newFakeChain(), "b": newFakeChain()}
	pool, err := NewRPCPool(context.Background(), &RPCPoolConfig{
		Endpoints:    []string{"a", " ", "b"},
		CooldownTime: time.Minute,
		Now:          func() time.Time { return now },
		Dialer: func(_ context.Context, url string) (ratelimit.EthClient, func(), error) {
			return chains[url], func() {}, nil
		},
	})
	require.NoError(t, err)
	defer pool.Close()
	assert.Equal(t, 2, pool.EndpointCount())

	require.NoError(t, pool.MarkFailed(context.Background(), 0))
	_, idx := pool.Client()
	assert.Equal(t, 1, idx)

	// Stale failure reports are ignored.
	require.NoError(t, pool.MarkFailed(context.Background(), 0))

	// Both endpoints cooling down.
	assert.Error(t, pool.MarkFailed(context.Background(), 1))

	assert.False(t, pool.TryResetToPrimary(context.Background()))
	now = now.Add(2 * time.Minute)
	assert.True(t, pool.TryResetToPrimary(context.Background()))
	_, idx = pool.Client()
	assert.Equal(t, 0, idx)
}

func TestNewRPCPoolRequiresEndpoint(t *testing.T) {
	_, err := NewRPCPool(context.Background(), &RPCPoolConfig{Endpoints: []string{""}})
	assert.Error(t, err)
	_, err = NewRPCPool(context.Background(), nil)
	assert.Error(t, err)
}

func TestIsRateLimitError(t *testing.T) {
	assert.True(t, IsRateLimitError(errors.New("HTTP 429")))
	assert.True(t, IsRateLimitError(errors.New("request throttled")))
	assert.False(t, IsRateLimitError(errors.New("execution reverted")))
	assert.False(t, IsRateLimitError(nil))
}

func TestRelayTransactionRejectsGarbage(t *testing.T) {
	chain := newFakeChain()
	src := newTestSource(t, time.Now(), chain)
	_, err := src.RelayTransaction(context.Background(), []byte{0xde, 0xad})
	assert.True(t, errors.Is(err, apperrors.ErrInvalidInput))
	assert.Empty(t, chain.sent)
}

func TestRelayTransaction(t *testing.T) {
	chain := newFakeChain()
	src := newTestSource(t, time.Now(), chain)
	to := common.HexToAddress(testOwner)
	tx := ethtypes.NewTx(&ethtypes.LegacyTx{Nonce: 1, To: &to, Value: big.NewInt(1), Gas: 21000, GasPrice: big.NewInt(1)})
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)

	hash, err := src.RelayTransaction(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, tx.Hash().Hex(), hash)
	require.Len(t, chain.sent, 1)
}

func TestMemorySource(t *testing.T) {
	ctx := context.Background()
	src := NewMemorySource()
	src.PutAsset(types.ChainAsset{ContractAddress: strings.ToUpper(testCollection[:2]) + testCollection[2:], TokenID: "4", Owner: testOwner})
	src.PutListing(types.Listing{ListingID: "0x1", ContractAddress: testCollection, TokenID: "4", Price: "5", Active: true})

	asset, err := src.GetAsset(ctx, testCollection, "4")
	require.NoError(t, err)
	assert.Equal(t, testOwner, asset.Owner)

	minted, err := src.GetMintedCount(ctx, testCollection)
	require.NoError(t, err)
	assert.Equal(t, int64(5), minted.Int64())

	l, err := src.GetListing(ctx, testMarketplace, "1")
	require.NoError(t, err)
	assert.Equal(t, "4", l.TokenID)

	src.FailWith("GetAsset", errors.New("boom"))
	_, err = src.GetAsset(ctx, testCollection, "4")
	assert.True(t, apperrors.IsChainUnavailable(err))
	src.FailWith("GetAsset", nil)

	src.RemoveAsset(testCollection, "4")
	_, err = src.GetAsset(ctx, testCollection, "4")
	assert.True(t, apperrors.IsNotFound(err))
	assert.Equal(t, 3, src.Calls("GetAsset"))
}

func TestMemorySourceDelayHonorsContext(t *testing.T) {
	src := NewMemorySource()
	src.SetDelay(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := src.GetMintedCount(ctx, testCollection)
	assert.True(t, apperrors.IsChainUnavailable(err))
}
