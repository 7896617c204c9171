package reconciler

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nft-state-sync/internal/adapter"
	"github.com/nft-state-sync/internal/circuitbreaker"
	apperrors "github.com/nft-state-sync/internal/errors"
	"github.com/nft-state-sync/internal/gateway"
	"github.com/nft-state-sync/internal/retry"
	"github.com/nft-state-sync/internal/storage"
	"github.com/nft-state-sync/internal/types"
)

const (
	jerseys     = "0x00000000000000000000000000000000000000aa"
	marketplace = "0x00000000000000000000000000000000000000ff"
	alice       = "0x1111111111111111111111111111111111111111"
	bob         = "0x2222222222222222222222222222222222222222"
	oneEther    = "1000000000000000000"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu      sync.Mutex
	reports []*types.SyncReport
}

func (s *recordingSink) RecordReport(_ context.Context, r *types.SyncReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return nil
}

func (s *recordingSink) RecordFetch(context.Context, types.FetchEvent) error { return nil }

type recordingInvalidator struct {
	mu   sync.Mutex
	keys []types.AssetKey
}

func (i *recordingInvalidator) Invalidate(_ context.Context, key types.AssetKey) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.keys = append(i.keys, key)
	return nil
}

func (i *recordingInvalidator) Keys() []types.AssetKey {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]types.AssetKey(nil), i.keys...)
}

type staticMedia struct {
	mu    sync.Mutex
	calls int
}

func (m *staticMedia) Resolve(_ context.Context, locator string) gateway.Resolution {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return gateway.Resolution{URL: "https://gw.example/ipfs/" + locator[len("ipfs://"):], Attempts: 1}
}

type fixture struct {
	chain *adapter.MemorySource
	store *storage.MemoryStore
	cache *recordingInvalidator
	media *staticMedia
	sink  *recordingSink
	rec   *Reconciler
}

func newFixture(t *testing.T, tweak func(cfg *Config)) *fixture {
	t.Helper()
	now := func() time.Time { return testNow }
	f := &fixture{
		chain: adapter.NewMemorySource(),
		store: storage.NewMemoryStore(now),
		cache: &recordingInvalidator{},
		media: &staticMedia{},
		sink:  &recordingSink{},
	}
	kinds, err := types.NewKindResolver(map[string]string{jerseys: "jersey"})
	require.NoError(t, err)

	cfg := &Config{
		Chain:              f.chain,
		Store:              f.store,
		Cache:              f.cache,
		Media:              f.media,
		Kinds:              kinds,
		Sink:               f.sink,
		MarketplaceAddress: marketplace,
		PageSize:           2,
		MaxInflightPages:   2,
		Retry: &retry.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
		},
		Now: now,
	}
	if tweak != nil {
		tweak(cfg)
	}
	f.rec, err = New(cfg)
	require.NoError(t, err)
	return f
}

func (f *fixture) asset(token, owner string) {
	f.chain.PutAsset(types.ChainAsset{
		ContractAddress: jerseys,
		TokenID:         token,
		Owner:           owner,
		MetadataURI:     "ipfs://meta-" + token,
	})
}

func (f *fixture) listing(id, token, price string, auction, active bool) {
	f.chain.PutListing(types.Listing{
		ListingID:       id,
		ContractAddress: jerseys,
		TokenID:         token,
		Seller:          alice,
		Price:           price,
		IsAuction:       auction,
		Active:          active,
	})
}

func (f *fixture) stored(t *testing.T, token, owner string, listingID string) {
	t.Helper()
	rec := &types.AssetRecord{
		ContractAddress: jerseys,
		TokenID:         token,
		Kind:            types.KindJersey,
		Owner:           types.StringPtr(owner),
		MetadataURI:     "ipfs://meta-" + token,
		LastSyncedAt:    testNow,
		SourceOfTruth:   types.ProvenanceChain,
	}
	if listingID != "" {
		rec.Marketplace = types.Marketplace{IsListed: true, ListingID: types.StringPtr(listingID), Price: types.StringPtr("5")}
	}
	_, err := f.store.Upsert(context.Background(), rec)
	require.NoError(t, err)
}

func (f *fixture) get(t *testing.T, token string) *types.AssetRecord {
	t.Helper()
	key, err := types.NewAssetKey(jerseys, token)
	require.NoError(t, err)
	rec, err := f.store.Get(context.Background(), key)
	require.NoError(t, err)
	return rec
}

func eventTask(token, listingID string) types.SyncTask {
	task := types.NewSyncTask(types.ReasonListingEvent, jerseys, token, testNow)
	task.ListingID = listingID
	return task
}

func auditTask(reason types.SyncReason) types.SyncTask {
	return types.NewSyncTask(reason, jerseys, "", testNow)
}

func TestListingEventCreatesListedRecord(t *testing.T) {
	f := newFixture(t, nil)
	f.asset("7", alice)
	f.listing("42", "7", oneEther, false, true)

	report, err := f.rec.Handle(context.Background(), eventTask("7", "42"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)
	assert.Zero(t, report.Unresolved)

	rec := f.get(t, "7")
	assert.Equal(t, alice, *rec.Owner)
	assert.Equal(t, types.KindJersey, rec.Kind)
	assert.True(t, rec.Mint.Confirmed)
	assert.Equal(t, types.ProvenanceChain, rec.SourceOfTruth)
	assert.True(t, rec.Marketplace.IsListed)
	assert.False(t, rec.Marketplace.IsAuction)
	require.NotNil(t, rec.Marketplace.ListingID)
	assert.Equal(t, "42", *rec.Marketplace.ListingID)
	require.NotNil(t, rec.Marketplace.Price)
	assert.Equal(t, oneEther, *rec.Marketplace.Price)
	assert.Equal(t, []string{"https://gw.example/ipfs/meta-7"}, rec.MediaLocators)

	require.Len(t, f.sink.reports, 1)
	assert.Same(t, report, f.sink.reports[0])
	assert.Contains(t, f.cache.Keys(), rec.Key())
}

func TestListingEventForSoldTokenClearsListing(t *testing.T) {
	f := newFixture(t, nil)
	f.stored(t, "7", alice, "42")
	f.asset("7", bob)
	f.listing("42", "7", oneEther, false, false)

	report, err := f.rec.Handle(context.Background(), eventTask("7", "42"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Updated)

	rec := f.get(t, "7")
	assert.Equal(t, bob, *rec.Owner)
	assert.False(t, rec.Marketplace.Active())
	assert.Nil(t, rec.Marketplace.Price)
}

func TestListingEventResolvesTokenFromAuction(t *testing.T) {
	f := newFixture(t, nil)
	f.asset("3", alice)
	f.listing("9", "3", "500", true, true)

	report, err := f.rec.Handle(context.Background(), eventTask("", "9"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)

	rec := f.get(t, "3")
	assert.True(t, rec.Marketplace.IsAuction)
	require.NotNil(t, rec.Marketplace.AuctionID)
	assert.Equal(t, "9", *rec.Marketplace.AuctionID)
}

func TestListingEventUnknownListingIsUnresolved(t *testing.T) {
	f := newFixture(t, nil)

	report, err := f.rec.Handle(context.Background(), eventTask("", "404"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Unresolved)
	assert.Zero(t, report.Actions())
}

func TestListingEventMissingTokenIsUnresolved(t *testing.T) {
	f := newFixture(t, nil)

	report, err := f.rec.Handle(context.Background(), eventTask("8", ""))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Unresolved)
	assert.Equal(t, []string{jerseys + ":8"}, report.UnresolvedKeys)

	key, err := types.NewAssetKey(jerseys, "8")
	require.NoError(t, err)
	_, err = f.store.Get(context.Background(), key)
	assert.True(t, apperrors.IsNotFound(err), "nothing is synthesized for a missing token")
}

func TestChainOutageRetriesThenReportsUnresolved(t *testing.T) {
	f := newFixture(t, nil)
	f.chain.FailWith("GetAsset", errors.New("rpc down"))

	report, err := f.rec.Handle(context.Background(), eventTask("1", ""))
	require.Error(t, err)
	assert.True(t, apperrors.IsChainUnavailable(err), "got %v", err)
	assert.Equal(t, 1, report.Unresolved)
	assert.Equal(t, 3, f.chain.Calls("GetAsset"))
	require.Len(t, f.sink.reports, 1, "failed runs still publish their report")
}

func TestOpenCircuitStopsChainReads(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		bc := circuitbreaker.DefaultConfig("test")
		bc.ConsecutiveFailures = 1
		bc.Timeout = time.Hour
		bc.IsFailure = apperrors.IsChainUnavailable
		bc.Now = func() time.Time { return testNow }
		cfg.Breaker = circuitbreaker.NewCircuitBreaker(bc)
	})
	f.chain.FailWith("GetAsset", errors.New("rpc down"))

	_, err := f.rec.Handle(context.Background(), eventTask("1", ""))
	require.Error(t, err)
	assert.Equal(t, 1, f.chain.Calls("GetAsset"), "an open circuit is not retried")

	_, err = f.rec.Handle(context.Background(), eventTask("1", ""))
	require.Error(t, err)
	assert.True(t, apperrors.IsChainUnavailable(err))
	assert.True(t, errors.Is(err, circuitbreaker.ErrCircuitOpen))
	assert.Equal(t, 1, f.chain.Calls("GetAsset"))
}

func TestAuditClearsStaleListingAndKeepsRecord(t *testing.T) {
	f := newFixture(t, nil)
	f.stored(t, "1", alice, "11")
	f.asset("1", alice)
	f.asset("2", bob)
	f.listing("12", "2", "700", false, true)
	f.chain.SetMintedCount(jerseys, big.NewInt(2))

	report, err := f.rec.Handle(context.Background(), auditTask(types.ReasonPeriodicAudit))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Cleared)
	assert.Equal(t, 1, report.Created)
	assert.Zero(t, report.Unresolved)
	assert.Equal(t, "2", report.MintedOnChain)
	assert.Equal(t, int64(2), report.StoredCount)

	stale := f.get(t, "1")
	assert.False(t, stale.Marketplace.Active())
	assert.Equal(t, alice, *stale.Owner)

	fresh := f.get(t, "2")
	assert.True(t, fresh.Marketplace.IsListed)
	assert.Equal(t, "700", *fresh.Marketplace.Price)
	assert.Contains(t, f.cache.Keys(), stale.Key())
}

func TestAuditIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	for _, token := range []string{"0", "1", "2"} {
		f.asset(token, alice)
	}
	f.listing("1", "0", "10", false, true)
	f.listing("2", "2", "20", true, true)

	first, err := f.rec.Handle(context.Background(), auditTask(types.ReasonPeriodicAudit))
	require.NoError(t, err)
	assert.Equal(t, 3, first.Created)

	second, err := f.rec.Handle(context.Background(), auditTask(types.ReasonPeriodicAudit))
	require.NoError(t, err)
	assert.Zero(t, second.Actions(), "second run: %+v", second)
	assert.Equal(t, 3, f.media.calls, "media is resolved once per new locator")
}

func TestAuditPagesToCompletion(t *testing.T) {
	f := newFixture(t, nil)
	for i, token := range []string{"0", "1", "2", "3", "4"} {
		f.asset(token, alice)
		f.listing(big.NewInt(int64(i+1)).String(), token, "10", false, true)
	}

	report, err := f.rec.Handle(context.Background(), auditTask(types.ReasonPeriodicAudit))
	require.NoError(t, err)
	assert.Equal(t, 5, report.Created)
	assert.Equal(t, 4, report.Pages, "three listing pages and one auction page")
	assert.Equal(t, 3, f.chain.Calls("GetAllActiveListings"))
}

func TestAuditPrefersDirectListingOverAuction(t *testing.T) {
	f := newFixture(t, nil)
	f.asset("0", alice)
	f.listing("5", "0", "10", true, true)
	f.listing("6", "0", "20", false, true)

	_, err := f.rec.Handle(context.Background(), auditTask(types.ReasonPeriodicAudit))
	require.NoError(t, err)

	rec := f.get(t, "0")
	assert.True(t, rec.Marketplace.IsListed)
	assert.False(t, rec.Marketplace.IsAuction)
	assert.Equal(t, "6", *rec.Marketplace.ListingID)
}

func TestAuditAbortsOnPartialListingSet(t *testing.T) {
	f := newFixture(t, nil)
	f.stored(t, "1", alice, "11")
	f.asset("1", alice)
	f.chain.FailWith("GetAllActiveAuctions", errors.New("rpc down"))

	report, err := f.rec.Handle(context.Background(), auditTask(types.ReasonPeriodicAudit))
	require.Error(t, err)
	assert.True(t, apperrors.IsChainUnavailable(err))
	assert.Zero(t, report.Cleared)
	assert.True(t, f.get(t, "1").Marketplace.IsListed, "nothing is cleared from a partial set")
}

func TestAuditBackfillsMissingTokens(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.MaxBackfill = 3 })
	for _, token := range []string{"0", "1", "2", "3", "4"} {
		f.asset(token, alice)
	}

	first, err := f.rec.Handle(context.Background(), auditTask(types.ReasonPeriodicAudit))
	require.NoError(t, err)
	assert.Equal(t, 3, first.Created)
	assert.Equal(t, "5", first.MintedOnChain)
	assert.Zero(t, first.StoredCount)

	second, err := f.rec.Handle(context.Background(), auditTask(types.ReasonPeriodicAudit))
	require.NoError(t, err)
	assert.Equal(t, 2, second.Created)
	assert.Equal(t, int64(3), second.StoredCount)

	n, err := f.store.Count(context.Background(), storage.Filter{ContractAddress: jerseys})
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestAuditBurnedTokenIsUnresolved(t *testing.T) {
	f := newFixture(t, nil)
	f.asset("0", alice)
	f.asset("2", alice)

	report, err := f.rec.Handle(context.Background(), auditTask(types.ReasonPeriodicAudit))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Created)
	assert.Equal(t, 1, report.Unresolved)
	assert.Equal(t, []string{jerseys + ":1"}, report.UnresolvedKeys)
}

func TestManualSyncRefreshesUnlistedOwners(t *testing.T) {
	f := newFixture(t, nil)
	f.stored(t, "0", alice, "")
	f.asset("0", bob)

	periodic, err := f.rec.Handle(context.Background(), auditTask(types.ReasonPeriodicAudit))
	require.NoError(t, err)
	assert.Zero(t, periodic.Actions())
	assert.Equal(t, alice, *f.get(t, "0").Owner)

	manual, err := f.rec.Handle(context.Background(), auditTask(types.ReasonManualSync))
	require.NoError(t, err)
	assert.Equal(t, 1, manual.Updated)
	assert.Equal(t, bob, *f.get(t, "0").Owner)
}

func TestConcurrentEventsOnSameTokenWriteOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.asset("7", alice)
	f.listing("42", "7", oneEther, false, true)

	var wg sync.WaitGroup
	reports := make([]*types.SyncReport, 8)
	errs := make([]error, len(reports))
	for i := range reports {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i], errs[i] = f.rec.Handle(context.Background(), eventTask("7", "42"))
		}()
	}
	wg.Wait()

	created, updated := 0, 0
	for i, r := range reports {
		require.NoError(t, errs[i])
		created += r.Created
		updated += r.Updated
	}
	assert.Equal(t, 1, created)
	assert.Zero(t, updated)
}

func TestConflictingEventsLeaveOneChainState(t *testing.T) {
	f := newFixture(t, nil)
	f.chain.SetDelay(time.Millisecond)
	f.asset("7", alice)
	f.listing("42", "7", oneEther, false, true)
	f.listing("43", "7", "2", true, true)

	stop := make(chan struct{})
	flipped := make(chan struct{})
	go func() {
		defer close(flipped)
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			f.listing("42", "7", oneEther, false, i%2 == 1)
			time.Sleep(time.Millisecond)
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.rec.Handle(context.Background(), eventTask("7", "42"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	close(stop)
	<-flipped

	m := f.get(t, "7").Marketplace
	assert.False(t, m.IsListed && m.IsAuction, "listing and auction are exclusive: %+v", m)
	switch {
	case m.IsListed:
		require.NotNil(t, m.ListingID)
		assert.Equal(t, "42", *m.ListingID)
		assert.Equal(t, oneEther, *m.Price)
		assert.Nil(t, m.AuctionID)
	case m.IsAuction:
		require.NotNil(t, m.AuctionID)
		assert.Equal(t, "43", *m.AuctionID)
		assert.Equal(t, "2", *m.Price)
		assert.Nil(t, m.ListingID)
	default:
		t.Fatalf("record matches neither chain state: %+v", m)
	}

	f.listing("42", "7", oneEther, false, false)
	_, err := f.rec.Handle(context.Background(), eventTask("7", "42"))
	require.NoError(t, err)
	m = f.get(t, "7").Marketplace
	assert.True(t, m.IsAuction)
	assert.False(t, m.IsListed)
}

func TestAuditBackfillsOneBasedCollection(t *testing.T) {
	f := newFixture(t, nil)
	for _, token := range []string{"1", "2", "3"} {
		f.asset(token, alice)
	}
	f.chain.SetMintedCount(jerseys, big.NewInt(3))

	first, err := f.rec.Handle(context.Background(), auditTask(types.ReasonPeriodicAudit))
	require.NoError(t, err)
	assert.Equal(t, 3, first.Created)
	assert.Zero(t, first.Unresolved, "id 0 is outside a one-based collection")
	assert.Equal(t, "3", first.MintedOnChain)

	second, err := f.rec.Handle(context.Background(), auditTask(types.ReasonPeriodicAudit))
	require.NoError(t, err)
	assert.Zero(t, second.Created)
	assert.Zero(t, second.Unresolved)
	assert.Equal(t, int64(3), second.StoredCount)
	assert.Equal(t, alice, *f.get(t, "3").Owner)
}

func TestAuditBackfillCapCountsEdgeIDs(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.MaxBackfill = 2 })
	for _, token := range []string{"1", "2", "3"} {
		f.asset(token, alice)
	}
	f.chain.SetMintedCount(jerseys, big.NewInt(3))

	// Each run attempts id 0 again before reaching the next missing token.
	for run, want := range []string{"1", "2", "3"} {
		report, err := f.rec.Handle(context.Background(), auditTask(types.ReasonPeriodicAudit))
		require.NoError(t, err)
		assert.Equal(t, 1, report.Created, "run %d", run)
		assert.Zero(t, report.Unresolved, "run %d", run)
		assert.Equal(t, alice, *f.get(t, want).Owner)
	}

	report, err := f.rec.Handle(context.Background(), auditTask(types.ReasonPeriodicAudit))
	require.NoError(t, err)
	assert.Zero(t, report.Actions())
	assert.Equal(t, int64(3), report.StoredCount)
}

func TestHandleRejectsBadInput(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.rec.Handle(context.Background(), types.SyncTask{ID: "t", Reason: types.ReasonManualSync})
	assert.True(t, apperrors.IsUserError(err), "got %v", err)

	g := newFixture(t, func(cfg *Config) { cfg.MarketplaceAddress = "" })
	_, err = g.rec.Handle(context.Background(), auditTask(types.ReasonPeriodicAudit))
	assert.True(t, apperrors.IsUserError(err), "got %v", err)

	_, err = New(&Config{})
	assert.Error(t, err)
}
