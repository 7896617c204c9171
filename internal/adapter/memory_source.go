package adapter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/nft-state-sync/internal/errors"
	"github.com/nft-state-sync/internal/types"
)

// MemorySource is an in-process ChainSource. It backs the dev server and
// tests, and can inject latency and outages per operation.
type MemorySource struct {
	mu       sync.Mutex
	assets   map[types.AssetKey]types.ChainAsset
	listings map[string]types.Listing
	auctions map[string]types.Listing
	minted   map[string]*big.Int
	relayed  [][]byte

	failures map[string]error
	delay    time.Duration
	calls    map[string]int
}

// NewMemorySource returns an empty chain.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		assets:   make(map[types.AssetKey]types.ChainAsset),
		listings: make(map[string]types.Listing),
		auctions: make(map[string]types.Listing),
		minted:   make(map[string]*big.Int),
		failures: make(map[string]error),
		calls:    make(map[string]int),
	}
}

// PutAsset stores a token and bumps the minted count if needed.
func (m *MemorySource) PutAsset(a types.ChainAsset) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ContractAddress = strings.ToLower(a.ContractAddress)
	a.Owner = strings.ToLower(a.Owner)
	m.assets[types.AssetKey{ContractAddress: a.ContractAddress, TokenID: a.TokenID}] = a

	if id, err := types.ParseTokenID(a.TokenID); err == nil {
		next := new(big.Int).Add(id, big.NewInt(1))
		if cur, ok := m.minted[a.ContractAddress]; !ok || cur.Cmp(next) < 0 {
			m.minted[a.ContractAddress] = next
		}
	}
}

// RemoveAsset makes ownerOf report a nonexistent token.
func (m *MemorySource) RemoveAsset(contract, tokenID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.assets, types.AssetKey{ContractAddress: strings.ToLower(contract), TokenID: tokenID})
}

// PutListing stores a direct listing or an auction.
func (m *MemorySource) PutListing(l types.Listing) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.ContractAddress = strings.ToLower(l.ContractAddress)
	if id, err := types.NormalizeTokenID(l.ListingID); err == nil {
		l.ListingID = id
	}
	if l.IsAuction {
		m.auctions[l.ListingID] = l
	} else {
		m.listings[l.ListingID] = l
	}
}

// SetMintedCount overrides the minted count of a contract.
func (m *MemorySource) SetMintedCount(contract string, n *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.minted[strings.ToLower(contract)] = new(big.Int).Set(n)
}

// FailWith makes op fail with err until cleared with a nil err. An empty op
// fails every operation.
func (m *MemorySource) FailWith(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// SetDelay adds latency to every call.
func (m *MemorySource) SetDelay(d time.Duration) {
	m.mu.Lock()
	m.delay = d
	m.mu.Unlock()
}

// Calls returns how often op was invoked.
func (m *MemorySource) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Relayed returns the raw transactions submitted so far.
func (m *MemorySource) Relayed() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.relayed...)
}

// enter records the call, applies the delay and returns any injected
// failure. The lock is released on return.
func (m *MemorySource) enter(ctx context.Context, op string) error {
	m.mu.Lock()
	m.calls[op]++
	delay := m.delay
	err := m.failures[op]
	if err == nil {
		err = m.failures[""]
	}
	m.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return apperrors.NewChainUnavailableError(op, ctx.Err())
		case <-timer.C:
		}
	}
	if err != nil {
		var catErr *apperrors.CategorizedError
		if errors.As(err, &catErr) {
			return err
		}
		return apperrors.NewChainUnavailableError(op, err)
	}
	if ctx.Err() != nil {
		return apperrors.NewChainUnavailableError(op, ctx.Err())
	}
	return nil
}

// GetAsset implements ChainSource.
func (m *MemorySource) GetAsset(ctx context.Context, contract, tokenID string) (*types.ChainAsset, error) {
	if err := m.enter(ctx, "GetAsset"); err != nil {
		return nil, err
	}
	key, err := types.NewAssetKey(contract, tokenID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[key]
	if !ok {
		return nil, apperrors.NewNotFoundError("asset", key.String())
	}
	return &a, nil
}

func (m *MemorySource) getEntry(ctx context.Context, op string, set map[string]types.Listing, id string) (*types.Listing, error) {
	if err := m.enter(ctx, op); err != nil {
		return nil, err
	}
	norm, err := types.NormalizeTokenID(id)
	if err != nil {
		return nil, apperrors.NewInvalidParameterError("listingId", err.Error())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := set[norm]
	if !ok {
		return nil, apperrors.NewNotFoundError("listing", norm)
	}
	return &l, nil
}

// GetListing implements ChainSource.
func (m *MemorySource) GetListing(ctx context.Context, _ string, listingID string) (*types.Listing, error) {
	return m.getEntry(ctx, "GetListing", m.listings, listingID)
}

// GetAuction implements ChainSource.
func (m *MemorySource) GetAuction(ctx context.Context, _ string, auctionID string) (*types.Listing, error) {
	return m.getEntry(ctx, "GetAuction", m.auctions, auctionID)
}

func (m *MemorySource) page(ctx context.Context, op string, set map[string]types.Listing, filter string, page types.PageRequest) (*types.ListingPage, error) {
	if err := m.enter(ctx, op); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return types.CompareTokenIDs(ids[i], ids[j]) < 0 })

	out := &types.ListingPage{Total: uint64(len(ids))}
	start, end, ok := pageRange(page, out.Total)
	if !ok {
		return out, nil
	}
	for _, id := range ids[start : end+1] {
		l := set[id]
		if l.Active && matchesFilter(l.ContractAddress, filter) {
			out.Listings = append(out.Listings, l)
		}
	}
	return out, nil
}

// GetAllActiveListings implements ChainSource.
func (m *MemorySource) GetAllActiveListings(ctx context.Context, _ string, contractFilter string, page types.PageRequest) (*types.ListingPage, error) {
	return m.page(ctx, "GetAllActiveListings", m.listings, contractFilter, page)
}

// GetAllActiveAuctions implements ChainSource.
func (m *MemorySource) GetAllActiveAuctions(ctx context.Context, _ string, contractFilter string, page types.PageRequest) (*types.ListingPage, error) {
	return m.page(ctx, "GetAllActiveAuctions", m.auctions, contractFilter, page)
}

// GetMintedCount implements ChainSource.
func (m *MemorySource) GetMintedCount(ctx context.Context, contract string) (*big.Int, error) {
	if err := m.enter(ctx, "GetMintedCount"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.minted[strings.ToLower(contract)]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(n), nil
}

// RelayTransaction implements ChainSource. The hash is the sha256 of the
// payload.
func (m *MemorySource) RelayTransaction(ctx context.Context, rawTx []byte) (string, error) {
	if err := m.enter(ctx, "RelayTransaction"); err != nil {
		return "", err
	}
	if len(rawTx) == 0 {
		return "", apperrors.NewInvalidParameterError("rawTransaction", "empty payload")
	}
	m.mu.Lock()
	m.relayed = append(m.relayed, append([]byte(nil), rawTx...))
	m.mu.Unlock()
	sum := sha256.Sum256(rawTx)
	return "0x" + hex.EncodeToString(sum[:]), nil
}

var _ ChainSource = (*MemorySource)(nil)
