package adapter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	apperrors "github.com/nft-state-sync/internal/errors"
	"github.com/nft-state-sync/internal/logging"
	"github.com/nft-state-sync/internal/ratelimit"
	"github.com/nft-state-sync/internal/types"
)

// EthereumSource implements ChainSource against an ERC-721 collection and a
// marketplace contract on an EVM chain.
type EthereumSource struct {
	chain       string
	pool        *RPCPool
	readTimeout time.Duration
	now         func() time.Time
}

// EthereumSourceConfig configures an EthereumSource.
type EthereumSourceConfig struct {
	Chain       string
	Pool        *RPCPool
	ReadTimeout time.Duration
	Now         func() time.Time
}

// NewEthereumSource creates a chain source over an RPC pool.
func NewEthereumSource(cfg *EthereumSourceConfig) (*EthereumSource, error) {
	if cfg == nil || cfg.Pool == nil {
		return nil, fmt.Errorf("rpc pool is required")
	}
	s := &EthereumSource{
		chain:       cfg.Chain,
		pool:        cfg.Pool,
		readTimeout: cfg.ReadTimeout,
		now:         cfg.Now,
	}
	if s.chain == "" {
		s.chain = "ethereum"
	}
	if s.readTimeout <= 0 {
		s.readTimeout = 8 * time.Second
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

var errNoCode = errors.New("execution reverted: empty return data")

// call packs, executes and unpacks one view call. Each call gets its own
// read timeout.
func (s *EthereumSource) call(ctx context.Context, op, to string, contract *abi.ABI, method string, details map[string]interface{}, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.readTimeout)
	defer cancel()

	client, idx := s.pool.Client()
	addr := common.HexToAddress(to)
	out, err := client.CallContract(callCtx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		if shouldFailover(err) && !errors.Is(err, ratelimit.ErrMaxWaitExceeded) {
			if ferr := s.pool.MarkFailed(ctx, idx); ferr != nil {
				logging.FromContext(ctx).WithError(ferr).Warn("RPC failover failed")
			}
		}
		return nil, NewAdapterError(s.chain, op, err, details)
	}
	if len(out) == 0 {
		return nil, NewAdapterError(s.chain, op, errNoCode, details)
	}
	vals, err := contract.Unpack(method, out)
	if err != nil {
		return nil, NewAdapterError(s.chain, op, fmt.Errorf("unpack %s: %w", method, err), details)
	}
	return vals, nil
}

func parseID(param, id string) (*big.Int, error) {
	n, err := types.ParseTokenID(id)
	if err != nil {
		return nil, apperrors.NewInvalidParameterError(param, err.Error())
	}
	return n, nil
}

func checkAddress(param, addr string) error {
	if !common.IsHexAddress(addr) {
		return apperrors.NewInvalidParameterError(param, "not a hex address")
	}
	return nil
}

// GetAsset reads ownerOf and tokenURI. A token whose tokenURI reverts is
// returned with an empty metadata URI.
func (s *EthereumSource) GetAsset(ctx context.Context, contract, tokenID string) (*types.ChainAsset, error) {
	if err := checkAddress("contractAddress", contract); err != nil {
		return nil, err
	}
	id, err := parseID("tokenId", tokenID)
	if err != nil {
		return nil, err
	}
	details := map[string]interface{}{"id": contract + ":" + id.String()}

	vals, err := s.call(ctx, "ownerOf", contract, &parsedERC721, "ownerOf", details, id)
	if err != nil {
		return nil, err
	}
	owner := vals[0].(common.Address)
	if owner == (common.Address{}) {
		return nil, apperrors.NewNotFoundError("ownerOf", contract+":"+id.String())
	}

	asset := &types.ChainAsset{
		ContractAddress: strings.ToLower(contract),
		TokenID:         id.String(),
		Owner:           strings.ToLower(owner.Hex()),
	}
	vals, err = s.call(ctx, "tokenURI", contract, &parsedERC721, "tokenURI", details, id)
	switch {
	case err == nil:
		asset.MetadataURI = vals[0].(string)
	case apperrors.IsNotFound(err):
	default:
		return nil, err
	}
	return asset, nil
}

// GetListing reads a direct listing.
func (s *EthereumSource) GetListing(ctx context.Context, marketplace, listingID string) (*types.Listing, error) {
	if err := checkAddress("marketplace", marketplace); err != nil {
		return nil, err
	}
	id, err := parseID("listingId", listingID)
	if err != nil {
		return nil, err
	}
	vals, err := s.call(ctx, "getListing", marketplace, &parsedMarketplace, "getListing",
		map[string]interface{}{"id": id.String()}, id)
	if err != nil {
		return nil, err
	}
	tuple := *abi.ConvertType(vals[0], new(listingTuple)).(*listingTuple)
	if tuple.AssetContract == (common.Address{}) {
		return nil, apperrors.NewNotFoundError("getListing", id.String())
	}
	return tuple.toListing(s.now()), nil
}

// GetAuction reads an auction and, when it is live, its winning bid.
func (s *EthereumSource) GetAuction(ctx context.Context, marketplace, auctionID string) (*types.Listing, error) {
	if err := checkAddress("marketplace", marketplace); err != nil {
		return nil, err
	}
	id, err := parseID("auctionId", auctionID)
	if err != nil {
		return nil, err
	}
	vals, err := s.call(ctx, "getAuction", marketplace, &parsedMarketplace, "getAuction",
		map[string]interface{}{"id": id.String()}, id)
	if err != nil {
		return nil, err
	}
	tuple := *abi.ConvertType(vals[0], new(auctionTuple)).(*auctionTuple)
	if tuple.AssetContract == (common.Address{}) {
		return nil, apperrors.NewNotFoundError("getAuction", id.String())
	}
	bid, err := s.winningBid(ctx, marketplace, tuple)
	if err != nil {
		return nil, err
	}
	return tuple.toListing(bid, s.now()), nil
}

func (s *EthereumSource) winningBid(ctx context.Context, marketplace string, a auctionTuple) (*big.Int, error) {
	if a.Status != statusCreated {
		return nil, nil
	}
	vals, err := s.call(ctx, "getWinningBid", marketplace, &parsedMarketplace, "getWinningBid",
		map[string]interface{}{"id": a.AuctionId.String()}, a.AuctionId)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return vals[2].(*big.Int), nil
}

// pageRange maps a page onto the inclusive id range the marketplace accepts.
func pageRange(page types.PageRequest, total uint64) (start, end uint64, ok bool) {
	if page.Count == 0 || page.Start >= total {
		return 0, 0, false
	}
	end = page.Start + page.Count - 1
	if end >= total {
		end = total - 1
	}
	return page.Start, end, true
}

func (s *EthereumSource) total(ctx context.Context, marketplace, method string) (uint64, error) {
	vals, err := s.call(ctx, method, marketplace, &parsedMarketplace, method, nil)
	if err != nil {
		return 0, err
	}
	n := vals[0].(*big.Int)
	if !n.IsUint64() {
		return 0, apperrors.NewChainUnavailableError(method, fmt.Errorf("total %s out of range", n))
	}
	return n.Uint64(), nil
}

func matchesFilter(contract, filter string) bool {
	return filter == "" || strings.EqualFold(contract, filter)
}

// GetAllActiveListings reads one page of valid direct listings.
func (s *EthereumSource) GetAllActiveListings(ctx context.Context, marketplace, contractFilter string, page types.PageRequest) (*types.ListingPage, error) {
	if err := checkAddress("marketplace", marketplace); err != nil {
		return nil, err
	}
	total, err := s.total(ctx, marketplace, "totalListings")
	if err != nil {
		return nil, err
	}
	result := &types.ListingPage{Total: total}
	start, end, ok := pageRange(page, total)
	if !ok {
		return result, nil
	}

	vals, err := s.call(ctx, "getAllValidListings", marketplace, &parsedMarketplace, "getAllValidListings",
		map[string]interface{}{"start": start, "end": end},
		new(big.Int).SetUint64(start), new(big.Int).SetUint64(end))
	if err != nil {
		return nil, err
	}
	tuples := *abi.ConvertType(vals[0], new([]listingTuple)).(*[]listingTuple)
	now := s.now()
	for _, t := range tuples {
		l := t.toListing(now)
		if l.Active && matchesFilter(l.ContractAddress, contractFilter) {
			result.Listings = append(result.Listings, *l)
		}
	}
	return result, nil
}

// GetAllActiveAuctions reads one page of valid auctions with their bids.
func (s *EthereumSource) GetAllActiveAuctions(ctx context.Context, marketplace, contractFilter string, page types.PageRequest) (*types.ListingPage, error) {
	if err := checkAddress("marketplace", marketplace); err != nil {
		return nil, err
	}
	total, err := s.total(ctx, marketplace, "totalAuctions")
	if err != nil {
		return nil, err
	}
	result := &types.ListingPage{Total: total}
	start, end, ok := pageRange(page, total)
	if !ok {
		return result, nil
	}

	vals, err := s.call(ctx, "getAllValidAuctions", marketplace, &parsedMarketplace, "getAllValidAuctions",
		map[string]interface{}{"start": start, "end": end},
		new(big.Int).SetUint64(start), new(big.Int).SetUint64(end))
	if err != nil {
		return nil, err
	}
	tuples := *abi.ConvertType(vals[0], new([]auctionTuple)).(*[]auctionTuple)
	now := s.now()
	for _, t := range tuples {
		if !matchesFilter(t.AssetContract.Hex(), contractFilter) {
			continue
		}
		bid, err := s.winningBid(ctx, marketplace, t)
		if err != nil {
			return nil, err
		}
		if l := t.toListing(bid, now); l.Active {
			result.Listings = append(result.Listings, *l)
		}
	}
	return result, nil
}

// GetMintedCount reads totalSupply.
func (s *EthereumSource) GetMintedCount(ctx context.Context, contract string) (*big.Int, error) {
	if err := checkAddress("contractAddress", contract); err != nil {
		return nil, err
	}
	vals, err := s.call(ctx, "totalSupply", contract, &parsedERC721, "totalSupply",
		map[string]interface{}{"id": contract})
	if err != nil {
		return nil, err
	}
	return vals[0].(*big.Int), nil
}

// RelayTransaction decodes a signed transaction and broadcasts it. Relays
// use the reserved budget pool.
func (s *EthereumSource) RelayTransaction(ctx context.Context, rawTx []byte) (string, error) {
	tx := new(ethtypes.Transaction)
	if err := tx.UnmarshalBinary(rawTx); err != nil {
		return "", apperrors.NewInvalidParameterError("rawTransaction", err.Error())
	}

	sendCtx, cancel := context.WithTimeout(ratelimit.WithPriority(ctx, ratelimit.PriorityHigh), s.readTimeout)
	defer cancel()

	client, idx := s.pool.Client()
	if err := client.SendTransaction(sendCtx, tx); err != nil {
		if shouldFailover(err) && !errors.Is(err, ratelimit.ErrMaxWaitExceeded) {
			_ = s.pool.MarkFailed(ctx, idx)
		}
		return "", &AdapterError{Chain: s.chain, Op: "sendRawTransaction", Err: apperrors.NewChainUnavailableError("sendRawTransaction", err)}
	}
	hash := tx.Hash().Hex()
	logging.FromContext(ctx).WithField("tx_hash", hash).Info("Relayed transaction")
	return hash, nil
}

// Close releases the RPC connections.
func (s *EthereumSource) Close() {
	s.pool.Close()
}

var _ ChainSource = (*EthereumSource)(nil)
