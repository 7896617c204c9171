package adapter

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/nft-state-sync/internal/types"
)

const erc721ABI = `[
	{"type":"function","name":"ownerOf","stateMutability":"view",
	 "inputs":[{"name":"tokenId","type":"uint256"}],
	 "outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"tokenURI","stateMutability":"view",
	 "inputs":[{"name":"tokenId","type":"uint256"}],
	 "outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"totalSupply","stateMutability":"view",
	 "inputs":[],
	 "outputs":[{"name":"","type":"uint256"}]}
]`

const listingComponents = `[
	{"name":"listingId","type":"uint256"},
	{"name":"tokenId","type":"uint256"},
	{"name":"quantity","type":"uint256"},
	{"name":"pricePerToken","type":"uint256"},
	{"name":"startTimestamp","type":"uint128"},
	{"name":"endTimestamp","type":"uint128"},
	{"name":"listingCreator","type":"address"},
	{"name":"assetContract","type":"address"},
	{"name":"currency","type":"address"},
	{"name":"tokenType","type":"uint8"},
	{"name":"status","type":"uint8"},
	{"name":"reserved","type":"bool"}
]`

const auctionComponents = `[
	{"name":"auctionId","type":"uint256"},
	{"name":"tokenId","type":"uint256"},
	{"name":"quantity","type":"uint256"},
	{"name":"minimumBidAmount","type":"uint256"},
	{"name":"buyoutBidAmount","type":"uint256"},
	{"name":"timeBufferInSeconds","type":"uint64"},
	{"name":"bidBufferBps","type":"uint64"},
	{"name":"startTimestamp","type":"uint64"},
	{"name":"endTimestamp","type":"uint64"},
	{"name":"auctionCreator","type":"address"},
	{"name":"assetContract","type":"address"},
	{"name":"currency","type":"address"},
	{"name":"tokenType","type":"uint8"},
	{"name":"status","type":"uint8"}
]`

var marketplaceABI = `[
	{"type":"function","name":"totalListings","stateMutability":"view",
	 "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"getListing","stateMutability":"view",
	 "inputs":[{"name":"_listingId","type":"uint256"}],
	 "outputs":[{"name":"listing","type":"tuple","components":` + listingComponents + `}]},
	{"type":"function","name":"getAllValidListings","stateMutability":"view",
	 "inputs":[{"name":"_startId","type":"uint256"},{"name":"_endId","type":"uint256"}],
	 "outputs":[{"name":"listings","type":"tuple[]","components":` + listingComponents + `}]},
	{"type":"function","name":"totalAuctions","stateMutability":"view",
	 "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"getAuction","stateMutability":"view",
	 "inputs":[{"name":"_auctionId","type":"uint256"}],
	 "outputs":[{"name":"auction","type":"tuple","components":` + auctionComponents + `}]},
	{"type":"function","name":"getAllValidAuctions","stateMutability":"view",
	 "inputs":[{"name":"_startId","type":"uint256"},{"name":"_endId","type":"uint256"}],
	 "outputs":[{"name":"auctions","type":"tuple[]","components":` + auctionComponents + `}]},
	{"type":"function","name":"getWinningBid","stateMutability":"view",
	 "inputs":[{"name":"_auctionId","type":"uint256"}],
	 "outputs":[{"name":"bidder","type":"address"},{"name":"currency","type":"address"},{"name":"bidAmount","type":"uint256"}]}
]`

var (
	parsedERC721      abi.ABI
	parsedMarketplace abi.ABI
)

func init() {
	var err error
	if parsedERC721, err = abi.JSON(strings.NewReader(erc721ABI)); err != nil {
		panic(fmt.Sprintf("parse erc721 abi: %v", err))
	}
	if parsedMarketplace, err = abi.JSON(strings.NewReader(marketplaceABI)); err != nil {
		panic(fmt.Sprintf("parse marketplace abi: %v", err))
	}
}

// Marketplace status codes.
const (
	statusCreated   uint8 = 1
	statusCompleted uint8 = 2
	statusCancelled uint8 = 3
)

type listingTuple struct {
	ListingId      *big.Int
	TokenId        *big.Int
	Quantity       *big.Int
	PricePerToken  *big.Int
	StartTimestamp *big.Int
	EndTimestamp   *big.Int
	ListingCreator common.Address
	AssetContract  common.Address
	Currency       common.Address
	TokenType      uint8
	Status         uint8
	Reserved       bool
}

type auctionTuple struct {
	AuctionId           *big.Int
	TokenId             *big.Int
	Quantity            *big.Int
	MinimumBidAmount    *big.Int
	BuyoutBidAmount     *big.Int
	TimeBufferInSeconds uint64
	BidBufferBps        uint64
	StartTimestamp      uint64
	EndTimestamp        uint64
	AuctionCreator      common.Address
	AssetContract       common.Address
	Currency            common.Address
	TokenType           uint8
	Status              uint8
}

func (l listingTuple) toListing(now time.Time) *types.Listing {
	out := &types.Listing{
		ListingID:       l.ListingId.String(),
		ContractAddress: strings.ToLower(l.AssetContract.Hex()),
		TokenID:         l.TokenId.String(),
		Seller:          strings.ToLower(l.ListingCreator.Hex()),
		Price:           l.PricePerToken.String(),
	}
	out.Active = l.Status == statusCreated && isLive(l.StartTimestamp, l.EndTimestamp, now)
	if l.EndTimestamp != nil && l.EndTimestamp.IsInt64() {
		end := time.Unix(l.EndTimestamp.Int64(), 0).UTC()
		out.EndTime = &end
	}
	return out
}

// toListing converts an auction; bid is the current winning bid, or nil.
func (a auctionTuple) toListing(bid *big.Int, now time.Time) *types.Listing {
	end := time.Unix(int64(a.EndTimestamp), 0).UTC()
	out := &types.Listing{
		ListingID:       a.AuctionId.String(),
		ContractAddress: strings.ToLower(a.AssetContract.Hex()),
		TokenID:         a.TokenId.String(),
		Seller:          strings.ToLower(a.AuctionCreator.Hex()),
		Price:           a.MinimumBidAmount.String(),
		IsAuction:       true,
		EndTime:         &end,
	}
	if bid != nil && bid.Sign() > 0 {
		s := bid.String()
		out.CurrentBid = &s
	}
	out.Active = a.Status == statusCreated &&
		isLive(new(big.Int).SetUint64(a.StartTimestamp), new(big.Int).SetUint64(a.EndTimestamp), now)
	return out
}

func isLive(start, end *big.Int, now time.Time) bool {
	ts := big.NewInt(now.Unix())
	if start != nil && start.Cmp(ts) > 0 {
		return false
	}
	return end == nil || end.Cmp(ts) > 0
}
