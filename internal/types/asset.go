package types

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	apperrors "github.com/nft-state-sync/internal/errors"
)

// AssetKey is the identity of an asset: (contractAddress, tokenId).
type AssetKey struct {
	ContractAddress string `json:"contractAddress"`
	TokenID         string `json:"tokenId"`
}

// NewAssetKey validates and canonicalizes an identity key. The contract
// must be a 20-byte hex address; it is stored 0x-prefixed and lowercase.
func NewAssetKey(contract, tokenID string) (AssetKey, error) {
	if !common.IsHexAddress(contract) {
		return AssetKey{}, apperrors.NewInvalidParameterError("contractAddress", "not a hex address")
	}
	id, err := NormalizeTokenID(tokenID)
	if err != nil {
		return AssetKey{}, apperrors.NewInvalidParameterError("tokenId", err.Error())
	}
	return AssetKey{ContractAddress: strings.ToLower(common.HexToAddress(contract).Hex()), TokenID: id}, nil
}

func (k AssetKey) String() string {
	return k.ContractAddress + ":" + k.TokenID
}

// Mint holds the mint facts of an asset.
type Mint struct {
	TransactionHash string     `json:"transactionHash,omitempty"`
	MintedAt        *time.Time `json:"mintedAt,omitempty"`
	Confirmed       bool       `json:"confirmed"`
}

// Marketplace holds the listing or auction state of an asset. Amounts are
// decimal strings in wei.
type Marketplace struct {
	IsListed   bool       `json:"isListed"`
	ListingID  *string    `json:"listingId,omitempty"`
	Price      *string    `json:"price,omitempty"`
	IsAuction  bool       `json:"isAuction"`
	AuctionID  *string    `json:"auctionId,omitempty"`
	CurrentBid *string    `json:"currentBid,omitempty"`
	EndTime    *time.Time `json:"endTime,omitempty"`
}

// Active reports whether the asset is listed or in auction.
func (m Marketplace) Active() bool { return m.IsListed || m.IsAuction }

// AssetRecord is the off-chain record of an asset.
type AssetRecord struct {
	ContractAddress string      `json:"contractAddress"`
	TokenID         string      `json:"tokenId"`
	Kind            AssetKind   `json:"kind"`
	Owner           *string     `json:"owner,omitempty"`
	MetadataURI     string      `json:"metadataUri,omitempty"`
	MediaLocators   []string    `json:"mediaLocators,omitempty"`
	Mint            Mint        `json:"mint"`
	Marketplace     Marketplace `json:"marketplace"`
	LastSyncedAt    time.Time   `json:"lastSyncedAt"`
	SourceOfTruth   Provenance  `json:"sourceOfTruth"`
}

// Key returns the identity of the record.
func (r *AssetRecord) Key() AssetKey {
	return AssetKey{ContractAddress: r.ContractAddress, TokenID: r.TokenID}
}

// Clone returns a deep copy.
func (r *AssetRecord) Clone() *AssetRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Owner = clonePtr(r.Owner)
	c.MediaLocators = slices.Clone(r.MediaLocators)
	c.Mint.MintedAt = clonePtr(r.Mint.MintedAt)
	c.Marketplace.ListingID = clonePtr(r.Marketplace.ListingID)
	c.Marketplace.Price = clonePtr(r.Marketplace.Price)
	c.Marketplace.AuctionID = clonePtr(r.Marketplace.AuctionID)
	c.Marketplace.CurrentBid = clonePtr(r.Marketplace.CurrentBid)
	c.Marketplace.EndTime = clonePtr(r.Marketplace.EndTime)
	return &c
}

// Normalize canonicalizes a record before it is written: addresses are
// lowercased, ids and amounts canonicalized, lastSyncedAt clamped to now,
// and marketplace fields that only make sense while listed or in auction
// are cleared otherwise.
func (r *AssetRecord) Normalize(now time.Time) error {
	key, err := NewAssetKey(r.ContractAddress, r.TokenID)
	if err != nil {
		return err
	}
	r.ContractAddress, r.TokenID = key.ContractAddress, key.TokenID

	if r.Owner != nil {
		owner := strings.ToLower(*r.Owner)
		r.Owner = &owner
	}
	if r.LastSyncedAt.IsZero() || r.LastSyncedAt.After(now) {
		r.LastSyncedAt = now
	}
	if r.SourceOfTruth == "" {
		r.SourceOfTruth = ProvenanceChain
	}

	m := &r.Marketplace
	if m.Price, err = NormalizeAmount(m.Price); err != nil {
		return apperrors.NewInvalidParameterError("price", err.Error())
	}
	if m.CurrentBid, err = NormalizeAmount(m.CurrentBid); err != nil {
		return apperrors.NewInvalidParameterError("currentBid", err.Error())
	}
	if !m.IsListed {
		m.ListingID = nil
	}
	if !m.IsAuction {
		m.AuctionID, m.CurrentBid, m.EndTime = nil, nil, nil
	}
	if !m.Active() {
		m.Price = nil
	}
	return nil
}

// Validate checks the invariants a single record must satisfy.
func (r *AssetRecord) Validate(now time.Time) error {
	if r.ContractAddress == "" || r.TokenID == "" {
		return apperrors.NewInvalidParameterError("key", "contractAddress and tokenId are required")
	}
	if r.Marketplace.IsListed && r.Marketplace.IsAuction {
		return apperrors.NewInvariantViolationError("isListed and isAuction are mutually exclusive", r.Key().String())
	}
	if r.LastSyncedAt.After(now) {
		return apperrors.NewInvariantViolationError("lastSyncedAt is in the future", r.Key().String())
	}
	if !r.SourceOfTruth.Valid() {
		return apperrors.NewInvalidParameterError("sourceOfTruth", fmt.Sprintf("unknown value %q", r.SourceOfTruth))
	}
	return nil
}

// CheckTransition rejects a write that would move a confirmed mint back
// to unconfirmed.
func CheckTransition(prev, next *AssetRecord) error {
	if prev != nil && prev.Mint.Confirmed && !next.Mint.Confirmed {
		return apperrors.NewInvariantViolationError("mint.confirmed cannot be unset", next.Key().String())
	}
	return nil
}

// Merge applies next over prev by identity. Scalars are last-writer-wins;
// facts the writer did not supply (owner, metadata, media, mint details,
// kind) are kept from prev. Marketplace state is always taken from next.
func Merge(prev, next *AssetRecord) *AssetRecord {
	out := next.Clone()
	if prev == nil {
		return out
	}
	if out.Owner == nil {
		out.Owner = clonePtr(prev.Owner)
	}
	if out.MetadataURI == "" {
		out.MetadataURI = prev.MetadataURI
	}
	if len(out.MediaLocators) == 0 {
		out.MediaLocators = slices.Clone(prev.MediaLocators)
	}
	if out.Kind.IsZero() {
		out.Kind = prev.Kind
	}
	if out.Mint.TransactionHash == "" {
		out.Mint.TransactionHash = prev.Mint.TransactionHash
	}
	if out.Mint.MintedAt == nil {
		out.Mint.MintedAt = clonePtr(prev.Mint.MintedAt)
	}
	return out
}

// SameContent reports whether two records hold the same facts, ignoring
// sync bookkeeping (lastSyncedAt, sourceOfTruth).
func SameContent(a, b *AssetRecord) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ContractAddress == b.ContractAddress &&
		a.TokenID == b.TokenID &&
		a.Kind == b.Kind &&
		eqPtr(a.Owner, b.Owner) &&
		a.MetadataURI == b.MetadataURI &&
		slices.Equal(a.MediaLocators, b.MediaLocators) &&
		a.Mint.TransactionHash == b.Mint.TransactionHash &&
		a.Mint.Confirmed == b.Mint.Confirmed &&
		eqTime(a.Mint.MintedAt, b.Mint.MintedAt) &&
		SameMarketplace(a.Marketplace, b.Marketplace)
}

// SameMarketplace compares two marketplace states field by field.
func SameMarketplace(a, b Marketplace) bool {
	return a.IsListed == b.IsListed &&
		a.IsAuction == b.IsAuction &&
		eqPtr(a.ListingID, b.ListingID) &&
		eqPtr(a.Price, b.Price) &&
		eqPtr(a.AuctionID, b.AuctionID) &&
		eqPtr(a.CurrentBid, b.CurrentBid) &&
		eqTime(a.EndTime, b.EndTime)
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func eqPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func eqTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
