package types

import "time"

// ChainAsset is the authoritative view of a token read from the chain.
type ChainAsset struct {
	ContractAddress string `json:"contractAddress"`
	TokenID         string `json:"tokenId"`
	Owner           string `json:"owner"`
	MetadataURI     string `json:"metadataUri,omitempty"`
}

// Listing is one marketplace entry as reported by the marketplace contract.
// Auction entries carry IsAuction and their bid state.
type Listing struct {
	ListingID       string     `json:"listingId"`
	ContractAddress string     `json:"contractAddress"`
	TokenID         string     `json:"tokenId"`
	Seller          string     `json:"seller"`
	Price           string     `json:"price"`
	IsAuction       bool       `json:"isAuction"`
	CurrentBid      *string    `json:"currentBid,omitempty"`
	EndTime         *time.Time `json:"endTime,omitempty"`
	Active          bool       `json:"active"`
}

// Key returns the asset the listing refers to.
func (l Listing) Key() AssetKey {
	return AssetKey{ContractAddress: l.ContractAddress, TokenID: l.TokenID}
}

// Marketplace converts an active listing into the record's marketplace state.
func (l Listing) Marketplace() Marketplace {
	if !l.Active {
		return Marketplace{}
	}
	id := l.ListingID
	m := Marketplace{Price: StringPtr(l.Price)}
	if l.IsAuction {
		m.IsAuction = true
		m.AuctionID = &id
		m.CurrentBid = clonePtr(l.CurrentBid)
		m.EndTime = clonePtr(l.EndTime)
	} else {
		m.IsListed = true
		m.ListingID = &id
	}
	return m
}

// PageRequest selects a window of the active listing set.
type PageRequest struct {
	Start uint64
	Count uint64
}

// ListingPage is one page of active listings.
type ListingPage struct {
	Listings []Listing
	// Total is the size of the underlying listing index, used to plan pages.
	Total uint64
}
