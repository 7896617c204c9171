// Package adapter reads authoritative NFT and marketplace state from the
// chain. Implementations perform no internal retries; callers own the
// retry policy.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	apperrors "github.com/nft-state-sync/internal/errors"
	"github.com/nft-state-sync/internal/types"
)

// ChainSource is the read (and relay) surface of the authoritative chain.
//
// Every method returns an error wrapping apperrors.ErrChainUnavailable on
// network, timeout, or RPC failure, and apperrors.ErrNotFound when the
// chain positively reports that the entity does not exist.
type ChainSource interface {
	// GetAsset returns the current owner and metadata URI of a token.
	GetAsset(ctx context.Context, contract, tokenID string) (*types.ChainAsset, error)

	// GetListing returns a direct listing by id, active or not.
	GetListing(ctx context.Context, marketplace, listingID string) (*types.Listing, error)

	// GetAuction returns an auction by id, active or not.
	GetAuction(ctx context.Context, marketplace, auctionID string) (*types.Listing, error)

	// GetAllActiveListings returns one page of valid direct listings,
	// optionally filtered to one asset contract.
	GetAllActiveListings(ctx context.Context, marketplace, contractFilter string, page types.PageRequest) (*types.ListingPage, error)

	// GetAllActiveAuctions returns one page of valid auctions.
	GetAllActiveAuctions(ctx context.Context, marketplace, contractFilter string, page types.PageRequest) (*types.ListingPage, error)

	// GetMintedCount returns the number of tokens minted by a contract.
	GetMintedCount(ctx context.Context, contract string) (*big.Int, error)

	// RelayTransaction submits an already-signed raw transaction and
	// returns its hash.
	RelayTransaction(ctx context.Context, rawTx []byte) (string, error)
}

// AdapterError wraps errors with the operation that produced them.
type AdapterError struct {
	Chain   string
	Op      string
	Err     error
	Details map[string]interface{}
}

func (e *AdapterError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("chain source error [%s:%s]: %v (details: %+v)", e.Chain, e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("chain source error [%s:%s]: %v", e.Chain, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewAdapterError classifies err and wraps it with operation context.
func NewAdapterError(chain, op string, err error, details map[string]interface{}) *AdapterError {
	return &AdapterError{Chain: chain, Op: op, Err: classify(op, err, details), Details: details}
}

// classify maps a raw client error onto the error taxonomy. A revert is
// the chain's definitive answer that the token or listing does not exist.
func classify(op string, err error, details map[string]interface{}) error {
	var catErr *apperrors.CategorizedError
	if errors.As(err, &catErr) {
		return err
	}
	if isRevert(err) {
		id := ""
		if v, ok := details["id"].(string); ok {
			id = v
		}
		nf := apperrors.NewNotFoundError(op, id)
		nf.Cause = err
		return nf
	}
	return apperrors.NewChainUnavailableError(op, err)
}

func isRevert(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "execution reverted") ||
		strings.Contains(s, "nonexistent token") ||
		strings.Contains(s, "invalid token id") ||
		strings.Contains(s, "invalid listing")
}

// shouldFailover reports whether the current endpoint should be put in
// cooldown after err.
func shouldFailover(err error) bool {
	if err == nil || isRevert(err) {
		return false
	}
	if IsRateLimitError(err) {
		return true
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "timeout") ||
		strings.Contains(s, "deadline exceeded") ||
		strings.Contains(s, "connection refused") ||
		strings.Contains(s, "connection reset") ||
		strings.Contains(s, "no such host") ||
		strings.Contains(s, "eof")
}
