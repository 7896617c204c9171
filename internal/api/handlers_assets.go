package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"

	"github.com/nft-state-sync/internal/cache"
	apperrors "github.com/nft-state-sync/internal/errors"
	"github.com/nft-state-sync/internal/pipeline"
	"github.com/nft-state-sync/internal/types"
)

// assetResponse is one asset view with its provenance tag.
type assetResponse struct {
	Asset      *types.AssetRecord `json:"asset"`
	Provenance types.Provenance   `json:"provenance"`
	Stale      bool               `json:"stale"`
}

type ownerResponse struct {
	ContractAddress string           `json:"contractAddress"`
	TokenID         string           `json:"tokenId"`
	Owner           string           `json:"owner"`
	Provenance      types.Provenance `json:"provenance"`
	Stale           bool             `json:"stale"`
	CachedAt        *time.Time       `json:"cachedAt,omitempty"`
}

type ownerAssetsResponse struct {
	Wallet     string               `json:"wallet"`
	Assets     []*types.AssetRecord `json:"assets"`
	Count      int                  `json:"count"`
	Provenance types.Provenance     `json:"provenance"`
	Stale      bool                 `json:"stale"`
}

// handleGetAsset handles GET /api/assets/:contract/:tokenId
func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	key, ok := s.assetKey(w, r)
	if !ok {
		return
	}

	view := s.reads.Asset(r.Context(), key)
	if view.Value == nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "Asset not found", map[string]interface{}{
			"key":        key.String(),
			"provenance": view.Provenance,
		})
		return
	}
	respondJSON(w, http.StatusOK, assetResponse{Asset: view.Value, Provenance: view.Provenance, Stale: view.Stale})
}

// handleGetOwner handles GET /api/assets/:contract/:tokenId/owner
func (s *Server) handleGetOwner(w http.ResponseWriter, r *http.Request) {
	key, ok := s.assetKey(w, r)
	if !ok {
		return
	}

	res, err := s.reads.Owner(r.Context(), key)
	if err != nil {
		if apperrors.IsNotFound(err) {
			respondError(w, http.StatusNotFound, ErrCodeNotFound, "Token does not exist", map[string]interface{}{"key": key.String()})
			return
		}
		if errors.Is(err, cache.ErrMiss) && apperrors.Categorize(err).StatusCode == http.StatusInternalServerError {
			respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Owner unavailable", nil)
			return
		}
		respondAppError(w, s.logger, err)
		return
	}

	body := ownerResponse{
		ContractAddress: key.ContractAddress,
		TokenID:         key.TokenID,
		Owner:           res.Value,
		Provenance:      res.Provenance,
		Stale:           res.Stale,
	}
	if !res.CachedAt.IsZero() {
		at := res.CachedAt
		body.CachedAt = &at
	}
	respondJSON(w, http.StatusOK, body)
}

// handleGetOwnerAssets handles GET /api/owners/:wallet/assets?contract=
func (s *Server) handleGetOwnerAssets(w http.ResponseWriter, r *http.Request) {
	wallet := mux.Vars(r)["wallet"]
	if !common.IsHexAddress(wallet) {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid wallet address", nil)
		return
	}
	contract := r.URL.Query().Get("contract")
	if contract != "" && !common.IsHexAddress(contract) {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid contract address", nil)
		return
	}

	view := s.reads.OwnerAssets(r.Context(), pipeline.OwnerQuery{Wallet: wallet, Contract: contract})
	assets := view.Value
	if assets == nil {
		assets = []*types.AssetRecord{}
	}
	respondJSON(w, http.StatusOK, ownerAssetsResponse{
		Wallet:     strings.ToLower(wallet),
		Assets:     assets,
		Count:      len(assets),
		Provenance: view.Provenance,
		Stale:      view.Stale,
	})
}

// assetKey parses the contract and token path variables, writing a 400 on
// failure.
func (s *Server) assetKey(w http.ResponseWriter, r *http.Request) (types.AssetKey, bool) {
	vars := mux.Vars(r)
	key, err := types.NewAssetKey(vars["contract"], vars["tokenId"])
	if err != nil {
		respondAppError(w, s.logger, err)
		return types.AssetKey{}, false
	}
	return key, true
}

func invalid(param, reason string) error {
	return apperrors.NewInvalidParameterError(param, reason)
}
