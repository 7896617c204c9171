package api

import (
	"context"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"

	"github.com/nft-state-sync/internal/gateway"
	"github.com/nft-state-sync/internal/storage"
	"github.com/nft-state-sync/internal/types"
	"github.com/nft-state-sync/internal/worker"
)

type mintedResponse struct {
	ContractAddress string `json:"contractAddress"`
	Minted          string `json:"minted"`
	Stored          int64  `json:"stored"`
	Missing         string `json:"missing"`
}

type mediaResponse struct {
	URI string `json:"uri"`
	gateway.Resolution
}

type relayRequest struct {
	RawTransaction  string `json:"rawTransaction"`
	ContractAddress string `json:"contractAddress,omitempty"`
	TokenID         string `json:"tokenId,omitempty"`
	ListingID       string `json:"listingId,omitempty"`
}

type relayResponse struct {
	TransactionHash string `json:"transactionHash"`
	TaskID          string `json:"taskId,omitempty"`
}

// handleGetMinted handles GET /api/collections/:contract/minted - compare
// the chain's minted count with the stored records
func (s *Server) handleGetMinted(w http.ResponseWriter, r *http.Request) {
	contract := mux.Vars(r)["contract"]
	if !common.IsHexAddress(contract) {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid contract address", nil)
		return
	}
	key, _ := types.NewAssetKey(contract, "0")

	ctx, cancel := context.WithTimeout(r.Context(), s.config.ChainTimeout)
	defer cancel()

	minted, err := s.chain.GetMintedCount(ctx, key.ContractAddress)
	if err != nil {
		respondAppError(w, s.logger, err)
		return
	}
	stored, err := s.store.Count(ctx, storage.Filter{ContractAddress: key.ContractAddress})
	if err != nil {
		respondAppError(w, s.logger, err)
		return
	}

	missing := new(big.Int).Sub(minted, big.NewInt(stored))
	if missing.Sign() < 0 {
		missing.SetInt64(0)
	}
	respondJSON(w, http.StatusOK, mintedResponse{
		ContractAddress: key.ContractAddress,
		Minted:          minted.String(),
		Stored:          stored,
		Missing:         missing.String(),
	})
}

// handleResolveMedia handles GET /api/media?uri= - resolve a metadata
// locator through the gateway list
func (s *Server) handleResolveMedia(w http.ResponseWriter, r *http.Request) {
	uri := r.URL.Query().Get("uri")
	if uri == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "uri query parameter required", nil)
		return
	}
	res := s.media.Resolve(r.Context(), uri)
	respondJSON(w, http.StatusOK, mediaResponse{URI: uri, Resolution: res})
}

// handleRelayTransaction handles POST /api/transactions/relay - submit a
// signed transaction, then queue a listing sync for the token it touches
func (s *Server) handleRelayTransaction(w http.ResponseWriter, r *http.Request) {
	var req relayRequest
	if err := parseJSONBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	raw, err := hexutil.Decode(req.RawTransaction)
	if err != nil || len(raw) == 0 {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "rawTransaction must be 0x-prefixed hex", nil)
		return
	}

	var task *types.SyncTask
	if req.ContractAddress != "" {
		t, err := s.listingTask(req.ContractAddress, req.TokenID, req.ListingID, "")
		if err != nil {
			respondAppError(w, s.logger, err)
			return
		}
		task = &t
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.ChainTimeout)
	defer cancel()
	hash, err := s.chain.RelayTransaction(ctx, raw)
	if err != nil {
		respondAppError(w, s.logger, err)
		return
	}

	body := relayResponse{TransactionHash: hash}
	if task != nil {
		task.TransactionHash = hash
		ticket, err := worker.Submit(r.Context(), s.queue, s.metrics, *task)
		if err != nil {
			s.logger.WithError(err).WithField("tx_hash", hash).Warn("Relayed transaction but failed to queue sync")
		} else {
			body.TaskID = ticket.TaskID
		}
	}
	respondJSON(w, http.StatusAccepted, body)
}
