package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"

	"github.com/nft-state-sync/internal/types"
	"github.com/nft-state-sync/internal/worker"
)

// syncListingRequest is the body of POST /api/sync/listing.
type syncListingRequest struct {
	TransactionHash string `json:"transactionHash"`
	TokenID         string `json:"tokenId"`
	ContractAddress string `json:"contractAddress"`
	ListingID       string `json:"listingId,omitempty"`
}

// syncAccepted is the 202 body of every sync trigger.
type syncAccepted struct {
	TaskID    string           `json:"taskId"`
	Duplicate bool             `json:"duplicate,omitempty"`
	Reason    types.SyncReason `json:"reason"`
}

// handleSyncListing handles POST /api/sync/listing - queue a listing event
func (s *Server) handleSyncListing(w http.ResponseWriter, r *http.Request) {
	var req syncListingRequest
	if err := parseJSONBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	task, err := s.listingTask(req.ContractAddress, req.TokenID, req.ListingID, req.TransactionHash)
	if err != nil {
		respondAppError(w, s.logger, err)
		return
	}
	s.enqueue(w, r, task)
}

// handleSyncCollection handles POST /api/sync/collections/:contract - queue a manual sync
func (s *Server) handleSyncCollection(w http.ResponseWriter, r *http.Request) {
	contract := mux.Vars(r)["contract"]
	if !common.IsHexAddress(contract) {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid contract address", nil)
		return
	}
	s.enqueue(w, r, types.NewSyncTask(types.ReasonManualSync, contract, "", s.now()))
}

// listingTask validates listing event input and builds the task.
func (s *Server) listingTask(contract, tokenID, listingID, txHash string) (types.SyncTask, error) {
	if !common.IsHexAddress(contract) {
		return types.SyncTask{}, invalid("contractAddress", "not a hex address")
	}
	if tokenID == "" && listingID == "" {
		return types.SyncTask{}, invalid("tokenId", "tokenId or listingId is required")
	}
	if tokenID != "" {
		key, err := types.NewAssetKey(contract, tokenID)
		if err != nil {
			return types.SyncTask{}, err
		}
		tokenID = key.TokenID
	}
	if listingID != "" {
		id, err := types.NormalizeTokenID(listingID)
		if err != nil {
			return types.SyncTask{}, invalid("listingId", err.Error())
		}
		listingID = id
	}
	if txHash != "" && !isTxHash(txHash) {
		return types.SyncTask{}, invalid("transactionHash", "not a 32-byte hex hash")
	}

	task := types.NewSyncTask(types.ReasonListingEvent, contract, tokenID, s.now())
	task.ListingID = listingID
	task.TransactionHash = strings.ToLower(txHash)
	return task, nil
}

// enqueue submits a task and writes the 202, or the rejection.
func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, task types.SyncTask) {
	ticket, err := worker.Submit(r.Context(), s.queue, s.metrics, task)
	if errors.Is(err, worker.ErrQueueFull) {
		w.Header().Set("Retry-After", "5")
		respondError(w, http.StatusServiceUnavailable, ErrCodeQueueFull, "Sync queue is full, retry later", nil)
		return
	}
	if err != nil {
		respondAppError(w, s.logger, err)
		return
	}

	s.logger.WithFields(map[string]interface{}{
		"task_id":   ticket.TaskID,
		"reason":    string(task.Reason),
		"contract":  task.ContractAddress,
		"token_id":  task.TokenID,
		"duplicate": ticket.Duplicate,
	}).Info("Sync task accepted")
	respondJSON(w, http.StatusAccepted, syncAccepted{TaskID: ticket.TaskID, Duplicate: ticket.Duplicate, Reason: task.Reason})
}

// isTxHash accepts a 0x-prefixed 32-byte hex hash in either case.
func isTxHash(h string) bool {
	b, err := hexutil.Decode(h)
	return err == nil && len(b) == common.HashLength
}
