package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SyncTask is a request to reconcile one asset or one collection. Tasks
// are transient and never persisted.
type SyncTask struct {
	ID              string     `json:"id"`
	ContractAddress string     `json:"contractAddress"`
	TokenID         string     `json:"tokenId,omitempty"`
	ListingID       string     `json:"listingId,omitempty"`
	TransactionHash string     `json:"transactionHash,omitempty"`
	Reason          SyncReason `json:"reason"`
	TriggeredAt     time.Time  `json:"triggeredAt"`
}

// NewSyncTask builds a task with a fresh id.
func NewSyncTask(reason SyncReason, contract, tokenID string, now time.Time) SyncTask {
	return SyncTask{
		ID:              uuid.NewString(),
		ContractAddress: strings.ToLower(contract),
		TokenID:         tokenID,
		Reason:          reason,
		TriggeredAt:     now,
	}
}

// Validate checks that the task carries what its reason requires.
func (t SyncTask) Validate() error {
	if !t.Reason.Valid() {
		return fmt.Errorf("unknown sync reason %q", t.Reason)
	}
	if t.ContractAddress == "" {
		return fmt.Errorf("sync task %s: contract address is required", t.ID)
	}
	if t.Reason == ReasonListingEvent && t.TokenID == "" && t.ListingID == "" {
		return fmt.Errorf("sync task %s: listing event needs a token id or listing id", t.ID)
	}
	return nil
}

// SyncReport summarizes the actions taken by one reconciliation run.
type SyncReport struct {
	TaskID          string     `json:"taskId"`
	Reason          SyncReason `json:"reason"`
	ContractAddress string     `json:"contractAddress"`
	Created         int        `json:"created"`
	Updated         int        `json:"updated"`
	Cleared         int        `json:"cleared"`
	Unresolved      int        `json:"unresolved"`
	UnresolvedKeys  []string   `json:"unresolvedKeys,omitempty"`
	Pages           int        `json:"pages,omitempty"`
	MintedOnChain   string     `json:"mintedOnChain,omitempty"`
	StoredCount     int64      `json:"storedCount,omitempty"`
	StartedAt       time.Time  `json:"startedAt"`
	FinishedAt      time.Time  `json:"finishedAt"`
}

// NewSyncReport starts a report for a task.
func NewSyncReport(task SyncTask, now time.Time) *SyncReport {
	return &SyncReport{
		TaskID:          task.ID,
		Reason:          task.Reason,
		ContractAddress: task.ContractAddress,
		StartedAt:       now,
	}
}

// MarkUnresolved records a key whose authoritative data could not be read.
func (r *SyncReport) MarkUnresolved(key AssetKey) {
	r.Unresolved++
	r.UnresolvedKeys = append(r.UnresolvedKeys, key.String())
}

// Add folds another report's counters into r.
func (r *SyncReport) Add(other *SyncReport) {
	if other == nil {
		return
	}
	r.Created += other.Created
	r.Updated += other.Updated
	r.Cleared += other.Cleared
	r.Unresolved += other.Unresolved
	r.UnresolvedKeys = append(r.UnresolvedKeys, other.UnresolvedKeys...)
}

// Actions is the number of writes the run performed.
func (r *SyncReport) Actions() int {
	return r.Created + r.Updated + r.Cleared
}

// Fields renders the report for structured logging.
func (r *SyncReport) Fields() map[string]interface{} {
	return map[string]interface{}{
		"task_id":    r.TaskID,
		"reason":     string(r.Reason),
		"contract":   r.ContractAddress,
		"created":    r.Created,
		"updated":    r.Updated,
		"cleared":    r.Cleared,
		"unresolved": r.Unresolved,
		"pages":      r.Pages,
		"duration":   r.FinishedAt.Sub(r.StartedAt).String(),
	}
}
