package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/nft-state-sync/internal/errors"
	"github.com/nft-state-sync/internal/types"
)

// MemoryStore is a RecordStore held in process memory. It applies the same
// merge and invariant rules as PostgresStore.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[types.AssetKey]*types.AssetRecord
	now     func() time.Time
	// failWith, when set, is returned by every call.
	failWith error
}

// NewMemoryStore creates an empty store. now defaults to time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{records: make(map[types.AssetKey]*types.AssetRecord), now: now}
}

// SetUnavailable makes every call fail with ErrStoreUnavailable until
// called with false.
func (s *MemoryStore) SetUnavailable(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if down {
		s.failWith = apperrors.NewStoreUnavailableError("memory store", nil)
	} else {
		s.failWith = nil
	}
}

// Upsert implements RecordStore.
func (s *MemoryStore) Upsert(ctx context.Context, rec *types.AssetRecord) (UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return "", s.failWith
	}
	key, err := types.NewAssetKey(rec.ContractAddress, rec.TokenID)
	if err != nil {
		return "", err
	}
	merged, result, err := planUpsert(ctx, s.records[key], rec, s.now())
	if err != nil {
		return "", err
	}
	s.records[key] = merged
	return result, nil
}

// Get implements RecordStore.
func (s *MemoryStore) Get(ctx context.Context, key types.AssetKey) (*types.AssetRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	rec, ok := s.records[key]
	if !ok {
		return nil, apperrors.NewNotFoundError("asset", key.String())
	}
	return rec.Clone(), nil
}

// Find implements RecordStore. Results are ordered by contract, then
// numerically by token id.
func (s *MemoryStore) Find(ctx context.Context, filter Filter) ([]*types.AssetRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	matched := s.match(filter.normalized())

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []*types.AssetRecord{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	out := make([]*types.AssetRecord, len(matched))
	for i, r := range matched {
		out[i] = r.Clone()
	}
	return out, nil
}

func (s *MemoryStore) match(f Filter) []*types.AssetRecord {
	var matched []*types.AssetRecord
	for _, r := range s.records {
		if f.matches(r) {
			matched = append(matched, r)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].ContractAddress != matched[j].ContractAddress {
			return matched[i].ContractAddress < matched[j].ContractAddress
		}
		return types.CompareTokenIDs(matched[i].TokenID, matched[j].TokenID) < 0
	})
	return matched
}

// Count implements RecordStore.
func (s *MemoryStore) Count(ctx context.Context, filter Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failWith != nil {
		return 0, s.failWith
	}
	return int64(len(s.match(filter.normalized()))), nil
}

// ClearMarketplace implements RecordStore.
func (s *MemoryStore) ClearMarketplace(ctx context.Context, keys []types.AssetKey) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return 0, s.failWith
	}
	now := s.now()
	cleared := 0
	for _, key := range keys {
		rec, ok := s.records[key]
		if !ok || !rec.Marketplace.Active() {
			continue
		}
		rec.Marketplace = types.Marketplace{}
		rec.LastSyncedAt = now
		rec.SourceOfTruth = types.ProvenanceChain
		cleared++
	}
	return cleared, nil
}

// Delete implements RecordStore.
func (s *MemoryStore) Delete(ctx context.Context, key types.AssetKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	if _, ok := s.records[key]; !ok {
		return apperrors.NewNotFoundError("asset", key.String())
	}
	delete(s.records, key)
	return nil
}

var _ RecordStore = (*MemoryStore)(nil)
