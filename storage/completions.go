package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/botmarket/settlement"
)

// MemoryCompletionStore is an in-memory CompletionStore.
type MemoryCompletionStore struct {
	mu   sync.RWMutex
	recs map[[2]uint64]*settlement.CompletionRecord
}

var _ settlement.CompletionStore = (*MemoryCompletionStore)(nil)

// NewMemoryCompletionStore creates an empty store.
func NewMemoryCompletionStore() *MemoryCompletionStore {
	return &MemoryCompletionStore{recs: make(map[[2]uint64]*settlement.CompletionRecord)}
}

func (s *MemoryCompletionStore) Upsert(ctx context.Context, rec *settlement.CompletionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	s.recs[[2]uint64{rec.ChainID, rec.JobID}] = &cp
	return nil
}

func (s *MemoryCompletionStore) Get(ctx context.Context, chainID, jobID uint64) (*settlement.CompletionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.recs[[2]uint64{chainID, jobID}]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryCompletionStore) Recent(ctx context.Context, limit int) ([]*settlement.CompletionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*settlement.CompletionRecord, 0, len(s.recs))
	for _, rec := range s.recs {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
