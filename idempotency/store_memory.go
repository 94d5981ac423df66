package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-node
// deployments. Uniqueness is enforced under one mutex, which makes the
// insert race trivially atomic.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) InsertPending(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.Key]; exists {
		return ErrDuplicateKey
	}
	cp := *rec
	cp.Status = StatusPending
	s.records[rec.Key] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) MarkCompleted(_ context.Context, key string, response []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok {
		rec.Status = StatusCompleted
		rec.Response = response
		rec.UpdatedAt = time.Now()
	}
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, key, code, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok {
		rec.Status = StatusFailed
		rec.ErrorCode = code
		rec.ErrorMessage = message
		rec.UpdatedAt = time.Now()
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

func (s *MemoryStore) ReapExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reaped int64
	for key, rec := range s.records {
		if rec.Status != StatusPending && now.After(rec.TTLExpiresAt) {
			delete(s.records, key)
			reaped++
		}
	}
	return reaped, nil
}

var _ Store = (*MemoryStore)(nil)
