// Package storage provides content-addressed manifest blob stores. Keys
// are keccak digests so a stored object can always be re-verified
// against its address.
package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/botmarket/settlement"
)

// MemoryBlobStore is an in-memory BlobStore for tests and dry runs.
type MemoryBlobStore struct {
	mu      sync.RWMutex
	blobs   map[string][]byte
	urlBase string
}

var _ settlement.BlobStore = (*MemoryBlobStore)(nil)

// NewMemoryBlobStore creates an empty store. urlBase prefixes returned
// URLs, e.g. "mem://manifests".
func NewMemoryBlobStore(urlBase string) *MemoryBlobStore {
	return &MemoryBlobStore{
		blobs:   make(map[string][]byte),
		urlBase: strings.TrimSuffix(urlBase, "/"),
	}
}

func (s *MemoryBlobStore) Store(ctx context.Context, hash string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]byte, len(data))
	copy(cp, data)
	s.blobs[hash] = cp
	return s.URLFor(hash), nil
}

func (s *MemoryBlobStore) Retrieve(ctx context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.blobs[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", settlement.ErrBlobNotFound, hash)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (s *MemoryBlobStore) URLFor(hash string) string {
	return s.urlBase + "/" + hash + ".json"
}

// Corrupt overwrites a stored blob in place. Test hook for exercising
// hash verification paths.
func (s *MemoryBlobStore) Corrupt(hash string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[hash] = data
}
