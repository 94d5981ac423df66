package dlq

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-process
// deployments.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	events map[int64]*Event
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1, events: make(map[int64]*Event)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Enqueue(ctx context.Context, ev *Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *ev
	cp.ID = s.nextID
	s.nextID++
	if cp.NextRetryAt.IsZero() {
		cp.NextRetryAt = cp.CreatedAt.Add(Backoff(DefaultBaseBackoff, 0))
	}
	s.events[cp.ID] = &cp
	return cp.ID, nil
}

func (s *MemoryStore) Get(ctx context.Context, id int64) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *ev
	return &cp, nil
}

func (s *MemoryStore) Due(ctx context.Context, now time.Time, max, limit int) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Event
	for _, ev := range s.events {
		if ev.Resolved() || !ev.Type.Retryable() || ev.RetryCount >= max || ev.NextRetryAt.After(now) {
			continue
		}
		cp := *ev
		due = append(due, &cp)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) MarkRetrying(ctx context.Context, id int64, now time.Time, base time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[id]
	if !ok {
		return ErrEventNotFound
	}
	ev.RetryCount++
	t := now
	ev.LastRetryAt = &t
	ev.NextRetryAt = now.Add(Backoff(base, ev.RetryCount))
	return nil
}

func (s *MemoryStore) Resolve(ctx context.Context, id int64, now time.Time, rt ResolutionType, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[id]
	if !ok {
		return ErrEventNotFound
	}
	t := now
	ev.ResolvedAt = &t
	ev.ResolutionType = rt
	ev.ResolutionNotes = notes
	return nil
}

func (s *MemoryStore) ExpireStuck(ctx context.Context, now time.Time, max int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired int64
	for _, ev := range s.events {
		if ev.Resolved() || ev.RetryCount < max {
			continue
		}
		t := now
		ev.ResolvedAt = &t
		ev.ResolutionType = ResolutionExpired
		ev.ResolutionNotes = "retry limit reached"
		expired++
	}
	return expired, nil
}

func (s *MemoryStore) Stats(ctx context.Context, now time.Time, max int) (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := &Stats{ByType: make(map[FailureType]int64)}
	for _, ev := range s.events {
		st.Total++
		st.ByType[ev.Type]++
		if ev.Resolved() {
			continue
		}
		st.Unresolved++
		if ev.RetryCount >= max {
			st.Exceeded++
		} else if !ev.NextRetryAt.After(now) {
			st.PendingRetry++
		}
	}
	return st, nil
}
