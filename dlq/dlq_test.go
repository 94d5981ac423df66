package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestBackoffDoubles(t *testing.T) {
	base := 30 * time.Second
	prev := Backoff(base, 0)
	if prev != base {
		t.Fatalf("expected first delay %v, got %v", base, prev)
	}
	for i := 1; i <= DefaultMaxRetries; i++ {
		d := Backoff(base, i)
		if d != prev*2 {
			t.Fatalf("attempt %d: expected %v, got %v", i, prev*2, d)
		}
		prev = d
	}
}

func TestFailureTypeRetryable(t *testing.T) {
	retryable := []FailureType{TypeUploadFail, TypeTransactionFail, TypeDisputeFail, TypeIdempotencyConflict}
	for _, ft := range retryable {
		if !ft.Retryable() {
			t.Errorf("%s should be retryable", ft)
		}
	}
	terminal := []FailureType{TypeHashMismatch, TypeValidationFail, TypeSchemaFail}
	for _, ft := range terminal {
		if ft.Retryable() {
			t.Errorf("%s should not be retryable", ft)
		}
	}
}

func TestMemoryStore_DueFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	// Oldest first: enqueue newer before older and expect order flipped.
	newer := &Event{Type: TypeTransactionFail, Reason: "rpc timeout", CreatedAt: now, NextRetryAt: now}
	older := &Event{Type: TypeUploadFail, Reason: "s3 503", CreatedAt: now.Add(-time.Hour), NextRetryAt: now}
	notDue := &Event{Type: TypeTransactionFail, Reason: "rpc timeout", CreatedAt: now, NextRetryAt: now.Add(time.Hour)}
	manual := &Event{Type: TypeHashMismatch, Reason: "digest drift", CreatedAt: now.Add(-2 * time.Hour), NextRetryAt: now}

	newerID, _ := store.Enqueue(ctx, newer)
	olderID, _ := store.Enqueue(ctx, older)
	store.Enqueue(ctx, notDue)
	store.Enqueue(ctx, manual)

	due, err := store.Due(ctx, now, DefaultMaxRetries, 10)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due events, got %d", len(due))
	}
	if due[0].ID != olderID || due[1].ID != newerID {
		t.Fatalf("expected order [%d %d], got [%d %d]", olderID, newerID, due[0].ID, due[1].ID)
	}
}

func TestMemoryStore_MarkRetryingBacksOff(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()
	base := 30 * time.Second

	id, err := store.Enqueue(ctx, &Event{Type: TypeTransactionFail, Reason: "nonce gap", CreatedAt: now, NextRetryAt: now})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	prev := now
	for attempt := 1; attempt <= 3; attempt++ {
		if err := store.MarkRetrying(ctx, id, now, base); err != nil {
			t.Fatalf("MarkRetrying: %v", err)
		}
		ev, err := store.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if ev.RetryCount != attempt {
			t.Fatalf("attempt %d: retry count %d", attempt, ev.RetryCount)
		}
		if !ev.NextRetryAt.After(prev) {
			t.Fatalf("attempt %d: next retry %v not after %v", attempt, ev.NextRetryAt, prev)
		}
		want := now.Add(Backoff(base, attempt))
		if !ev.NextRetryAt.Equal(want) {
			t.Fatalf("attempt %d: next retry %v, want %v", attempt, ev.NextRetryAt, want)
		}
		prev = ev.NextRetryAt
	}
}

func TestMemoryStore_ExpireStuck(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	id, _ := store.Enqueue(ctx, &Event{Type: TypeTransactionFail, Reason: "reverted", CreatedAt: now, NextRetryAt: now})
	fresh, _ := store.Enqueue(ctx, &Event{Type: TypeUploadFail, Reason: "s3 503", CreatedAt: now, NextRetryAt: now})
	for i := 0; i < DefaultMaxRetries; i++ {
		store.MarkRetrying(ctx, id, now, time.Second)
	}

	n, err := store.ExpireStuck(ctx, now, DefaultMaxRetries)
	if err != nil {
		t.Fatalf("ExpireStuck: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired, got %d", n)
	}
	ev, _ := store.Get(ctx, id)
	if !ev.Resolved() || ev.ResolutionType != ResolutionExpired {
		t.Fatalf("expected EXPIRED resolution, got %+v", ev)
	}
	if ev2, _ := store.Get(ctx, fresh); ev2.Resolved() {
		t.Fatal("fresh event should not be expired")
	}
}

func TestReplayer_RetrySucceeds(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	payload, _ := json.Marshal(map[string]any{"jobId": 7})
	id, _ := store.Enqueue(ctx, &Event{
		Type:        TypeTransactionFail,
		Payload:     payload,
		Reason:      "rpc timeout",
		Metadata:    Metadata{JobID: "7", ServiceType: "delivery"},
		CreatedAt:   now,
		NextRetryAt: now,
	})

	var calls int
	replay := func(ctx context.Context, ev *Event) error {
		calls++
		if calls == 1 {
			return errors.New("still down")
		}
		return nil
	}
	r := NewReplayer(store, replay, WithBaseBackoff(time.Second))

	// First tick fails; event stays unresolved with one retry consumed.
	r.Tick(ctx, now)
	ev, _ := store.Get(ctx, id)
	if ev.Resolved() || ev.RetryCount != 1 {
		t.Fatalf("after first tick: resolved=%v retries=%d", ev.Resolved(), ev.RetryCount)
	}

	// Second tick after the backoff window succeeds and resolves it.
	r.Tick(ctx, ev.NextRetryAt.Add(time.Second))
	ev, _ = store.Get(ctx, id)
	if !ev.Resolved() || ev.ResolutionType != ResolutionRetrySucceeded {
		t.Fatalf("after second tick: %+v", ev)
	}
	if calls != 2 {
		t.Fatalf("expected 2 replay calls, got %d", calls)
	}
}

func TestReplayer_SkipsManualTypes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	id, _ := store.Enqueue(ctx, &Event{
		Type: TypeHashMismatch, Reason: "digest drift",
		CreatedAt: now, NextRetryAt: now,
	})

	var calls int
	r := NewReplayer(store, func(ctx context.Context, ev *Event) error {
		calls++
		return nil
	})
	r.Tick(ctx, now.Add(time.Hour))

	if calls != 0 {
		t.Fatalf("hash mismatch should never be replayed, got %d calls", calls)
	}
	ev, _ := store.Get(ctx, id)
	if ev.Resolved() || ev.RetryCount != 0 {
		t.Fatalf("event should await manual resolution, got %+v", ev)
	}

	// Manual resolution closes it.
	if err := store.Resolve(ctx, id, now, ResolutionManual, "re-uploaded by operator"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	ev, _ = store.Get(ctx, id)
	if ev.ResolutionType != ResolutionManual || ev.ResolutionNotes == "" {
		t.Fatalf("expected manual resolution, got %+v", ev)
	}
}

func TestReplayer_ReaperHook(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	var reaped bool
	r := NewReplayer(store, func(ctx context.Context, ev *Event) error { return nil },
		WithReaper(func(ctx context.Context, now time.Time) (int64, error) {
			reaped = true
			return 3, nil
		}))
	r.Tick(ctx, time.Now().UTC())
	if !reaped {
		t.Fatal("reaper hook not invoked")
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	store.Enqueue(ctx, &Event{Type: TypeTransactionFail, Reason: "a", CreatedAt: now, NextRetryAt: now})
	store.Enqueue(ctx, &Event{Type: TypeTransactionFail, Reason: "b", CreatedAt: now, NextRetryAt: now.Add(time.Hour)})
	store.Enqueue(ctx, &Event{Type: TypeHashMismatch, Reason: "c", CreatedAt: now, NextRetryAt: now})
	resolved, _ := store.Enqueue(ctx, &Event{Type: TypeUploadFail, Reason: "d", CreatedAt: now, NextRetryAt: now})
	store.Resolve(ctx, resolved, now, ResolutionManual, "done")

	st, err := store.Stats(ctx, now, DefaultMaxRetries)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Total != 4 || st.Unresolved != 3 {
		t.Fatalf("total=%d unresolved=%d", st.Total, st.Unresolved)
	}
	if st.ByType[TypeTransactionFail] != 2 || st.ByType[TypeHashMismatch] != 1 {
		t.Fatalf("by type: %+v", st.ByType)
	}
	if st.PendingRetry != 2 {
		t.Fatalf("pending retry: %d", st.PendingRetry)
	}
}
