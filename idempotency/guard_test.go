package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/botmarket/settlement"
)

// fakeClock lets tests age PENDING records without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestGuard_ExactlyOnceUnderConcurrency(t *testing.T) {
	guard := NewGuard(NewMemoryStore())
	key := Key(8453, 1001)

	var executions int64
	handler := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt64(&executions, 1)
		time.Sleep(10 * time.Millisecond) // widen the race window
		return []byte(`{"txHash":"0xonce"}`), nil
	}

	const callers = 12
	results := make([][]byte, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := guard.Do(context.Background(), key, "0xreq", "0xman", handler)
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = out.Response
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt64(&executions); got != 1 {
		t.Fatalf("handler executed %d times, want exactly 1", got)
	}

	// Every caller either got the identical result or a retryable conflict.
	succeeded := 0
	for i := 0; i < callers; i++ {
		switch {
		case errs[i] != nil:
			pe := settlement.AsPipelineError(errs[i])
			if pe.Code != settlement.ErrCodeInFlight {
				t.Errorf("caller %d: unexpected error %v", i, errs[i])
			}
			if pe.RetryAfter <= 0 {
				t.Errorf("caller %d: conflict without retry delay hint", i)
			}
		case string(results[i]) != `{"txHash":"0xonce"}`:
			t.Errorf("caller %d: divergent result %s", i, results[i])
		default:
			succeeded++
		}
	}
	if succeeded == 0 {
		t.Fatal("no caller observed the result")
	}

	// Conflicted callers converge once the attempt concludes.
	out, err := guard.Do(context.Background(), key, "0xreq", "0xman", handler)
	if err != nil {
		t.Fatalf("post-completion call: %v", err)
	}
	if !out.Cached || string(out.Response) != `{"txHash":"0xonce"}` {
		t.Errorf("post-completion call = cached:%v %s", out.Cached, out.Response)
	}
	if atomic.LoadInt64(&executions) != 1 {
		t.Error("post-completion call re-invoked the handler")
	}
}

func TestGuard_ReplayIgnoresBody(t *testing.T) {
	guard := NewGuard(NewMemoryStore())
	key := Key(8453, 2002)

	calls := 0
	first, err := guard.Do(context.Background(), key, "0xhash-a", "0xman-a",
		func(ctx context.Context) ([]byte, error) {
			calls++
			return []byte(`{"v":1}`), nil
		})
	if err != nil {
		t.Fatal(err)
	}
	if first.Cached {
		t.Error("first call reported cached")
	}

	// A later call with a different request hash still replays the stored
	// response without running its handler.
	replay, err := guard.Do(context.Background(), key, "0xhash-b", "0xman-b",
		func(ctx context.Context) ([]byte, error) {
			t.Error("handler invoked on replay")
			return nil, nil
		})
	if err != nil {
		t.Fatal(err)
	}
	if !replay.Cached {
		t.Error("replay not flagged cached")
	}
	if string(replay.Response) != string(first.Response) {
		t.Errorf("replay returned %s, want %s", replay.Response, first.Response)
	}
	if calls != 1 {
		t.Errorf("handler ran %d times", calls)
	}
}

func TestGuard_FailureThenRetry(t *testing.T) {
	store := NewMemoryStore()
	guard := NewGuard(store)
	key := Key(1, 3003)

	calls := 0
	boom := settlement.NewPipelineError(settlement.ClassRetryable,
		settlement.ErrCodeTxFailed, "relay unavailable", nil)

	_, err := guard.Do(context.Background(), key, "0xr", "0xm",
		func(ctx context.Context) ([]byte, error) {
			calls++
			return nil, boom
		})
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}

	rec, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || rec.Status != StatusFailed {
		t.Fatalf("record after failure = %+v, want FAILED", rec)
	}
	if rec.ErrorCode != settlement.ErrCodeTxFailed {
		t.Errorf("error code = %s", rec.ErrorCode)
	}

	// Retry re-invokes the handler exactly once more.
	out, err := guard.Do(context.Background(), key, "0xr", "0xm",
		func(ctx context.Context) ([]byte, error) {
			calls++
			return []byte(`{"ok":true}`), nil
		})
	if err != nil {
		t.Fatal(err)
	}
	if out.Cached {
		t.Error("retry reported cached")
	}
	if calls != 2 {
		t.Errorf("handler ran %d times, want 2", calls)
	}
}

func TestGuard_StuckPendingTimeout(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock()
	guard := NewGuard(store, WithClock(clock))
	key := Key(1, 4004)

	// Simulate a crashed worker: PENDING record, no owner.
	if err := store.InsertPending(context.Background(), &Record{
		Key:       key,
		CreatedAt: clock.Now(),
		UpdatedAt: clock.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	// Young PENDING: conflict.
	_, err := guard.Do(context.Background(), key, "", "", func(ctx context.Context) ([]byte, error) {
		t.Error("handler ran against live pending record")
		return nil, nil
	})
	if settlement.AsPipelineError(err).Code != settlement.ErrCodeInFlight {
		t.Fatalf("young pending: got %v, want in-flight conflict", err)
	}

	// Old PENDING: force-failed, then fresh execution.
	clock.Advance(3 * time.Minute)
	out, err := guard.Do(context.Background(), key, "", "",
		func(ctx context.Context) ([]byte, error) {
			return []byte(`{"recovered":true}`), nil
		})
	if err != nil {
		t.Fatal(err)
	}
	if out.Cached || string(out.Response) != `{"recovered":true}` {
		t.Errorf("recovery outcome = cached:%v %s", out.Cached, out.Response)
	}
}

func TestGuard_ReapSkipsPending(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock()
	guard := NewGuard(store, WithClock(clock), WithTTL(time.Hour))

	done := Key(1, 1)
	if _, err := guard.Do(context.Background(), done, "", "",
		func(ctx context.Context) ([]byte, error) { return []byte(`{}`), nil }); err != nil {
		t.Fatal(err)
	}

	pending := Key(1, 2)
	if err := store.InsertPending(context.Background(), &Record{
		Key:          pending,
		CreatedAt:    clock.Now(),
		TTLExpiresAt: clock.Now().Add(time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	clock.Advance(2 * time.Hour)
	reaped, err := guard.ReapExpired(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if reaped != 1 {
		t.Errorf("reaped %d records, want 1", reaped)
	}

	rec, _ := store.Get(context.Background(), pending)
	if rec == nil {
		t.Error("pending record was reaped")
	}
	rec, _ = store.Get(context.Background(), done)
	if rec != nil {
		t.Error("expired completed record survived reaping")
	}
}
