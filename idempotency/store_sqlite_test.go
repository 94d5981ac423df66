package idempotency

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	// A single connection keeps :memory: stable across the pool.
	db.SetMaxOpenConns(1)

	store, err := NewSQLStore(db)
	require.NoError(t, err)
	return store
}

func TestSQLStore_InsertUniqueness(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := &Record{Key: "8453:1", RequestHash: "0xr", CreatedAt: now, UpdatedAt: now, TTLExpiresAt: now.Add(time.Hour)}
	require.NoError(t, store.InsertPending(ctx, rec))

	err := store.InsertPending(ctx, rec)
	require.ErrorIs(t, err, ErrDuplicateKey)
}

func TestSQLStore_InsertRace(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	const racers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners, dups := 0, 0

	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func() {
			defer wg.Done()
			err := store.InsertPending(ctx, &Record{
				Key: "race:1", CreatedAt: now, UpdatedAt: now, TTLExpiresAt: now.Add(time.Hour),
			})
			mu.Lock()
			defer mu.Unlock()
			switch err {
			case nil:
				winners++
			case ErrDuplicateKey:
				dups++
			default:
				t.Errorf("unexpected insert error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, winners, "exactly one racer must win the insert")
	require.Equal(t, racers-1, dups)
}

func TestSQLStore_Lifecycle(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	key := "8453:42"
	require.NoError(t, store.InsertPending(ctx, &Record{
		Key: key, RequestHash: "0xreq", ManifestHash: "0xman",
		CreatedAt: now, UpdatedAt: now, TTLExpiresAt: now.Add(time.Hour),
	}))

	rec, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, StatusPending, rec.Status)
	require.Equal(t, "0xman", rec.ManifestHash)

	require.NoError(t, store.MarkCompleted(ctx, key, []byte(`{"ok":true}`)))
	rec, err = store.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, rec.Status)
	require.JSONEq(t, `{"ok":true}`, string(rec.Response))

	require.NoError(t, store.Delete(ctx, key))
	rec, err = store.Get(ctx, key)
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestSQLStore_MarkFailedAndReap(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Terminal expired record: reaped.
	require.NoError(t, store.InsertPending(ctx, &Record{
		Key: "a", CreatedAt: now, UpdatedAt: now, TTLExpiresAt: now.Add(-time.Minute),
	}))
	require.NoError(t, store.MarkFailed(ctx, "a", "transaction_failed", "relay down"))

	// Pending expired record: never reaped.
	require.NoError(t, store.InsertPending(ctx, &Record{
		Key: "b", CreatedAt: now, UpdatedAt: now, TTLExpiresAt: now.Add(-time.Minute),
	}))

	rec, err := store.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, rec.Status)
	require.Equal(t, "transaction_failed", rec.ErrorCode)
	require.Equal(t, "relay down", rec.ErrorMessage)

	reaped, err := store.ReapExpired(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.EqualValues(t, 1, reaped)

	rec, err = store.Get(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, rec, "pending record must survive reaping")
}
