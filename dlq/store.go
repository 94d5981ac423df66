package dlq

import (
	"context"
	"errors"
	"time"
)

const (
	// DefaultMaxRetries is how many replay attempts an event gets before
	// it is expired.
	DefaultMaxRetries = 5
	// DefaultBaseBackoff is the delay before the first retry; each
	// subsequent retry doubles it.
	DefaultBaseBackoff = 30 * time.Second
)

// ErrEventNotFound is returned when an event ID does not exist.
var ErrEventNotFound = errors.New("dlq: event not found")

// Backoff returns the delay before retry attempt retryCount+1.
func Backoff(base time.Duration, retryCount int) time.Duration {
	return base << uint(retryCount)
}

// Store persists dead-letter events.
type Store interface {
	// Enqueue records a new failure and returns its assigned ID. The
	// event's first retry is scheduled at CreatedAt + base backoff.
	Enqueue(ctx context.Context, ev *Event) (int64, error)

	// Get returns the event with the given ID, or ErrEventNotFound.
	Get(ctx context.Context, id int64) (*Event, error)

	// Due returns up to limit unresolved retryable events whose
	// next_retry_at has passed and whose retry count is below max,
	// oldest first. Non-retryable types never appear here; they stay
	// queued until resolved manually.
	Due(ctx context.Context, now time.Time, max, limit int) ([]*Event, error)

	// MarkRetrying increments the retry count, stamps last_retry_at, and
	// schedules the next attempt with exponential backoff. Called before
	// the replay is attempted so a crash mid-replay is not a free retry.
	MarkRetrying(ctx context.Context, id int64, now time.Time, base time.Duration) error

	// Resolve moves an event to a terminal state.
	Resolve(ctx context.Context, id int64, now time.Time, rt ResolutionType, notes string) error

	// ExpireStuck resolves events that exhausted their retries as
	// EXPIRED and returns how many were closed.
	ExpireStuck(ctx context.Context, now time.Time, max int) (int64, error)

	// Stats reports queue counters.
	Stats(ctx context.Context, now time.Time, max int) (*Stats, error)
}
