// Package idempotency provides a key-scoped execute-once wrapper around an
// arbitrary handler, backed by persistence. The sole concurrency-control
// point is the atomic PENDING insert: every Store implementation must offer
// insert-if-absent scoped to the idempotency key, and the loser of an
// insert race surfaces the same retryable conflict as an in-flight record.
package idempotency

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of an idempotency record.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Record tracks one settlement attempt episode for a (chain, job) key.
// At most one PENDING record exists per key; a COMPLETED record's response
// is replayed verbatim on every later call with that key.
type Record struct {
	Key          string
	Status       Status
	RequestHash  string
	ManifestHash string
	Response     []byte
	ErrorCode    string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	TTLExpiresAt time.Time
}

// ErrDuplicateKey is returned by InsertPending when a record for the key
// already exists. It is the persistence layer's uniqueness violation,
// normalized across backends.
var ErrDuplicateKey = errors.New("idempotency key already exists")

// Store persists idempotency records. Implementations must be safe for
// concurrent use and must enforce key uniqueness atomically in
// InsertPending; a check-then-insert emulation is not acceptable.
type Store interface {
	// InsertPending atomically inserts rec with status PENDING, returning
	// ErrDuplicateKey if any record for rec.Key exists.
	InsertPending(ctx context.Context, rec *Record) error

	// Get returns the record for key, or (nil, nil) if absent.
	Get(ctx context.Context, key string) (*Record, error)

	// MarkCompleted transitions the record to COMPLETED and stores the
	// serialized response for verbatim replay.
	MarkCompleted(ctx context.Context, key string, response []byte) error

	// MarkFailed transitions the record to FAILED with an error code and
	// message for status queries.
	MarkFailed(ctx context.Context, key, code, message string) error

	// Delete removes the record, permitting a fresh attempt.
	Delete(ctx context.Context, key string) error

	// ReapExpired deletes non-PENDING records whose TTL has passed and
	// returns the number removed. PENDING records are never reaped.
	ReapExpired(ctx context.Context, now time.Time) (int64, error)
}
