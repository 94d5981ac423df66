// Package dlq is the durable record of completion-pipeline failures.
// Every non-success branch of the pipeline enqueues an event here before
// surfacing an error, so operational visibility never depends on caller
// retry behavior. Retryable events are replayed with exponential backoff
// until resolved, exhausted, or manually closed.
package dlq

import (
	"encoding/json"
	"time"
)

// FailureType categorizes why a completion report failed to settle.
type FailureType string

const (
	TypeHashMismatch        FailureType = "HASH_MISMATCH"
	TypeUploadFail          FailureType = "UPLOAD_FAIL"
	TypeSchemaFail          FailureType = "SCHEMA_FAIL"
	TypeTransactionFail     FailureType = "TX_FAIL"
	TypeDisputeFail         FailureType = "DISPUTE_FAIL"
	TypeValidationFail      FailureType = "VALIDATION_FAIL"
	TypeIdempotencyConflict FailureType = "IDEMPOTENCY_CONFLICT"
)

// nonRetryable lists the failure types that fail identically on every
// attempt: hash mismatches indicate corruption, and validation or schema
// failures are deterministic. These wait for manual resolution instead
// of automatic replay.
var nonRetryable = []FailureType{TypeHashMismatch, TypeValidationFail, TypeSchemaFail}

// Retryable reports whether events of this type may be replayed.
func (t FailureType) Retryable() bool {
	for _, nt := range nonRetryable {
		if t == nt {
			return false
		}
	}
	return true
}

// ResolutionType records how an event reached a terminal state.
type ResolutionType string

const (
	ResolutionRetrySucceeded ResolutionType = "RETRY_SUCCEEDED"
	ResolutionManual         ResolutionType = "MANUAL"
	ResolutionExpired        ResolutionType = "EXPIRED"
)

// Metadata carries the searchable context of a failure.
type Metadata struct {
	ConnectorType string `json:"connectorType,omitempty"`
	ServiceType   string `json:"serviceType,omitempty"`
	JobID         string `json:"jobId,omitempty"`
	ManifestHash  string `json:"manifestHash,omitempty"`
}

// Event is one recorded pipeline failure. Retry eligibility:
// unresolved, retry_count < max, now >= next_retry_at.
type Event struct {
	ID        int64           `json:"id"`
	Type      FailureType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Reason    string          `json:"reason"`
	ErrorCode string          `json:"errorCode,omitempty"`
	// ErrorStack preserves the wrapped error chain text for operators.
	ErrorStack string `json:"errorStack,omitempty"`

	RetryCount  int        `json:"retryCount"`
	NextRetryAt time.Time  `json:"nextRetryAt"`
	LastRetryAt *time.Time `json:"lastRetryAt,omitempty"`

	ResolvedAt      *time.Time     `json:"resolvedAt,omitempty"`
	ResolutionType  ResolutionType `json:"resolutionType,omitempty"`
	ResolutionNotes string         `json:"resolutionNotes,omitempty"`

	Metadata  Metadata  `json:"metadata"`
	CreatedAt time.Time `json:"createdAt"`
}

// Resolved reports whether the event has reached a terminal state.
func (e *Event) Resolved() bool { return e.ResolvedAt != nil }

// Stats summarizes queue health for operators.
type Stats struct {
	Total        int64                 `json:"total"`
	Unresolved   int64                 `json:"unresolved"`
	PendingRetry int64                 `json:"pendingRetry"`
	Exceeded     int64                 `json:"exceeded"`
	ByType       map[FailureType]int64 `json:"byType"`
}
