package settlement

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorClass makes DLQ-worthiness and caller treatment explicit per failure
// branch instead of inferring it from error text.
type ErrorClass int

const (
	// ClassClient marks request faults: bad type, missing fields, bad
	// signature, controller mismatch. Never auto-retried.
	ClassClient ErrorClass = iota
	// ClassNotFound marks unknown jobs or unregistered machines.
	ClassNotFound
	// ClassRetryable marks upstream/transient faults eligible for
	// asynchronous replay with backoff.
	ClassRetryable
	// ClassFatal marks integrity faults (hash mismatch) that are never
	// auto-retried.
	ClassFatal
	// ClassConflict marks idempotency conflicts: an attempt for the same
	// key is in flight; the caller should poll and retry.
	ClassConflict
)

// Stable error codes carried in responses and idempotency records.
const (
	ErrCodeSchemaInvalid      = "schema_invalid"
	ErrCodeValidationFailed   = "validation_failed"
	ErrCodeUnknownServiceType = "unknown_service_type"
	ErrCodeMachineNotFound    = "machine_not_registered"
	ErrCodeAttemptNotFound    = "attempt_not_found"
	ErrCodeSignatureMissing   = "signature_missing"
	ErrCodeSignatureInvalid   = "signature_invalid"
	ErrCodeControllerMismatch = "controller_mismatch"
	ErrCodeUploadFailed       = "upload_failed"
	ErrCodeHashMismatch       = "hash_mismatch"
	ErrCodeTxFailed           = "transaction_failed"
	ErrCodeTxReverted         = "transaction_reverted"
	ErrCodeTxTimeout          = "transaction_timeout"
	ErrCodeInFlight           = "attempt_in_flight"
	ErrCodeStuckTimeout       = "STUCK_TIMEOUT"
	ErrCodeInternal           = "internal_error"
)

// PipelineError is the domain error threaded through the completion
// pipeline. Code is stable across releases; Details carries structured
// context for operators.
type PipelineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Class   ErrorClass     `json:"-"`
	Details map[string]any `json:"details,omitempty"`
	// RetryAfter is the suggested delay before retrying a conflict.
	RetryAfter time.Duration `json:"-"`
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus maps the error class to the response status per the API
// contract: 400 client, 404 not found, 202 conflict, 502 upstream/fatal.
func (e *PipelineError) HTTPStatus() int {
	switch e.Class {
	case ClassClient:
		return http.StatusBadRequest
	case ClassNotFound:
		return http.StatusNotFound
	case ClassConflict:
		return http.StatusAccepted
	case ClassRetryable, ClassFatal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewPipelineError creates a pipeline error with the given class and code.
func NewPipelineError(class ErrorClass, code, message string, details map[string]any) *PipelineError {
	return &PipelineError{Code: code, Message: message, Class: class, Details: details}
}

// AsPipelineError extracts a *PipelineError from err, wrapping unknown
// errors as retryable internal faults so callers always get a stable code.
func AsPipelineError(err error) *PipelineError {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe
	}
	return &PipelineError{Code: ErrCodeInternal, Message: err.Error(), Class: ClassRetryable}
}

// IsRetryable reports whether err may succeed on a later attempt.
func IsRetryable(err error) bool {
	return AsPipelineError(err).Class == ClassRetryable
}

// Sentinel errors returned by external collaborators.
var (
	// ErrNotRegistered is returned by an IdentityRegistry when a machine
	// has no controller on record.
	ErrNotRegistered = errors.New("machine not registered")
	// ErrBlobNotFound is returned by a BlobStore when no manifest is
	// stored under the requested hash.
	ErrBlobNotFound = errors.New("blob not found")
)
