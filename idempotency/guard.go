package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/botmarket/settlement"
)

const (
	// DefaultTTL bounds how long terminal records are kept for replay.
	DefaultTTL = 24 * time.Hour
	// DefaultPendingTimeout is how long a PENDING record may sit before it
	// is presumed stuck (crashed worker) and force-failed.
	DefaultPendingTimeout = 2 * time.Minute
	// DefaultRetryAfter is the delay hint returned with a conflict.
	DefaultRetryAfter = 5 * time.Second
)

// Key builds the idempotency key for one settlement attempt.
func Key(chainID, jobID uint64) string {
	return fmt.Sprintf("%d:%d", chainID, jobID)
}

// Handler runs the guarded work and returns the serialized response to
// cache. It executes at most once per attempt episode.
type Handler func(ctx context.Context) ([]byte, error)

// Outcome is the guard's result: the response bytes and whether they were
// replayed from a prior COMPLETED record.
type Outcome struct {
	Response []byte
	Cached   bool
}

// Guard wraps handlers with execute-once semantics per key.
type Guard struct {
	store          Store
	ttl            time.Duration
	pendingTimeout time.Duration
	retryAfter     time.Duration
	clock          settlement.Clock
	log            *slog.Logger
}

// Option customizes a Guard.
type Option func(*Guard)

// WithTTL sets the retention window for terminal records.
func WithTTL(ttl time.Duration) Option {
	return func(g *Guard) { g.ttl = ttl }
}

// WithPendingTimeout sets the stuck-PENDING threshold.
func WithPendingTimeout(d time.Duration) Option {
	return func(g *Guard) { g.pendingTimeout = d }
}

// WithClock injects a clock for tests.
func WithClock(c settlement.Clock) Option {
	return func(g *Guard) { g.clock = c }
}

// WithLogger sets the guard's logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.log = l }
}

// NewGuard creates a Guard over the given store.
func NewGuard(store Store, opts ...Option) *Guard {
	g := &Guard{
		store:          store,
		ttl:            DefaultTTL,
		pendingTimeout: DefaultPendingTimeout,
		retryAfter:     DefaultRetryAfter,
		clock:          settlement.SystemClock{},
		log:            slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Do executes handler at most once for key. Behavior by record state:
//
//   - absent: insert PENDING (atomic; the insert race loser gets the same
//     conflict as the in-flight branch), run handler, mark COMPLETED or
//     FAILED, return the fresh result.
//   - PENDING younger than the timeout: conflict with a retry delay hint.
//   - PENDING older than the timeout: force FAILED (STUCK_TIMEOUT), then
//     treat as FAILED.
//   - FAILED: delete and re-enter as absent.
//   - COMPLETED: return the stored response verbatim, handler not invoked.
//
// Once the handler starts it runs to a terminal conclusion; ctx
// cancellation by an abandoned caller does not stop the underlying work.
func (g *Guard) Do(ctx context.Context, key, requestHash, manifestHash string, handler Handler) (*Outcome, error) {
	// The loop re-reads after FAILED cleanup; bounded so a pathological
	// store cannot spin us forever.
	for attempt := 0; attempt < 3; attempt++ {
		rec, err := g.store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("idempotency lookup for %s: %w", key, err)
		}

		if rec == nil {
			return g.runFresh(ctx, key, requestHash, manifestHash, handler)
		}

		switch rec.Status {
		case StatusCompleted:
			return &Outcome{Response: rec.Response, Cached: true}, nil

		case StatusPending:
			age := g.clock.Now().Sub(rec.CreatedAt)
			if age < g.pendingTimeout {
				return nil, g.conflictError(key)
			}
			// The owning worker is presumed dead; force a terminal state
			// so the caller's retry can proceed.
			g.log.Warn("forcing stuck pending record to failed",
				"key", key, "age", age.String())
			if err := g.store.MarkFailed(ctx, key, settlement.ErrCodeStuckTimeout,
				"attempt exceeded pending timeout"); err != nil {
				return nil, fmt.Errorf("force-failing stuck record %s: %w", key, err)
			}
			fallthrough

		case StatusFailed:
			if err := g.store.Delete(ctx, key); err != nil {
				return nil, fmt.Errorf("clearing failed record %s: %w", key, err)
			}
			continue

		default:
			return nil, fmt.Errorf("idempotency record %s has unknown status %q", key, rec.Status)
		}
	}
	return nil, g.conflictError(key)
}

func (g *Guard) runFresh(ctx context.Context, key, requestHash, manifestHash string, handler Handler) (*Outcome, error) {
	now := g.clock.Now()
	rec := &Record{
		Key:          key,
		Status:       StatusPending,
		RequestHash:  requestHash,
		ManifestHash: manifestHash,
		CreatedAt:    now,
		UpdatedAt:    now,
		TTLExpiresAt: now.Add(g.ttl),
	}
	if err := g.store.InsertPending(ctx, rec); err != nil {
		if err == ErrDuplicateKey {
			// Lost the insert race; same signal as the PENDING branch.
			return nil, g.conflictError(key)
		}
		return nil, fmt.Errorf("inserting pending record %s: %w", key, err)
	}

	response, herr := handler(ctx)
	if herr != nil {
		pe := settlement.AsPipelineError(herr)
		if err := g.store.MarkFailed(ctx, key, pe.Code, pe.Message); err != nil {
			g.log.Error("failed to mark idempotency record failed",
				"key", key, "error", err)
		}
		return nil, herr
	}

	if err := g.store.MarkCompleted(ctx, key, response); err != nil {
		// The work succeeded; a bookkeeping failure must not hide the
		// result from the caller. The stuck PENDING record will be
		// force-failed by a later attempt.
		g.log.Error("failed to mark idempotency record completed",
			"key", key, "error", err)
	}
	return &Outcome{Response: response, Cached: false}, nil
}

func (g *Guard) conflictError(key string) error {
	return &settlement.PipelineError{
		Code:       settlement.ErrCodeInFlight,
		Message:    "an attempt for this key is already processing",
		Class:      settlement.ClassConflict,
		Details:    map[string]any{"idempotencyKey": key},
		RetryAfter: g.retryAfter,
	}
}

// Status returns the record projection for key, or (nil, nil) if absent.
func (g *Guard) Status(ctx context.Context, key string) (*Record, error) {
	return g.store.Get(ctx, key)
}

// ReapExpired removes terminal records past their TTL.
func (g *Guard) ReapExpired(ctx context.Context) (int64, error) {
	return g.store.ReapExpired(ctx, g.clock.Now())
}
