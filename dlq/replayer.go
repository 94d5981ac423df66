package dlq

import (
	"context"
	"log/slog"
	"time"
)

// ReplayFunc re-executes the failed operation recorded in ev. A nil
// error resolves the event; a non-nil error leaves it scheduled for the
// next backoff window.
type ReplayFunc func(ctx context.Context, ev *Event) error

// Replayer drives retryable dead-letter events through periodic replay.
type Replayer struct {
	store    Store
	replay   ReplayFunc
	interval time.Duration
	batch    int
	max      int
	base     time.Duration
	log      *slog.Logger

	// reap, when set, runs once per tick for piggybacked maintenance
	// such as idempotency-record expiry.
	reap func(ctx context.Context, now time.Time) (int64, error)
}

// ReplayerOption configures a Replayer.
type ReplayerOption func(*Replayer)

// WithInterval sets the tick interval.
func WithInterval(d time.Duration) ReplayerOption {
	return func(r *Replayer) { r.interval = d }
}

// WithBatchSize caps how many events are replayed per tick.
func WithBatchSize(n int) ReplayerOption {
	return func(r *Replayer) { r.batch = n }
}

// WithMaxRetries overrides the retry limit.
func WithMaxRetries(n int) ReplayerOption {
	return func(r *Replayer) { r.max = n }
}

// WithBaseBackoff overrides the base backoff delay.
func WithBaseBackoff(d time.Duration) ReplayerOption {
	return func(r *Replayer) { r.base = d }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) ReplayerOption {
	return func(r *Replayer) { r.log = log }
}

// WithReaper registers a maintenance hook run once per tick.
func WithReaper(fn func(ctx context.Context, now time.Time) (int64, error)) ReplayerOption {
	return func(r *Replayer) { r.reap = fn }
}

// NewReplayer creates a Replayer over store using replay.
func NewReplayer(store Store, replay ReplayFunc, opts ...ReplayerOption) *Replayer {
	r := &Replayer{
		store:    store,
		replay:   replay,
		interval: time.Minute,
		batch:    25,
		max:      DefaultMaxRetries,
		base:     DefaultBaseBackoff,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run ticks until ctx is cancelled.
func (r *Replayer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx, time.Now().UTC())
		}
	}
}

// Tick performs one maintenance pass: expire exhausted events, reap if
// configured, then replay everything due. Exposed for tests and manual
// operator triggers.
func (r *Replayer) Tick(ctx context.Context, now time.Time) {
	if n, err := r.store.ExpireStuck(ctx, now, r.max); err != nil {
		r.log.Error("dlq expire pass failed", "error", err)
	} else if n > 0 {
		r.log.Warn("dlq events expired after retry limit", "count", n)
	}

	if r.reap != nil {
		if n, err := r.reap(ctx, now); err != nil {
			r.log.Error("reaper pass failed", "error", err)
		} else if n > 0 {
			r.log.Info("expired records reaped", "count", n)
		}
	}

	due, err := r.store.Due(ctx, now, r.max, r.batch)
	if err != nil {
		r.log.Error("dlq due query failed", "error", err)
		return
	}
	for _, ev := range due {
		r.replayOne(ctx, ev, now)
	}
}

func (r *Replayer) replayOne(ctx context.Context, ev *Event, now time.Time) {
	// Count the attempt before running it so a crash mid-replay still
	// consumes a retry.
	if err := r.store.MarkRetrying(ctx, ev.ID, now, r.base); err != nil {
		r.log.Error("dlq mark retrying failed", "id", ev.ID, "error", err)
		return
	}

	if err := r.replay(ctx, ev); err != nil {
		r.log.Warn("dlq replay attempt failed",
			"id", ev.ID, "type", ev.Type, "jobId", ev.Metadata.JobID,
			"attempt", ev.RetryCount+1, "error", err)
		return
	}

	if err := r.store.Resolve(ctx, ev.ID, now, ResolutionRetrySucceeded, ""); err != nil {
		r.log.Error("dlq resolve failed", "id", ev.ID, "error", err)
		return
	}
	r.log.Info("dlq event replayed",
		"id", ev.ID, "type", ev.Type, "jobId", ev.Metadata.JobID)
}
