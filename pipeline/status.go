package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/botmarket/settlement"
	"github.com/botmarket/settlement/dlq"
	"github.com/botmarket/settlement/idempotency"
)

// StatusResponse projects the settlement state of one (chain, job) key.
type StatusResponse struct {
	IdempotencyKey string          `json:"idempotencyKey"`
	Status         string          `json:"status"`
	ErrorCode      string          `json:"errorCode,omitempty"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
	Response       json.RawMessage `json:"response,omitempty"`
	UpdatedAt      time.Time       `json:"updatedAt"`

	Completion *settlement.CompletionRecord `json:"completion,omitempty"`
}

// Status reports the current state of a settlement attempt. Unknown
// keys produce a not-found error for the transport layer to map.
func (p *Pipeline) Status(ctx context.Context, chainID, jobID uint64) (*StatusResponse, error) {
	key := idempotency.Key(chainID, jobID)
	rec, err := p.guard.Status(ctx, key)
	if err != nil {
		return nil, settlement.NewPipelineError(settlement.ClassRetryable, settlement.ErrCodeInternal,
			fmt.Sprintf("status lookup for %s: %v", key, err), nil)
	}
	if rec == nil {
		return nil, settlement.NewPipelineError(settlement.ClassNotFound, settlement.ErrCodeAttemptNotFound,
			fmt.Sprintf("no settlement attempt recorded for %s", key), nil)
	}

	resp := &StatusResponse{
		IdempotencyKey: key,
		Status:         string(rec.Status),
		ErrorCode:      rec.ErrorCode,
		ErrorMessage:   rec.ErrorMessage,
		UpdatedAt:      rec.UpdatedAt,
	}
	if rec.Status == idempotency.StatusCompleted {
		resp.Response = json.RawMessage(rec.Response)
	}

	if p.feed != nil {
		completion, err := p.feed.Get(ctx, chainID, jobID)
		if err != nil {
			p.log.Error("completion feed lookup failed",
				"chainId", chainID, "jobId", jobID, "error", err)
		} else {
			resp.Completion = completion
		}
	}
	return resp, nil
}

// RecentCompletions returns the newest settled completions, up to limit.
func (p *Pipeline) RecentCompletions(ctx context.Context, limit int) ([]*settlement.CompletionRecord, error) {
	if p.feed == nil {
		return nil, nil
	}
	return p.feed.Recent(ctx, limit)
}

// DLQStats reports dead-letter queue counters.
func (p *Pipeline) DLQStats(ctx context.Context) (*dlq.Stats, error) {
	if p.events == nil {
		return &dlq.Stats{ByType: map[dlq.FailureType]int64{}}, nil
	}
	return p.events.Stats(ctx, p.clock.Now().UTC(), dlq.DefaultMaxRetries)
}
