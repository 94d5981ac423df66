package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/botmarket/settlement"
	"github.com/botmarket/settlement/dlq"
)

// replayEnvelope is the DLQ payload format: the original request body
// plus the routing context needed to re-run it.
type replayEnvelope struct {
	ChainID uint64          `json:"chainId"`
	Mode    settlement.Mode `json:"mode,omitempty"`
	Body    json.RawMessage `json:"body"`
}

// ReplayFunc adapts the pipeline for the DLQ replayer: a replayed event
// re-enters ProcessCompletion with its original body and routing. The
// idempotency guard makes re-entry safe; a key that settled in the
// meantime replays its cached response and the event resolves.
func (p *Pipeline) ReplayFunc() dlq.ReplayFunc {
	return func(ctx context.Context, ev *dlq.Event) error {
		var env replayEnvelope
		if err := json.Unmarshal(ev.Payload, &env); err != nil {
			return fmt.Errorf("dlq event %d payload does not decode: %w", ev.ID, err)
		}
		_, err := p.ProcessCompletion(ctx, env.Body, Options{
			ChainID:     env.ChainID,
			Mode:        env.Mode,
			suppressDLQ: true,
		})
		return err
	}
}
