// Package record persists terminal call outcomes to redis.
package record

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ringline/ringline/internal/domain"
)

const outcomeTTL = 30 * 24 * time.Hour

// Redis implements core.Recorder. One JSON blob per call keyed by
// callId, plus a per-participant history list for statistics queries.
type Redis struct {
	rdb *redis.Client
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func (r *Redis) RecordOutcome(ctx context.Context, o domain.Outcome) error {
	b, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal outcome %s: %w", o.CallID, err)
	}

	pipe := r.rdb.TxPipeline()
	key := fmt.Sprintf("call:%s", o.CallID)
	pipe.Set(ctx, key, b, outcomeTTL)
	pipe.RPush(ctx, fmt.Sprintf("calls:%s", o.Caller), o.CallID.String())
	pipe.RPush(ctx, fmt.Sprintf("calls:%s", o.Receiver), o.CallID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record outcome %s: %w", o.CallID, err)
	}
	return nil
}
