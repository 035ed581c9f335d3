package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue pushes events onto a Redis list so an out-of-process worker
// can consume them (LPUSH / BRPOP).
type RedisQueue struct {
	client *redis.Client
	key    string
	maxLen int64
	block  time.Duration // BRPOP wait per round
}

// NewRedisQueue builds a queue on key. maxLen bounds the list when no
// consumer is running; zero keeps it unbounded.
func NewRedisQueue(client *redis.Client, key string, maxLen int64) *RedisQueue {
	if key == "" {
		key = "attendance:events"
	}
	return &RedisQueue{client: client, key: key, maxLen: maxLen, block: 5 * time.Second}
}

// Publish enqueues evt.
func (q *RedisQueue) Publish(ctx context.Context, evt Event) error {
	raw, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, q.key, raw)
	if q.maxLen > 0 {
		pipe.LTrim(ctx, q.key, 0, q.maxLen-1)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Consume streams events using BRPOP until ctx is done. Malformed entries
// are skipped.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan Event, error) {
	out := make(chan Event)
	go func() {
		defer close(out)
		for {
			res, err := q.client.BRPop(ctx, q.block, q.key).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !errors.Is(err, redis.Nil) {
					// back off on connection errors
					select {
					case <-time.After(time.Second):
					case <-ctx.Done():
						return
					}
				}
				continue
			}
			if len(res) != 2 {
				continue
			}
			var evt Event
			if err := json.Unmarshal([]byte(res[1]), &evt); err != nil {
				continue
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
