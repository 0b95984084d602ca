package redisq

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"trafficgw/pkg/model"
)

// Queue pushes message bodies onto a Redis list. Consumers pop from the
// head, so RPUSH keeps per-call order.
type Queue struct {
	rdb *redis.Client
	key string
}

func New(rdb *redis.Client, key string) *Queue {
	return &Queue{rdb: rdb, key: key}
}

// Open parses a redis:// or rediss:// URL and checks the server is
// reachable.
func Open(ctx context.Context, rawURL, key string) (*Queue, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(rdb, key), nil
}

func (q *Queue) Send(ctx context.Context, msgs []model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	vals := make([]any, len(msgs))
	for i, m := range msgs {
		vals[i] = m.Body
	}
	if err := q.rdb.RPush(ctx, q.key, vals...).Err(); err != nil {
		return fmt.Errorf("redis rpush %s: %w", q.key, err)
	}
	return nil
}

func (q *Queue) Close() error {
	return q.rdb.Close()
}
