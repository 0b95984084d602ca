package pgq

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"trafficgw/pkg/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS queue_messages (
	id          text PRIMARY KEY,
	queue       text NOT NULL,
	body        text NOT NULL,
	enqueued_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_queue_messages_queue ON queue_messages(queue, enqueued_at);
`

// Queue is an outbox table in Postgres. Consumers claim rows with
// SELECT ... FOR UPDATE SKIP LOCKED; the gateway only copies rows in.
type Queue struct {
	pool  *pgxpool.Pool
	queue string
}

func Open(ctx context.Context, url, queue string) (*Queue, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse db url: %w", err)
	}
	cfg.MaxConns = 10
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create queue table: %w", err)
	}
	return &Queue{pool: pool, queue: queue}, nil
}

func (q *Queue) Send(ctx context.Context, msgs []model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([][]any, len(msgs))
	for i, m := range msgs {
		rows[i] = []any{uuid.NewString(), q.queue, m.Body, now}
	}
	_, err := q.pool.CopyFrom(ctx,
		pgx.Identifier{"queue_messages"},
		[]string{"id", "queue", "body", "enqueued_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copy messages: %w", err)
	}
	return nil
}

func (q *Queue) Close() error {
	q.pool.Close()
	return nil
}
