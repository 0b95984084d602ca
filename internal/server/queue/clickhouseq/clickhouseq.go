package clickhouseq

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/google/uuid"

	"trafficgw/pkg/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS queue_messages (
	id          String,
	queue       LowCardinality(String),
	body        String,
	enqueued_at DateTime64(3, 'UTC')
) ENGINE = MergeTree
ORDER BY (queue, enqueued_at)`

// Queue lands messages in a ClickHouse MergeTree table. A batch is one
// prepared INSERT so ClickHouse sees a single block per Send.
type Queue struct {
	db    *sql.DB
	queue string
}

func Open(ctx context.Context, dsn, queue string) (*Queue, error) {
	db, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctxPing); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create queue table: %w", err)
	}
	return &Queue{db: db, queue: queue}, nil
}

func (q *Queue) Send(ctx context.Context, msgs []model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO queue_messages (id, queue, body, enqueued_at)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare batch: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, m := range msgs {
		if _, err := stmt.ExecContext(ctx, uuid.NewString(), q.queue, m.Body, now); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("append message: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

func (q *Queue) Close() error {
	return q.db.Close()
}
