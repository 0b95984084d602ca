package duckdbq

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/marcboeker/go-duckdb"

	"trafficgw/pkg/model"
)

// Spool appends messages to a DuckDB file, which doubles as an ad-hoc
// analytics copy of the captured traffic.
type Spool struct {
	db    *sql.DB
	ins   *sql.Stmt
	queue string
}

func Open(path, queue string) (*Spool, error) {
	if path == "" {
		path = "./traffic-spool.duckdb"
	}
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	s := &Spool{db: db, queue: queue}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Spool) init() error {
	ddl := `
CREATE TABLE IF NOT EXISTS queue_messages (
	id          VARCHAR PRIMARY KEY,
	queue       VARCHAR NOT NULL,
	body        VARCHAR NOT NULL,
	enqueued_at TIMESTAMP NOT NULL
);`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("create spool table: %w", err)
	}

	stmt, err := s.db.Prepare(`INSERT INTO queue_messages (id, queue, body, enqueued_at) VALUES (?, ?, ?, ?);`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	s.ins = stmt
	return nil
}

func (s *Spool) Send(ctx context.Context, msgs []model.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	stmt := tx.StmtContext(ctx, s.ins)
	now := time.Now().UTC()
	for _, m := range msgs {
		if _, err := stmt.ExecContext(ctx, uuid.NewString(), s.queue, m.Body, now); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert message: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Spool) Peek(ctx context.Context, limit int) ([]model.SpooledMessage, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, queue, body, enqueued_at
FROM queue_messages
WHERE queue = ?
ORDER BY enqueued_at DESC
LIMIT ?;
`, s.queue, limit)
	if err != nil {
		return nil, fmt.Errorf("query spool: %w", err)
	}
	defer rows.Close()

	out := make([]model.SpooledMessage, 0, limit)
	for rows.Next() {
		var m model.SpooledMessage
		if err := rows.Scan(&m.ID, &m.Queue, &m.Body, &m.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("scan spool row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate spool: %w", err)
	}
	return out, nil
}

func (s *Spool) Close() error {
	var firstErr error
	if s.ins != nil {
		if err := s.ins.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
