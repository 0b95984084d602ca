package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"trafficgw/internal/server/metrics"
	"trafficgw/pkg/model"
)

// Binding is the external queue handle. Send submits all messages in one
// call; implementations must be safe for concurrent use.
type Binding interface {
	Send(ctx context.Context, msgs []model.Message) error
	Close() error
}

var ErrNotConfigured = errors.New("queue binding is not configured")

// Adapter turns records into queue messages and hands them to the binding.
// Delivery is best effort: Send never reports failures to its caller.
type Adapter struct {
	binding Binding
	log     *slog.Logger
}

func NewAdapter(b Binding, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{binding: b, log: log}
}

func (a *Adapter) Configured() bool {
	return a != nil && a.binding != nil
}

// Send serializes every record to JSON and submits the list. Errors are
// logged and absorbed.
func (a *Adapter) Send(ctx context.Context, records []any) {
	if len(records) == 0 {
		return
	}
	if err := a.send(ctx, records); err != nil {
		metrics.QueueMessages.WithLabelValues("failed").Add(float64(len(records)))
		a.log.Error("queue_send_failed", "messages", len(records), "error", err)
	}
}

func (a *Adapter) send(ctx context.Context, records []any) error {
	if !a.Configured() {
		return ErrNotConfigured
	}
	msgs, err := Encode(records)
	if err != nil {
		return err
	}

	a.log.Info("queue_send", "messages", len(msgs))
	if a.log.Enabled(ctx, slog.LevelDebug) {
		for i, m := range msgs {
			a.log.Debug("queue_message", "index", i, "body", m.Body)
		}
	}

	start := time.Now()
	err = a.binding.Send(ctx, msgs)
	metrics.QueueSendSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	metrics.QueueMessages.WithLabelValues("sent").Add(float64(len(msgs)))
	a.log.Info("queue_sent", "messages", len(msgs))
	return nil
}

// Encode builds one message per record. json.RawMessage records are
// forwarded as received, compacted.
func Encode(records []any) ([]model.Message, error) {
	msgs := make([]model.Message, 0, len(records))
	for i, r := range records {
		b, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("encode record %d: %w", i, err)
		}
		msgs = append(msgs, model.Message{Body: string(b)})
	}
	return msgs, nil
}

// Memory keeps messages in process. It backs memory:// references.
type Memory struct {
	mu   sync.Mutex
	msgs []model.Message
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Send(ctx context.Context, msgs []model.Message) error {
	m.mu.Lock()
	m.msgs = append(m.msgs, msgs...)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Messages() []model.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Message, len(m.msgs))
	copy(out, m.msgs)
	return out
}

func (m *Memory) Close() error {
	return nil
}
