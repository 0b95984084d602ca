package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/valyala/fastjson"

	"trafficgw/internal/server/background"
	"trafficgw/internal/server/queue"
	"trafficgw/pkg/model"
)

const (
	MsgQueued        = "Traffic successfully queued for processing"
	MsgCaptured      = "Traffic captured successfully"
	msgBatchRequired = "batchData is required and must not be empty"
	msgIngestError   = "Error ingesting data: "
)

type Result struct {
	Success   bool
	Message   string
	Processed int
}

type LegacyResult struct {
	Success  bool
	Message  string
	Captured bool
}

// Service schedules validated traffic onto the queue adapter. It holds no
// per-request state.
type Service struct {
	adapter *queue.Adapter
	tasks   *background.Group
	parsers fastjson.ParserPool
	log     *slog.Logger
}

func NewService(adapter *queue.Adapter, tasks *background.Group, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{adapter: adapter, tasks: tasks, log: log}
}

// IngestData re-checks the batch, then enqueues it in the background and
// returns without waiting for the send. A failed Result is a caller-side
// rejection; an item that cannot be inspected fails the whole batch the
// same way. The error return is reserved for faults outside the batch.
func (s *Service) IngestData(ctx context.Context, batch []json.RawMessage) (Result, error) {
	if len(batch) == 0 {
		return Result{Message: msgBatchRequired}, nil
	}

	p := s.parsers.Get()
	defer s.parsers.Put(p)
	for i, item := range batch {
		v, err := p.ParseBytes(item)
		if err != nil {
			return s.itemFault(i, err), nil
		}
		ok, err := hasBatchItemFields(v)
		if err != nil {
			return s.itemFault(i, err), nil
		}
		if !ok {
			return Result{Message: MsgBatchItemFields}, nil
		}
	}

	records := make([]any, len(batch))
	for i, item := range batch {
		records[i] = item
	}
	s.tasks.Go(ctx, "ingest_data", func(ctx context.Context) {
		s.adapter.Send(ctx, records)
	})

	return Result{Success: true, Message: MsgQueued, Processed: len(batch)}, nil
}

func (s *Service) itemFault(i int, err error) Result {
	err = fmt.Errorf("batchData[%d]: %w", i, err)
	s.log.Warn("ingest_data", "error", err)
	return Result{Message: msgIngestError + err.Error()}
}

// IngestDataDeprecated enqueues a single legacy record as a one-item batch.
// A missing queue binding is reported synchronously.
func (s *Service) IngestDataDeprecated(ctx context.Context, rec model.LegacyRecord) LegacyResult {
	if !s.adapter.Configured() {
		s.log.Error("ingest_data_deprecated", "error", queue.ErrNotConfigured)
		return LegacyResult{Message: msgIngestError + queue.ErrNotConfigured.Error()}
	}

	records := []any{rec}
	s.tasks.Go(ctx, "ingest_data_deprecated", func(ctx context.Context) {
		s.adapter.Send(ctx, records)
	})

	return LegacyResult{Success: true, Message: MsgCaptured, Captured: true}
}
