package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/valyala/fastjson"

	"trafficgw/internal/server/ingest"
	"trafficgw/internal/server/metrics"
	"trafficgw/pkg/model"
)

const (
	MsgInternal     = "Internal server error while processing request"
	MsgBodyTooLarge = "Request body too large"
	usageHint       = "This gateway handles /health, /api/ingestData, and /ingest-data (deprecated) endpoints"
)

// Ingestor is the part of ingest.Service the handlers depend on.
type Ingestor interface {
	IngestData(ctx context.Context, batch []json.RawMessage) (ingest.Result, error)
	IngestDataDeprecated(ctx context.Context, rec model.LegacyRecord) ingest.LegacyResult
}

type Handlers struct {
	ingestor Ingestor
	parsers  fastjson.ParserPool
	log      *slog.Logger
}

func NewHandlers(ingestor Ingestor, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{ingestor: ingestor, log: log}
}

func (h *Handlers) Health(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

func (h *Handlers) NotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "Not Found", "message": usageHint})
}

// IngestData handles POST /api/ingestData.
func (h *Handlers) IngestData(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		h.fail(c, "ingest_data", err)
		return
	}

	p := h.parsers.Get()
	defer h.parsers.Put(p)

	v, err := ingest.ParseBody(p, body)
	if err != nil {
		h.fail(c, "ingest_data", err)
		return
	}
	batch, err := ingest.ValidateBatchRequest(v)
	if err != nil {
		h.fail(c, "ingest_data", err)
		return
	}

	res, err := h.ingestor.IngestData(c.Request.Context(), batch)
	if err != nil {
		h.fail(c, "ingest_data", err)
		return
	}
	if !res.Success {
		c.JSON(http.StatusBadRequest, gin.H{"error": res.Message})
		return
	}

	metrics.RecordsAccepted.WithLabelValues("ingest_data").Add(float64(res.Processed))
	c.JSON(http.StatusOK, gin.H{"message": res.Message, "processed": res.Processed})
}

// IngestDataDeprecated handles POST /ingest-data, the single-record
// endpoint kept for older collectors.
func (h *Handlers) IngestDataDeprecated(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		h.fail(c, "ingest_data_deprecated", err)
		return
	}

	p := h.parsers.Get()
	defer h.parsers.Put(p)

	v, err := ingest.ParseBody(p, body)
	if err != nil {
		h.fail(c, "ingest_data_deprecated", err)
		return
	}
	rec, err := ingest.ValidateLegacyRequest(v)
	if err != nil {
		h.fail(c, "ingest_data_deprecated", err)
		return
	}

	res := h.ingestor.IngestDataDeprecated(c.Request.Context(), rec)
	if !res.Success {
		c.JSON(http.StatusInternalServerError, gin.H{"error": res.Message})
		return
	}

	metrics.RecordsAccepted.WithLabelValues("ingest_data_deprecated").Inc()
	c.JSON(http.StatusOK, gin.H{"message": res.Message, "captured": res.Captured})
}

// fail maps err onto the response: rejections and undecodable bodies are
// 400, oversized bodies 413, everything else the generic 500.
func (h *Handlers) fail(c *gin.Context, route string, err error) {
	if msg, ok := ingest.IsRejection(err); ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}
	var decErr *decodeError
	if errors.As(err, &decErr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": ingest.MsgInvalidJSON})
		return
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": MsgBodyTooLarge})
		return
	}
	h.log.Error("request_failed", "route", route, "request_id", c.GetString(requestIDKey), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": MsgInternal})
}

func readBody(c *gin.Context) ([]byte, error) {
	if c.Request.Body == nil {
		return nil, nil
	}
	return c.GetRawData()
}
