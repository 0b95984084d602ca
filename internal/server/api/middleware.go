package api

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"trafficgw/internal/server/metrics"
)

const (
	requestIDKey    = "request_id"
	requestIDHeader = "X-Request-ID"
)

// NewRouter wires the gateway routes and middleware onto a fresh engine.
func NewRouter(h *Handlers, log *slog.Logger, maxBodyBytes int64) *gin.Engine {
	r := gin.New()
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.Use(RequestID(), AccessLog(log), Recovery(log), Decompress(), BodyLimit(maxBodyBytes))

	r.GET("/health", h.Health)
	r.HEAD("/health", h.Health)
	r.POST("/api/ingestData", h.IngestData)
	r.POST("/ingest-data", h.IngestDataDeprecated)
	// HandleMethodNotAllowed stays off, so a known path with the wrong
	// method lands here too.
	r.NoRoute(h.NotFound)
	return r
}

func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func AccessLog(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.RequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
		log.Info("http_request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"latency", time.Since(start),
			"request_id", c.GetString(requestIDKey),
		)
	}
}

// Recovery turns a panic into the generic 500 body.
func Recovery(log *slog.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.Error("handler_panic", "path", c.Request.URL.Path, "panic", fmt.Sprint(recovered), "request_id", c.GetString(requestIDKey))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": MsgInternal})
	})
}

type decodeError struct {
	err error
}

func (e *decodeError) Error() string { return "decode request body: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

// Decompress transparently inflates gzip request bodies. Corrupt input
// surfaces as a *decodeError when the handler reads the body.
func Decompress() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !strings.EqualFold(strings.TrimSpace(c.GetHeader("Content-Encoding")), "gzip") || c.Request.Body == nil {
			c.Next()
			return
		}
		orig := c.Request.Body
		zr, err := gzip.NewReader(orig)
		if err != nil {
			c.Request.Body = &gzipBody{err: &decodeError{err: err}, orig: orig}
		} else {
			c.Request.Body = &gzipBody{zr: zr, orig: orig}
		}
		c.Request.Header.Del("Content-Encoding")
		c.Request.ContentLength = -1
		c.Next()
	}
}

type gzipBody struct {
	zr   *gzip.Reader
	orig io.ReadCloser
	err  error
}

func (b *gzipBody) Read(p []byte) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	n, err := b.zr.Read(p)
	if err != nil && err != io.EOF {
		return n, &decodeError{err: err}
	}
	return n, err
}

func (b *gzipBody) Close() error {
	if b.zr != nil {
		_ = b.zr.Close()
	}
	return b.orig.Close()
}

// BodyLimit caps the decoded request body; non-positive disables the cap.
func BodyLimit(max int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if max > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, max)
		}
		c.Next()
	}
}
