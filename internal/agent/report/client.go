package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"trafficgw/pkg/model"
)

const ingestPath = "/api/ingestData"

// Client buffers traffic records and posts them to the gateway in
// gzip-encoded batches.
type Client struct {
	url       string
	client    *http.Client
	batchSize int
	log       *slog.Logger

	mu      sync.Mutex
	pending []model.TrafficRecord
}

// ingestResponse covers both gateway bodies: {message, processed} on
// success and {error} otherwise.
type ingestResponse struct {
	Message   string `json:"message"`
	Processed int    `json:"processed"`
	Error     string `json:"error"`
}

// NewClient targets server, a base URL such as http://gateway:8080.
func NewClient(server string, timeout time.Duration, batchSize int, log *slog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(server, "/"))
	if err != nil {
		return nil, fmt.Errorf("server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url: unsupported scheme %q", u.Scheme)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		url:       u.String() + ingestPath,
		client:    &http.Client{Timeout: timeout},
		batchSize: batchSize,
		log:       log,
	}, nil
}

// Add buffers rec and flushes once the batch is full.
func (c *Client) Add(ctx context.Context, rec model.TrafficRecord) error {
	c.mu.Lock()
	c.pending = append(c.pending, rec)
	full := len(c.pending) >= c.batchSize
	c.mu.Unlock()
	if full {
		return c.Flush(ctx)
	}
	return nil
}

// Flush posts whatever is buffered. A failed batch is dropped; capture
// keeps going.
func (c *Client) Flush(ctx context.Context) error {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	return c.Upload(ctx, batch)
}

func (c *Client) Upload(ctx context.Context, batch []model.TrafficRecord) error {
	body, err := encode(model.IngestDataRequest{BatchData: batch})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %d records: %w", len(batch), err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var out ingestResponse
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode/100 != 2 {
		if out.Error != "" {
			return fmt.Errorf("post %d records: status=%s: %s", len(batch), resp.Status, out.Error)
		}
		return fmt.Errorf("post %d records: status=%s", len(batch), resp.Status)
	}
	c.log.Debug("batch reported", "records", len(batch), "processed", out.Processed)
	return nil
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(v); err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress batch: %w", err)
	}
	return buf.Bytes(), nil
}
