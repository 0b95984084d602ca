package httpq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/klauspost/compress/gzip"

	"trafficgw/pkg/model"
)

type Options struct {
	URL     string
	Token   string
	Timeout time.Duration
	Gzip    bool
}

// Queue posts batches to a queue's HTTP push endpoint as
// {"messages":[{"body":...}]}.
type Queue struct {
	url    string
	token  string
	gzip   bool
	client *http.Client
}

type sendRequest struct {
	Messages []model.Message `json:"messages"`
}

// New builds a client. Credentials in the URL's user info are moved into a
// bearer token unless Token is set.
func New(opts Options) (*Queue, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("http queue url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("http queue url: unsupported scheme %q", u.Scheme)
	}
	token := opts.Token
	if u.User != nil {
		if token == "" {
			if p, ok := u.User.Password(); ok {
				token = p
			} else {
				token = u.User.Username()
			}
		}
		u.User = nil
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Queue{
		url:    u.String(),
		token:  token,
		gzip:   opts.Gzip,
		client: &http.Client{Timeout: opts.Timeout},
	}, nil
}

func (q *Queue) Send(ctx context.Context, msgs []model.Message) error {
	body, err := json.Marshal(sendRequest{Messages: msgs})
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	if q.gzip {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return fmt.Errorf("gzip messages: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("gzip messages: %w", err)
		}
		body = buf.Bytes()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if q.gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if q.token != "" {
		req.Header.Set("Authorization", "Bearer "+q.token)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return fmt.Errorf("post messages: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("post messages: status=%s body=%s", resp.Status, bytes.TrimSpace(b))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (q *Queue) Close() error {
	q.client.CloseIdleConnections()
	return nil
}
