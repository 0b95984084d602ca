package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/olekukonko/tablewriter"
	"github.com/schollz/progressbar/v3"

	serverapp "trafficgw/internal/server/app"
	"trafficgw/pkg/model"
)

const (
	ingestPath       = "/api/ingestData"
	legacyIngestPath = "/ingest-data"
)

// Result is the outcome of one POST.
type Result struct {
	Batch   int
	Records int
	Status  int
	Message string
	Err     error
}

type Summary struct {
	Results []Result
	Sent    int
	Failed  int
}

type response struct {
	Message   string `json:"message"`
	Processed int    `json:"processed"`
	Error     string `json:"error"`
}

// Send replays the records in cfg.File against the gateway.
func Send(ctx context.Context, cfg SendConfig) (Summary, error) {
	base, err := url.Parse(strings.TrimRight(cfg.Server, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") {
		return Summary{}, fmt.Errorf("invalid server url %q", cfg.Server)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}

	f, err := os.Open(cfg.File)
	if err != nil {
		return Summary{}, fmt.Errorf("open records: %w", err)
	}
	defer f.Close()
	records, err := readRecords(f)
	if err != nil {
		return Summary{}, err
	}
	if len(records) == 0 {
		return Summary{}, errors.New("no records in " + cfg.File)
	}

	var bar *progressbar.ProgressBar
	if cfg.Progress != nil {
		bar = progressbar.NewOptions(len(records),
			progressbar.OptionSetDescription("sending"),
			progressbar.OptionSetWriter(cfg.Progress),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionClearOnFinish(),
		)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	var sum Summary
	post := func(n int, path string, body []byte, count int) {
		r := postJSON(ctx, client, base.String()+path, body)
		r.Batch, r.Records = n, count
		if r.Err == nil && r.Status/100 == 2 {
			sum.Sent += count
		} else {
			sum.Failed += count
		}
		sum.Results = append(sum.Results, r)
		if bar != nil {
			_ = bar.Add(count)
		}
	}

	if cfg.Legacy {
		for i, rec := range records {
			post(i+1, legacyIngestPath, rec, 1)
		}
	} else {
		for i, n := 0, 1; i < len(records); i, n = i+cfg.BatchSize, n+1 {
			end := min(i+cfg.BatchSize, len(records))
			body, err := json.Marshal(map[string][]json.RawMessage{"batchData": records[i:end]})
			if err != nil {
				return sum, fmt.Errorf("encode batch %d: %w", n, err)
			}
			post(n, ingestPath, body, end-i)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}

	renderResults(cfg.Out, sum)
	return sum, nil
}

func postJSON(ctx context.Context, client *http.Client, target string, body []byte) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return Result{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return Result{Err: err, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var out response
	if err := json.Unmarshal(raw, &out); err == nil && out.Error != "" {
		out.Message = out.Error
	} else if err != nil || out.Message == "" {
		out.Message = strings.TrimSpace(string(raw))
	}
	return Result{Status: resp.StatusCode, Message: out.Message}
}

// readRecords accepts either a JSON array or one JSON value per line.
func readRecords(r io.Reader) ([]json.RawMessage, error) {
	br := bufio.NewReader(r)
	for {
		b, err := br.Peek(1)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil
			}
			return nil, fmt.Errorf("read records: %w", err)
		}
		if b[0] == ' ' || b[0] == '\t' || b[0] == '\r' || b[0] == '\n' {
			_, _ = br.ReadByte()
			continue
		}
		if b[0] == '[' {
			var out []json.RawMessage
			if err := json.NewDecoder(br).Decode(&out); err != nil {
				return nil, fmt.Errorf("decode record array: %w", err)
			}
			return out, nil
		}
		break
	}

	var out []json.RawMessage
	sc := bufio.NewScanner(br)
	sc.Buffer(make([]byte, 0, 64<<10), 16<<20)
	line := 0
	for sc.Scan() {
		line++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}
		if !json.Valid(text) {
			return nil, fmt.Errorf("line %d: invalid JSON", line)
		}
		out = append(out, json.RawMessage(append([]byte(nil), text...)))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}
	return out, nil
}

func renderResults(w io.Writer, sum Summary) {
	t := tablewriter.NewWriter(w)
	t.SetHeader([]string{"Batch", "Records", "Status", "Message"})
	t.SetAutoWrapText(false)
	t.SetRowLine(false)
	for _, r := range sum.Results {
		status := strconv.Itoa(r.Status)
		if r.Err != nil {
			status = "error"
		}
		t.Append([]string{strconv.Itoa(r.Batch), strconv.Itoa(r.Records), status, r.Message})
	}
	t.SetFooter([]string{"", strconv.Itoa(sum.Sent + sum.Failed), "failed", strconv.Itoa(sum.Failed)})
	t.Render()
}

type peeker interface {
	Peek(ctx context.Context, limit int) ([]model.SpooledMessage, error)
}

// Spool prints the newest messages held by a local spool binding.
func Spool(ctx context.Context, cfg SpoolConfig) error {
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.QueueName == "" {
		cfg.QueueName = serverapp.DefaultQueueName
	}
	if !strings.HasPrefix(cfg.QueueURL, "sqlite://") && !strings.HasPrefix(cfg.QueueURL, "duckdb://") {
		return fmt.Errorf("spool: %q is not a sqlite:// or duckdb:// binding", cfg.QueueURL)
	}

	b, err := serverapp.OpenBinding(ctx, serverapp.QueueConfig{URL: cfg.QueueURL, Name: cfg.QueueName})
	if err != nil {
		return err
	}
	defer b.Close()
	p, ok := b.(peeker)
	if !ok {
		return fmt.Errorf("spool: binding %T cannot be inspected", b)
	}
	rows, err := p.Peek(ctx, cfg.Limit)
	if err != nil {
		return err
	}
	renderSpool(cfg.Out, rows)
	return nil
}

func renderSpool(w io.Writer, rows []model.SpooledMessage) {
	t := tablewriter.NewWriter(w)
	t.SetHeader([]string{"Enqueued", "ID", "Queue", "Body"})
	t.SetAutoWrapText(false)
	t.SetRowLine(false)
	for _, r := range rows {
		t.Append([]string{r.EnqueuedAt.Format(time.RFC3339Nano), r.ID, r.Queue, truncate(r.Body, 96)})
	}
	t.Render()
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-3]) + "..."
}
