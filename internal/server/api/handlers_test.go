package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"

	"trafficgw/internal/server/background"
	"trafficgw/internal/server/ingest"
	"trafficgw/internal/server/queue"
	"trafficgw/pkg/model"
)

type fakeIngestor struct {
	ingestData           func(ctx context.Context, batch []json.RawMessage) (ingest.Result, error)
	ingestDataDeprecated func(ctx context.Context, rec model.LegacyRecord) ingest.LegacyResult
}

func (f *fakeIngestor) IngestData(ctx context.Context, batch []json.RawMessage) (ingest.Result, error) {
	return f.ingestData(ctx, batch)
}

func (f *fakeIngestor) IngestDataDeprecated(ctx context.Context, rec model.LegacyRecord) ingest.LegacyResult {
	return f.ingestDataDeprecated(ctx, rec)
}

var _ Ingestor = (*fakeIngestor)(nil)
var _ Ingestor = (*ingest.Service)(nil)

type fakeBinding struct {
	send func(ctx context.Context, msgs []model.Message) error
}

func (f *fakeBinding) Send(ctx context.Context, msgs []model.Message) error {
	return f.send(ctx, msgs)
}

func (f *fakeBinding) Close() error {
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRouter(ing Ingestor) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return NewRouter(NewHandlers(ing, nil), discardLogger(), 1<<20)
}

func newServiceRouter(b queue.Binding) (*gin.Engine, *background.Group) {
	tasks := background.NewGroup(time.Second, nil)
	svc := ingest.NewService(queue.NewAdapter(b, discardLogger()), tasks, discardLogger())
	return newRouter(svc), tasks
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return out
}

const validBatch = `{"batchData": [
	{"path": "/api/users", "method": "GET", "time": "1700000000", "statusCode": "200", "akto_account_id": "1000000"},
	{"path": "/api/orders", "method": "POST", "time": "1700000001", "requestPayload": "{\"id\":1}"}
]}`

func TestHealth(t *testing.T) {
	r := newRouter(&fakeIngestor{})
	for _, m := range []string{http.MethodGet, http.MethodHead} {
		w := do(r, m, "/health", "")
		if w.Code != http.StatusOK {
			t.Fatalf("%s status=%d", m, w.Code)
		}
	}
	if w := do(r, http.MethodGet, "/health", ""); w.Body.String() != "OK" {
		t.Fatalf("body=%q", w.Body.String())
	}
}

func TestNotFound(t *testing.T) {
	r := newRouter(&fakeIngestor{})
	tests := []struct{ method, path string }{
		{http.MethodGet, "/foo"},
		{http.MethodGet, "/api/ingestData"},
		{http.MethodPost, "/health"},
		{http.MethodPost, "/api/ingestData/"},
		{http.MethodPut, "/ingest-data"},
		{http.MethodDelete, "/health"},
	}
	for _, tt := range tests {
		w := do(r, tt.method, tt.path, "")
		if w.Code != http.StatusNotFound {
			t.Fatalf("%s %s status=%d", tt.method, tt.path, w.Code)
		}
		if allow := w.Header().Get("Allow"); allow != "" {
			t.Fatalf("%s %s Allow=%q", tt.method, tt.path, allow)
		}
		out := decode(t, w)
		if out["error"] != "Not Found" || out["message"] != usageHint {
			t.Fatalf("%s %s body=%v", tt.method, tt.path, out)
		}
	}
}

func TestIngestDataSuccess(t *testing.T) {
	mem := queue.NewMemory()
	r, tasks := newServiceRouter(mem)

	w := do(r, http.MethodPost, "/api/ingestData", validBatch)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	out := decode(t, w)
	if out["message"] != ingest.MsgQueued || out["processed"] != float64(2) {
		t.Fatalf("body=%v", out)
	}
	if w.Header().Get(requestIDHeader) == "" {
		t.Error("missing request id header")
	}

	if err := tasks.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	msgs := mem.Messages()
	if len(msgs) != 2 {
		t.Fatalf("msgs=%v", msgs)
	}
	var rec model.TrafficRecord
	if err := json.Unmarshal([]byte(msgs[1].Body), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.Path != "/api/orders" || rec.RequestPayload != `{"id":1}` {
		t.Fatalf("rec=%+v", rec)
	}
}

func TestIngestDataValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"invalid json", `{"batchData": [`, ingest.MsgInvalidJSON},
		{"empty body", ``, ingest.MsgInvalidJSON},
		{"missing batch", `{"data": []}`, ingest.MsgBatchNotArray},
		{"batch not array", `{"batchData": "x"}`, ingest.MsgBatchNotArray},
		{"empty batch", `{"batchData": []}`, ingest.MsgBatchEmpty},
		{"missing path", `{"batchData": [{"path":"/a","method":"GET","time":"1"},{"method":"GET","time":"1"}]}`, ingest.MsgBatchItemFields},
		{"missing time", `{"batchData": [{"path":"/a","method":"GET"}]}`, ingest.MsgBatchItemFields},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := queue.NewMemory()
			r, tasks := newServiceRouter(mem)
			w := do(r, http.MethodPost, "/api/ingestData", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
			}
			if out := decode(t, w); out["error"] != tt.want {
				t.Fatalf("body=%v", out)
			}
			_ = tasks.Wait(context.Background())
			if len(mem.Messages()) != 0 {
				t.Fatal("rejected request was enqueued")
			}
		})
	}
}

func TestIngestDataInternalError(t *testing.T) {
	r := newRouter(&fakeIngestor{
		ingestData: func(ctx context.Context, batch []json.RawMessage) (ingest.Result, error) {
			return ingest.Result{}, errors.New("boom")
		},
	})
	w := do(r, http.MethodPost, "/api/ingestData", validBatch)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}
	if out := decode(t, w); out["error"] != MsgInternal {
		t.Fatalf("body=%v", out)
	}
}

func TestIngestDataPanicRecovered(t *testing.T) {
	r := newRouter(&fakeIngestor{
		ingestData: func(ctx context.Context, batch []json.RawMessage) (ingest.Result, error) {
			panic("unexpected")
		},
	})
	w := do(r, http.MethodPost, "/api/ingestData", validBatch)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}
	if out := decode(t, w); out["error"] != MsgInternal {
		t.Fatalf("body=%v", out)
	}
}

func TestIngestDataResponseIndependentOfQueue(t *testing.T) {
	release := make(chan struct{})
	sent := make(chan struct{})
	b := &fakeBinding{send: func(ctx context.Context, msgs []model.Message) error {
		<-release
		close(sent)
		return errors.New("queue unavailable")
	}}
	r, tasks := newServiceRouter(b)

	w := do(r, http.MethodPost, "/api/ingestData", validBatch)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	select {
	case <-sent:
		t.Fatal("response waited for the queue send")
	default:
	}
	committed := w.Body.String()

	close(release)
	if err := tasks.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if w.Code != http.StatusOK || w.Body.String() != committed {
		t.Fatalf("response changed after queue failure: %d %s", w.Code, w.Body.String())
	}
}

func TestIngestDataGzip(t *testing.T) {
	mem := queue.NewMemory()
	r, tasks := newServiceRouter(mem)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte(validBatch))
	_ = zw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/ingestData", &buf)
	req.Header.Set("Content-Encoding", "gzip")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	_ = tasks.Wait(context.Background())
	if len(mem.Messages()) != 2 {
		t.Fatalf("msgs=%v", mem.Messages())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/ingestData", strings.NewReader("not gzip"))
	req.Header.Set("Content-Encoding", "gzip")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("corrupt gzip status=%d", w.Code)
	}
	if out := decode(t, w); out["error"] != ingest.MsgInvalidJSON {
		t.Fatalf("body=%v", out)
	}
}

func TestIngestDataBodyTooLarge(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRouter(NewHandlers(&fakeIngestor{}, nil), discardLogger(), 16)
	w := do(r, http.MethodPost, "/api/ingestData", validBatch)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status=%d", w.Code)
	}
}

const validLegacy = `{
	"host": "example.com",
	"url": "/users?id=1",
	"method": "GET",
	"requestHeaders": {"accept": "application/json"},
	"responseHeaders": {"content-type": "application/json"},
	"responseStatus": 200,
	"responseBody": "{\"id\":1}"
}`

func TestIngestDataDeprecatedSuccess(t *testing.T) {
	mem := queue.NewMemory()
	r, tasks := newServiceRouter(mem)

	w := do(r, http.MethodPost, "/ingest-data", validLegacy)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	out := decode(t, w)
	if out["message"] != ingest.MsgCaptured || out["captured"] != true {
		t.Fatalf("body=%v", out)
	}

	_ = tasks.Wait(context.Background())
	msgs := mem.Messages()
	if len(msgs) != 1 {
		t.Fatalf("msgs=%v", msgs)
	}
	var rec model.LegacyRecord
	if err := json.Unmarshal([]byte(msgs[0].Body), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if h, _ := rec.RequestHeaders.(map[string]any); h["host"] != "example.com" {
		t.Fatalf("requestHeaders=%v", rec.RequestHeaders)
	}
	if rec.ResponseBody != `{"id":1}` || rec.RequestBody != "" || rec.ResponseStatus != 200 {
		t.Fatalf("rec=%+v", rec)
	}
}

func TestIngestDataDeprecatedValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"invalid json", `{"host":`, ingest.MsgInvalidJSON},
		{"missing host", `{"url":"/","method":"GET","requestHeaders":{},"responseHeaders":{},"responseStatus":200}`, ingest.MsgLegacyFields},
		{"missing responseHeaders", `{"host":"a","url":"/","method":"GET","requestHeaders":{},"responseStatus":200}`, ingest.MsgLegacyHeaders},
		{"status string", `{"host":"a","url":"/","method":"GET","requestHeaders":{},"responseHeaders":{},"responseStatus":"200"}`, ingest.MsgLegacyStatusNumber},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newServiceRouter(queue.NewMemory())
			w := do(r, http.MethodPost, "/ingest-data", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
			}
			if out := decode(t, w); out["error"] != tt.want {
				t.Fatalf("body=%v", out)
			}
		})
	}
}

func TestIngestDataDeprecatedAdapterFailure(t *testing.T) {
	r, _ := newServiceRouter(nil)
	w := do(r, http.MethodPost, "/ingest-data", validLegacy)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}
	out := decode(t, w)
	if msg, _ := out["error"].(string); !strings.Contains(msg, queue.ErrNotConfigured.Error()) {
		t.Fatalf("body=%v", out)
	}
}

func TestIngestDataNullItem(t *testing.T) {
	mem := queue.NewMemory()
	r, tasks := newServiceRouter(mem)
	w := do(r, http.MethodPost, "/api/ingestData", `{"batchData":[null]}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if msg, _ := decode(t, w)["error"].(string); !strings.HasPrefix(msg, "Error ingesting data: ") {
		t.Fatalf("error=%q", msg)
	}
	_ = tasks.Wait(context.Background())
	if len(mem.Messages()) != 0 {
		t.Fatal("rejected batch was enqueued")
	}
}

func TestIngestDataNullBody(t *testing.T) {
	r, _ := newServiceRouter(queue.NewMemory())
	w := do(r, http.MethodPost, "/api/ingestData", `null`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if out := decode(t, w); out["error"] != MsgInternal {
		t.Fatalf("body=%v", out)
	}
}

func TestIngestDataDeprecatedArrayHeaders(t *testing.T) {
	mem := queue.NewMemory()
	r, tasks := newServiceRouter(mem)
	body := `{"host":"a","url":"/","method":"GET","requestHeaders":[],"responseHeaders":{},"responseStatus":200}`
	w := do(r, http.MethodPost, "/ingest-data", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	_ = tasks.Wait(context.Background())
	msgs := mem.Messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0].Body, `"requestHeaders":[]`) {
		t.Fatalf("msgs=%v", msgs)
	}
}
