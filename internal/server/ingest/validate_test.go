package ingest

import (
	"encoding/json"
	"testing"

	"github.com/valyala/fastjson"
)

func parse(t *testing.T, body string) *fastjson.Value {
	t.Helper()
	var p fastjson.Parser
	v, err := ParseBody(&p, []byte(body))
	if err != nil {
		t.Fatalf("ParseBody(%s): %v", body, err)
	}
	return v
}

func TestParseBodyInvalidJSON(t *testing.T) {
	var p fastjson.Parser
	for _, body := range []string{"", "{", "not json", `{"batchData": [}`} {
		_, err := ParseBody(&p, []byte(body))
		msg, ok := IsRejection(err)
		if !ok || msg != MsgInvalidJSON {
			t.Errorf("body=%q err=%v", body, err)
		}
	}
}

func TestValidateBatchRequest(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing", `{}`, MsgBatchNotArray},
		{"object", `{"batchData": {"path": "/"}}`, MsgBatchNotArray},
		{"string", `{"batchData": "x"}`, MsgBatchNotArray},
		{"top-level array", `[{"path": "/"}]`, MsgBatchNotArray},
		{"empty", `{"batchData": []}`, MsgBatchEmpty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateBatchRequest(parse(t, tt.body))
			msg, ok := IsRejection(err)
			if !ok || msg != tt.want {
				t.Fatalf("err=%v", err)
			}
		})
	}
}

func TestValidateBatchRequestCopiesItems(t *testing.T) {
	items, err := ValidateBatchRequest(parse(t, `{"batchData": [{"path": "/a", "custom": [1, 2]}, {"path": "/b"}]}`))
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(items) != 2 || string(items[0]) != `{"path":"/a","custom":[1,2]}` {
		t.Fatalf("items=%s", items)
	}
}

func TestValidateBatchRequestNullBody(t *testing.T) {
	_, err := ValidateBatchRequest(parse(t, `null`))
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := IsRejection(err); ok {
		t.Fatal("null body must be an internal fault")
	}
}

func TestHasBatchItemFields(t *testing.T) {
	tests := []struct {
		item string
		want bool
	}{
		{`{"path": "/a", "method": "GET", "time": "1700000000"}`, true},
		{`{"path": "/a", "method": "GET", "time": 1700000000}`, true},
		{`{"method": "GET", "time": "1"}`, false},
		{`{"path": "", "method": "GET", "time": "1"}`, false},
		{`{"path": "/a", "method": null, "time": "1"}`, false},
		{`{"path": "/a", "method": "GET", "time": 0}`, false},
		{`5`, false},
	}
	for _, tt := range tests {
		got, err := hasBatchItemFields(parse(t, tt.item))
		if err != nil || got != tt.want {
			t.Errorf("item=%s got=%v err=%v", tt.item, got, err)
		}
	}
	if _, err := hasBatchItemFields(parse(t, `null`)); err == nil {
		t.Error("null item must fail")
	}
}

func legacyBody(overrides map[string]any) string {
	body := map[string]any{
		"host":            "example.com",
		"url":             "/users",
		"method":          "GET",
		"requestHeaders":  map[string]any{"accept": "*/*"},
		"responseHeaders": map[string]any{"content-type": "application/json"},
		"responseStatus":  200,
	}
	for k, v := range overrides {
		if v == nil {
			delete(body, k)
			continue
		}
		body[k] = v
	}
	b, _ := json.Marshal(body)
	return string(b)
}

func TestValidateLegacyRequestRejections(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]any
		want      string
	}{
		{"no host", map[string]any{"host": nil}, MsgLegacyFields},
		{"empty url", map[string]any{"url": ""}, MsgLegacyFields},
		{"no method", map[string]any{"method": nil}, MsgLegacyFields},
		{"no requestHeaders", map[string]any{"requestHeaders": nil}, MsgLegacyHeaders},
		{"no responseHeaders", map[string]any{"responseHeaders": nil}, MsgLegacyHeaders},
		{"no status", map[string]any{"responseStatus": nil}, MsgLegacyStatusNumber},
		{"string status", map[string]any{"responseStatus": "200"}, MsgLegacyStatusNumber},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateLegacyRequest(parse(t, legacyBody(tt.overrides)))
			msg, ok := IsRejection(err)
			if !ok || msg != tt.want {
				t.Fatalf("err=%v", err)
			}
		})
	}
}

func TestValidateLegacyRequestFillsHost(t *testing.T) {
	rec, err := ValidateLegacyRequest(parse(t, legacyBody(nil)))
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	h, _ := rec.RequestHeaders.(map[string]any)
	if h["host"] != "example.com" {
		t.Errorf("requestHeaders=%v", rec.RequestHeaders)
	}
	if h["accept"] != "*/*" {
		t.Errorf("requestHeaders=%v", rec.RequestHeaders)
	}
	if rec.RequestBody != "" || rec.ResponseStatusText != "" || rec.ResponseBody != "" {
		t.Errorf("defaults not applied: %+v", rec)
	}
	if rec.ResponseStatus != 200 {
		t.Errorf("status=%v", rec.ResponseStatus)
	}
	if rec.Time != nil || rec.Tag != nil {
		t.Errorf("time=%v tag=%v", rec.Time, rec.Tag)
	}
}

func TestValidateLegacyRequestKeepsHostHeader(t *testing.T) {
	body := legacyBody(map[string]any{
		"requestHeaders": map[string]any{"host": "api.internal"},
		"requestBody":    `{"q":1}`,
		"time":           1700000000,
		"tag":            "canary",
	})
	rec, err := ValidateLegacyRequest(parse(t, body))
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if h, _ := rec.RequestHeaders.(map[string]any); h["host"] != "api.internal" {
		t.Errorf("host header overwritten: %v", rec.RequestHeaders)
	}
	if rec.RequestBody != `{"q":1}` {
		t.Errorf("requestBody=%q", rec.RequestBody)
	}

	out, _ := json.Marshal(rec)
	var back map[string]any
	_ = json.Unmarshal(out, &back)
	if back["time"] != float64(1700000000) || back["tag"] != "canary" {
		t.Errorf("encoded=%s", out)
	}
}

func TestValidateLegacyRequestNonObjectHeaders(t *testing.T) {
	_, err := ValidateLegacyRequest(parse(t, legacyBody(map[string]any{"requestHeaders": "host: a"})))
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := IsRejection(err); ok {
		t.Fatal("non-object requestHeaders must be an internal fault")
	}
}

func TestValidateLegacyRequestArrayHeaders(t *testing.T) {
	rec, err := ValidateLegacyRequest(parse(t, legacyBody(map[string]any{"requestHeaders": []any{}})))
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	out, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back map[string]any
	_ = json.Unmarshal(out, &back)
	if h, ok := back["requestHeaders"].([]any); !ok || len(h) != 0 {
		t.Fatalf("requestHeaders=%v", back["requestHeaders"])
	}
}
