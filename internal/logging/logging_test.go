package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := newWithWriter(Config{Level: "debug", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("newWithWriter: %v", err)
	}
	l.Debug("queue_send", "messages", 3)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	if rec["msg"] != "queue_send" || rec["messages"] != float64(3) {
		t.Fatalf("rec=%v", rec)
	}
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l, err := newWithWriter(Config{Level: "warn"}, &buf)
	if err != nil {
		t.Fatalf("newWithWriter: %v", err)
	}
	l.Info("dropped")
	l.Warn("kept")
	if strings.Contains(buf.String(), "dropped") || !strings.Contains(buf.String(), "kept") {
		t.Fatalf("out=%q", buf.String())
	}
}

func TestInvalidConfig(t *testing.T) {
	if _, err := New(Config{Level: "loud"}); err == nil {
		t.Error("expected error for unknown level")
	}
	if _, err := New(Config{Format: "xml"}); err == nil {
		t.Error("expected error for unknown format")
	}
}
