package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestNewWritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "lendflow", "debug")
	logger.Debug("flow loaded", slog.String("flow_id", "abc"))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if line["severity"] != "DEBUG" || line["message"] != "flow loaded" {
		t.Fatalf("unexpected envelope: %+v", line)
	}
	if line["service"] != "lendflow" || line["flow_id"] != "abc" {
		t.Fatalf("expected service and flow attrs, got %+v", line)
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatalf("expected timestamp key, got %+v", line)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "lendflow", "warn")
	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered at warn level, got %s", buf.String())
	}
	if ParseLevel("bogus") != slog.LevelInfo {
		t.Fatalf("expected unknown level to default to info")
	}
}
