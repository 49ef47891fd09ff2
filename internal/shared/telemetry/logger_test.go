package telemetry

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"strings"
	"testing"
)

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	fn()

	_ = w.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		t.Fatalf("read output: %v", err)
	}
	return buf.String()
}

func TestInfoWritesJSONLine(t *testing.T) {
	out := captureStdout(t, func() {
		Info("pipeline.stage.completed", map[string]any{"analysis_id": "a-1", "progress": 60})
	})

	var payload map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &payload); err != nil {
		t.Fatalf("decode log line %q: %v", out, err)
	}
	if payload["msg"] != "pipeline.stage.completed" {
		t.Fatalf("unexpected msg: %v", payload["msg"])
	}
	if payload["level"] != "info" {
		t.Fatalf("unexpected level: %v", payload["level"])
	}
	if payload["analysis_id"] != "a-1" {
		t.Fatalf("missing analysis_id field: %v", payload)
	}
	if _, ok := payload["ts"]; !ok {
		t.Fatalf("missing ts field")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{raw: "", want: "info"},
		{raw: "DEBUG", want: "debug"},
		{raw: "warning", want: "warn"},
		{raw: "error", want: "error"},
		{raw: "bogus", want: "info"},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.raw).String(); got != tt.want {
			t.Fatalf("parseLevel(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}
