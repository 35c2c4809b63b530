package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestScopedFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, slog.LevelInfo, true)

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithBuildID(ctx, "api:42")
	l.WithContext(ctx).WithComponent("orchestrator").WithError(errors.New("boom")).Info("phase failed")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decoding %s: %v", buf.String(), err)
	}
	want := map[string]string{
		"request_id": "req-1",
		"build_id":   "api:42",
		"component":  "orchestrator",
		"error":      "boom",
		"msg":        "phase failed",
	}
	for k, v := range want {
		if rec[k] != v {
			t.Errorf("%s = %v, want %q", k, rec[k], v)
		}
	}
	if BuildIDFromContext(ctx) != "api:42" {
		t.Error("BuildIDFromContext lost the ID")
	}
}

func TestDebugSuppressedAtInfo(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf, slog.LevelInfo, false).WithBuildID("api:1").Debug("noise")
	if buf.Len() != 0 {
		t.Errorf("debug line written: %s", buf.String())
	}
}
