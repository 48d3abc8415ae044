package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNew_ErrorLevel(t *testing.T) {
	logger := New("error", "text")
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Expected info level to be disabled at error level")
	}
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")
	logger.Info("fail-open", "reason", "timeout")

	out := buf.String()
	if !strings.Contains(out, `"reason":"timeout"`) {
		t.Errorf("expected JSON attribute in %q", out)
	}
}

func TestL_DecoratesIDs(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "text"))
	ctx = WithRequestID(ctx, "req-456")
	ctx = WithCorrelationID(ctx, "cid_abc")

	L(ctx).Info("decided")

	out := buf.String()
	if !strings.Contains(out, "request_id=req-456") {
		t.Errorf("missing request id in %q", out)
	}
	if !strings.Contains(out, "correlation_id=cid_abc") {
		t.Errorf("missing correlation id in %q", out)
	}
}

func TestFromContext_Default(t *testing.T) {
	if FromContext(context.Background()) != slog.Default() {
		t.Error("Expected default logger")
	}
}

func TestOr(t *testing.T) {
	if Or(nil) == nil {
		t.Fatal("Expected discard logger for nil")
	}
	l := Discard()
	if Or(l) != l {
		t.Error("Expected same logger back")
	}
}
