package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func newTestConsoleLogger(buf *bytes.Buffer) *slog.Logger {
	lvl := new(slog.LevelVar)
	lvl.Set(slog.LevelDebug)
	return slog.New(newConsoleHandler(buf, lvl))
}

func TestConsoleHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestConsoleLogger(&buf)

	logger.Info("job admitted", String("owner_id", "42"), Int("count", 3))

	line := buf.String()
	if !strings.Contains(line, "INFO job admitted") {
		t.Errorf("line missing level/message: %q", line)
	}
	if !strings.Contains(line, "owner_id=42") {
		t.Errorf("line missing owner_id attr: %q", line)
	}
	if !strings.Contains(line, "count=3") {
		t.Errorf("line missing count attr: %q", line)
	}
}

func TestConsoleHandlerComponentPrefix(t *testing.T) {
	var buf bytes.Buffer
	logger := NewComponentLogger(newTestConsoleLogger(&buf), "cleanup")

	logger.Warn("workspace busy")

	line := buf.String()
	if !strings.Contains(line, "WARN cleanup: workspace busy") {
		t.Errorf("component should prefix message: %q", line)
	}
	if strings.Contains(line, "component=") {
		t.Errorf("component should not appear as attr: %q", line)
	}
}

func TestConsoleHandlerQuotesValues(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestConsoleLogger(&buf)

	logger.Info("msg", String("path", "a b/c.txt"))

	if !strings.Contains(buf.String(), `path="a b/c.txt"`) {
		t.Errorf("value with spaces should be quoted: %q", buf.String())
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := New(Options{Format: "yaml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestNopLoggerDiscards(t *testing.T) {
	logger := NewNop()
	if logger.Enabled(context.Background(), slog.LevelError) {
		t.Error("nop logger should not be enabled")
	}
}

func TestWithAttrsContext(t *testing.T) {
	var buf bytes.Buffer
	base := newTestConsoleLogger(&buf)

	ctx := WithAttrs(context.Background(), String(FieldJobID, "7"))
	WithContext(ctx, base).Info("checkpoint")

	if !strings.Contains(buf.String(), "job_id=7") {
		t.Errorf("context attrs not applied: %q", buf.String())
	}
}
