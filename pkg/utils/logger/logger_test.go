package logger_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"codesandbox/pkg/utils/contextkey"
	"codesandbox/pkg/utils/logger"

	"go.uber.org/zap"
)

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := logger.NewLogger(logger.Config{Level: "loud"}); err == nil {
		t.Fatalf("expected invalid level error")
	}
}

func TestGlobalLoggerWritesContextFields(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "app.log")
	errOut := filepath.Join(dir, "error.log")
	if err := logger.Init(logger.Config{Level: "info", Format: "json", OutputPath: out, ErrorPath: errOut}); err != nil {
		t.Fatalf("init logger: %v", err)
	}

	ctx := context.WithValue(context.Background(), contextkey.TraceID, "trace-1")
	ctx = context.WithValue(ctx, contextkey.SubmissionID, "sub-1")
	logger.Info(ctx, "run finished", zap.String("language", "python"))
	logger.Error(ctx, "launch failed")
	logger.Debug(ctx, "filtered out")
	_ = logger.Sync()

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %s", len(lines), data)
	}
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["trace_id"] != "trace-1" || entry["submission_id"] != "sub-1" || entry["language"] != "python" {
		t.Fatalf("unexpected log entry: %v", entry)
	}

	errData, err := os.ReadFile(errOut)
	if err != nil {
		t.Fatalf("read error log: %v", err)
	}
	if !strings.Contains(string(errData), "launch failed") || strings.Contains(string(errData), "run finished") {
		t.Fatalf("unexpected error log content: %s", errData)
	}
}
