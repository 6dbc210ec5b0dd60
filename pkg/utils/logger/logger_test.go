package logger_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"protoeval/pkg/utils/logger"

	"go.uber.org/zap"
)

func TestLoggerWritesContextFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	if err := logger.Init(logger.Config{Level: "debug", Format: "json", OutputPath: path}); err != nil {
		t.Fatalf("init logger failed: %v", err)
	}

	ctx := logger.WithJobID(context.Background(), "job-1")
	logger.Info(ctx, "processing job", zap.String("robot_version", "8.7.0"))
	if err := logger.Sync(); err != nil {
		t.Fatalf("sync logger failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file failed: %v", err)
	}
	line := strings.TrimSpace(string(data))
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not json: %v (%s)", err, line)
	}
	if entry["job_id"] != "job-1" {
		t.Fatalf("expected job_id field, got %v", entry["job_id"])
	}
	if entry["msg"] != "processing job" {
		t.Fatalf("unexpected msg: %v", entry["msg"])
	}
	if entry["robot_version"] != "8.7.0" {
		t.Fatalf("unexpected robot_version: %v", entry["robot_version"])
	}
}

func TestNewLoggerRejectsInvalidLevel(t *testing.T) {
	if _, err := logger.NewLogger(logger.Config{Level: "loud"}); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestErrorEntriesCopiedToErrorFile(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "app.log")
	errPath := filepath.Join(dir, "error.log")
	if err := logger.Init(logger.Config{Level: "info", Format: "json", OutputPath: outPath, ErrorPath: errPath}); err != nil {
		t.Fatalf("init logger failed: %v", err)
	}

	ctx := logger.WithRobotVersion(logger.WithJobID(context.Background(), "job-2"), "8.7.0")
	logger.Info(ctx, "analysis finished")
	logger.Error(ctx, "simulation crashed")
	if err := logger.Sync(); err != nil {
		t.Fatalf("sync logger failed: %v", err)
	}

	out, _ := os.ReadFile(outPath)
	errOut, _ := os.ReadFile(errPath)
	if strings.Count(strings.TrimSpace(string(out)), "\n") != 1 {
		t.Fatalf("expected two lines in main log, got %s", out)
	}
	lines := strings.Split(strings.TrimSpace(string(errOut)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line in error log, got %q", errOut)
	}
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("error log line is not json: %v", err)
	}
	if entry["msg"] != "simulation crashed" || entry["robot_version"] != "8.7.0" || entry["job_id"] != "job-2" {
		t.Fatalf("unexpected error entry %v", entry)
	}
}
