package logging_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"illustpub/internal/logging"
)

func TestJSONLoggerWritesStructuredFields(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "out.log")
	logger, err := logging.New(logging.Options{Format: "json", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logger.Info("image materialized", "pid", 42, logging.Bytes(8*1024*1024))
	logger.Debug("suppressed")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected exactly one line (debug suppressed), got %d: %q", len(lines), content)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["level"] != "info" || entry["msg"] != "image materialized" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["size"] != "8.0 MiB" {
		t.Fatalf("expected humanized size, got %v", entry["size"])
	}
	if _, ok := entry["ts"]; !ok {
		t.Fatalf("expected ts key, got %v", entry)
	}
}

func TestConsoleLoggerToFileHasNoColour(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "debug", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Warn("tier unavailable", "tier", "original")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(content), "\x1b[") {
		t.Fatalf("file output must not contain ANSI codes: %q", content)
	}
	if !strings.Contains(string(content), "level=WARN") || !strings.Contains(string(content), "tier=original") {
		t.Fatalf("unexpected console output: %q", content)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}
