package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestNewLogger_DefaultFileFallbackWhenStderrOff(t *testing.T) {
	stateRoot := t.TempDir()
	t.Setenv("XDG_STATE_HOME", stateRoot)

	cfg := &Config{
		Level:          "info",
		Format:         "json",
		LogFile:        "",
		StderrMode:     "auto",
		InteractiveTTY: true,
		InstanceID:     "instance-test",
		CommandPath:    "skiff run",
		Version:        "test",
		Commit:         "abc123",
	}

	logger, cleanup, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	logger.Info("hello from test")

	if cleanup != nil {
		if closeErr := cleanup(); closeErr != nil {
			t.Fatalf("cleanup() error = %v", closeErr)
		}
	}

	logPath := filepath.Join(stateRoot, "skiff", "logs", "skiff.log")

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("ReadFile(%q) error = %v", logPath, err)
	}

	if len(data) == 0 {
		t.Fatalf("log file %q is empty", logPath)
	}
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	_, _, err := NewLogger(&Config{Level: "loud", StderrMode: "on"})
	if err == nil {
		t.Fatal("expected error for invalid level")
	}
}

func TestNewLogger_InvalidFormat(t *testing.T) {
	_, _, err := NewLogger(&Config{Format: "xml", StderrMode: "on"})
	if err == nil {
		t.Fatal("expected error for invalid format")
	}
}

func TestRotateLogFile_RotatesAndKeepsBoundedBackups(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "skiff.log")

	// Existing rotated files
	if err := os.WriteFile(logPath+".1", []byte("one"), 0o600); err != nil {
		t.Fatalf("write .1: %v", err)
	}

	if err := os.WriteFile(logPath+".2", []byte("two"), 0o600); err != nil {
		t.Fatalf("write .2: %v", err)
	}

	if err := os.WriteFile(logPath+".3", []byte("three"), 0o600); err != nil {
		t.Fatalf("write .3: %v", err)
	}

	// Current log above threshold
	if err := os.WriteFile(logPath, []byte("1234567890"), 0o600); err != nil {
		t.Fatalf("write current: %v", err)
	}

	if err := rotateLogFile(logPath, 5, 3); err != nil {
		t.Fatalf("rotateLogFile() error = %v", err)
	}

	if _, err := os.Stat(logPath); !os.IsNotExist(err) {
		t.Fatalf("expected current log to be rotated away, stat err = %v", err)
	}

	data1, err := os.ReadFile(logPath + ".1")
	if err != nil {
		t.Fatalf("read .1: %v", err)
	}

	if string(data1) != "1234567890" {
		t.Fatalf(".1 = %q, want the rotated current log", string(data1))
	}

	data3, err := os.ReadFile(logPath + ".3")
	if err != nil {
		t.Fatalf("read .3: %v", err)
	}

	if string(data3) != "two" {
		t.Fatalf("backup retention ordering wrong: .3 = %q, want %q", string(data3), "two")
	}
}

func TestRotateLogFile_BelowThresholdNoop(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "skiff.log")

	if err := os.WriteFile(logPath, []byte("tiny"), 0o600); err != nil {
		t.Fatalf("write current: %v", err)
	}

	if err := rotateLogFile(logPath, 1<<20, 3); err != nil {
		t.Fatalf("rotateLogFile() error = %v", err)
	}

	if _, err := os.Stat(logPath); err != nil {
		t.Fatalf("expected current log untouched, stat err = %v", err)
	}
}

func TestRedaction(t *testing.T) {
	var buf bytes.Buffer

	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{ReplaceAttr: redactAttr})
	logger := slog.New(handler)

	logger.Info("probe", slog.String("api_key", "super-secret"), slog.String("port", "4732"))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}

	if entry["api_key"] != redactedValue {
		t.Errorf("api_key = %v, want redacted", entry["api_key"])
	}

	if entry["port"] != "4732" {
		t.Errorf("port = %v, want passthrough", entry["port"])
	}
}

func TestFromContext_Fallback(t *testing.T) {
	if FromContext(t.Context()) == nil {
		t.Fatal("FromContext should fall back to slog.Default")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx := WithLogger(t.Context(), logger)

	if FromContext(ctx) != logger {
		t.Fatal("FromContext should return the stored logger")
	}
}
