// Package logging provides unit tests for the structured logger.
package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

// TestLoggerLevels tests minimum level filtering.
func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn)

	l.Debug("debug message")
	l.Info("info message")
	l.Warn("warn message")
	l.Error("error message", fmt.Errorf("boom"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 log lines, got %d: %q", len(lines), buf.String())
	}
}

// TestLoggerJSONShape tests that entries are valid JSON with expected fields.
func TestLoggerJSONShape(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelDebug)

	l.ErrorWithCode("drain failed", "SYNC_FAILED", fmt.Errorf("timeout"),
		map[string]interface{}{"queue_depth": 3})

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Log line is not valid JSON: %v", err)
	}

	if entry.Level != "ERROR" {
		t.Errorf("Expected ERROR level, got %s", entry.Level)
	}
	if entry.Message != "drain failed" {
		t.Errorf("Unexpected message: %s", entry.Message)
	}
	if entry.Code != "SYNC_FAILED" {
		t.Errorf("Expected SYNC_FAILED code, got %s", entry.Code)
	}
	if entry.Error != "timeout" {
		t.Errorf("Expected timeout error, got %s", entry.Error)
	}
	if entry.Context["queue_depth"] != float64(3) {
		t.Errorf("Expected queue_depth 3 in context, got %v", entry.Context["queue_depth"])
	}
}

// TestContextMerge tests merging of multiple context maps.
func TestContextMerge(t *testing.T) {
	merged := mergeContext(
		map[string]interface{}{"a": 1},
		map[string]interface{}{"b": 2},
	)

	if merged["a"] != 1 || merged["b"] != 2 {
		t.Errorf("Unexpected merge result: %v", merged)
	}

	if mergeContext() != nil {
		t.Error("Expected nil for empty context")
	}
}
