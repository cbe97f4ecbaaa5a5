package slogutil

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestLineHandler_Format(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)

	logger.Info("Opened store", "path", "medidash.db", "readings", 42)

	output := buf.String()

	// Format: TIMESTAMP [level] Message | key=value
	if !strings.Contains(output, "[info]") {
		t.Errorf("expected [info] in output, got: %s", output)
	}
	if !strings.Contains(output, "Opened store") {
		t.Errorf("expected message in output, got: %s", output)
	}
	if !strings.Contains(output, "path=medidash.db") {
		t.Errorf("expected 'path=medidash.db' in output, got: %s", output)
	}
	if !strings.Contains(output, "readings=42") {
		t.Errorf("expected 'readings=42' in output, got: %s", output)
	}
	if !strings.Contains(output, " | ") {
		t.Errorf("expected ' | ' separator in output, got: %s", output)
	}
}

func TestLineHandler_Levels(t *testing.T) {
	tests := []struct {
		logFunc  func(*slog.Logger)
		expected string
	}{
		{func(l *slog.Logger) { l.Debug("debug") }, "[debug]"},
		{func(l *slog.Logger) { l.Info("info") }, "[info]"},
		{func(l *slog.Logger) { l.Warn("warn") }, "[warn]"},
		{func(l *slog.Logger) { l.Error("error") }, "[error]"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(&buf, slog.LevelDebug)
			tt.logFunc(logger)

			if !strings.Contains(buf.String(), tt.expected) {
				t.Errorf("expected %s in output, got: %s", tt.expected, buf.String())
			}
		})
	}
}

func TestLineHandler_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelWarn)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	output := buf.String()

	if strings.Contains(output, "debug message") {
		t.Error("debug message should be filtered")
	}
	if strings.Contains(output, "info message") {
		t.Error("info message should be filtered")
	}
	if !strings.Contains(output, "warn message") {
		t.Error("warn message should be included")
	}
	if !strings.Contains(output, "error message") {
		t.Error("error message should be included")
	}
}

func TestLineHandler_WithAttrsAndGroups(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)

	logger.With("component", "backup").WithGroup("restore").Info("done", "count", 3)

	output := buf.String()
	if !strings.Contains(output, "component=backup") {
		t.Errorf("expected preset attr, got: %s", output)
	}
	if !strings.Contains(output, "restore.count=3") {
		t.Errorf("expected group-prefixed attr, got: %s", output)
	}
}

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := LevelFromString(tt.input); got != tt.expected {
				t.Errorf("LevelFromString(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestTeeHandler(t *testing.T) {
	var a, b bytes.Buffer
	logger := NewTeeLogger(
		NewLineHandler(&a, &slog.HandlerOptions{Level: slog.LevelInfo}),
		NewLineHandler(&b, &slog.HandlerOptions{Level: slog.LevelError}),
	)

	logger.Info("routine")
	logger.Error("broken")

	if !strings.Contains(a.String(), "routine") || !strings.Contains(a.String(), "broken") {
		t.Errorf("first handler should see both records, got: %s", a.String())
	}
	if strings.Contains(b.String(), "routine") {
		t.Error("second handler should filter info records")
	}
	if !strings.Contains(b.String(), "broken") {
		t.Error("second handler should see error records")
	}
}

func TestNewDiscardLogger(t *testing.T) {
	logger := NewDiscardLogger()
	// Must not panic and must swallow everything.
	logger.Error("goes nowhere")
}
