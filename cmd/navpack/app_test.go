package main

import (
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"WARN", slog.LevelWarn},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestWrapNATSError(t *testing.T) {
	err := wrapNATSError(errors.New("dial tcp: connection refused"), "nats://broker:4222")
	if !strings.Contains(err.Error(), "nats://broker:4222") {
		t.Error("connection guidance should name the URL")
	}
	if !strings.Contains(err.Error(), "QUEUE_BROKER_URL") {
		t.Error("connection guidance should mention the env override")
	}

	err = wrapNATSError(errors.New("authorization violation"), "nats://broker:4222")
	if strings.Contains(err.Error(), "QUEUE_BROKER_URL") {
		t.Error("non-connectivity errors should not get startup guidance")
	}
}
