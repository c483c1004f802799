package logger

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"INFO", zapcore.InfoLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"bogus", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestWithCarriesFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := FromZap(zap.New(core)).With(String("analysis_id", "42"))

	log.Warn("dns lookup failed", String("host", "example.com"))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["analysis_id"] != "42" {
		t.Errorf("Expected analysis_id field, got %v", fields)
	}
	if fields["host"] != "example.com" {
		t.Errorf("Expected host field, got %v", fields)
	}
}

func TestNopLogger(t *testing.T) {
	log := NewNop()
	log.Info("ignored")
	if log.With(String("k", "v")) != log {
		t.Error("Expected With to return the same no-op logger")
	}
	if err := log.Sync(); err != nil {
		t.Errorf("Expected nil error from Sync, got %v", err)
	}
}
