package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

func TestZerologLogger_NilFallsBackToNop(t *testing.T) {
	logger := NewLogger(nil)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}
	logger.Info("discarded")
}

func TestZerologLogger_Levels(t *testing.T) {
	tests := []struct {
		name  string
		log   func(l *Logger)
		level string
	}{
		{"debug", func(l *Logger) { l.Debug("msg") }, "debug"},
		{"info", func(l *Logger) { l.Info("msg") }, "info"},
		{"warn", func(l *Logger) { l.Warn("msg") }, "warn"},
		{"error", func(l *Logger) { l.Error("msg") }, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var output bytes.Buffer
			zlog := zerolog.New(&output)
			tt.log(NewLogger(&zlog))

			var entry map[string]interface{}
			if err := json.Unmarshal(output.Bytes(), &entry); err != nil {
				t.Fatalf("log line is not JSON: %v (%q)", err, output.String())
			}
			if entry["level"] != tt.level {
				t.Errorf("level = %v, want %s", entry["level"], tt.level)
			}
		})
	}
}

func TestZerologLogger_LogLevelFiltering(t *testing.T) {
	var output bytes.Buffer
	zlog := zerolog.New(&output).Level(zerolog.WarnLevel)
	logger := NewLogger(&zlog)

	logger.Debug("debug message")
	logger.Info("info message")
	if output.Len() != 0 {
		t.Error("Expected debug and info to be filtered out")
	}

	logger.Warn("warn message")
	if output.Len() == 0 {
		t.Error("Expected warn to be logged")
	}
}

func TestZerologLogger_Fields(t *testing.T) {
	var output bytes.Buffer
	zlog := zerolog.New(&output)
	logger := NewLogger(&zlog)

	logger.Info("subscription deleted",
		subsync.Field{Key: "subscription_id", Value: "sub_123"},
		subsync.Field{Key: "period_end", Value: 1700000000},
		subsync.Field{Key: "error", Value: errors.New("boom")},
	)

	var entry map[string]interface{}
	if err := json.Unmarshal(output.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["subscription_id"] != "sub_123" {
		t.Errorf("subscription_id = %v", entry["subscription_id"])
	}
	if entry["period_end"] != float64(1700000000) {
		t.Errorf("period_end = %v", entry["period_end"])
	}
	if entry["error"] != "boom" {
		t.Errorf("error = %v", entry["error"])
	}
	if entry["message"] != "subscription deleted" {
		t.Errorf("message = %v", entry["message"])
	}
}
