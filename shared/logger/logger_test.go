// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"
)

// TestNew tests logger initialization
func TestNew(t *testing.T) {
	tests := []struct {
		name           string
		component      string
		instanceID     string
		expectedComp   string
		expectedInstID string
	}{
		{
			name:           "with instance ID set",
			component:      "steering",
			instanceID:     "instance-123",
			expectedComp:   "steering",
			expectedInstID: "instance-123",
		},
		{
			name:           "without instance ID",
			component:      "guardrails",
			instanceID:     "",
			expectedComp:   "guardrails",
			expectedInstID: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.instanceID != "" {
				t.Setenv("INSTANCE_ID", tt.instanceID)
			} else {
				t.Setenv("INSTANCE_ID", "")
			}

			l := New(tt.component)
			if l.Component != tt.expectedComp {
				t.Errorf("Component = %q, want %q", l.Component, tt.expectedComp)
			}
			if l.InstanceID != tt.expectedInstID {
				t.Errorf("InstanceID = %q, want %q", l.InstanceID, tt.expectedInstID)
			}
		})
	}
}

// TestLogEntryFormat verifies the JSON structure of emitted entries
func TestLogEntryFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("steering", &buf)

	l.Info("client-1", "req-1", "test message", map[string]interface{}{
		"route": "direct",
	})

	line := strings.TrimSpace(buf.String())
	var entry LogEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("failed to parse log line %q: %v", line, err)
	}

	if entry.Level != INFO {
		t.Errorf("Level = %q, want INFO", entry.Level)
	}
	if entry.Component != "steering" {
		t.Errorf("Component = %q, want steering", entry.Component)
	}
	if entry.ClientID != "client-1" {
		t.Errorf("ClientID = %q, want client-1", entry.ClientID)
	}
	if entry.RequestID != "req-1" {
		t.Errorf("RequestID = %q, want req-1", entry.RequestID)
	}
	if entry.Message != "test message" {
		t.Errorf("Message = %q, want %q", entry.Message, "test message")
	}
	if entry.Fields["route"] != "direct" {
		t.Errorf("Fields[route] = %v, want direct", entry.Fields["route"])
	}

	if _, err := time.Parse(time.RFC3339Nano, entry.Timestamp); err != nil {
		t.Errorf("Timestamp %q is not RFC3339Nano: %v", entry.Timestamp, err)
	}
}

// TestLevelFiltering verifies entries below the minimum level are dropped
func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("steering", &buf)
	l.SetLevel(WARN)

	l.Debug("c", "r", "debug msg", nil)
	l.Info("c", "r", "info msg", nil)
	l.Warn("c", "r", "warn msg", nil)
	l.Error("c", "r", "error msg", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 entries above WARN, got %d: %v", len(lines), lines)
	}
	if !strings.Contains(lines[0], "warn msg") {
		t.Errorf("first entry = %q, want warn msg", lines[0])
	}
	if !strings.Contains(lines[1], "error msg") {
		t.Errorf("second entry = %q, want error msg", lines[1])
	}
}

// TestLevelFromEnv tests LOG_LEVEL parsing
func TestLevelFromEnv(t *testing.T) {
	tests := []struct {
		value string
		want  LogLevel
	}{
		{"DEBUG", DEBUG},
		{"debug", DEBUG},
		{"WARN", WARN},
		{"ERROR", ERROR},
		{"", INFO},
		{"garbage", INFO},
	}

	for _, tt := range tests {
		t.Run("LOG_LEVEL="+tt.value, func(t *testing.T) {
			t.Setenv("LOG_LEVEL", tt.value)
			if got := levelFromEnv(); got != tt.want {
				t.Errorf("levelFromEnv() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestErrorWithCode verifies status code and error text land in fields
func TestErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("steering", &buf)

	l.ErrorWithCode("client-1", "req-1", "provider failed", 503, os.ErrDeadlineExceeded, nil)

	var entry LogEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry); err != nil {
		t.Fatalf("failed to parse entry: %v", err)
	}
	if entry.Fields["status_code"] != float64(503) {
		t.Errorf("status_code = %v, want 503", entry.Fields["status_code"])
	}
	if entry.Fields["error"] == "" {
		t.Error("expected error field to be set")
	}
}
