// Copyright 2025 Ron Keiser
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != "info" {
		t.Errorf("expected default level 'info', got %q", cfg.Level)
	}

	if cfg.Format != FormatJSON {
		t.Errorf("expected default format 'json', got %q", cfg.Format)
	}
}

func TestFromEnv_Debug(t *testing.T) {
	os.Setenv("WONDER_DEBUG", "1")
	defer os.Unsetenv("WONDER_DEBUG")

	cfg := FromEnv()
	if cfg.Level != "debug" {
		t.Errorf("expected level 'debug', got %q", cfg.Level)
	}
	if !cfg.AddSource {
		t.Error("expected AddSource to be enabled")
	}
}

func TestFromEnv_LevelPrecedence(t *testing.T) {
	os.Setenv("WONDER_LOG_LEVEL", "warn")
	os.Setenv("LOG_LEVEL", "error")
	defer os.Unsetenv("WONDER_LOG_LEVEL")
	defer os.Unsetenv("LOG_LEVEL")

	cfg := FromEnv()
	if cfg.Level != "warn" {
		t.Errorf("expected WONDER_LOG_LEVEL to win, got %q", cfg.Level)
	}
}

func TestNew_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	logger.Info("token created", slog.String(TokenIDKey, "tok-1"))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["msg"] != "token created" {
		t.Errorf("unexpected msg: %v", entry["msg"])
	}
	if entry[TokenIDKey] != "tok-1" {
		t.Errorf("expected token_id field, got %v", entry)
	}
}

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "warn", Format: FormatJSON, Output: &buf})

	logger.Info("ignored")
	if buf.Len() != 0 {
		t.Error("info message should be filtered at warn level")
	}

	logger.Warn("kept")
	if buf.Len() == 0 {
		t.Error("warn message should be emitted")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"trace", LevelTrace},
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestTrace_Suppressed(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "debug", Format: FormatJSON, Output: &buf})

	Trace(logger, "statement detail")
	if buf.Len() != 0 {
		t.Error("trace message should be suppressed at debug level")
	}

	logger = New(&Config{Level: "trace", Format: FormatJSON, Output: &buf})
	Trace(logger, "statement detail")
	if buf.Len() == 0 {
		t.Error("trace message should be emitted at trace level")
	}
}

func TestWithTokenContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	WithTokenContext(logger, "run-1", "tok-1", "summarize").Info("dispatched")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry[RunIDKey] != "run-1" || entry[TokenIDKey] != "tok-1" || entry[NodeIDKey] != "summarize" {
		t.Errorf("missing context fields: %v", entry)
	}
}
