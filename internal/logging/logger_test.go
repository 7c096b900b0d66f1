package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"bogus", LevelInfo},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			if got := ParseLevel(tc.input); got != tc.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tc.input, got, tc.expected)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	if got := ParseFormat("text"); got != FormatText {
		t.Errorf("ParseFormat(text) = %v, want FormatText", got)
	}
	if got := ParseFormat("json"); got != FormatJSON {
		t.Errorf("ParseFormat(json) = %v, want FormatJSON", got)
	}
	if got := ParseFormat(""); got != FormatJSON {
		t.Errorf("ParseFormat(\"\") = %v, want FormatJSON", got)
	}
}

func decodeEntry(t *testing.T, buf *bytes.Buffer) Entry {
	t.Helper()
	var entry Entry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log output %q: %v", buf.String(), err)
	}
	return entry
}

func TestLoggerJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelInfo, Format: FormatJSON, Output: &buf})

	l.Infof("flush completed", map[string]any{"blobCount": 3})

	entry := decodeEntry(t, &buf)
	if entry.Message != "flush completed" {
		t.Errorf("message = %q, want %q", entry.Message, "flush completed")
	}
	if entry.Level != "info" {
		t.Errorf("level = %q, want info", entry.Level)
	}
	if entry.Timestamp.IsZero() {
		t.Error("timestamp should not be zero")
	}
	if entry.Fields["blobCount"] != float64(3) {
		t.Errorf("fields[blobCount] = %v, want 3", entry.Fields["blobCount"])
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelWarn, Format: FormatJSON, Output: &buf})

	l.Debug("debug msg")
	l.Info("info msg")
	if buf.Len() > 0 {
		t.Error("debug/info should be filtered at warn level")
	}
	if l.Enabled(LevelInfo) {
		t.Error("Enabled(info) should be false at warn level")
	}

	l.Warn("warn msg")
	if buf.Len() == 0 {
		t.Error("warn should be logged at warn level")
	}
}

func TestLoggerErrorFieldsAreStrings(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelInfo, Output: &buf})

	l.Errorf("flush failed", map[string]any{FieldError: errors.New("disk full")})

	entry := decodeEntry(t, &buf)
	if entry.Fields[FieldError] != "disk full" {
		t.Errorf("fields[error] = %v, want %q", entry.Fields[FieldError], "disk full")
	}
}

func TestLoggerChildFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelInfo, Output: &buf})

	child := l.Component("flusher").ForBlobStore("repo-a").WithRequestID("req-1")
	child.Info("tick")

	entry := decodeEntry(t, &buf)
	if entry.Fields[FieldComponent] != "flusher" {
		t.Errorf("component = %v, want flusher", entry.Fields[FieldComponent])
	}
	if entry.Fields[FieldBlobStore] != "repo-a" {
		t.Errorf("blobStore = %v, want repo-a", entry.Fields[FieldBlobStore])
	}
	if entry.RequestID != "req-1" {
		t.Errorf("requestId = %q, want req-1", entry.RequestID)
	}

	buf.Reset()
	l.Info("parent")
	entry = decodeEntry(t, &buf)
	if _, ok := entry.Fields[FieldComponent]; ok {
		t.Error("child fields must not leak into the parent logger")
	}
}

func TestLoggerCaller(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelDebug, Output: &buf, AddCaller: true})

	l.Debug("with caller info")

	entry := decodeEntry(t, &buf)
	if !strings.HasSuffix(entry.File, "logger_test.go") {
		t.Errorf("file = %q, expected to end with logger_test.go", entry.File)
	}
	if entry.Line == 0 {
		t.Error("expected non-zero line")
	}
}

func TestLoggerTextFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelInfo, Format: FormatText, Output: &buf})

	l.WithRequestID("req-9").Infof("flushed", map[string]any{"z": "last", "a": 1})

	out := buf.String()
	for _, want := range []string{"[info]", "flushed", "requestId=req-9", "a=1", "z=last"} {
		if !strings.Contains(out, want) {
			t.Errorf("text output %q missing %q", out, want)
		}
	}
	if strings.Index(out, "a=1") > strings.Index(out, "z=last") {
		t.Errorf("fields should be sorted by key: %q", out)
	}
}

func TestNopDiscards(t *testing.T) {
	l := Nop()
	l.Error("nothing")
	if l.Enabled(LevelError) {
		t.Error("Nop logger should not enable any level")
	}
}

func TestGlobalLogger(t *testing.T) {
	prev := Global()
	defer SetGlobal(prev)

	var buf bytes.Buffer
	SetGlobal(New(Config{Level: LevelInfo, Output: &buf}))
	OrDefault(nil).Info("via global")

	if !strings.Contains(buf.String(), "via global") {
		t.Errorf("expected global logger output, got %q", buf.String())
	}
}

func TestFromCtx(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{Level: LevelInfo, Output: &buf})

	ctx := WithRequestIDCtx(context.Background(), "abc")
	FromCtx(ctx, base).Info("hello")
	if entry := decodeEntry(t, &buf); entry.RequestID != "abc" {
		t.Errorf("requestId = %q, want abc", entry.RequestID)
	}

	var other bytes.Buffer
	stored := New(Config{Level: LevelInfo, Output: &other})
	ctx = WithLoggerCtx(ctx, stored)
	FromCtx(ctx, base).Info("stored")
	if other.Len() == 0 {
		t.Error("expected the context logger to be used")
	}
	if RequestIDFromCtx(context.Background()) != "" {
		t.Error("empty context should carry no request ID")
	}
}
