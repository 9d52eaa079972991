package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLogLevelString(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{DebugLevel, "DEBUG"},
		{InfoLevel, "INFO"},
		{WarnLevel, "WARN"},
		{ErrorLevel, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.level.String(); got != tt.expected {
				t.Errorf("Level.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"DEBUG", DebugLevel},
		{"debug", DebugLevel},
		{"INFO", InfoLevel},
		{"info", InfoLevel},
		{"WARN", WarnLevel},
		{"warn", WarnLevel},
		{"WARNING", WarnLevel},
		{"warning", WarnLevel},
		{"ERROR", ErrorLevel},
		{"error", ErrorLevel},
		{"invalid", InfoLevel}, // Default
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestFieldConstructors(t *testing.T) {
	t.Run("String", func(t *testing.T) {
		f := String("key", "value")
		if f.Key != "key" || f.Value != "value" {
			t.Errorf("String() = %+v, want {Key:key Value:value}", f)
		}
	})

	t.Run("Int", func(t *testing.T) {
		f := Int("count", 42)
		if f.Key != "count" || f.Value != 42 {
			t.Errorf("Int() = %+v, want {Key:count Value:42}", f)
		}
	})

	t.Run("Int64", func(t *testing.T) {
		f := Offset(1234567890)
		if f.Key != "offset" || f.Value != int64(1234567890) {
			t.Errorf("Offset() = %+v", f)
		}
	})

	t.Run("Bool", func(t *testing.T) {
		f := Bool("enabled", true)
		if f.Key != "enabled" || f.Value != true {
			t.Errorf("Bool() = %+v", f)
		}
	})

	t.Run("Duration", func(t *testing.T) {
		d := 5 * time.Second
		f := Duration("timeout", d)
		if f.Key != "timeout" || f.Value != "5s" {
			t.Errorf("Duration() = %+v", f)
		}
	})

	t.Run("Error", func(t *testing.T) {
		err := errors.New("test error")
		f := Error(err)
		if f.Key != "error" || f.Value != "test error" {
			t.Errorf("Error() = %+v", f)
		}
	})

	t.Run("Error_nil", func(t *testing.T) {
		f := Error(nil)
		if f.Key != "error" || f.Value != nil {
			t.Errorf("Error(nil) = %+v", f)
		}
	})

	t.Run("ReplicaID", func(t *testing.T) {
		f := ReplicaID("10.0.0.2:6380")
		if f.Key != "replica_id" || f.Value != "10.0.0.2:6380" {
			t.Errorf("ReplicaID() = %+v", f)
		}
	})

	t.Run("Any", func(t *testing.T) {
		data := map[string]int{"a": 1, "b": 2}
		f := Any("data", data)
		if f.Key != "data" {
			t.Errorf("Any() key = %v, want data", f.Key)
		}
	})
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("Failed to unmarshal log entry %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestJSONLogger_BasicLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, DebugLevel)

	logger.Info("test message", String("key", "value"))

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry["level"] != "info" {
		t.Errorf("level = %v, want info", entry["level"])
	}
	if entry["message"] != "test message" {
		t.Errorf("message = %v, want 'test message'", entry["message"])
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want 'value'", entry["key"])
	}
	if entry["time"] == nil {
		t.Error("time field is missing")
	}
}

func TestJSONLogger_LogLevels(t *testing.T) {
	tests := []struct {
		name     string
		logFunc  func(Logger)
		expected string
	}{
		{"Debug", func(l Logger) { l.Debug("debug msg") }, "debug"},
		{"Info", func(l Logger) { l.Info("info msg") }, "info"},
		{"Warn", func(l Logger) { l.Warn("warn msg") }, "warn"},
		{"Error", func(l Logger) { l.Error("error msg") }, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.logFunc(NewJSONLogger(&buf, DebugLevel))

			entries := decodeLines(t, &buf)
			if len(entries) != 1 {
				t.Fatalf("Expected 1 entry, got %d", len(entries))
			}
			if entries[0]["level"] != tt.expected {
				t.Errorf("level = %v, want %v", entries[0]["level"], tt.expected)
			}
		})
	}
}

func TestJSONLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, WarnLevel)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("Expected 2 log entries, got %d", len(entries))
	}
	if entries[0]["level"] != "warn" {
		t.Errorf("First entry level = %v, want warn", entries[0]["level"])
	}
	if entries[1]["level"] != "error" {
		t.Errorf("Second entry level = %v, want error", entries[1]["level"])
	}
}

func TestJSONLogger_MultipleFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, InfoLevel)

	logger.Info("test",
		String("str", "hello"),
		Int("num", 42),
		Bool("flag", true),
		Offset(1<<40),
		Error(nil),
	)

	entry := decodeLines(t, &buf)[0]
	if entry["str"] != "hello" {
		t.Errorf("str field = %v, want hello", entry["str"])
	}
	if entry["num"] != float64(42) {
		t.Errorf("num field = %v, want 42", entry["num"])
	}
	if entry["flag"] != true {
		t.Errorf("flag field = %v, want true", entry["flag"])
	}
	if entry["offset"] != float64(1<<40) {
		t.Errorf("offset field = %v, want %d", entry["offset"], int64(1<<40))
	}
	if v, ok := entry["error"]; !ok || v != nil {
		t.Errorf("error field = %v, want null", v)
	}
}

func TestJSONLogger_With(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, InfoLevel)

	child := logger.With(Component("replication"), ReplID("abc"))
	child.Info("test message", String("action", "psync"))

	entry := decodeLines(t, &buf)[0]
	if entry["component"] != "replication" {
		t.Errorf("component field = %v, want replication", entry["component"])
	}
	if entry["replid"] != "abc" {
		t.Errorf("replid field = %v, want abc", entry["replid"])
	}
	if entry["action"] != "psync" {
		t.Errorf("action field = %v, want psync", entry["action"])
	}
}

func TestJSONLogger_WithKeepsLevelIndependent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewJSONLogger(&buf, InfoLevel)
	child := parent.With(Component("replica"))

	child.SetLevel(ErrorLevel)
	if parent.GetLevel() != InfoLevel {
		t.Errorf("parent level = %v, want InfoLevel", parent.GetLevel())
	}

	child.Info("suppressed")
	parent.Info("kept")
	if got := len(decodeLines(t, &buf)); got != 1 {
		t.Errorf("Expected 1 entry, got %d", got)
	}
}

func TestJSONLogger_SetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, InfoLevel)

	if logger.GetLevel() != InfoLevel {
		t.Errorf("Initial level = %v, want InfoLevel", logger.GetLevel())
	}

	logger.SetLevel(ErrorLevel)
	if logger.GetLevel() != ErrorLevel {
		t.Errorf("After SetLevel, level = %v, want ErrorLevel", logger.GetLevel())
	}

	logger.Debug("debug")
	logger.Info("info")
	if buf.Len() != 0 {
		t.Error("Expected no output for Debug/Info at ErrorLevel")
	}

	logger.Error("error")
	if buf.Len() == 0 {
		t.Error("Expected output for Error at ErrorLevel")
	}
}

func TestConsoleLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewConsoleLogger(&buf, InfoLevel)

	logger.Info("replica connected", Addr("127.0.0.1:6380"))

	out := buf.String()
	if !strings.Contains(out, "replica connected") {
		t.Errorf("output %q missing message", out)
	}
	if !strings.Contains(out, "addr=127.0.0.1:6380") {
		t.Errorf("output %q missing addr field", out)
	}
}

func TestDefaultLogger(t *testing.T) {
	logger := DefaultLogger()
	if logger == nil {
		t.Fatal("DefaultLogger() returned nil")
	}
	logger.Info("test message")
}

func TestGlobalHelperFunctions(t *testing.T) {
	var buf bytes.Buffer
	SetDefaultLogger(NewJSONLogger(&buf, DebugLevel))
	defer SetDefaultLogger(NewNopLogger())

	Debug("debug msg")
	Info("info msg")
	Warn("warn msg")
	ErrorLog("error msg")

	entries := decodeLines(t, &buf)
	if len(entries) != 4 {
		t.Fatalf("Expected 4 log entries, got %d", len(entries))
	}
	for i, want := range []string{"debug", "info", "warn", "error"} {
		if entries[i]["level"] != want {
			t.Errorf("Entry %d level = %v, want %v", i, entries[i]["level"], want)
		}
	}
}

func TestGlobalWith(t *testing.T) {
	var buf bytes.Buffer
	SetDefaultLogger(NewJSONLogger(&buf, InfoLevel))
	defer SetDefaultLogger(NewNopLogger())

	With(String("service", "cluso-kv")).Info("test")

	entry := decodeLines(t, &buf)[0]
	if entry["service"] != "cluso-kv" {
		t.Errorf("service field = %v, want cluso-kv", entry["service"])
	}
}

func TestTimedOperation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, InfoLevel)

	StartTimer(logger, "snapshot written", Path("/tmp/x")).End()
	StartTimer(logger, "snapshot failed").EndError(errors.New("disk full"))

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0]["latency"] == nil || entries[0]["path"] != "/tmp/x" {
		t.Errorf("unexpected first entry %v", entries[0])
	}
	if entries[1]["level"] != "error" || entries[1]["error"] != "disk full" {
		t.Errorf("unexpected second entry %v", entries[1])
	}
}

func BenchmarkJSONLogger_Info(b *testing.B) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, InfoLevel)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.Info("benchmark message",
			String("key1", "value1"),
			Int("key2", 42),
		)
	}
}

func BenchmarkJSONLogger_InfoFiltered(b *testing.B) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, ErrorLevel)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.Info("benchmark message",
			String("key1", "value1"),
			Int("key2", 42),
		)
	}
}
