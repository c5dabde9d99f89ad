package logging

import (
	"bytes"
	"os"
	"strings"
	"sync"
	"testing"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{DEBUG, "DEBUG"},
		{INFO, "INFO"},
		{WARN, "WARN"},
		{ERROR, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", DEBUG, false},
		{"INFO", INFO, false},
		{"", INFO, false},
		{" warning ", WARN, false},
		{"error", ERROR, false},
		{"loud", INFO, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNew_NoColorForBuffers(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, DEBUG)

	logger.Info("plain")

	if strings.Contains(buf.String(), "\033[") {
		t.Errorf("buffer output should not carry colour codes: %q", buf.String())
	}
}

func TestWithField(t *testing.T) {
	logger := WithField("key", "value")

	if logger == nil {
		t.Fatal("WithField returned nil")
	}
	if logger.fields["key"] != "value" {
		t.Error("field not set correctly")
	}
	if len(defaultLogger.fields) > 0 {
		t.Error("should not modify default logger")
	}
}

func TestLogger_WithFields_PreservesParent(t *testing.T) {
	base := New(os.Stdout, INFO).WithField("existing", "value")

	logger := base.WithFields(map[string]interface{}{
		"new1": "value1",
		"new2": "value2",
	})

	if len(logger.fields) != 3 {
		t.Errorf("got %d fields, want 3", len(logger.fields))
	}
	if logger.fields["existing"] != "value" {
		t.Error("existing field not preserved")
	}
	if _, ok := base.fields["new1"]; ok {
		t.Error("original logger was modified")
	}
}

func TestLogger_log_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, WARN)

	logger.Debug("debug message")
	logger.Info("info message")
	if buf.Len() > 0 {
		t.Error("DEBUG and INFO should be filtered when level is WARN")
	}

	logger.Warn("warn message")
	if buf.Len() == 0 {
		t.Error("WARN should not be filtered")
	}

	if logger.Enabled(INFO) {
		t.Error("Enabled(INFO) should be false at WARN")
	}
}

func TestLogger_log_FormatWithArgs(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, DEBUG)

	logger.Info("value: %d", 42)

	output := buf.String()
	if !strings.Contains(output, "[INFO]") {
		t.Error("output should contain level")
	}
	if !strings.Contains(output, "value: 42") {
		t.Errorf("output should contain formatted value: %s", output)
	}
}

func TestLogger_log_FieldsSorted(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, DEBUG).WithFields(map[string]interface{}{
		"user":      "u1",
		"component": "engine",
		"count":     3,
	})

	logger.Info("test")

	output := buf.String()
	want := "| component=engine count=3 user=u1"
	if !strings.Contains(output, want) {
		t.Errorf("output = %q, want fields %q", output, want)
	}
}

func TestPackageLevelFunctions(t *testing.T) {
	var buf bytes.Buffer
	origOutput := defaultLogger.output
	origLevel := defaultLogger.level
	defer func() {
		SetOutput(origOutput)
		SetLevel(origLevel)
	}()

	SetOutput(&buf)
	SetLevel(DEBUG)

	Debug("d")
	Info("i")
	Warn("w")
	Error("e")

	for _, want := range []string{"[DEBUG]", "[INFO]", "[WARN]", "[ERROR]"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("output missing %s", want)
		}
	}
}

func TestLogger_ConcurrentChildren(t *testing.T) {
	var buf bytes.Buffer
	parent := New(&buf, DEBUG)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			parent.WithField("n", n).Info("message %d", n)
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 10 {
		t.Errorf("expected 10 log lines, got %d", len(lines))
	}
}

func TestDefaultLoggerInitialization(t *testing.T) {
	if defaultLogger == nil {
		t.Fatal("defaultLogger should be initialized")
	}
	if defaultLogger.level != INFO {
		t.Error("default level should be INFO")
	}
	if Default() != defaultLogger {
		t.Error("Default() should return the package logger")
	}
}
