package logger

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestLoggerHonoursLogLevelEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	if lvl := Logger().GetLevel(); lvl != logrus.DebugLevel {
		t.Fatalf("level = %v, want debug", lvl)
	}

	t.Setenv("LOG_LEVEL", "nonsense")
	if lvl := Logger().GetLevel(); lvl != logrus.InfoLevel {
		t.Fatalf("level = %v, want info fallback", lvl)
	}
}

func TestPerformanceEntryJSON(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	var buf bytes.Buffer
	log := Logger()
	if err := log.Configure("debug", "json", "stdout", 0); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	log.SetOutput(&buf)

	fields := Fields{"endpoint": "depth"}
	LogPerformanceEntry(log.WithComponent("binance_rest"), "binance_rest", "depth", 1500*time.Microsecond, fields)
	if _, ok := fields["duration_ms"]; ok {
		t.Fatalf("caller fields mutated: %v", fields)
	}

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["message"] != "performance metric" || line["component"] != "binance_rest" {
		t.Fatalf("unexpected line: %v", line)
	}
	if line["duration_ms"] != 1.5 {
		t.Fatalf("duration_ms = %v, want 1.5", line["duration_ms"])
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatalf("timestamp key missing: %v", line)
	}
}

func TestConfigureTextToFile(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	path := t.TempDir() + "/app.log"
	log := Logger()
	if err := log.Configure("debug", "text", path, 0); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	log.WithComponent("file_test").Info("hello")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "hello") {
		t.Fatalf("log line not written: %q", data)
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	if err := Logger().Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestWarnAndErrorAreCounted(t *testing.T) {
	log := Logger()
	log.SetOutput(io.Discard)
	entry := log.WithComponent("counter_test")
	entry.Warn("w")
	entry.Error("e")
	entry.Error("e")

	for _, c := range Counts() {
		if c.Component == "counter_test" {
			if c.Warnings != 1 || c.Errors != 2 {
				t.Fatalf("unexpected counts: %+v", c)
			}
			return
		}
	}
	t.Fatalf("component counts missing")
}
