package logger

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("connection")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "connection" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestConfigureFileOutput(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	path := filepath.Join(t.TempDir(), "stream.log")

	log := Logger()
	if err := log.Configure("report", "text", path, 0); err != nil {
		t.Fatalf("configure: %v", err)
	}
	log.WithComponent("orderbook").Info("hello")
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		t.Fatalf("expected log line in file, err=%v", err)
	}
}

func TestWithEnv(t *testing.T) {
	t.Setenv("APP_ENV", "staging")
	entry := Logger().WithEnv("APP_ENV")
	if v, ok := entry.Entry.Data["APP_ENV"]; !ok || v != "staging" {
		t.Fatalf("env field not set: %v", entry.Entry.Data)
	}
}

func TestReportCounters(t *testing.T) {
	before, _ := reportFields()
	IncrementDesync()
	RecordThrottleWait(10 * time.Millisecond)
	RecordThrottleWait(0)
	IncrementFrameRead("wss://ws.okx.com/ws/v5/public", 42)

	after, streams := reportFields()
	if after["desyncs"].(int64) != before["desyncs"].(int64)+1 {
		t.Fatalf("desync counter not incremented")
	}
	if after["throttle_waits"].(int64) != before["throttle_waits"].(int64)+1 {
		t.Fatalf("only positive waits should be counted")
	}
	if streams["wss://ws.okx.com/ws/v5/public"]["bytes"] < 42 {
		t.Fatalf("stream bytes not recorded: %v", streams)
	}
}

func TestWarnCountsPerComponent(t *testing.T) {
	log := Logger()
	log.SetOutput(io.Discard)
	before, _ := reportFields()
	log.WithComponent("orderbook").Warn("gap")
	after, _ := reportFields()
	if after["warns_orderbook"].(int64) != before["warns_orderbook"].(int64)+1 {
		t.Fatalf("orderbook warn not counted")
	}
}
