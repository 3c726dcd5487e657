package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sectionreg/internal/config"
)

func TestTraditionalHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraditionalHandler(&buf, slog.LevelInfo))
	logger.With("run", "r1").WithGroup("pair").Info("record written", "fixed", 3)
	logger.Debug("hidden")

	out := buf.String()
	if !strings.Contains(out, "[INFO] record written [run=r1 pair.fixed=3]") {
		t.Fatalf("unexpected output %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line should be filtered: %q", out)
	}
}

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "debug", "json")
	LogJobError(logger, "import", "im-1", 1500*time.Millisecond, errors.New("boom"), nil)
	if !strings.Contains(buf.String(), `"msg":"job failed"`) || !strings.Contains(buf.String(), `"duration_ms":1500`) {
		t.Fatalf("unexpected json output %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetupWritesLogFile(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.FileOutput = true
	cfg.Logging.LogDir = filepath.Join(t.TempDir(), "logs")
	cfg.Logging.Level = "info"

	prev := slog.Default()
	defer slog.SetDefault(prev)

	logger, closer, err := Setup(cfg)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	logger.Info("hello from test")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	name := filepath.Join(cfg.Logging.LogDir, "sectionreg-"+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "hello from test") {
		t.Fatalf("log file missing message: %q", data)
	}
}
