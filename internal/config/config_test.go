package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvConfigPath, filepath.Join(t.TempDir(), "missing.json"))
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Processing.ParallelJobs != defaultParallel {
		t.Fatalf("expected default parallel jobs, got %d", cfg.Processing.ParallelJobs)
	}
	if cfg.Stack.Width != 4 || cfg.Stack.Prefix != "slice_" {
		t.Fatalf("unexpected default stack %+v", cfg.Stack)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadJSONOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
  "processing": {"parallel_jobs": 2},
  "stack": {"parent_directory": "/data/stack", "prefix": "sec", "extension": "png", "width": 5, "scaling": 0.25},
  "storage": {"driver": "sqlite3"}
}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Processing.ParallelJobs != 2 {
		t.Fatalf("expected 2 parallel jobs, got %d", cfg.Processing.ParallelJobs)
	}
	if cfg.Stack.ParentDirectory != "/data/stack" || cfg.Stack.Width != 5 || cfg.Stack.Scaling != 0.25 {
		t.Fatalf("stack not decoded: %+v", cfg.Stack)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("untouched sections should keep defaults, got level %q", cfg.Logging.Level)
	}
	n, err := cfg.Namer()
	if err != nil {
		t.Fatalf("namer: %v", err)
	}
	if name, _ := n.FileName(12); name != "sec00012.png" {
		t.Fatalf("unexpected name %s", name)
	}
}

func TestYAMLRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Stack.Prefix = "bse_"
	cfg.Stack.MaxSlice = 120
	cfg.Export.Delimiter = "comma"
	if err := Save(cfg, path); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Stack.Prefix != "bse_" || got.Stack.MaxSlice != 120 || got.Export.Delimiter != "comma" {
		t.Fatalf("yaml round trip lost fields: %+v %+v", got.Stack, got.Export)
	}
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cfg := Default()
	cfg.Stack.Width = 2
	cfg.Stack.MaxSlice = 500
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected width/max slice mismatch to fail")
	}

	cfg = Default()
	cfg.Storage.Driver = "postgres"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unknown driver to fail")
	}

	cfg = Default()
	cfg.Processing.ParallelJobs = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected zero parallel jobs to fail")
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatalf("expected parse error")
	}
}
