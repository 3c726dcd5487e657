package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"sectionreg/internal/slicenaming"
)

const (
	// EnvConfigPath overrides the config file location.
	EnvConfigPath     = "SECTIONREG_CONFIG"
	defaultConfigPath = "~/.config/sectionreg/config.json"
	defaultParallel   = 4
)

// Config holds user-editable settings for the pipeline.
type Config struct {
	Processing Processing `json:"processing" yaml:"processing"`
	Logging    Logging    `json:"logging" yaml:"logging"`
	Paths      Paths      `json:"paths" yaml:"paths"`
	Storage    Storage    `json:"storage" yaml:"storage"`
	Stack      Stack      `json:"stack" yaml:"stack"`
	Export     Export     `json:"export" yaml:"export"`
	Server     Server     `json:"server" yaml:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs" yaml:"parallelJobs"`
	TempDir      string `json:"temp_dir" yaml:"tempDir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level"`            // debug, info, warn, error
	Format     string `json:"format" yaml:"format"`          // text, json
	FileOutput bool   `json:"file_output" yaml:"fileOutput"` // Enable file logging
	LogDir     string `json:"log_dir" yaml:"logDir"`         // Directory for log files
}

// Paths configures default input/output locations.
type Paths struct {
	ResultsDir    string `json:"results_dir" yaml:"resultsDir"`
	DefaultOutput string `json:"default_output" yaml:"defaultOutput"`
	DatabasePath  string `json:"database_path" yaml:"databasePath"`
}

// Storage selects the database/sql driver for the results index.
type Storage struct {
	Driver string `json:"driver" yaml:"driver"` // "sqlite" (pure Go) or "sqlite3" (cgo)
}

// Stack describes the serial-section image stack being registered.
type Stack struct {
	slicenaming.Config `yaml:",inline"`
	Scaling            float64 `json:"scaling" yaml:"scaling"` // microns per pixel
	SwapBytes          bool    `json:"swap_bytes" yaml:"swapBytes"`
}

// Export controls text table output.
type Export struct {
	Delimiter string `json:"delimiter" yaml:"delimiter"` // tab, comma, space or a literal
}

// Server configures the network listeners.
type Server struct {
	HTTPAddr string `json:"http_addr" yaml:"httpAddr"`
	GRPCAddr string `json:"grpc_addr" yaml:"grpcAddr"`
}

// Path returns the config file location, honoring SECTIONREG_CONFIG.
func Path() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads the config at path. A missing file yields the defaults.
// Files ending in .yaml or .yml are parsed as YAML, anything else as JSON.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if isYAML(expanded) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", expanded, err)
	}
	return cfg, nil
}

// Save writes cfg to path in the format implied by its extension.
func Save(cfg *Config, path string) error {
	expanded, err := expandUser(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	var data []byte
	if isYAML(expanded) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(expanded, data, 0o644)
}

// Validate checks settings that would otherwise fail late inside a job.
func (c *Config) Validate() error {
	if _, err := c.Namer(); err != nil {
		return err
	}
	switch c.Storage.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Processing.ParallelJobs < 1 {
		return fmt.Errorf("parallel_jobs must be at least 1, got %d", c.Processing.ParallelJobs)
	}
	return nil
}

// Namer builds the slice namer for the configured stack.
func (c *Config) Namer() (*slicenaming.Namer, error) {
	return slicenaming.NewFromConfig(c.Stack.Config)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			TempDir:      os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			ResultsDir:    "./results",
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "sectionreg.db"),
		},
		Storage: Storage{Driver: "sqlite"},
		Stack: Stack{
			Config: slicenaming.Config{
				ParentDirectory: ".",
				Prefix:          "slice_",
				Extension:       "tif",
				Width:           4,
			},
			Scaling: 1.0,
		},
		Export: Export{Delimiter: "tab"},
		Server: Server{
			HTTPAddr: "127.0.0.1:8080",
			GRPCAddr: "127.0.0.1:9090",
		},
	}
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) (string, error) {
	return expandUser(path)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
