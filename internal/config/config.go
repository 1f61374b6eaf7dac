package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigPath = "~/.config/scenesplit/config.json"
	defaultParallel   = 1
	// EnvConfigPath overrides the config file location.
	EnvConfigPath = "SCENESPLIT_CONFIG"
)

// Config holds user-editable settings for the converter.
type Config struct {
	Processing Processing `json:"processing" yaml:"processing"`
	Logging    Logging    `json:"logging" yaml:"logging"`
	Paths      Paths      `json:"paths" yaml:"paths"`
	Backends   Backends   `json:"backends" yaml:"backends"`
	Output     Output     `json:"output" yaml:"output"`
	Watch      Watch      `json:"watch" yaml:"watch"`
	Server     Server     `json:"server" yaml:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs" yaml:"parallel_jobs"`
	TempDir      string `json:"temp_dir" yaml:"temp_dir"`
	MemoryLimit  string `json:"memory_limit" yaml:"memory_limit"` // "auto" or a size such as "16GB"
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format     string `json:"format" yaml:"format"`           // text, json
	FileOutput bool   `json:"file_output" yaml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" yaml:"log_dir"`         // Directory for log files
	MaxSize    int    `json:"max_size" yaml:"max_size"`       // Max size in MB before rotation
	MaxBackups int    `json:"max_backups" yaml:"max_backups"` // Number of backup files to keep
	MaxAge     int    `json:"max_age" yaml:"max_age"`         // Days to keep log files
}

// Paths configures default locations.
type Paths struct {
	DefaultOutput string `json:"default_output" yaml:"default_output"`
	DatabasePath  string `json:"database_path" yaml:"database_path"`
}

// Backends defines which decoders may open source files, in preference order.
type Backends struct {
	Preferred string          `json:"preferred" yaml:"preferred"` // "czi", "ims"
	Fallbacks []string        `json:"fallbacks" yaml:"fallbacks"`
	Enabled   map[string]bool `json:"enabled" yaml:"enabled"`
}

// Order returns the preferred backend followed by its fallbacks, without
// duplicates or disabled entries.
func (b Backends) Order() []string {
	var out []string
	seen := make(map[string]bool)
	for _, name := range append([]string{b.Preferred}, b.Fallbacks...) {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if enabled, ok := b.Enabled[name]; ok && !enabled {
			continue
		}
		out = append(out, name)
	}
	return out
}

// Output controls how position volumes are written.
type Output struct {
	Prefix      string `json:"prefix" yaml:"prefix"`
	Compression string `json:"compression" yaml:"compression"` // none, deflate
	BigTIFF     string `json:"bigtiff" yaml:"bigtiff"`         // auto, always, never
	Normalize   bool   `json:"normalize" yaml:"normalize"`     // rescale 8-bit sources to 16-bit range
}

// Watch configures the directory watcher.
type Watch struct {
	SettleInterval string   `json:"settle_interval" yaml:"settle_interval"`
	Extensions     []string `json:"extensions" yaml:"extensions"`
}

// Settle parses SettleInterval, defaulting to ten seconds.
func (w Watch) Settle() time.Duration {
	d, err := time.ParseDuration(w.SettleInterval)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// Server configures the status endpoints.
type Server struct {
	Addr     string `json:"addr" yaml:"addr"`
	GRPCAddr string `json:"grpc_addr" yaml:"grpc_addr"`
}

// Path returns the config file location honoring the environment override.
func Path() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads configuration from the default location, falling back to
// defaults when the file does not exist.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads configuration from path. JSON is the default format; files
// ending in .yaml or .yml are parsed as YAML.
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
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(expanded)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", expanded, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", expanded, err)
		}
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", expanded, err)
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Processing.ParallelJobs < 1 {
		return fmt.Errorf("processing.parallel_jobs must be at least 1, got %d", c.Processing.ParallelJobs)
	}
	if _, err := c.MemoryBudget(); err != nil {
		return err
	}
	switch c.Output.Compression {
	case "none", "deflate":
	default:
		return fmt.Errorf("output.compression must be none or deflate, got %q", c.Output.Compression)
	}
	switch c.Output.BigTIFF {
	case "auto", "always", "never":
	default:
		return fmt.Errorf("output.bigtiff must be auto, always or never, got %q", c.Output.BigTIFF)
	}
	if len(c.Backends.Order()) == 0 {
		return errors.New("backends: no backend enabled")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) normalize() {
	c.Output.Compression = strings.ToLower(strings.TrimSpace(c.Output.Compression))
	if c.Output.Compression == "" {
		c.Output.Compression = "none"
	}
	c.Output.BigTIFF = strings.ToLower(strings.TrimSpace(c.Output.BigTIFF))
	if c.Output.BigTIFF == "" {
		c.Output.BigTIFF = "auto"
	}
	if strings.TrimSpace(c.Output.Prefix) == "" {
		c.Output.Prefix = "embryo"
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if p, err := expandUser(c.Paths.DatabasePath); err == nil {
		c.Paths.DatabasePath = p
	}
	if p, err := expandUser(c.Logging.LogDir); err == nil {
		c.Logging.LogDir = p
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			TempDir:      os.TempDir(),
			MemoryLimit:  "auto",
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
			MaxSize:    100, // 100MB
			MaxBackups: 5,
			MaxAge:     30, // 30 days
		},
		Paths: Paths{
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "scenesplit.db"),
		},
		Backends: Backends{
			Preferred: "czi",
			Fallbacks: []string{"ims"},
			Enabled:   map[string]bool{"czi": true, "ims": true},
		},
		Output: Output{
			Prefix:      "embryo",
			Compression: "none",
			BigTIFF:     "auto",
		},
		Watch: Watch{
			SettleInterval: "10s",
			Extensions:     []string{".czi", ".ims", ".h5"},
		},
		Server: Server{
			Addr: ":8080",
		},
	}
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
