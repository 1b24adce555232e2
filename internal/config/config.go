package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/abelbrown/discrimhist/internal/mda"
)

// Runner names a processing backend.
const (
	RunnerHTTP  = "http"
	RunnerLocal = "local"
)

// Config is the persistent application configuration
type Config struct {
	// Processing backend
	Processing ProcessingConfig `json:"processing"`

	// Recalculation behaviour
	Recalc RecalcConfig `json:"recalc"`

	// Viewer preferences
	View ViewConfig `json:"view"`

	// Where results and events are kept
	Storage StorageConfig `json:"storage"`
}

// ProcessingConfig selects and configures the processor backend
type ProcessingConfig struct {
	Runner            string  `json:"runner"`              // "http" or "local"
	ProxyURL          string  `json:"proxy_url,omitempty"` // processing proxy for the http runner
	RequestsPerSecond float64 `json:"requests_per_second"` // 0 = unlimited
	LocalCommand      string  `json:"local_command,omitempty"`
	Processor         string  `json:"processor"`
	DType             string  `json:"dtype"` // on-disk element type of the artifact
	WorkDir           string  `json:"work_dir"`
}

// RecalcConfig holds recalculation controller settings
type RecalcConfig struct {
	DebounceMs int `json:"debounce_ms"`
}

// ViewConfig holds viewer preferences
type ViewConfig struct {
	Bins     int     `json:"bins"`
	ZoomStep float64 `json:"zoom_step"`
}

// StorageConfig holds file locations
type StorageConfig struct {
	DBPath     string `json:"db_path"`
	EventsPath string `json:"events_path"`
}

// Dir returns ~/.discrimhist.
func Dir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".discrimhist")
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	dir := Dir()
	return &Config{
		Processing: ProcessingConfig{
			Runner:            RunnerHTTP,
			ProxyURL:          "http://localhost:8000",
			RequestsPerSecond: 5,
			LocalCommand:      "mp-run-process",
			Processor:         "mv_discrimhist",
			DType:             "float32",
			WorkDir:           filepath.Join(dir, "work"),
		},
		Recalc: RecalcConfig{
			DebounceMs: 0, // start immediately
		},
		View: ViewConfig{
			Bins:     200,
			ZoomStep: 1.2,
		},
		Storage: StorageConfig{
			DBPath:     filepath.Join(dir, "discrimhist.db"),
			EventsPath: filepath.Join(dir, "events.jsonl"),
		},
	}
}

// ConfigPath returns the path to the config file
func ConfigPath() string {
	return filepath.Join(Dir(), "config.json")
}

// Load reads config from disk, or returns defaults. Environment overrides
// are applied either way.
func Load() (*Config, error) {
	return LoadFrom(ConfigPath())
}

// LoadFrom reads the config at path. Missing keys keep their defaults.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.AutoPopulateFromEnv()
			return cfg, cfg.Validate()
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.AutoPopulateFromEnv()
	return cfg, cfg.Validate()
}

// Save writes config to disk
func (c *Config) Save() error {
	return c.SaveTo(ConfigPath())
}

// SaveTo writes config to path, creating its directory.
func (c *Config) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// AutoPopulateFromEnv applies DISCRIMHIST_* overrides. MLPROXY_URL is
// accepted as an alias for the proxy URL.
func (c *Config) AutoPopulateFromEnv() {
	if v := os.Getenv("MLPROXY_URL"); v != "" {
		c.Processing.ProxyURL = v
	}
	if v := os.Getenv("DISCRIMHIST_PROXY_URL"); v != "" {
		c.Processing.ProxyURL = v
	}
	if v := os.Getenv("DISCRIMHIST_RUNNER"); v != "" {
		c.Processing.Runner = v
	}
	if v := os.Getenv("DISCRIMHIST_LOCAL_COMMAND"); v != "" {
		c.Processing.LocalCommand = v
	}
	if v := os.Getenv("DISCRIMHIST_PROCESSOR"); v != "" {
		c.Processing.Processor = v
	}
	if v := os.Getenv("DISCRIMHIST_WORK_DIR"); v != "" {
		c.Processing.WorkDir = v
	}
	if v := os.Getenv("DISCRIMHIST_DB"); v != "" {
		c.Storage.DBPath = v
	}
	if v := os.Getenv("DISCRIMHIST_DEBOUNCE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Recalc.DebounceMs = n
		}
	}
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	switch c.Processing.Runner {
	case RunnerHTTP:
		if c.Processing.ProxyURL == "" {
			return fmt.Errorf("runner %q needs proxy_url", RunnerHTTP)
		}
	case RunnerLocal:
		if c.Processing.LocalCommand == "" {
			return fmt.Errorf("runner %q needs local_command", RunnerLocal)
		}
	default:
		return fmt.Errorf("unknown runner %q", c.Processing.Runner)
	}
	if _, err := mda.ParseDType(c.Processing.DType); err != nil {
		return err
	}
	if c.View.Bins < 1 {
		return fmt.Errorf("bins must be positive, got %d", c.View.Bins)
	}
	if c.View.ZoomStep <= 1 {
		return fmt.Errorf("zoom_step must be > 1, got %g", c.View.ZoomStep)
	}
	if c.Recalc.DebounceMs < 0 {
		return fmt.Errorf("debounce_ms must be >= 0, got %d", c.Recalc.DebounceMs)
	}
	return nil
}

// DType returns the parsed artifact element type. Validate first.
func (c *Config) DType() mda.DType {
	d, err := mda.ParseDType(c.Processing.DType)
	if err != nil {
		return mda.Float32
	}
	return d
}

// Debounce returns the recalculation debounce window.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Recalc.DebounceMs) * time.Millisecond
}
