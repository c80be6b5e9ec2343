// Package config loads service configuration from an optional YAML file,
// then environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"calagg/internal/logging"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// DatabasePath is the SQLite file. ":memory:" keeps everything in RAM.
	DatabasePath string `yaml:"database_path"`

	// BaseURL, when set, overrides the base_url setting used to build OAuth
	// redirect URLs and feed links.
	BaseURL string `yaml:"base_url"`

	// FetchTimeout bounds every request made to a calendar source.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`

	Log     logging.Config `yaml:"log"`
	Metrics MetricsConfig  `yaml:"metrics"`

	// SessionSecret keys the encryption of stored credentials. It is only
	// read from the environment.
	SessionSecret string `yaml:"-"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:       "127.0.0.1:5000",
		DatabasePath: "calagg.db",
		FetchTimeout: 30 * time.Second,
		Log:          logging.Config{Level: "info", Format: "console"},
		Metrics:      MetricsConfig{Enabled: true},
	}
}

// Load reads path (if non-empty), applies environment overrides and validates
// the result. A missing file is only an error when it was asked for explicitly.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config file %s not found", path)
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from environment variables looked up with lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"CALAGG_LISTEN":  &c.Listen,
		"DATABASE_PATH":  &c.DatabasePath,
		"BASE_URL":       &c.BaseURL,
		"LOG_LEVEL":      &c.Log.Level,
		"LOG_FORMAT":     &c.Log.Format,
		"SESSION_SECRET": &c.SessionSecret,
	}
	for key, dst := range str {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("FETCH_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid FETCH_TIMEOUT %q: %w", v, err)
		}
		c.FetchTimeout = d
	}
	if v, ok := lookup("METRICS_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid METRICS_ENABLED %q: %w", v, err)
		}
		c.Metrics.Enabled = b
	}
	return nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.SessionSecret == "" {
		return errors.New("SESSION_SECRET must be set")
	}
	if c.DatabasePath == "" {
		return errors.New("database_path must be set")
	}
	if c.Listen == "" {
		return errors.New("listen must be set")
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("fetch_timeout must be positive, got %s", c.FetchTimeout)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}
