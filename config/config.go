// Package config loads SDK configuration from an optional YAML file layered
// under environment variables. The resulting Config is immutable after load
// and safe to share across concurrent calls.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cellbox-dev/cellbox/errdefs"
	"gopkg.in/yaml.v3"
)

const (
	defaultBaseURL = "https://api.cellbox.dev"
	debugBaseURL   = "http://localhost:3000"
	defaultDomain  = "cellbox.dev"
)

type Config struct {
	APIKey     string
	BaseURL    string
	Domain     string
	Timeout    time.Duration
	MaxRetries int
	Debug      bool
}

// fileConfig is the schema of the optional config file at
// $XDG_CONFIG_HOME/cellbox/config.yaml (or ~/.config/cellbox/config.yaml).
type fileConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	Domain         string `yaml:"domain"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

// Load builds a Config from the config file (if present) and the environment.
// Environment variables win over file values. An API key is required.
func Load() (Config, error) {
	cfg := Config{
		Timeout:    5 * time.Minute,
		MaxRetries: 3,
	}

	if err := applyFile(&cfg); err != nil {
		return Config{}, err
	}

	if v := os.Getenv("CELLBOX_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("CELLBOX_DEBUG"); strings.EqualFold(v, "true") {
		cfg.Debug = true
	}

	if cfg.APIKey == "" {
		return Config{}, errdefs.ErrAPIKeyNotFound
	}
	if cfg.BaseURL == "" {
		if cfg.Debug {
			cfg.BaseURL = debugBaseURL
		} else {
			cfg.BaseURL = defaultBaseURL
		}
	}
	return cfg, nil
}

// WithAPIKey builds a Config without consulting the environment for the key.
func WithAPIKey(apiKey string) Config {
	cfg, err := Load()
	if err != nil {
		cfg = Config{Timeout: 5 * time.Minute, MaxRetries: 3}
		if strings.EqualFold(os.Getenv("CELLBOX_DEBUG"), "true") {
			cfg.Debug = true
			cfg.BaseURL = debugBaseURL
		} else {
			cfg.BaseURL = defaultBaseURL
		}
	}
	cfg.APIKey = apiKey
	return cfg
}

func applyFile(cfg *Config) error {
	path := configFilePath()
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	if fc.APIKey != "" {
		cfg.APIKey = fc.APIKey
	}
	if fc.BaseURL != "" {
		cfg.BaseURL = fc.BaseURL
	}
	if fc.Domain != "" {
		cfg.Domain = fc.Domain
	}
	if fc.TimeoutSeconds > 0 {
		cfg.Timeout = time.Duration(fc.TimeoutSeconds) * time.Second
	}
	if fc.MaxRetries > 0 {
		cfg.MaxRetries = fc.MaxRetries
	}
	return nil
}

func configFilePath() string {
	if v := os.Getenv("CELLBOX_CONFIG"); v != "" {
		return v
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "cellbox", "config.yaml")
}

// SandboxDomain returns the domain under which per-sandbox daemon hostnames
// are built. CELLBOX_SANDBOX_DOMAIN wins over CELLBOX_DOMAIN; a leading
// "api." prefix is stripped so the API hostname can be reused directly.
func (c Config) SandboxDomain() string {
	if c.Debug {
		return "localhost"
	}
	for _, env := range []string{"CELLBOX_SANDBOX_DOMAIN", "CELLBOX_DOMAIN"} {
		d := strings.TrimPrefix(strings.TrimSpace(os.Getenv(env)), "api.")
		if d != "" {
			return d
		}
	}
	if c.Domain != "" {
		return strings.TrimPrefix(c.Domain, "api.")
	}
	return defaultDomain
}
