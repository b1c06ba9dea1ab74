// Package config loads inference proxy configuration from YAML and the environment.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/Sternrassler/inference-client/pkg/client"
	"github.com/Sternrassler/inference-client/pkg/logging"
	"gopkg.in/yaml.v3"
)

// DefaultBaseURL is the inference server used when none is configured.
const DefaultBaseURL = "http://localhost:8000"

// Environment variables applied on top of the file.
const (
	EnvBaseURL    = "INFERENCE_BASE_URL"
	EnvAPIKey     = "INFERENCE_API_KEY"
	EnvRedisURL   = "REDIS_URL"
	EnvLogLevel   = "LOG_LEVEL"
	EnvListenAddr = "LISTEN_ADDR"
)

// Config holds all proxy configuration.
type Config struct {
	Listen  string         `yaml:"listen"`
	Client  client.Config  `yaml:"client"`
	Redis   RedisConfig    `yaml:"redis"`
	Logging logging.Config `yaml:"logging"`
	Metrics MetricsConfig  `yaml:"metrics"`
}

// RedisConfig enables the shared Redis response cache when URL is set.
type RedisConfig struct {
	// URL is a redis:// URL or a plain host:port address.
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Client: client.DefaultConfig(DefaultBaseURL),
		Logging: logging.Config{
			Level: logging.LevelInfo,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads a YAML config file, expands ${VAR} references and applies
// environment overrides. An empty path yields the defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}

		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.ApplyEnv(os.LookupEnv)
	return cfg, nil
}

// ApplyEnv overrides fields from non-empty environment variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvBaseURL); ok {
		c.Client.BaseURL = v
	}
	if v, ok := get(EnvAPIKey); ok {
		c.Client.APIKey = v
	}
	if v, ok := get(EnvRedisURL); ok {
		c.Redis.URL = v
	}
	if v, ok := get(EnvLogLevel); ok {
		c.Logging.Level = logging.LogLevel(v)
	}
	if v, ok := get(EnvListenAddr); ok {
		c.Listen = v
	}
}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if err := c.Client.Validate(); err != nil {
		return fmt.Errorf("client: %w", err)
	}
	if c.Logging.Level != "" && !logging.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("logging: unknown level %q", c.Logging.Level)
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics: path %q must start with /", c.Metrics.Path)
	}
	return nil
}
