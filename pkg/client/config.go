package client

import (
	"fmt"
	"net/url"
	"time"

	"github.com/Sternrassler/inference-client/pkg/breaker"
	"github.com/Sternrassler/inference-client/pkg/cache"
)

// DefaultRequestTimeout bounds a single transport attempt.
const DefaultRequestTimeout = 60 * time.Second

// Config holds the client configuration.
type Config struct {
	// BaseURL of the inference server, e.g. "http://localhost:8000" (REQUIRED).
	BaseURL string `yaml:"base_url" json:"base_url"`

	// CompletionsPath is appended to BaseURL (default: /v1/chat/completions).
	CompletionsPath string `yaml:"completions_path" json:"completions_path"`

	// APIKey is sent as a bearer token when set.
	APIKey string `yaml:"api_key" json:"-"`

	// RequestTimeout bounds one attempt; 0 disables the per-attempt bound.
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`

	// CountCancellations makes caller cancellations count as breaker failures.
	CountCancellations bool `yaml:"count_cancellations" json:"count_cancellations"`

	Cache   cache.Config   `yaml:"cache" json:"cache"`
	Retry   RetryConfig    `yaml:"retry" json:"retry"`
	Breaker breaker.Config `yaml:"breaker" json:"breaker"`
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:         baseURL,
		CompletionsPath: DefaultCompletionsPath,
		RequestTimeout:  DefaultRequestTimeout,
		Cache:           cache.DefaultConfig(),
		Retry:           DefaultRetryConfig(),
		Breaker:         breaker.DefaultConfig(),
	}
}

// Validate reports configuration errors wrapped in ErrInvalidConfig.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base_url is required", ErrInvalidConfig)
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: base_url %q must be an absolute http(s) URL", ErrInvalidConfig, c.BaseURL)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("%w: request_timeout must be >= 0 (got %s)", ErrInvalidConfig, c.RequestTimeout)
	}
	if err := validateCacheConfig(c.Cache); err != nil {
		return err
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("%w: retry: %v", ErrInvalidConfig, err)
	}
	if err := c.Breaker.Validate(); err != nil {
		return fmt.Errorf("%w: breaker: %v", ErrInvalidConfig, err)
	}
	return nil
}

func validateCacheConfig(cfg cache.Config) error {
	if cfg.MaxEntries < 0 {
		return fmt.Errorf("%w: cache: max_entries must be >= 0 (got %d)", ErrInvalidConfig, cfg.MaxEntries)
	}
	if cfg.TTL < 0 {
		return fmt.Errorf("%w: cache: ttl must be >= 0 (got %s)", ErrInvalidConfig, cfg.TTL)
	}
	return nil
}
