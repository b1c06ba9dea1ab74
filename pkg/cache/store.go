package cache

import (
	"context"
	"time"

	"github.com/Sternrassler/inference-client/pkg/models"
)

// Defaults used when a Config field is left zero.
const (
	DefaultMaxEntries = 1000
	DefaultTTL        = 5 * time.Minute
)

// Config controls response caching.
type Config struct {
	// Enabled turns caching on. When false, Get always misses and Set is a no-op.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// MaxEntries bounds the number of cached responses (LRU eviction beyond it).
	MaxEntries int `yaml:"max_entries" json:"max_entries"`

	// TTL is the maximum age of an entry. Zero disables expiry.
	TTL time.Duration `yaml:"ttl" json:"ttl"`
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		MaxEntries: DefaultMaxEntries,
		TTL:        DefaultTTL,
	}
}

func (c Config) normalized() Config {
	if c.MaxEntries <= 0 {
		c.MaxEntries = DefaultMaxEntries
	}
	if c.TTL < 0 {
		c.TTL = 0
	}
	return c
}

// Store is a fingerprint -> response cache.
//
// Implementations never return errors from Get or Set: a backend failure is
// reported as a miss (Get) or dropped (Set) so the request pipeline continues.
type Store interface {
	Get(ctx context.Context, key string) (*models.Response, bool)
	Set(ctx context.Context, key string, value *models.Response)
	Clear(ctx context.Context) error
	Stats(ctx context.Context) Stats
	Configure(cfg Config)
}

// Stats is a point-in-time view of a store.
type Stats struct {
	Backend     string        `json:"backend"`
	Enabled     bool          `json:"enabled"`
	Size        int           `json:"size"`
	Capacity    int           `json:"capacity"`
	TTL         time.Duration `json:"ttl"`
	Hits        uint64        `json:"hits"`
	Misses      uint64        `json:"misses"`
	Evictions   uint64        `json:"evictions"`
	Expirations uint64        `json:"expirations"`
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}
