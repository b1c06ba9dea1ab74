package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Sternrassler/inference-client/pkg/models"
)

// ErrNotCacheable indicates a request that must bypass the cache.
var ErrNotCacheable = errors.New("request not cacheable")

// keyMaterial is the canonical, cacheable subset of a request.
// Field order is fixed by the struct; message order is preserved as sent.
type keyMaterial struct {
	Model       string           `json:"model"`
	Messages    []models.Message `json:"messages"`
	Temperature float64          `json:"temperature"`
	MaxTokens   int              `json:"max_tokens"`
}

// Fingerprint derives the cache key for a request as the hex SHA-256 digest of
// its canonical JSON form. Defaults are applied before hashing so an explicit
// temperature of 0.7 and an omitted one share a key. Tracing IDs are ignored.
//
// Streaming requests and requests that cannot be serialized (e.g. a NaN
// temperature) return ErrNotCacheable.
//
// Example:
//
//	key, err := cache.Fingerprint(&req)
//	if errors.Is(err, cache.ErrNotCacheable) {
//		// go straight to the network
//	}
func Fingerprint(req *models.Request) (string, error) {
	if req == nil || req.Stream {
		return "", ErrNotCacheable
	}

	data, err := json.Marshal(keyMaterial{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.EffectiveTemperature(),
		MaxTokens:   req.EffectiveMaxTokens(),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotCacheable, err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
