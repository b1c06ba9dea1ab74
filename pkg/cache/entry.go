package cache

import (
	"time"

	"github.com/Sternrassler/inference-client/pkg/models"
)

// Entry represents a cached completion.
type Entry struct {
	// Value is the cached response
	Value *models.Response `json:"value"`

	// InsertedAt is when the response was stored; TTL is measured from here
	InsertedAt time.Time `json:"inserted_at"`

	// LastAccess is refreshed on every hit
	LastAccess time.Time `json:"last_access"`
}

// NewEntry creates an entry stamped with now.
func NewEntry(value *models.Response, now time.Time) *Entry {
	return &Entry{
		Value:      value,
		InsertedAt: now,
		LastAccess: now,
	}
}

// Age returns how long the entry has been cached at now.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.InsertedAt)
}

// IsExpired returns true if the entry is older than ttl at now.
// A non-positive ttl never expires.
func (e *Entry) IsExpired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return e.Age(now) > ttl
}

// TTL returns the time left before expiry at now.
// Returns 0 if already expired.
func (e *Entry) TTL(now time.Time, ttl time.Duration) time.Duration {
	left := ttl - e.Age(now)
	if left < 0 {
		return 0
	}
	return left
}
