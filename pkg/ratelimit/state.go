// Package ratelimit tracks the request and token quota an OpenAI-compatible
// inference server reports in its x-ratelimit-* response headers.
//
// The tracker only observes: it never delays or rejects calls. Quota state is
// exported as Prometheus gauges and, when a Redis client is configured, shared
// between proxy replicas.
package ratelimit

import (
	"time"
)

// Redis key suffixes for quota state storage.
const (
	RedisKeyState = "state"

	DefaultRedisPrefix = "inference:ratelimit:"
)

// Thresholds on remaining requests.
const (
	// RemainingThresholdCritical marks the quota as exhausted.
	RemainingThresholdCritical = 1

	// RemainingThresholdWarning marks the quota as close to exhausted.
	RemainingThresholdWarning = 10
)

// QuotaState is the most recent quota reported by the upstream server.
// Negative limits and remainders mean the header was absent.
type QuotaState struct {
	LimitRequests     int `json:"limit_requests"`
	RemainingRequests int `json:"remaining_requests"`
	LimitTokens       int `json:"limit_tokens"`
	RemainingTokens   int `json:"remaining_tokens"`

	// ResetAt is when the request quota refills.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when the headers were observed.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is false once remaining requests drop below the warning threshold.
	IsHealthy bool `json:"is_healthy"`
}

// unknownState is reported before any header was seen.
func unknownState(now time.Time) *QuotaState {
	return &QuotaState{
		LimitRequests:     -1,
		RemainingRequests: -1,
		LimitTokens:       -1,
		RemainingTokens:   -1,
		LastUpdate:        now,
		IsHealthy:         true,
	}
}

// IsStale returns true if the state is older than maxAge at now.
func (s *QuotaState) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.LastUpdate) > maxAge
}

// Exhausted reports whether the request quota is used up.
func (s *QuotaState) Exhausted() bool {
	return s.RemainingRequests >= 0 && s.RemainingRequests < RemainingThresholdCritical
}

// NearLimit reports whether the request quota is low but not exhausted.
func (s *QuotaState) NearLimit() bool {
	return s.RemainingRequests >= 0 && s.RemainingRequests < RemainingThresholdWarning && !s.Exhausted()
}

// TimeUntilReset returns the time left until ResetAt, or 0 if it has passed.
func (s *QuotaState) TimeUntilReset(now time.Time) time.Duration {
	d := s.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// UpdateHealth sets IsHealthy from RemainingRequests.
func (s *QuotaState) UpdateHealth() {
	s.IsHealthy = s.RemainingRequests < 0 || s.RemainingRequests >= RemainingThresholdWarning
}
