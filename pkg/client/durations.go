package client

import (
	"sync"
	"time"
)

// Operation names recorded by Client.Durations.
const (
	OpChat        = "chat"
	OpTransport   = "transport"
	OpCacheLookup = "cache_lookup"
	OpBackoff     = "backoff"
)

// DurationStat accumulates the time spent in one operation.
type DurationStat struct {
	Count uint64        `json:"count"`
	Total time.Duration `json:"total"`
}

// Mean returns Total / Count, or 0.
func (s DurationStat) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

type durationRecorder struct {
	mu    sync.Mutex
	stats map[string]DurationStat
}

func newDurationRecorder() *durationRecorder {
	return &durationRecorder{stats: make(map[string]DurationStat)}
}

func (r *durationRecorder) record(op string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.stats[op]
	s.Count++
	s.Total += d
	r.stats[op] = s
}

func (r *durationRecorder) snapshot() map[string]DurationStat {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]DurationStat, len(r.stats))
	for op, s := range r.stats {
		out[op] = s
	}
	return out
}
