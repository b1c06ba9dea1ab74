package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Response headers read by the tracker.
const (
	HeaderLimitRequests     = "X-Ratelimit-Limit-Requests"
	HeaderRemainingRequests = "X-Ratelimit-Remaining-Requests"
	HeaderResetRequests     = "X-Ratelimit-Reset-Requests"
	HeaderLimitTokens       = "X-Ratelimit-Limit-Tokens"
	HeaderRemainingTokens   = "X-Ratelimit-Remaining-Tokens"
	HeaderRetryAfter        = "Retry-After"
)

// stateTTL bounds how long shared state outlives its last update.
const stateTTL = 10 * time.Minute

// Tracker records upstream quota headers.
type Tracker struct {
	redis  *redis.Client
	prefix string
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	local *QuotaState

	remainingRequests prometheus.Gauge
	remainingTokens   prometheus.Gauge
	exhaustedTotal    prometheus.Counter
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithRedis shares quota state between replicas through Redis.
func WithRedis(client *redis.Client, prefix string) Option {
	return func(t *Tracker) {
		t.redis = client
		if prefix != "" {
			t.prefix = prefix
		}
	}
}

// WithLogger sets the tracker logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithClock sets the time source (for testing).
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker creates a tracker registering its gauges with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewTracker(reg prometheus.Registerer, opts ...Option) *Tracker {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	t := &Tracker{
		prefix: DefaultRedisPrefix,
		logger: log.With().Str("component", "ratelimit").Logger(),
		now:    time.Now,
		remainingRequests: factory.NewGauge(prometheus.GaugeOpts{
			Name: "inference_upstream_requests_remaining",
			Help: "Requests remaining in the upstream rate limit window (-1 when unknown)",
		}),
		remainingTokens: factory.NewGauge(prometheus.GaugeOpts{
			Name: "inference_upstream_tokens_remaining",
			Help: "Tokens remaining in the upstream rate limit window (-1 when unknown)",
		}),
		exhaustedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "inference_upstream_quota_exhausted_total",
			Help: "Number of upstream responses reporting an exhausted request quota",
		}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.remainingRequests.Set(-1)
	t.remainingTokens.Set(-1)
	return t
}

// Observe is a header hook for the HTTP transport. Errors are logged.
func (t *Tracker) Observe(ctx context.Context, headers http.Header) {
	if err := t.UpdateFromHeaders(ctx, headers); err != nil {
		t.logger.Debug().Err(err).Msg("Ignoring rate limit headers")
	}
}

// UpdateFromHeaders parses the quota headers and records the new state.
// Responses without quota headers leave the state unchanged.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	remainReq := headers.Get(HeaderRemainingRequests)
	remainTok := headers.Get(HeaderRemainingTokens)
	retryAfter := headers.Get(HeaderRetryAfter)
	if remainReq == "" && remainTok == "" && retryAfter == "" {
		return nil
	}

	now := t.now()
	state := unknownState(now)

	var err error
	if state.LimitRequests, err = intHeader(headers, HeaderLimitRequests); err != nil {
		return err
	}
	if state.RemainingRequests, err = intHeader(headers, HeaderRemainingRequests); err != nil {
		return err
	}
	if state.LimitTokens, err = intHeader(headers, HeaderLimitTokens); err != nil {
		return err
	}
	if state.RemainingTokens, err = intHeader(headers, HeaderRemainingTokens); err != nil {
		return err
	}

	reset := headers.Get(HeaderResetRequests)
	if reset == "" {
		reset = retryAfter
		if retryAfter != "" && state.RemainingRequests < 0 {
			// A bare Retry-After means the server refused the call.
			state.RemainingRequests = 0
		}
	}
	if reset != "" {
		d, err := ParseReset(reset)
		if err != nil {
			return fmt.Errorf("parse reset %q: %w", reset, err)
		}
		state.ResetAt = now.Add(d)
	}
	state.UpdateHealth()

	t.mu.Lock()
	t.local = state
	t.mu.Unlock()

	t.remainingRequests.Set(float64(state.RemainingRequests))
	t.remainingTokens.Set(float64(state.RemainingTokens))

	if t.redis != nil {
		data, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("marshal quota state: %w", err)
		}
		if err := t.redis.Set(ctx, t.prefix+RedisKeyState, data, stateTTL).Err(); err != nil {
			return fmt.Errorf("store quota state in redis: %w", err)
		}
	}

	switch {
	case state.Exhausted():
		t.exhaustedTotal.Inc()
		t.logger.Warn().
			Int("remaining_requests", state.RemainingRequests).
			Dur("reset_in", state.TimeUntilReset(now)).
			Msg("Upstream request quota exhausted")
	case state.NearLimit():
		t.logger.Info().
			Int("remaining_requests", state.RemainingRequests).
			Int("remaining_tokens", state.RemainingTokens).
			Msg("Upstream request quota low")
	default:
		t.logger.Debug().
			Int("remaining_requests", state.RemainingRequests).
			Int("remaining_tokens", state.RemainingTokens).
			Msg("Upstream quota updated")
	}
	return nil
}

// State returns the latest quota. With Redis it prefers the shared state, so
// replicas see headers observed by their peers.
func (t *Tracker) State(ctx context.Context) (*QuotaState, error) {
	if t.redis != nil {
		data, err := t.redis.Get(ctx, t.prefix+RedisKeyState).Bytes()
		switch {
		case err == nil:
			var state QuotaState
			if err := json.Unmarshal(data, &state); err != nil {
				return nil, fmt.Errorf("parse quota state: %w", err)
			}
			return &state, nil
		case !errors.Is(err, redis.Nil):
			return nil, fmt.Errorf("get quota state: %w", err)
		}
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.local == nil {
		return unknownState(t.now()), nil
	}
	state := *t.local
	return &state, nil
}

// ParseReset parses a reset header: a Go-style duration ("1s", "6m0s",
// "20ms") or a number of seconds ("30", "1.5").
func ParseReset(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("negative reset")
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative reset")
	}
	return d, nil
}

func intHeader(headers http.Header, name string) (int, error) {
	v := strings.TrimSpace(headers.Get(name))
	if v == "" {
		return -1, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1, fmt.Errorf("parse %s header: %w", name, err)
	}
	return n, nil
}
