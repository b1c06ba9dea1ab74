package client

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/inference-client/pkg/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultRetryableStatusCodes are the HTTP statuses retried by default.
var DefaultRetryableStatusCodes = []int{408, 429, 500, 502, 503, 504}

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the number of retries after the first try (0 = no retries).
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// BaseDelay is the backoff before the first retry.
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay"`

	// MaxDelay caps the exponential backoff (before jitter).
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// JitterFactor scales the random extra delay, in [0,1].
	JitterFactor float64 `yaml:"jitter_factor" json:"jitter_factor"`

	// RetryableStatusCodes lists HTTP statuses worth retrying.
	RetryableStatusCodes []int `yaml:"retryable_status_codes" json:"retryable_status_codes"`
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	codes := make([]int, len(DefaultRetryableStatusCodes))
	copy(codes, DefaultRetryableStatusCodes)

	return RetryConfig{
		MaxAttempts:          3,
		BaseDelay:            500 * time.Millisecond,
		MaxDelay:             30 * time.Second,
		JitterFactor:         0.5,
		RetryableStatusCodes: codes,
	}
}

// Validate reports configuration errors.
func (c RetryConfig) Validate() error {
	if c.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must be >= 0 (got %d)", c.MaxAttempts)
	}
	if c.BaseDelay < 0 {
		return fmt.Errorf("base_delay must be >= 0 (got %s)", c.BaseDelay)
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("max_delay (%s) must be >= base_delay (%s)", c.MaxDelay, c.BaseDelay)
	}
	if c.JitterFactor < 0 || c.JitterFactor > 1 {
		return fmt.Errorf("jitter_factor must be in [0,1] (got %v)", c.JitterFactor)
	}
	for _, code := range c.RetryableStatusCodes {
		if code < 100 || code > 599 {
			return fmt.Errorf("retryable status code %d out of range", code)
		}
	}
	return nil
}

// BackoffDelay returns min(base * 2^attempt, max) for a zero-based attempt.
func BackoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		if delay >= max/2 {
			return max
		}
		delay *= 2
	}
	if delay > max {
		return max
	}
	return delay
}

// Operation is one invocation of the network call.
type Operation func(ctx context.Context) (*models.Response, error)

// RetryEvent describes a scheduled retry.
type RetryEvent struct {
	RequestID string

	// Attempt is the zero-based attempt that failed.
	Attempt int
	Delay   time.Duration
	Jitter  time.Duration
	Err     *RequestError
}

type retryPolicy struct {
	cfg   RetryConfig
	codes map[int]bool
}

func statusSet(codes []int) map[int]bool {
	set := make(map[int]bool, len(codes))
	for _, code := range codes {
		set[code] = true
	}
	return set
}

// Executor runs an operation with exponential backoff and jitter.
// It is safe for concurrent use; the policy can be swapped between calls.
type Executor struct {
	policy  atomic.Pointer[retryPolicy]
	sleep   func(ctx context.Context, d time.Duration) error
	random  func() float64
	onRetry func(RetryEvent)
	logger  zerolog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithSleep overrides the backoff sleep (for testing).
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) ExecutorOption {
	return func(e *Executor) {
		e.sleep = sleep
	}
}

// WithRandom overrides the jitter source; fn must return values in [0,1).
func WithRandom(fn func() float64) ExecutorOption {
	return func(e *Executor) {
		e.random = fn
	}
}

// WithRetryHook registers a callback invoked before each backoff sleep.
func WithRetryHook(fn func(RetryEvent)) ExecutorOption {
	return func(e *Executor) {
		e.onRetry = fn
	}
}

// WithExecutorLogger sets the executor logger.
func WithExecutorLogger(logger zerolog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// NewExecutor creates an executor. The config must be valid.
func NewExecutor(cfg RetryConfig, opts ...ExecutorOption) (*Executor, error) {
	e := &Executor{
		sleep:  sleepContext,
		random: rand.Float64,
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.UpdateConfig(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// UpdateConfig atomically replaces the retry policy for subsequent runs.
func (e *Executor) UpdateConfig(cfg RetryConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: retry: %v", ErrInvalidConfig, err)
	}
	codes := make([]int, len(cfg.RetryableStatusCodes))
	copy(codes, cfg.RetryableStatusCodes)
	cfg.RetryableStatusCodes = codes

	e.policy.Store(&retryPolicy{cfg: cfg, codes: statusSet(codes)})
	return nil
}

// Config returns the active retry configuration.
func (e *Executor) Config() RetryConfig {
	return e.policy.Load().cfg
}

// Run invokes op up to MaxAttempts+1 times.
//
// Network and timeout failures are always retried; HTTP status failures only
// when the status is in the retryable set; parsing failures never. A
// non-retryable failure is returned as-is after one attempt. When retries run
// out the last failure is wrapped with ErrRetryExhausted. If ctx ends, the
// loop stops and an error wrapping ErrContextCancelled is returned.
func (e *Executor) Run(ctx context.Context, op Operation) (*models.Response, error) {
	policy := e.policy.Load()
	cfg := policy.cfg

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, cancelled(err)
		}

		resp, err := op(ctx)
		if err == nil {
			if attempt > 0 {
				e.logger.Info().
					Int("attempt", attempt+1).
					Msg("Request succeeded after retry")
			}
			return resp, nil
		}

		// The caller gave up; whatever the attempt reported is moot.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, cancelled(ctxErr)
		}

		reqErr := classify(err)
		if !isRetryable(reqErr, policy.codes) {
			return nil, reqErr
		}

		if attempt >= cfg.MaxAttempts {
			e.logger.Warn().
				Str("failure", string(reqErr.Kind)).
				Int("attempts", attempt+1).
				Msg("Retry attempts exhausted")
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempt+1, reqErr)
		}

		delay := BackoffDelay(attempt, cfg.BaseDelay, cfg.MaxDelay)
		jitter := time.Duration(float64(delay) * cfg.JitterFactor * e.random())

		if e.onRetry != nil {
			e.onRetry(RetryEvent{
				RequestID: RequestIDFromContext(ctx),
				Attempt:   attempt,
				Delay:     delay,
				Jitter:    jitter,
				Err:       reqErr,
			})
		}

		e.logger.Debug().
			Str("request_id", RequestIDFromContext(ctx)).
			Str("failure", string(reqErr.Kind)).
			Int("status", reqErr.StatusCode).
			Int("attempt", attempt+1).
			Dur("backoff", delay+jitter).
			Msg("Retrying request after backoff")

		if err := e.sleep(ctx, delay+jitter); err != nil {
			e.logger.Warn().
				Int("attempt", attempt+1).
				Msg("Context cancelled during retry backoff")
			return nil, cancelled(err)
		}
	}
}

func cancelled(err error) error {
	return fmt.Errorf("%w: %w", ErrContextCancelled, err)
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
