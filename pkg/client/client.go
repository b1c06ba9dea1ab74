// Package client provides the resilient inference client: response caching,
// retry with exponential backoff, and a circuit breaker around the network call.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/inference-client/pkg/breaker"
	"github.com/Sternrassler/inference-client/pkg/cache"
	"github.com/Sternrassler/inference-client/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Client is the main inference client. It is safe for concurrent use; each
// instance owns its own cache, breaker and metrics.
type Client struct {
	transport Transport
	store     cache.Store
	breaker   *breaker.Breaker
	executor  *Executor
	backend   string
	observer  Observer
	durations *durationRecorder
	logger    zerolog.Logger
	now       func() time.Time

	baseURL            atomic.Pointer[string]
	requestTimeout     atomic.Int64
	countCancellations atomic.Bool
	cacheCfg           atomic.Pointer[cache.Config]
	closed             atomic.Bool
}

// Option configures a Client.
type Option func(*options)

type options struct {
	transport  Transport
	httpClient *http.Client
	headerHook HeaderHook
	store      cache.Store
	observers  []Observer
	logger     *zerolog.Logger
	now        func() time.Time
	execOpts   []ExecutorOption
}

// WithTransport replaces the HTTP transport.
func WithTransport(t Transport) Option {
	return func(o *options) {
		o.transport = t
	}
}

// WithHTTPClient sets the *http.Client used by the default transport.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithHeaderHook passes upstream response headers to fn, e.g. for rate limit
// tracking. It applies to the default HTTP transport only.
func WithHeaderHook(fn HeaderHook) Option {
	return func(o *options) {
		o.headerHook = fn
	}
}

// WithStore replaces the in-memory response cache, e.g. with a RedisStore.
func WithStore(s cache.Store) Option {
	return func(o *options) {
		o.store = s
	}
}

// WithObserver registers an observer. It may be given more than once.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = &logger
	}
}

// WithClock sets the time source for cache expiry, the breaker, event timestamps
// and durations (for testing).
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithExecutorOptions passes options to the retry executor.
func WithExecutorOptions(opts ...ExecutorOption) Option {
	return func(o *options) {
		o.execOpts = append(o.execOpts, opts...)
	}
}

// New creates a new inference client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	logger := log.With().Str("component", "inference-client").Logger()
	if o.logger != nil {
		logger = *o.logger
	}

	c := &Client{
		observer:  MultiObserver(o.observers...),
		durations: newDurationRecorder(),
		logger:    logger,
		now:       o.now,
	}
	c.baseURL.Store(&cfg.BaseURL)
	c.requestTimeout.Store(int64(cfg.RequestTimeout))
	c.countCancellations.Store(cfg.CountCancellations)
	cacheCfg := cfg.Cache
	c.cacheCfg.Store(&cacheCfg)

	c.transport = o.transport
	if c.transport == nil {
		ht := NewHTTPTransport(cfg.BaseURL, cfg.CompletionsPath, cfg.APIKey, o.httpClient)
		ht.SetHeaderHook(o.headerHook)
		c.transport = ht
	}

	c.store = o.store
	if c.store == nil {
		c.store = cache.NewMemory(cfg.Cache, cache.WithClock(o.now))
	} else {
		c.store.Configure(cfg.Cache)
	}
	c.backend = backendName(c.store)

	c.breaker = breaker.New(cfg.Breaker,
		breaker.WithClock(o.now),
		breaker.WithStateChange(c.onStateChange),
	)

	execOpts := append([]ExecutorOption{
		WithExecutorLogger(logger),
		WithRetryHook(c.onRetry),
	}, o.execOpts...)
	executor, err := NewExecutor(cfg.Retry, execOpts...)
	if err != nil {
		return nil, err
	}
	c.executor = executor

	c.logger.Info().
		Str("base_url", cfg.BaseURL).
		Bool("cache_enabled", cfg.Cache.Enabled).
		Int("failure_threshold", cfg.Breaker.FailureThreshold).
		Int("max_attempts", cfg.Retry.MaxAttempts).
		Msg("Inference client initialized")

	return c, nil
}

// Chat sends a chat completion request.
//
// The breaker is consulted first; a rejection returns *CircuitOpenError
// without touching the cache or the network. Cache hits return without a
// network call and without breaker accounting. Otherwise the request runs
// through the retry executor, and the terminal outcome is recorded by the
// breaker. Streaming requests are never cached.
func (c *Client) Chat(ctx context.Context, req *models.Request) (*models.Response, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	start := c.now()
	defer func() {
		c.durations.record(OpChat, c.since(start))
	}()

	r := *req
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	ctx = WithRequestID(ctx, r.ID)
	logger := c.logger.With().Str("request_id", r.ID).Str("model", r.Model).Logger()

	var key string
	cacheable := false
	if !r.Stream {
		k, err := cache.Fingerprint(&r)
		if err != nil {
			logger.Debug().Err(err).Msg("Request not cacheable")
		} else {
			key, cacheable = k, true
		}
	}

	c.observer.OnRequest(RequestEvent{
		RequestID:   r.ID,
		Model:       r.Model,
		Fingerprint: key,
		Cacheable:   cacheable,
		Streaming:   r.Stream,
		At:          c.now(),
	})

	// Step 1: Circuit breaker
	ticket, allowed := c.breaker.Allow()
	if !allowed {
		snap := c.breaker.Snapshot()
		err := &CircuitOpenError{State: snap.State, RetryAfter: snap.RetryAfter}
		logger.Warn().
			Str("state", snap.State.String()).
			Dur("retry_after", snap.RetryAfter).
			Msg("Request rejected by circuit breaker")
		c.emitFailure(&r, err, 0, c.since(start))
		return nil, err
	}

	// Step 2: Cache
	if cacheable {
		lookupStart := c.now()
		cached, ok := c.store.Get(ctx, key)
		c.durations.record(OpCacheLookup, c.since(lookupStart))

		if ok {
			// Not a call from the breaker's point of view.
			c.breaker.Release(ticket)

			logger.Debug().Str("fingerprint", key).Msg("Cache hit")
			c.observer.OnCacheHit(CacheHitEvent{
				RequestID:   r.ID,
				Model:       r.Model,
				Fingerprint: key,
				Backend:     c.backend,
			})
			c.observer.OnResponse(ResponseEvent{
				RequestID: r.ID,
				Model:     r.Model,
				Cached:    true,
				Duration:  c.since(start),
				Usage:     cached.Usage,
			})
			return cached, nil
		}
	}

	// Step 3: Network call with retry
	timeout := time.Duration(c.requestTimeout.Load())
	attempts := 0
	resp, err := c.executor.Run(ctx, func(ctx context.Context) (*models.Response, error) {
		attempts++
		return c.attempt(ctx, &r, timeout)
	})

	// Step 4: Breaker accounting
	if err != nil {
		if errors.Is(err, ErrContextCancelled) && !c.countCancellations.Load() {
			c.breaker.Release(ticket)
		} else {
			c.breaker.OnFailure(ticket)
		}

		logger.Error().
			Err(err).
			Str("failure", string(KindOf(err))).
			Int("attempts", attempts).
			Msg("Inference request failed")
		c.emitFailure(&r, err, attempts, c.since(start))
		return nil, err
	}

	c.breaker.OnSuccess(ticket)

	// Step 5: Update cache
	if cacheable {
		c.store.Set(ctx, key, resp)
		logger.Debug().Str("fingerprint", key).Msg("Cached response")
	}

	c.observer.OnResponse(ResponseEvent{
		RequestID: r.ID,
		Model:     r.Model,
		Attempts:  attempts,
		Duration:  c.since(start),
		Usage:     resp.Usage,
	})
	return resp, nil
}

// since measures elapsed time on the client clock.
func (c *Client) since(t time.Time) time.Duration {
	return c.now().Sub(t)
}

// attempt runs one transport call bounded by the per-attempt timeout.
func (c *Client) attempt(ctx context.Context, req *models.Request, timeout time.Duration) (*models.Response, error) {
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := c.now()
	resp, err := c.transport.Complete(attemptCtx, req)
	c.durations.record(OpTransport, c.since(start))

	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		if KindOf(err) != FailureTimeout {
			return nil, TimeoutError(err)
		}
	}
	return resp, err
}

func backendName(s cache.Store) string {
	switch s.(type) {
	case *cache.Memory:
		return "memory"
	case *cache.RedisStore:
		return "redis"
	default:
		return "custom"
	}
}

func (c *Client) emitFailure(req *models.Request, err error, attempts int, d time.Duration) {
	c.observer.OnFailure(FailureEvent{
		RequestID:  req.ID,
		Model:      req.Model,
		Kind:       KindOf(err),
		StatusCode: StatusCodeOf(err),
		Attempts:   attempts,
		Duration:   d,
		Err:        err,
	})
}

func (c *Client) onRetry(ev RetryEvent) {
	c.durations.record(OpBackoff, ev.Delay+ev.Jitter)
	c.logger.Warn().
		Str("request_id", ev.RequestID).
		Str("failure", string(ev.Err.Kind)).
		Int("status", ev.Err.StatusCode).
		Int("attempt", ev.Attempt+1).
		Dur("backoff", ev.Delay+ev.Jitter).
		Msg("Retrying inference request")
	c.observer.OnRetry(ev)
}

func (c *Client) onStateChange(tr breaker.Transition) {
	event := c.logger.Info()
	if tr.To == breaker.StateOpen {
		event = c.logger.Warn()
	}
	event.
		Str("from", tr.From.String()).
		Str("to", tr.To.String()).
		Str("reason", tr.Reason).
		Msg("Circuit breaker state changed")
	c.observer.OnStateChange(tr)
}

// BreakerState returns the current breaker state and failure count.
func (c *Client) BreakerState() breaker.Snapshot {
	return c.breaker.Snapshot()
}

// CacheStats returns cache size, capacity and counters.
func (c *Client) CacheStats(ctx context.Context) cache.Stats {
	return c.store.Stats(ctx)
}

// Durations returns the accumulated time per operation (chat, transport,
// cache_lookup, backoff).
func (c *Client) Durations() map[string]DurationStat {
	return c.durations.snapshot()
}

// ClearCache drops all cached responses.
func (c *Client) ClearCache(ctx context.Context) error {
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	c.logger.Info().Msg("Response cache cleared")
	return nil
}

// Config returns the active configuration.
func (c *Client) Config() Config {
	cfg := Config{
		BaseURL:            *c.baseURL.Load(),
		RequestTimeout:     time.Duration(c.requestTimeout.Load()),
		CountCancellations: c.countCancellations.Load(),
		Cache:              *c.cacheCfg.Load(),
		Retry:              c.executor.Config(),
		Breaker:            c.breaker.Config(),
	}
	if t, ok := c.transport.(*HTTPTransport); ok {
		cfg.CompletionsPath = t.path
	}
	return cfg
}

// UpdateRetryConfig replaces the retry policy for subsequent calls.
func (c *Client) UpdateRetryConfig(cfg RetryConfig) error {
	return c.executor.UpdateConfig(cfg)
}

// UpdateBreakerConfig replaces the breaker thresholds. State is kept.
func (c *Client) UpdateBreakerConfig(cfg breaker.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: breaker: %v", ErrInvalidConfig, err)
	}
	c.breaker.UpdateConfig(cfg)
	return nil
}

// UpdateCacheConfig resizes, re-times or disables the cache.
func (c *Client) UpdateCacheConfig(cfg cache.Config) error {
	if err := validateCacheConfig(cfg); err != nil {
		return err
	}
	c.store.Configure(cfg)
	c.cacheCfg.Store(&cfg)
	return nil
}

// UpdateRequestTimeout sets the per-attempt timeout; 0 disables it.
func (c *Client) UpdateRequestTimeout(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%w: request_timeout must be >= 0 (got %s)", ErrInvalidConfig, d)
	}
	c.requestTimeout.Store(int64(d))
	return nil
}

// SetCountCancellations sets whether caller cancellations count as breaker failures.
func (c *Client) SetCountCancellations(v bool) {
	c.countCancellations.Store(v)
}

// SetBaseURL points the default HTTP transport at a new endpoint.
func (c *Client) SetBaseURL(baseURL string) error {
	cfg := c.Config()
	cfg.BaseURL = baseURL
	if err := cfg.Validate(); err != nil {
		return err
	}
	t, ok := c.transport.(*HTTPTransport)
	if !ok {
		return fmt.Errorf("%w: base_url cannot be changed on a custom transport", ErrInvalidConfig)
	}
	t.SetBaseURL(baseURL)
	c.baseURL.Store(&baseURL)
	return nil
}

// Close releases idle connections. Chat returns ErrClientClosed afterwards.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if t, ok := c.transport.(*HTTPTransport); ok {
		t.httpClient.CloseIdleConnections()
	}
	c.logger.Info().Msg("Inference client closed")
	return nil
}
