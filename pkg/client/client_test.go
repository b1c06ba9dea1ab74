package client

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/inference-client/pkg/breaker"
	"github.com/Sternrassler/inference-client/pkg/cache"
	"github.com/Sternrassler/inference-client/pkg/models"
	"github.com/rs/zerolog"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingTransport counts calls and delegates to fn with the 1-based call number.
type countingTransport struct {
	calls atomic.Int32
	fn    func(ctx context.Context, call int) (*models.Response, error)
}

func (t *countingTransport) Complete(ctx context.Context, req *models.Request) (*models.Response, error) {
	n := int(t.calls.Add(1))
	return t.fn(ctx, n)
}

func (t *countingTransport) Calls() int {
	return int(t.calls.Load())
}

func alwaysOK() *countingTransport {
	return &countingTransport{fn: func(ctx context.Context, call int) (*models.Response, error) {
		return okResponse(), nil
	}}
}

func alwaysFail(err error) *countingTransport {
	return &countingTransport{fn: func(ctx context.Context, call int) (*models.Response, error) {
		return nil, err
	}}
}

type recordingObserver struct {
	NopObserver
	mu          sync.Mutex
	requests    []RequestEvent
	responses   []ResponseEvent
	retries     []RetryEvent
	hits        []CacheHitEvent
	failures    []FailureEvent
	transitions []breaker.Transition
}

func (o *recordingObserver) OnRequest(ev RequestEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests = append(o.requests, ev)
}

func (o *recordingObserver) OnResponse(ev ResponseEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.responses = append(o.responses, ev)
}

func (o *recordingObserver) OnRetry(ev RetryEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries = append(o.retries, ev)
}

func (o *recordingObserver) OnCacheHit(ev CacheHitEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hits = append(o.hits, ev)
}

func (o *recordingObserver) OnFailure(ev FailureEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, ev)
}

func (o *recordingObserver) OnStateChange(tr breaker.Transition) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, tr)
}

func testConfig() Config {
	cfg := DefaultConfig("http://inference.test")
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 10 * time.Millisecond
	return cfg
}

func newTestClient(t *testing.T, cfg Config, transport Transport, opts ...Option) (*Client, *fakeClock) {
	t.Helper()

	clock := newFakeClock()
	noSleep := func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	opts = append([]Option{
		WithTransport(transport),
		WithClock(clock.Now),
		WithLogger(zerolog.Nop()),
		WithExecutorOptions(WithSleep(noSleep), WithRandom(func() float64 { return 0 })),
	}, opts...)

	c, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, clock
}

func chatRequest(content string) *models.Request {
	return &models.Request{
		Model:    "test-model",
		Messages: []models.Message{{Role: models.RoleUser, Content: content}},
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(c *Config)
		errorMsg string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "empty base url", mutate: func(c *Config) { c.BaseURL = "" }, errorMsg: "base_url is required"},
		{name: "relative base url", mutate: func(c *Config) { c.BaseURL = "localhost:8000" }, errorMsg: "absolute http(s) URL"},
		{name: "negative timeout", mutate: func(c *Config) { c.RequestTimeout = -time.Second }, errorMsg: "request_timeout"},
		{name: "negative cache size", mutate: func(c *Config) { c.Cache.MaxEntries = -1 }, errorMsg: "max_entries"},
		{name: "bad retry jitter", mutate: func(c *Config) { c.Retry.JitterFactor = 3 }, errorMsg: "jitter_factor"},
		{name: "zero breaker threshold", mutate: func(c *Config) { c.Breaker.FailureThreshold = 0 }, errorMsg: "breaker"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("http://localhost:8000")
			tt.mutate(&cfg)

			c, err := New(cfg, WithLogger(zerolog.Nop()))
			if tt.errorMsg == "" {
				if err != nil {
					t.Fatalf("New() unexpected error = %v", err)
				}
				c.Close()
				return
			}
			if err == nil {
				t.Fatal("New() error = nil, want error")
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("error %v should wrap ErrInvalidConfig", err)
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("error = %q, want substring %q", err, tt.errorMsg)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("http://localhost:8000")

	if cfg.RequestTimeout != 60*time.Second {
		t.Errorf("RequestTimeout = %v, want 60s", cfg.RequestTimeout)
	}
	if cfg.CompletionsPath != DefaultCompletionsPath {
		t.Errorf("CompletionsPath = %q", cfg.CompletionsPath)
	}
	if !cfg.Cache.Enabled || cfg.Cache.MaxEntries != 1000 || cfg.Cache.TTL != 5*time.Minute {
		t.Errorf("Cache = %+v", cfg.Cache)
	}
	if cfg.Breaker.FailureThreshold != 5 || cfg.Breaker.ResetTimeout != 30*time.Second || cfg.Breaker.HalfOpenTrialBudget != 1 {
		t.Errorf("Breaker = %+v", cfg.Breaker)
	}
	if cfg.CountCancellations {
		t.Error("CountCancellations should default to false")
	}
}

func TestClient_Chat_InvalidRequest(t *testing.T) {
	transport := alwaysOK()
	c, _ := newTestClient(t, testConfig(), transport)

	tests := []struct {
		name string
		req  *models.Request
	}{
		{name: "nil", req: nil},
		{name: "no model", req: &models.Request{Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}}}},
		{name: "no messages", req: &models.Request{Model: "m"}},
		{name: "bad role", req: &models.Request{Model: "m", Messages: []models.Message{{Role: "tool", Content: "x"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Chat(context.Background(), tt.req)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("Chat() error = %v, want ErrInvalidRequest", err)
			}
		})
	}

	if transport.Calls() != 0 {
		t.Errorf("transport calls = %d, want 0", transport.Calls())
	}
	if snap := c.BreakerState(); snap.Failures != 0 {
		t.Errorf("breaker failures = %d, want 0", snap.Failures)
	}
}

func TestClient_Chat_CacheHitSkipsNetwork(t *testing.T) {
	transport := alwaysOK()
	obs := &recordingObserver{}
	c, _ := newTestClient(t, testConfig(), transport, WithObserver(obs))

	ctx := context.Background()
	first, err := c.Chat(ctx, chatRequest("hello"))
	if err != nil {
		t.Fatalf("first Chat() error = %v", err)
	}

	// Different tracing ID, same content.
	req := chatRequest("hello")
	req.ID = "trace-2"
	second, err := c.Chat(ctx, req)
	if err != nil {
		t.Fatalf("second Chat() error = %v", err)
	}

	if transport.Calls() != 1 {
		t.Errorf("transport calls = %d, want 1", transport.Calls())
	}
	if first.Content() != second.Content() {
		t.Errorf("cached content = %q, want %q", second.Content(), first.Content())
	}
	if len(obs.hits) != 1 || obs.hits[0].RequestID != "trace-2" || obs.hits[0].Backend != "memory" {
		t.Errorf("cache hit events = %+v", obs.hits)
	}
	if len(obs.responses) != 2 || obs.responses[0].Cached || !obs.responses[1].Cached {
		t.Errorf("response events = %+v", obs.responses)
	}

	stats := c.CacheStats(ctx)
	if stats.Hits != 1 || stats.Misses != 1 || stats.Size != 1 {
		t.Errorf("CacheStats() = %+v, want 1 hit, 1 miss, size 1", stats)
	}
}

func TestClient_Chat_MessageOrderMatters(t *testing.T) {
	transport := alwaysOK()
	c, _ := newTestClient(t, testConfig(), transport)

	a := &models.Request{Model: "m", Messages: []models.Message{
		{Role: models.RoleUser, Content: "one"},
		{Role: models.RoleUser, Content: "two"},
	}}
	b := &models.Request{Model: "m", Messages: []models.Message{
		{Role: models.RoleUser, Content: "two"},
		{Role: models.RoleUser, Content: "one"},
	}}

	if _, err := c.Chat(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Chat(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	if transport.Calls() != 2 {
		t.Errorf("transport calls = %d, want 2", transport.Calls())
	}
}

// TTL 1000ms: a repeat at +500ms is served from cache, at +1500ms it is not.
func TestClient_Chat_CacheTTL(t *testing.T) {
	cfg := testConfig()
	cfg.Cache.TTL = 1000 * time.Millisecond

	transport := alwaysOK()
	c, clock := newTestClient(t, cfg, transport)
	ctx := context.Background()

	if _, err := c.Chat(ctx, chatRequest("R")); err != nil {
		t.Fatal(err)
	}

	clock.Advance(500 * time.Millisecond)
	if _, err := c.Chat(ctx, chatRequest("R")); err != nil {
		t.Fatal(err)
	}
	if transport.Calls() != 1 {
		t.Fatalf("transport calls at +500ms = %d, want 1", transport.Calls())
	}

	clock.Advance(1000 * time.Millisecond)
	if _, err := c.Chat(ctx, chatRequest("R")); err != nil {
		t.Fatal(err)
	}
	if transport.Calls() != 2 {
		t.Errorf("transport calls at +1500ms = %d, want 2", transport.Calls())
	}
	if stats := c.CacheStats(ctx); stats.Expirations != 1 {
		t.Errorf("Expirations = %d, want 1", stats.Expirations)
	}
}

func TestClient_Chat_StreamingNotCached(t *testing.T) {
	transport := alwaysOK()
	obs := &recordingObserver{}
	c, _ := newTestClient(t, testConfig(), transport, WithObserver(obs))

	for i := 0; i < 2; i++ {
		req := chatRequest("stream me")
		req.Stream = true
		if _, err := c.Chat(context.Background(), req); err != nil {
			t.Fatal(err)
		}
	}

	if transport.Calls() != 2 {
		t.Errorf("transport calls = %d, want 2", transport.Calls())
	}
	if size := c.CacheStats(context.Background()).Size; size != 0 {
		t.Errorf("cache size = %d, want 0", size)
	}
	if obs.requests[0].Cacheable || !obs.requests[0].Streaming {
		t.Errorf("request event = %+v", obs.requests[0])
	}
}

func TestClient_Chat_CacheDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Cache.Enabled = false

	transport := alwaysOK()
	c, _ := newTestClient(t, cfg, transport)

	for i := 0; i < 3; i++ {
		if _, err := c.Chat(context.Background(), chatRequest("same")); err != nil {
			t.Fatal(err)
		}
	}
	if transport.Calls() != 3 {
		t.Errorf("transport calls = %d, want 3", transport.Calls())
	}
}

// Three consecutive network failures with threshold 3 open the circuit; the
// fourth call fails fast.
func TestClient_Chat_BreakerOpensAfterThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 0
	cfg.Breaker.FailureThreshold = 3

	transport := alwaysFail(NetworkError(errors.New("connection refused")))
	obs := &recordingObserver{}
	c, _ := newTestClient(t, cfg, transport, WithObserver(obs))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.Chat(ctx, chatRequest("x"))
		if KindOf(err) != FailureNetwork {
			t.Fatalf("call %d: KindOf() = %q, want network", i+1, KindOf(err))
		}
	}

	if state := c.BreakerState().State; state != breaker.StateOpen {
		t.Fatalf("breaker state = %v, want open", state)
	}

	_, err := c.Chat(ctx, chatRequest("x"))
	var coe *CircuitOpenError
	if !errors.As(err, &coe) {
		t.Fatalf("Chat() error = %v, want *CircuitOpenError", err)
	}
	if coe.RetryAfter != cfg.Breaker.ResetTimeout {
		t.Errorf("RetryAfter = %v, want %v", coe.RetryAfter, cfg.Breaker.ResetTimeout)
	}
	if transport.Calls() != 3 {
		t.Errorf("transport calls = %d, want 3", transport.Calls())
	}

	if len(obs.transitions) != 1 || obs.transitions[0].To != breaker.StateOpen {
		t.Errorf("transitions = %+v", obs.transitions)
	}
	last := obs.failures[len(obs.failures)-1]
	if last.Kind != FailureCircuitOpen || last.Attempts != 0 {
		t.Errorf("last failure event = %+v", last)
	}
}

func TestClient_Chat_BreakerRejectsBeforeCache(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 0
	cfg.Breaker.FailureThreshold = 1

	var fail atomic.Bool
	transport := &countingTransport{fn: func(ctx context.Context, call int) (*models.Response, error) {
		if fail.Load() {
			return nil, StatusError(500, "boom")
		}
		return okResponse(), nil
	}}
	c, _ := newTestClient(t, cfg, transport)
	ctx := context.Background()

	if _, err := c.Chat(ctx, chatRequest("cached")); err != nil {
		t.Fatal(err)
	}
	fail.Store(true)
	if _, err := c.Chat(ctx, chatRequest("other")); err == nil {
		t.Fatal("expected failure")
	}

	_, err := c.Chat(ctx, chatRequest("cached"))
	if !IsCircuitOpen(err) {
		t.Errorf("Chat() error = %v, want circuit open even for cached request", err)
	}
	if hits := c.CacheStats(ctx).Hits; hits != 0 {
		t.Errorf("cache hits = %d, want 0", hits)
	}
}

func TestClient_Chat_HalfOpenRecovery(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 0
	cfg.Breaker.FailureThreshold = 2
	cfg.Breaker.ResetTimeout = time.Second

	var healthy atomic.Bool
	transport := &countingTransport{fn: func(ctx context.Context, call int) (*models.Response, error) {
		if healthy.Load() {
			return okResponse(), nil
		}
		return nil, TimeoutError(context.DeadlineExceeded)
	}}
	c, clock := newTestClient(t, cfg, transport)
	ctx := context.Background()

	c.Chat(ctx, chatRequest("a"))
	c.Chat(ctx, chatRequest("b"))
	if c.BreakerState().State != breaker.StateOpen {
		t.Fatal("breaker should be open")
	}

	// Probe fails: full reopen.
	clock.Advance(time.Second)
	if _, err := c.Chat(ctx, chatRequest("c")); KindOf(err) != FailureTimeout {
		t.Fatalf("probe error = %v, want timeout", err)
	}
	if c.BreakerState().State != breaker.StateOpen {
		t.Fatal("breaker should reopen after failed probe")
	}

	clock.Advance(999 * time.Millisecond)
	if _, err := c.Chat(ctx, chatRequest("d")); !IsCircuitOpen(err) {
		t.Fatalf("error = %v, want circuit open before reset timeout", err)
	}

	// Probe succeeds: closed.
	healthy.Store(true)
	clock.Advance(time.Millisecond)
	if _, err := c.Chat(ctx, chatRequest("e")); err != nil {
		t.Fatalf("probe error = %v", err)
	}
	snap := c.BreakerState()
	if snap.State != breaker.StateClosed || snap.Failures != 0 {
		t.Errorf("breaker = %+v, want closed with 0 failures", snap)
	}
	if transport.Calls() != 4 {
		t.Errorf("transport calls = %d, want 4", transport.Calls())
	}
}

func TestClient_Chat_CacheHitReleasesProbe(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 0
	cfg.Breaker.FailureThreshold = 1
	cfg.Breaker.ResetTimeout = time.Second
	cfg.Cache.TTL = 0

	var fail atomic.Bool
	transport := &countingTransport{fn: func(ctx context.Context, call int) (*models.Response, error) {
		if fail.Load() {
			return nil, NetworkError(io.EOF)
		}
		return okResponse(), nil
	}}
	c, clock := newTestClient(t, cfg, transport)
	ctx := context.Background()

	c.Chat(ctx, chatRequest("cached"))
	fail.Store(true)
	c.Chat(ctx, chatRequest("boom"))

	clock.Advance(time.Second)
	if _, err := c.Chat(ctx, chatRequest("cached")); err != nil {
		t.Fatalf("cached probe error = %v", err)
	}
	snap := c.BreakerState()
	if snap.State != breaker.StateHalfOpen || snap.HalfOpenTrials != 0 {
		t.Errorf("breaker = %+v, want half_open with the probe slot returned", snap)
	}

	fail.Store(false)
	if _, err := c.Chat(ctx, chatRequest("fresh")); err != nil {
		t.Fatalf("real probe error = %v", err)
	}
	if c.BreakerState().State != breaker.StateClosed {
		t.Error("breaker should close after real probe succeeds")
	}
}

func TestClient_Chat_NonRetryableFailure(t *testing.T) {
	transport := alwaysFail(StatusError(401, "unauthorized"))
	obs := &recordingObserver{}
	c, _ := newTestClient(t, testConfig(), transport, WithObserver(obs))

	_, err := c.Chat(context.Background(), chatRequest("x"))
	if StatusCodeOf(err) != 401 {
		t.Fatalf("StatusCodeOf() = %d, want 401", StatusCodeOf(err))
	}
	if errors.Is(err, ErrRetryExhausted) {
		t.Error("non-retryable failure should not be reported as exhausted")
	}
	if transport.Calls() != 1 {
		t.Errorf("transport calls = %d, want 1", transport.Calls())
	}
	if len(obs.retries) != 0 {
		t.Errorf("retry events = %d, want 0", len(obs.retries))
	}
	if failures := c.BreakerState().Failures; failures != 1 {
		t.Errorf("breaker failures = %d, want 1", failures)
	}
	if len(obs.failures) != 1 || obs.failures[0].StatusCode != 401 || obs.failures[0].Attempts != 1 {
		t.Errorf("failure events = %+v", obs.failures)
	}
}

func TestClient_Chat_RetriesThenSucceeds(t *testing.T) {
	transport := &countingTransport{fn: func(ctx context.Context, call int) (*models.Response, error) {
		if call < 3 {
			return nil, StatusError(503, "unavailable")
		}
		return okResponse(), nil
	}}
	obs := &recordingObserver{}
	c, _ := newTestClient(t, testConfig(), transport, WithObserver(obs))

	resp, err := c.Chat(context.Background(), chatRequest("x"))
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if resp.Content() != "ok" {
		t.Errorf("Content() = %q", resp.Content())
	}
	if len(obs.retries) != 2 {
		t.Errorf("retry events = %d, want 2", len(obs.retries))
	}
	if obs.retries[0].RequestID == "" || obs.retries[0].RequestID != obs.responses[0].RequestID {
		t.Errorf("retry event request ID = %q, response = %q", obs.retries[0].RequestID, obs.responses[0].RequestID)
	}
	if obs.responses[0].Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", obs.responses[0].Attempts)
	}
	if failures := c.BreakerState().Failures; failures != 0 {
		t.Errorf("breaker failures = %d, want 0 (retries are invisible to the breaker)", failures)
	}

	d := c.Durations()
	if d[OpTransport].Count != 3 || d[OpBackoff].Count != 2 || d[OpChat].Count != 1 || d[OpCacheLookup].Count != 1 {
		t.Errorf("Durations() = %+v", d)
	}
}

func TestClient_Chat_RetryExhaustedCountsOnce(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 2

	transport := alwaysFail(StatusError(502, "bad gateway"))
	c, _ := newTestClient(t, cfg, transport)

	_, err := c.Chat(context.Background(), chatRequest("x"))
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("Chat() error = %v, want ErrRetryExhausted", err)
	}
	if transport.Calls() != 3 {
		t.Errorf("transport calls = %d, want 3", transport.Calls())
	}
	if failures := c.BreakerState().Failures; failures != 1 {
		t.Errorf("breaker failures = %d, want 1 per terminal failure", failures)
	}
}

func TestClient_Chat_CancellationPolicy(t *testing.T) {
	tests := []struct {
		name               string
		countCancellations bool
		wantFailures       int
	}{
		{name: "not counted by default", countCancellations: false, wantFailures: 0},
		{name: "counted when configured", countCancellations: true, wantFailures: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.CountCancellations = tt.countCancellations

			ctx, cancel := context.WithCancel(context.Background())
			transport := &countingTransport{fn: func(ctx context.Context, call int) (*models.Response, error) {
				cancel()
				return nil, NetworkError(ctx.Err())
			}}
			c, _ := newTestClient(t, cfg, transport)

			_, err := c.Chat(ctx, chatRequest("x"))
			if !errors.Is(err, ErrContextCancelled) {
				t.Fatalf("Chat() error = %v, want ErrContextCancelled", err)
			}
			if KindOf(err) != FailureCancelled {
				t.Errorf("KindOf() = %q, want cancelled", KindOf(err))
			}
			if got := c.BreakerState().Failures; got != tt.wantFailures {
				t.Errorf("breaker failures = %d, want %d", got, tt.wantFailures)
			}
		})
	}
}

func TestClient_Chat_CancelledProbeReleasesSlot(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 0
	cfg.Breaker.FailureThreshold = 1
	cfg.Breaker.ResetTimeout = time.Second

	var cancelNext atomic.Bool
	var cancel context.CancelFunc
	transport := &countingTransport{fn: func(ctx context.Context, call int) (*models.Response, error) {
		if cancelNext.Load() {
			cancel()
			return nil, NetworkError(context.Canceled)
		}
		return nil, NetworkError(io.EOF)
	}}
	c, clock := newTestClient(t, cfg, transport)

	c.Chat(context.Background(), chatRequest("x"))
	clock.Advance(time.Second)

	cancelNext.Store(true)
	var ctx context.Context
	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	if _, err := c.Chat(ctx, chatRequest("probe")); !errors.Is(err, ErrContextCancelled) {
		t.Fatalf("probe error = %v", err)
	}

	snap := c.BreakerState()
	if snap.State != breaker.StateHalfOpen || snap.HalfOpenTrials != 0 {
		t.Errorf("breaker = %+v, want half_open with no trial in use", snap)
	}
}

func TestClient_Chat_CancelledClosedCallKeepsTrialBudget(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 0
	cfg.Breaker.FailureThreshold = 1
	cfg.Breaker.ResetTimeout = time.Second
	cfg.Breaker.HalfOpenTrialBudget = 1

	slowStarted := make(chan struct{})
	probeStarted := make(chan struct{})
	probeRelease := make(chan struct{})
	var calls atomic.Int32
	transport := TransportFunc(func(ctx context.Context, req *models.Request) (*models.Response, error) {
		calls.Add(1)
		switch req.Messages[0].Content {
		case "slow":
			close(slowStarted)
			<-ctx.Done()
			return nil, NetworkError(ctx.Err())
		case "probe":
			close(probeStarted)
			<-probeRelease
			return okResponse(), nil
		default:
			return nil, NetworkError(io.EOF)
		}
	})
	c, clock := newTestClient(t, cfg, transport)

	// Admitted while closed, still in flight when the circuit opens.
	slowCtx, cancelSlow := context.WithCancel(context.Background())
	defer cancelSlow()
	slowErr := make(chan error, 1)
	go func() {
		_, err := c.Chat(slowCtx, chatRequest("slow"))
		slowErr <- err
	}()
	<-slowStarted

	c.Chat(context.Background(), chatRequest("boom"))
	if c.BreakerState().State != breaker.StateOpen {
		t.Fatal("breaker should be open")
	}

	clock.Advance(time.Second)
	probeErr := make(chan error, 1)
	go func() {
		_, err := c.Chat(context.Background(), chatRequest("probe"))
		probeErr <- err
	}()
	<-probeStarted

	cancelSlow()
	if err := <-slowErr; !errors.Is(err, ErrContextCancelled) {
		t.Fatalf("slow call error = %v, want ErrContextCancelled", err)
	}

	snap := c.BreakerState()
	if snap.State != breaker.StateHalfOpen || snap.HalfOpenTrials != 1 {
		t.Errorf("breaker = %+v, want half_open with the probe slot still taken", snap)
	}
	if _, err := c.Chat(context.Background(), chatRequest("extra")); !IsCircuitOpen(err) {
		t.Errorf("extra call error = %v, want circuit open while the probe is in flight", err)
	}

	close(probeRelease)
	if err := <-probeErr; err != nil {
		t.Fatalf("probe error = %v", err)
	}
	if c.BreakerState().State != breaker.StateClosed {
		t.Errorf("State = %v, want closed after the probe succeeded", c.BreakerState().State)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("transport calls = %d, want 3", got)
	}
}

func TestClient_Durations_UseClientClock(t *testing.T) {
	var clock *fakeClock
	transport := TransportFunc(func(ctx context.Context, req *models.Request) (*models.Response, error) {
		clock.Advance(250 * time.Millisecond)
		return okResponse(), nil
	})
	obs := &recordingObserver{}
	c, clk := newTestClient(t, testConfig(), transport, WithObserver(obs))
	clock = clk

	if _, err := c.Chat(context.Background(), chatRequest("x")); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	d := c.Durations()
	if got := d[OpTransport].Total; got != 250*time.Millisecond {
		t.Errorf("transport total = %v, want 250ms", got)
	}
	if got := d[OpChat].Total; got != 250*time.Millisecond {
		t.Errorf("chat total = %v, want 250ms", got)
	}
	if got := d[OpCacheLookup].Total; got != 0 {
		t.Errorf("cache lookup total = %v, want 0", got)
	}
	if len(obs.responses) != 1 || obs.responses[0].Duration != 250*time.Millisecond {
		t.Errorf("response events = %+v, want one with 250ms", obs.responses)
	}
}

func TestClient_Chat_AttemptTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.RequestTimeout = 20 * time.Millisecond
	cfg.Retry.MaxAttempts = 1

	transport := &countingTransport{fn: func(ctx context.Context, call int) (*models.Response, error) {
		if call == 1 {
			<-ctx.Done()
			return nil, NetworkError(ctx.Err())
		}
		return okResponse(), nil
	}}
	obs := &recordingObserver{}
	c, _ := newTestClient(t, cfg, transport, WithObserver(obs))

	if _, err := c.Chat(context.Background(), chatRequest("slow")); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if transport.Calls() != 2 {
		t.Errorf("transport calls = %d, want 2", transport.Calls())
	}
	if len(obs.retries) != 1 || obs.retries[0].Err.Kind != FailureTimeout {
		t.Errorf("retry events = %+v, want one timeout", obs.retries)
	}
}

func TestClient_Chat_RequestID(t *testing.T) {
	var seen string
	transport := &countingTransport{fn: func(ctx context.Context, call int) (*models.Response, error) {
		seen = RequestIDFromContext(ctx)
		return okResponse(), nil
	}}
	obs := &recordingObserver{}
	c, _ := newTestClient(t, testConfig(), transport, WithObserver(obs))

	req := chatRequest("x")
	if _, err := c.Chat(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if req.ID != "" {
		t.Errorf("caller request mutated: ID = %q", req.ID)
	}
	if seen == "" || seen != obs.requests[0].RequestID {
		t.Errorf("transport saw ID %q, event has %q", seen, obs.requests[0].RequestID)
	}

	req = chatRequest("y")
	req.ID = "caller-id"
	c.Chat(context.Background(), req)
	if seen != "caller-id" {
		t.Errorf("transport saw ID %q, want caller-id", seen)
	}
}

func TestClient_Chat_ResponseIsolation(t *testing.T) {
	c, _ := newTestClient(t, testConfig(), alwaysOK())
	ctx := context.Background()

	first, _ := c.Chat(ctx, chatRequest("x"))
	first.Choices[0].Message.Content = "mutated"

	second, _ := c.Chat(ctx, chatRequest("x"))
	if second.Content() != "ok" {
		t.Errorf("cached content = %q, mutation leaked into cache", second.Content())
	}
}

func TestClient_UpdateConfig(t *testing.T) {
	transport := alwaysFail(NetworkError(io.EOF))
	c, _ := newTestClient(t, testConfig(), transport)

	retry := DefaultRetryConfig()
	retry.MaxAttempts = 0
	if err := c.UpdateRetryConfig(retry); err != nil {
		t.Fatalf("UpdateRetryConfig() error = %v", err)
	}
	c.Chat(context.Background(), chatRequest("x"))
	if transport.Calls() != 1 {
		t.Errorf("transport calls = %d, want 1 after disabling retries", transport.Calls())
	}

	if err := c.UpdateBreakerConfig(breaker.Config{}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("UpdateBreakerConfig(zero) error = %v, want ErrInvalidConfig", err)
	}
	if err := c.UpdateBreakerConfig(breaker.Config{FailureThreshold: 1, ResetTimeout: time.Minute, HalfOpenTrialBudget: 1}); err != nil {
		t.Fatalf("UpdateBreakerConfig() error = %v", err)
	}
	c.Chat(context.Background(), chatRequest("y"))
	if c.BreakerState().State != breaker.StateOpen {
		t.Error("breaker should open with lowered threshold")
	}

	if err := c.UpdateCacheConfig(cache.Config{Enabled: true, MaxEntries: -1}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("UpdateCacheConfig() error = %v, want ErrInvalidConfig", err)
	}
	if err := c.UpdateCacheConfig(cache.Config{Enabled: true, MaxEntries: 7, TTL: time.Second}); err != nil {
		t.Fatalf("UpdateCacheConfig() error = %v", err)
	}
	if capacity := c.CacheStats(context.Background()).Capacity; capacity != 7 {
		t.Errorf("cache capacity = %d, want 7", capacity)
	}

	if err := c.UpdateRequestTimeout(-1); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("UpdateRequestTimeout(-1) error = %v", err)
	}

	got := c.Config()
	if got.Retry.MaxAttempts != 0 || got.Breaker.FailureThreshold != 1 || got.Cache.MaxEntries != 7 {
		t.Errorf("Config() = %+v", got)
	}

	if err := c.SetBaseURL("http://other.test"); err == nil {
		t.Error("SetBaseURL() on custom transport should fail")
	}
}

func TestClient_ClearCache(t *testing.T) {
	transport := alwaysOK()
	c, _ := newTestClient(t, testConfig(), transport)
	ctx := context.Background()

	c.Chat(ctx, chatRequest("x"))
	if err := c.ClearCache(ctx); err != nil {
		t.Fatalf("ClearCache() error = %v", err)
	}
	c.Chat(ctx, chatRequest("x"))

	if transport.Calls() != 2 {
		t.Errorf("transport calls = %d, want 2 after clearing", transport.Calls())
	}
}

func TestClient_Close(t *testing.T) {
	c, _ := newTestClient(t, testConfig(), alwaysOK())

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if _, err := c.Chat(context.Background(), chatRequest("x")); !errors.Is(err, ErrClientClosed) {
		t.Errorf("Chat() after Close error = %v, want ErrClientClosed", err)
	}
}

func TestClient_IndependentInstances(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 0
	cfg.Breaker.FailureThreshold = 1

	bad, _ := newTestClient(t, cfg, alwaysFail(NetworkError(io.EOF)))
	good, _ := newTestClient(t, cfg, alwaysOK())

	bad.Chat(context.Background(), chatRequest("x"))
	if bad.BreakerState().State != breaker.StateOpen {
		t.Fatal("bad client breaker should be open")
	}
	if _, err := good.Chat(context.Background(), chatRequest("x")); err != nil {
		t.Errorf("good client affected by other instance: %v", err)
	}
}

func TestClient_Chat_Concurrent(t *testing.T) {
	transport := &countingTransport{fn: func(ctx context.Context, call int) (*models.Response, error) {
		time.Sleep(time.Millisecond)
		return okResponse(), nil
	}}
	c, _ := newTestClient(t, testConfig(), transport)

	const workers = 50
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Chat(context.Background(), chatRequest([]string{"a", "b", "c", "d", "e"}[i%5]))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Chat() error = %v", err)
		}
	}

	ctx := context.Background()
	stats := c.CacheStats(ctx)
	if stats.Size != 5 {
		t.Errorf("cache size = %d, want 5", stats.Size)
	}
	if int(stats.Hits)+transport.Calls() != workers {
		t.Errorf("hits (%d) + calls (%d) != %d", stats.Hits, transport.Calls(), workers)
	}
	if d := c.Durations()[OpChat]; d.Count != workers {
		t.Errorf("chat duration count = %d, want %d", d.Count, workers)
	}
}
