package client

import (
	"context"
	"time"

	"github.com/Sternrassler/inference-client/pkg/breaker"
	"github.com/Sternrassler/inference-client/pkg/models"
)

// RequestEvent is emitted when Chat accepts a request.
type RequestEvent struct {
	RequestID   string
	Model       string
	Fingerprint string
	Cacheable   bool
	Streaming   bool
	At          time.Time
}

// ResponseEvent is emitted for every successful Chat call.
type ResponseEvent struct {
	RequestID string
	Model     string
	Cached    bool
	Attempts  int
	Duration  time.Duration
	Usage     *models.Usage
}

// CacheHitEvent is emitted when a response is served from the cache.
type CacheHitEvent struct {
	RequestID   string
	Model       string
	Fingerprint string
	Backend     string
}

// FailureEvent is emitted for every terminal Chat failure, including breaker
// rejections.
type FailureEvent struct {
	RequestID  string
	Model      string
	Kind       FailureKind
	StatusCode int
	Attempts   int
	Duration   time.Duration
	Err        error
}

// Observer receives client events. Methods are called synchronously on the
// calling goroutine and must not block.
type Observer interface {
	OnRequest(RequestEvent)
	OnResponse(ResponseEvent)
	OnRetry(RetryEvent)
	OnCacheHit(CacheHitEvent)
	OnStateChange(breaker.Transition)
	OnFailure(FailureEvent)
}

// NopObserver ignores all events. Embed it to implement a subset of Observer.
type NopObserver struct{}

func (NopObserver) OnRequest(RequestEvent)           {}
func (NopObserver) OnResponse(ResponseEvent)         {}
func (NopObserver) OnRetry(RetryEvent)               {}
func (NopObserver) OnCacheHit(CacheHitEvent)         {}
func (NopObserver) OnStateChange(breaker.Transition) {}
func (NopObserver) OnFailure(FailureEvent)           {}

type multiObserver []Observer

// MultiObserver fans events out to each observer in order.
func MultiObserver(observers ...Observer) Observer {
	switch len(observers) {
	case 0:
		return NopObserver{}
	case 1:
		return observers[0]
	}
	return multiObserver(observers)
}

func (m multiObserver) OnRequest(ev RequestEvent) {
	for _, o := range m {
		o.OnRequest(ev)
	}
}

func (m multiObserver) OnResponse(ev ResponseEvent) {
	for _, o := range m {
		o.OnResponse(ev)
	}
}

func (m multiObserver) OnRetry(ev RetryEvent) {
	for _, o := range m {
		o.OnRetry(ev)
	}
}

func (m multiObserver) OnCacheHit(ev CacheHitEvent) {
	for _, o := range m {
		o.OnCacheHit(ev)
	}
}

func (m multiObserver) OnStateChange(tr breaker.Transition) {
	for _, o := range m {
		o.OnStateChange(tr)
	}
}

func (m multiObserver) OnFailure(ev FailureEvent) {
	for _, o := range m {
		o.OnFailure(ev)
	}
}

type requestIDKey struct{}

// WithRequestID returns a context carrying the request tracing ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request tracing ID, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
