package logging

import (
	"github.com/Sternrassler/inference-client/pkg/breaker"
	"github.com/Sternrassler/inference-client/pkg/client"
	"github.com/rs/zerolog"
)

// Observer writes client events as structured log lines. Cache hits, requests
// and retries go to Debug; breaker rejections and transitions to OPEN to Warn;
// terminal failures to Error.
type Observer struct {
	logger zerolog.Logger
}

var _ client.Observer = (*Observer)(nil)

// NewObserver creates a logging observer.
func NewObserver(logger zerolog.Logger) *Observer {
	return &Observer{logger: logger.With().Str("component", "inference-events").Logger()}
}

// OnRequest implements client.Observer.
func (o *Observer) OnRequest(ev client.RequestEvent) {
	o.logger.Debug().
		Str("request_id", ev.RequestID).
		Str("model", ev.Model).
		Bool("cacheable", ev.Cacheable).
		Bool("stream", ev.Streaming).
		Msg("Chat request")
}

// OnResponse implements client.Observer.
func (o *Observer) OnResponse(ev client.ResponseEvent) {
	e := o.logger.Info().
		Str("request_id", ev.RequestID).
		Str("model", ev.Model).
		Bool("cache_hit", ev.Cached).
		Int("attempts", ev.Attempts).
		Dur("duration", ev.Duration)
	if ev.Usage != nil {
		e = e.Int("total_tokens", ev.Usage.TotalTokens)
	}
	e.Msg("Chat response")
}

// OnRetry implements client.Observer.
func (o *Observer) OnRetry(ev client.RetryEvent) {
	e := o.logger.Debug().
		Str("request_id", ev.RequestID).
		Int("attempt", ev.Attempt+1).
		Dur("backoff", ev.Delay+ev.Jitter)
	if ev.Err != nil {
		e = e.Str("failure", string(ev.Err.Kind)).Int("status", ev.Err.StatusCode)
	}
	e.Msg("Retry scheduled")
}

// OnCacheHit implements client.Observer.
func (o *Observer) OnCacheHit(ev client.CacheHitEvent) {
	o.logger.Debug().
		Str("request_id", ev.RequestID).
		Str("fingerprint", ev.Fingerprint).
		Str("backend", ev.Backend).
		Msg("Cache hit")
}

// OnStateChange implements client.Observer.
func (o *Observer) OnStateChange(tr breaker.Transition) {
	e := o.logger.Info()
	if tr.To == breaker.StateOpen {
		e = o.logger.Warn()
	}
	e.Str("from", tr.From.String()).
		Str("to", tr.To.String()).
		Str("reason", tr.Reason).
		Time("at", tr.At).
		Msg("Circuit breaker transition")
}

// OnFailure implements client.Observer.
func (o *Observer) OnFailure(ev client.FailureEvent) {
	e := o.logger.Error()
	if ev.Kind == client.FailureCircuitOpen || ev.Kind == client.FailureCancelled {
		e = o.logger.Warn()
	}
	e.Err(ev.Err).
		Str("request_id", ev.RequestID).
		Str("model", ev.Model).
		Str("failure", string(ev.Kind)).
		Int("status", ev.StatusCode).
		Int("attempts", ev.Attempts).
		Dur("duration", ev.Duration).
		Msg("Chat failed")
}
