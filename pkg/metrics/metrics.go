// Package metrics exports inference client events as Prometheus metrics.
//
// Metrics:
//
//	inference_requests_total{model, outcome}        outcome: success, cache_hit, failure
//	inference_request_duration_seconds{model, cached}
//	inference_failures_total{kind, status}
//	inference_retries_total{kind}
//	inference_retry_backoff_seconds{kind}
//	inference_cache_hits_total{backend}
//	inference_breaker_state                          0=closed, 1=open, 2=half_open
//	inference_breaker_transitions_total{from, to, reason}
//	inference_tokens_total{model, type}              type: prompt, completion
//
// Example Prometheus Queries:
//
//	# Cache Hit Rate
//	sum(rate(inference_requests_total{outcome="cache_hit"}[5m])) /
//	sum(rate(inference_requests_total[5m]))
//
//	# Circuit Breaker Open
//	inference_breaker_state == 1
//
//	# P95 Request Latency
//	histogram_quantile(0.95, rate(inference_request_duration_seconds_bucket[5m]))
package metrics

import (
	"strconv"

	"github.com/Sternrassler/inference-client/pkg/breaker"
	"github.com/Sternrassler/inference-client/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the default Prometheus registry used by the inference client.
var Registry = prometheus.DefaultRegisterer

// Observer implements client.Observer with Prometheus collectors.
type Observer struct {
	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	failuresTotal      *prometheus.CounterVec
	retriesTotal       *prometheus.CounterVec
	retryBackoff       *prometheus.HistogramVec
	cacheHitsTotal     *prometheus.CounterVec
	breakerState       prometheus.Gauge
	breakerTransitions *prometheus.CounterVec
	tokensTotal        *prometheus.CounterVec
}

var _ client.Observer = (*Observer)(nil)

// NewObserver registers the client metrics with reg. A nil reg uses Registry.
// Registering twice on the same registry panics, as with promauto.
func NewObserver(reg prometheus.Registerer) *Observer {
	if reg == nil {
		reg = Registry
	}
	factory := promauto.With(reg)

	return &Observer{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "inference_requests_total",
			Help: "Total chat requests by model and outcome",
		}, []string{"model", "outcome"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "inference_request_duration_seconds",
			Help:    "Chat request duration in seconds, including retries",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"model", "cached"}),

		failuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "inference_failures_total",
			Help: "Total terminal failures by kind and HTTP status",
		}, []string{"kind", "status"}),

		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "inference_retries_total",
			Help: "Total number of retry attempts by failure kind",
		}, []string{"kind"}),

		retryBackoff: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "inference_retry_backoff_seconds",
			Help:    "Backoff duration before retries by failure kind",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"kind"}),

		cacheHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "inference_cache_hits_total",
			Help: "Responses served from cache by backend",
		}, []string{"backend"}),

		breakerState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "inference_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
		}),

		breakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "inference_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		}, []string{"from", "to", "reason"}),

		tokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "inference_tokens_total",
			Help: "Tokens reported by the server, by model and type",
		}, []string{"model", "type"}),
	}
}

// OnRequest implements client.Observer.
func (o *Observer) OnRequest(client.RequestEvent) {}

// OnResponse implements client.Observer.
func (o *Observer) OnResponse(ev client.ResponseEvent) {
	outcome := "success"
	if ev.Cached {
		outcome = "cache_hit"
	}
	o.requestsTotal.WithLabelValues(ev.Model, outcome).Inc()
	o.requestDuration.WithLabelValues(ev.Model, strconv.FormatBool(ev.Cached)).Observe(ev.Duration.Seconds())

	if ev.Usage != nil && !ev.Cached {
		o.tokensTotal.WithLabelValues(ev.Model, "prompt").Add(float64(ev.Usage.PromptTokens))
		o.tokensTotal.WithLabelValues(ev.Model, "completion").Add(float64(ev.Usage.CompletionTokens))
	}
}

// OnRetry implements client.Observer.
func (o *Observer) OnRetry(ev client.RetryEvent) {
	kind := ""
	if ev.Err != nil {
		kind = string(ev.Err.Kind)
	}
	o.retriesTotal.WithLabelValues(kind).Inc()
	o.retryBackoff.WithLabelValues(kind).Observe((ev.Delay + ev.Jitter).Seconds())
}

// OnCacheHit implements client.Observer.
func (o *Observer) OnCacheHit(ev client.CacheHitEvent) {
	o.cacheHitsTotal.WithLabelValues(ev.Backend).Inc()
}

// OnStateChange implements client.Observer.
func (o *Observer) OnStateChange(tr breaker.Transition) {
	o.breakerState.Set(float64(tr.To))
	o.breakerTransitions.WithLabelValues(tr.From.String(), tr.To.String(), tr.Reason).Inc()
}

// OnFailure implements client.Observer.
func (o *Observer) OnFailure(ev client.FailureEvent) {
	status := ""
	if ev.StatusCode != 0 {
		status = strconv.Itoa(ev.StatusCode)
	}
	o.requestsTotal.WithLabelValues(ev.Model, "failure").Inc()
	o.failuresTotal.WithLabelValues(string(ev.Kind), status).Inc()
}
