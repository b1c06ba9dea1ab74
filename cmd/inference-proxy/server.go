package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Sternrassler/inference-client/pkg/breaker"
	"github.com/Sternrassler/inference-client/pkg/cache"
	"github.com/Sternrassler/inference-client/pkg/client"
	"github.com/Sternrassler/inference-client/pkg/models"
	"github.com/Sternrassler/inference-client/pkg/ratelimit"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// maxRequestBody bounds an incoming chat request.
const maxRequestBody = 4 << 20

// Server exposes a Client over an OpenAI-compatible HTTP API.
type Server struct {
	listen   string
	client   *client.Client
	quota    *ratelimit.Tracker
	redis    *redis.Client
	gatherer prometheus.Gatherer
	mux      *http.ServeMux
	logger   zerolog.Logger
}

// NewServer wires the HTTP routes. quota, redisClient and gatherer may be nil.
func NewServer(listen string, c *client.Client, quota *ratelimit.Tracker, redisClient *redis.Client, gatherer prometheus.Gatherer, metricsPath string, logger zerolog.Logger) *Server {
	s := &Server{
		listen:   listen,
		client:   c,
		quota:    quota,
		redis:    redisClient,
		gatherer: gatherer,
		mux:      http.NewServeMux(),
		logger:   logger,
	}
	s.mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	s.mux.HandleFunc("/health", healthHandler)
	s.mux.HandleFunc("/ready", s.handleReady)
	s.mux.HandleFunc("/stats", s.handleStats)
	s.mux.HandleFunc("/cache", s.handleCache)
	if gatherer != nil && metricsPath != "" {
		s.mux.Handle(metricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the server and shuts it down gracefully when ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.listen).Msg("Starting inference proxy server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info().Msg("Shutting down inference proxy server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.redis.Ping(ctx).Err(); err != nil {
			s.logger.Warn().Err(err).Msg("Readiness check failed: Redis unavailable")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"redis":  err.Error(),
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ready",
		"breaker": s.client.BreakerState().State.String(),
	})
}

type statsResponse struct {
	Breaker   breaker.Snapshot               `json:"breaker"`
	Cache     cache.Stats                    `json:"cache"`
	HitRate   float64                        `json:"cache_hit_rate"`
	Durations map[string]client.DurationStat `json:"durations"`
	Upstream  *ratelimit.QuotaState          `json:"upstream_quota,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	stats := s.client.CacheStats(r.Context())
	resp := statsResponse{
		Breaker:   s.client.BreakerState(),
		Cache:     stats,
		HitRate:   stats.HitRate(),
		Durations: s.client.Durations(),
	}
	if s.quota != nil {
		quota, err := s.quota.State(r.Context())
		if err != nil {
			s.logger.Warn().Err(err).Msg("Failed to read upstream quota state")
		}
		resp.Upstream = quota
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use DELETE")
		return
	}
	if err := s.client.ClearCache(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "cache_error", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}

	var req models.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("decode request: %v", err))
		return
	}
	if req.Stream {
		writeError(w, http.StatusBadRequest, "invalid_request", "streaming is not supported")
		return
	}

	req.ID = r.Header.Get("X-Request-ID")
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", req.ID)

	resp, err := s.client.Chat(r.Context(), &req)
	if err != nil {
		status, kind := statusFor(err)
		var coe *client.CircuitOpenError
		if errors.As(err, &coe) && coe.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int((coe.RetryAfter+time.Second-1)/time.Second)))
		}
		writeError(w, status, kind, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// statusFor maps a Chat error to the proxy's HTTP status and error type.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, client.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, client.ErrClientClosed):
		return http.StatusServiceUnavailable, "unavailable"
	}

	switch client.KindOf(err) {
	case client.FailureCircuitOpen:
		return http.StatusServiceUnavailable, string(client.FailureCircuitOpen)
	case client.FailureHTTPStatus:
		if code := client.StatusCodeOf(err); code >= 400 && code <= 599 {
			return code, string(client.FailureHTTPStatus)
		}
		return http.StatusBadGateway, string(client.FailureHTTPStatus)
	case client.FailureTimeout:
		return http.StatusGatewayTimeout, string(client.FailureTimeout)
	case client.FailureCancelled:
		return http.StatusRequestTimeout, string(client.FailureCancelled)
	case client.FailureNetwork, client.FailureParsing:
		return http.StatusBadGateway, string(client.KindOf(err))
	default:
		return http.StatusBadGateway, "upstream_error"
	}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Message: message, Type: kind}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
