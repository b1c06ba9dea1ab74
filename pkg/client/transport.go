package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/inference-client/pkg/models"
)

// DefaultCompletionsPath is appended to the base URL for chat completions.
const DefaultCompletionsPath = "/v1/chat/completions"

// maxErrorBody bounds how much of a non-2xx body ends up in an error message.
const maxErrorBody = 512

// Transport performs a single completion round-trip.
//
// Implementations return a *RequestError for classified failures; any other
// error is treated as a network failure.
type Transport interface {
	Complete(ctx context.Context, req *models.Request) (*models.Response, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, req *models.Request) (*models.Response, error)

// Complete calls f(ctx, req).
func (f TransportFunc) Complete(ctx context.Context, req *models.Request) (*models.Response, error) {
	return f(ctx, req)
}

// HTTPTransport posts JSON requests to an OpenAI-compatible endpoint.
type HTTPTransport struct {
	httpClient *http.Client
	baseURL    atomic.Pointer[string]
	path       string
	apiKey     string
	onHeaders  atomic.Pointer[HeaderHook]
}

// HeaderHook receives the headers of every upstream HTTP response,
// whatever its status.
type HeaderHook func(ctx context.Context, h http.Header)

// NewHTTPTransport creates a transport. httpClient may be nil.
func NewHTTPTransport(baseURL, completionsPath, apiKey string, httpClient *http.Client) *HTTPTransport {
	if httpClient == nil {
		httpClient = defaultHTTPClient()
	}
	if completionsPath == "" {
		completionsPath = DefaultCompletionsPath
	}
	t := &HTTPTransport{
		httpClient: httpClient,
		path:       completionsPath,
		apiKey:     apiKey,
	}
	t.SetBaseURL(baseURL)
	return t
}

// SetBaseURL swaps the endpoint for subsequent requests.
func (t *HTTPTransport) SetBaseURL(baseURL string) {
	trimmed := strings.TrimRight(baseURL, "/")
	t.baseURL.Store(&trimmed)
}

// BaseURL returns the current endpoint.
func (t *HTTPTransport) BaseURL() string {
	return *t.baseURL.Load()
}

// SetHeaderHook registers fn to see upstream response headers. nil removes it.
func (t *HTTPTransport) SetHeaderHook(fn HeaderHook) {
	if fn == nil {
		t.onHeaders.Store(nil)
		return
	}
	t.onHeaders.Store(&fn)
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (t *HTTPTransport) SetHTTPClient(client *http.Client) {
	t.httpClient = client
}

// Complete implements Transport.
func (t *HTTPTransport) Complete(ctx context.Context, req *models.Request) (*models.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &RequestError{Kind: FailureParsing, Message: "encode request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL()+t.path, bytes.NewReader(body))
	if err != nil {
		return nil, &RequestError{Kind: FailureParsing, Message: "create request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if t.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)
	}
	if req.ID != "" {
		httpReq.Header.Set("X-Request-ID", req.ID)
	}

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return nil, TimeoutError(err)
		}
		return nil, NetworkError(err)
	}
	defer resp.Body.Close()

	if hook := t.onHeaders.Load(); hook != nil {
		(*hook)(ctx, resp.Header)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := strings.TrimSpace(string(snippet))
		if msg == "" {
			msg = resp.Status
		}
		return nil, StatusError(resp.StatusCode, msg)
	}

	var out models.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if isTimeout(err) {
			return nil, TimeoutError(err)
		}
		return nil, ParsingError(err)
	}
	if len(out.Choices) == 0 {
		return nil, ParsingError(errors.New("response has no choices"))
	}
	return &out, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// defaultHTTPClient has no overall timeout; attempts are bounded by the
// request context instead.
func defaultHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}
