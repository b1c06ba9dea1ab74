// Package testutil provides testing utilities for the inference client.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/Sternrassler/inference-client/pkg/models"
)

// CompletionsPath is the path served by MockServer.
const CompletionsPath = "/v1/chat/completions"

// MockResponse defines the behavior for one mock completion response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockServer is a scriptable OpenAI-compatible completions server.
//
// Responses queued with Enqueue are served in order; once the queue is empty
// the default response is used.
type MockServer struct {
	server   *httptest.Server
	mu       sync.Mutex
	queue    []MockResponse
	fallback MockResponse

	requestCount int
	lastRequest  *models.Request
	lastHeader   http.Header
}

// NewMockServer creates a mock server that answers with a completion echoing
// the last user message.
func NewMockServer() *MockServer {
	mock := &MockServer{}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handle))
	return mock
}

// URL returns the mock server URL.
func (m *MockServer) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockServer) Close() {
	m.server.Close()
}

// Reset clears the queue, the default and the counters.
func (m *MockServer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = nil
	m.fallback = MockResponse{}
	m.requestCount = 0
	m.lastRequest = nil
	m.lastHeader = nil
}

// Enqueue appends scripted responses.
func (m *MockServer) Enqueue(responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, responses...)
}

// SetDefault sets the response used when the queue is empty.
func (m *MockServer) SetDefault(resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = resp
}

// RequestCount returns the number of requests made to the server.
func (m *MockServer) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestCount
}

// LastRequest returns the last decoded request body.
func (m *MockServer) LastRequest() *models.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRequest
}

// LastHeader returns the headers of the last request.
func (m *MockServer) LastHeader() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastHeader
}

func (m *MockServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != CompletionsPath || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	body, _ := io.ReadAll(r.Body)
	var req models.Request
	decodeErr := json.Unmarshal(body, &req)

	m.mu.Lock()
	m.requestCount++
	m.lastHeader = r.Header.Clone()
	if decodeErr == nil {
		m.lastRequest = &req
	}
	resp := m.fallback
	scripted := false
	if len(m.queue) > 0 {
		resp = m.queue[0]
		m.queue = m.queue[1:]
		scripted = true
	}
	m.mu.Unlock()

	if decodeErr != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, `{"error":%q}`, decodeErr.Error())
		return
	}

	if !scripted && resp.StatusCode == 0 {
		resp = NewCompletionResponse(echo(&req))
	}

	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-r.Context().Done():
			return
		}
	}

	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

func echo(req *models.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == models.RoleUser {
			return "echo: " + req.Messages[i].Content
		}
	}
	return "echo"
}

// NewCompletionResponse creates a 200 OK completion with the given content.
func NewCompletionResponse(content string) MockResponse {
	body, _ := json.Marshal(models.Response{
		ID:      "cmpl-mock",
		Object:  "chat.completion",
		Created: 1700000000,
		Model:   "mock-model",
		Choices: []models.Choice{{
			Index:        0,
			Message:      models.Message{Role: models.RoleAssistant, Content: content},
			FinishReason: "stop",
		}},
		Usage: &models.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	})
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       string(body),
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewStatusResponse creates an error response with the given status.
func NewStatusResponse(code int) MockResponse {
	return MockResponse{
		StatusCode: code,
		Body:       fmt.Sprintf(`{"error":{"message":%q}}`, http.StatusText(code)),
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewMalformedResponse creates a 200 OK response with an undecodable body.
func NewMalformedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"id": "cmpl-broken", "choices": [`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewSlowResponse delays a successful completion.
func NewSlowResponse(content string, delay time.Duration) MockResponse {
	resp := NewCompletionResponse(content)
	resp.Delay = delay
	return resp
}
