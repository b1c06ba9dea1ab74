// Package models defines the chat completion wire types exchanged with the
// inference endpoint.
package models

import "fmt"

// Role identifies the author of a chat message.
type Role string

const (
	// RoleSystem is a system instruction message.
	RoleSystem Role = "system"

	// RoleUser is a message written by the end user.
	RoleUser Role = "user"

	// RoleAssistant is a message produced by the model.
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

// Default request parameters applied when a field is left zero.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1000
)

// Message is a single turn of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is a chat completion request.
type Request struct {
	// ID is a tracing identifier. It is never sent upstream and never part
	// of the cache fingerprint.
	ID string `json:"-"`

	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// EffectiveTemperature returns the temperature, or DefaultTemperature when unset.
func (r *Request) EffectiveTemperature() float64 {
	if r.Temperature == nil {
		return DefaultTemperature
	}
	return *r.Temperature
}

// EffectiveMaxTokens returns the output bound, or DefaultMaxTokens when unset.
func (r *Request) EffectiveMaxTokens() int {
	if r.MaxTokens == nil {
		return DefaultMaxTokens
	}
	return *r.MaxTokens
}

// Validate checks the request for structural errors that no retry can fix.
func (r *Request) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("at least one message is required")
	}
	for i, m := range r.Messages {
		if !m.Role.Valid() {
			return fmt.Errorf("message %d: invalid role %q", i, m.Role)
		}
	}
	return nil
}

// Float64 returns a pointer to v.
func Float64(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Response is a non-streamed chat completion response.
type Response struct {
	ID      string   `json:"id"`
	Object  string   `json:"object,omitempty"`
	Created int64    `json:"created,omitempty"`
	Model   string   `json:"model,omitempty"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Content returns the text of the first choice, or "" when there is none.
func (r *Response) Content() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// Clone returns a deep copy so cached values cannot be mutated by callers.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := *r
	if r.Choices != nil {
		out.Choices = make([]Choice, len(r.Choices))
		copy(out.Choices, r.Choices)
	}
	if r.Usage != nil {
		u := *r.Usage
		out.Usage = &u
	}
	return &out
}

// Choice is a single completion alternative.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage holds token accounting for a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
