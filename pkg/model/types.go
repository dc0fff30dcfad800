package model

import (
	"fmt"
	"strconv"
	"time"
)

// Message represents a chat message
type Message struct {
	Role    string `json:"role"` // user, assistant, system, tool
	Content string `json:"content,omitempty"`
	Name    string `json:"name,omitempty"`
}

// Request represents one provider-bound completion request. The engine
// never interprets the payload; it is passed through to the invoker
// with only the model id rewritten per fallback step.
type Request struct {
	Model       string         `json:"model"`
	Messages    []Message      `json:"messages"`
	Temperature float64        `json:"temperature,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// WithModel returns a shallow copy targeting a different model.
func (r Request) WithModel(modelID string) Request {
	r.Model = modelID
	return r
}

// Usage reports token consumption for one completed call
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response represents a completed provider call
type Response struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// APIError represents a structured provider error with retry information
type APIError struct {
	StatusCode int
	Message    string
	Type       string
	Code       string
	Provider   string
	Retryable  bool
	RetryAfter time.Duration
}

// Error implements the error interface
func (e *APIError) Error() string {
	if e.Type != "" && e.Code != "" {
		return fmt.Sprintf("HTTP %d: %s (type: %s, code: %s)", e.StatusCode, e.Message, e.Type, e.Code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsRateLimitError returns true if this is a rate limit error
func (e *APIError) IsRateLimitError() bool {
	return e.StatusCode == 429
}

// IsServerError returns true for 5xx-equivalent failures
func (e *APIError) IsServerError() bool {
	return e.StatusCode >= 500
}

// ParseRetryAfter parses a Retry-After header value
func ParseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}

	// Try parsing as seconds (integer)
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}

	// Try parsing as HTTP-date (not commonly used for 429)
	if t, err := time.Parse(time.RFC1123, header); err == nil {
		return time.Until(t)
	}

	return 0
}
