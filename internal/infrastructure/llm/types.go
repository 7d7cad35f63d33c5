// Package llm is the provider abstraction over chat-completion backends:
// a factory registry of wire codecs, a per-backend circuit breaker, retry
// with exponential backoff, and a weighted round-robin pool.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// FailKind classifies a provider failure.
type FailKind string

const (
	FailTimeout     FailKind = "timeout"      // deadline exceeded, retryable
	FailRateLimited FailKind = "rate_limited" // HTTP 429, retryable
	FailServer      FailKind = "server"       // HTTP 5xx, retryable
	FailClient      FailKind = "client"       // other HTTP 4xx, not retryable
	FailParse       FailKind = "parse"        // envelope unparseable, not retryable
	FailCanceled    FailKind = "canceled"     // caller went away, never counted
	FailBreakerOpen FailKind = "breaker_open" // failed fast, not retryable here
	FailNetwork     FailKind = "network"      // transport error, retryable
)

// ProviderError is the failure surfaced by every Complete* call.
type ProviderError struct {
	Backend   string
	Kind      FailKind
	Status    int // HTTP status when applicable
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend %s: %s: %v", e.Backend, e.Kind, e.Err)
	}
	return fmt.Sprintf("backend %s: %s (status %d)", e.Backend, e.Kind, e.Status)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsRetryable reports whether the error chain permits another attempt.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// IsCanceled reports whether the failure came from caller cancellation.
// Cancellations never count as breaker failures.
func IsCanceled(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Kind == FailCanceled {
		return true
	}
	return errors.Is(err, context.Canceled)
}

// ClassifyHTTP maps an upstream HTTP status to a ProviderError.
func ClassifyHTTP(backend string, status int, cause error) *ProviderError {
	switch {
	case status == 429:
		return &ProviderError{Backend: backend, Kind: FailRateLimited, Status: status, Retryable: true, Err: cause}
	case status >= 500:
		return &ProviderError{Backend: backend, Kind: FailServer, Status: status, Retryable: true, Err: cause}
	default:
		return &ProviderError{Backend: backend, Kind: FailClient, Status: status, Retryable: false, Err: cause}
	}
}

// ClassifyTransport maps a transport-level error to a ProviderError,
// distinguishing deadline, cancellation and plain network failure.
func ClassifyTransport(backend string, err error) *ProviderError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &ProviderError{Backend: backend, Kind: FailTimeout, Retryable: true, Err: err}
	case errors.Is(err, context.Canceled):
		return &ProviderError{Backend: backend, Kind: FailCanceled, Retryable: false, Err: err}
	default:
		return &ProviderError{Backend: backend, Kind: FailNetwork, Retryable: true, Err: err}
	}
}

// ParseError marks an unparseable provider envelope (not retryable).
func ParseError(backend string, cause error) *ProviderError {
	return &ProviderError{Backend: backend, Kind: FailParse, Retryable: false, Err: cause}
}

// Options tune a single completion call.
type Options struct {
	MaxTokens   int
	Temperature float64
}

// BackendConfig describes one configured LLM backend instance.
type BackendConfig struct {
	Name             string  `json:"name" mapstructure:"name"`
	Provider         string  `json:"provider" mapstructure:"provider"` // openai | ollama | lmstudio | azure
	BaseURL          string  `json:"baseUrl" mapstructure:"base_url"`
	ModelName        string  `json:"modelName" mapstructure:"model_name"`
	APIKey           string  `json:"-" mapstructure:"api_key"`
	Weight           int     `json:"weight" mapstructure:"weight"`
	Enabled          bool    `json:"enabled" mapstructure:"enabled"`
	MaxTokens        int     `json:"maxTokens,omitempty" mapstructure:"max_tokens"`
	Priority         int     `json:"priority" mapstructure:"priority"`
	MaxContextWindow int     `json:"maxContextWindow,omitempty" mapstructure:"max_context_window"`
	Temperature      float64 `json:"temperature,omitempty" mapstructure:"temperature"`
}
