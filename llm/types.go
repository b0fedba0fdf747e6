// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"fmt"
	"time"
)

// ProviderType identifies the type of provider client.
type ProviderType string

// Standard provider types supported out of the box.
const (
	// ProviderTypeBedrock represents the primary managed provider (AWS Bedrock).
	ProviderTypeBedrock ProviderType = "bedrock"

	// ProviderTypeGateway represents the mediated provider behind the RPC gateway.
	ProviderTypeGateway ProviderType = "gateway"

	// ProviderTypeLocal represents a self-hosted auxiliary model server.
	ProviderTypeLocal ProviderType = "local"

	// ProviderTypeMock represents the scriptable development-mode provider.
	ProviderTypeMock ProviderType = "mock"
)

// RequestContext carries the routing-relevant metadata of a request.
type RequestContext struct {
	// Domain is the business domain of the request (e.g. "culinary").
	Domain string `json:"domain"`

	// Intent describes what the caller wants (e.g. "generation", "rag").
	Intent string `json:"intent,omitempty"`

	// UserID identifies the end user, when known.
	UserID string `json:"user_id,omitempty"`
}

// Request is the unified request type passed to every provider client.
// A request is immutable once accepted by the safety pre-check; a modified
// request is always a new value.
type Request struct {
	// Prompt is the user's input text.
	Prompt string `json:"prompt"`

	// SystemPrompt optionally sets model behavior. Not all providers use it.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Context carries domain, intent, and user identity.
	Context RequestContext `json:"context"`

	// MaxTokens limits the response length. 0 uses provider defaults.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0.0 deterministic, 1.0 creative).
	Temperature float64 `json:"temperature,omitempty"`

	// Model overrides the provider's default model.
	Model string `json:"model,omitempty"`

	// Metadata contains provider-specific scalar options.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ResponseMetadata tracks usage and timing for billing and monitoring.
type ResponseMetadata struct {
	// PromptTokens is the number of tokens in the input.
	PromptTokens int `json:"prompt_tokens"`

	// CompletionTokens is the number of tokens generated.
	CompletionTokens int `json:"completion_tokens"`

	// TotalTokens is the sum of prompt and completion tokens.
	TotalTokens int `json:"total_tokens"`

	// LatencyMs is the provider-side time taken to generate the response.
	LatencyMs int64 `json:"latency_ms"`

	// Cost is the estimated cost of the call in USD. Zero when unknown.
	Cost float64 `json:"cost,omitempty"`
}

// Response contains the result of a provider invocation.
// Like Request, a response is immutable for the safety post-check; a modified
// response is a new value.
type Response struct {
	// Content is the generated text.
	Content string `json:"content"`

	// Provider is the name of the client that produced the response.
	Provider string `json:"provider"`

	// Model is the actual model used (may differ from requested).
	Model string `json:"model,omitempty"`

	// FinishReason indicates why generation stopped ("stop", "max_tokens", ...).
	FinishReason string `json:"finish_reason,omitempty"`

	// Metadata contains usage and timing statistics.
	Metadata ResponseMetadata `json:"metadata"`
}

// HealthStatus represents the health state of a provider.
type HealthStatus string

const (
	// HealthStatusHealthy indicates the provider is operational.
	HealthStatusHealthy HealthStatus = "healthy"

	// HealthStatusDegraded indicates the provider is working but with issues.
	HealthStatusDegraded HealthStatus = "degraded"

	// HealthStatusUnhealthy indicates the provider is not operational.
	HealthStatusUnhealthy HealthStatus = "unhealthy"

	// HealthStatusUnknown indicates health status hasn't been checked.
	HealthStatusUnknown HealthStatus = "unknown"
)

// HealthCheckResult contains detailed health check information.
type HealthCheckResult struct {
	// Status is the overall health status.
	Status HealthStatus `json:"status"`

	// Latency is the time taken for the health check.
	Latency time.Duration `json:"latency"`

	// Message provides additional context about the status.
	Message string `json:"message,omitempty"`

	// LastChecked is when the health check was performed.
	LastChecked time.Time `json:"last_checked"`

	// ConsecutiveFailures tracks recent failures for circuit breaker logic.
	ConsecutiveFailures int `json:"consecutive_failures,omitempty"`
}

// ProviderError represents an error from a provider client.
type ProviderError struct {
	// Provider is the name of the provider that returned the error.
	Provider string `json:"provider"`

	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error message.
	Message string `json:"message"`

	// StatusCode is the HTTP status code (if applicable).
	StatusCode int `json:"status_code,omitempty"`

	// Retryable indicates if the request can be retried.
	Retryable bool `json:"retryable"`

	// Cause is the underlying error (if any).
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Common error codes.
const (
	// ErrCodeRateLimit indicates rate limiting.
	ErrCodeRateLimit = "rate_limit"

	// ErrCodeAuth indicates authentication failure.
	ErrCodeAuth = "authentication_error"

	// ErrCodeInvalidRequest indicates a malformed request.
	ErrCodeInvalidRequest = "invalid_request"

	// ErrCodeServerError indicates a provider server error.
	ErrCodeServerError = "server_error"

	// ErrCodeTimeout indicates request timeout.
	ErrCodeTimeout = "timeout"

	// ErrCodeUnavailable indicates the provider is unavailable.
	ErrCodeUnavailable = "unavailable"
)

// NewProviderError creates a new ProviderError with retryability derived
// from the code.
func NewProviderError(provider, code, message string) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Retryable: isRetryableCode(code),
	}
}

// isRetryableCode determines if an error code is retryable.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeRateLimit, ErrCodeServerError, ErrCodeTimeout, ErrCodeUnavailable:
		return true
	default:
		return false
	}
}
