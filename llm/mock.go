// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MockClient is a scriptable provider used in development mode
// (PROVIDER_MOCK_ENABLED=true) and throughout the test suites. It records
// every invocation and can be programmed to fail, delay, or return canned
// content.
type MockClient struct {
	name    string
	mu      sync.Mutex
	content string
	err     error
	latency time.Duration
	invokes atomic.Int64
}

// NewMockClient creates a mock provider with a default canned response.
func NewMockClient(name string) *MockClient {
	if name == "" {
		name = "mock"
	}
	return &MockClient{
		name:    name,
		content: "mock response",
	}
}

// Name returns the registry name of this client.
func (c *MockClient) Name() string {
	return c.name
}

// Type returns ProviderTypeMock.
func (c *MockClient) Type() ProviderType {
	return ProviderTypeMock
}

// SetResponse programs the content returned by subsequent invocations.
func (c *MockClient) SetResponse(content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.content = content
}

// SetError programs invocations to fail with err until cleared with nil.
func (c *MockClient) SetError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// SetLatency programs an artificial delay per invocation.
func (c *MockClient) SetLatency(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latency = d
}

// Invokes returns how many times Invoke has been called.
func (c *MockClient) Invokes() int64 {
	return c.invokes.Load()
}

// Invoke returns the scripted response, honoring context cancellation during
// the artificial delay.
func (c *MockClient) Invoke(ctx context.Context, req Request) (*Response, error) {
	c.invokes.Add(1)

	c.mu.Lock()
	content := c.content
	err := c.err
	latency := c.latency
	c.mu.Unlock()

	start := time.Now()
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, &ProviderError{
				Provider:  c.name,
				Code:      ErrCodeTimeout,
				Message:   "mock invocation cancelled",
				Retryable: true,
				Cause:     ctx.Err(),
			}
		}
	}
	if err != nil {
		return nil, err
	}

	promptTokens := len(req.Prompt) / 4
	completionTokens := len(content) / 4
	return &Response{
		Content:  content,
		Provider: c.name,
		Model:    "mock-model",
		Metadata: ResponseMetadata{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
			LatencyMs:        time.Since(start).Milliseconds(),
		},
	}, nil
}

// HealthCheck reports healthy unless an error is scripted.
func (c *MockClient) HealthCheck(ctx context.Context) (*HealthCheckResult, error) {
	c.mu.Lock()
	err := c.err
	c.mu.Unlock()

	result := &HealthCheckResult{
		Latency:     time.Millisecond,
		LastChecked: time.Now().UTC(),
	}
	if err != nil {
		result.Status = HealthStatusUnhealthy
		result.Message = err.Error()
		return result, err
	}
	result.Status = HealthStatusHealthy
	return result, nil
}

// EstimateCost always returns 0.
func (c *MockClient) EstimateCost(tokens int) float64 {
	return 0
}
