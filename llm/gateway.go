// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"axonflow/controlplane/shared/logger"
)

// GatewayConfig configures the mediated-path gateway client.
type GatewayConfig struct {
	// Name is the registry name for this instance (default "gateway-primary").
	Name string

	// Endpoint is the base URL of the RPC gateway (e.g. "http://gateway:8085").
	Endpoint string

	// Timeout bounds a single invocation (default 60s); the per-request
	// context deadline set by the pipeline still applies.
	Timeout time.Duration

	// CostPer1K is the mediated-path cost estimate in USD per 1000 tokens.
	CostPer1K float64
}

// GatewayClient reaches the mediated provider through the platform's RPC
// gateway over HTTP JSON. It is the MEDIATED execution path of the
// intelligent router.
type GatewayClient struct {
	name      string
	endpoint  string
	costPer1K float64
	client    *http.Client
	log       *logger.Logger
}

// gatewayRequest is the wire format sent to the gateway.
type gatewayRequest struct {
	Prompt       string                 `json:"prompt"`
	SystemPrompt string                 `json:"system_prompt,omitempty"`
	Domain       string                 `json:"domain,omitempty"`
	Intent       string                 `json:"intent,omitempty"`
	UserID       string                 `json:"user_id,omitempty"`
	MaxTokens    int                    `json:"max_tokens,omitempty"`
	Temperature  float64                `json:"temperature,omitempty"`
	Model        string                 `json:"model,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// gatewayResponse is the wire format returned by the gateway.
type gatewayResponse struct {
	Content          string  `json:"content"`
	Model            string  `json:"model,omitempty"`
	FinishReason     string  `json:"finish_reason,omitempty"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	LatencyMs        int64   `json:"latency_ms,omitempty"`
	Cost             float64 `json:"cost,omitempty"`
	Error            string  `json:"error,omitempty"`
}

// NewGatewayClient creates a gateway provider client.
func NewGatewayClient(cfg GatewayConfig) *GatewayClient {
	if cfg.Name == "" {
		cfg.Name = "gateway-primary"
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://gateway:8085"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.CostPer1K <= 0 {
		cfg.CostPer1K = 0.01
	}

	return &GatewayClient{
		name:      cfg.Name,
		endpoint:  cfg.Endpoint,
		costPer1K: cfg.CostPer1K,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log: logger.New("llm-gateway"),
	}
}

// Name returns the registry name of this client.
func (c *GatewayClient) Name() string {
	return c.name
}

// Type returns ProviderTypeGateway.
func (c *GatewayClient) Type() ProviderType {
	return ProviderTypeGateway
}

// Invoke forwards the request to the gateway and translates the reply.
func (c *GatewayClient) Invoke(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	payload := gatewayRequest{
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		Domain:       req.Context.Domain,
		Intent:       req.Context.Intent,
		UserID:       req.Context.UserID,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
		Model:        req.Model,
		Metadata:     req.Metadata,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal gateway request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint+"/api/v1/invoke", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &ProviderError{
				Provider:  c.name,
				Code:      ErrCodeTimeout,
				Message:   "gateway invocation cancelled or timed out",
				Retryable: true,
				Cause:     ctx.Err(),
			}
		}
		return nil, &ProviderError{
			Provider:  c.name,
			Code:      ErrCodeUnavailable,
			Message:   fmt.Sprintf("gateway unreachable: %v", err),
			Retryable: true,
			Cause:     err,
		}
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, &ProviderError{
			Provider:   c.name,
			Code:       codeForStatus(httpResp.StatusCode),
			Message:    fmt.Sprintf("gateway returned %d: %s", httpResp.StatusCode, string(raw)),
			StatusCode: httpResp.StatusCode,
			Retryable:  httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests,
		}
	}

	var gw gatewayResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&gw); err != nil {
		return nil, fmt.Errorf("failed to decode gateway response: %w", err)
	}
	if gw.Error != "" {
		return nil, NewProviderError(c.name, ErrCodeServerError, gw.Error)
	}

	latency := gw.LatencyMs
	if latency == 0 {
		latency = time.Since(start).Milliseconds()
	}
	total := gw.PromptTokens + gw.CompletionTokens
	cost := gw.Cost
	if cost == 0 {
		cost = c.EstimateCost(total)
	}

	return &Response{
		Content:      gw.Content,
		Provider:     c.name,
		Model:        gw.Model,
		FinishReason: gw.FinishReason,
		Metadata: ResponseMetadata{
			PromptTokens:     gw.PromptTokens,
			CompletionTokens: gw.CompletionTokens,
			TotalTokens:      total,
			LatencyMs:        latency,
			Cost:             cost,
		},
	}, nil
}

// HealthCheck verifies the gateway answers its health endpoint.
func (c *GatewayClient) HealthCheck(ctx context.Context) (*HealthCheckResult, error) {
	start := time.Now()

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.endpoint+"/health", nil)
	if err != nil {
		return nil, err
	}

	result := &HealthCheckResult{LastChecked: time.Now().UTC()}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		result.Status = HealthStatusUnhealthy
		result.Message = err.Error()
		result.Latency = time.Since(start)
		return result, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	result.Latency = time.Since(start)
	if httpResp.StatusCode != http.StatusOK {
		result.Status = HealthStatusUnhealthy
		result.Message = fmt.Sprintf("health endpoint returned %d", httpResp.StatusCode)
		return result, fmt.Errorf("gateway health check failed with status %d", httpResp.StatusCode)
	}

	result.Status = HealthStatusHealthy
	return result, nil
}

// EstimateCost estimates USD cost for the given total token count.
func (c *GatewayClient) EstimateCost(tokens int) float64 {
	return float64(tokens) / 1000 * c.costPer1K
}

// codeForStatus maps an HTTP status to a provider error code.
func codeForStatus(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrCodeRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrCodeAuth
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ErrCodeTimeout
	case status >= 500:
		return ErrCodeServerError
	default:
		return ErrCodeInvalidRequest
	}
}
