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

// LocalConfig configures the auxiliary self-hosted provider client.
type LocalConfig struct {
	// Name is the registry name for this instance (default "local-aux").
	Name string

	// Endpoint is the model server base URL (default "http://ollama:11434").
	Endpoint string

	// Model is the default model tag (default "llama3.1:8b").
	Model string
}

// LocalClient talks to a self-hosted Ollama-compatible model server. It is
// the auxiliary path: air-gapped deployments route everything here.
type LocalClient struct {
	name     string
	endpoint string
	model    string
	client   *http.Client
	log      *logger.Logger
}

// NewLocalClient creates an auxiliary local provider client.
func NewLocalClient(cfg LocalConfig) *LocalClient {
	if cfg.Name == "" {
		cfg.Name = "local-aux"
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://ollama:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "llama3.1:8b"
	}

	return &LocalClient{
		name:     cfg.Name,
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		client:   &http.Client{Timeout: 120 * time.Second},
		log:      logger.New("llm-local"),
	}
}

// Name returns the registry name of this client.
func (c *LocalClient) Name() string {
	return c.name
}

// Type returns ProviderTypeLocal.
func (c *LocalClient) Type() ProviderType {
	return ProviderTypeLocal
}

// Invoke generates a completion through the local model server.
func (c *LocalClient) Invoke(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = c.model
	}

	payload := map[string]interface{}{
		"model":  model,
		"prompt": req.Prompt,
		"stream": false,
		"options": map[string]interface{}{
			"temperature": req.Temperature,
			"num_predict": req.MaxTokens,
		},
	}
	if req.SystemPrompt != "" {
		payload["system"] = req.SystemPrompt
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal local request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint+"/api/generate", bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &ProviderError{
				Provider:  c.name,
				Code:      ErrCodeTimeout,
				Message:   "local invocation cancelled or timed out",
				Retryable: true,
				Cause:     ctx.Err(),
			}
		}
		return nil, &ProviderError{
			Provider:  c.name,
			Code:      ErrCodeUnavailable,
			Message:   fmt.Sprintf("local model server unreachable: %v", err),
			Retryable: true,
			Cause:     err,
		}
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, NewProviderError(c.name, codeForStatus(httpResp.StatusCode),
			fmt.Sprintf("local model server returned %d: %s", httpResp.StatusCode, string(raw)))
	}

	var local struct {
		Response        string `json:"response"`
		Model           string `json:"model"`
		Done            bool   `json:"done"`
		PromptEvalCount int    `json:"prompt_eval_count"`
		EvalCount       int    `json:"eval_count"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&local); err != nil {
		return nil, fmt.Errorf("failed to decode local response: %w", err)
	}

	return &Response{
		Content:  local.Response,
		Provider: c.name,
		Model:    local.Model,
		Metadata: ResponseMetadata{
			PromptTokens:     local.PromptEvalCount,
			CompletionTokens: local.EvalCount,
			TotalTokens:      local.PromptEvalCount + local.EvalCount,
			LatencyMs:        time.Since(start).Milliseconds(),
		},
	}, nil
}

// HealthCheck verifies the model server lists its tags.
func (c *LocalClient) HealthCheck(ctx context.Context) (*HealthCheckResult, error) {
	start := time.Now()

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.endpoint+"/api/tags", nil)
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
		result.Message = fmt.Sprintf("tags endpoint returned %d", httpResp.StatusCode)
		return result, fmt.Errorf("local health check failed with status %d", httpResp.StatusCode)
	}

	result.Status = HealthStatusHealthy
	return result, nil
}

// EstimateCost always returns 0: self-hosted inference has no per-token cost.
func (c *LocalClient) EstimateCost(tokens int) float64 {
	return 0
}
