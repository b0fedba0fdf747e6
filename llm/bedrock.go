// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"axonflow/controlplane/shared/logger"
)

// defaultBedrockModel is used when no model is configured.
const defaultBedrockModel = "anthropic.claude-3-5-sonnet-20240620-v1:0"

// BedrockConfig configures the direct-path Bedrock client.
type BedrockConfig struct {
	// Name is the registry name for this instance (default "bedrock-primary").
	Name string

	// Region is the AWS region (default "eu-central-1").
	Region string

	// ModelID is the default Bedrock model or inference profile ID.
	ModelID string

	// Static credentials. When empty the default AWS credential chain is used
	// (IAM role in production deployments).
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// BedrockClient invokes AWS Bedrock models directly using the AWS SDK v2,
// with Signature V4 authentication via IAM roles or static credentials.
// It is the DIRECT execution path of the intelligent router.
type BedrockClient struct {
	client  *bedrockruntime.Client
	name    string
	region  string
	modelID string
	healthy atomic.Bool
	log     *logger.Logger
}

// NewBedrockClient creates a Bedrock provider client.
func NewBedrockClient(ctx context.Context, cfg BedrockConfig) (*BedrockClient, error) {
	if cfg.Name == "" {
		cfg.Name = "bedrock-primary"
	}
	if cfg.Region == "" {
		cfg.Region = "eu-central-1"
	}
	if cfg.ModelID == "" {
		cfg.ModelID = defaultBedrockModel
	}
	if detectModelFamily(cfg.ModelID) == "" {
		return nil, fmt.Errorf("unsupported bedrock model ID: %s", cfg.ModelID)
	}

	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}

	// Use explicit credentials if provided, otherwise the default chain
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)
		optFns = append(optFns, config.WithCredentialsProvider(creds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for Bedrock (region: %s): %w", cfg.Region, err)
	}

	c := &BedrockClient{
		client:  bedrockruntime.NewFromConfig(awsCfg),
		name:    cfg.Name,
		region:  cfg.Region,
		modelID: cfg.ModelID,
		log:     logger.New("llm-bedrock"),
	}
	c.healthy.Store(true)
	return c, nil
}

// Name returns the registry name of this client.
func (c *BedrockClient) Name() string {
	return c.name
}

// Type returns ProviderTypeBedrock.
func (c *BedrockClient) Type() ProviderType {
	return ProviderTypeBedrock
}

// Invoke generates a completion through Bedrock InvokeModel.
func (c *BedrockClient) Invoke(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = c.modelID
	}

	body, err := buildBedrockBody(req, model)
	if err != nil {
		return nil, &ProviderError{
			Provider: c.name,
			Code:     ErrCodeInvalidRequest,
			Message:  err.Error(),
			Cause:    err,
		}
	}

	requestJSON, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bedrock request: %w", err)
	}

	output, err := c.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		Body:        requestJSON,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		c.healthy.Store(false)
		if ctx.Err() != nil {
			return nil, &ProviderError{
				Provider:  c.name,
				Code:      ErrCodeTimeout,
				Message:   "bedrock invocation cancelled or timed out",
				Retryable: true,
				Cause:     ctx.Err(),
			}
		}
		return nil, &ProviderError{
			Provider:  c.name,
			Code:      ErrCodeServerError,
			Message:   fmt.Sprintf("bedrock API error: %v", err),
			Retryable: true,
			Cause:     err,
		}
	}
	c.healthy.Store(true)

	resp, err := parseBedrockBody(output.Body, model)
	if err != nil {
		return nil, fmt.Errorf("failed to parse bedrock response: %w", err)
	}

	resp.Provider = c.name
	resp.Model = model
	resp.Metadata.LatencyMs = time.Since(start).Milliseconds()
	resp.Metadata.Cost = c.EstimateCost(resp.Metadata.TotalTokens)
	return resp, nil
}

// HealthCheck performs a minimal one-token invocation against the configured
// model. Kept deliberately tiny so the periodic prober stays cheap.
func (c *BedrockClient) HealthCheck(ctx context.Context) (*HealthCheckResult, error) {
	start := time.Now()

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := c.Invoke(probeCtx, Request{Prompt: "ping", MaxTokens: 1})
	result := &HealthCheckResult{
		Latency:     time.Since(start),
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

// EstimateCost estimates USD cost for the given total token count.
func (c *BedrockClient) EstimateCost(tokens int) float64 {
	switch detectModelFamily(c.modelID) {
	case "anthropic":
		return float64(tokens) * 0.00003 // $0.03 per 1K tokens
	case "amazon":
		return float64(tokens) * 0.00001
	case "meta", "mistral":
		return float64(tokens) * 0.000015
	default:
		return float64(tokens) * 0.00003
	}
}

// buildBedrockBody builds the InvokeModel request body for the model family.
func buildBedrockBody(req Request, model string) (map[string]interface{}, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	switch family := detectModelFamily(model); family {
	case "anthropic":
		body := map[string]interface{}{
			"anthropic_version": "bedrock-2023-05-31",
			"max_tokens":        maxTokens,
			"temperature":       req.Temperature,
			"messages": []map[string]string{
				{"role": "user", "content": req.Prompt},
			},
		}
		if req.SystemPrompt != "" {
			body["system"] = req.SystemPrompt
		}
		return body, nil
	case "amazon":
		return map[string]interface{}{
			"inputText": req.Prompt,
			"textGenerationConfig": map[string]interface{}{
				"maxTokenCount": maxTokens,
				"temperature":   req.Temperature,
				"topP":          0.9,
			},
		}, nil
	case "meta":
		return map[string]interface{}{
			"prompt":      req.Prompt,
			"max_gen_len": maxTokens,
			"temperature": req.Temperature,
			"top_p":       0.9,
		}, nil
	case "mistral":
		return map[string]interface{}{
			"prompt":      req.Prompt,
			"max_tokens":  maxTokens,
			"temperature": req.Temperature,
			"top_p":       0.9,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported model family for %q", model)
	}
}

// parseBedrockBody parses the InvokeModel response body for the model family.
func parseBedrockBody(body []byte, model string) (*Response, error) {
	switch family := detectModelFamily(model); family {
	case "anthropic":
		var resp struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
			StopReason string `json:"stop_reason"`
			Usage      struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		content := ""
		if len(resp.Content) > 0 {
			content = resp.Content[0].Text
		}
		return &Response{
			Content:      content,
			FinishReason: resp.StopReason,
			Metadata: ResponseMetadata{
				PromptTokens:     resp.Usage.InputTokens,
				CompletionTokens: resp.Usage.OutputTokens,
				TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
			},
		}, nil
	case "amazon":
		var resp struct {
			Results []struct {
				OutputText string `json:"outputText"`
				TokenCount int    `json:"tokenCount"`
			} `json:"results"`
			InputTextTokenCount int `json:"inputTextTokenCount"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		content := ""
		outputTokens := 0
		if len(resp.Results) > 0 {
			content = resp.Results[0].OutputText
			outputTokens = resp.Results[0].TokenCount
		}
		return &Response{
			Content: content,
			Metadata: ResponseMetadata{
				PromptTokens:     resp.InputTextTokenCount,
				CompletionTokens: outputTokens,
				TotalTokens:      resp.InputTextTokenCount + outputTokens,
			},
		}, nil
	case "meta":
		var resp struct {
			Generation       string `json:"generation"`
			PromptTokenCount int    `json:"prompt_token_count"`
			GenTokenCount    int    `json:"generation_token_count"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		return &Response{
			Content: resp.Generation,
			Metadata: ResponseMetadata{
				PromptTokens:     resp.PromptTokenCount,
				CompletionTokens: resp.GenTokenCount,
				TotalTokens:      resp.PromptTokenCount + resp.GenTokenCount,
			},
		}, nil
	case "mistral":
		var resp struct {
			Outputs []struct {
				Text string `json:"text"`
			} `json:"outputs"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		content := ""
		if len(resp.Outputs) > 0 {
			content = resp.Outputs[0].Text
		}
		// Mistral does not report token counts
		return &Response{Content: content}, nil
	default:
		return nil, fmt.Errorf("unsupported model family for %q", model)
	}
}

// inferenceProfilePrefixes are the known Bedrock inference profile prefixes.
var inferenceProfilePrefixes = []string{"eu", "us", "apac", "global"}

// supportedModelFamilies are the Bedrock model families this client speaks.
var supportedModelFamilies = []string{"anthropic", "amazon", "meta", "mistral"}

// detectModelFamily detects the model family from a model or inference
// profile ID. Model IDs follow provider.model-name-version; inference profile
// IDs carry a regional prefix (eu.anthropic...).
func detectModelFamily(modelID string) string {
	if modelID == "" {
		return ""
	}

	segments := strings.Split(modelID, ".")
	if len(segments) < 2 {
		return ""
	}

	first := segments[0]
	for _, prefix := range inferenceProfilePrefixes {
		if first == prefix {
			return validateModelFamily(segments[1])
		}
	}
	return validateModelFamily(first)
}

// validateModelFamily returns the family if supported, empty string otherwise.
func validateModelFamily(family string) string {
	for _, supported := range supportedModelFamilies {
		if family == supported {
			return family
		}
	}
	return ""
}
