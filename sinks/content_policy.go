// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"axonflow/controlplane/shared/logger"
)

// Source tells a policy sink whether the text is a user prompt or a model
// response. Managed guardrail services apply different filter sets per side.
type Source string

const (
	SourceInput  Source = "INPUT"
	SourceOutput Source = "OUTPUT"
)

// PolicyViolation is a single finding reported by a policy sink.
type PolicyViolation struct {
	Type       string  `json:"type"`
	Severity   string  `json:"severity"`
	Confidence float64 `json:"confidence"`
	Details    string  `json:"details,omitempty"`
}

// PolicyResult is the outcome of one policy evaluation.
type PolicyResult struct {
	// Allowed is false when the sink decided the text must be blocked.
	Allowed bool `json:"allowed"`

	// Confidence in the decision: 1.0 for a clean pass, otherwise the
	// strongest violation confidence.
	Confidence float64 `json:"confidence"`

	// Violations lists every finding, including non-blocking ones.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Modified carries the rewritten text when the sink anonymized or
	// masked content. Empty means the original text stands.
	Modified string `json:"modified,omitempty"`
}

// ContentPolicySink evaluates text against an external content policy.
// Implementations must be safe for concurrent use.
type ContentPolicySink interface {
	// Name returns the sink identifier used in logs and audit records.
	Name() string

	// Check evaluates text from the given source. Domain and requestID are
	// passed through for tracing; sinks may ignore them.
	Check(ctx context.Context, text string, source Source, domain, requestID string) (*PolicyResult, error)
}

// NoopSink approves everything. It is the default when no managed policy
// service is configured.
type NoopSink struct{}

func (NoopSink) Name() string { return "noop" }

func (NoopSink) Check(_ context.Context, _ string, _ Source, _, _ string) (*PolicyResult, error) {
	return &PolicyResult{Allowed: true, Confidence: 1.0}, nil
}

// guardrailAPI is the slice of the Bedrock runtime client used by
// BedrockGuardrailSink. Narrowed for tests.
type guardrailAPI interface {
	ApplyGuardrail(ctx context.Context, params *bedrockruntime.ApplyGuardrailInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ApplyGuardrailOutput, error)
}

// BedrockGuardrailConfig configures the managed guardrail sink.
type BedrockGuardrailConfig struct {
	// GuardrailID is the Bedrock guardrail identifier (required).
	GuardrailID string

	// GuardrailVersion is the guardrail version to apply (default "DRAFT").
	GuardrailVersion string

	// Region is the AWS region (default "eu-central-1").
	Region string

	// Static credentials. When empty the default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// BedrockGuardrailSink evaluates text with a managed AWS Bedrock guardrail.
// An assessment with action GUARDRAIL_INTERVENED blocks the text; anonymized
// output text is surfaced as PolicyResult.Modified.
type BedrockGuardrailSink struct {
	client  guardrailAPI
	id      string
	version string
	log     *logger.Logger
}

// NewBedrockGuardrailSink creates the managed guardrail sink.
func NewBedrockGuardrailSink(ctx context.Context, cfg BedrockGuardrailConfig) (*BedrockGuardrailSink, error) {
	if cfg.GuardrailID == "" {
		return nil, fmt.Errorf("bedrock guardrail sink requires a guardrail ID")
	}
	if cfg.GuardrailVersion == "" {
		cfg.GuardrailVersion = "DRAFT"
	}
	if cfg.Region == "" {
		cfg.Region = "eu-central-1"
	}

	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)
		optFns = append(optFns, config.WithCredentialsProvider(creds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for guardrail sink: %w", err)
	}

	return &BedrockGuardrailSink{
		client:  bedrockruntime.NewFromConfig(awsCfg),
		id:      cfg.GuardrailID,
		version: cfg.GuardrailVersion,
		log:     logger.New("bedrock-guardrail-sink"),
	}, nil
}

func (s *BedrockGuardrailSink) Name() string { return "bedrock-guardrail" }

// Check applies the configured guardrail to the text.
func (s *BedrockGuardrailSink) Check(ctx context.Context, text string, source Source, domain, requestID string) (*PolicyResult, error) {
	contentSource := brtypes.GuardrailContentSourceInput
	if source == SourceOutput {
		contentSource = brtypes.GuardrailContentSourceOutput
	}

	out, err := s.client.ApplyGuardrail(ctx, &bedrockruntime.ApplyGuardrailInput{
		GuardrailIdentifier: aws.String(s.id),
		GuardrailVersion:    aws.String(s.version),
		Source:              contentSource,
		Content: []brtypes.GuardrailContentBlock{
			&brtypes.GuardrailContentBlockMemberText{
				Value: brtypes.GuardrailTextBlock{Text: aws.String(text)},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ApplyGuardrail failed: %w", err)
	}

	result := &PolicyResult{
		Allowed:    out.Action != brtypes.GuardrailActionGuardrailIntervened,
		Confidence: 1.0,
	}

	for _, assessment := range out.Assessments {
		result.Violations = append(result.Violations, violationsFromAssessment(assessment)...)
	}

	// The guardrail returns rewritten text when it anonymized rather than
	// blocked. Only surface it for non-blocking interventions.
	if result.Allowed && len(result.Violations) > 0 {
		for _, o := range out.Outputs {
			if o.Text != nil && *o.Text != "" && *o.Text != text {
				result.Modified = *o.Text
				break
			}
		}
	}

	if !result.Allowed {
		result.Confidence = strongestConfidence(result.Violations)
		s.log.Warn("", requestID, "Guardrail intervened", map[string]interface{}{
			"guardrail_id": s.id,
			"source":       string(source),
			"domain":       domain,
			"violations":   len(result.Violations),
		})
	}

	return result, nil
}

// violationsFromAssessment flattens one guardrail assessment into violation
// records. Filter types and confidences come through as reported by Bedrock.
func violationsFromAssessment(a brtypes.GuardrailAssessment) []PolicyViolation {
	var out []PolicyViolation

	if a.ContentPolicy != nil {
		for _, f := range a.ContentPolicy.Filters {
			out = append(out, PolicyViolation{
				Type:       "CONTENT_" + string(f.Type),
				Severity:   severityFromFilterConfidence(f.Confidence),
				Confidence: confidenceFromFilter(f.Confidence),
				Details:    fmt.Sprintf("content filter %s (%s)", f.Type, f.Action),
			})
		}
	}
	if a.TopicPolicy != nil {
		for _, t := range a.TopicPolicy.Topics {
			out = append(out, PolicyViolation{
				Type:       "TOPIC_DENIED",
				Severity:   "HIGH",
				Confidence: 0.9,
				Details:    fmt.Sprintf("denied topic %s", aws.ToString(t.Name)),
			})
		}
	}
	if a.WordPolicy != nil {
		for range a.WordPolicy.CustomWords {
			out = append(out, PolicyViolation{
				Type:       "WORD_BLOCKED",
				Severity:   "MEDIUM",
				Confidence: 0.95,
				Details:    "custom word list match",
			})
		}
		for _, w := range a.WordPolicy.ManagedWordLists {
			out = append(out, PolicyViolation{
				Type:       "WORD_BLOCKED",
				Severity:   "MEDIUM",
				Confidence: 0.95,
				Details:    fmt.Sprintf("managed word list %s", w.Type),
			})
		}
	}
	if a.SensitiveInformationPolicy != nil {
		for _, e := range a.SensitiveInformationPolicy.PiiEntities {
			out = append(out, PolicyViolation{
				Type:       "PII_" + string(e.Type),
				Severity:   "HIGH",
				Confidence: 0.9,
				Details:    fmt.Sprintf("pii entity %s (%s)", e.Type, e.Action),
			})
		}
		for _, r := range a.SensitiveInformationPolicy.Regexes {
			out = append(out, PolicyViolation{
				Type:       "PII_REGEX",
				Severity:   "HIGH",
				Confidence: 0.85,
				Details:    fmt.Sprintf("regex %s (%s)", aws.ToString(r.Name), r.Action),
			})
		}
	}

	return out
}

func severityFromFilterConfidence(c brtypes.GuardrailContentFilterConfidence) string {
	switch c {
	case brtypes.GuardrailContentFilterConfidenceHigh:
		return "HIGH"
	case brtypes.GuardrailContentFilterConfidenceMedium:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

func confidenceFromFilter(c brtypes.GuardrailContentFilterConfidence) float64 {
	switch c {
	case brtypes.GuardrailContentFilterConfidenceHigh:
		return 0.95
	case brtypes.GuardrailContentFilterConfidenceMedium:
		return 0.75
	case brtypes.GuardrailContentFilterConfidenceLow:
		return 0.5
	default:
		return 0.0
	}
}

func strongestConfidence(violations []PolicyViolation) float64 {
	strongest := 0.0
	for _, v := range violations {
		if v.Confidence > strongest {
			strongest = v.Confidence
		}
	}
	if strongest == 0 {
		strongest = 1.0
	}
	return strongest
}

// HTTPPolicySink calls an external policy service over HTTP JSON. It is the
// integration point for customer-operated policy engines.
type HTTPPolicySink struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	log        *logger.Logger
}

// HTTPPolicyConfig configures the HTTP policy sink.
type HTTPPolicyConfig struct {
	// Endpoint is the base URL of the policy service (required).
	Endpoint string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// Timeout bounds a single check (default 5s).
	Timeout time.Duration
}

// NewHTTPPolicySink creates a policy sink backed by an HTTP service.
func NewHTTPPolicySink(cfg HTTPPolicyConfig) (*HTTPPolicySink, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("http policy sink requires an endpoint")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	return &HTTPPolicySink{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   3 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log: logger.New("http-policy-sink"),
	}, nil
}

func (s *HTTPPolicySink) Name() string { return "http-policy" }

type httpPolicyRequest struct {
	Text      string `json:"text"`
	Source    string `json:"source"`
	Domain    string `json:"domain,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Check posts the text to the policy service and decodes its verdict.
func (s *HTTPPolicySink) Check(ctx context.Context, text string, source Source, domain, requestID string) (*PolicyResult, error) {
	body, err := json.Marshal(httpPolicyRequest{
		Text:      text,
		Source:    string(source),
		Domain:    domain,
		RequestID: requestID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal policy request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/api/v1/policy/check", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build policy request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	if requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("policy service unreachable: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read policy response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("policy service returned status %d", resp.StatusCode)
	}

	var result PolicyResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode policy response: %w", err)
	}
	if result.Confidence == 0 && result.Allowed {
		result.Confidence = 1.0
	}

	return &result, nil
}
