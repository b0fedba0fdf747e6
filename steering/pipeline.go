// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package steering

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"axonflow/controlplane/guardrails"
	"axonflow/controlplane/llm"
	"axonflow/controlplane/shared/logger"
)

// invokeTimeoutFactor scales an operation's latency requirement into the
// hard provider deadline.
const invokeTimeoutFactor = 10

// minInvokeTimeout is the floor for the provider deadline so tight latency
// requirements do not starve slow-but-healthy providers.
const minInvokeTimeout = 2 * time.Second

// defaultInvokeTimeout applies when the matched rule carries no latency
// requirement.
const defaultInvokeTimeout = 30 * time.Second

// ClientRequest is the wire format accepted by the processing endpoint.
type ClientRequest struct {
	RequestID    string                 `json:"request_id,omitempty"`
	ClientID     string                 `json:"client_id,omitempty"`
	Operation    OperationType          `json:"operation,omitempty"`
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

// ClientResponse is the wire format returned by the processing endpoint.
// Warnings carry sanitized violation categories only, never matched text.
type ClientResponse struct {
	RequestID   string    `json:"request_id"`
	Content     string    `json:"content"`
	Provider    string    `json:"provider"`
	Model       string    `json:"model,omitempty"`
	Route       RouteType `json:"route"`
	RouteReason string    `json:"route_reason,omitempty"`
	Fallback    bool      `json:"fallback,omitempty"`
	CacheHit    bool      `json:"cache_hit,omitempty"`
	Redacted    bool      `json:"redacted,omitempty"`
	Warnings    []string  `json:"warnings,omitempty"`
	LatencyMs   int64     `json:"latency_ms"`
	Tokens      int       `json:"tokens,omitempty"`
	CostEuro    float64   `json:"cost_euro,omitempty"`
}

// PipelineConfig wires the pipeline's collaborators. Limiter, Shutdown,
// Cache and Costs are optional; everything else is required.
type PipelineConfig struct {
	Limiter  *RateLimiter
	Safety   *guardrails.ActiveManager
	Shutdown *EmergencyShutdown
	Router   *Router
	Breaker  *CircuitBreaker
	Latency  *LatencyMonitor
	Routing  *RoutingMonitor
	Cache    *ResponseCache
	Costs    *CostTracker
	Direct   llm.ProviderClient
	Mediated llm.ProviderClient
}

// Pipeline is the request hot path: admission, safety pre-check, routing,
// provider invocation, safety post-check. Each stage either passes the
// request on or fails it with a stable error kind; no stage is skipped and
// no stage runs out of order.
type Pipeline struct {
	limiter   *RateLimiter
	safety    *guardrails.ActiveManager
	shutdown  *EmergencyShutdown
	router    *Router
	breaker   *CircuitBreaker
	latency   *LatencyMonitor
	routing   *RoutingMonitor
	cache     *ResponseCache
	costs     *CostTracker
	providers map[RouteType]llm.ProviderClient
	log       *logger.Logger
}

// NewPipeline creates the request pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	return &Pipeline{
		limiter:  cfg.Limiter,
		safety:   cfg.Safety,
		shutdown: cfg.Shutdown,
		router:   cfg.Router,
		breaker:  cfg.Breaker,
		latency:  cfg.Latency,
		routing:  cfg.Routing,
		cache:    cfg.Cache,
		costs:    cfg.Costs,
		providers: map[RouteType]llm.ProviderClient{
			RouteDirect:   cfg.Direct,
			RouteMediated: cfg.Mediated,
		},
		log: logger.New("steering-pipeline"),
	}
}

// ProcessRequest serves one request end to end and instruments the outcome.
func (p *Pipeline) ProcessRequest(ctx context.Context, req ClientRequest) (*ClientResponse, error) {
	start := time.Now()
	op := req.Operation
	if op == "" {
		op = OperationGeneration
	}

	resp, err := p.process(ctx, op, req)

	elapsed := time.Since(start).Milliseconds()
	promRequestDuration.WithLabelValues(string(op)).Observe(float64(elapsed))

	status, route := "success", "none"
	if err != nil {
		status = string(KindOf(err))
	}
	if resp != nil && resp.Route != "" {
		route = string(resp.Route)
	}
	promRequestsTotal.WithLabelValues(status, route).Inc()

	if err != nil {
		p.log.Warn(req.ClientID, req.RequestID, "Request failed", map[string]interface{}{
			"operation":   string(op),
			"status":      status,
			"duration_ms": elapsed,
		})
	}
	return resp, err
}

func (p *Pipeline) process(ctx context.Context, op OperationType, req ClientRequest) (*ClientResponse, error) {
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}

	if !validOperation(op) {
		return nil, NewErrorf(ErrConfig, "unknown operation type %q", op).WithCorrelation(requestID)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, NewError(ErrConfig, "prompt must not be empty").WithCorrelation(requestID)
	}

	if p.limiter != nil {
		if err := p.limiter.Allow(ctx, req.ClientID); err != nil {
			return nil, withCorrelation(err, requestID)
		}
	}

	p.latency.RecordRequestStart(requestID, op)
	// No-op once a sample was recorded; clears pending state on every
	// early return.
	defer p.latency.AbandonRequest(requestID)

	lreq := buildProviderRequest(requestID, req)

	checked, err := p.safety.ProcessRequest(ctx, lreq)
	if err != nil {
		return nil, NewError(ErrInternal, "input safety check failed").WithCause(err).WithCorrelation(requestID)
	}
	countViolations(checked.Verdict, "input")
	if !checked.Verdict.Allowed {
		return nil, policyBlockedError("request", checked.Verdict, requestID)
	}
	lreq = checked.Request

	if p.shutdown != nil && p.shutdown.BlocksServing() {
		return nil, NewError(ErrProviderUnavailable, "emergency shutdown active").WithCorrelation(requestID)
	}

	decision, err := p.router.Route(op)
	if err != nil {
		return nil, withCorrelation(err, requestID)
	}
	if checked.Delegate && decision.Route != RouteMediated {
		decision = &RouteDecision{
			Route:    RouteMediated,
			Reason:   "usage policy: " + checked.DelegateReason,
			Rule:     decision.Rule,
			Fallback: decision.Fallback,
		}
	}

	inputRedacted := lreq.Prompt != req.Prompt
	warnings := violationTypes(checked.Verdict)

	if op == OperationCached && p.cache != nil {
		if cached, ok := p.cache.Get(req.Domain, req.Intent, lreq.Prompt); ok {
			metric := p.latency.RecordRequestComplete(requestID, cached.Provider, cached.Model, true, cached.Metadata.TotalTokens, 0)
			out := p.buildResponse(requestID, cached, decision, metric, inputRedacted, warnings)
			out.CacheHit = true
			return out, nil
		}
	}

	path := string(decision.Route)
	if err := p.breaker.Allow(path); err != nil {
		return nil, NewErrorf(ErrProviderUnavailable, "path %s is not accepting calls", path).
			WithCause(err).WithCorrelation(requestID)
	}

	provider := p.providers[decision.Route]
	if provider == nil {
		return nil, NewErrorf(ErrInternal, "no provider wired for route %s", decision.Route).WithCorrelation(requestID)
	}

	invokeCtx, cancel := context.WithTimeout(ctx, invokeTimeout(decision.Rule))
	defer cancel()

	invokeStart := time.Now()
	resp, err := provider.Invoke(invokeCtx, lreq)
	invokeMs := time.Since(invokeStart).Milliseconds()

	if err != nil {
		p.breaker.RecordFailure(path)
		p.routing.RecordOutcome(path, invokeMs, false, decision.Fallback)
		return nil, p.invokeError(ctx, invokeCtx, err, provider.Name(), requestID)
	}

	p.breaker.RecordSuccess(path)
	p.routing.RecordOutcome(path, invokeMs, true, decision.Fallback)

	cost := 0.0
	if p.costs != nil {
		cost = p.costs.Estimate(resp.Provider, resp.Model, resp.Metadata.PromptTokens, resp.Metadata.CompletionTokens)
		p.costs.Record(cost)
	}
	metric := p.latency.RecordRequestComplete(requestID, resp.Provider, resp.Model, false, resp.Metadata.TotalTokens, cost)

	checkedResp, err := p.safety.ProcessResponse(ctx, resp, lreq)
	if err != nil {
		return nil, NewError(ErrInternal, "output safety check failed").WithCause(err).WithCorrelation(requestID)
	}
	countViolations(checkedResp.Verdict, "output")
	if !checkedResp.Verdict.Allowed {
		return nil, policyBlockedError("response", checkedResp.Verdict, requestID)
	}

	final := checkedResp.Response
	if op == OperationCached && p.cache != nil {
		p.cache.Put(req.Domain, req.Intent, lreq.Prompt, final)
	}

	redacted := inputRedacted || final.Content != resp.Content
	warnings = appendWarnings(warnings, violationTypes(checkedResp.Verdict))

	out := p.buildResponse(requestID, &final, decision, metric, redacted, warnings)
	out.CostEuro = cost
	return out, nil
}

// invokeError classifies a provider failure. Caller cancellation and
// deadline expiry are separated so the API can report them distinctly.
func (p *Pipeline) invokeError(ctx, invokeCtx context.Context, err error, provider, requestID string) error {
	switch {
	case ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled):
		return NewError(ErrInternal, "request canceled by caller").WithCause(err).WithCorrelation(requestID)
	case errors.Is(invokeCtx.Err(), context.DeadlineExceeded):
		return NewErrorf(ErrTimeout, "provider %s exceeded the operation deadline", provider).
			WithCause(err).WithCorrelation(requestID)
	default:
		return NewErrorf(ErrProviderUnavailable, "provider %s failed", provider).
			WithCause(err).WithCorrelation(requestID)
	}
}

func (p *Pipeline) buildResponse(requestID string, resp *llm.Response, decision *RouteDecision, metric *LatencyMetric, redacted bool, warnings []string) *ClientResponse {
	out := &ClientResponse{
		RequestID:   requestID,
		Content:     resp.Content,
		Provider:    resp.Provider,
		Model:       resp.Model,
		Route:       decision.Route,
		RouteReason: decision.Reason,
		Fallback:    decision.Fallback,
		Redacted:    redacted,
		Warnings:    warnings,
		Tokens:      resp.Metadata.TotalTokens,
	}
	if metric != nil {
		out.LatencyMs = metric.LatencyMs
	}
	return out
}

// buildProviderRequest converts the wire request into the provider request,
// carrying identity through metadata for audit correlation.
func buildProviderRequest(requestID string, req ClientRequest) llm.Request {
	metadata := make(map[string]interface{}, len(req.Metadata)+2)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata["request_id"] = requestID
	if req.ClientID != "" {
		metadata["client_id"] = req.ClientID
	}

	return llm.Request{
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		Context: llm.RequestContext{
			Domain: req.Domain,
			Intent: req.Intent,
			UserID: req.UserID,
		},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Model:       req.Model,
		Metadata:    metadata,
	}
}

// invokeTimeout derives the hard provider deadline from the rule's latency
// requirement.
func invokeTimeout(rule RoutingRule) time.Duration {
	if rule.LatencyRequirementMs <= 0 {
		return defaultInvokeTimeout
	}
	timeout := time.Duration(rule.LatencyRequirementMs*invokeTimeoutFactor) * time.Millisecond
	if timeout < minInvokeTimeout {
		return minInvokeTimeout
	}
	return timeout
}

// policyBlockedError reports a safety block with sanitized categories only.
func policyBlockedError(what string, verdict *guardrails.SafetyVerdict, requestID string) *Error {
	cats := violationTypes(verdict)
	if len(cats) == 0 {
		cats = []string{"POLICY"}
	}
	return NewErrorf(ErrPolicyBlocked, "%s blocked by safety policy: %s", what, strings.Join(cats, ", ")).
		WithCorrelation(requestID)
}

// appendWarnings merges extra categories into base, keeping first-seen order.
func appendWarnings(base, extra []string) []string {
	for _, w := range extra {
		seen := false
		for _, b := range base {
			if b == w {
				seen = true
				break
			}
		}
		if !seen {
			base = append(base, w)
		}
	}
	return base
}

// violationTypes returns the deduplicated violation categories in detection
// order.
func violationTypes(verdict *guardrails.SafetyVerdict) []string {
	if verdict == nil || len(verdict.Violations) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(verdict.Violations))
	var out []string
	for _, v := range verdict.Violations {
		t := string(v.Type)
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func countViolations(verdict *guardrails.SafetyVerdict, direction string) {
	if verdict == nil {
		return
	}
	for _, v := range verdict.Violations {
		promSafetyViolations.WithLabelValues(string(v.Type), direction).Inc()
	}
}

// withCorrelation attaches the request id to steering errors passing through
// unchanged otherwise.
func withCorrelation(err error, requestID string) error {
	var se *Error
	if errors.As(err, &se) && se.CorrelationID == "" {
		se.CorrelationID = requestID
	}
	return err
}
