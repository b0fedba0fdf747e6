// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package guardrails

import (
	"context"
	"regexp"

	"axonflow/controlplane/llm"
	"axonflow/controlplane/shared/logger"
)

// fallbackEmailPattern backs the minimal redaction applied when violations
// exist but no stage produced a modified string.
var fallbackEmailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

// UsageDecision is the outcome of the architectural usage policy.
type UsageDecision struct {
	// Delegate asks the router to prefer the mediated path for this
	// request. Advisory: recorded in the decision, never blocking.
	Delegate bool `json:"delegate"`

	// Reason explains the delegation for the audit trail.
	Reason string `json:"reason,omitempty"`
}

// BedrockUsagePolicy is the architectural policy deciding whether a request
// may use the direct managed-provider path or should be delegated to the
// mediated gateway.
type BedrockUsagePolicy interface {
	Evaluate(req llm.Request) UsageDecision
}

// DomainDelegationPolicy delegates requests whose domain appears in the
// configured list. The zero value never delegates.
type DomainDelegationPolicy struct {
	DelegatedDomains []string
}

// Evaluate implements BedrockUsagePolicy.
func (p DomainDelegationPolicy) Evaluate(req llm.Request) UsageDecision {
	for _, d := range p.DelegatedDomains {
		if d == req.Context.Domain {
			return UsageDecision{Delegate: true, Reason: "domain pinned to mediated path"}
		}
	}
	return UsageDecision{}
}

// CheckedRequest is the pre-check outcome: the (possibly redacted) request,
// the verdict, and the architectural delegation hint.
type CheckedRequest struct {
	Request        llm.Request
	Verdict        *SafetyVerdict
	Delegate       bool
	DelegateReason string
}

// CheckedResponse is the post-check outcome with the possibly modified
// response.
type CheckedResponse struct {
	Response llm.Response
	Verdict  *SafetyVerdict
}

// ActiveManager wraps both guardrail directions around a provider call. Any
// step error degrades to a blocking SYSTEM_ERROR verdict instead of
// propagating: the safety layer fails closed.
type ActiveManager struct {
	service *Service
	usage   BedrockUsagePolicy
	audit   *AuditLogger
	log     *logger.Logger
}

// NewActiveManager creates a manager over the given service.
func NewActiveManager(service *Service) *ActiveManager {
	return &ActiveManager{
		service: service,
		log:     logger.New("active-guardrails"),
	}
}

// SetUsagePolicy installs the architectural usage policy. Optional.
func (m *ActiveManager) SetUsagePolicy(p BedrockUsagePolicy) { m.usage = p }

// SetAuditLogger installs the violation audit trail. Optional.
func (m *ActiveManager) SetAuditLogger(a *AuditLogger) { m.audit = a }

// Service exposes the wrapped guardrails service.
func (m *ActiveManager) Service() *Service { return m.service }

// ProcessRequest runs the input-side check. When the verdict carries a
// modified prompt the returned request is a new value with that prompt; the
// original request is never mutated.
func (m *ActiveManager) ProcessRequest(ctx context.Context, req llm.Request) (*CheckedRequest, error) {
	requestID := requestIDOf(req)

	verdict, err := m.service.CheckInput(ctx, req.Prompt, "", req.Context.Domain, requestID)
	if err != nil {
		verdict = degradedVerdict(err)
		m.log.Error("", requestID, "Input safety check degraded", map[string]interface{}{
			"error": err.Error(),
		})
	}
	m.ensureModified(verdict, req.Prompt)

	checked := &CheckedRequest{Request: req, Verdict: verdict}
	if verdict.Modified != "" {
		checked.Request.Prompt = verdict.Modified
	}

	if m.usage != nil {
		decision := m.usage.Evaluate(req)
		checked.Delegate = decision.Delegate
		checked.DelegateReason = decision.Reason
		if decision.Delegate {
			m.log.Info("", requestID, "Usage policy requested delegation", map[string]interface{}{
				"domain": req.Context.Domain,
				"reason": decision.Reason,
			})
		}
	}

	m.recordAudit(ctx, "input", "", req.Context.Domain, req.Context.UserID, requestID, verdict)
	return checked, nil
}

// ProcessResponse runs the output-side check against the provider response.
func (m *ActiveManager) ProcessResponse(ctx context.Context, resp *llm.Response, req llm.Request) (*CheckedResponse, error) {
	requestID := requestIDOf(req)

	verdict, err := m.service.CheckOutput(ctx, resp.Content, resp.Provider, req.Context.Domain, requestID, resp)
	if err != nil {
		verdict = degradedVerdict(err)
		m.log.Error("", requestID, "Output safety check degraded", map[string]interface{}{
			"provider": resp.Provider,
			"error":    err.Error(),
		})
	}
	m.ensureModified(verdict, resp.Content)

	checked := &CheckedResponse{Response: *resp, Verdict: verdict}
	if verdict.Modified != "" {
		checked.Response.Content = verdict.Modified
	}

	m.recordAudit(ctx, "output", resp.Provider, req.Context.Domain, req.Context.UserID, requestID, verdict)
	return checked, nil
}

// ensureModified guarantees that modified content is present whenever
// violations exist. When no stage rewrote the text, the minimal fallback
// redaction (emails only) runs; a sink-provided rewrite is never overridden.
func (m *ActiveManager) ensureModified(verdict *SafetyVerdict, text string) {
	if len(verdict.Violations) == 0 || verdict.Modified != "" {
		return
	}
	verdict.Modified = fallbackEmailPattern.ReplaceAllString(text, "[REDACTED]")
}

func (m *ActiveManager) recordAudit(ctx context.Context, direction, provider, domain, clientID, requestID string, verdict *SafetyVerdict) {
	if m.audit == nil || !m.service.Options().LogViolations {
		return
	}
	if verdict.Allowed && len(verdict.Violations) == 0 {
		return
	}
	m.audit.Record(ctx, AuditRecord{
		RequestID:    requestID,
		ClientID:     clientID,
		Direction:    direction,
		Provider:     provider,
		Domain:       domain,
		Decision:     decisionOf(verdict),
		Violations:   verdict.Violations,
		Confidence:   verdict.Confidence,
		ProcessingMs: verdict.ProcessingMs,
		Redacted:     verdict.Modified != "",
	})
}

func decisionOf(verdict *SafetyVerdict) string {
	for _, v := range verdict.Violations {
		if v.Type == ViolationSystemError {
			return "error"
		}
	}
	switch {
	case !verdict.Allowed:
		return "blocked"
	case verdict.Modified != "":
		return "redacted"
	default:
		return "allowed"
	}
}

func degradedVerdict(err error) *SafetyVerdict {
	return &SafetyVerdict{
		Allowed:    false,
		Confidence: 1.0,
		Violations: []Violation{{
			Type:       ViolationSystemError,
			Severity:   SeverityCritical,
			Confidence: 1.0,
			Details:    err.Error(),
		}},
	}
}

func requestIDOf(req llm.Request) string {
	if req.Metadata == nil {
		return ""
	}
	if id, ok := req.Metadata["request_id"].(string); ok {
		return id
	}
	return ""
}
