// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package guardrails

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"axonflow/controlplane/llm"
	"axonflow/controlplane/shared/logger"
	"axonflow/controlplane/sinks"
)

// Service runs the configured safety checks for one direction of a provider
// call: local detectors first, then the provider's content-policy sink. A
// locally blocked verdict short-circuits and the sink is never called.
type Service struct {
	opts Options

	pii *PIIDetector
	tox *ToxicityDetector
	inj *InjectionDetector

	mu            sync.RWMutex
	providerSinks map[string]sinks.ContentPolicySink
	defaultSink   sinks.ContentPolicySink

	log *logger.Logger
}

// NewService creates a guardrails service with all detectors built.
// No sink is registered initially; local detectors alone still produce
// complete verdicts.
func NewService(opts Options) *Service {
	if opts.RedactionMode == "" {
		opts.RedactionMode = RedactionMask
	}
	if opts.ConfidenceThreshold <= 0 {
		opts.ConfidenceThreshold = 0.7
	}
	return &Service{
		opts:          opts,
		pii:           NewPIIDetector(),
		tox:           NewToxicityDetector(),
		inj:           NewInjectionDetector(),
		providerSinks: make(map[string]sinks.ContentPolicySink),
		log:           logger.New("guardrails"),
	}
}

// Options returns a copy of the active options.
func (s *Service) Options() Options { return s.opts }

// RegisterSink binds a content-policy sink to a provider name.
func (s *Service) RegisterSink(provider string, sink sinks.ContentPolicySink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providerSinks[provider] = sink
}

// SetDefaultSink sets the sink used for providers without a dedicated one.
func (s *Service) SetDefaultSink(sink sinks.ContentPolicySink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultSink = sink
}

func (s *Service) sinkFor(provider string) sinks.ContentPolicySink {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sink, ok := s.providerSinks[provider]; ok {
		return sink
	}
	return s.defaultSink
}

// CheckInput evaluates a user prompt before it reaches the provider.
func (s *Service) CheckInput(ctx context.Context, text, provider, domain, requestID string) (*SafetyVerdict, error) {
	return s.check(ctx, text, provider, domain, requestID, sinks.SourceInput)
}

// CheckOutput evaluates provider output before it reaches the caller.
// The original response, when given, enriches violation logging.
func (s *Service) CheckOutput(ctx context.Context, text, provider, domain, requestID string, original *llm.Response) (*SafetyVerdict, error) {
	verdict, err := s.check(ctx, text, provider, domain, requestID, sinks.SourceOutput)
	if err == nil && original != nil && !verdict.Allowed {
		s.log.Warn("", requestID, "Provider output failed safety check", map[string]interface{}{
			"provider":   original.Provider,
			"model":      original.Model,
			"violations": len(verdict.Violations),
		})
	}
	return verdict, err
}

func (s *Service) check(ctx context.Context, text, provider, domain, requestID string, source sinks.Source) (*SafetyVerdict, error) {
	start := time.Now()

	verdict := s.runDetectors(text)

	// A locally blocked verdict short-circuits: no sink call for text that
	// is already rejected.
	if !verdict.Allowed && s.opts.BlockOnViolation {
		s.finalize(verdict, start, requestID, provider, source)
		return verdict, nil
	}

	if sink := s.sinkFor(provider); sink != nil {
		result, err := sink.Check(ctx, text, source, domain, requestID)
		verdict.Applied = append(verdict.Applied, sink.Name())
		if err != nil {
			// Fail closed: a sink we cannot reach is a sink that cannot
			// approve.
			verdict.Violations = append(verdict.Violations, Violation{
				Type:       ViolationSystemError,
				Severity:   SeverityCritical,
				Confidence: 1.0,
				Details:    fmt.Sprintf("content policy sink %s failed: %v", sink.Name(), err),
			})
		} else {
			mergeSinkResult(verdict, result)
		}
	}

	applyBlockingRule(verdict, s.opts)
	s.finalize(verdict, start, requestID, provider, source)
	return verdict, nil
}

// runDetectors executes the enabled local detectors. A panicking detector
// degrades to a SYSTEM_ERROR violation; the remaining detectors still run.
func (s *Service) runDetectors(text string) *SafetyVerdict {
	verdict := &SafetyVerdict{Allowed: true, Confidence: 1.0}

	if s.opts.EnablePII {
		s.runDetector(verdict, "pii", func(v *SafetyVerdict) {
			tokens := s.pii.DetectPII(text)
			if len(tokens) == 0 {
				return
			}
			v.Modified = s.pii.RedactPII(text, tokens, s.opts.RedactionMode)
			for _, t := range tokens {
				span := t.Span
				v.Violations = append(v.Violations, Violation{
					Type:       ViolationPII,
					Severity:   t.Severity,
					Confidence: t.Confidence,
					Details:    fmt.Sprintf("%s detected", t.Type),
					Span:       &span,
				})
			}
		})
	}

	if s.opts.EnableToxicity {
		s.runDetector(verdict, "toxicity", func(v *SafetyVerdict) {
			v.Violations = append(v.Violations, s.tox.Detect(text)...)
		})
	}

	if s.opts.EnablePromptInjection {
		s.runDetector(verdict, "prompt_injection", func(v *SafetyVerdict) {
			v.Violations = append(v.Violations, s.inj.Detect(text)...)
		})
	}

	applyBlockingRule(verdict, s.opts)
	return verdict
}

func (s *Service) runDetector(v *SafetyVerdict, name string, fn func(*SafetyVerdict)) {
	defer func() {
		if r := recover(); r != nil {
			v.Violations = append(v.Violations, Violation{
				Type:       ViolationSystemError,
				Severity:   SeverityCritical,
				Confidence: 1.0,
				Details:    fmt.Sprintf("%s detector failed: %v", name, r),
			})
		}
	}()
	v.Applied = append(v.Applied, name)
	fn(v)
}

func (s *Service) finalize(verdict *SafetyVerdict, start time.Time, requestID, provider string, source sinks.Source) {
	verdict.ProcessingMs = time.Since(start).Milliseconds()
	if !s.opts.LogViolations {
		return
	}
	for _, v := range verdict.Violations {
		s.log.Warn("", requestID, "Safety violation detected", map[string]interface{}{
			"violation_type": string(v.Type),
			"severity":       string(v.Severity),
			"confidence":     v.Confidence,
			"provider":       provider,
			"source":         string(source),
			"details":        v.Details,
		})
	}
}

// applyBlockingRule recomputes Allowed and Confidence from the violation
// list. Outside strict mode a violation blocks when its confidence reaches
// the configured threshold; strict mode blocks on any violation at all.
func applyBlockingRule(verdict *SafetyVerdict, opts Options) {
	blocked := false
	strongest := 0.0
	for _, v := range verdict.Violations {
		if v.Confidence > strongest {
			strongest = v.Confidence
		}
		if opts.StrictMode || v.Confidence >= opts.ConfidenceThreshold {
			blocked = true
		}
	}
	verdict.Allowed = !blocked

	stage := 1.0
	if len(verdict.Violations) > 0 {
		stage = strongest
	}
	if stage < verdict.Confidence {
		verdict.Confidence = stage
	}
}

// mergeSinkResult folds the sink verdict into the local one: allowed is the
// conjunction, confidence the minimum, violations concatenate in source
// order, and the sink's modified text wins over the local redaction.
func mergeSinkResult(verdict *SafetyVerdict, result *sinks.PolicyResult) {
	if !result.Allowed {
		verdict.Allowed = false
	}
	if result.Confidence > 0 && result.Confidence < verdict.Confidence {
		verdict.Confidence = result.Confidence
	}
	for _, pv := range result.Violations {
		verdict.Violations = append(verdict.Violations, Violation{
			Type:       violationTypeFromSink(pv.Type),
			Severity:   severityFromSink(pv.Severity),
			Confidence: pv.Confidence,
			Details:    pv.Details,
		})
	}
	if result.Modified != "" {
		verdict.Modified = result.Modified
	}
}

func violationTypeFromSink(sinkType string) ViolationType {
	switch {
	case strings.HasPrefix(sinkType, "PII_"):
		return ViolationPII
	case sinkType == "CONTENT_VIOLENCE":
		return ViolationViolence
	case sinkType == "CONTENT_HATE":
		return ViolationHateSpeech
	case sinkType == "CONTENT_SEXUAL":
		return ViolationSexual
	case sinkType == "CONTENT_INSULTS", sinkType == "CONTENT_MISCONDUCT", sinkType == "TOXICITY":
		return ViolationToxicity
	case sinkType == "CONTENT_PROMPT_ATTACK":
		return ViolationPromptInjection
	default:
		return ViolationCustom
	}
}

func severityFromSink(s string) Severity {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(s)
	default:
		return SeverityMedium
	}
}
