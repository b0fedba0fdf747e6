// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package guardrails

// ViolationType categorizes a safety finding.
type ViolationType string

const (
	ViolationPII             ViolationType = "PII"
	ViolationToxicity        ViolationType = "TOXICITY"
	ViolationHateSpeech      ViolationType = "HATE_SPEECH"
	ViolationViolence        ViolationType = "VIOLENCE"
	ViolationSexual          ViolationType = "SEXUAL"
	ViolationPromptInjection ViolationType = "PROMPT_INJECTION"
	ViolationCustom          ViolationType = "CUSTOM"
	ViolationSystemError     ViolationType = "SYSTEM_ERROR"
)

// Severity is the risk level of a violation.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// severityWeight is used by score aggregation.
func severityWeight(s Severity) float64 {
	switch s {
	case SeverityCritical:
		return 1.0
	case SeverityHigh:
		return 0.75
	case SeverityMedium:
		return 0.5
	default:
		return 0.25
	}
}

// Span locates a finding inside the text the detector saw. End is exclusive.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Violation is one safety finding.
type Violation struct {
	Type       ViolationType `json:"type"`
	Severity   Severity      `json:"severity"`
	Confidence float64       `json:"confidence"`
	Details    string        `json:"details,omitempty"`
	Span       *Span         `json:"span,omitempty"`
}

// SafetyVerdict is the combined outcome of a safety check.
type SafetyVerdict struct {
	// Allowed is false when the text must not proceed.
	Allowed bool `json:"allowed"`

	// Confidence in the verdict; the minimum across all stages that ran.
	Confidence float64 `json:"confidence"`

	// Violations in detection order, local detectors before the sink.
	Violations []Violation `json:"violations,omitempty"`

	// Modified is the redacted/rewritten text, when any stage rewrote it.
	Modified string `json:"modified,omitempty"`

	// ProcessingMs is the wall time spent checking.
	ProcessingMs int64 `json:"processing_ms"`

	// Applied lists the detector and sink names that ran.
	Applied []string `json:"applied,omitempty"`
}

// RedactionMode selects how detected PII tokens are rewritten.
type RedactionMode string

const (
	// RedactionMask replaces the token with asterisks, preserving length
	// (minimum 8 so short tokens don't leak their length).
	RedactionMask RedactionMode = "MASK"

	// RedactionRemove deletes the token.
	RedactionRemove RedactionMode = "REMOVE"

	// RedactionReplace substitutes a type placeholder like [EMAIL].
	RedactionReplace RedactionMode = "REPLACE"
)

// Options configures the guardrails service.
type Options struct {
	EnablePII               bool
	EnableToxicity          bool
	EnablePromptInjection   bool
	EnableBedrockGuardrails bool

	// StrictMode blocks on any violation regardless of confidence, and
	// treats detector failures as blocking.
	StrictMode bool

	// LogViolations sends every violation to the audit trail.
	LogViolations bool

	// BlockOnViolation short-circuits before the provider call when the
	// verdict is not allowed. When false, violations are recorded but the
	// call proceeds (monitor mode).
	BlockOnViolation bool

	// RedactionMode selects the PII rewrite strategy.
	RedactionMode RedactionMode

	// ConfidenceThreshold is the minimum violation confidence that makes a
	// verdict blocking outside strict mode.
	ConfidenceThreshold float64
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		EnablePII:             true,
		EnableToxicity:        true,
		EnablePromptInjection: true,
		StrictMode:            false,
		LogViolations:         true,
		BlockOnViolation:      true,
		RedactionMode:         RedactionMask,
		ConfidenceThreshold:   0.7,
	}
}
