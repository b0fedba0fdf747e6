// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package guardrails

import (
	"fmt"
	"regexp"
	"sort"
)

// injectionConfidence applies to every pattern hit; the patterns are precise
// enough that they carry uniform weight.
const injectionConfidence = 0.80

// InjectionDetector flags prompt-injection payloads: attempts to override
// the system prompt, hijack the assistant role, or smuggle executable
// content through the prompt.
type InjectionDetector struct {
	patterns []*regexp.Regexp
}

// NewInjectionDetector creates a detector with the built-in pattern set.
func NewInjectionDetector() *InjectionDetector {
	return &InjectionDetector{
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)ignore\s+(?:all\s+)?previous\s+instructions`),
			regexp.MustCompile(`(?i)forget\s+everything\s+above`),
			regexp.MustCompile(`(?i)\bsystem\s*:`),
			regexp.MustCompile(`\{\{.*?\}\}`),
			regexp.MustCompile(`<%.*?%>`),
			regexp.MustCompile(`(?i)<script[\s>]`),
			regexp.MustCompile(`(?i)javascript:`),
			regexp.MustCompile(`(?i)\beval\s*\(`),
			regexp.MustCompile(`(?i)\bexec\s*\(`),
		},
	}
}

// Detect returns one PROMPT_INJECTION violation per pattern hit, ordered by
// position. Multiple hits of the same pattern report the first occurrence.
func (d *InjectionDetector) Detect(text string) []Violation {
	if text == "" {
		return nil
	}

	var out []Violation
	for _, re := range d.patterns {
		loc := re.FindStringIndex(text)
		if loc == nil {
			continue
		}
		out = append(out, Violation{
			Type:       ViolationPromptInjection,
			Severity:   SeverityHigh,
			Confidence: injectionConfidence,
			Details:    fmt.Sprintf("injection pattern %q", text[loc[0]:loc[1]]),
			Span:       &Span{Start: loc[0], End: loc[1]},
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Span.Start < out[j].Span.Start })
	return out
}
