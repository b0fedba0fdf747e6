// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package guardrails

import (
	"fmt"
	"sort"
	"strings"
)

// toxicityCategory pairs a keyword list with the violation it produces.
type toxicityCategory struct {
	name          string
	violationType ViolationType
	severity      Severity
	confidence    float64
	keywords      []string
}

// ToxicityDetector flags harmful language by keyword-category matching.
// Matching is case-insensitive substring containment: "fucking" matches the
// term "fuck". That is deliberately aggressive for a pre-LLM filter; the
// managed guardrail sink provides the context-aware second opinion.
type ToxicityDetector struct {
	categories []toxicityCategory
}

// NewToxicityDetector creates a detector with the built-in category lists.
func NewToxicityDetector() *ToxicityDetector {
	return &ToxicityDetector{
		categories: []toxicityCategory{
			{
				name:          "hate-speech",
				violationType: ViolationHateSpeech,
				severity:      SeverityCritical,
				confidence:    0.95,
				keywords: []string{
					"subhuman",
					"master race",
					"racial purity",
					"ethnic cleansing",
					"exterminate them",
				},
			},
			{
				name:          "profanity",
				violationType: ViolationToxicity,
				severity:      SeverityMedium,
				confidence:    0.80,
				keywords: []string{
					"fuck",
					"shit",
					"asshole",
					"bitch",
					"bastard",
					"dickhead",
				},
			},
			{
				name:          "violence",
				violationType: ViolationViolence,
				severity:      SeverityHigh,
				confidence:    0.70,
				keywords: []string{
					"kill you",
					"murder you",
					"shoot up",
					"beat you up",
					"stab you",
					"blow up the",
					"torture",
				},
			},
			{
				name:          "discrimination",
				violationType: ViolationHateSpeech,
				severity:      SeverityHigh,
				confidence:    0.90,
				keywords: []string{
					"go back to your country",
					"your kind doesn't belong",
					"inferior race",
					"whites only",
					"never hire women",
				},
			},
			{
				name:          "sexual-explicit",
				violationType: ViolationSexual,
				severity:      SeverityHigh,
				confidence:    0.75,
				keywords: []string{
					"porn",
					"xxx",
					"nude photos",
					"explicit sex",
				},
			},
		},
	}
}

// Detect returns one violation per matched term, ordered by position of the
// first occurrence.
func (d *ToxicityDetector) Detect(text string) []Violation {
	if text == "" {
		return nil
	}
	lower := strings.ToLower(text)

	var out []Violation
	for _, cat := range d.categories {
		for _, term := range cat.keywords {
			idx := strings.Index(lower, term)
			if idx < 0 {
				continue
			}
			out = append(out, Violation{
				Type:       cat.violationType,
				Severity:   cat.severity,
				Confidence: cat.confidence,
				Details:    fmt.Sprintf("%s term %q", cat.name, term),
				Span:       &Span{Start: idx, End: idx + len(term)},
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Span.Start < out[j].Span.Start })
	return out
}

// Score aggregates the matches into a single toxicity score:
// avg(confidence × severityWeight) over all matched terms, 0 for clean text.
func (d *ToxicityDetector) Score(text string) float64 {
	violations := d.Detect(text)
	if len(violations) == 0 {
		return 0
	}

	total := 0.0
	for _, v := range violations {
		total += v.Confidence * severityWeight(v.Severity)
	}
	return total / float64(len(violations))
}
