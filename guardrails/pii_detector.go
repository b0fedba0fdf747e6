// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package guardrails

import (
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// PIIType identifies the category of a detected PII token.
type PIIType string

const (
	PIITypeEmail         PIIType = "EMAIL"
	PIITypePhoneDE       PIIType = "PHONE_DE"
	PIITypePhoneIntl     PIIType = "PHONE_INTL"
	PIITypeIBAN          PIIType = "IBAN"
	PIITypeCreditCard    PIIType = "CREDIT_CARD"
	PIITypeSSN           PIIType = "SSN"
	PIITypeStreetAddress PIIType = "STREET_ADDRESS"
	PIITypePostalCode    PIIType = "POSTAL_CODE"
	PIITypeIPAddress     PIIType = "IP_ADDRESS"
)

// PIIToken is one detected piece of personally identifiable information.
type PIIToken struct {
	ID           string   `json:"id"`
	Type         PIIType  `json:"type"`
	OriginalText string   `json:"original_text"`
	Confidence   float64  `json:"confidence"`
	Severity     Severity `json:"severity"`
	Span         Span     `json:"span"`
}

// piiPattern is one compiled detection rule. Validate may reject matches
// whose checksum fails (credit cards, IBANs); nil means shape-only matching.
type piiPattern struct {
	piiType    PIIType
	re         *regexp.Regexp
	confidence float64
	severity   Severity
	validate   func(match string) bool
}

// PIIDetector finds personally identifiable information in free text.
// Safe for concurrent use; patterns are compiled once at construction.
type PIIDetector struct {
	patterns []piiPattern
}

// NewPIIDetector creates a detector with the full pattern set.
func NewPIIDetector() *PIIDetector {
	return &PIIDetector{
		patterns: []piiPattern{
			{
				piiType:    PIITypeEmail,
				re:         regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
				confidence: 0.95,
				severity:   SeverityHigh,
			},
			// German phone: +49/0049/0 prefix, 2-4 digit area code, 6-8 digit number
			{
				piiType:    PIITypePhoneDE,
				re:         regexp.MustCompile(`(?:\+49|0049|0)[ \-/]?\d{2,4}[ \-/]?\d{6,8}\b`),
				confidence: 0.90,
				severity:   SeverityHigh,
			},
			{
				piiType:    PIITypePhoneIntl,
				re:         regexp.MustCompile(`\+\d{1,3}[ \-]?\d{6,14}\b`),
				confidence: 0.85,
				severity:   SeverityHigh,
			},
			{
				piiType:    PIITypeIBAN,
				re:         regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`),
				confidence: 0.95,
				severity:   SeverityCritical,
				validate:   ibanChecksumValid,
			},
			{
				piiType:    PIITypeCreditCard,
				re:         regexp.MustCompile(`\b\d{4}[ \-]?\d{4}[ \-]?\d{4}[ \-]?\d{4}\b`),
				confidence: 0.80,
				severity:   SeverityCritical,
				validate:   luhnValid,
			},
			{
				piiType:    PIITypeSSN,
				re:         regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
				confidence: 0.90,
				severity:   SeverityCritical,
			},
			// German street names plus common English street suffixes
			{
				piiType:    PIITypeStreetAddress,
				re:         regexp.MustCompile(`\b[A-ZÄÖÜ][a-zäöüß]+(?:straße|strasse|weg|allee|platz|gasse|ring)\s+\d{1,4}[a-z]?\b|\b\d{1,5}\s+[A-Z][a-z]+\s+(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Lane|Ln|Drive|Dr)\b`),
				confidence: 0.70,
				severity:   SeverityMedium,
			},
			{
				piiType:    PIITypePostalCode,
				re:         regexp.MustCompile(`\b\d{5}\b`),
				confidence: 0.60,
				severity:   SeverityLow,
			},
			{
				piiType:    PIITypeIPAddress,
				re:         regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`),
				confidence: 0.80,
				severity:   SeverityMedium,
			},
		},
	}
}

// DetectPII scans text and returns all detected tokens ordered by position.
// Overlapping matches are resolved in favor of the higher-confidence pattern
// (longer match on ties) so that redaction never splices intersecting spans.
func (d *PIIDetector) DetectPII(text string) []PIIToken {
	if text == "" {
		return nil
	}

	var candidates []PIIToken
	for _, p := range d.patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			match := text[loc[0]:loc[1]]
			if p.validate != nil && !p.validate(match) {
				continue
			}
			candidates = append(candidates, PIIToken{
				Type:         p.piiType,
				OriginalText: match,
				Confidence:   p.confidence,
				Severity:     p.severity,
				Span:         Span{Start: loc[0], End: loc[1]},
			})
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	// Strongest first, then longest, so the overlap sweep keeps the best token.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Confidence != candidates[j].Confidence {
			return candidates[i].Confidence > candidates[j].Confidence
		}
		return spanLen(candidates[i].Span) > spanLen(candidates[j].Span)
	})

	var kept []PIIToken
	for _, c := range candidates {
		if overlapsAny(c.Span, kept) {
			continue
		}
		c.ID = uuid.New().String()
		kept = append(kept, c)
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].Span.Start < kept[j].Span.Start })
	return kept
}

// HasPII reports whether the text contains at least one detectable token.
func (d *PIIDetector) HasPII(text string) bool {
	return len(d.DetectPII(text)) > 0
}

// RedactPII rewrites every token in text according to the mode. Tokens are
// substituted in descending start order so earlier spans stay valid.
// Redaction is idempotent for a fixed mode: redacted output contains no
// detectable tokens.
func (d *PIIDetector) RedactPII(text string, tokens []PIIToken, mode RedactionMode) string {
	if len(tokens) == 0 {
		return text
	}

	ordered := make([]PIIToken, len(tokens))
	copy(ordered, tokens)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Span.Start > ordered[j].Span.Start })

	out := text
	for _, t := range ordered {
		if t.Span.Start < 0 || t.Span.End > len(out) || t.Span.Start >= t.Span.End {
			continue
		}
		out = out[:t.Span.Start] + replacementFor(t, mode) + out[t.Span.End:]
	}
	return out
}

func replacementFor(t PIIToken, mode RedactionMode) string {
	switch mode {
	case RedactionRemove:
		return ""
	case RedactionReplace:
		return "[" + string(t.Type) + "]"
	default:
		// Length-preserving mask, minimum 8 so short tokens don't leak length.
		n := spanLen(t.Span)
		if n < 8 {
			n = 8
		}
		return strings.Repeat("*", n)
	}
}

func spanLen(s Span) int { return s.End - s.Start }

func overlapsAny(s Span, kept []PIIToken) bool {
	for _, k := range kept {
		if s.Start < k.Span.End && k.Span.Start < s.End {
			return true
		}
	}
	return false
}

// luhnValid reports whether the digit string (spaces and dashes ignored)
// passes the Luhn checksum used by all major card networks.
func luhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits = append(digits, int(r-'0'))
		case r == ' ' || r == '-':
			// separator
		default:
			return false
		}
	}
	if len(digits) < 13 {
		return false
	}

	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// ibanChecksumValid verifies the ISO 13616 mod-97 checksum: move the first
// four characters to the end, map letters to 10..35, and the number must be
// congruent to 1 modulo 97.
func ibanChecksumValid(iban string) bool {
	iban = strings.ToUpper(strings.ReplaceAll(iban, " ", ""))
	if len(iban) < 15 || len(iban) > 34 {
		return false
	}

	rearranged := iban[4:] + iban[:4]
	remainder := 0
	for _, r := range rearranged {
		var v int
		switch {
		case r >= '0' && r <= '9':
			v = int(r - '0')
			remainder = (remainder*10 + v) % 97
		case r >= 'A' && r <= 'Z':
			v = int(r-'A') + 10
			remainder = (remainder*100 + v) % 97
		default:
			return false
		}
	}
	return remainder == 1
}
