// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package guardrails

import (
	"strings"
	"testing"
)

func TestDetectPIIPatterns(t *testing.T) {
	detector := NewPIIDetector()

	tests := []struct {
		name           string
		text           string
		wantType       PIIType
		wantText       string
		wantConfidence float64
		wantSeverity   Severity
	}{
		{
			name:           "email",
			text:           "reach me at john@example.com please",
			wantType:       PIITypeEmail,
			wantText:       "john@example.com",
			wantConfidence: 0.95,
			wantSeverity:   SeverityHigh,
		},
		{
			name:           "german phone with country code",
			text:           "call +49 170 1234567 tomorrow",
			wantType:       PIITypePhoneDE,
			wantText:       "+49 170 1234567",
			wantConfidence: 0.90,
			wantSeverity:   SeverityHigh,
		},
		{
			name:           "german phone domestic",
			text:           "Telefon: 06151 123456",
			wantType:       PIITypePhoneDE,
			wantText:       "06151 123456",
			wantConfidence: 0.90,
			wantSeverity:   SeverityHigh,
		},
		{
			name:           "international phone",
			text:           "dial +33612345678 now",
			wantType:       PIITypePhoneIntl,
			wantText:       "+33612345678",
			wantConfidence: 0.85,
			wantSeverity:   SeverityHigh,
		},
		{
			name:           "valid IBAN",
			text:           "transfer to DE89370400440532013000 today",
			wantType:       PIITypeIBAN,
			wantText:       "DE89370400440532013000",
			wantConfidence: 0.95,
			wantSeverity:   SeverityCritical,
		},
		{
			name:           "credit card with spaces",
			text:           "card 4111 1111 1111 1111 expires soon",
			wantType:       PIITypeCreditCard,
			wantText:       "4111 1111 1111 1111",
			wantConfidence: 0.80,
			wantSeverity:   SeverityCritical,
		},
		{
			name:           "ssn",
			text:           "SSN 123-45-6789 on file",
			wantType:       PIITypeSSN,
			wantText:       "123-45-6789",
			wantConfidence: 0.90,
			wantSeverity:   SeverityCritical,
		},
		{
			name:           "german street address",
			text:           "Lieferung an Hauptstraße 42 bitte",
			wantType:       PIITypeStreetAddress,
			wantText:       "Hauptstraße 42",
			wantConfidence: 0.70,
			wantSeverity:   SeverityMedium,
		},
		{
			name:           "postal code",
			text:           "PLZ ist 64293 hier",
			wantType:       PIITypePostalCode,
			wantText:       "64293",
			wantConfidence: 0.60,
			wantSeverity:   SeverityLow,
		},
		{
			name:           "ip address",
			text:           "server at 192.168.1.100 responded",
			wantType:       PIITypeIPAddress,
			wantText:       "192.168.1.100",
			wantConfidence: 0.80,
			wantSeverity:   SeverityMedium,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens := detector.DetectPII(tt.text)
			if len(tokens) != 1 {
				t.Fatalf("expected 1 token, got %d: %+v", len(tokens), tokens)
			}
			tok := tokens[0]
			if tok.Type != tt.wantType {
				t.Errorf("type = %s, want %s", tok.Type, tt.wantType)
			}
			if tok.OriginalText != tt.wantText {
				t.Errorf("text = %q, want %q", tok.OriginalText, tt.wantText)
			}
			if tok.Confidence != tt.wantConfidence {
				t.Errorf("confidence = %f, want %f", tok.Confidence, tt.wantConfidence)
			}
			if tok.Severity != tt.wantSeverity {
				t.Errorf("severity = %s, want %s", tok.Severity, tt.wantSeverity)
			}
			if tok.ID == "" {
				t.Error("token ID not assigned")
			}
			if got := tt.text[tok.Span.Start:tok.Span.End]; got != tt.wantText {
				t.Errorf("span %v selects %q, want %q", tok.Span, got, tt.wantText)
			}
		})
	}
}

func TestDetectPIIRejectsInvalidChecksums(t *testing.T) {
	detector := NewPIIDetector()

	tests := []struct {
		name string
		text string
	}{
		{"invalid IBAN checksum", "transfer to DE00370400440532013000 today"},
		{"invalid card checksum", "card 1234 5678 9012 3456 expires soon"},
		{"clean text", "the quick brown fox jumps over the lazy dog"},
		{"empty text", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tokens := detector.DetectPII(tt.text); len(tokens) != 0 {
				t.Errorf("expected no tokens, got %+v", tokens)
			}
		})
	}
}

func TestDetectPIIOrderedByPosition(t *testing.T) {
	detector := NewPIIDetector()
	text := "mail jane@example.org, IBAN DE89370400440532013000, IP 10.0.0.1"

	tokens := detector.DetectPII(text)
	if len(tokens) != 3 {
		t.Fatalf("expected 3 tokens, got %d: %+v", len(tokens), tokens)
	}
	wantOrder := []PIIType{PIITypeEmail, PIITypeIBAN, PIITypeIPAddress}
	for i, tok := range tokens {
		if tok.Type != wantOrder[i] {
			t.Errorf("token %d type = %s, want %s", i, tok.Type, wantOrder[i])
		}
		if i > 0 && tokens[i-1].Span.Start >= tok.Span.Start {
			t.Errorf("tokens not ordered by position: %v then %v", tokens[i-1].Span, tok.Span)
		}
	}
}

func TestDetectPIIResolvesOverlaps(t *testing.T) {
	detector := NewPIIDetector()

	// Matches both the German and the international phone pattern; the
	// higher-confidence German pattern must win and appear exactly once.
	tokens := detector.DetectPII("call +491701234567 now")
	if len(tokens) != 1 {
		t.Fatalf("expected 1 token after overlap resolution, got %d: %+v", len(tokens), tokens)
	}
	if tokens[0].Type != PIITypePhoneDE {
		t.Errorf("type = %s, want %s", tokens[0].Type, PIITypePhoneDE)
	}
}

func TestRedactPIIModes(t *testing.T) {
	detector := NewPIIDetector()

	tests := []struct {
		name string
		text string
		mode RedactionMode
		want string
	}{
		{
			name: "mask preserves length above minimum",
			text: "My email is john@example.com, analyze",
			mode: RedactionMask,
			want: "My email is ****************, analyze",
		},
		{
			name: "mask pads short tokens to eight",
			text: "PLZ ist 64293 hier",
			mode: RedactionMask,
			want: "PLZ ist ******** hier",
		},
		{
			name: "remove deletes the token",
			text: "My email is john@example.com, analyze",
			mode: RedactionRemove,
			want: "My email is , analyze",
		},
		{
			name: "replace substitutes the type",
			text: "My email is john@example.com, analyze",
			mode: RedactionReplace,
			want: "My email is [EMAIL], analyze",
		},
		{
			name: "multiple tokens replaced back to front",
			text: "mail a@b.de or c@d.de",
			mode: RedactionReplace,
			want: "mail [EMAIL] or [EMAIL]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := detector.RedactPII(tt.text, detector.DetectPII(tt.text), tt.mode)
			if got != tt.want {
				t.Errorf("redacted = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRedactPIIIdempotent(t *testing.T) {
	detector := NewPIIDetector()
	texts := []string{
		"Contact john@example.com or call +49 170 1234567 today",
		"IBAN DE89370400440532013000 and SSN 123-45-6789",
		"no pii here at all",
		"",
	}
	modes := []RedactionMode{RedactionMask, RedactionRemove, RedactionReplace}

	for _, mode := range modes {
		for _, text := range texts {
			once := detector.RedactPII(text, detector.DetectPII(text), mode)
			twice := detector.RedactPII(once, detector.DetectPII(once), mode)
			if once != twice {
				t.Errorf("mode %s not idempotent:\n once: %q\ntwice: %q", mode, once, twice)
			}
		}
	}
}

func TestRedactPIIMaskedOutputHasNoDetectableTokens(t *testing.T) {
	detector := NewPIIDetector()
	text := "john@example.com, DE89370400440532013000, 192.168.1.100"
	masked := detector.RedactPII(text, detector.DetectPII(text), RedactionMask)
	if strings.Contains(masked, "@") || detector.HasPII(masked) {
		t.Errorf("masked output still detectable: %q", masked)
	}
}

func TestLuhnValid(t *testing.T) {
	tests := []struct {
		number string
		want   bool
	}{
		{"4111111111111111", true},
		{"4111 1111 1111 1111", true},
		{"5500-0000-0000-0004", true},
		{"1234567890123456", false},
		{"411111111111111x", false},
		{"41", false},
	}
	for _, tt := range tests {
		if got := luhnValid(tt.number); got != tt.want {
			t.Errorf("luhnValid(%q) = %v, want %v", tt.number, got, tt.want)
		}
	}
}

func TestIBANChecksumValid(t *testing.T) {
	tests := []struct {
		iban string
		want bool
	}{
		{"DE89370400440532013000", true},
		{"GB82WEST12345698765432", true},
		{"DE00370400440532013000", false},
		{"DE89", false},
		{"not an iban", false},
	}
	for _, tt := range tests {
		if got := ibanChecksumValid(tt.iban); got != tt.want {
			t.Errorf("ibanChecksumValid(%q) = %v, want %v", tt.iban, got, tt.want)
		}
	}
}
