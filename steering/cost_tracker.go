// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package steering

import (
	"strings"
	"sync"
	"time"
)

// modelPricing is the price of one million tokens, in euro cents.
type modelPricing struct {
	InputCentsPerMTok  int64
	OutputCentsPerMTok int64
}

// defaultPricing applies when neither the model nor the provider is listed.
var defaultPricing = modelPricing{InputCentsPerMTok: 100, OutputCentsPerMTok: 300}

// pricingTable maps "provider/model-prefix" to pricing. Lookup tries the
// longest matching prefix for the provider, then the bare provider entry.
var pricingTable = map[string]modelPricing{
	"bedrock/anthropic.claude-3-5-sonnet": {InputCentsPerMTok: 300, OutputCentsPerMTok: 1500},
	"bedrock/anthropic.claude-3-haiku":    {InputCentsPerMTok: 25, OutputCentsPerMTok: 125},
	"bedrock":                             {InputCentsPerMTok: 300, OutputCentsPerMTok: 1500},
	"gateway":                             {InputCentsPerMTok: 200, OutputCentsPerMTok: 600},
	"local":                               {InputCentsPerMTok: 0, OutputCentsPerMTok: 0},
	"mock":                                {InputCentsPerMTok: 0, OutputCentsPerMTok: 0},
}

type costSample struct {
	at    time.Time
	euros float64
}

// CostTracker estimates per-request spend and the rolling hourly burn rate.
type CostTracker struct {
	window time.Duration

	mu      sync.Mutex
	samples []costSample
	total   float64
}

// NewCostTracker creates a tracker with a one-hour burn-rate window.
func NewCostTracker() *CostTracker {
	return &CostTracker{window: time.Hour}
}

// Estimate returns the euro cost of a completion from the pricing table.
func (t *CostTracker) Estimate(provider, model string, promptTokens, completionTokens int) float64 {
	p := lookupPricing(provider, model)
	cents := int64(promptTokens)*p.InputCentsPerMTok + int64(completionTokens)*p.OutputCentsPerMTok
	return float64(cents) / 1e6 / 100
}

// Record adds one request's spend to the rolling window.
func (t *CostTracker) Record(euros float64) {
	if euros <= 0 {
		return
	}

	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(now)
	t.samples = append(t.samples, costSample{at: now, euros: euros})
	t.total += euros
}

// CostEuroPerHour returns the spend accumulated over the last hour.
func (t *CostTracker) CostEuroPerHour() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(time.Now())

	var sum float64
	for _, s := range t.samples {
		sum += s.euros
	}
	return sum
}

// TotalEuro returns the lifetime recorded spend.
func (t *CostTracker) TotalEuro() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// pruneLocked drops samples outside the window. Callers must hold t.mu.
func (t *CostTracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.window)
	idx := 0
	for idx < len(t.samples) && t.samples[idx].at.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		t.samples = append([]costSample(nil), t.samples[idx:]...)
	}
}

func lookupPricing(provider, model string) modelPricing {
	var (
		best    modelPricing
		bestLen = -1
	)
	prefix := provider + "/"
	for key, pricing := range pricingTable {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		modelPrefix := key[len(prefix):]
		if strings.HasPrefix(model, modelPrefix) && len(modelPrefix) > bestLen {
			best = pricing
			bestLen = len(modelPrefix)
		}
	}
	if bestLen >= 0 {
		return best
	}
	if pricing, ok := pricingTable[provider]; ok {
		return pricing
	}
	return defaultPricing
}
