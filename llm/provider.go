// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
)

// ProviderClient is the unified interface for all model providers.
// Implementations must be safe for concurrent use.
//
// Minimal implementation requires Name(), Type(), Invoke(), and HealthCheck().
// Invoke must honor context cancellation: when the caller's context is done,
// the in-flight call is abandoned and the context error is returned.
type ProviderClient interface {
	// Name returns the unique identifier for this provider instance.
	// This is used for routing, logging, and metrics.
	// Example: "bedrock-primary", "gateway-eu".
	Name() string

	// Type returns the provider type (e.g. "bedrock", "gateway").
	Type() ProviderType

	// Invoke generates a completion for the given request.
	// The context carries the per-operation deadline set by the pipeline.
	Invoke(ctx context.Context, req Request) (*Response, error)

	// HealthCheck verifies the provider is operational. Implementations
	// should complete within a short budget (a few seconds).
	HealthCheck(ctx context.Context) (*HealthCheckResult, error)

	// EstimateCost returns the estimated cost in USD for a call of the
	// given total token count. Returns 0 when cost is unknown or free.
	EstimateCost(tokens int) float64
}
