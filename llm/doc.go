// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

/*
Package llm provides the provider-client abstraction used by the control
plane's request pipeline.

# Overview

The steering service never talks to a model API directly; it invokes a
ProviderClient selected by the intelligent router. This package defines the
unified request/response types and ships four client implementations:

  - BedrockClient: the primary managed provider, invoked directly through
    AWS Bedrock (InvokeModel with Anthropic-family request bodies)
  - GatewayClient: the mediated provider, reached over the platform's RPC
    gateway (HTTP JSON)
  - LocalClient: an auxiliary self-hosted model server (Ollama-style API)
  - MockClient: a scriptable provider for development mode and tests

All clients honor context cancellation and deadlines; an in-flight request is
abandoned when the caller's context is done.

# Health Checking

HealthChecker probes every registered provider on a fixed interval and keeps
per-provider results (status, latency, consecutive failures). The router
consults these results for rules that require health checks, and the
emergency-shutdown recovery loop uses them as its probe source.
*/
package llm
