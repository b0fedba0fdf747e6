// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

/*
Package logger provides structured JSON logging with multi-tenant support
for AxonFlow control-plane components.

# Overview

Every log entry is a single JSON line on stdout, consumable by CloudWatch,
ELK, or any other aggregation stack. Entries carry:

  - Timestamp (RFC3339Nano, UTC)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (steering, guardrails, llm, ...)
  - Instance ID and container name (for distributed tracing)
  - Client ID (for multi-tenant isolation)
  - Request ID (for request correlation)
  - Custom fields

# Usage

Create a logger for your component:

	log := logger.New("steering")

Log messages with client and request context:

	log.Info("client-123", "req-456", "Routing decision", map[string]interface{}{
	    "route":  "direct",
	    "reason": "primary healthy",
	})

Log errors with status codes:

	log.ErrorWithCode("client-123", "req-456", "Provider call failed", 503, err, nil)

# Environment Variables

  - INSTANCE_ID: deployment instance identifier
  - LOG_LEVEL: minimum level emitted (DEBUG, INFO, WARN, ERROR; default INFO)

# Thread Safety

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
