// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

/*
Package steering contains the routing and self-regulation layer of the
control plane: it decides which provider path serves a request, watches how
those paths behave, and reacts when they degrade.

# Request path

Pipeline.ProcessRequest is the hot path. A request is rate limited, safety
pre-checked, routed, optionally served from the response cache, admitted by
the per-path circuit breaker, invoked against a provider with a per-operation
deadline, safety post-checked, and returned. Each completed call feeds the
latency and routing monitors synchronously.

# Monitors

  - LatencyMonitor: per-operation latency samples with target checks,
    cache-hit-rate tracking, and spike alerts.
  - RoutingMonitor: per-path counters, percentiles, and routing efficiency.
  - DriftMonitor: baseline vs current model behavior (drift, regression,
    quality, toxicity).
  - ActivationMonitor: success rate and duration of flag and rule changes.
  - HealthMonitor: periodic system health scoring with anomaly detection,
    trend analysis, and prioritized recommendations.

# Regulation

The RoutingOptimizer analyzes path performance on an interval, applies a
bounded number of changes with rollback closures, and reverts them when the
measured improvement falls below the rollback threshold. The
OptimizationOrchestrator owns the periodic loops and decides when to act on
health findings. The ShutdownManager disables provider paths via feature
flags and force-opened circuit breakers when thresholds are breached, and
probes for automatic recovery.

All monitors own their stores exclusively and hand out snapshot copies;
periodic loops never crash the process.
*/
package steering
