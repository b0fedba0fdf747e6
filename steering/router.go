// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package steering

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"axonflow/controlplane/shared/logger"
)

// RouteType identifies a serving path.
type RouteType string

const (
	// RouteDirect serves through the managed provider client.
	RouteDirect RouteType = "DIRECT"

	// RouteMediated serves through the RPC gateway.
	RouteMediated RouteType = "MEDIATED"
)

// RoutingRule binds an operation type to a primary path and its fallback.
type RoutingRule struct {
	OperationType        OperationType `json:"operation_type" yaml:"operation_type"`
	Priority             int           `json:"priority" yaml:"priority"`
	LatencyRequirementMs int64         `json:"latency_requirement_ms" yaml:"latency_requirement_ms"`
	Primary              RouteType     `json:"primary" yaml:"primary"`
	Fallback             RouteType     `json:"fallback" yaml:"fallback"`
	HealthCheckRequired  bool          `json:"health_check_required" yaml:"health_check_required"`
}

// DefaultRoutingRules returns the boot-time rule set. Latency requirements
// mirror the per-operation P95 targets.
func DefaultRoutingRules() []RoutingRule {
	return []RoutingRule{
		{OperationType: OperationCached, Priority: 1, LatencyRequirementMs: 300, Primary: RouteDirect, Fallback: RouteMediated},
		{OperationType: OperationRAG, Priority: 2, LatencyRequirementMs: 300, Primary: RouteDirect, Fallback: RouteMediated},
		{OperationType: OperationGeneration, Priority: 3, LatencyRequirementMs: 1500, Primary: RouteDirect, Fallback: RouteMediated, HealthCheckRequired: true},
	}
}

// RouteDecision is the router's verdict for one request.
type RouteDecision struct {
	Route    RouteType   `json:"route"`
	Reason   string      `json:"reason"`
	Rule     RoutingRule `json:"rule"`
	Fallback bool        `json:"fallback"`
}

// Router selects the serving path per request from the active rule set and
// live path health. The rule set is immutable; updates swap it atomically.
type Router struct {
	breaker     *CircuitBreaker
	routing     *RoutingMonitor
	flags       FlagStore
	activations *ActivationMonitor
	log         *logger.Logger

	rules atomic.Pointer[[]RoutingRule]
}

// NewRouter creates a router seeded with the default rules.
func NewRouter(breaker *CircuitBreaker, routing *RoutingMonitor, flags FlagStore, activations *ActivationMonitor, log *logger.Logger) *Router {
	if log == nil {
		log = logger.New("intelligent-router")
	}

	r := &Router{
		breaker:     breaker,
		routing:     routing,
		flags:       flags,
		activations: activations,
		log:         log,
	}
	rules := DefaultRoutingRules()
	r.rules.Store(&rules)
	return r
}

// Route picks the path for one operation. When the primary is unhealthy the
// fallback serves; when both are unhealthy the emergency decision is
// returned together with a provider_unavailable error so no request is
// dropped silently.
func (r *Router) Route(op OperationType) (*RouteDecision, error) {
	rule, ok := r.matchRule(op)
	if !ok {
		return nil, NewErrorf(ErrConfig, "no routing rule for operation %s", op)
	}

	primaryOK, primaryReason := r.routeHealthy(rule.Primary, rule)
	if primaryOK {
		return &RouteDecision{Route: rule.Primary, Reason: "primary healthy", Rule: rule}, nil
	}

	fallbackOK, fallbackReason := r.routeHealthy(rule.Fallback, rule)
	if fallbackOK {
		return &RouteDecision{
			Route:    rule.Fallback,
			Reason:   fmt.Sprintf("primary %s: %s", rule.Primary, primaryReason),
			Rule:     rule,
			Fallback: true,
		}, nil
	}

	r.log.Error("", "", "No healthy route", map[string]interface{}{
		"operation":       string(op),
		"primary":         string(rule.Primary),
		"primary_reason":  primaryReason,
		"fallback":        string(rule.Fallback),
		"fallback_reason": fallbackReason,
	})
	decision := &RouteDecision{
		Route:  rule.Primary,
		Reason: fmt.Sprintf("emergency: primary %s, fallback %s", primaryReason, fallbackReason),
		Rule:   rule,
	}
	return decision, NewErrorf(ErrProviderUnavailable,
		"no healthy route for %s: %s %s, %s %s",
		op, rule.Primary, primaryReason, rule.Fallback, fallbackReason)
}

// matchRule returns the first rule whose operation type matches.
func (r *Router) matchRule(op OperationType) (RoutingRule, bool) {
	for _, rule := range *r.rules.Load() {
		if rule.OperationType == op {
			return rule, true
		}
	}
	return RoutingRule{}, false
}

// routeHealthy checks flag state, circuit state, and recent path latency
// against the rule's requirement.
func (r *Router) routeHealthy(route RouteType, rule RoutingRule) (bool, string) {
	if !r.flags.Get(flagForRoute(route)) {
		return false, "path disabled"
	}

	switch r.breaker.State(string(route)) {
	case CircuitOpen:
		return false, "circuit open"
	case CircuitHalfOpen:
		// Rules that demand a health check do not ride probe traffic.
		if rule.HealthCheckRequired {
			return false, "circuit probing"
		}
	}

	if rule.LatencyRequirementMs > 0 {
		if pm, ok := r.routing.PathMetricsFor(string(route)); ok {
			if float64(pm.P95LatencyMs) > float64(rule.LatencyRequirementMs)*1.5 {
				return false, fmt.Sprintf("p95 %dms exceeds requirement", pm.P95LatencyMs)
			}
		}
	}
	return true, ""
}

// SetRules validates and atomically installs a new rule set, ordered by
// priority. The change is recorded as an activation operation.
func (r *Router) SetRules(rules []RoutingRule) error {
	start := time.Now()
	if err := validateRules(rules); err != nil {
		if r.activations != nil {
			r.activations.Record(ActivationOperation{
				FlagName:   "routing.rules",
				Operation:  "rule_update",
				DurationMs: time.Since(start).Milliseconds(),
				Error:      err.Error(),
			})
		}
		return err
	}

	ordered := make([]RoutingRule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })
	r.rules.Store(&ordered)

	if r.activations != nil {
		r.activations.Record(ActivationOperation{
			FlagName:   "routing.rules",
			Operation:  "rule_update",
			Success:    true,
			DurationMs: time.Since(start).Milliseconds(),
		})
	}
	r.log.Info("", "", "Routing rules updated", map[string]interface{}{"rules": len(ordered)})
	return nil
}

// Rules returns a copy of the active rule set.
func (r *Router) Rules() []RoutingRule {
	rules := *r.rules.Load()
	out := make([]RoutingRule, len(rules))
	copy(out, rules)
	return out
}

func validateRules(rules []RoutingRule) error {
	if len(rules) == 0 {
		return NewError(ErrConfig, "routing rule set must not be empty")
	}

	for i, rule := range rules {
		if !validOperation(rule.OperationType) {
			return NewErrorf(ErrConfig, "rule %d: unknown operation type %q", i, rule.OperationType)
		}
		if !validRoute(rule.Primary) || !validRoute(rule.Fallback) {
			return NewErrorf(ErrConfig, "rule %d: routes must be DIRECT or MEDIATED", i)
		}
		if rule.Primary == rule.Fallback {
			return NewErrorf(ErrConfig, "rule %d: fallback must differ from primary", i)
		}
		if rule.LatencyRequirementMs <= 0 {
			return NewErrorf(ErrConfig, "rule %d: latency requirement must be positive", i)
		}
	}
	return nil
}

func validOperation(op OperationType) bool {
	for _, known := range operationTypes {
		if op == known {
			return true
		}
	}
	return false
}

func validRoute(route RouteType) bool {
	return route == RouteDirect || route == RouteMediated
}

func flagForRoute(route RouteType) string {
	if route == RouteMediated {
		return FlagMediatedRouting
	}
	return FlagDirectRouting
}
