// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package steering

import (
	"context"
	"strings"
	"testing"
	"time"
)

type routerFixture struct {
	router      *Router
	breaker     *CircuitBreaker
	routing     *RoutingMonitor
	flags       *MemoryFlagStore
	activations *ActivationMonitor
}

func newRouterFixture(cbConfig CircuitBreakerConfig) *routerFixture {
	f := &routerFixture{
		breaker:     NewCircuitBreaker(cbConfig, testLogger()),
		routing:     NewRoutingMonitor(testLogger()),
		activations: newTestActivationMonitor(),
	}
	f.flags = NewMemoryFlagStore(nil, f.activations, testLogger())
	f.router = NewRouter(f.breaker, f.routing, f.flags, f.activations, testLogger())
	return f
}

func TestRoutePrimaryWhenHealthy(t *testing.T) {
	f := newRouterFixture(CircuitBreakerConfig{})

	decision, err := f.router.Route(OperationGeneration)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if decision.Route != RouteDirect || decision.Fallback {
		t.Errorf("decision = %+v, want primary DIRECT", decision)
	}
	if decision.Rule.OperationType != OperationGeneration {
		t.Errorf("matched rule = %+v, want the GENERATION rule", decision.Rule)
	}
}

func TestRouteFallsBackWhenCircuitOpen(t *testing.T) {
	f := newRouterFixture(CircuitBreakerConfig{})
	f.breaker.ForceOpen(string(RouteDirect))

	decision, err := f.router.Route(OperationGeneration)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if decision.Route != RouteMediated || !decision.Fallback {
		t.Errorf("decision = %+v, want fallback MEDIATED", decision)
	}
	if !strings.Contains(decision.Reason, "circuit open") {
		t.Errorf("Reason = %q, want the circuit named", decision.Reason)
	}
}

func TestRouteFallsBackOnLatencyBreach(t *testing.T) {
	f := newRouterFixture(CircuitBreakerConfig{})

	// GENERATION requires 1500 ms; a DIRECT P95 past 2250 ms disqualifies
	// the primary.
	seedPath(f.routing, string(RouteDirect), 100, 3000, 100)
	seedPath(f.routing, string(RouteMediated), 100, 800, 100)

	decision, err := f.router.Route(OperationGeneration)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if decision.Route != RouteMediated || !decision.Fallback {
		t.Errorf("decision = %+v, want fallback MEDIATED", decision)
	}
}

func TestRouteLatencyWithinTolerance(t *testing.T) {
	f := newRouterFixture(CircuitBreakerConfig{})

	// 2200 ms is within 1.5x of the 1500 ms requirement.
	seedPath(f.routing, string(RouteDirect), 100, 2200, 100)

	decision, err := f.router.Route(OperationGeneration)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if decision.Route != RouteDirect {
		t.Errorf("Route = %s, want DIRECT", decision.Route)
	}
}

func TestRouteEmergencyWhenBothPathsDown(t *testing.T) {
	f := newRouterFixture(CircuitBreakerConfig{})
	f.breaker.ForceOpen(string(RouteDirect))
	f.breaker.ForceOpen(string(RouteMediated))

	decision, err := f.router.Route(OperationRAG)
	if err == nil {
		t.Fatal("expected provider_unavailable error")
	}
	if KindOf(err) != ErrProviderUnavailable {
		t.Errorf("error kind = %s, want %s", KindOf(err), ErrProviderUnavailable)
	}
	if decision == nil || !strings.HasPrefix(decision.Reason, "emergency") {
		t.Errorf("decision = %+v, want an emergency decision", decision)
	}
}

func TestRouteRespectsFlagDisable(t *testing.T) {
	f := newRouterFixture(CircuitBreakerConfig{})
	if err := f.flags.Set(context.Background(), FlagDirectRouting, false, nil); err != nil {
		t.Fatalf("Set: %v", err)
	}

	decision, err := f.router.Route(OperationCached)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if decision.Route != RouteMediated || !decision.Fallback {
		t.Errorf("decision = %+v, want fallback MEDIATED", decision)
	}
	if !strings.Contains(decision.Reason, "path disabled") {
		t.Errorf("Reason = %q, want flag disable named", decision.Reason)
	}
}

func TestRouteHealthCheckRequiredSkipsProbingCircuit(t *testing.T) {
	f := newRouterFixture(CircuitBreakerConfig{FailureThreshold: 1, RecoveryTimeout: 20 * time.Millisecond, HalfOpenMaxCalls: 2})

	f.breaker.RecordFailure(string(RouteDirect))
	time.Sleep(30 * time.Millisecond)
	if state := f.breaker.State(string(RouteDirect)); state != CircuitHalfOpen {
		t.Fatalf("state = %s, want HALF_OPEN", state)
	}

	// GENERATION demands a verified path, so the probing circuit is skipped.
	gen, err := f.router.Route(OperationGeneration)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if gen.Route != RouteMediated || !gen.Fallback {
		t.Errorf("generation decision = %+v, want fallback MEDIATED", gen)
	}

	// RAG has no such requirement and may ride the probe window.
	rag, err := f.router.Route(OperationRAG)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if rag.Route != RouteDirect {
		t.Errorf("rag decision = %+v, want primary DIRECT", rag)
	}
}

func TestSetRulesValidation(t *testing.T) {
	f := newRouterFixture(CircuitBreakerConfig{})

	tests := []struct {
		name  string
		rules []RoutingRule
	}{
		{"empty set", nil},
		{"unknown operation", []RoutingRule{{OperationType: "BATCH", LatencyRequirementMs: 100, Primary: RouteDirect, Fallback: RouteMediated}}},
		{"bad route", []RoutingRule{{OperationType: OperationRAG, LatencyRequirementMs: 100, Primary: "EDGE", Fallback: RouteMediated}}},
		{"primary equals fallback", []RoutingRule{{OperationType: OperationRAG, LatencyRequirementMs: 100, Primary: RouteDirect, Fallback: RouteDirect}}},
		{"nonpositive latency", []RoutingRule{{OperationType: OperationRAG, Primary: RouteDirect, Fallback: RouteMediated}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.router.SetRules(tt.rules)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if KindOf(err) != ErrConfig {
				t.Errorf("error kind = %s, want %s", KindOf(err), ErrConfig)
			}
		})
	}
}

func TestSetRulesSwapsAndRecordsActivation(t *testing.T) {
	f := newRouterFixture(CircuitBreakerConfig{})

	rules := []RoutingRule{
		{OperationType: OperationGeneration, Priority: 2, LatencyRequirementMs: 2000, Primary: RouteMediated, Fallback: RouteDirect},
		{OperationType: OperationRAG, Priority: 1, LatencyRequirementMs: 300, Primary: RouteDirect, Fallback: RouteMediated},
	}
	if err := f.router.SetRules(rules); err != nil {
		t.Fatalf("SetRules: %v", err)
	}

	got := f.router.Rules()
	if len(got) != 2 || got[0].OperationType != OperationRAG {
		t.Errorf("rules = %+v, want priority order with RAG first", got)
	}

	decision, err := f.router.Route(OperationGeneration)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if decision.Route != RouteMediated {
		t.Errorf("Route = %s, want the new primary MEDIATED", decision.Route)
	}

	ops := f.activations.RecentOperations(1)
	if len(ops) != 1 || ops[0].Operation != "rule_update" || !ops[0].Success {
		t.Errorf("activation ops = %+v, want a successful rule_update", ops)
	}

	// No rule covers CACHED anymore.
	if _, err := f.router.Route(OperationCached); KindOf(err) != ErrConfig {
		t.Errorf("error kind = %s, want %s for uncovered operation", KindOf(err), ErrConfig)
	}
}

func TestSetRulesFailureIsRecorded(t *testing.T) {
	f := newRouterFixture(CircuitBreakerConfig{})

	if err := f.router.SetRules(nil); err == nil {
		t.Fatal("expected validation error")
	}

	ops := f.activations.RecentOperations(1)
	if len(ops) != 1 || ops[0].Success || ops[0].Error == "" {
		t.Errorf("activation ops = %+v, want a recorded failure", ops)
	}
}
