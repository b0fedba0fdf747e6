// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package steering

import (
	"testing"
	"time"
)

func newOptimizerFixture(config RoutingOptimizerConfig) (*RoutingOptimizer, *routerFixture) {
	f := newRouterFixture(CircuitBreakerConfig{})
	o := NewRoutingOptimizer(config, f.router, f.breaker, f.routing, f.activations, testLogger())
	return o, f
}

func TestRecommendsFasterRouteUnderHighLatency(t *testing.T) {
	o, f := newOptimizerFixture(RoutingOptimizerConfig{})

	// DIRECT is markedly faster and more reliable than MEDIATED.
	seedPath(f.routing, string(RouteDirect), 500, 3000, 97.5)
	seedPath(f.routing, string(RouteMediated), 500, 10000, 95)

	profiles := o.RefreshProfiles()
	snap := o.analyzePerformance(profiles)
	if snap.AverageLatencyMs != 6500 {
		t.Fatalf("overall average = %v, want 6500", snap.AverageLatencyMs)
	}

	recs := o.generateRecommendations(profiles, snap, snap)

	var ruleAdjustment *OptimizationRecommendation
	for i := range recs {
		if recs[i].Type == RecommendationRuleAdjustment {
			ruleAdjustment = &recs[i]
		}
	}
	if ruleAdjustment == nil {
		t.Fatalf("recommendations = %+v, want a rule_adjustment", recs)
	}
	if ruleAdjustment.Priority != PriorityHigh {
		t.Errorf("priority = %s, want high", ruleAdjustment.Priority)
	}
	if ruleAdjustment.TargetRoute != RouteDirect {
		t.Errorf("target route = %s, want DIRECT", ruleAdjustment.TargetRoute)
	}
	if ruleAdjustment.ExpectedImprovementPct < 15 {
		t.Errorf("expected improvement = %v, want >= 15", ruleAdjustment.ExpectedImprovementPct)
	}

	// Efficiency 71.75% is below the 80% floor.
	foundAdaptive := false
	for _, rec := range recs {
		if rec.Type == RecommendationAdaptiveThresholds {
			foundAdaptive = true
		}
	}
	if !foundAdaptive {
		t.Errorf("recommendations = %+v, want adaptive_thresholds for efficiency below 80%%", recs)
	}
}

func TestCycleSkipsWithoutEnoughData(t *testing.T) {
	o, f := newOptimizerFixture(RoutingOptimizerConfig{})
	seedPath(f.routing, string(RouteDirect), 50, 9000, 50)

	o.RunCycle()

	o.mu.RLock()
	pending := o.pending
	o.mu.RUnlock()
	if pending != nil {
		t.Error("cycle below MinDataPoints must not apply changes")
	}
	if got := len(o.History(0)); got != 0 {
		t.Errorf("history length = %d, want 0", got)
	}
}

func TestCycleAppliesRecommendationsOnce(t *testing.T) {
	o, f := newOptimizerFixture(RoutingOptimizerConfig{})
	seedPath(f.routing, string(RouteDirect), 500, 3000, 97.5)
	seedPath(f.routing, string(RouteMediated), 500, 10000, 95)

	o.RunCycle()

	o.mu.RLock()
	pending := o.pending
	o.mu.RUnlock()
	if pending == nil {
		t.Fatal("cycle with recommendations should leave a change set under evaluation")
	}
	if len(pending.recommendations) == 0 || len(pending.rollbacks) != len(pending.recommendations) {
		t.Fatalf("pending = %d recs / %d rollbacks, want one rollback per recommendation",
			len(pending.recommendations), len(pending.rollbacks))
	}
	firstID := pending.id

	// A second cycle must not stack more changes while evaluation is due.
	o.RunCycle()
	o.mu.RLock()
	stillPending := o.pending
	o.mu.RUnlock()
	if stillPending == nil || stillPending.id != firstID {
		t.Error("second cycle replaced the change set under evaluation")
	}
}

func TestEvaluateRollsBackRegressionExactlyOnce(t *testing.T) {
	o, f := newOptimizerFixture(RoutingOptimizerConfig{})
	seedPath(f.routing, string(RouteDirect), 200, 3000, 90)

	counts := make([]int, 3)
	applied := time.Now()
	o.mu.Lock()
	o.pending = &pendingEvaluation{
		id:        "eval-1",
		strategy:  StrategyBalanced,
		appliedAt: applied,
		baseline:  PerformanceSnapshot{AverageLatencyMs: 1000, SuccessRate: 99, CostPerRequest: 0.01, TotalRequests: 1000},
		recommendations: []OptimizationRecommendation{
			{ID: "a", Type: RecommendationRuleAdjustment},
			{ID: "b", Type: RecommendationCircuitTightening},
			{ID: "c", Type: RecommendationStrategyChange},
		},
		rollbacks: []func(){
			func() { counts[0]++ },
			func() { counts[1]++ },
			func() { counts[2]++ },
		},
	}
	o.mu.Unlock()

	due := applied.Add(o.config.EvaluationWindow + time.Second)
	o.evaluateDue(due)
	o.evaluateDue(due)

	for i, c := range counts {
		if c != 1 {
			t.Errorf("rollback %d ran %d times, want exactly once", i, c)
		}
	}

	history := o.History(0)
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	result := history[0]
	if result.Success || !result.RolledBack {
		t.Errorf("result = %+v, want rolled back and success=false", result)
	}
	if result.OverallImprovementPct >= o.config.RollbackThresholdPct {
		t.Errorf("overall improvement = %v, want below %v", result.OverallImprovementPct, o.config.RollbackThresholdPct)
	}
}

func TestEvaluateKeepsImprovement(t *testing.T) {
	o, f := newOptimizerFixture(RoutingOptimizerConfig{})
	seedPath(f.routing, string(RouteDirect), 200, 3000, 90)

	rolledBack := 0
	applied := time.Now()
	o.mu.Lock()
	o.pending = &pendingEvaluation{
		id:        "eval-2",
		strategy:  StrategyBalanced,
		appliedAt: applied,
		baseline:  PerformanceSnapshot{AverageLatencyMs: 5000, SuccessRate: 90, CostPerRequest: 0.05, TotalRequests: 1000},
		recommendations: []OptimizationRecommendation{
			{ID: "a", Type: RecommendationRuleAdjustment},
		},
		rollbacks: []func(){func() { rolledBack++ }},
	}
	o.mu.Unlock()

	o.evaluateDue(applied.Add(o.config.EvaluationWindow + time.Second))

	if rolledBack != 0 {
		t.Errorf("rollback ran %d times for an improvement, want 0", rolledBack)
	}
	history := o.History(0)
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	if !history[0].Success || history[0].RolledBack {
		t.Errorf("result = %+v, want kept and success=true", history[0])
	}
	if history[0].OverallImprovementPct <= 0 {
		t.Errorf("overall improvement = %v, want positive", history[0].OverallImprovementPct)
	}
}

func TestEvaluateWaitsForWindow(t *testing.T) {
	o, _ := newOptimizerFixture(RoutingOptimizerConfig{})

	applied := time.Now()
	o.mu.Lock()
	o.pending = &pendingEvaluation{id: "eval-3", appliedAt: applied, rollbacks: []func(){func() {}}}
	o.mu.Unlock()

	o.evaluateDue(applied.Add(o.config.EvaluationWindow / 2))

	o.mu.RLock()
	pending := o.pending
	o.mu.RUnlock()
	if pending == nil {
		t.Error("evaluation ran before the window elapsed")
	}
}

func TestApplyCircuitTightening(t *testing.T) {
	o, f := newOptimizerFixture(RoutingOptimizerConfig{})

	rollback, err := o.applyOne(OptimizationRecommendation{Type: RecommendationCircuitTightening}, nil)
	if err != nil {
		t.Fatalf("applyOne: %v", err)
	}
	if got := f.breaker.Config().FailureThreshold; got != tightenedFailureThreshold {
		t.Errorf("failure threshold = %d, want %d", got, tightenedFailureThreshold)
	}

	rollback()
	if got := f.breaker.Config().FailureThreshold; got != DefaultCircuitBreakerConfig().FailureThreshold {
		t.Errorf("failure threshold after rollback = %d, want default", got)
	}
}

func TestApplyStrategyChange(t *testing.T) {
	o, _ := newOptimizerFixture(RoutingOptimizerConfig{})

	rollback, err := o.applyOne(OptimizationRecommendation{
		Type:           RecommendationStrategyChange,
		TargetStrategy: StrategyCostEfficient,
	}, nil)
	if err != nil {
		t.Fatalf("applyOne: %v", err)
	}
	if got := o.Strategy(); got != StrategyCostEfficient {
		t.Errorf("strategy = %s, want COST_EFFICIENT", got)
	}

	rollback()
	if got := o.Strategy(); got != StrategyBalanced {
		t.Errorf("strategy after rollback = %s, want BALANCED", got)
	}
}

func TestApplyRuleAdjustmentSwapsPrimary(t *testing.T) {
	o, f := newOptimizerFixture(RoutingOptimizerConfig{})

	rollback, err := o.applyOne(OptimizationRecommendation{
		Type:        RecommendationRuleAdjustment,
		TargetRoute: RouteMediated,
	}, nil)
	if err != nil {
		t.Fatalf("applyOne: %v", err)
	}
	for _, rule := range f.router.Rules() {
		if rule.Primary != RouteMediated || rule.Fallback != RouteDirect {
			t.Errorf("rule %s = primary %s fallback %s, want MEDIATED/DIRECT",
				rule.OperationType, rule.Primary, rule.Fallback)
		}
	}

	rollback()
	for _, rule := range f.router.Rules() {
		if rule.Primary != RouteDirect {
			t.Errorf("rule %s primary after rollback = %s, want DIRECT", rule.OperationType, rule.Primary)
		}
	}
}

func TestApplyAdaptiveThresholds(t *testing.T) {
	o, f := newOptimizerFixture(RoutingOptimizerConfig{})
	seedPath(f.routing, string(RouteDirect), 100, 1000, 100)
	profiles := o.RefreshProfiles()

	rollback, err := o.applyOne(OptimizationRecommendation{Type: RecommendationAdaptiveThresholds}, profiles)
	if err != nil {
		t.Fatalf("applyOne: %v", err)
	}
	for _, rule := range f.router.Rules() {
		if rule.LatencyRequirementMs != 1200 {
			t.Errorf("rule %s requirement = %d, want 1200 (p95 1000 * 1.2)",
				rule.OperationType, rule.LatencyRequirementMs)
		}
	}

	rollback()
	var generation RoutingRule
	for _, rule := range f.router.Rules() {
		if rule.OperationType == OperationGeneration {
			generation = rule
		}
	}
	if generation.LatencyRequirementMs != 1500 {
		t.Errorf("GENERATION requirement after rollback = %d, want 1500", generation.LatencyRequirementMs)
	}
}

func TestImprovementPct(t *testing.T) {
	tests := []struct {
		name          string
		baseline      float64
		current       float64
		lowerIsBetter bool
		want          float64
	}{
		{"latency halved", 100, 50, true, 50},
		{"latency worsened", 100, 150, true, -50},
		{"success improved", 90, 99, false, 10},
		{"success regressed", 100, 90, false, -10},
		{"zero baseline", 0, 50, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := improvementPct(tt.baseline, tt.current, tt.lowerIsBetter); got != tt.want {
				t.Errorf("improvementPct(%v, %v, %v) = %v, want %v",
					tt.baseline, tt.current, tt.lowerIsBetter, got, tt.want)
			}
		})
	}
}

func TestFastestRoute(t *testing.T) {
	profiles := map[string]RoutePerformanceProfile{
		"DIRECT":   {AverageLatencyMs: 3000, RequestCount: 500},
		"MEDIATED": {AverageLatencyMs: 10000, RequestCount: 500},
		"IDLE":     {AverageLatencyMs: 1, RequestCount: 0},
	}

	route, ok := fastestRoute(profiles, 5200)
	if !ok || route != RouteDirect {
		t.Errorf("fastestRoute = %s/%v, want DIRECT/true", route, ok)
	}
	if _, ok := fastestRoute(profiles, 1000); ok {
		t.Error("fastestRoute below every route's latency should report none")
	}
}

func TestProfileDerivedFields(t *testing.T) {
	o, f := newOptimizerFixture(RoutingOptimizerConfig{})
	seedPath(f.routing, string(RouteDirect), 100, 6000, 90)

	profiles := o.RefreshProfiles()
	p := profiles[string(RouteDirect)]

	// cost = 0.01 * (6000/1000); capacity = max(0.1, 1 - 6000/30000).
	if !near(p.CostPerRequest, 0.06, 1e-9) {
		t.Errorf("cost = %v, want 0.06", p.CostPerRequest)
	}
	if !near(p.Capacity, 0.8, 1e-9) {
		t.Errorf("capacity = %v, want 0.8", p.Capacity)
	}
	if !near(p.Reliability, 0.9, 1e-9) {
		t.Errorf("reliability = %v, want 0.9", p.Reliability)
	}
}

func TestResetBaseline(t *testing.T) {
	o, f := newOptimizerFixture(RoutingOptimizerConfig{})
	if o.Baseline().TotalRequests != 0 {
		t.Fatalf("initial baseline = %+v, want empty", o.Baseline())
	}

	seedPath(f.routing, string(RouteDirect), 100, 2000, 95)
	snap := o.ResetBaseline()

	if snap.TotalRequests != 100 || o.Baseline().TotalRequests != 100 {
		t.Errorf("baseline after reset = %+v, want 100 requests", o.Baseline())
	}
}
