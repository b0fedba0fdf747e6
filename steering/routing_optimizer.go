// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package steering

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"axonflow/controlplane/shared/logger"
)

// OptimizationStrategy selects what the optimizer trades off when it
// adjusts routing.
type OptimizationStrategy string

const (
	StrategyLatencyFocused   OptimizationStrategy = "LATENCY_FOCUSED"
	StrategyCostEfficient    OptimizationStrategy = "COST_EFFICIENT"
	StrategyReliabilityFirst OptimizationStrategy = "RELIABILITY_FIRST"
	StrategyBalanced         OptimizationStrategy = "BALANCED"
)

// OptimizationPriority ranks a recommendation.
type OptimizationPriority string

const (
	PriorityLow      OptimizationPriority = "low"
	PriorityMedium   OptimizationPriority = "medium"
	PriorityHigh     OptimizationPriority = "high"
	PriorityCritical OptimizationPriority = "critical"
)

var priorityRank = map[OptimizationPriority]int{
	PriorityLow:      1,
	PriorityMedium:   2,
	PriorityHigh:     3,
	PriorityCritical: 4,
}

// Recommendation types the optimizer can apply.
const (
	RecommendationRuleAdjustment     = "rule_adjustment"
	RecommendationCircuitTightening  = "circuit_tightening"
	RecommendationStrategyChange     = "strategy_change"
	RecommendationAdaptiveThresholds = "adaptive_thresholds"
)

// tightenedFailureThreshold is the circuit failure threshold applied by a
// circuit_tightening recommendation.
const tightenedFailureThreshold = 3

// optimizationHistoryCap bounds the retained results.
const optimizationHistoryCap = 100

// RoutePerformanceProfile is the optimizer's per-path working view.
type RoutePerformanceProfile struct {
	Path             string    `json:"path"`
	AverageLatencyMs float64   `json:"average_latency_ms"`
	P95LatencyMs     int64     `json:"p95_latency_ms"`
	SuccessRate      float64   `json:"success_rate"`
	CostPerRequest   float64   `json:"cost_per_request"`
	Reliability      float64   `json:"reliability"`
	Capacity         float64   `json:"capacity"`
	RequestCount     int64     `json:"request_count"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// PerformanceSnapshot is the request-weighted overall view across paths.
type PerformanceSnapshot struct {
	AverageLatencyMs float64   `json:"average_latency_ms"`
	SuccessRate      float64   `json:"success_rate"`
	CostPerRequest   float64   `json:"cost_per_request"`
	Efficiency       float64   `json:"efficiency"`
	TotalRequests    int64     `json:"total_requests"`
	Timestamp        time.Time `json:"timestamp"`
}

// OptimizationRecommendation is one proposed routing change.
type OptimizationRecommendation struct {
	ID                     string               `json:"id"`
	Type                   string               `json:"type"`
	Priority               OptimizationPriority `json:"priority"`
	Description            string               `json:"description"`
	ExpectedImprovementPct float64              `json:"expected_improvement_pct"`
	TargetRoute            RouteType            `json:"target_route,omitempty"`
	TargetStrategy         OptimizationStrategy `json:"target_strategy,omitempty"`
	CreatedAt              time.Time            `json:"created_at"`
}

// OptimizationResult records one applied change set and its measured
// improvement after the evaluation window.
type OptimizationResult struct {
	ID                    string                       `json:"id"`
	Strategy              OptimizationStrategy         `json:"strategy"`
	AppliedAt             time.Time                    `json:"applied_at"`
	EvaluatedAt           time.Time                    `json:"evaluated_at"`
	Recommendations       []OptimizationRecommendation `json:"recommendations"`
	LatencyImprovementPct float64                      `json:"latency_improvement_pct"`
	SuccessImprovementPct float64                      `json:"success_improvement_pct"`
	CostImprovementPct    float64                      `json:"cost_improvement_pct"`
	OverallImprovementPct float64                      `json:"overall_improvement_pct"`
	Success               bool                         `json:"success"`
	RolledBack            bool                         `json:"rolled_back"`
}

// RoutingOptimizerConfig tunes the optimization loop.
type RoutingOptimizerConfig struct {
	TargetImprovementPct float64              `json:"target_improvement_pct" yaml:"target_improvement_pct"`
	Interval             time.Duration        `json:"interval" yaml:"interval"`
	EvaluationWindow     time.Duration        `json:"evaluation_window" yaml:"evaluation_window"`
	MaxChanges           int                  `json:"max_changes" yaml:"max_changes"`
	MinDataPoints        int64                `json:"min_data_points" yaml:"min_data_points"`
	RollbackThresholdPct float64              `json:"rollback_threshold_pct" yaml:"rollback_threshold_pct"`
	DefaultStrategy      OptimizationStrategy `json:"default_strategy" yaml:"default_strategy"`
	Adaptive             bool                 `json:"adaptive" yaml:"adaptive"`
	AutoRollback         bool                 `json:"auto_rollback" yaml:"auto_rollback"`

	// BaseCostPerRoute is the EUR cost of one request at 1 s latency;
	// per-route cost scales linearly with average latency.
	BaseCostPerRoute float64 `json:"base_cost_per_route" yaml:"base_cost_per_route"`
}

// DefaultRoutingOptimizerConfig returns the production defaults.
func DefaultRoutingOptimizerConfig() RoutingOptimizerConfig {
	return RoutingOptimizerConfig{
		TargetImprovementPct: 15,
		Interval:             5 * time.Minute,
		EvaluationWindow:     15 * time.Minute,
		MaxChanges:           3,
		MinDataPoints:        100,
		RollbackThresholdPct: -5,
		DefaultStrategy:      StrategyBalanced,
		Adaptive:             true,
		AutoRollback:         true,
		BaseCostPerRoute:     0.01,
	}
}

// pendingEvaluation is a change set waiting for its evaluation window.
type pendingEvaluation struct {
	id              string
	strategy        OptimizationStrategy
	appliedAt       time.Time
	baseline        PerformanceSnapshot
	recommendations []OptimizationRecommendation
	rollbacks       []func()
}

// RoutingOptimizer runs the analyze/recommend/apply/evaluate loop against
// the router, the circuit breaker, and the routing monitor.
type RoutingOptimizer struct {
	config      RoutingOptimizerConfig
	router      *Router
	breaker     *CircuitBreaker
	routing     *RoutingMonitor
	activations *ActivationMonitor
	log         *logger.Logger

	mu       sync.RWMutex
	strategy OptimizationStrategy
	profiles map[string]RoutePerformanceProfile
	baseline PerformanceSnapshot
	pending  *pendingEvaluation
	history  []OptimizationResult
}

// NewRoutingOptimizer creates an optimizer and captures the initial
// performance baseline. Zero config values fall back to defaults.
func NewRoutingOptimizer(config RoutingOptimizerConfig, router *Router, breaker *CircuitBreaker, routing *RoutingMonitor, activations *ActivationMonitor, log *logger.Logger) *RoutingOptimizer {
	def := DefaultRoutingOptimizerConfig()
	if config.TargetImprovementPct <= 0 {
		config.TargetImprovementPct = def.TargetImprovementPct
	}
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.EvaluationWindow <= 0 {
		config.EvaluationWindow = def.EvaluationWindow
	}
	if config.MaxChanges <= 0 {
		config.MaxChanges = def.MaxChanges
	}
	if config.MinDataPoints <= 0 {
		config.MinDataPoints = def.MinDataPoints
	}
	if config.RollbackThresholdPct == 0 {
		config.RollbackThresholdPct = def.RollbackThresholdPct
	}
	if config.DefaultStrategy == "" {
		config.DefaultStrategy = def.DefaultStrategy
	}
	if config.BaseCostPerRoute <= 0 {
		config.BaseCostPerRoute = def.BaseCostPerRoute
	}
	if log == nil {
		log = logger.New("routing-optimizer")
	}

	o := &RoutingOptimizer{
		config:      config,
		router:      router,
		breaker:     breaker,
		routing:     routing,
		activations: activations,
		log:         log,
		strategy:    config.DefaultStrategy,
	}
	o.baseline = o.analyzePerformance(o.RefreshProfiles())
	return o
}

// Strategy returns the active optimization strategy.
func (o *RoutingOptimizer) Strategy() OptimizationStrategy {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.strategy
}

// SetStrategy switches the active optimization strategy.
func (o *RoutingOptimizer) SetStrategy(s OptimizationStrategy) {
	o.mu.Lock()
	old := o.strategy
	o.strategy = s
	o.mu.Unlock()
	if old != s {
		o.log.Info("", "", "Optimization strategy changed", map[string]interface{}{
			"from": string(old),
			"to":   string(s),
		})
	}
}

// Baseline returns the performance baseline improvements are measured
// against.
func (o *RoutingOptimizer) Baseline() PerformanceSnapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.baseline
}

// ResetBaseline re-captures the baseline from current metrics.
func (o *RoutingOptimizer) ResetBaseline() PerformanceSnapshot {
	snap := o.analyzePerformance(o.RefreshProfiles())
	o.mu.Lock()
	o.baseline = snap
	o.mu.Unlock()
	o.log.Info("", "", "Optimizer baseline reset", map[string]interface{}{
		"avg_latency_ms": snap.AverageLatencyMs,
		"success_rate":   snap.SuccessRate,
		"total_requests": snap.TotalRequests,
	})
	return snap
}

// Profiles returns a copy of the per-route performance profiles.
func (o *RoutingOptimizer) Profiles() map[string]RoutePerformanceProfile {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]RoutePerformanceProfile, len(o.profiles))
	for k, v := range o.profiles {
		out[k] = v
	}
	return out
}

// History returns up to limit optimization results, oldest first.
func (o *RoutingOptimizer) History(limit int) []OptimizationResult {
	o.mu.RLock()
	defer o.mu.RUnlock()

	n := len(o.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]OptimizationResult, limit)
	copy(out, o.history[n-limit:])
	return out
}

// RefreshProfiles rebuilds the per-route profiles from the routing monitor.
func (o *RoutingOptimizer) RefreshProfiles() map[string]RoutePerformanceProfile {
	now := time.Now()
	metrics := o.routing.AllPathMetrics()

	profiles := make(map[string]RoutePerformanceProfile, len(metrics))
	for path, pm := range metrics {
		profiles[path] = RoutePerformanceProfile{
			Path:             path,
			AverageLatencyMs: pm.AverageLatencyMs,
			P95LatencyMs:     pm.P95LatencyMs,
			SuccessRate:      pm.SuccessRate,
			CostPerRequest:   o.config.BaseCostPerRoute * pm.AverageLatencyMs / 1000,
			Reliability:      pm.SuccessRate / 100,
			Capacity:         math.Max(0.1, 1-float64(pm.P95LatencyMs)/30000),
			RequestCount:     pm.RequestCount,
			UpdatedAt:        now,
		}
	}

	o.mu.Lock()
	o.profiles = profiles
	o.mu.Unlock()
	return profiles
}

// RunCycle executes one optimization pass: evaluate any due change set,
// refresh profiles, and, with enough data, recommend and apply changes.
func (o *RoutingOptimizer) RunCycle() {
	o.evaluateDue(time.Now())

	profiles := o.RefreshProfiles()
	snap := o.analyzePerformance(profiles)

	o.mu.Lock()
	if o.baseline.TotalRequests == 0 {
		o.baseline = snap
	}
	baseline := o.baseline
	evaluationPending := o.pending != nil
	o.mu.Unlock()

	if snap.TotalRequests < o.config.MinDataPoints {
		o.log.Debug("", "", "Skipping optimization cycle, not enough data", map[string]interface{}{
			"total_requests": snap.TotalRequests,
			"required":       o.config.MinDataPoints,
		})
		promOptimizerCycles.WithLabelValues("insufficient_data").Inc()
		return
	}
	// One change set in flight at a time; improvement must be attributable
	// to a single cycle.
	if evaluationPending {
		promOptimizerCycles.WithLabelValues("evaluation_pending").Inc()
		return
	}

	recs := o.generateRecommendations(profiles, snap, baseline)
	if len(recs) == 0 {
		promOptimizerCycles.WithLabelValues("no_change").Inc()
		return
	}
	o.applyRecommendations(recs, profiles, snap)
	promOptimizerCycles.WithLabelValues("applied").Inc()
}

// Run drives optimization cycles on the configured interval until ctx is
// canceled.
func (o *RoutingOptimizer) Run(ctx context.Context) {
	runEvery(ctx, o.config.Interval, o.log, "optimization-cycle", o.RunCycle)
}

// analyzePerformance aggregates profiles into one request-weighted view.
func (o *RoutingOptimizer) analyzePerformance(profiles map[string]RoutePerformanceProfile) PerformanceSnapshot {
	snap := PerformanceSnapshot{Timestamp: time.Now()}

	var latSum, successSum, costSum float64
	for _, p := range profiles {
		w := float64(p.RequestCount)
		snap.TotalRequests += p.RequestCount
		latSum += p.AverageLatencyMs * w
		successSum += p.SuccessRate * w
		costSum += p.CostPerRequest * w
	}
	if snap.TotalRequests > 0 {
		total := float64(snap.TotalRequests)
		snap.AverageLatencyMs = latSum / total
		snap.SuccessRate = successSum / total
		snap.CostPerRequest = costSum / total
	}
	snap.Efficiency = o.routing.CalculateRoutingEfficiency().OverallEfficiency
	return snap
}

func (o *RoutingOptimizer) generateRecommendations(profiles map[string]RoutePerformanceProfile, snap, baseline PerformanceSnapshot) []OptimizationRecommendation {
	now := time.Now()
	var recs []OptimizationRecommendation

	add := func(recType string, priority OptimizationPriority, description string, improvementPct float64, route RouteType, strategy OptimizationStrategy) {
		recs = append(recs, OptimizationRecommendation{
			ID:                     uuid.New().String(),
			Type:                   recType,
			Priority:               priority,
			Description:            description,
			ExpectedImprovementPct: improvementPct,
			TargetRoute:            route,
			TargetStrategy:         strategy,
			CreatedAt:              now,
		})
	}

	if snap.AverageLatencyMs > 5000 {
		if fastest, ok := fastestRoute(profiles, snap.AverageLatencyMs*0.8); ok {
			add(RecommendationRuleAdjustment, PriorityHigh,
				"Shift primary routing toward the faster path "+string(fastest), 25, fastest, "")
		}
	}
	if snap.SuccessRate < 95 {
		add(RecommendationCircuitTightening, PriorityCritical,
			"Tighten circuit breakers to shed failing paths sooner", 15, "", "")
	}
	if baseline.CostPerRequest > 0 && snap.CostPerRequest > baseline.CostPerRequest*1.2 {
		add(RecommendationStrategyChange, PriorityMedium,
			"Switch to the cost-efficient strategy", 30, "", StrategyCostEfficient)
	}
	if snap.Efficiency < 80 {
		add(RecommendationAdaptiveThresholds, PriorityHigh,
			"Re-derive rule latency requirements from observed percentiles", 20, "", "")
	}
	if len(recs) >= 3 && o.config.Adaptive {
		add(RecommendationStrategyChange, PriorityMedium,
			"Adapt the optimization strategy to the dominant issue", 18, "", o.selectStrategy(snap, baseline))
	}

	return recs
}

// fastestRoute returns the route with the lowest average latency at or
// below the ceiling.
func fastestRoute(profiles map[string]RoutePerformanceProfile, ceilingMs float64) (RouteType, bool) {
	var best string
	var bestAvg float64
	for path, p := range profiles {
		if p.RequestCount == 0 || p.AverageLatencyMs > ceilingMs {
			continue
		}
		if best == "" || p.AverageLatencyMs < bestAvg {
			best, bestAvg = path, p.AverageLatencyMs
		}
	}
	if best == "" {
		return "", false
	}
	return RouteType(best), true
}

// selectStrategy picks the strategy matching the dominant problem.
func (o *RoutingOptimizer) selectStrategy(snap, baseline PerformanceSnapshot) OptimizationStrategy {
	switch {
	case snap.SuccessRate < 95:
		return StrategyReliabilityFirst
	case snap.AverageLatencyMs > 5000:
		return StrategyLatencyFocused
	case baseline.CostPerRequest > 0 && snap.CostPerRequest > baseline.CostPerRequest*1.2:
		return StrategyCostEfficient
	default:
		return StrategyBalanced
	}
}

// applyRecommendations applies up to MaxChanges recommendations, highest
// priority first, each with a recorded rollback.
func (o *RoutingOptimizer) applyRecommendations(recs []OptimizationRecommendation, profiles map[string]RoutePerformanceProfile, baseline PerformanceSnapshot) {
	sort.SliceStable(recs, func(i, j int) bool {
		return priorityRank[recs[i].Priority] > priorityRank[recs[j].Priority]
	})
	if len(recs) > o.config.MaxChanges {
		recs = recs[:o.config.MaxChanges]
	}

	var applied []OptimizationRecommendation
	var rollbacks []func()
	for _, rec := range recs {
		start := time.Now()
		rollback, err := o.applyOne(rec, profiles)
		durationMs := time.Since(start).Milliseconds()
		if err != nil {
			o.recordActivation("optimizer."+rec.Type, "apply", false, durationMs, err.Error())
			o.log.Error("", "", "Failed to apply optimization", map[string]interface{}{
				"type":  rec.Type,
				"error": err.Error(),
			})
			continue
		}
		o.recordActivation("optimizer."+rec.Type, "apply", true, durationMs, "")
		applied = append(applied, rec)
		rollbacks = append(rollbacks, rollback)
	}
	if len(applied) == 0 {
		return
	}

	o.mu.Lock()
	o.pending = &pendingEvaluation{
		id:              uuid.New().String(),
		strategy:        o.strategy,
		appliedAt:       time.Now(),
		baseline:        baseline,
		recommendations: applied,
		rollbacks:       rollbacks,
	}
	o.mu.Unlock()

	o.log.Info("", "", "Applied optimization recommendations", map[string]interface{}{
		"applied":       len(applied),
		"evaluation_in": o.config.EvaluationWindow.String(),
	})
}

func (o *RoutingOptimizer) applyOne(rec OptimizationRecommendation, profiles map[string]RoutePerformanceProfile) (func(), error) {
	switch rec.Type {
	case RecommendationRuleAdjustment:
		old := o.router.Rules()
		next := make([]RoutingRule, len(old))
		copy(next, old)
		for i := range next {
			if next[i].Primary != rec.TargetRoute {
				next[i].Fallback = next[i].Primary
				next[i].Primary = rec.TargetRoute
			}
		}
		if err := o.router.SetRules(next); err != nil {
			return nil, err
		}
		return o.ruleRollback(old), nil

	case RecommendationCircuitTightening:
		old := o.breaker.Config()
		next := old
		if next.FailureThreshold > tightenedFailureThreshold {
			next.FailureThreshold = tightenedFailureThreshold
		}
		o.breaker.SetConfig(next)
		return func() { o.breaker.SetConfig(old) }, nil

	case RecommendationStrategyChange:
		old := o.Strategy()
		o.SetStrategy(rec.TargetStrategy)
		return func() { o.SetStrategy(old) }, nil

	case RecommendationAdaptiveThresholds:
		old := o.router.Rules()
		next := make([]RoutingRule, len(old))
		copy(next, old)
		for i := range next {
			p, ok := profiles[string(next[i].Primary)]
			if !ok || p.P95LatencyMs <= 0 {
				continue
			}
			req := int64(float64(p.P95LatencyMs) * 1.2)
			if req < 1 {
				req = 1
			}
			next[i].LatencyRequirementMs = req
		}
		if err := o.router.SetRules(next); err != nil {
			return nil, err
		}
		return o.ruleRollback(old), nil

	default:
		return nil, NewErrorf(ErrConfig, "unknown recommendation type %s", rec.Type)
	}
}

func (o *RoutingOptimizer) ruleRollback(old []RoutingRule) func() {
	return func() {
		if err := o.router.SetRules(old); err != nil {
			o.log.Error("", "", "Rule rollback failed", map[string]interface{}{"error": err.Error()})
		}
	}
}

// evaluateDue measures a change set whose evaluation window has passed and
// rolls it back when the overall improvement falls below the threshold.
func (o *RoutingOptimizer) evaluateDue(now time.Time) {
	o.mu.Lock()
	p := o.pending
	if p == nil || now.Sub(p.appliedAt) < o.config.EvaluationWindow {
		o.mu.Unlock()
		return
	}
	// Detach before evaluating so rollbacks run at most once.
	o.pending = nil
	o.mu.Unlock()

	current := o.analyzePerformance(o.RefreshProfiles())

	latencyImp := improvementPct(p.baseline.AverageLatencyMs, current.AverageLatencyMs, true)
	successImp := improvementPct(p.baseline.SuccessRate, current.SuccessRate, false)
	costImp := improvementPct(p.baseline.CostPerRequest, current.CostPerRequest, true)
	overall := 0.4*latencyImp + 0.3*successImp + 0.3*costImp

	result := OptimizationResult{
		ID:                    p.id,
		Strategy:              p.strategy,
		AppliedAt:             p.appliedAt,
		EvaluatedAt:           now,
		Recommendations:       p.recommendations,
		LatencyImprovementPct: latencyImp,
		SuccessImprovementPct: successImp,
		CostImprovementPct:    costImp,
		OverallImprovementPct: overall,
		Success:               true,
	}

	if overall < o.config.RollbackThresholdPct && o.config.AutoRollback {
		for _, rollback := range p.rollbacks {
			rollback()
		}
		result.Success = false
		result.RolledBack = true
		o.recordActivation("optimizer.rollback", "rollback", true, 0, "")
		o.log.Warn("", "", "Optimization regressed, rolled back", map[string]interface{}{
			"overall_improvement_pct": overall,
			"threshold_pct":           o.config.RollbackThresholdPct,
			"recommendations":         len(p.recommendations),
		})
	} else {
		o.log.Info("", "", "Optimization evaluated", map[string]interface{}{
			"overall_improvement_pct": overall,
			"latency_pct":             latencyImp,
			"success_pct":             successImp,
			"cost_pct":                costImp,
		})
	}

	o.mu.Lock()
	o.history = append(o.history, result)
	if len(o.history) > optimizationHistoryCap {
		o.history = o.history[len(o.history)-optimizationHistoryCap:]
	}
	o.mu.Unlock()
}

func (o *RoutingOptimizer) recordActivation(name, operation string, success bool, durationMs int64, errMsg string) {
	if o.activations == nil {
		return
	}
	o.activations.Record(ActivationOperation{
		FlagName:   name,
		Operation:  operation,
		Timestamp:  time.Now(),
		Success:    success,
		DurationMs: durationMs,
		Error:      errMsg,
	})
}

// improvementPct converts a baseline/current pair into a signed percentage
// where positive always means better.
func improvementPct(baseline, current float64, lowerIsBetter bool) float64 {
	if baseline == 0 {
		return 0
	}
	change := (current - baseline) / baseline * 100
	if lowerIsBetter {
		return -change
	}
	return change
}
