// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package steering

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"axonflow/controlplane/shared/logger"
	"axonflow/controlplane/shared/types"
)

// healthSource is the slice of the health monitor the orchestrator needs.
type healthSource interface {
	Collect() *HealthMetrics
	Run(ctx context.Context)
}

// optimizationRunner is the slice of the routing optimizer the orchestrator
// needs.
type optimizationRunner interface {
	RunCycle()
	Run(ctx context.Context)
}

// OrchestratorAutoExecute gates which recommendations run without a human.
type OrchestratorAutoExecute struct {
	Enabled          bool     `json:"enabled" yaml:"enabled"`
	MaxPriorityLevel int      `json:"max_priority_level" yaml:"max_priority_level"`
	RequiresApproval []string `json:"requires_approval" yaml:"requires_approval"`
}

// OrchestratorConfig tunes the decision loop.
type OrchestratorConfig struct {
	HealthScoreThreshold float64 `json:"health_score_threshold" yaml:"health_score_threshold"`

	// CriticalAnomalyThreshold is the number of critical anomalies that
	// forces an optimization pass.
	CriticalAnomalyThreshold int `json:"critical_anomaly_threshold" yaml:"critical_anomaly_threshold"`

	// HighPriorityThreshold is the number of priority>=8 recommendations
	// that forces an optimization pass.
	HighPriorityThreshold int `json:"high_priority_threshold" yaml:"high_priority_threshold"`

	// Interval is the decision cadence, at least the health check
	// interval; the default is twice it.
	Interval time.Duration `json:"interval" yaml:"interval"`

	// SettleDelay is how long to wait after executing recommendations
	// before re-measuring their impact.
	SettleDelay time.Duration `json:"settle_delay" yaml:"settle_delay"`

	AutoExecute OrchestratorAutoExecute `json:"auto_execute" yaml:"auto_execute"`
}

// DefaultOrchestratorConfig returns the production defaults.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		HealthScoreThreshold:     0.8,
		CriticalAnomalyThreshold: 1,
		HighPriorityThreshold:    2,
		Interval:                 time.Minute,
		SettleDelay:              5 * time.Second,
		AutoExecute: OrchestratorAutoExecute{
			Enabled:          true,
			MaxPriorityLevel: 7,
			RequiresApproval: []string{CategoryScaling, CategoryMaintenance},
		},
	}
}

// SkippedRecommendation records a recommendation the policy gates held back.
type SkippedRecommendation struct {
	Recommendation Recommendation `json:"recommendation"`
	Reason         string         `json:"reason"`
}

// OrchestrationResult is one decision cycle that chose to optimize.
type OrchestrationResult struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	TriggeredBy []string  `json:"triggered_by"`

	Executed []Recommendation        `json:"executed"`
	Skipped  []SkippedRecommendation `json:"skipped"`

	HealthImprovement  float64 `json:"health_improvement"`
	PerformanceGainPct float64 `json:"performance_gain_pct"`
	IssuesResolved     int     `json:"issues_resolved"`
}

// orchestrationHistoryCap bounds the retained results.
const orchestrationHistoryCap = 100

// SystemOrchestrator owns the health monitor and optimizer lifecycles and
// executes health recommendations subject to the auto-execute policy.
type SystemOrchestrator struct {
	config    OrchestratorConfig
	health    healthSource
	optimizer optimizationRunner
	deploy    types.DeploymentControl
	log       *logger.Logger

	// tightenSecurity handles security-category recommendations; wired to
	// the guardrails layer at startup.
	tightenSecurity func(ctx context.Context) error

	// cleanup handles maintenance-category recommendations.
	cleanup func(ctx context.Context) error

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	history []OrchestrationResult
}

// NewSystemOrchestrator creates an orchestrator over the given monitor and
// optimizer. Zero config values fall back to defaults.
func NewSystemOrchestrator(config OrchestratorConfig, health *HealthMonitor, optimizer *RoutingOptimizer, deploy types.DeploymentControl, log *logger.Logger) *SystemOrchestrator {
	def := DefaultOrchestratorConfig()
	if config.HealthScoreThreshold <= 0 {
		config.HealthScoreThreshold = def.HealthScoreThreshold
	}
	if config.CriticalAnomalyThreshold <= 0 {
		config.CriticalAnomalyThreshold = def.CriticalAnomalyThreshold
	}
	if config.HighPriorityThreshold <= 0 {
		config.HighPriorityThreshold = def.HighPriorityThreshold
	}
	if config.Interval <= 0 {
		config.Interval = 2 * health.config.CheckInterval
	}
	if config.SettleDelay <= 0 {
		config.SettleDelay = def.SettleDelay
	}
	if config.AutoExecute.MaxPriorityLevel <= 0 {
		config.AutoExecute.MaxPriorityLevel = def.AutoExecute.MaxPriorityLevel
	}
	if config.AutoExecute.RequiresApproval == nil {
		config.AutoExecute.RequiresApproval = def.AutoExecute.RequiresApproval
	}
	if log == nil {
		log = logger.New("orchestrator")
	}

	return &SystemOrchestrator{
		config:    config,
		health:    health,
		optimizer: optimizer,
		deploy:    deploy,
		log:       log,
	}
}

// SetSecurityHandler wires the handler for security-category
// recommendations.
func (s *SystemOrchestrator) SetSecurityHandler(fn func(ctx context.Context) error) {
	s.tightenSecurity = fn
}

// SetCleanupHandler wires the handler for maintenance-category
// recommendations.
func (s *SystemOrchestrator) SetCleanupHandler(fn func(ctx context.Context) error) {
	s.cleanup = fn
}

// Start launches the health monitor loop, the optimizer loop, and the
// decision loop. It fails when already running.
func (s *SystemOrchestrator) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("orchestrator already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.health.Run(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.optimizer.Run(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		runEvery(runCtx, s.config.Interval, s.log, "orchestration-decision", func() {
			s.RunDecisionCycle(runCtx)
		})
	}()

	s.log.Info("", "", "Orchestrator started", map[string]interface{}{
		"interval": s.config.Interval.String(),
	})
	return nil
}

// Stop cancels the loops and waits for them to exit.
func (s *SystemOrchestrator) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.log.Info("", "", "Orchestrator stopped", nil)
}

// History returns up to limit orchestration results, oldest first.
func (s *SystemOrchestrator) History(limit int) []OrchestrationResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]OrchestrationResult, limit)
	copy(out, s.history[n-limit:])
	return out
}

// RunDecisionCycle measures health, decides whether to optimize, executes
// eligible recommendations, and records the measured impact.
func (s *SystemOrchestrator) RunDecisionCycle(ctx context.Context) {
	before := s.health.Collect()
	triggers := s.optimizationTriggers(before)
	if len(triggers) == 0 {
		return
	}

	result := OrchestrationResult{
		ID:          uuid.New().String(),
		Timestamp:   time.Now(),
		TriggeredBy: triggers,
	}

	for _, rec := range before.Recommendations {
		if reason, ok := s.executionBlocked(rec); ok {
			result.Skipped = append(result.Skipped, SkippedRecommendation{Recommendation: rec, Reason: reason})
			continue
		}
		if err := s.execute(ctx, rec); err != nil {
			s.log.Error("", "", "Recommendation execution failed", map[string]interface{}{
				"category": rec.Category,
				"priority": rec.Priority,
				"error":    err.Error(),
			})
			result.Skipped = append(result.Skipped, SkippedRecommendation{Recommendation: rec, Reason: "execution failed: " + err.Error()})
			continue
		}
		result.Executed = append(result.Executed, rec)
	}

	if len(result.Executed) > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.config.SettleDelay):
		}
		after := s.health.Collect()
		result.HealthImprovement = after.Overall - before.Overall
		result.PerformanceGainPct = performanceGain(before.Performance, after.Performance)
		resolved := len(before.Anomalies) - len(after.Anomalies)
		if resolved < 0 {
			resolved = 0
		}
		result.IssuesResolved = resolved
	}

	s.mu.Lock()
	s.history = append(s.history, result)
	if len(s.history) > orchestrationHistoryCap {
		s.history = s.history[len(s.history)-orchestrationHistoryCap:]
	}
	s.mu.Unlock()

	s.log.Info("", "", "Orchestration cycle completed", map[string]interface{}{
		"triggered_by":       triggers,
		"executed":           len(result.Executed),
		"skipped":            len(result.Skipped),
		"health_improvement": result.HealthImprovement,
		"issues_resolved":    result.IssuesResolved,
	})
}

// optimizationTriggers returns the conditions that warrant an optimization
// pass, empty when the system is healthy enough to leave alone.
func (s *SystemOrchestrator) optimizationTriggers(m *HealthMetrics) []string {
	var triggers []string

	if m.Overall < s.config.HealthScoreThreshold {
		triggers = append(triggers, fmt.Sprintf("overall %.2f below threshold %.2f", m.Overall, s.config.HealthScoreThreshold))
	}

	critical := 0
	for _, a := range m.Anomalies {
		if a.Severity == AnomalyCritical {
			critical++
		}
	}
	if critical >= s.config.CriticalAnomalyThreshold {
		triggers = append(triggers, fmt.Sprintf("%d critical anomalies", critical))
	}

	highPriority := 0
	for _, rec := range m.Recommendations {
		if rec.Priority >= 8 {
			highPriority++
		}
	}
	if highPriority >= s.config.HighPriorityThreshold {
		triggers = append(triggers, fmt.Sprintf("%d high-priority recommendations", highPriority))
	}

	return triggers
}

// executionBlocked applies the auto-execute policy gates.
func (s *SystemOrchestrator) executionBlocked(rec Recommendation) (string, bool) {
	if !s.config.AutoExecute.Enabled {
		return "auto-execute disabled", true
	}
	if rec.Priority > s.config.AutoExecute.MaxPriorityLevel {
		return fmt.Sprintf("priority %d above auto-execute limit %d", rec.Priority, s.config.AutoExecute.MaxPriorityLevel), true
	}
	for _, category := range s.config.AutoExecute.RequiresApproval {
		if rec.Category == category {
			return "category " + category + " requires approval", true
		}
	}
	return "", false
}

// execute dispatches one recommendation to its category handler.
func (s *SystemOrchestrator) execute(ctx context.Context, rec Recommendation) error {
	switch rec.Category {
	case CategoryOptimization:
		s.optimizer.RunCycle()
		return nil

	case CategoryScaling:
		if s.deploy == nil {
			return fmt.Errorf("no deployment control configured")
		}
		return s.deploy.ScaleOut(ctx, "controlplane", 1)

	case CategoryMaintenance:
		if s.cleanup == nil {
			return fmt.Errorf("no cleanup handler configured")
		}
		return s.cleanup(ctx)

	case CategorySecurity:
		if s.tightenSecurity == nil {
			return fmt.Errorf("no security handler configured")
		}
		return s.tightenSecurity(ctx)

	default:
		return fmt.Errorf("unknown recommendation category %q", rec.Category)
	}
}

// performanceGain folds response time, throughput, and error rate deltas
// into one signed percentage; positive means better.
func performanceGain(before, after PerformanceMetrics) float64 {
	respImp := improvementPct(before.ResponseTimeMs, after.ResponseTimeMs, true)
	throughputImp := improvementPct(before.Throughput, after.Throughput, false)
	errImp := improvementPct(before.ErrorRate, after.ErrorRate, true)
	return 0.4*respImp + 0.4*throughputImp + 0.2*errImp
}
