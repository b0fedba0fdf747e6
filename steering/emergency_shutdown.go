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
	"axonflow/controlplane/sinks"
)

// ShutdownScope selects which serving surface an emergency shutdown takes
// offline.
type ShutdownScope string

const (
	ScopeAll               ShutdownScope = "ALL"
	ScopeDirect            ShutdownScope = "DIRECT"
	ScopeMediated          ShutdownScope = "MEDIATED"
	ScopeIntelligentRouter ShutdownScope = "INTELLIGENT_ROUTER"
	ScopeSupportMode       ShutdownScope = "SUPPORT_MODE"
)

// ShutdownReason classifies why a shutdown was triggered.
type ShutdownReason string

const (
	ReasonSecurityIncident        ShutdownReason = "security_incident"
	ReasonComplianceViolation     ShutdownReason = "compliance_violation"
	ReasonSystemFailure           ShutdownReason = "system_failure"
	ReasonPerformanceDegradation  ShutdownReason = "performance_degradation"
	ReasonCostOverrun             ShutdownReason = "cost_overrun"
	ReasonManualIntervention      ShutdownReason = "manual_intervention"
	ReasonCircuitBreakerTriggered ShutdownReason = "circuit_breaker_triggered"
	ReasonHealthCheckFailure      ShutdownReason = "health_check_failure"
)

var shutdownScopes = map[ShutdownScope]bool{
	ScopeAll:               true,
	ScopeDirect:            true,
	ScopeMediated:          true,
	ScopeIntelligentRouter: true,
	ScopeSupportMode:       true,
}

var shutdownReasons = map[ShutdownReason]bool{
	ReasonSecurityIncident:        true,
	ReasonComplianceViolation:     true,
	ReasonSystemFailure:           true,
	ReasonPerformanceDegradation:  true,
	ReasonCostOverrun:             true,
	ReasonManualIntervention:      true,
	ReasonCircuitBreakerTriggered: true,
	ReasonHealthCheckFailure:      true,
}

// shutdownHistoryCap bounds the retained shutdown events.
const shutdownHistoryCap = 100

// ShutdownEvent is one recorded emergency shutdown.
type ShutdownEvent struct {
	ID          string            `json:"id"`
	Scope       ShutdownScope     `json:"scope"`
	Reason      ShutdownReason    `json:"reason"`
	TriggeredBy string            `json:"triggered_by"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`

	// AffectedComponents lists the feature flags this event disabled.
	// Recovery re-enables exactly these, so flags that were already off
	// stay off.
	AffectedComponents []string `json:"affected_components"`

	Recovered   bool      `json:"recovered"`
	RecoveredAt time.Time `json:"recovered_at,omitempty"`
}

// ShutdownStatus is the manager's externally visible state.
type ShutdownStatus struct {
	IsShutdown       bool           `json:"is_shutdown"`
	EventID          string         `json:"event_id,omitempty"`
	Scope            ShutdownScope  `json:"scope,omitempty"`
	Reason           ShutdownReason `json:"reason,omitempty"`
	TriggeredBy      string         `json:"triggered_by,omitempty"`
	Since            time.Time      `json:"since,omitempty"`
	RecoveryAttempts int            `json:"recovery_attempts"`
}

// ShutdownThresholds are the automatic trigger limits.
type ShutdownThresholds struct {
	ErrorRate           float64 `json:"error_rate" yaml:"error_rate"`
	LatencyMs           float64 `json:"latency_ms" yaml:"latency_ms"`
	CostEuroPerHour     float64 `json:"cost_euro_per_hour" yaml:"cost_euro_per_hour"`
	ConsecutiveFailures int     `json:"consecutive_failures" yaml:"consecutive_failures"`
}

// ShutdownRecoveryConfig tunes automatic recovery.
type ShutdownRecoveryConfig struct {
	Enabled             bool          `json:"enabled" yaml:"enabled"`
	Delay               time.Duration `json:"delay" yaml:"delay"`
	HealthCheckInterval time.Duration `json:"health_check_interval" yaml:"health_check_interval"`
	MaxAttempts         int           `json:"max_attempts" yaml:"max_attempts"`
}

// ShutdownConfig tunes the emergency shutdown manager.
type ShutdownConfig struct {
	AutoTriggersEnabled bool                   `json:"auto_triggers_enabled" yaml:"auto_triggers_enabled"`
	CheckInterval       time.Duration          `json:"check_interval" yaml:"check_interval"`
	Thresholds          ShutdownThresholds     `json:"thresholds" yaml:"thresholds"`
	Recovery            ShutdownRecoveryConfig `json:"recovery" yaml:"recovery"`
}

// DefaultShutdownConfig returns the production defaults.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		AutoTriggersEnabled: true,
		CheckInterval:       30 * time.Second,
		Thresholds: ShutdownThresholds{
			ErrorRate:           0.1,
			LatencyMs:           5000,
			CostEuroPerHour:     100,
			ConsecutiveFailures: 5,
		},
		Recovery: ShutdownRecoveryConfig{
			Enabled:             true,
			Delay:               5 * time.Minute,
			HealthCheckInterval: 30 * time.Second,
			MaxAttempts:         3,
		},
	}
}

// ShutdownMetrics is the snapshot the automatic triggers evaluate.
type ShutdownMetrics struct {
	ErrorRate           float64
	AverageLatencyMs    float64
	CostEuroPerHour     float64
	ConsecutiveFailures int
}

// ShutdownMetricsFunc supplies current metrics to the trigger loop. The
// closure is built at wiring time from the monitors and the cost tracker.
type ShutdownMetricsFunc func() ShutdownMetrics

// EmergencyShutdown takes serving paths offline on demand or when metrics
// breach the configured thresholds, and brings them back once healthy.
// Shutdown state is sticky: it persists until a recovery succeeds or an
// operator recovers manually.
type EmergencyShutdown struct {
	config   ShutdownConfig
	flags    FlagStore
	breaker  *CircuitBreaker
	notifier *sinks.Notifier
	metrics  ShutdownMetricsFunc
	log      *logger.Logger

	mu               sync.Mutex
	active           *ShutdownEvent
	recoveryAttempts int
	recoverAfter     time.Time
	nextProbeAt      time.Time
	history          []ShutdownEvent
}

// NewEmergencyShutdown creates a shutdown manager. A nil notifier disables
// notifications; a nil metrics func disables automatic triggers and
// auto-recovery probing.
func NewEmergencyShutdown(config ShutdownConfig, flags FlagStore, breaker *CircuitBreaker, notifier *sinks.Notifier, metrics ShutdownMetricsFunc, log *logger.Logger) *EmergencyShutdown {
	def := DefaultShutdownConfig()
	if config.CheckInterval <= 0 {
		config.CheckInterval = def.CheckInterval
	}
	if config.Thresholds == (ShutdownThresholds{}) {
		config.Thresholds = def.Thresholds
	}
	if config.Recovery == (ShutdownRecoveryConfig{}) {
		config.Recovery = def.Recovery
	}
	if config.Recovery.Delay <= 0 {
		config.Recovery.Delay = def.Recovery.Delay
	}
	if config.Recovery.HealthCheckInterval <= 0 {
		config.Recovery.HealthCheckInterval = def.Recovery.HealthCheckInterval
	}
	if config.Recovery.MaxAttempts <= 0 {
		config.Recovery.MaxAttempts = def.Recovery.MaxAttempts
	}
	if log == nil {
		log = logger.New("emergency-shutdown")
	}

	return &EmergencyShutdown{
		config:   config,
		flags:    flags,
		breaker:  breaker,
		notifier: notifier,
		metrics:  metrics,
		log:      log,
	}
}

// Trigger takes the scope offline: disables its feature flags, force-opens
// its circuit breakers, and notifies operators. A trigger while a shutdown
// is active returns the active event and an error.
func (e *EmergencyShutdown) Trigger(ctx context.Context, scope ShutdownScope, reason ShutdownReason, triggeredBy string, metadata map[string]string) (*ShutdownEvent, error) {
	if !shutdownScopes[scope] {
		return nil, NewErrorf(ErrConfig, "unknown shutdown scope %q", scope)
	}
	if !shutdownReasons[reason] {
		return nil, NewErrorf(ErrConfig, "unknown shutdown reason %q", reason)
	}

	e.mu.Lock()
	if e.active != nil {
		active := *e.active
		e.mu.Unlock()
		return &active, NewErrorf(ErrConfig, "shutdown already active (event %s, scope %s)", active.ID, active.Scope)
	}

	event := ShutdownEvent{
		ID:          uuid.New().String(),
		Scope:       scope,
		Reason:      reason,
		TriggeredBy: triggeredBy,
		Metadata:    metadata,
		Timestamp:   time.Now(),
	}
	// Publish a copy so concurrent readers never observe the event while
	// the affected components are still being collected below.
	reserved := event
	e.active = &reserved
	e.recoveryAttempts = 0
	e.recoverAfter = event.Timestamp.Add(e.config.Recovery.Delay)
	e.nextProbeAt = time.Time{}
	e.mu.Unlock()

	for _, flag := range scopeFlags(scope) {
		if !e.flags.Get(flag) {
			continue
		}
		if err := e.flags.Set(ctx, flag, false, map[string]string{"shutdown_event": event.ID}); err != nil {
			e.log.Error("", "", "Failed to disable flag during shutdown", map[string]interface{}{
				"flag":  flag,
				"error": err.Error(),
			})
		}
		event.AffectedComponents = append(event.AffectedComponents, flag)
	}
	for _, path := range scopeBreakerPaths(scope) {
		e.breaker.ForceOpen(path)
	}

	e.mu.Lock()
	final := event
	e.active = &final
	e.history = append(e.history, event)
	if len(e.history) > shutdownHistoryCap {
		e.history = e.history[len(e.history)-shutdownHistoryCap:]
	}
	e.mu.Unlock()

	promShutdownEvents.WithLabelValues(string(scope), string(reason)).Inc()
	e.log.Error("", "", "EMERGENCY_SHUTDOWN", map[string]interface{}{
		"event_id":     event.ID,
		"scope":        string(scope),
		"reason":       string(reason),
		"triggered_by": triggeredBy,
		"flags":        event.AffectedComponents,
	})
	e.notify(ctx, "Emergency shutdown triggered",
		fmt.Sprintf("scope=%s reason=%s triggered_by=%s event=%s", scope, reason, triggeredBy, event.ID))

	out := event
	return &out, nil
}

// Recover restores the active shutdown immediately, regardless of current
// metrics. Used by the admin recovery endpoint.
func (e *EmergencyShutdown) Recover(ctx context.Context, recoveredBy string) error {
	if !e.restore(ctx, recoveredBy) {
		return NewError(ErrConfig, "no active shutdown to recover")
	}
	return nil
}

// Status returns the current shutdown state.
func (e *EmergencyShutdown) Status() ShutdownStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	status := ShutdownStatus{RecoveryAttempts: e.recoveryAttempts}
	if e.active != nil {
		status.IsShutdown = true
		status.EventID = e.active.ID
		status.Scope = e.active.Scope
		status.Reason = e.active.Reason
		status.TriggeredBy = e.active.TriggeredBy
		status.Since = e.active.Timestamp
	}
	return status
}

// Active reports whether a shutdown is in effect.
func (e *EmergencyShutdown) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active != nil
}

// BlocksServing reports whether the active shutdown halts all request
// serving. Scoped shutdowns leave the unaffected path open and act through
// flags and force-opened breakers instead.
func (e *EmergencyShutdown) BlocksServing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active != nil && e.active.Scope == ScopeAll
}

// History returns up to limit shutdown events, oldest first.
func (e *EmergencyShutdown) History(limit int) []ShutdownEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]ShutdownEvent, limit)
	copy(out, e.history[n-limit:])
	return out
}

// Run evaluates automatic triggers and recovery probes on the configured
// cadence until ctx is canceled.
func (e *EmergencyShutdown) Run(ctx context.Context) {
	runEvery(ctx, e.config.CheckInterval, e.log, "shutdown-check", func() {
		e.evaluate(ctx)
	})
}

// evaluate runs one trigger/recovery check. Split out from Run so tests can
// drive it directly.
func (e *EmergencyShutdown) evaluate(ctx context.Context) {
	e.mu.Lock()
	active := e.active != nil
	e.mu.Unlock()

	if !active {
		e.checkAutoTriggers(ctx)
		return
	}
	e.probeRecovery(ctx)
}

func (e *EmergencyShutdown) checkAutoTriggers(ctx context.Context) {
	if !e.config.AutoTriggersEnabled || e.metrics == nil {
		return
	}

	m := e.metrics()
	reason, detail, fired := e.breachedThreshold(m)
	if !fired {
		return
	}

	if _, err := e.Trigger(ctx, ScopeAll, reason, "auto-trigger", detail); err != nil {
		e.log.Error("", "", "Automatic shutdown trigger failed", map[string]interface{}{"error": err.Error()})
	}
}

// breachedThreshold checks the metrics against the configured limits and
// returns the reason for the first breach found.
func (e *EmergencyShutdown) breachedThreshold(m ShutdownMetrics) (ShutdownReason, map[string]string, bool) {
	t := e.config.Thresholds
	switch {
	case m.ErrorRate >= t.ErrorRate:
		return ReasonPerformanceDegradation,
			map[string]string{"metric": "error_rate", "value": fmt.Sprintf("%.3f", m.ErrorRate)}, true
	case m.AverageLatencyMs >= t.LatencyMs:
		return ReasonPerformanceDegradation,
			map[string]string{"metric": "latency_ms", "value": fmt.Sprintf("%.0f", m.AverageLatencyMs)}, true
	case m.CostEuroPerHour >= t.CostEuroPerHour:
		return ReasonCostOverrun,
			map[string]string{"metric": "cost_euro_per_hour", "value": fmt.Sprintf("%.2f", m.CostEuroPerHour)}, true
	case m.ConsecutiveFailures >= t.ConsecutiveFailures:
		return ReasonCircuitBreakerTriggered,
			map[string]string{"metric": "consecutive_failures", "value": fmt.Sprintf("%d", m.ConsecutiveFailures)}, true
	}
	return "", nil, false
}

func (e *EmergencyShutdown) probeRecovery(ctx context.Context) {
	if !e.config.Recovery.Enabled || e.metrics == nil {
		return
	}

	now := time.Now()
	e.mu.Lock()
	if now.Before(e.recoverAfter) || now.Before(e.nextProbeAt) {
		e.mu.Unlock()
		return
	}
	if e.recoveryAttempts >= e.config.Recovery.MaxAttempts {
		e.mu.Unlock()
		return
	}
	e.recoveryAttempts++
	attempt := e.recoveryAttempts
	e.nextProbeAt = now.Add(e.config.Recovery.HealthCheckInterval)
	e.mu.Unlock()

	m := e.metrics()
	if _, detail, breached := e.breachedThreshold(m); breached {
		fields := map[string]interface{}{"attempt": attempt, "max": e.config.Recovery.MaxAttempts}
		for k, v := range detail {
			fields[k] = v
		}
		if attempt >= e.config.Recovery.MaxAttempts {
			e.log.Error("", "", "Recovery attempts exhausted, manual recovery required", fields)
			e.notify(ctx, "Emergency shutdown recovery failed",
				fmt.Sprintf("all %d recovery attempts failed; manual recovery required", attempt))
		} else {
			e.log.Warn("", "", "Recovery probe still unhealthy", fields)
		}
		return
	}

	e.restore(ctx, "auto-recovery")
}

// restore re-enables the flags the active event disabled, resets the scope's
// circuit breakers, and clears the shutdown state. Returns false when no
// shutdown is active.
func (e *EmergencyShutdown) restore(ctx context.Context, recoveredBy string) bool {
	e.mu.Lock()
	if e.active == nil {
		e.mu.Unlock()
		return false
	}
	event := *e.active
	e.active = nil
	e.recoveryAttempts = 0
	e.recoverAfter = time.Time{}
	e.nextProbeAt = time.Time{}
	now := time.Now()
	for i := len(e.history) - 1; i >= 0; i-- {
		if e.history[i].ID == event.ID {
			e.history[i].Recovered = true
			e.history[i].RecoveredAt = now
			break
		}
	}
	e.mu.Unlock()

	for _, flag := range event.AffectedComponents {
		if err := e.flags.Set(ctx, flag, true, map[string]string{"shutdown_event": event.ID, "recovery": "true"}); err != nil {
			e.log.Error("", "", "Failed to re-enable flag during recovery", map[string]interface{}{
				"flag":  flag,
				"error": err.Error(),
			})
		}
	}
	for _, path := range scopeBreakerPaths(event.Scope) {
		e.breaker.Reset(path)
	}

	e.log.Info("", "", "EMERGENCY_SHUTDOWN_RECOVERED", map[string]interface{}{
		"event_id":     event.ID,
		"scope":        string(event.Scope),
		"recovered_by": recoveredBy,
		"flags":        event.AffectedComponents,
	})
	e.notify(ctx, "Emergency shutdown recovered",
		fmt.Sprintf("scope=%s recovered_by=%s event=%s", event.Scope, recoveredBy, event.ID))
	return true
}

// notify fans out to chat and pager. Delivery failures are logged by the
// notifier and never propagate.
func (e *EmergencyShutdown) notify(ctx context.Context, subject, body string) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(ctx, sinks.ChannelChat, subject, body)
	e.notifier.Notify(ctx, sinks.ChannelPager, subject, body)
}

// scopeFlags maps a scope to the feature flags it disables.
func scopeFlags(scope ShutdownScope) []string {
	switch scope {
	case ScopeAll:
		return []string{FlagDirectRouting, FlagMediatedRouting, FlagIntelligentRouting}
	case ScopeDirect:
		return []string{FlagDirectRouting}
	case ScopeMediated:
		return []string{FlagMediatedRouting}
	case ScopeIntelligentRouter:
		return []string{FlagIntelligentRouting}
	case ScopeSupportMode:
		return []string{FlagSupportMode}
	default:
		return nil
	}
}

// scopeBreakerPaths maps a scope to the circuit paths it force-opens.
// Flag-only scopes return none; their paths stay healthy for other traffic.
func scopeBreakerPaths(scope ShutdownScope) []string {
	switch scope {
	case ScopeAll:
		return []string{string(RouteDirect), string(RouteMediated)}
	case ScopeDirect:
		return []string{string(RouteDirect)}
	case ScopeMediated:
		return []string{string(RouteMediated)}
	default:
		return nil
	}
}
