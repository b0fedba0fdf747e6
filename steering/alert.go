// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package steering

import (
	"sync"
	"time"
)

// AlertSeverity grades how urgently an alert needs attention.
type AlertSeverity string

const (
	// AlertSeverityInfo is informational only.
	AlertSeverityInfo AlertSeverity = "info"

	// AlertSeverityWarning indicates degradation that needs review.
	AlertSeverityWarning AlertSeverity = "warning"

	// AlertSeverityCritical indicates an active breach of a hard target.
	AlertSeverityCritical AlertSeverity = "critical"
)

// Alert types emitted by the monitors.
const (
	AlertTypeLatencySpike    = "latency_spike"
	AlertTypeP95Breach       = "p95_breach"
	AlertTypeCacheMissRate   = "cache_miss_rate"
	AlertTypeDataDrift       = "data_drift"
	AlertTypePromptDrift     = "prompt_drift"
	AlertTypeRegression      = "performance_regression"
	AlertTypeQualityFloor    = "quality_floor"
	AlertTypeToxicityCeiling = "toxicity_ceiling"
	AlertTypeActivationRate  = "activation_failure_rate"
	AlertTypeShutdown        = "emergency_shutdown"
)

// Alert is one monitoring finding. Depending on the emitting monitor it is
// scoped to an operation (latency), a path (routing), or a shutdown scope.
type Alert struct {
	Type            string        `json:"type"`
	Severity        AlertSeverity `json:"severity"`
	Operation       string        `json:"operation,omitempty"`
	Path            string        `json:"path,omitempty"`
	Scope           string        `json:"scope,omitempty"`
	Message         string        `json:"message"`
	CurrentValue    float64       `json:"current_value"`
	Threshold       float64       `json:"threshold"`
	Timestamp       time.Time     `json:"timestamp"`
	Recommendations []string      `json:"recommendations,omitempty"`
}

// defaultAlertRetention is how long alerts stay queryable.
const defaultAlertRetention = 24 * time.Hour

// AlertLog is a time-bounded, append-only alert store shared by the
// monitors. Alerts older than the retention window are dropped on append
// and on read. Safe for concurrent use.
type AlertLog struct {
	mu        sync.Mutex
	retention time.Duration
	alerts    []Alert
}

// NewAlertLog creates an alert log with the given retention. Zero or
// negative retention uses the 24 h default.
func NewAlertLog(retention time.Duration) *AlertLog {
	if retention <= 0 {
		retention = defaultAlertRetention
	}
	return &AlertLog{retention: retention}
}

// Append records an alert. A zero timestamp is set to now.
func (l *AlertLog) Append(a Alert) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(time.Now())
	l.alerts = append(l.alerts, a)
}

// Snapshot returns a copy of all retained alerts, ordered by append time.
func (l *AlertLog) Snapshot() []Alert {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(time.Now())

	out := make([]Alert, len(l.alerts))
	copy(out, l.alerts)
	return out
}

// SnapshotByType returns retained alerts matching the given type.
func (l *AlertLog) SnapshotByType(alertType string) []Alert {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(time.Now())

	var out []Alert
	for _, a := range l.alerts {
		if a.Type == alertType {
			out = append(out, a)
		}
	}
	return out
}

// Count returns the number of retained alerts.
func (l *AlertLog) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(time.Now())
	return len(l.alerts)
}

// prune drops alerts past retention. Callers must hold l.mu.
func (l *AlertLog) prune(now time.Time) {
	cutoff := now.Add(-l.retention)
	idx := 0
	for idx < len(l.alerts) && l.alerts[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		l.alerts = append([]Alert(nil), l.alerts[idx:]...)
	}
}
