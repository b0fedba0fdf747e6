// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package steering

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"axonflow/controlplane/shared/logger"
)

// ActivationOperation records one feature-flag or routing-rule mutation.
type ActivationOperation struct {
	FlagName    string    `json:"flag_name"`
	Operation   string    `json:"operation"`
	Timestamp   time.Time `json:"timestamp"`
	Success     bool      `json:"success"`
	DurationMs  int64     `json:"duration_ms"`
	Error       string    `json:"error,omitempty"`
	Environment string    `json:"environment,omitempty"`
}

// ActivationConfig tunes the activation monitor.
type ActivationConfig struct {
	// SuccessRateThreshold is the percentage below which the monitor
	// raises a warning, given enough operations in the window.
	SuccessRateThreshold float64 `json:"success_rate_threshold" yaml:"success_rate_threshold"`

	// WarningThreshold is the percentage below which the warning
	// escalates to critical.
	WarningThreshold float64 `json:"warning_threshold" yaml:"warning_threshold"`

	// MaxOperationDurationMs marks operations slower than this as slow.
	MaxOperationDurationMs int64 `json:"max_operation_duration_ms" yaml:"max_operation_duration_ms"`

	// RetentionDays bounds how long operations are kept.
	RetentionDays int `json:"retention_days" yaml:"retention_days"`

	// BatchSize caps audit reads and the affected-flag scan.
	BatchSize int `json:"batch_size" yaml:"batch_size"`
}

// DefaultActivationConfig returns the production defaults.
func DefaultActivationConfig() ActivationConfig {
	return ActivationConfig{
		SuccessRateThreshold:   99.0,
		WarningThreshold:       95.0,
		MaxOperationDurationMs: 5000,
		RetentionDays:          30,
		BatchSize:              100,
	}
}

// minActivationSample is the operation count below which no success-rate
// alert fires.
const minActivationSample = 5

// activationCheckInterval is how often the periodic loop evaluates
// thresholds and prunes expired operations.
const activationCheckInterval = 5 * time.Minute

// ActivationStats summarizes flag operations over one time window.
type ActivationStats struct {
	Window            string   `json:"window"`
	TotalOperations   int      `json:"total_operations"`
	SuccessOperations int      `json:"success_operations"`
	FailedOperations  int      `json:"failed_operations"`
	SuccessRate       float64  `json:"success_rate"`
	AvgDurationMs     float64  `json:"avg_duration_ms"`
	P95DurationMs     int64    `json:"p95_duration_ms"`
	P99DurationMs     int64    `json:"p99_duration_ms"`
	SlowOperations    int      `json:"slow_operations"`
	AffectedFlags     []string `json:"affected_flags,omitempty"`
}

// ActivationMonitor records flag and rule mutations and alerts when their
// success rate degrades.
type ActivationMonitor struct {
	config ActivationConfig
	alerts *AlertLog
	log    *logger.Logger

	mu         sync.RWMutex
	operations []ActivationOperation
}

// NewActivationMonitor creates an activation monitor. A zero config uses
// the defaults.
func NewActivationMonitor(config ActivationConfig, alerts *AlertLog, log *logger.Logger) *ActivationMonitor {
	if config == (ActivationConfig{}) {
		config = DefaultActivationConfig()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.RetentionDays <= 0 {
		config.RetentionDays = 30
	}
	if alerts == nil {
		alerts = NewAlertLog(0)
	}
	if log == nil {
		log = logger.New("activation-monitor")
	}

	return &ActivationMonitor{
		config: config,
		alerts: alerts,
		log:    log,
	}
}

// Record stores one operation. A zero timestamp is set to now.
func (m *ActivationMonitor) Record(op ActivationOperation) {
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now()
	}

	m.mu.Lock()
	m.pruneLocked(time.Now())
	m.operations = append(m.operations, op)
	m.mu.Unlock()

	if !op.Success {
		m.log.Warn("", "", "Flag operation failed", map[string]interface{}{
			"flag":      op.FlagName,
			"operation": op.Operation,
			"error":     op.Error,
		})
	}
}

// Stats computes activation statistics over the given window. Windows are
// written as "<n>m", "<n>h", or "<n>d".
func (m *ActivationMonitor) Stats(window string) (*ActivationStats, error) {
	d, err := parseWindow(window)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-d)
	m.mu.RLock()
	ops := make([]ActivationOperation, 0, len(m.operations))
	for _, op := range m.operations {
		if op.Timestamp.After(cutoff) {
			ops = append(ops, op)
		}
	}
	m.mu.RUnlock()

	stats := &ActivationStats{Window: window, TotalOperations: len(ops), SuccessRate: 100}
	if len(ops) == 0 {
		return stats, nil
	}

	durations := make([]int64, 0, len(ops))
	var durationSum int64
	seen := make(map[string]bool)
	for _, op := range ops {
		durations = append(durations, op.DurationMs)
		durationSum += op.DurationMs
		if op.DurationMs > m.config.MaxOperationDurationMs {
			stats.SlowOperations++
		}
		if op.Success {
			stats.SuccessOperations++
			continue
		}
		stats.FailedOperations++
		if !seen[op.FlagName] && len(stats.AffectedFlags) < m.config.BatchSize {
			seen[op.FlagName] = true
			stats.AffectedFlags = append(stats.AffectedFlags, op.FlagName)
		}
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	stats.SuccessRate = float64(stats.SuccessOperations) / float64(len(ops)) * 100
	stats.AvgDurationMs = float64(durationSum) / float64(len(ops))
	stats.P95DurationMs = percentileInt64(durations, 0.95)
	stats.P99DurationMs = percentileInt64(durations, 0.99)
	return stats, nil
}

// CheckThresholds evaluates the last hour and raises a success-rate alert
// when enough operations degrade past the configured thresholds.
func (m *ActivationMonitor) CheckThresholds() {
	stats, err := m.Stats("1h")
	if err != nil {
		return
	}
	if stats.TotalOperations < minActivationSample {
		return
	}
	if stats.SuccessRate >= m.config.SuccessRateThreshold {
		return
	}

	severity := AlertSeverityWarning
	threshold := m.config.SuccessRateThreshold
	if stats.SuccessRate < m.config.WarningThreshold {
		severity = AlertSeverityCritical
		threshold = m.config.WarningThreshold
	}

	recommendations := []string{"Verify flag store backend connectivity"}
	if len(stats.AffectedFlags) > 0 {
		recommendations = append(recommendations,
			fmt.Sprintf("Inspect recent failures for flags: %s", strings.Join(stats.AffectedFlags, ", ")))
	}

	m.alerts.Append(Alert{
		Type:            AlertTypeActivationRate,
		Severity:        severity,
		Operation:       "flag_activation",
		Message:         fmt.Sprintf("Flag activation success rate %.1f%% over the last hour", stats.SuccessRate),
		CurrentValue:    stats.SuccessRate,
		Threshold:       threshold,
		Recommendations: recommendations,
	})
}

// RecentOperations returns up to limit operations, newest first. Limits
// outside (0, BatchSize] use BatchSize.
func (m *ActivationMonitor) RecentOperations(limit int) []ActivationOperation {
	if limit <= 0 || limit > m.config.BatchSize {
		limit = m.config.BatchSize
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	n := len(m.operations)
	if limit > n {
		limit = n
	}
	out := make([]ActivationOperation, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.operations[i])
	}
	return out
}

// Cleanup drops operations past the retention window.
func (m *ActivationMonitor) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(time.Now())
}

// pruneLocked drops expired operations. Callers must hold m.mu.
func (m *ActivationMonitor) pruneLocked(now time.Time) {
	cutoff := now.AddDate(0, 0, -m.config.RetentionDays)
	idx := 0
	for idx < len(m.operations) && m.operations[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		m.operations = append([]ActivationOperation(nil), m.operations[idx:]...)
	}
}

// Run evaluates thresholds and prunes retention on a fixed cadence until
// ctx is canceled.
func (m *ActivationMonitor) Run(ctx context.Context) {
	runEvery(ctx, activationCheckInterval, m.log, "activation-threshold-check", func() {
		m.Cleanup()
		m.CheckThresholds()
	})
}

// parseWindow parses a "<n>m", "<n>h", or "<n>d" window string.
func parseWindow(window string) (time.Duration, error) {
	if len(window) < 2 {
		return 0, NewErrorf(ErrConfig, "invalid time window %q: use <n>m, <n>h, or <n>d", window)
	}

	n, err := strconv.Atoi(window[:len(window)-1])
	if err != nil || n <= 0 {
		return 0, NewErrorf(ErrConfig, "invalid time window %q: use <n>m, <n>h, or <n>d", window)
	}

	switch window[len(window)-1] {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, NewErrorf(ErrConfig, "invalid time window %q: use <n>m, <n>h, or <n>d", window)
	}
}
