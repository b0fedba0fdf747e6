// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package steering

import (
	"fmt"
	"math"
	"sync"
	"time"

	"axonflow/controlplane/shared/logger"
)

// DistributionStats describes one observed distribution.
type DistributionStats struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	P50    float64 `json:"p50"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
}

// ModelSnapshot captures one provider/model's behavior over an observation
// window. Baseline snapshots are declared; current snapshots are refreshed
// from production traffic.
type ModelSnapshot struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`

	// PromptStats is the prompt length distribution.
	PromptStats DistributionStats `json:"prompt_stats"`

	// DataStats is the input feature distribution.
	DataStats DistributionStats `json:"data_stats"`

	// LatencyMs is the serving latency distribution.
	LatencyMs DistributionStats `json:"latency_ms"`

	Accuracy     float64   `json:"accuracy"`
	ErrorRate    float64   `json:"error_rate"`
	QualityScore float64   `json:"quality_score"`
	ToxicityRate float64   `json:"toxicity_rate"`
	Timestamp    time.Time `json:"timestamp"`
}

// DriftThresholds are the warning/critical limits per drift category.
type DriftThresholds struct {
	DataDriftWarning  float64 `json:"data_drift_warning"`
	DataDriftCritical float64 `json:"data_drift_critical"`

	PromptDriftWarning  float64 `json:"prompt_drift_warning"`
	PromptDriftCritical float64 `json:"prompt_drift_critical"`

	LatencyRegressionWarning  float64 `json:"latency_regression_warning"`
	LatencyRegressionCritical float64 `json:"latency_regression_critical"`

	AccuracyRegressionWarning  float64 `json:"accuracy_regression_warning"`
	AccuracyRegressionCritical float64 `json:"accuracy_regression_critical"`

	ErrorRateRegressionWarning  float64 `json:"error_rate_regression_warning"`
	ErrorRateRegressionCritical float64 `json:"error_rate_regression_critical"`

	QualityWarningFloor  float64 `json:"quality_warning_floor"`
	QualityCriticalFloor float64 `json:"quality_critical_floor"`

	ToxicityWarningCeiling  float64 `json:"toxicity_warning_ceiling"`
	ToxicityCriticalCeiling float64 `json:"toxicity_critical_ceiling"`
}

// DefaultDriftThresholds returns the production defaults.
func DefaultDriftThresholds() DriftThresholds {
	return DriftThresholds{
		DataDriftWarning:            0.3,
		DataDriftCritical:           0.5,
		PromptDriftWarning:          0.2,
		PromptDriftCritical:         0.4,
		LatencyRegressionWarning:    0.20,
		LatencyRegressionCritical:   0.50,
		AccuracyRegressionWarning:   0.10,
		AccuracyRegressionCritical:  0.20,
		ErrorRateRegressionWarning:  0.10,
		ErrorRateRegressionCritical: 0.20,
		QualityWarningFloor:         0.8,
		QualityCriticalFloor:        0.7,
		ToxicityWarningCeiling:      0.10,
		ToxicityCriticalCeiling:     0.20,
	}
}

// DriftReport is the outcome of comparing a current snapshot against the
// declared baseline.
type DriftReport struct {
	Provider            string    `json:"provider"`
	Model               string    `json:"model"`
	DataDriftScore      float64   `json:"data_drift_score"`
	PromptDriftScore    float64   `json:"prompt_drift_score"`
	LatencyRegression   float64   `json:"latency_regression"`
	AccuracyRegression  float64   `json:"accuracy_regression"`
	ErrorRateRegression float64   `json:"error_rate_regression"`
	QualityScore        float64   `json:"quality_score"`
	ToxicityRate        float64   `json:"toxicity_rate"`
	Healthy             bool      `json:"healthy"`
	Timestamp           time.Time `json:"timestamp"`
}

// DriftMonitor compares declared model baselines against current behavior
// and alerts on drift, regression, quality, and toxicity findings.
type DriftMonitor struct {
	thresholds DriftThresholds
	alerts     *AlertLog
	log        *logger.Logger

	mu        sync.RWMutex
	baselines map[string]ModelSnapshot
	current   map[string]ModelSnapshot
	reports   map[string]DriftReport
}

// NewDriftMonitor creates a drift monitor with the given thresholds. A zero
// thresholds value uses the defaults.
func NewDriftMonitor(thresholds DriftThresholds, alerts *AlertLog, log *logger.Logger) *DriftMonitor {
	if thresholds == (DriftThresholds{}) {
		thresholds = DefaultDriftThresholds()
	}
	if alerts == nil {
		alerts = NewAlertLog(0)
	}
	if log == nil {
		log = logger.New("drift-monitor")
	}

	return &DriftMonitor{
		thresholds: thresholds,
		alerts:     alerts,
		log:        log,
		baselines:  make(map[string]ModelSnapshot),
		current:    make(map[string]ModelSnapshot),
		reports:    make(map[string]DriftReport),
	}
}

func modelKey(provider, model string) string {
	return provider + "/" + model
}

// SetBaseline declares the reference snapshot for a provider/model.
func (m *DriftMonitor) SetBaseline(s ModelSnapshot) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}

	m.mu.Lock()
	m.baselines[modelKey(s.Provider, s.Model)] = s
	m.mu.Unlock()

	m.log.Info("", "", "Model baseline declared", map[string]interface{}{
		"provider": s.Provider,
		"model":    s.Model,
	})
}

// UpdateCurrent stores the latest observed snapshot and, when a baseline
// exists, evaluates it immediately.
func (m *DriftMonitor) UpdateCurrent(s ModelSnapshot) (*DriftReport, error) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}

	key := modelKey(s.Provider, s.Model)
	m.mu.Lock()
	m.current[key] = s
	_, hasBaseline := m.baselines[key]
	m.mu.Unlock()

	if !hasBaseline {
		return nil, nil
	}
	return m.Evaluate(s.Provider, s.Model)
}

// Evaluate compares the current snapshot against the baseline and raises
// alerts for every category past its threshold.
func (m *DriftMonitor) Evaluate(provider, model string) (*DriftReport, error) {
	key := modelKey(provider, model)

	m.mu.RLock()
	base, okBase := m.baselines[key]
	cur, okCur := m.current[key]
	m.mu.RUnlock()

	if !okBase {
		return nil, fmt.Errorf("no baseline declared for %s", key)
	}
	if !okCur {
		return nil, fmt.Errorf("no current snapshot for %s", key)
	}

	report := DriftReport{
		Provider:            provider,
		Model:               model,
		DataDriftScore:      distributionDrift(cur.DataStats, base.DataStats),
		PromptDriftScore:    distributionDrift(cur.PromptStats, base.PromptStats),
		LatencyRegression:   regressionScore(cur.LatencyMs.Mean, base.LatencyMs.Mean, false),
		AccuracyRegression:  regressionScore(cur.Accuracy, base.Accuracy, true),
		ErrorRateRegression: regressionScore(cur.ErrorRate, base.ErrorRate, false),
		QualityScore:        cur.QualityScore,
		ToxicityRate:        cur.ToxicityRate,
		Healthy:             true,
		Timestamp:           time.Now(),
	}

	t := m.thresholds
	if m.checkCeiling(key, AlertTypeDataDrift, report.DataDriftScore, t.DataDriftWarning, t.DataDriftCritical,
		[]string{
			"Retrain the model on recent production data",
			"Review upstream data sources for schema changes",
		}) {
		report.Healthy = false
	}

	if m.checkCeiling(key, AlertTypePromptDrift, report.PromptDriftScore, t.PromptDriftWarning, t.PromptDriftCritical,
		[]string{
			"Review prompt templates against the declared baseline",
			"Adjust prompts or re-baseline after intentional changes",
		}) {
		report.Healthy = false
	}

	if m.checkCeiling(key, AlertTypeRegression, report.LatencyRegression, t.LatencyRegressionWarning, t.LatencyRegressionCritical,
		[]string{
			"Roll back to the previous model version",
			"Check provider capacity for the serving path",
		}) {
		report.Healthy = false
	}

	if m.checkCeiling(key, AlertTypeRegression, report.AccuracyRegression, t.AccuracyRegressionWarning, t.AccuracyRegressionCritical,
		[]string{
			"Roll back to the previous model version",
			"Compare evaluation sets between versions",
		}) {
		report.Healthy = false
	}

	if m.checkCeiling(key, AlertTypeRegression, report.ErrorRateRegression, t.ErrorRateRegressionWarning, t.ErrorRateRegressionCritical,
		[]string{
			"Roll back to the previous model version",
			"Inspect provider error responses for new failure modes",
		}) {
		report.Healthy = false
	}

	if cur.QualityScore < t.QualityWarningFloor {
		severity := AlertSeverityWarning
		if cur.QualityScore < t.QualityCriticalFloor {
			severity = AlertSeverityCritical
		}
		m.alerts.Append(Alert{
			Type:         AlertTypeQualityFloor,
			Severity:     severity,
			Operation:    key,
			Message:      "Model quality score below floor",
			CurrentValue: cur.QualityScore,
			Threshold:    t.QualityWarningFloor,
			Recommendations: []string{
				"Roll back to the previous model version",
			},
		})
		report.Healthy = false
	}

	if cur.ToxicityRate > t.ToxicityWarningCeiling {
		severity := AlertSeverityWarning
		if cur.ToxicityRate > t.ToxicityCriticalCeiling {
			severity = AlertSeverityCritical
		}
		m.alerts.Append(Alert{
			Type:         AlertTypeToxicityCeiling,
			Severity:     severity,
			Operation:    key,
			Message:      "Model toxicity rate above ceiling",
			CurrentValue: cur.ToxicityRate,
			Threshold:    t.ToxicityWarningCeiling,
			Recommendations: []string{
				"Tighten guardrail confidence thresholds",
				"Enable strict mode for the affected domain",
			},
		})
		report.Healthy = false
	}

	m.mu.Lock()
	m.reports[key] = report
	m.mu.Unlock()
	return &report, nil
}

// checkCeiling raises a drift alert when value exceeds the warning
// threshold. Reports whether a finding was raised.
func (m *DriftMonitor) checkCeiling(key, alertType string, value, warning, critical float64, recommendations []string) bool {
	if value < warning {
		return false
	}

	severity := AlertSeverityWarning
	if value >= critical {
		severity = AlertSeverityCritical
	}
	m.alerts.Append(Alert{
		Type:            alertType,
		Severity:        severity,
		Operation:       key,
		Message:         "Drift check exceeded threshold",
		CurrentValue:    value,
		Threshold:       warning,
		Recommendations: recommendations,
	})
	return true
}

// Reports returns the latest report per provider/model.
func (m *DriftMonitor) Reports() map[string]DriftReport {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]DriftReport, len(m.reports))
	for k, v := range m.reports {
		out[k] = v
	}
	return out
}

// distributionDrift scores how far a distribution moved from its baseline.
// Weights: 40% mean shift, 30% spread shift, 30% tail shift.
func distributionDrift(cur, base DistributionStats) float64 {
	return 0.4*relDelta(cur.Mean, base.Mean) +
		0.3*relDelta(cur.StdDev, base.StdDev) +
		0.3*relDelta(cur.P95, base.P95)
}

// relDelta is the relative change magnitude, with a zero baseline mapping
// to 0 (both zero) or 1 (appeared from nothing).
func relDelta(cur, base float64) float64 {
	if base == 0 {
		if cur == 0 {
			return 0
		}
		return 1
	}
	return math.Abs(cur-base) / math.Abs(base)
}

// regressionScore measures degradation relative to the baseline. Positive
// values mean worse; improvement clamps to 0.
func regressionScore(cur, base float64, higherIsBetter bool) float64 {
	if base == 0 {
		return 0
	}
	change := (cur - base) / base
	if higherIsBetter {
		change = -change
	}
	return math.Max(0, change)
}
