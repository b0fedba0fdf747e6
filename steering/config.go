// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package steering

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"gopkg.in/yaml.v3"

	"axonflow/controlplane/guardrails"
)

// Config is the control plane's complete configuration. Values are layered:
// built-in defaults, then the optional YAML file named by
// CONTROL_PLANE_CONFIG, then environment variables, then the optional AWS
// Secrets Manager secret named by CONTROL_PLANE_SECRET_ID. Durations are
// expressed in milliseconds so the YAML stays plain integers.
type Config struct {
	Server       ServerSettings       `json:"server" yaml:"server"`
	Safety       SafetySettings       `json:"safety" yaml:"safety"`
	Latency      LatencySettings      `json:"latency" yaml:"latency"`
	Circuit      CircuitSettings      `json:"circuit" yaml:"circuit"`
	Optimizer    OptimizerSettings    `json:"optimizer" yaml:"optimizer"`
	Health       HealthSettings       `json:"health" yaml:"health"`
	Orchestrator OrchestratorSettings `json:"orchestrator" yaml:"orchestrator"`
	Shutdown     ShutdownSettings     `json:"shutdown" yaml:"shutdown"`
	Activation   ActivationSettings   `json:"activation" yaml:"activation"`
}

// ServerSettings holds the deployment wiring: ports, endpoints, credentials,
// and integration targets. These are the values operators override through
// the environment or the secret; everything else is YAML-tuned.
type ServerSettings struct {
	Port               string   `json:"port" yaml:"port"`
	AllowedOrigins     []string `json:"allowed_origins" yaml:"allowed_origins"`
	RateLimitPerMinute int      `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	JWTSecret          string   `json:"jwt_secret" yaml:"jwt_secret"`
	DatabaseURL        string   `json:"database_url" yaml:"database_url"`
	RedisURL           string   `json:"redis_url" yaml:"redis_url"`

	AWSRegion               string `json:"aws_region" yaml:"aws_region"`
	GatewayEndpoint         string `json:"gateway_endpoint" yaml:"gateway_endpoint"`
	BedrockModel            string `json:"bedrock_model" yaml:"bedrock_model"`
	BedrockGuardrailID      string `json:"bedrock_guardrail_id" yaml:"bedrock_guardrail_id"`
	BedrockGuardrailVersion string `json:"bedrock_guardrail_version" yaml:"bedrock_guardrail_version"`
	OllamaEndpoint          string `json:"ollama_endpoint" yaml:"ollama_endpoint"`
	PolicyEndpoint          string `json:"policy_endpoint" yaml:"policy_endpoint"`
	PolicyAPIKey            string `json:"policy_api_key" yaml:"policy_api_key"`

	SlackWebhookURL     string `json:"slack_webhook_url" yaml:"slack_webhook_url"`
	AlertEmail          string `json:"alert_email" yaml:"alert_email"`
	PagerEndpoint       string `json:"pager_endpoint" yaml:"pager_endpoint"`
	CloudWatchNamespace string `json:"cloudwatch_namespace" yaml:"cloudwatch_namespace"`
	ArchiveBucket       string `json:"archive_bucket" yaml:"archive_bucket"`
	FlagFile            string `json:"flag_file" yaml:"flag_file"`
}

// SafetySettings mirrors guardrails.Options for the config file.
// DelegatedDomains pins the listed request domains to the mediated path.
type SafetySettings struct {
	EnablePII               bool     `json:"enable_pii" yaml:"enable_pii"`
	EnableToxicity          bool     `json:"enable_toxicity" yaml:"enable_toxicity"`
	EnablePromptInjection   bool     `json:"enable_prompt_injection" yaml:"enable_prompt_injection"`
	EnableBedrockGuardrails bool     `json:"enable_bedrock_guardrails" yaml:"enable_bedrock_guardrails"`
	StrictMode              bool     `json:"strict_mode" yaml:"strict_mode"`
	LogViolations           bool     `json:"log_violations" yaml:"log_violations"`
	BlockOnViolation        bool     `json:"block_on_violation" yaml:"block_on_violation"`
	RedactionMode           string   `json:"redaction_mode" yaml:"redaction_mode"`
	ConfidenceThreshold     float64  `json:"confidence_threshold" yaml:"confidence_threshold"`
	DelegatedDomains        []string `json:"delegated_domains" yaml:"delegated_domains"`
}

// LatencySettings tunes the latency monitor.
type LatencySettings struct {
	MaxMetrics        int              `json:"max_metrics" yaml:"max_metrics"`
	TimeWindowMs      int64            `json:"time_window_ms" yaml:"time_window_ms"`
	Targets           map[string]int64 `json:"targets" yaml:"targets"`
	CacheHitTargetPct float64          `json:"cache_hit_target_pct" yaml:"cache_hit_target_pct"`
	CheckIntervalMs   int64            `json:"check_interval_ms" yaml:"check_interval_ms"`
}

// CircuitSettings tunes the circuit breaker.
type CircuitSettings struct {
	FailureThreshold  int   `json:"failure_threshold" yaml:"failure_threshold"`
	RecoveryTimeoutMs int64 `json:"recovery_timeout_ms" yaml:"recovery_timeout_ms"`
	HalfOpenMaxCalls  int   `json:"half_open_max_calls" yaml:"half_open_max_calls"`
}

// OptimizerSettings tunes the routing efficiency optimizer.
type OptimizerSettings struct {
	TargetImprovementPct float64 `json:"target_improvement_pct" yaml:"target_improvement_pct"`
	IntervalMs           int64   `json:"interval_ms" yaml:"interval_ms"`
	EvaluationWindowMs   int64   `json:"evaluation_window_ms" yaml:"evaluation_window_ms"`
	MaxChanges           int     `json:"max_changes" yaml:"max_changes"`
	MinDataPoints        int64   `json:"min_data_points" yaml:"min_data_points"`
	RollbackThresholdPct float64 `json:"rollback_threshold_pct" yaml:"rollback_threshold_pct"`
	DefaultStrategy      string  `json:"default_strategy" yaml:"default_strategy"`
	Adaptive             bool    `json:"adaptive" yaml:"adaptive"`
	AutoRollback         bool    `json:"auto_rollback" yaml:"auto_rollback"`
}

// HealthSettings tunes the health monitor.
type HealthSettings struct {
	CheckIntervalMs int64             `json:"check_interval_ms" yaml:"check_interval_ms"`
	HistorySize     int               `json:"history_size" yaml:"history_size"`
	Thresholds      AnomalyThresholds `json:"thresholds" yaml:"thresholds"`
}

// OrchestratorSettings tunes the system optimization orchestrator.
type OrchestratorSettings struct {
	HealthScoreThreshold     float64  `json:"health_score_threshold" yaml:"health_score_threshold"`
	CriticalAnomalyThreshold int      `json:"critical_anomaly_threshold" yaml:"critical_anomaly_threshold"`
	HighPriorityThreshold    int      `json:"high_priority_threshold" yaml:"high_priority_threshold"`
	IntervalMs               int64    `json:"interval_ms" yaml:"interval_ms"`
	AutoExecuteEnabled       bool     `json:"auto_execute_enabled" yaml:"auto_execute_enabled"`
	AutoExecuteMaxPriority   int      `json:"auto_execute_max_priority" yaml:"auto_execute_max_priority"`
	RequiresApproval         []string `json:"requires_approval" yaml:"requires_approval"`
}

// ShutdownSettings tunes the emergency shutdown manager.
type ShutdownSettings struct {
	AutoTriggersEnabled bool    `json:"auto_triggers_enabled" yaml:"auto_triggers_enabled"`
	CheckIntervalMs     int64   `json:"check_interval_ms" yaml:"check_interval_ms"`
	ErrorRate           float64 `json:"error_rate" yaml:"error_rate"`
	LatencyMs           float64 `json:"latency_ms" yaml:"latency_ms"`
	CostEuroPerHour     float64 `json:"cost_euro_per_hour" yaml:"cost_euro_per_hour"`
	ConsecutiveFailures int     `json:"consecutive_failures" yaml:"consecutive_failures"`

	RecoveryEnabled         bool  `json:"recovery_enabled" yaml:"recovery_enabled"`
	RecoveryDelayMs         int64 `json:"recovery_delay_ms" yaml:"recovery_delay_ms"`
	RecoveryProbeIntervalMs int64 `json:"recovery_probe_interval_ms" yaml:"recovery_probe_interval_ms"`
	RecoveryMaxAttempts     int   `json:"recovery_max_attempts" yaml:"recovery_max_attempts"`
}

// ActivationSettings tunes the activation monitor.
type ActivationSettings struct {
	SuccessRateThreshold   float64 `json:"success_rate_threshold" yaml:"success_rate_threshold"`
	WarningThreshold       float64 `json:"warning_threshold" yaml:"warning_threshold"`
	MaxOperationDurationMs int64   `json:"max_operation_duration_ms" yaml:"max_operation_duration_ms"`
	RetentionDays          int     `json:"retention_days" yaml:"retention_days"`
	BatchSize              int     `json:"batch_size" yaml:"batch_size"`
}

// DefaultConfig returns the built-in defaults, the first configuration layer.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerSettings{
			Port:                "8090",
			AllowedOrigins:      []string{"*"},
			RateLimitPerMinute:  120,
			AWSRegion:           "eu-central-1",
			GatewayEndpoint:     "http://gateway:8085",
			CloudWatchNamespace: "AxonFlow/ControlPlane",
		},
		Safety: SafetySettings{
			EnablePII:             true,
			EnableToxicity:        true,
			EnablePromptInjection: true,
			LogViolations:         true,
			BlockOnViolation:      true,
			RedactionMode:         "MASK",
			ConfidenceThreshold:   0.7,
		},
		Latency: LatencySettings{
			MaxMetrics:   10000,
			TimeWindowMs: 300000,
			Targets: map[string]int64{
				string(OperationGeneration): 1500,
				string(OperationRAG):        300,
				string(OperationCached):     300,
			},
			CacheHitTargetPct: 80,
			CheckIntervalMs:   60000,
		},
		Circuit: CircuitSettings{
			FailureThreshold:  5,
			RecoveryTimeoutMs: 60000,
			HalfOpenMaxCalls:  2,
		},
		Optimizer: OptimizerSettings{
			TargetImprovementPct: 15,
			IntervalMs:           300000,
			EvaluationWindowMs:   900000,
			MaxChanges:           3,
			MinDataPoints:        100,
			RollbackThresholdPct: -5,
			DefaultStrategy:      string(StrategyBalanced),
			Adaptive:             true,
			AutoRollback:         true,
		},
		Health: HealthSettings{
			CheckIntervalMs: 30000,
			HistorySize:     1000,
			Thresholds: AnomalyThresholds{
				CPUPct:           85,
				MemoryPct:        90,
				ErrorRate:        0.05,
				ResponseTimeMs:   2000,
				ThroughputPerMin: 100,
			},
		},
		Orchestrator: OrchestratorSettings{
			HealthScoreThreshold:     0.8,
			CriticalAnomalyThreshold: 1,
			HighPriorityThreshold:    2,
			IntervalMs:               60000,
			AutoExecuteEnabled:       true,
			AutoExecuteMaxPriority:   7,
			RequiresApproval:         []string{CategoryScaling, CategoryMaintenance},
		},
		Shutdown: ShutdownSettings{
			AutoTriggersEnabled:     true,
			CheckIntervalMs:         30000,
			ErrorRate:               0.1,
			LatencyMs:               5000,
			CostEuroPerHour:         100,
			ConsecutiveFailures:     5,
			RecoveryEnabled:         true,
			RecoveryDelayMs:         300000,
			RecoveryProbeIntervalMs: 30000,
			RecoveryMaxAttempts:     3,
		},
		Activation: ActivationSettings{
			SuccessRateThreshold:   99.0,
			WarningThreshold:       95.0,
			MaxOperationDurationMs: 5000,
			RetentionDays:          30,
			BatchSize:              100,
		},
	}
}

// LoadConfig assembles the effective configuration from all four layers and
// validates it. Errors are ErrConfig and fatal at startup.
func LoadConfig(ctx context.Context) (*Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("CONTROL_PLANE_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyOverrides(os.Getenv); err != nil {
		return nil, err
	}

	if secretID := os.Getenv("CONTROL_PLANE_SECRET_ID"); secretID != "" {
		secret, err := fetchSecretOverrides(ctx, secretID, cfg.Server.AWSRegion)
		if err != nil {
			return nil, NewErrorf(ErrConfig, "failed to load secret overrides: %v", err).WithCause(err)
		}
		if err := cfg.applyOverrides(func(key string) string { return secret[key] }); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFile overlays the YAML file onto the current values. Fields absent
// from the document keep their layered value.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return NewErrorf(ErrConfig, "failed to read config file %s: %v", path, err).WithCause(err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return NewErrorf(ErrConfig, "failed to parse config file %s: %v", path, err).WithCause(err)
	}
	return nil
}

// applyOverrides applies the environment-style key set. The same keys work
// for process environment variables and for the Secrets Manager JSON object.
func (c *Config) applyOverrides(get func(string) string) error {
	set := func(dst *string, key string) {
		if v := get(key); v != "" {
			*dst = v
		}
	}

	set(&c.Server.Port, "PORT")
	set(&c.Server.JWTSecret, "JWT_SECRET")
	set(&c.Server.DatabaseURL, "DATABASE_URL")
	set(&c.Server.RedisURL, "REDIS_URL")
	set(&c.Server.AWSRegion, "AWS_REGION")
	set(&c.Server.GatewayEndpoint, "GATEWAY_ENDPOINT")
	set(&c.Server.BedrockModel, "BEDROCK_MODEL")
	set(&c.Server.BedrockGuardrailID, "BEDROCK_GUARDRAIL_ID")
	set(&c.Server.BedrockGuardrailVersion, "BEDROCK_GUARDRAIL_VERSION")
	set(&c.Server.OllamaEndpoint, "OLLAMA_ENDPOINT")
	set(&c.Server.PolicyEndpoint, "POLICY_ENDPOINT")
	set(&c.Server.PolicyAPIKey, "POLICY_API_KEY")
	set(&c.Server.SlackWebhookURL, "SLACK_WEBHOOK_URL")
	set(&c.Server.AlertEmail, "ALERT_EMAIL")
	set(&c.Server.PagerEndpoint, "PAGER_ENDPOINT")
	set(&c.Server.CloudWatchNamespace, "CLOUDWATCH_NAMESPACE")
	set(&c.Server.ArchiveBucket, "ARCHIVE_BUCKET")
	set(&c.Server.FlagFile, "FLAG_FILE")

	if v := get("CORS_ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}
	if v := get("DELEGATED_DOMAINS"); v != "" {
		c.Safety.DelegatedDomains = splitList(v)
	}
	if v := get("RATE_LIMIT_PER_MINUTE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return NewErrorf(ErrConfig, "RATE_LIMIT_PER_MINUTE is not a number: %q", v)
		}
		c.Server.RateLimitPerMinute = n
	}
	if v := get("BEDROCK_GUARDRAIL_ID"); v != "" {
		// Configuring a guardrail ID turns the managed sink on.
		c.Safety.EnableBedrockGuardrails = true
	}

	return nil
}

// splitList parses a comma-separated override value, dropping empty items.
func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks threshold sanity across all sections. It reports every
// violation at once so operators fix a bad file in one pass.
func (c *Config) Validate() error {
	var problems []string
	bad := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if n, err := strconv.Atoi(c.Server.Port); err != nil || n < 1 || n > 65535 {
		bad("server.port must be a port number, got %q", c.Server.Port)
	}
	if c.Server.RateLimitPerMinute <= 0 {
		bad("server.rate_limit_per_minute must be positive, got %d", c.Server.RateLimitPerMinute)
	}

	switch c.Safety.RedactionMode {
	case "MASK", "REMOVE", "REPLACE":
	default:
		bad("safety.redaction_mode must be MASK, REMOVE or REPLACE, got %q", c.Safety.RedactionMode)
	}
	if c.Safety.ConfidenceThreshold <= 0 || c.Safety.ConfidenceThreshold > 1 {
		bad("safety.confidence_threshold must be in (0,1], got %g", c.Safety.ConfidenceThreshold)
	}

	if c.Latency.MaxMetrics <= 0 {
		bad("latency.max_metrics must be positive, got %d", c.Latency.MaxMetrics)
	}
	if c.Latency.TimeWindowMs <= 0 {
		bad("latency.time_window_ms must be positive, got %d", c.Latency.TimeWindowMs)
	}
	if c.Latency.CheckIntervalMs <= 0 {
		bad("latency.check_interval_ms must be positive, got %d", c.Latency.CheckIntervalMs)
	}
	if c.Latency.CacheHitTargetPct < 0 || c.Latency.CacheHitTargetPct > 100 {
		bad("latency.cache_hit_target_pct must be in [0,100], got %g", c.Latency.CacheHitTargetPct)
	}
	for op, target := range c.Latency.Targets {
		if !validOperation(OperationType(op)) {
			bad("latency.targets has unknown operation %q", op)
		}
		if target <= 0 {
			bad("latency.targets[%s] must be positive, got %d", op, target)
		}
	}

	if c.Circuit.FailureThreshold <= 0 {
		bad("circuit.failure_threshold must be positive, got %d", c.Circuit.FailureThreshold)
	}
	if c.Circuit.RecoveryTimeoutMs <= 0 {
		bad("circuit.recovery_timeout_ms must be positive, got %d", c.Circuit.RecoveryTimeoutMs)
	}
	if c.Circuit.HalfOpenMaxCalls <= 0 {
		bad("circuit.half_open_max_calls must be positive, got %d", c.Circuit.HalfOpenMaxCalls)
	}

	if c.Optimizer.TargetImprovementPct <= 0 {
		bad("optimizer.target_improvement_pct must be positive, got %g", c.Optimizer.TargetImprovementPct)
	}
	if c.Optimizer.IntervalMs <= 0 {
		bad("optimizer.interval_ms must be positive, got %d", c.Optimizer.IntervalMs)
	}
	if c.Optimizer.EvaluationWindowMs < c.Optimizer.IntervalMs {
		bad("optimizer.evaluation_window_ms must be at least interval_ms (%d < %d)",
			c.Optimizer.EvaluationWindowMs, c.Optimizer.IntervalMs)
	}
	if c.Optimizer.MaxChanges <= 0 {
		bad("optimizer.max_changes must be positive, got %d", c.Optimizer.MaxChanges)
	}
	if c.Optimizer.MinDataPoints <= 0 {
		bad("optimizer.min_data_points must be positive, got %d", c.Optimizer.MinDataPoints)
	}
	switch OptimizationStrategy(c.Optimizer.DefaultStrategy) {
	case StrategyLatencyFocused, StrategyCostEfficient, StrategyReliabilityFirst, StrategyBalanced:
	default:
		bad("optimizer.default_strategy must be a known strategy, got %q", c.Optimizer.DefaultStrategy)
	}

	if c.Health.CheckIntervalMs <= 0 {
		bad("health.check_interval_ms must be positive, got %d", c.Health.CheckIntervalMs)
	}
	if c.Health.HistorySize <= 0 {
		bad("health.history_size must be positive, got %d", c.Health.HistorySize)
	}
	if c.Health.Thresholds.CPUPct <= 0 || c.Health.Thresholds.CPUPct > 100 {
		bad("health.thresholds.cpu_pct must be in (0,100], got %g", c.Health.Thresholds.CPUPct)
	}
	if c.Health.Thresholds.MemoryPct <= 0 || c.Health.Thresholds.MemoryPct > 100 {
		bad("health.thresholds.memory_pct must be in (0,100], got %g", c.Health.Thresholds.MemoryPct)
	}
	if c.Health.Thresholds.ErrorRate <= 0 || c.Health.Thresholds.ErrorRate > 1 {
		bad("health.thresholds.error_rate must be in (0,1], got %g", c.Health.Thresholds.ErrorRate)
	}

	if c.Orchestrator.HealthScoreThreshold <= 0 || c.Orchestrator.HealthScoreThreshold > 1 {
		bad("orchestrator.health_score_threshold must be in (0,1], got %g", c.Orchestrator.HealthScoreThreshold)
	}
	if c.Orchestrator.IntervalMs < c.Health.CheckIntervalMs {
		bad("orchestrator.interval_ms must be at least health.check_interval_ms (%d < %d)",
			c.Orchestrator.IntervalMs, c.Health.CheckIntervalMs)
	}
	if c.Orchestrator.AutoExecuteMaxPriority < 1 || c.Orchestrator.AutoExecuteMaxPriority > 10 {
		bad("orchestrator.auto_execute_max_priority must be in [1,10], got %d", c.Orchestrator.AutoExecuteMaxPriority)
	}

	if c.Shutdown.ErrorRate <= 0 || c.Shutdown.ErrorRate > 1 {
		bad("shutdown.error_rate must be in (0,1], got %g", c.Shutdown.ErrorRate)
	}
	if c.Shutdown.LatencyMs <= 0 {
		bad("shutdown.latency_ms must be positive, got %g", c.Shutdown.LatencyMs)
	}
	if c.Shutdown.CostEuroPerHour <= 0 {
		bad("shutdown.cost_euro_per_hour must be positive, got %g", c.Shutdown.CostEuroPerHour)
	}
	if c.Shutdown.ConsecutiveFailures <= 0 {
		bad("shutdown.consecutive_failures must be positive, got %d", c.Shutdown.ConsecutiveFailures)
	}
	if c.Shutdown.RecoveryMaxAttempts <= 0 {
		bad("shutdown.recovery_max_attempts must be positive, got %d", c.Shutdown.RecoveryMaxAttempts)
	}

	if c.Activation.SuccessRateThreshold <= 0 || c.Activation.SuccessRateThreshold > 100 {
		bad("activation.success_rate_threshold must be in (0,100], got %g", c.Activation.SuccessRateThreshold)
	}
	if c.Activation.WarningThreshold >= c.Activation.SuccessRateThreshold {
		bad("activation.warning_threshold must be below success_rate_threshold (%g >= %g)",
			c.Activation.WarningThreshold, c.Activation.SuccessRateThreshold)
	}
	if c.Activation.RetentionDays <= 0 {
		bad("activation.retention_days must be positive, got %d", c.Activation.RetentionDays)
	}

	if len(problems) > 0 {
		return NewErrorf(ErrConfig, "invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// latencyMonitorConfig converts the file-facing settings into the runtime
// monitor config.
func (s LatencySettings) latencyMonitorConfig() LatencyMonitorConfig {
	targets := make(map[OperationType]int64, len(s.Targets))
	for op, target := range s.Targets {
		targets[OperationType(op)] = target
	}
	return LatencyMonitorConfig{
		MaxMetrics:        s.MaxMetrics,
		TimeWindow:        time.Duration(s.TimeWindowMs) * time.Millisecond,
		Targets:           targets,
		CacheHitTargetPct: s.CacheHitTargetPct,
		CheckInterval:     time.Duration(s.CheckIntervalMs) * time.Millisecond,
	}
}

func (s CircuitSettings) breakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: s.FailureThreshold,
		RecoveryTimeout:  time.Duration(s.RecoveryTimeoutMs) * time.Millisecond,
		HalfOpenMaxCalls: s.HalfOpenMaxCalls,
	}
}

func (s OptimizerSettings) optimizerConfig() RoutingOptimizerConfig {
	return RoutingOptimizerConfig{
		TargetImprovementPct: s.TargetImprovementPct,
		Interval:             time.Duration(s.IntervalMs) * time.Millisecond,
		EvaluationWindow:     time.Duration(s.EvaluationWindowMs) * time.Millisecond,
		MaxChanges:           s.MaxChanges,
		MinDataPoints:        s.MinDataPoints,
		RollbackThresholdPct: s.RollbackThresholdPct,
		DefaultStrategy:      OptimizationStrategy(s.DefaultStrategy),
		Adaptive:             s.Adaptive,
		AutoRollback:         s.AutoRollback,
	}
}

func (s HealthSettings) healthMonitorConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		CheckInterval: time.Duration(s.CheckIntervalMs) * time.Millisecond,
		HistorySize:   s.HistorySize,
		Thresholds:    s.Thresholds,
	}
}

func (s OrchestratorSettings) orchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		HealthScoreThreshold:     s.HealthScoreThreshold,
		CriticalAnomalyThreshold: s.CriticalAnomalyThreshold,
		HighPriorityThreshold:    s.HighPriorityThreshold,
		Interval:                 time.Duration(s.IntervalMs) * time.Millisecond,
		AutoExecute: OrchestratorAutoExecute{
			Enabled:          s.AutoExecuteEnabled,
			MaxPriorityLevel: s.AutoExecuteMaxPriority,
			RequiresApproval: s.RequiresApproval,
		},
	}
}

func (s ShutdownSettings) shutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		AutoTriggersEnabled: s.AutoTriggersEnabled,
		CheckInterval:       time.Duration(s.CheckIntervalMs) * time.Millisecond,
		Thresholds: ShutdownThresholds{
			ErrorRate:           s.ErrorRate,
			LatencyMs:           s.LatencyMs,
			CostEuroPerHour:     s.CostEuroPerHour,
			ConsecutiveFailures: s.ConsecutiveFailures,
		},
		Recovery: ShutdownRecoveryConfig{
			Enabled:             s.RecoveryEnabled,
			Delay:               time.Duration(s.RecoveryDelayMs) * time.Millisecond,
			HealthCheckInterval: time.Duration(s.RecoveryProbeIntervalMs) * time.Millisecond,
			MaxAttempts:         s.RecoveryMaxAttempts,
		},
	}
}

func (s ActivationSettings) activationConfig() ActivationConfig {
	return ActivationConfig{
		SuccessRateThreshold:   s.SuccessRateThreshold,
		WarningThreshold:       s.WarningThreshold,
		MaxOperationDurationMs: s.MaxOperationDurationMs,
		RetentionDays:          s.RetentionDays,
		BatchSize:              s.BatchSize,
	}
}

func (s SafetySettings) guardrailOptions() guardrails.Options {
	return guardrails.Options{
		EnablePII:               s.EnablePII,
		EnableToxicity:          s.EnableToxicity,
		EnablePromptInjection:   s.EnablePromptInjection,
		EnableBedrockGuardrails: s.EnableBedrockGuardrails,
		StrictMode:              s.StrictMode,
		LogViolations:           s.LogViolations,
		BlockOnViolation:        s.BlockOnViolation,
		RedactionMode:           guardrails.RedactionMode(s.RedactionMode),
		ConfidenceThreshold:     s.ConfidenceThreshold,
	}
}

// secretCacheTTL bounds how long a fetched secret is reused.
const secretCacheTTL = 5 * time.Minute

var (
	secretCacheMu sync.Mutex
	secretCache   = map[string]secretCacheEntry{}

	// fetchSecretValue is swapped by tests.
	fetchSecretValue = fetchSecretsManagerValue
)

type secretCacheEntry struct {
	values    map[string]string
	expiresAt time.Time
}

// fetchSecretOverrides returns the JSON key/value secret, serving repeated
// loads from the in-process cache.
func fetchSecretOverrides(ctx context.Context, secretID, region string) (map[string]string, error) {
	secretCacheMu.Lock()
	entry, ok := secretCache[secretID]
	secretCacheMu.Unlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.values, nil
	}

	raw, err := fetchSecretValue(ctx, secretID, region)
	if err != nil {
		return nil, err
	}

	var values map[string]string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, fmt.Errorf("secret %s is not a JSON object of strings: %w", secretID, err)
	}

	secretCacheMu.Lock()
	secretCache[secretID] = secretCacheEntry{values: values, expiresAt: time.Now().Add(secretCacheTTL)}
	secretCacheMu.Unlock()
	return values, nil
}

func fetchSecretsManagerValue(ctx context.Context, secretID, region string) (string, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return "", fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg)
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", secretID, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", secretID)
	}
	return *out.SecretString, nil
}
