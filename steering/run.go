// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package steering

import (
	"context"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"axonflow/controlplane/guardrails"
	"axonflow/controlplane/llm"
	"axonflow/controlplane/shared/logger"
	"axonflow/controlplane/shared/types"
	"axonflow/controlplane/sinks"
)

const (
	// drainTimeout bounds how long in-flight requests may finish after a
	// shutdown signal before the listener is closed.
	drainTimeout = 15 * time.Second

	metricExportInterval  = time.Minute
	archiveInterval       = time.Hour
	providerProbeInterval = 30 * time.Second
)

// Run assembles the control plane from the layered configuration and serves
// it until SIGINT or SIGTERM. Background loops share the signal context; on
// shutdown the HTTP server drains first, then the loops are awaited.
func Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logger.New("control-plane")
	log.Info("", "", "Starting AxonFlow Control Plane", nil)

	cfg, err := LoadConfig(ctx)
	if err != nil {
		return err
	}

	// Redis backs the shared rate limit window and flag replication. The
	// control plane still serves without it: the limiter falls back to its
	// local buckets and flags stay instance-local.
	var redisClient *redis.Client
	if cfg.Server.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Server.RedisURL)
		if err != nil {
			return NewErrorf(ErrConfig, "invalid REDIS_URL: %v", err).WithCause(err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Warn("", "", "Redis unreachable, continuing with local fallbacks", map[string]interface{}{
				"error": err.Error(),
			})
		}
		cancel()
	}

	alerts := NewAlertLog(0)
	activations := NewActivationMonitor(cfg.Activation.activationConfig(), alerts, logger.New("activation-monitor"))

	flags := NewMemoryFlagStore(nil, activations, logger.New("feature-flags"))
	if redisClient != nil {
		flags.SetSyncer(NewRedisFlagSync(redisClient, ""))
	}

	breaker := NewCircuitBreaker(cfg.Circuit.breakerConfig(), logger.New("circuit-breaker"))
	routing := NewRoutingMonitor(logger.New("routing-monitor"))
	latency := NewLatencyMonitor(cfg.Latency.latencyMonitorConfig(), alerts, logger.New("latency-monitor"))
	drift := NewDriftMonitor(DefaultDriftThresholds(), alerts, logger.New("drift-monitor"))
	router := NewRouter(breaker, routing, flags, activations, logger.New("router"))
	optimizer := NewRoutingOptimizer(cfg.Optimizer.optimizerConfig(), router, breaker, routing, activations, logger.New("routing-optimizer"))

	var probe ResourceProbe
	if sysProbe, err := NewSystemResourceProbe(""); err != nil {
		log.Warn("", "", "Host resource probe unavailable, health checks report zero utilization", map[string]interface{}{
			"error": err.Error(),
		})
		probe = &StaticResourceProbe{}
	} else {
		probe = sysProbe
	}
	health := NewHealthMonitor(cfg.Health.healthMonitorConfig(), probe, breaker, latency, routing, flags, logger.New("health-monitor"))

	notifier, err := buildNotifier(cfg.Server)
	if err != nil {
		return err
	}

	costs := NewCostTracker()
	shutdown := NewEmergencyShutdown(cfg.Shutdown.shutdownConfig(), flags, breaker, notifier, func() ShutdownMetrics {
		return ShutdownMetrics{
			ErrorRate:           routing.OverallErrorRate(),
			AverageLatencyMs:    latency.OverallAverageLatency(5 * time.Minute),
			CostEuroPerHour:     costs.CostEuroPerHour(),
			ConsecutiveFailures: breaker.MaxConsecutiveFailures(),
		}
	}, logger.New("emergency-shutdown"))

	// Providers. Bedrock serves the direct path; when it cannot be built and
	// a local model is configured, the local model takes the direct path so
	// the plane keeps answering.
	var aux llm.ProviderClient
	if cfg.Server.OllamaEndpoint != "" {
		aux = llm.NewLocalClient(llm.LocalConfig{Endpoint: cfg.Server.OllamaEndpoint})
	}

	var direct llm.ProviderClient
	bedrockClient, bedrockErr := llm.NewBedrockClient(ctx, llm.BedrockConfig{
		Region:  cfg.Server.AWSRegion,
		ModelID: cfg.Server.BedrockModel,
	})
	switch {
	case bedrockErr == nil:
		direct = bedrockClient
	case aux != nil:
		log.Warn("", "", "Bedrock unavailable, serving the direct path from the local model", map[string]interface{}{
			"error": bedrockErr.Error(),
		})
		direct = aux
	default:
		return NewErrorf(ErrConfig, "no direct provider available: %v", bedrockErr).WithCause(bedrockErr)
	}
	mediated := llm.NewGatewayClient(llm.GatewayConfig{Endpoint: cfg.Server.GatewayEndpoint})

	registry := llm.NewRegistry(llm.WithRegistryLogger(logger.New("llm-registry")))
	for _, p := range []llm.ProviderClient{direct, mediated} {
		if err := registry.Register(p); err != nil {
			return NewErrorf(ErrConfig, "register provider: %v", err).WithCause(err)
		}
	}
	if aux != nil && aux != direct {
		if err := registry.Register(aux); err != nil {
			return NewErrorf(ErrConfig, "register provider: %v", err).WithCause(err)
		}
	}
	checker := llm.NewHealthChecker(registry, providerProbeInterval)

	// Safety sinks. The Bedrock guardrail covers output from the Bedrock
	// provider; an external policy service, when configured, becomes the
	// default sink and with it the input-side checker.
	service := guardrails.NewService(cfg.Safety.guardrailOptions())
	if cfg.Safety.EnableBedrockGuardrails && cfg.Server.BedrockGuardrailID != "" && bedrockClient != nil {
		grSink, err := sinks.NewBedrockGuardrailSink(ctx, sinks.BedrockGuardrailConfig{
			GuardrailID:      cfg.Server.BedrockGuardrailID,
			GuardrailVersion: cfg.Server.BedrockGuardrailVersion,
			Region:           cfg.Server.AWSRegion,
		})
		if err != nil {
			return NewErrorf(ErrConfig, "bedrock guardrail sink: %v", err).WithCause(err)
		}
		service.RegisterSink(bedrockClient.Name(), grSink)
	}
	if cfg.Server.PolicyEndpoint != "" {
		policySink, err := sinks.NewHTTPPolicySink(sinks.HTTPPolicyConfig{
			Endpoint: cfg.Server.PolicyEndpoint,
			APIKey:   cfg.Server.PolicyAPIKey,
		})
		if err != nil {
			return NewErrorf(ErrConfig, "policy sink: %v", err).WithCause(err)
		}
		service.SetDefaultSink(policySink)
	}

	audit := guardrails.NewAuditLogger(cfg.Server.DatabaseURL)
	defer audit.Close()

	safety := guardrails.NewActiveManager(service)
	safety.SetAuditLogger(audit)
	if len(cfg.Safety.DelegatedDomains) > 0 {
		safety.SetUsagePolicy(guardrails.DomainDelegationPolicy{DelegatedDomains: cfg.Safety.DelegatedDomains})
	}

	limiter, err := NewRateLimiter(redisClient, cfg.Server.RateLimitPerMinute, logger.New("rate-limiter"))
	if err != nil {
		return NewError(ErrInternal, "create rate limiter").WithCause(err)
	}
	cache, err := NewResponseCache(0, 0)
	if err != nil {
		return NewError(ErrInternal, "create response cache").WithCause(err)
	}

	orchestrator := NewSystemOrchestrator(cfg.Orchestrator.orchestratorConfig(), health, optimizer,
		&types.LogDeploymentControl{Logger: logger.New("deployment-control")}, logger.New("system-orchestrator"))
	orchestrator.SetCleanupHandler(func(context.Context) error {
		activations.Cleanup()
		cache.Purge()
		return nil
	})
	orchestrator.SetSecurityHandler(func(hctx context.Context) error {
		// Support mode widens operator access; security actions close it.
		return flags.Set(hctx, FlagSupportMode, false, map[string]string{"source": "orchestrator"})
	})

	pipeline := NewPipeline(PipelineConfig{
		Limiter:  limiter,
		Safety:   safety,
		Shutdown: shutdown,
		Router:   router,
		Breaker:  breaker,
		Latency:  latency,
		Routing:  routing,
		Cache:    cache,
		Costs:    costs,
		Direct:   direct,
		Mediated: mediated,
	})

	handlers := NewHandlers(HandlersConfig{
		Pipeline:  pipeline,
		Health:    health,
		Latency:   latency,
		Routing:   routing,
		Breaker:   breaker,
		Alerts:    alerts,
		Optimizer: optimizer,
		Drift:     drift,
		Router:    router,
		Flags:     flags,
		Shutdown:  shutdown,
		Audit:     audit,
		Auth:      NewAdminAuth(cfg.Server.JWTSecret),
	})

	// Exported metrics go to CloudWatch when it is reachable and to the log
	// otherwise, so dashboards degrade instead of disappearing.
	var metricSink sinks.MetricSink
	cwSink, err := sinks.NewCloudWatchSink(ctx, sinks.CloudWatchSinkConfig{Region: cfg.Server.AWSRegion})
	if err != nil {
		log.Warn("", "", "CloudWatch sink unavailable, exporting metrics to the log", map[string]interface{}{
			"error": err.Error(),
		})
		metricSink = sinks.NewLogSink()
	} else {
		metricSink = cwSink
		defer cwSink.Close()
	}

	var archiver *sinks.Archiver
	if cfg.Server.ArchiveBucket != "" {
		archiver, err = sinks.NewArchiver(ctx, sinks.ArchiveConfig{
			Bucket: cfg.Server.ArchiveBucket,
			Region: cfg.Server.AWSRegion,
		})
		if err != nil {
			log.Warn("", "", "Archiver unavailable, operational history stays in memory", map[string]interface{}{
				"error": err.Error(),
			})
			archiver = nil
		}
	}

	if err := orchestrator.Start(ctx); err != nil {
		return NewError(ErrInternal, "start orchestrator").WithCause(err)
	}

	var wg sync.WaitGroup
	spawn := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	spawn(latency.Run)
	spawn(activations.Run)
	spawn(shutdown.Run)
	spawn(checker.Start)
	if redisClient != nil {
		spawn(func(c context.Context) { flags.RunSync(c, 0) })
	}
	if cfg.Server.FlagFile != "" {
		watcher := NewFlagFileWatcher(cfg.Server.FlagFile, flags, logger.New("flag-file"))
		spawn(func(c context.Context) {
			if err := watcher.Run(c); err != nil {
				log.Error("", "", "Flag file watcher stopped", map[string]interface{}{"error": err.Error()})
			}
		})
	}
	spawn(func(c context.Context) {
		runEvery(c, metricExportInterval, log, "metric-export", func() {
			exportMetrics(metricSink, cfg.Server.CloudWatchNamespace, health, routing, latency, costs)
		})
	})
	if archiver != nil {
		spawn(func(c context.Context) {
			archiveLoop(c, archiver, shutdown, optimizer, alerts, log)
		})
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handlers.Routes(cfg.Server.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("", "", "Control plane listening", map[string]interface{}{"port": cfg.Server.Port})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	var failure error
	select {
	case failure = <-serveErr:
	case <-ctx.Done():
		log.Info("", "", "Shutdown signal received, draining", nil)
		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		if err := srv.Shutdown(drainCtx); err != nil {
			log.Error("", "", "Drain incomplete, closing remaining connections", map[string]interface{}{
				"error": err.Error(),
			})
		}
		cancel()
	}

	stop()
	orchestrator.Stop()
	wg.Wait()

	if failure != nil {
		return NewErrorf(ErrInternal, "http server failed: %v", failure).WithCause(failure)
	}
	log.Info("", "", "Control plane stopped", nil)
	return nil
}

// buildNotifier wires the configured notification channels. Channels without
// configuration stay unregistered and notifying them is a no-op.
func buildNotifier(server ServerSettings) (*sinks.Notifier, error) {
	notifier := sinks.NewNotifier()

	if server.SlackWebhookURL != "" {
		slack, err := sinks.NewSlackSink(server.SlackWebhookURL)
		if err != nil {
			return nil, NewErrorf(ErrConfig, "slack sink: %v", err).WithCause(err)
		}
		notifier.Register(sinks.ChannelChat, slack)
	}
	if server.AlertEmail != "" {
		notifier.Register(sinks.ChannelEmail, sinks.NewEmailSink(server.AlertEmail))
	}
	if server.PagerEndpoint != "" {
		pager, err := sinks.NewPagerSink(server.PagerEndpoint)
		if err != nil {
			return nil, NewErrorf(ErrConfig, "pager sink: %v", err).WithCause(err)
		}
		notifier.Register(sinks.ChannelPager, pager)
	}
	return notifier, nil
}

// exportMetrics publishes one datapoint batch to the metric sink. The cache
// hit rate is skipped while no cacheable operations have been recorded.
func exportMetrics(sink sinks.MetricSink, namespace string, health *HealthMonitor, routing *RoutingMonitor, latency *LatencyMonitor, costs *CostTracker) {
	now := time.Now()
	window := 5 * time.Minute

	if m := health.Latest(); m != nil {
		sink.Publish(namespace, "HealthScore", m.Overall, "None", nil, now)
	}
	sink.Publish(namespace, "ErrorRate", routing.OverallErrorRate(), "None", nil, now)
	sink.Publish(namespace, "AverageLatency", latency.OverallAverageLatency(window), "Milliseconds", nil, now)
	sink.Publish(namespace, "Throughput", latency.Throughput(window), "Count/Second", nil, now)
	sink.Publish(namespace, "CostEuroPerHour", costs.CostEuroPerHour(), "None", nil, now)
	if hitRate := latency.CacheHitRate(window); hitRate >= 0 {
		sink.Publish(namespace, "CacheHitRate", hitRate, "Percent", nil, now)
	}
}

// archiveLoop ships shutdown events, optimization results, and alerts raised
// since the previous pass to long-term storage.
func archiveLoop(ctx context.Context, archiver *sinks.Archiver, shutdown *EmergencyShutdown, optimizer *RoutingOptimizer, alerts *AlertLog, log *logger.Logger) {
	cursor := time.Now()
	runEvery(ctx, archiveInterval, log, "archive", func() {
		next := time.Now()
		for _, event := range shutdown.History(0) {
			if event.Timestamp.After(cursor) {
				archiveRecord(ctx, archiver, "shutdown-events", event, log)
			}
		}
		for _, result := range optimizer.History(0) {
			if result.AppliedAt.After(cursor) {
				archiveRecord(ctx, archiver, "optimizations", result, log)
			}
		}
		for _, alert := range alerts.Snapshot() {
			if alert.Timestamp.After(cursor) {
				archiveRecord(ctx, archiver, "alerts", alert, log)
			}
		}
		cursor = next
	})
}

func archiveRecord(ctx context.Context, archiver *sinks.Archiver, kind string, record interface{}, log *logger.Logger) {
	storeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := archiver.Store(storeCtx, kind, record); err != nil {
		log.Warn("", "", "Archive write failed", map[string]interface{}{
			"kind":  kind,
			"error": err.Error(),
		})
	}
}
