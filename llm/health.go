// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"axonflow/controlplane/shared/logger"
)

// HealthChecker probes every registered provider on a fixed interval and
// retains the latest result per provider. Probes run in parallel; a slow
// provider never delays the others.
type HealthChecker struct {
	registry *Registry
	interval time.Duration
	log      *logger.Logger

	mu      sync.RWMutex
	results map[string]HealthCheckResult
}

// NewHealthChecker creates a checker over the registry. interval <= 0
// defaults to 30 seconds.
func NewHealthChecker(registry *Registry, interval time.Duration) *HealthChecker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthChecker{
		registry: registry,
		interval: interval,
		log:      logger.New("llm-health"),
		results:  make(map[string]HealthCheckResult),
	}
}

// Start runs an immediate probe pass and then probes on the interval until
// ctx is cancelled. It blocks; run it on its own goroutine.
func (h *HealthChecker) Start(ctx context.Context) {
	h.ProbeAll(ctx)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.ProbeAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// ProbeAll checks every registered provider in parallel and stores results.
func (h *HealthChecker) ProbeAll(ctx context.Context) {
	clients := h.registry.All()
	if len(clients) == 0 {
		return
	}

	g, probeCtx := errgroup.WithContext(ctx)
	for _, client := range clients {
		client := client
		g.Go(func() error {
			result, err := client.HealthCheck(probeCtx)
			if result == nil {
				result = &HealthCheckResult{
					Status:      HealthStatusUnknown,
					LastChecked: time.Now().UTC(),
				}
			}

			h.mu.Lock()
			prev := h.results[client.Name()]
			if err != nil {
				result.ConsecutiveFailures = prev.ConsecutiveFailures + 1
			} else {
				result.ConsecutiveFailures = 0
			}
			h.results[client.Name()] = *result
			h.mu.Unlock()

			if err != nil {
				h.log.Warn("", "", "Provider health check failed", map[string]interface{}{
					"provider":             client.Name(),
					"consecutive_failures": result.ConsecutiveFailures,
					"error":                err.Error(),
				})
			}
			// Probe errors are recorded, never propagated
			return nil
		})
	}
	_ = g.Wait()
}

// Result returns the latest health result for a provider name.
func (h *HealthChecker) Result(name string) (HealthCheckResult, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.results[name]
	return r, ok
}

// IsHealthy reports whether the provider's last probe succeeded. A provider
// that has never been probed is treated as healthy so cold starts do not
// block routing.
func (h *HealthChecker) IsHealthy(name string) bool {
	r, ok := h.Result(name)
	if !ok {
		return true
	}
	return r.Status == HealthStatusHealthy
}

// Snapshot returns a copy of all current results.
func (h *HealthChecker) Snapshot() map[string]HealthCheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]HealthCheckResult, len(h.results))
	for name, r := range h.results {
		out[name] = r
	}
	return out
}
