// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package steering

import (
	"context"
	"fmt"
	"time"

	"axonflow/controlplane/shared/logger"
)

// runEvery runs fn on the given cadence until ctx is canceled. A panic in
// fn is logged and the loop continues; periodic tasks never take the
// process down.
func runEvery(ctx context.Context, interval time.Duration, log *logger.Logger, task string, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runGuarded(log, task, fn)
		}
	}
}

// runGuarded invokes fn, converting a panic into an error log entry.
func runGuarded(log *logger.Logger, task string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("", "", "Periodic task panicked", map[string]interface{}{
				"task":  task,
				"panic": fmt.Sprintf("%v", r),
			})
		}
	}()
	fn()
}
