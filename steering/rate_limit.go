// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package steering

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"axonflow/controlplane/shared/logger"
)

// defaultRateLimitPerMinute applies when the config leaves the limit unset.
const defaultRateLimitPerMinute = 120

// rateLimitClientCacheSize bounds the per-client limiter table used by the
// in-process fallback.
const rateLimitClientCacheSize = 1024

// RateLimiter enforces a per-client sliding window, shared across
// instances through Redis. Without a Redis client it degrades to a local
// token bucket per client. Transient Redis failures fail open.
type RateLimiter struct {
	client         *redis.Client
	limitPerMinute int
	log            *logger.Logger
	local          *localLimiter
}

// NewRateLimiter creates a rate limiter. client may be nil for
// single-instance deployments.
func NewRateLimiter(client *redis.Client, limitPerMinute int, log *logger.Logger) (*RateLimiter, error) {
	if limitPerMinute <= 0 {
		limitPerMinute = defaultRateLimitPerMinute
	}
	if log == nil {
		log = logger.New("rate-limiter")
	}

	local, err := newLocalLimiter(limitPerMinute)
	if err != nil {
		return nil, err
	}

	return &RateLimiter{
		client:         client,
		limitPerMinute: limitPerMinute,
		log:            log,
		local:          local,
	}, nil
}

// Allow admits or rejects one request for the client. Rejections carry the
// rate_limited error kind.
func (r *RateLimiter) Allow(ctx context.Context, clientID string) error {
	if r.client == nil {
		return r.local.allow(clientID, r.limitPerMinute)
	}

	now := time.Now()
	key := fmt.Sprintf("ratelimit:%s", clientID)

	pipe := r.client.Pipeline()
	minScore := now.Add(-time.Minute).Unix()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", minScore))
	pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, &redis.Z{
		Score:  float64(now.Unix()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, key, 2*time.Minute)

	cmds, err := pipe.Exec(ctx)
	if err != nil {
		// Fail open: a degraded limiter must not take the data plane down.
		r.log.Warn(clientID, "", "Rate limit check failed, failing open", map[string]interface{}{
			"error": err.Error(),
		})
		return nil
	}

	count := cmds[1].(*redis.IntCmd).Val()
	if count > int64(r.limitPerMinute) {
		return NewErrorf(ErrRateLimited, "rate limit exceeded: %d requests/minute (limit: %d)", count, r.limitPerMinute)
	}
	return nil
}

// localLimiter is the in-process fallback: one token bucket per client,
// evicting the least recently used client.
type localLimiter struct {
	mu       sync.Mutex
	limiters *lru.Cache[string, *rate.Limiter]
	perSec   rate.Limit
	burst    int
}

func newLocalLimiter(limitPerMinute int) (*localLimiter, error) {
	limiters, err := lru.New[string, *rate.Limiter](rateLimitClientCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create limiter cache: %w", err)
	}
	return &localLimiter{
		limiters: limiters,
		perSec:   rate.Limit(float64(limitPerMinute) / 60),
		burst:    limitPerMinute,
	}, nil
}

func (l *localLimiter) allow(clientID string, limitPerMinute int) error {
	l.mu.Lock()
	limiter, ok := l.limiters.Get(clientID)
	if !ok {
		limiter = rate.NewLimiter(l.perSec, l.burst)
		l.limiters.Add(clientID, limiter)
	}
	l.mu.Unlock()

	if !limiter.Allow() {
		return NewErrorf(ErrRateLimited, "rate limit exceeded (limit: %d/minute)", limitPerMinute)
	}
	return nil
}
