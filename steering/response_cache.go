// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package steering

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"axonflow/controlplane/llm"
)

const (
	defaultCacheSize = 4096
	defaultCacheTTL  = 5 * time.Minute
)

type cacheEntry struct {
	response llm.Response
	storedAt time.Time
}

// ResponseCache holds vetted completions keyed by (domain, intent, prompt).
// Entries expire after the TTL; expiry is enforced on read.
type ResponseCache struct {
	ttl     time.Duration
	entries *lru.Cache[string, cacheEntry]
}

// NewResponseCache creates a cache with the given capacity and TTL. Zero
// or negative values use the defaults.
func NewResponseCache(size int, ttl time.Duration) (*ResponseCache, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}

	entries, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, fmt.Errorf("create response cache: %w", err)
	}
	return &ResponseCache{ttl: ttl, entries: entries}, nil
}

// Get returns the cached response for the request identity, or false on a
// miss or an expired entry.
func (c *ResponseCache) Get(domain, intent, prompt string) (*llm.Response, bool) {
	key := cacheKey(domain, intent, prompt)
	entry, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	if time.Since(entry.storedAt) > c.ttl {
		c.entries.Remove(key)
		return nil, false
	}

	resp := entry.response
	return &resp, true
}

// Put stores a response. Callers only cache responses that already passed
// the guardrail post-check.
func (c *ResponseCache) Put(domain, intent, prompt string, resp llm.Response) {
	c.entries.Add(cacheKey(domain, intent, prompt), cacheEntry{
		response: resp,
		storedAt: time.Now(),
	})
}

// Len returns the number of live entries, counting any not yet expired.
func (c *ResponseCache) Len() int {
	return c.entries.Len()
}

// Purge drops every entry.
func (c *ResponseCache) Purge() {
	c.entries.Purge()
}

func cacheKey(domain, intent, prompt string) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0})
	h.Write([]byte(intent))
	h.Write([]byte{0})
	h.Write([]byte(prompt))
	return hex.EncodeToString(h.Sum(nil))
}
