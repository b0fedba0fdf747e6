// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package steering

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-redis/redis/v8"
	"gopkg.in/yaml.v3"

	"axonflow/controlplane/shared/logger"
)

// Routing control flags. The shutdown manager flips these to take paths
// out of service.
const (
	FlagDirectRouting      = "routing.direct.enabled"
	FlagMediatedRouting    = "routing.mediated.enabled"
	FlagIntelligentRouting = "routing.intelligent.enabled"
	FlagSupportMode        = "mode.support"
)

// DefaultFlags returns the boot-time flag values.
func DefaultFlags() map[string]bool {
	return map[string]bool{
		FlagDirectRouting:      true,
		FlagMediatedRouting:    true,
		FlagIntelligentRouting: true,
		FlagSupportMode:        false,
	}
}

// FlagStore reads and mutates feature flags.
type FlagStore interface {
	Get(name string) bool
	Set(ctx context.Context, name string, enabled bool, metadata map[string]string) error
	All() map[string]bool
}

// FlagSyncer mirrors flag state to an external store.
type FlagSyncer interface {
	Publish(ctx context.Context, name string, enabled bool) error
	Load(ctx context.Context) (map[string]bool, error)
}

// MemoryFlagStore is the in-process flag store. Reads are lock-free against
// an immutable snapshot; writes serialize, record an ActivationOperation,
// and publish through the attached syncer when one is configured.
type MemoryFlagStore struct {
	log         *logger.Logger
	activations *ActivationMonitor
	environment string

	writeMu  sync.Mutex
	snapshot atomic.Pointer[map[string]bool]
	syncer   FlagSyncer
}

// NewMemoryFlagStore creates a flag store seeded with the given values.
// Nil defaults use DefaultFlags.
func NewMemoryFlagStore(defaults map[string]bool, activations *ActivationMonitor, log *logger.Logger) *MemoryFlagStore {
	if defaults == nil {
		defaults = DefaultFlags()
	}
	if log == nil {
		log = logger.New("feature-flags")
	}

	seed := make(map[string]bool, len(defaults))
	for k, v := range defaults {
		seed[k] = v
	}

	s := &MemoryFlagStore{
		log:         log,
		activations: activations,
		environment: os.Getenv("ENVIRONMENT"),
	}
	s.snapshot.Store(&seed)
	return s
}

// SetSyncer attaches a write-through syncer. Call before serving traffic.
func (s *MemoryFlagStore) SetSyncer(syncer FlagSyncer) {
	s.syncer = syncer
}

// Get returns the flag value. Unknown flags are disabled.
func (s *MemoryFlagStore) Get(name string) bool {
	return (*s.snapshot.Load())[name]
}

// All returns a copy of the current flag state.
func (s *MemoryFlagStore) All() map[string]bool {
	snap := *s.snapshot.Load()
	out := make(map[string]bool, len(snap))
	for k, v := range snap {
		out[k] = v
	}
	return out
}

// Set updates a flag, records the operation, and mirrors it to the syncer.
// The local update always applies; a publish failure is returned so callers
// know the mirror is behind.
func (s *MemoryFlagStore) Set(ctx context.Context, name string, enabled bool, metadata map[string]string) error {
	start := time.Now()

	s.writeMu.Lock()
	old := *s.snapshot.Load()
	next := make(map[string]bool, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[name] = enabled
	s.snapshot.Store(&next)
	s.writeMu.Unlock()

	operation := "disable"
	if enabled {
		operation = "enable"
	}

	var publishErr error
	if s.syncer != nil {
		publishErr = s.syncer.Publish(ctx, name, enabled)
	}

	op := ActivationOperation{
		FlagName:    name,
		Operation:   operation,
		Success:     publishErr == nil,
		DurationMs:  time.Since(start).Milliseconds(),
		Environment: s.environment,
	}
	if publishErr != nil {
		op.Error = publishErr.Error()
	}
	if s.activations != nil {
		s.activations.Record(op)
	}

	fields := map[string]interface{}{"flag": name, "enabled": enabled}
	for k, v := range metadata {
		fields[k] = v
	}
	if publishErr != nil {
		s.log.Warn("", "", "Flag updated locally but publish failed", fields)
		return fmt.Errorf("publish flag %s: %w", name, publishErr)
	}
	s.log.Info("", "", "Flag updated", fields)
	return nil
}

// applyExternal applies flag state from an external source. Only changed
// flags are touched; external changes do not produce activation records.
func (s *MemoryFlagStore) applyExternal(flags map[string]bool, source string) {
	if len(flags) == 0 {
		return
	}

	s.writeMu.Lock()
	old := *s.snapshot.Load()
	var changed []string
	next := make(map[string]bool, len(old))
	for k, v := range old {
		next[k] = v
	}
	for k, v := range flags {
		if cur, ok := next[k]; !ok || cur != v {
			next[k] = v
			changed = append(changed, k)
		}
	}
	if len(changed) > 0 {
		s.snapshot.Store(&next)
	}
	s.writeMu.Unlock()

	for _, name := range changed {
		s.log.Info("", "", "Flag changed externally", map[string]interface{}{
			"flag":    name,
			"enabled": flags[name],
			"source":  source,
		})
	}
}

// RunSync polls the attached syncer and applies remote changes until ctx
// is canceled. No-op without a syncer.
func (s *MemoryFlagStore) RunSync(ctx context.Context, interval time.Duration) {
	if s.syncer == nil {
		return
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	runEvery(ctx, interval, s.log, "flag-sync", func() {
		loadCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		flags, err := s.syncer.Load(loadCtx)
		if err != nil {
			s.log.Warn("", "", "Flag sync load failed", map[string]interface{}{"error": err.Error()})
			return
		}
		s.applyExternal(flags, "sync")
	})
}

// defaultFlagHashKey is the Redis hash holding the replicated flag state.
const defaultFlagHashKey = "controlplane:flags"

// RedisFlagSync replicates flags through a Redis hash so multiple control
// plane instances converge on the same flag state.
type RedisFlagSync struct {
	client *redis.Client
	key    string
}

// NewRedisFlagSync creates a Redis-backed flag syncer. An empty key uses
// the default hash key.
func NewRedisFlagSync(client *redis.Client, key string) *RedisFlagSync {
	if key == "" {
		key = defaultFlagHashKey
	}
	return &RedisFlagSync{client: client, key: key}
}

// Publish writes one flag to the shared hash.
func (r *RedisFlagSync) Publish(ctx context.Context, name string, enabled bool) error {
	if err := r.client.HSet(ctx, r.key, name, strconv.FormatBool(enabled)).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", r.key, err)
	}
	return nil
}

// Load reads the full shared hash. Unparseable values are skipped.
func (r *RedisFlagSync) Load(ctx context.Context) (map[string]bool, error) {
	vals, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", r.key, err)
	}

	flags := make(map[string]bool, len(vals))
	for name, raw := range vals {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			continue
		}
		flags[name] = enabled
	}
	return flags, nil
}

// FlagFileWatcher reloads flag overrides from a YAML file on change. The
// file holds a flat map of flag name to bool.
type FlagFileWatcher struct {
	path  string
	store *MemoryFlagStore
	log   *logger.Logger
}

// NewFlagFileWatcher creates a watcher for the given flags file.
func NewFlagFileWatcher(path string, store *MemoryFlagStore, log *logger.Logger) *FlagFileWatcher {
	if log == nil {
		log = logger.New("flag-file-watcher")
	}
	return &FlagFileWatcher{path: filepath.Clean(path), store: store, log: log}
}

// Run applies the file once, then watches it until ctx is canceled.
func (w *FlagFileWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(w.path); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}

	w.reload()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				w.reload()
			}
			// Some editors replace the file on save, which drops the watch.
			if event.Op&fsnotify.Remove == fsnotify.Remove || event.Op&fsnotify.Rename == fsnotify.Rename {
				w.rewatch(watcher)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error("", "", "Flag file watcher error", map[string]interface{}{"error": err.Error()})
		}
	}
}

func (w *FlagFileWatcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.log.Warn("", "", "Flag file unreadable", map[string]interface{}{
			"path":  w.path,
			"error": err.Error(),
		})
		return
	}

	var flags map[string]bool
	if err := yaml.Unmarshal(data, &flags); err != nil {
		w.log.Warn("", "", "Flag file is not a flat name:bool map", map[string]interface{}{
			"path":  w.path,
			"error": err.Error(),
		})
		return
	}
	w.store.applyExternal(flags, "file")
}

func (w *FlagFileWatcher) rewatch(watcher *fsnotify.Watcher) {
	for i := 0; i < 50; i++ {
		time.Sleep(100 * time.Millisecond)
		if _, err := os.Stat(w.path); err != nil {
			continue
		}
		if err := watcher.Add(w.path); err == nil {
			w.reload()
			return
		}
	}
	w.log.Error("", "", "Flag file was not recreated", map[string]interface{}{"path": w.path})
}
