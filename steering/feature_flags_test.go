// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package steering

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

type fakeSyncer struct {
	published  map[string]bool
	loadState  map[string]bool
	publishErr error
}

func (f *fakeSyncer) Publish(_ context.Context, name string, enabled bool) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	if f.published == nil {
		f.published = map[string]bool{}
	}
	f.published[name] = enabled
	return nil
}

func (f *fakeSyncer) Load(_ context.Context) (map[string]bool, error) {
	return f.loadState, nil
}

func TestMemoryFlagStoreDefaults(t *testing.T) {
	s := NewMemoryFlagStore(nil, nil, testLogger())

	if !s.Get(FlagDirectRouting) || !s.Get(FlagMediatedRouting) || !s.Get(FlagIntelligentRouting) {
		t.Error("routing flags should default to enabled")
	}
	if s.Get(FlagSupportMode) {
		t.Error("support mode should default to disabled")
	}
	if s.Get("routing.unknown") {
		t.Error("unknown flags should read as disabled")
	}
	if got := len(s.All()); got != 4 {
		t.Errorf("All() = %d flags, want 4", got)
	}
}

func TestSetRecordsActivationOperation(t *testing.T) {
	activations := newTestActivationMonitor()
	s := NewMemoryFlagStore(nil, activations, testLogger())

	if err := s.Set(context.Background(), FlagSupportMode, true, map[string]string{"changed_by": "admin"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !s.Get(FlagSupportMode) {
		t.Error("flag should be enabled after Set")
	}

	ops := activations.RecentOperations(1)
	if len(ops) != 1 {
		t.Fatalf("activation operations = %d, want 1", len(ops))
	}
	if ops[0].FlagName != FlagSupportMode || ops[0].Operation != "enable" || !ops[0].Success {
		t.Errorf("operation = %+v, want successful enable of %s", ops[0], FlagSupportMode)
	}
}

func TestSetPublishesThroughSyncer(t *testing.T) {
	syncer := &fakeSyncer{}
	s := NewMemoryFlagStore(nil, nil, testLogger())
	s.SetSyncer(syncer)

	if err := s.Set(context.Background(), FlagDirectRouting, false, nil); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if enabled, ok := syncer.published[FlagDirectRouting]; !ok || enabled {
		t.Errorf("published = %v, want %s=false", syncer.published, FlagDirectRouting)
	}
}

func TestSetAppliesLocallyWhenPublishFails(t *testing.T) {
	activations := newTestActivationMonitor()
	syncer := &fakeSyncer{publishErr: errors.New("redis down")}
	s := NewMemoryFlagStore(nil, activations, testLogger())
	s.SetSyncer(syncer)

	err := s.Set(context.Background(), FlagMediatedRouting, false, nil)
	if err == nil {
		t.Fatal("expected publish error")
	}
	if s.Get(FlagMediatedRouting) {
		t.Error("local flag state should apply despite the publish failure")
	}

	ops := activations.RecentOperations(1)
	if len(ops) != 1 || ops[0].Success || ops[0].Error == "" {
		t.Errorf("operation = %+v, want a recorded failure", ops)
	}
}

func TestApplyExternalOnlyTouchesChangedFlags(t *testing.T) {
	activations := newTestActivationMonitor()
	s := NewMemoryFlagStore(nil, activations, testLogger())

	s.applyExternal(map[string]bool{
		FlagDirectRouting: true, // unchanged
		FlagSupportMode:   true, // changed
		"custom.flag":     true, // new
	}, "sync")

	if !s.Get(FlagSupportMode) || !s.Get("custom.flag") {
		t.Error("external changes should apply")
	}
	if got := activations.RecentOperations(10); len(got) != 0 {
		t.Errorf("external changes must not create activation records, got %+v", got)
	}
}

func TestRedisFlagSyncRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	syncer := NewRedisFlagSync(client, "")
	ctx := context.Background()

	if err := syncer.Publish(ctx, FlagDirectRouting, false); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := syncer.Publish(ctx, FlagSupportMode, true); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	// Unparseable values are skipped on load.
	mr.HSet(defaultFlagHashKey, "broken.flag", "not-a-bool")

	flags, err := syncer.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(flags) != 2 {
		t.Fatalf("flags = %v, want 2 parseable entries", flags)
	}
	if flags[FlagDirectRouting] || !flags[FlagSupportMode] {
		t.Errorf("flags = %v, want direct=false support=true", flags)
	}
}

func TestFlagStoreSyncsFromRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	syncer := NewRedisFlagSync(client, "")
	s := NewMemoryFlagStore(nil, nil, testLogger())
	s.SetSyncer(syncer)

	// Another instance disables a path remotely.
	mr.HSet(defaultFlagHashKey, FlagIntelligentRouting, "false")

	flags, err := syncer.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s.applyExternal(flags, "sync")

	if s.Get(FlagIntelligentRouting) {
		t.Error("remote disable should apply to the local store")
	}
}

func TestFlagFileWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flags.yaml")
	content := []byte("routing.direct.enabled: false\nmode.support: true\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write flags file: %v", err)
	}

	s := NewMemoryFlagStore(nil, nil, testLogger())
	w := NewFlagFileWatcher(path, s, testLogger())
	w.reload()

	if s.Get(FlagDirectRouting) {
		t.Error("file should disable direct routing")
	}
	if !s.Get(FlagSupportMode) {
		t.Error("file should enable support mode")
	}
	// Untouched flags keep their defaults.
	if !s.Get(FlagMediatedRouting) {
		t.Error("mediated routing should stay enabled")
	}
}

func TestFlagFileWatcherIgnoresMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flags.yaml")
	if err := os.WriteFile(path, []byte("- just\n- a\n- list\n"), 0o600); err != nil {
		t.Fatalf("write flags file: %v", err)
	}

	s := NewMemoryFlagStore(nil, nil, testLogger())
	w := NewFlagFileWatcher(path, s, testLogger())
	w.reload()

	if !s.Get(FlagDirectRouting) {
		t.Error("malformed file must not clobber flag state")
	}
}
