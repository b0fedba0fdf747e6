// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"errors"
	"testing"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(NewMockClient("alpha")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register(NewMockClient("beta")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	p, err := r.Get("alpha")
	if err != nil {
		t.Fatalf("Get(alpha) error = %v", err)
	}
	if p.Name() != "alpha" {
		t.Errorf("Name() = %q, want alpha", p.Name())
	}

	if _, err := r.Get("missing"); err == nil {
		t.Error("Get(missing) should fail")
	}

	names := r.Names()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Errorf("Names() = %v, want [alpha beta]", names)
	}
	if got := len(r.All()); got != 2 {
		t.Errorf("len(All()) = %d, want 2", got)
	}
}

func TestRegistryRejectsInvalidProviders(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(nil); err == nil {
		t.Error("Register(nil) should fail")
	}
	if err := r.Register(&MockClient{}); err == nil {
		t.Error("Register with empty name should fail")
	}
}

func TestRegistryRegisterReplaces(t *testing.T) {
	r := NewRegistry()

	first := NewMockClient("primary")
	second := NewMockClient("primary")
	second.SetResponse("replacement")

	if err := r.Register(first); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register(second); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	p, err := r.Get("primary")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp, err := p.Invoke(context.Background(), Request{Prompt: "x"})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if resp.Content != "replacement" {
		t.Errorf("Content = %q, want the replacing client's response", resp.Content)
	}
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(NewMockClient("gone")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	r.Remove("gone")
	if _, err := r.Get("gone"); err == nil {
		t.Error("Get after Remove should fail")
	}
	// Removing an unknown name is a no-op.
	r.Remove("never-there")
}

func TestHealthCheckerProbeAll(t *testing.T) {
	r := NewRegistry()
	healthy := NewMockClient("healthy")
	failing := NewMockClient("failing")
	failing.SetError(errors.New("connection refused"))

	if err := r.Register(healthy); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register(failing); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	checker := NewHealthChecker(r, 0)
	checker.ProbeAll(context.Background())

	res, ok := checker.Result("healthy")
	if !ok {
		t.Fatal("no result for healthy provider")
	}
	if res.Status != HealthStatusHealthy {
		t.Errorf("Status = %q, want healthy", res.Status)
	}
	if res.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0", res.ConsecutiveFailures)
	}
	if !checker.IsHealthy("healthy") {
		t.Error("IsHealthy(healthy) = false")
	}

	res, ok = checker.Result("failing")
	if !ok {
		t.Fatal("no result for failing provider")
	}
	if res.Status != HealthStatusUnhealthy {
		t.Errorf("Status = %q, want unhealthy", res.Status)
	}
	if checker.IsHealthy("failing") {
		t.Error("IsHealthy(failing) = true")
	}
}

func TestHealthCheckerCountsConsecutiveFailures(t *testing.T) {
	r := NewRegistry()
	flaky := NewMockClient("flaky")
	flaky.SetError(errors.New("boom"))
	if err := r.Register(flaky); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	checker := NewHealthChecker(r, 0)
	checker.ProbeAll(context.Background())
	checker.ProbeAll(context.Background())
	checker.ProbeAll(context.Background())

	res, _ := checker.Result("flaky")
	if res.ConsecutiveFailures != 3 {
		t.Errorf("ConsecutiveFailures = %d, want 3", res.ConsecutiveFailures)
	}

	flaky.SetError(nil)
	checker.ProbeAll(context.Background())
	res, _ = checker.Result("flaky")
	if res.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures after recovery = %d, want 0", res.ConsecutiveFailures)
	}
	if res.Status != HealthStatusHealthy {
		t.Errorf("Status after recovery = %q, want healthy", res.Status)
	}
}

func TestHealthCheckerUnprobedProviderIsHealthy(t *testing.T) {
	checker := NewHealthChecker(NewRegistry(), 0)
	if !checker.IsHealthy("cold-start") {
		t.Error("a never-probed provider should count as healthy")
	}
}

func TestHealthCheckerSnapshotIsCopy(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(NewMockClient("only")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	checker := NewHealthChecker(r, 0)
	checker.ProbeAll(context.Background())

	snap := checker.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("len(Snapshot()) = %d, want 1", len(snap))
	}
	delete(snap, "only")

	if _, ok := checker.Result("only"); !ok {
		t.Error("mutating the snapshot must not affect the checker")
	}
}
