// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package types

import (
	"context"
	"testing"
)

func TestDeploymentMode_String(t *testing.T) {
	tests := []struct {
		mode DeploymentMode
		want string
	}{
		{DeploymentModeSaaS, "saas"},
		{DeploymentModeInVPC, "invpc"},
		{DeploymentMode("custom"), "custom"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.mode.String(); got != tt.want {
				t.Errorf("String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeploymentMode_IsValid(t *testing.T) {
	tests := []struct {
		mode  DeploymentMode
		valid bool
	}{
		{DeploymentModeSaaS, true},
		{DeploymentModeInVPC, true},
		{DeploymentMode("invalid"), false},
		{DeploymentMode(""), false},
		{DeploymentMode("SAAS"), false}, // case sensitive
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			if got := tt.mode.IsValid(); got != tt.valid {
				t.Errorf("IsValid() = %v, want %v", got, tt.valid)
			}
		})
	}
}

func TestDefaultSaaSConfig(t *testing.T) {
	config := DefaultSaaSConfig()

	if config.Mode != DeploymentModeSaaS {
		t.Errorf("Mode = %v, want %v", config.Mode, DeploymentModeSaaS)
	}
	if !config.TenantIsolation {
		t.Error("expected TenantIsolation to be true for SaaS")
	}
	if config.ExposeAdminAPI {
		t.Error("expected ExposeAdminAPI to be false for SaaS")
	}
	if !config.IsSaaS() || config.IsInVPC() {
		t.Error("IsSaaS/IsInVPC mismatch for SaaS config")
	}
}

func TestDefaultInVPCConfig(t *testing.T) {
	config := DefaultInVPCConfig()

	if config.Mode != DeploymentModeInVPC {
		t.Errorf("Mode = %v, want %v", config.Mode, DeploymentModeInVPC)
	}
	if config.TenantIsolation {
		t.Error("expected TenantIsolation to be false for In-VPC")
	}
	if !config.ExposeAdminAPI {
		t.Error("expected ExposeAdminAPI to be true for In-VPC")
	}
	if !config.IsInVPC() || config.IsSaaS() {
		t.Error("IsSaaS/IsInVPC mismatch for In-VPC config")
	}
}

func TestLogDeploymentControl(t *testing.T) {
	control := &LogDeploymentControl{}

	if err := control.ScaleOut(context.Background(), "gateway", 2); err != nil {
		t.Errorf("ScaleOut() error = %v, want nil", err)
	}
	if err := control.ScaleIn(context.Background(), "gateway", 1); err != nil {
		t.Errorf("ScaleIn() error = %v, want nil", err)
	}
}
