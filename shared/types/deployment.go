// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package types

import (
	"context"

	"axonflow/controlplane/shared/logger"
)

// DeploymentMode represents the deployment type
type DeploymentMode string

const (
	// DeploymentModeSaaS is for multi-tenant SaaS deployments
	DeploymentModeSaaS DeploymentMode = "saas"
	// DeploymentModeInVPC is for single-tenant In-VPC deployments
	DeploymentModeInVPC DeploymentMode = "invpc"
)

// String returns the string representation of the DeploymentMode
func (m DeploymentMode) String() string {
	return string(m)
}

// IsValid returns true if the DeploymentMode is a valid known value
func (m DeploymentMode) IsValid() bool {
	switch m {
	case DeploymentModeSaaS, DeploymentModeInVPC:
		return true
	default:
		return false
	}
}

// DeploymentConfig contains deployment-specific settings that control
// tenant isolation and which operational surfaces the control plane exposes.
type DeploymentConfig struct {
	// Mode is the deployment type (saas or invpc)
	Mode DeploymentMode `json:"mode"`

	// TenantIsolation scopes audit queries and rate limits per client
	TenantIsolation bool `json:"tenant_isolation"`

	// ExposeAdminAPI enables the mutating admin endpoints (In-VPC default)
	ExposeAdminAPI bool `json:"expose_admin_api"`
}

// DefaultSaaSConfig returns the default configuration for SaaS deployments.
func DefaultSaaSConfig() DeploymentConfig {
	return DeploymentConfig{
		Mode:            DeploymentModeSaaS,
		TenantIsolation: true,
		ExposeAdminAPI:  false,
	}
}

// DefaultInVPCConfig returns the default configuration for In-VPC deployments.
func DefaultInVPCConfig() DeploymentConfig {
	return DeploymentConfig{
		Mode:            DeploymentModeInVPC,
		TenantIsolation: false,
		ExposeAdminAPI:  true,
	}
}

// IsSaaS returns true if this is a SaaS deployment
func (c DeploymentConfig) IsSaaS() bool {
	return c.Mode == DeploymentModeSaaS
}

// IsInVPC returns true if this is an In-VPC deployment
func (c DeploymentConfig) IsInVPC() bool {
	return c.Mode == DeploymentModeInVPC
}

// DeploymentControl abstracts the scaling automation invoked by scaling
// recommendations. Real automation lives outside the control plane; the
// default implementation only records intent.
type DeploymentControl interface {
	ScaleOut(ctx context.Context, component string, replicas int) error
	ScaleIn(ctx context.Context, component string, replicas int) error
}

// LogDeploymentControl is a DeploymentControl that records scaling intent in
// the structured log without touching infrastructure.
type LogDeploymentControl struct {
	Logger *logger.Logger
}

// ScaleOut logs a scale-out request.
func (c *LogDeploymentControl) ScaleOut(ctx context.Context, component string, replicas int) error {
	if c.Logger != nil {
		c.Logger.Info("", "", "Scale-out requested", map[string]interface{}{
			"component": component,
			"replicas":  replicas,
		})
	}
	return nil
}

// ScaleIn logs a scale-in request.
func (c *LogDeploymentControl) ScaleIn(ctx context.Context, component string, replicas int) error {
	if c.Logger != nil {
		c.Logger.Info("", "", "Scale-in requested", map[string]interface{}{
			"component": component,
			"replicas":  replicas,
		})
	}
	return nil
}
