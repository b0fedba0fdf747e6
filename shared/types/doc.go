// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

/*
Package types provides shared type definitions used across control-plane
components.

# Overview

This package contains common types shared between the steering service, the
guardrails pipeline, and supporting packages. It provides a single source of
truth for deployment configuration and the deployment-control surface.

# Deployment Modes

The control plane supports two deployment modes, configured via
DeploymentConfig:

SaaS Mode (multi-tenant):
  - Strict tenant isolation (per-client audit scoping and rate limits)
  - Mutating admin API disabled by default

In-VPC Mode (single-tenant):
  - Platform-wide metrics visibility
  - Mutating admin API exposed

# Deployment Control

Scaling recommendations produced by the optimization orchestrator are
dispatched through the DeploymentControl interface. The control plane ships a
logging implementation only; real automation is owned by external tooling.

	control := &types.LogDeploymentControl{Logger: log}
	_ = control.ScaleOut(ctx, "gateway", 2)
*/
package types
