// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

/*
Package sinks holds the outbound integrations of the control plane: content
policy evaluation, operator notifications, metric export, and history
archival.

Every sink is an interface with at least one managed-service implementation
and one local fallback, so the steering service degrades instead of failing
when an external dependency is unreachable:

  - ContentPolicySink: BedrockGuardrailSink (ApplyGuardrail), HTTPPolicySink,
    NoopSink
  - NotificationSink: SlackSink, EmailSink, PagerSink, fanned out by Notifier
  - MetricSink: CloudWatchSink (buffered PutMetricData), LogSink
  - Archiver: periodic JSON export of audit and optimization history to S3

Sink failures are reported to callers as errors (policy sinks) or logged and
swallowed (notifications, metrics); they never panic and never block the
request path beyond the caller's context deadline.
*/
package sinks
