// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/slack-go/slack"
	"golang.org/x/sync/errgroup"

	"axonflow/controlplane/shared/logger"
)

// Channel identifies a notification delivery channel.
type Channel string

const (
	ChannelChat  Channel = "chat"
	ChannelEmail Channel = "email"
	ChannelPager Channel = "pager"
)

// NotificationSink delivers one operator notification. Implementations must
// be safe for concurrent use.
type NotificationSink interface {
	// Name returns the sink identifier used in logs.
	Name() string

	// Publish delivers the notification. Implementations should return an
	// error on transient failures so the notifier can retry.
	Publish(ctx context.Context, channel Channel, subject, body string) error
}

// Notifier fans a notification out to every sink registered for a channel.
// Delivery is best-effort: each sink is retried with exponential backoff,
// and failures are logged but never propagated to the caller. Alerting must
// not be able to take down the component that raised the alert.
type Notifier struct {
	mu    sync.RWMutex
	sinks map[Channel][]NotificationSink

	maxRetries uint64
	log        *logger.Logger
}

// NewNotifier creates an empty notifier. Register sinks per channel before
// use; notifying a channel with no sinks is a no-op.
func NewNotifier() *Notifier {
	return &Notifier{
		sinks:      make(map[Channel][]NotificationSink),
		maxRetries: 3,
		log:        logger.New("notifier"),
	}
}

// Register adds a sink to a channel. The same sink may serve several
// channels.
func (n *Notifier) Register(channel Channel, sink NotificationSink) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sinks[channel] = append(n.sinks[channel], sink)
}

// Notify delivers the notification to all sinks of the channel concurrently.
// It blocks until every sink has succeeded or exhausted its retries, bounded
// by the caller's context.
func (n *Notifier) Notify(ctx context.Context, channel Channel, subject, body string) {
	n.mu.RLock()
	targets := make([]NotificationSink, len(n.sinks[channel]))
	copy(targets, n.sinks[channel])
	n.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, sink := range targets {
		sink := sink
		g.Go(func() error {
			op := func() error {
				return sink.Publish(gctx, channel, subject, body)
			}
			policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), n.maxRetries), gctx)
			if err := backoff.Retry(op, policy); err != nil {
				n.log.Error("", "", "Notification delivery failed", map[string]interface{}{
					"sink":    sink.Name(),
					"channel": string(channel),
					"subject": subject,
					"error":   err.Error(),
				})
			}
			// Never fail the group: one broken sink must not cancel the rest.
			return nil
		})
	}
	_ = g.Wait()
}

// SlackSink posts notifications to a Slack incoming webhook.
type SlackSink struct {
	webhookURL string
}

// NewSlackSink creates a chat sink for the given webhook URL.
func NewSlackSink(webhookURL string) (*SlackSink, error) {
	if webhookURL == "" {
		return nil, fmt.Errorf("slack sink requires a webhook URL")
	}
	return &SlackSink{webhookURL: webhookURL}, nil
}

func (s *SlackSink) Name() string { return "slack" }

// Publish posts the notification as a webhook message.
func (s *SlackSink) Publish(ctx context.Context, _ Channel, subject, body string) error {
	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf("*%s*\n%s", subject, body),
	}
	if err := slack.PostWebhookContext(ctx, s.webhookURL, msg); err != nil {
		return fmt.Errorf("slack webhook failed: %w", err)
	}
	return nil
}

// EmailSink records the notification as a structured email log entry.
// Actual SMTP delivery is handled by the log shipping pipeline downstream;
// the control plane never opens SMTP connections itself.
type EmailSink struct {
	recipient string
	log       *logger.Logger
}

// NewEmailSink creates an email sink for the given recipient address.
func NewEmailSink(recipient string) *EmailSink {
	return &EmailSink{
		recipient: recipient,
		log:       logger.New("email-sink"),
	}
}

func (s *EmailSink) Name() string { return "email" }

// Publish logs the email record. It never fails.
func (s *EmailSink) Publish(_ context.Context, _ Channel, subject, body string) error {
	s.log.Info("", "", "EMAIL_NOTIFICATION", map[string]interface{}{
		"to":      s.recipient,
		"subject": subject,
		"body":    body,
	})
	return nil
}

// PagerSink posts notifications to a paging webhook (PagerDuty events API or
// compatible).
type PagerSink struct {
	endpoint   string
	httpClient *http.Client
}

// NewPagerSink creates a pager sink for the given webhook endpoint.
func NewPagerSink(endpoint string) (*PagerSink, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("pager sink requires an endpoint")
	}
	return &PagerSink{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

func (s *PagerSink) Name() string { return "pager" }

type pagerEvent struct {
	Summary  string `json:"summary"`
	Details  string `json:"details"`
	Source   string `json:"source"`
	Severity string `json:"severity"`
}

// Publish posts a critical event to the paging endpoint.
func (s *PagerSink) Publish(ctx context.Context, _ Channel, subject, body string) error {
	payload, err := json.Marshal(pagerEvent{
		Summary:  subject,
		Details:  body,
		Source:   "axonflow-controlplane",
		Severity: "critical",
	})
	if err != nil {
		return fmt.Errorf("failed to marshal pager event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build pager request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pager endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("pager endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
