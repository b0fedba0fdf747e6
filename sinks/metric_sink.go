// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package sinks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"axonflow/controlplane/shared/logger"
)

// MetricSink exports operational metrics to an external system. Publish must
// never block the caller: implementations buffer and flush in the background.
type MetricSink interface {
	// Publish queues one metric datum. Unit is a CloudWatch standard unit
	// name ("Milliseconds", "Count", "Percent"); empty means "None".
	Publish(namespace, name string, value float64, unit string, dimensions map[string]string, timestamp time.Time)

	// Close flushes any buffered data and stops background work.
	Close() error
}

// maxDatumsPerCall bounds one PutMetricData batch.
const maxDatumsPerCall = 20

// maxBufferedDatums bounds the per-namespace buffer; beyond it the oldest
// data is dropped rather than growing without limit while CloudWatch is down.
const maxBufferedDatums = 1000

// cloudWatchAPI is the slice of the CloudWatch client used by the sink.
// Narrowed for tests.
type cloudWatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchSinkConfig configures the CloudWatch metric sink.
type CloudWatchSinkConfig struct {
	// Region is the AWS region (default "eu-central-1").
	Region string

	// FlushInterval is the background flush period (default 60s).
	FlushInterval time.Duration

	// Static credentials. When empty the default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// CloudWatchSink batches metric data and flushes it to CloudWatch in the
// background. Flush errors are logged and the batch is dropped; metric export
// is best-effort and must never back-pressure the request path.
type CloudWatchSink struct {
	client   cloudWatchAPI
	interval time.Duration
	log      *logger.Logger

	mu     sync.Mutex
	buffer map[string][]cwtypes.MetricDatum

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewCloudWatchSink creates the sink and starts its flush loop.
func NewCloudWatchSink(ctx context.Context, cfg CloudWatchSinkConfig) (*CloudWatchSink, error) {
	if cfg.Region == "" {
		cfg.Region = "eu-central-1"
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 60 * time.Second
	}

	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)
		optFns = append(optFns, config.WithCredentialsProvider(creds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for metric sink: %w", err)
	}

	s := &CloudWatchSink{
		client:   cloudwatch.NewFromConfig(awsCfg),
		interval: cfg.FlushInterval,
		log:      logger.New("cloudwatch-sink"),
		buffer:   make(map[string][]cwtypes.MetricDatum),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Publish queues one datum. Never blocks on network I/O.
func (s *CloudWatchSink) Publish(namespace, name string, value float64, unit string, dimensions map[string]string, timestamp time.Time) {
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	stdUnit := cwtypes.StandardUnitNone
	if unit != "" {
		stdUnit = cwtypes.StandardUnit(unit)
	}

	datum := cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       stdUnit,
		Timestamp:  aws.Time(timestamp),
		Dimensions: toDimensions(dimensions),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	buf := append(s.buffer[namespace], datum)
	if len(buf) > maxBufferedDatums {
		buf = buf[len(buf)-maxBufferedDatums:]
	}
	s.buffer[namespace] = buf
}

// Close flushes buffered data and stops the flush loop.
func (s *CloudWatchSink) Close() error {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	<-s.done

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.flush(ctx)
	return nil
}

func (s *CloudWatchSink) flushLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			s.flush(ctx)
			cancel()
		case <-s.stop:
			return
		}
	}
}

// flush drains the buffer and ships it in batches of at most
// maxDatumsPerCall per namespace.
func (s *CloudWatchSink) flush(ctx context.Context) {
	s.mu.Lock()
	pending := s.buffer
	s.buffer = make(map[string][]cwtypes.MetricDatum)
	s.mu.Unlock()

	for namespace, data := range pending {
		for start := 0; start < len(data); start += maxDatumsPerCall {
			end := start + maxDatumsPerCall
			if end > len(data) {
				end = len(data)
			}
			_, err := s.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
				Namespace:  aws.String(namespace),
				MetricData: data[start:end],
			})
			if err != nil {
				s.log.Warn("", "", "CloudWatch metric flush failed", map[string]interface{}{
					"namespace": namespace,
					"datums":    end - start,
					"error":     err.Error(),
				})
			}
		}
	}
}

func toDimensions(dimensions map[string]string) []cwtypes.Dimension {
	if len(dimensions) == 0 {
		return nil
	}
	keys := make([]string, 0, len(dimensions))
	for k := range dimensions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]cwtypes.Dimension, 0, len(keys))
	for _, k := range keys {
		out = append(out, cwtypes.Dimension{
			Name:  aws.String(k),
			Value: aws.String(dimensions[k]),
		})
	}
	return out
}

// LogSink writes metrics to the structured log. It is the default sink for
// development mode and in-VPC deployments without CloudWatch access.
type LogSink struct {
	log *logger.Logger
}

// NewLogSink creates a metric sink backed by the structured logger.
func NewLogSink() *LogSink {
	return &LogSink{log: logger.New("metric-sink")}
}

// Publish logs the datum at debug level.
func (s *LogSink) Publish(namespace, name string, value float64, unit string, dimensions map[string]string, timestamp time.Time) {
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	fields := map[string]interface{}{
		"namespace": namespace,
		"metric":    name,
		"value":     value,
		"unit":      unit,
		"timestamp": timestamp.UTC().Format(time.RFC3339),
	}
	for k, v := range dimensions {
		fields["dim_"+k] = v
	}
	s.log.Debug("", "", "METRIC", fields)
}

// Close is a no-op.
func (s *LogSink) Close() error { return nil }
