// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package sinks

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"axonflow/controlplane/shared/logger"
)

type fakeCloudWatchAPI struct {
	mu    sync.Mutex
	calls []*cloudwatch.PutMetricDataInput
}

func (f *fakeCloudWatchAPI) PutMetricData(_ context.Context, params *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, params)
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func newTestCloudWatchSink(api cloudWatchAPI) *CloudWatchSink {
	s := &CloudWatchSink{
		client:   api,
		interval: time.Hour, // flush manually in tests
		log:      logger.NewWithWriter("test", io.Discard),
		buffer:   make(map[string][]cwtypes.MetricDatum),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

func TestCloudWatchSinkBatchesAtMostTwenty(t *testing.T) {
	fake := &fakeCloudWatchAPI{}
	sink := newTestCloudWatchSink(fake)

	for i := 0; i < 45; i++ {
		sink.Publish("AxonFlow/ControlPlane", fmt.Sprintf("metric_%d", i), float64(i), "Count", nil, time.Now())
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if len(fake.calls) != 3 {
		t.Fatalf("expected 3 PutMetricData calls for 45 datums, got %d", len(fake.calls))
	}
	total := 0
	for _, call := range fake.calls {
		if len(call.MetricData) > maxDatumsPerCall {
			t.Errorf("batch of %d exceeds limit %d", len(call.MetricData), maxDatumsPerCall)
		}
		if aws.ToString(call.Namespace) != "AxonFlow/ControlPlane" {
			t.Errorf("namespace = %s", aws.ToString(call.Namespace))
		}
		total += len(call.MetricData)
	}
	if total != 45 {
		t.Errorf("shipped %d datums, want 45", total)
	}
}

func TestCloudWatchSinkSplitsNamespaces(t *testing.T) {
	fake := &fakeCloudWatchAPI{}
	sink := newTestCloudWatchSink(fake)

	sink.Publish("NS/One", "a", 1, "Count", nil, time.Now())
	sink.Publish("NS/Two", "b", 2, "Milliseconds", map[string]string{"provider": "bedrock"}, time.Now())
	if err := sink.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if len(fake.calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(fake.calls))
	}
	seen := map[string]bool{}
	for _, call := range fake.calls {
		seen[aws.ToString(call.Namespace)] = true
	}
	if !seen["NS/One"] || !seen["NS/Two"] {
		t.Errorf("namespaces seen: %v", seen)
	}
}

func TestCloudWatchSinkBoundsBuffer(t *testing.T) {
	fake := &fakeCloudWatchAPI{}
	sink := newTestCloudWatchSink(fake)

	for i := 0; i < maxBufferedDatums+250; i++ {
		sink.Publish("NS", "m", float64(i), "Count", nil, time.Now())
	}

	sink.mu.Lock()
	buffered := len(sink.buffer["NS"])
	sink.mu.Unlock()
	if buffered != maxBufferedDatums {
		t.Errorf("buffer holds %d datums, want cap %d", buffered, maxBufferedDatums)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestToDimensionsSortedAndStable(t *testing.T) {
	dims := toDimensions(map[string]string{"provider": "bedrock", "domain": "culinary", "route": "direct"})
	if len(dims) != 3 {
		t.Fatalf("expected 3 dimensions, got %d", len(dims))
	}
	want := []string{"domain", "provider", "route"}
	for i, d := range dims {
		if aws.ToString(d.Name) != want[i] {
			t.Errorf("dimension %d = %s, want %s", i, aws.ToString(d.Name), want[i])
		}
	}
	if toDimensions(nil) != nil {
		t.Error("expected nil for empty dimensions")
	}
}

func TestLogSinkPublishAndClose(t *testing.T) {
	sink := NewLogSink()
	sink.log = logger.NewWithWriter("test", io.Discard)
	sink.Publish("NS", "latency_ms", 123.4, "Milliseconds", map[string]string{"path": "direct"}, time.Time{})
	if err := sink.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}
