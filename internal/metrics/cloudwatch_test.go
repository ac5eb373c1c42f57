package metrics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"

	"userstream/logger"
)

type fakeCloudWatch struct {
	mu     sync.Mutex
	inputs []*cloudwatch.PutMetricDataInput
	err    error
}

func (f *fakeCloudWatch) PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, params)
	if f.err != nil {
		return nil, f.err
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func (f *fakeCloudWatch) calls() []*cloudwatch.PutMetricDataInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*cloudwatch.PutMetricDataInput(nil), f.inputs...)
}

func TestCloudWatchPublisherSumsByDimensions(t *testing.T) {
	client := &fakeCloudWatch{}
	p := newCloudWatchPublisher(client, "Userstream", time.Minute)

	p.handle(Metric{Component: "userdata_dispatcher", Name: "events", Value: 1, Fields: logger.Fields{"kind": "trade"}})
	p.handle(Metric{Component: "userdata_dispatcher", Name: "events", Value: 2, Fields: logger.Fields{"kind": "trade"}})
	p.handle(Metric{Component: "userdata_dispatcher", Name: "events", Value: 1, Fields: logger.Fields{"kind": "account"}})
	p.handle(Metric{Component: "userdata_dispatcher", Name: "events", Value: "n/a"})

	p.flush(context.Background())

	calls := client.calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(calls))
	}
	if *calls[0].Namespace != "Userstream" {
		t.Fatalf("unexpected namespace %s", *calls[0].Namespace)
	}

	data := calls[0].MetricData
	if len(data) != 2 {
		t.Fatalf("expected 2 datums, got %d", len(data))
	}

	values := map[string]float64{}
	for _, d := range data {
		for _, dim := range d.Dimensions {
			if *dim.Name == "kind" {
				values[*dim.Value] = *d.Value
			}
		}
	}
	if values["trade"] != 3 || values["account"] != 1 {
		t.Fatalf("unexpected sums: %v", values)
	}
}

func TestCloudWatchPublisherFlushEmpty(t *testing.T) {
	client := &fakeCloudWatch{}
	p := newCloudWatchPublisher(client, "Userstream", time.Minute)

	p.flush(context.Background())

	if n := len(client.calls()); n != 0 {
		t.Fatalf("expected no publish for empty batch, got %d", n)
	}
}

func TestCloudWatchPublisherErrorDropsBatch(t *testing.T) {
	client := &fakeCloudWatch{err: errors.New("throttled")}
	p := newCloudWatchPublisher(client, "Userstream", time.Minute)

	p.handle(Metric{Component: "userdata_rotation", Name: "rotations", Value: 1})
	p.flush(context.Background())
	p.flush(context.Background())

	if n := len(client.calls()); n != 1 {
		t.Fatalf("expected a single attempt, got %d", n)
	}
}

func TestCloudWatchPublisherRunFlushesOnCancel(t *testing.T) {
	resetMetricHandlers()

	client := &fakeCloudWatch{}
	p := newCloudWatchPublisher(client, "Userstream", time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for {
		if handlers.len() > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("publisher did not register a handler")
		}
		time.Sleep(5 * time.Millisecond)
	}

	RecordRotation()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher did not stop")
	}

	if n := len(client.calls()); n != 1 {
		t.Fatalf("expected final flush, got %d publishes", n)
	}
}
