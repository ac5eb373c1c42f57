package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("failed to read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestRecordEventCountsByKind(t *testing.T) {
	resetMetricHandlers()

	before := counterValue(t, eventsTotal.WithLabelValues("trade"))
	RecordEvent("trade")
	RecordEvent("trade")

	if got := counterValue(t, eventsTotal.WithLabelValues("trade")) - before; got != 2 {
		t.Fatalf("expected 2 trade events, got %v", got)
	}
}

func TestRecordDropCountsByReason(t *testing.T) {
	resetMetricHandlers()

	before := counterValue(t, droppedTotal.WithLabelValues(DropUnbound))
	RecordDrop(DropUnbound)

	if got := counterValue(t, droppedTotal.WithLabelValues(DropUnbound)) - before; got != 1 {
		t.Fatalf("expected 1 unbound drop, got %v", got)
	}
}

func TestRecordCallbackFaultAndRotation(t *testing.T) {
	resetMetricHandlers()

	faults := counterValue(t, callbackFaults)
	rotated := counterValue(t, rotations)

	RecordCallbackFault("order")
	RecordRotation()

	if got := counterValue(t, callbackFaults) - faults; got != 1 {
		t.Fatalf("expected 1 callback fault, got %v", got)
	}
	if got := counterValue(t, rotations) - rotated; got != 1 {
		t.Fatalf("expected 1 rotation, got %v", got)
	}
}

func TestRecordEmitsToHandlers(t *testing.T) {
	resetMetricHandlers()

	var got []Metric
	id := RegisterMetricHandler(func(m Metric) { got = append(got, m) })
	t.Cleanup(func() { UnregisterMetricHandler(id) })

	RecordDrop(DropDecodeFailure)

	if len(got) != 1 {
		t.Fatalf("expected 1 metric, got %d", len(got))
	}
	if got[0].Name != "dropped" || got[0].Fields["reason"] != DropDecodeFailure {
		t.Fatalf("unexpected metric: %+v", got[0])
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()
}
