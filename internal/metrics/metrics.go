// Registers:
//
//	#userstream_events_total{kind}
//	#userstream_dropped_total{reason}
//	#userstream_callback_faults_total
//	#userstream_rotations_total
//	#go_* and process_* system metrics
//
// Exposes them on <prometheus_addr>/metrics using the Prometheus HTTP handler
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"userstream/logger"
)

// Drop reasons for userstream_dropped_total.
const (
	DropUnbound       = "unbound"
	DropDecodeFailure = "decode_failure"
	DropUnknownEvent  = "unknown_event"
	DropFeedFull      = "feed_full"
)

const component = "userstream_metrics"

var (
	once sync.Once

	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "userstream_events_total",
			Help: "Number of user data events decoded, by kind",
		},
		[]string{"kind"},
	)

	droppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "userstream_dropped_total",
			Help: "Number of user data messages dropped before delivery, by reason",
		},
		[]string{"reason"},
	)

	callbackFaults = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "userstream_callback_faults_total",
		Help: "Number of handler errors and panics isolated during dispatch",
	})

	rotations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "userstream_rotations_total",
		Help: "Number of stream identifier rotations that moved registrations",
	})
)

// Init registers the collectors with the default registry. It is safe to
// call more than once.
func Init() {
	once.Do(func() {
		_ = prometheus.Register(eventsTotal)
		_ = prometheus.Register(droppedTotal)
		_ = prometheus.Register(callbackFaults)
		_ = prometheus.Register(rotations)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	Init()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.GetLogger().WithComponent(component).WithField("addr", addr).Info("serving prometheus metrics")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// RecordEvent counts one decoded event of the given kind.
func RecordEvent(kind string) {
	eventsTotal.WithLabelValues(kind).Inc()
	EmitMetric(nil, "userdata_dispatcher", "events", 1, "counter", logger.Fields{"kind": kind})
}

// RecordDrop counts one dropped message. Feed drops happen after the
// handlers ran; every other reason before.
func RecordDrop(reason string) {
	droppedTotal.WithLabelValues(reason).Inc()
	EmitMetric(nil, "userdata_dispatcher", "dropped", 1, "counter", logger.Fields{"reason": reason})
}

// RecordCallbackFault counts one handler error or panic.
func RecordCallbackFault(category string) {
	callbackFaults.Inc()
	EmitMetric(nil, "userdata_dispatcher", "callback_faults", 1, "counter", logger.Fields{"category": category})
}

// RecordRotation counts one identifier rotation.
func RecordRotation() {
	rotations.Inc()
	EmitMetric(nil, "userdata_rotation", "rotations", 1, "counter", nil)
}
