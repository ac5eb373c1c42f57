package userdata

import (
	"context"
	"errors"
	"fmt"

	"userstream/internal/metrics"
	"userstream/logger"
)

// AggregateSink receives every decoded event after the registered handlers.
type AggregateSink interface {
	Publish(ctx context.Context, ev Event) error
}

// DispatcherConfig wires a Dispatcher. Only Registry is required.
type DispatcherConfig struct {
	Registry *Registry
	Sink     AggregateSink
	Tracker  StreamTracker
	Log      *logger.Log
}

// Dispatcher decodes raw stream messages and fans them out to subscribers.
type Dispatcher struct {
	registry *Registry
	decoder  *Decoder
	sink     AggregateSink
	tracker  StreamTracker
	log      *logger.Log
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	log := cfg.Log
	if log == nil {
		log = logger.GetLogger()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry(log)
	}
	return &Dispatcher{
		registry: registry,
		decoder:  NewDecoder(log),
		sink:     cfg.Sink,
		tracker:  cfg.Tracker,
		log:      log,
	}
}

func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

type sinkKind string

const (
	sinkCategory  sinkKind = "category"
	sinkGeneric   sinkKind = "generic"
	sinkAdHoc     sinkKind = "ad_hoc"
	sinkAggregate sinkKind = "aggregate"
)

type sink struct {
	kind    sinkKind
	id      SubscriptionID
	handler Handler
}

// DecodeAndDispatch decodes raw for streamID and delivers the event to the
// category subscribers, the generic subscribers, the ad-hoc handlers and
// the aggregate sink, in that order. Nothing is returned: drops and
// handler faults are logged and counted.
func (d *Dispatcher) DecodeAndDispatch(ctx context.Context, streamID string, raw []byte, adHoc ...Handler) {
	if ctx == nil {
		ctx = context.Background()
	}
	log := d.log.WithComponent("userdata_dispatcher").WithField("stream_id", shortID(streamID))

	snap := d.registry.Resolve(streamID)
	if !snap.Bound {
		metrics.RecordDrop(metrics.DropUnbound)
		log.Warn("message for unbound stream, dropping")
		return
	}

	ev, err := d.decoder.Decode(snap.Identity, raw)
	if err != nil {
		if errors.Is(err, ErrUnknownEvent) {
			metrics.RecordDrop(metrics.DropUnknownEvent)
			log.WithError(err).Warn("unhandled user data event, dropping")
			return
		}
		metrics.RecordDrop(metrics.DropDecodeFailure)
		log.WithError(err).WithField("payload_size", len(raw)).Error("failed to decode user data message")
		return
	}

	metrics.RecordEvent(ev.Category().String())

	for _, s := range d.sinks(snap, ev, adHoc) {
		d.deliver(ctx, s, ev, log)
	}
}

func (d *Dispatcher) sinks(snap Snapshot, ev Event, adHoc []Handler) []sink {
	category := snap.Subscriptions(ev.Category())
	generic := snap.Subscriptions(CategoryGeneric)

	out := make([]sink, 0, len(category)+len(generic)+len(adHoc)+1)
	for _, s := range category {
		out = append(out, sink{kind: sinkCategory, id: s.ID, handler: s.Handler})
	}
	for _, s := range generic {
		out = append(out, sink{kind: sinkGeneric, id: s.ID, handler: s.Handler})
	}
	for _, h := range adHoc {
		if h != nil {
			out = append(out, sink{kind: sinkAdHoc, handler: h})
		}
	}
	if d.sink != nil {
		out = append(out, sink{kind: sinkAggregate, handler: d.sink.Publish})
	}
	return out
}

func (d *Dispatcher) deliver(ctx context.Context, s sink, ev Event, log *logger.Entry) {
	defer func() {
		if r := recover(); r != nil {
			d.fault(ctx, s, ev, fmt.Errorf("handler panic: %v", r), log)
		}
	}()

	if err := s.handler(ctx, ev); err != nil {
		d.fault(ctx, s, ev, err, log)
	}
}

func (d *Dispatcher) fault(ctx context.Context, s sink, ev Event, err error, log *logger.Entry) {
	if ctx.Err() != nil {
		return
	}
	metrics.RecordCallbackFault(ev.Category().String())

	fields := logger.Fields{
		"sink":     string(s.kind),
		"category": ev.Category().String(),
	}
	if s.id != "" {
		fields["subscription_id"] = string(s.id)
	}
	log.WithError(err).WithFields(fields).Error("user data handler failed")
}

// AccountHandler adapts fn to receive only account updates.
func AccountHandler(fn func(ctx context.Context, ev *AccountUpdate) error) Handler {
	return func(ctx context.Context, ev Event) error {
		if u, ok := ev.(*AccountUpdate); ok {
			return fn(ctx, u)
		}
		return nil
	}
}

// OrderHandler adapts fn to receive only non-fill order updates.
func OrderHandler(fn func(ctx context.Context, ev *OrderUpdate) error) Handler {
	return func(ctx context.Context, ev Event) error {
		if u, ok := ev.(*OrderUpdate); ok {
			return fn(ctx, u)
		}
		return nil
	}
}

// TradeHandler adapts fn to receive only fills.
func TradeHandler(fn func(ctx context.Context, ev *TradeUpdate) error) Handler {
	return func(ctx context.Context, ev Event) error {
		if u, ok := ev.(*TradeUpdate); ok {
			return fn(ctx, u)
		}
		return nil
	}
}

// shortID keeps listen keys out of full log lines.
func shortID(streamID string) string {
	if len(streamID) <= 8 {
		return streamID
	}
	return streamID[:8] + "..."
}
