package userdata

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *recordingSink) Publish(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

type recordingTracker struct {
	renames [][2]string
}

func (t *recordingTracker) RenameStream(oldID, newID string) {
	t.renames = append(t.renames, [2]string{oldID, newID})
}

func newTestDispatcher(sink AggregateSink, tracker StreamTracker) (*Dispatcher, *logHook) {
	log, hook := newTestLog()
	d := NewDispatcher(DispatcherConfig{
		Registry: NewRegistry(log),
		Sink:     sink,
		Tracker:  tracker,
		Log:      log,
	})
	return d, &logHook{hook}
}

type logHook struct {
	*test.Hook
}

func (h *logHook) count(level logrus.Level) int {
	return len(entriesAt(h.Hook, level))
}

func TestDispatchAccountInfo(t *testing.T) {
	sink := &recordingSink{}
	d, _ := newTestDispatcher(sink, nil)

	var got *AccountUpdate
	_, err := d.Registry().Subscribe("key-1", "acct-1", CategoryAccount, AccountHandler(func(ctx context.Context, ev *AccountUpdate) error {
		got = ev
		return nil
	}))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	d.DecodeAndDispatch(context.Background(), "key-1", accountInfoPayload(t, nil))

	if got == nil {
		t.Fatalf("account handler not invoked")
	}
	if len(got.Balances) != 3 || got.Balances[1].Asset != "BTC" || !got.Balances[1].Locked.Equal(decimal.RequireFromString("2.19464093")) {
		t.Fatalf("unexpected balances %+v", got.Balances)
	}
	if len(sink.events) != 1 || sink.events[0] != Event(got) {
		t.Fatalf("expected aggregate sink to receive the same event, got %v", sink.events)
	}
}

func TestDispatchOrderVersusTrade(t *testing.T) {
	d, _ := newTestDispatcher(nil, nil)

	var orders []*OrderUpdate
	var trades []*TradeUpdate
	d.Registry().Subscribe("key-1", "acct-1", CategoryOrder, OrderHandler(func(ctx context.Context, ev *OrderUpdate) error {
		orders = append(orders, ev)
		return nil
	}))
	d.Registry().Subscribe("key-1", "acct-1", CategoryTrade, TradeHandler(func(ctx context.Context, ev *TradeUpdate) error {
		trades = append(trades, ev)
		return nil
	}))

	ctx := context.Background()
	d.DecodeAndDispatch(ctx, "key-1", executionReportPayload(t, nil))
	d.DecodeAndDispatch(ctx, "key-1", executionReportPayload(t, tradeOverrides()))

	if len(orders) != 1 || orders[0].ExecutionType != ExecutionNew {
		t.Fatalf("expected one NEW order update, got %+v", orders)
	}
	if len(trades) != 1 || trades[0].TradeID != 77 {
		t.Fatalf("expected one fill, got %+v", trades)
	}
	if trades[0].Order.Owner != "acct-1" {
		t.Fatalf("expected fill owned by acct-1, got %q", trades[0].Order.Owner)
	}
}

func TestDispatchSinkOrder(t *testing.T) {
	var calls []string
	record := func(name string) Handler {
		return func(ctx context.Context, ev Event) error {
			calls = append(calls, name)
			return nil
		}
	}

	sink := &recordingSink{}
	d, _ := newTestDispatcher(sink, nil)
	r := d.Registry()
	r.Subscribe("key-1", "acct-1", CategoryGeneric, record("generic"))
	r.Subscribe("key-1", "acct-1", CategoryOrder, record("order-1"))
	r.Subscribe("key-1", "acct-1", CategoryOrder, record("order-2"))
	r.Subscribe("key-1", "acct-1", CategoryTrade, record("trade"))

	d.DecodeAndDispatch(context.Background(), "key-1", executionReportPayload(t, nil), record("ad-hoc"))

	want := []string{"order-1", "order-2", "generic", "ad-hoc"}
	if len(calls) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("expected calls %v, got %v", want, calls)
		}
	}
	if len(sink.events) != 1 {
		t.Fatalf("expected aggregate sink to run last once, got %d", len(sink.events))
	}
}

func TestDispatchUnboundStreamDropped(t *testing.T) {
	sink := &recordingSink{}
	d, hook := newTestDispatcher(sink, nil)

	called := false
	d.DecodeAndDispatch(context.Background(), "key-unknown", accountInfoPayload(t, nil), func(ctx context.Context, ev Event) error {
		called = true
		return nil
	})

	if called || len(sink.events) != 0 {
		t.Fatalf("nothing should run for an unbound stream")
	}
	if hook.count(logrus.WarnLevel) != 1 {
		t.Fatalf("expected one warning")
	}
}

func TestDispatchDecodeFailureDropped(t *testing.T) {
	sink := &recordingSink{}
	d, hook := newTestDispatcher(sink, nil)

	called := false
	d.Registry().Subscribe("key-1", "acct-1", CategoryGeneric, func(ctx context.Context, ev Event) error {
		called = true
		return nil
	})

	d.DecodeAndDispatch(context.Background(), "key-1", executionReportPayload(t, map[string]interface{}{"x": "AMENDED"}))
	d.DecodeAndDispatch(context.Background(), "key-1", []byte(`not json`))

	if called || len(sink.events) != 0 {
		t.Fatalf("nothing should run for an undecodable message")
	}
	if n := hook.count(logrus.ErrorLevel); n != 2 {
		t.Fatalf("expected two error logs, got %d", n)
	}
}

func TestDispatchUnknownEventWarns(t *testing.T) {
	d, hook := newTestDispatcher(nil, nil)
	d.Registry().Subscribe("key-1", "acct-1", CategoryGeneric, noop)

	d.DecodeAndDispatch(context.Background(), "key-1", []byte(`{"e":"balanceUpdate","E":1}`))

	if hook.count(logrus.WarnLevel) != 1 || hook.count(logrus.ErrorLevel) != 0 {
		t.Fatalf("expected a single warning for an unknown event")
	}
}

func TestDispatchIsolatesFaults(t *testing.T) {
	sink := &recordingSink{err: errors.New("feed full")}
	d, hook := newTestDispatcher(sink, nil)

	reached := false
	r := d.Registry()
	r.Subscribe("key-1", "acct-1", CategoryAccount, func(ctx context.Context, ev Event) error {
		panic("boom")
	})
	r.Subscribe("key-1", "acct-1", CategoryAccount, func(ctx context.Context, ev Event) error {
		return errors.New("handler failed")
	})
	r.Subscribe("key-1", "acct-1", CategoryAccount, func(ctx context.Context, ev Event) error {
		reached = true
		return nil
	})

	d.DecodeAndDispatch(context.Background(), "key-1", accountInfoPayload(t, nil))

	if !reached {
		t.Fatalf("handler after faulty ones was not invoked")
	}
	if len(sink.events) != 1 {
		t.Fatalf("aggregate sink should still run")
	}
	if n := hook.count(logrus.ErrorLevel); n != 3 {
		t.Fatalf("expected three fault logs, got %d", n)
	}
}

func TestDispatchCancelledContextSilencesFaults(t *testing.T) {
	d, hook := newTestDispatcher(nil, nil)
	d.Registry().Subscribe("key-1", "acct-1", CategoryAccount, func(ctx context.Context, ev Event) error {
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.DecodeAndDispatch(ctx, "key-1", accountInfoPayload(t, nil))

	if n := hook.count(logrus.ErrorLevel); n != 0 {
		t.Fatalf("expected no fault logs after cancellation, got %d", n)
	}
}

func TestDispatchAfterRotation(t *testing.T) {
	tracker := &recordingTracker{}
	d, hook := newTestDispatcher(nil, tracker)

	var received []Event
	d.Registry().Subscribe("key-1", "acct-1", CategoryGeneric, func(ctx context.Context, ev Event) error {
		received = append(received, ev)
		return nil
	})

	d.HandleIdentifierRotation("key-1", "key-2")

	if len(tracker.renames) != 1 || tracker.renames[0] != [2]string{"key-1", "key-2"} {
		t.Fatalf("tracker not notified: %v", tracker.renames)
	}
	if hook.count(logrus.InfoLevel) != 1 {
		t.Fatalf("expected rotation to be logged at info")
	}

	ctx := context.Background()
	d.DecodeAndDispatch(ctx, "key-2", accountInfoPayload(t, nil))
	d.DecodeAndDispatch(ctx, "key-1", accountInfoPayload(t, nil))

	if len(received) != 1 {
		t.Fatalf("expected delivery on the new stream only, got %d events", len(received))
	}
	if identity, _ := d.Registry().Identity("key-2"); identity != "acct-1" {
		t.Fatalf("expected key-2 bound to acct-1, got %q", identity)
	}
}

func TestHandleIdentifierRotationWithoutTracker(t *testing.T) {
	d, _ := newTestDispatcher(nil, nil)
	d.HandleIdentifierRotation("key-1", "key-2")
}

func TestDispatchReentrantSubscribe(t *testing.T) {
	d, _ := newTestDispatcher(nil, nil)
	r := d.Registry()

	lateCalls := 0
	late := func(ctx context.Context, ev Event) error {
		lateCalls++
		return nil
	}

	var selfID SubscriptionID
	selfID, _ = r.Subscribe("key-1", "acct-1", CategoryAccount, func(ctx context.Context, ev Event) error {
		if _, err := r.Subscribe("key-1", "acct-1", CategoryAccount, late); err != nil {
			return err
		}
		return r.Unsubscribe("key-1", CategoryAccount, selfID)
	})

	ctx := context.Background()
	d.DecodeAndDispatch(ctx, "key-1", accountInfoPayload(t, nil))
	if lateCalls != 0 {
		t.Fatalf("handler added during dispatch must not run for the same event")
	}

	d.DecodeAndDispatch(ctx, "key-1", accountInfoPayload(t, nil))
	if lateCalls != 1 {
		t.Fatalf("expected late handler on the next event, got %d calls", lateCalls)
	}
}

func TestDispatchConcurrentWithRotation(t *testing.T) {
	d, _ := newTestDispatcher(&recordingSink{}, nil)
	d.Registry().Subscribe("key-0", "acct-1", CategoryGeneric, noop)
	raw := accountInfoPayload(t, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		keys := []string{"key-0", "key-1"}
		for i := 0; i < 200; i++ {
			d.HandleIdentifierRotation(keys[i%2], keys[(i+1)%2])
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			d.DecodeAndDispatch(context.Background(), "key-0", raw)
		}
	}()
	wg.Wait()

	if n := len(d.Registry().Streams()); n != 1 {
		t.Fatalf("expected exactly one bound stream, got %d", n)
	}
}

func TestTypedAdaptersIgnoreOtherKinds(t *testing.T) {
	called := false
	h := TradeHandler(func(ctx context.Context, ev *TradeUpdate) error {
		called = true
		return nil
	})
	if err := h(context.Background(), &OrderUpdate{}); err != nil || called {
		t.Fatalf("trade adapter should ignore order updates")
	}
	if err := AccountHandler(func(context.Context, *AccountUpdate) error { return errors.New("x") })(context.Background(), &TradeUpdate{}); err != nil {
		t.Fatalf("account adapter should ignore fills")
	}
}
