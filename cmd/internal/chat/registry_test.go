package chat

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	v1 "educhat/shared/contracts/chat/v1"
)

type registryHarness struct {
	dialer *fakeDialer
	sched  *manualScheduler
	conn   *ConnectionManager
	reg    *SubscriptionRegistry
}

func newRegistryHarness(t *testing.T, metrics *Metrics) *registryHarness {
	t.Helper()

	d := &fakeDialer{}
	sched := &manualScheduler{}
	conn := NewConnectionManager(testLogger(), d, &staticTokens{tok: "t"}, sched, ManagerConfig{}, metrics)
	reg := NewSubscriptionRegistry(testLogger(), conn, "", metrics)
	t.Cleanup(func() {
		reg.Close()
		conn.Disconnect()
	})
	return &registryHarness{dialer: d, sched: sched, conn: conn, reg: reg}
}

type collector struct {
	mu  sync.Mutex
	ids []string
}

func (c *collector) listen(m v1.Message) {
	c.mu.Lock()
	c.ids = append(c.ids, m.ID.String())
	c.mu.Unlock()
}

func (c *collector) got() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

func TestRegistry_FirstListenerConnectsAndSubscribes(t *testing.T) {
	t.Parallel()

	h := newRegistryHarness(t, nil)

	if _, err := h.reg.Subscribe(context.Background(), "42", func(v1.Message) {}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if !h.conn.IsConnected() {
		t.Fatalf("first listener should trigger Connect")
	}
	if n := h.dialer.last().activeSubs("/direct-chat/42"); n != 1 {
		t.Fatalf("transport subscriptions=%d want 1", n)
	}
}

func TestRegistry_LateDisconnectKeepsCurrentSubscription(t *testing.T) {
	t.Parallel()

	h := newRegistryHarness(t, nil)

	if _, err := h.reg.Subscribe(context.Background(), "42", func(v1.Message) {}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	sess := h.dialer.last()

	// Disconnected drained after the channel was already subscribed on the
	// live session.
	h.reg.onState(StateDisconnected)
	if n := h.reg.SubscriptionCount(); n != 1 {
		t.Fatalf("subscriptions=%d want 1 after stale Disconnected", n)
	}

	h.reg.onState(StateConnected)
	if n := sess.activeSubs("/direct-chat/42"); n != 1 {
		t.Fatalf("transport subscriptions=%d want 1", n)
	}
	if n := h.dialer.callCount(); n != 1 {
		t.Fatalf("dials=%d want 1", n)
	}
}

func TestRegistry_OneTransportSubscriptionPerChannel(t *testing.T) {
	t.Parallel()

	h := newRegistryHarness(t, nil)
	ctx := context.Background()

	a, _ := h.reg.Subscribe(ctx, "42", func(v1.Message) {})
	b, _ := h.reg.Subscribe(ctx, "42", func(v1.Message) {})
	sess := h.dialer.last()

	if n := sess.activeSubs("/direct-chat/42"); n != 1 {
		t.Fatalf("transport subscriptions=%d want 1", n)
	}
	if n := h.reg.ListenerCount("42"); n != 2 {
		t.Fatalf("listeners=%d want 2", n)
	}

	a.Unsubscribe()
	a.Unsubscribe()
	if n := sess.activeSubs("/direct-chat/42"); n != 1 {
		t.Fatalf("subscription released while a listener remains")
	}

	b.Unsubscribe()
	if n := sess.activeSubs("/direct-chat/42"); n != 0 {
		t.Fatalf("subscription kept after last listener left")
	}
	if got := h.reg.ActiveChannels(); len(got) != 0 {
		t.Fatalf("active channels=%v want none", got)
	}
}

func TestRegistry_DeferredUntilConnected(t *testing.T) {
	t.Parallel()

	h := newRegistryHarness(t, nil)
	h.dialer.queue(dialResult{err: errDialRefused})

	if _, err := h.reg.Subscribe(context.Background(), "9", func(v1.Message) {}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if h.reg.SubscriptionCount() != 0 {
		t.Fatalf("no subscription expected while disconnected")
	}

	h.sched.fire()

	if !h.conn.IsConnected() {
		t.Fatalf("expected reconnect")
	}
	if n := h.dialer.last().activeSubs("/direct-chat/9"); n != 1 {
		t.Fatalf("deferred subscription not created on Connected")
	}
}

func TestRegistry_ReconnectRestoresEveryChannel(t *testing.T) {
	t.Parallel()

	h := newRegistryHarness(t, nil)
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		if _, err := h.reg.Subscribe(ctx, id, func(v1.Message) {}); err != nil {
			t.Fatalf("Subscribe %s: %v", id, err)
		}
	}
	first := h.dialer.last()
	first.lose(errors.New("heart-beat timeout"))

	waitFor(t, "reconnect scheduled", func() bool { return h.conn.Policy().Pending() })
	if h.reg.SubscriptionCount() != 0 {
		t.Fatalf("subscriptions should be forgotten on loss")
	}

	h.sched.fire()

	second := h.dialer.last()
	if second == first {
		t.Fatalf("expected a new session")
	}
	for _, id := range []string{"1", "2", "3"} {
		if n := second.activeSubs("/direct-chat/" + id); n != 1 {
			t.Fatalf("channel %s: subscriptions=%d want 1", id, n)
		}
	}
	if h.reg.SubscriptionCount() != 3 {
		t.Fatalf("subscription count=%d want 3", h.reg.SubscriptionCount())
	}
}

func TestRegistry_DispatchOrderAndMalformedIsolation(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	h := newRegistryHarness(t, metrics)
	ctx := context.Background()

	var (
		mu    sync.Mutex
		order []string
	)
	add := func(tag string) Listener {
		return func(m v1.Message) {
			mu.Lock()
			order = append(order, tag+":"+m.ID.String())
			mu.Unlock()
		}
	}
	_, _ = h.reg.Subscribe(ctx, "42", add("a"))
	_, _ = h.reg.Subscribe(ctx, "42", add("b"))

	sess := h.dialer.last()
	sess.push("/direct-chat/42", `{"id":`)
	sess.push("/direct-chat/42", `{"content":"no id"}`)
	sess.push("/direct-chat/42", `{"chatId":42,"id":7,"content":"hello"}`)

	want := []string{"a:7", "b:7"}
	mu.Lock()
	got := append([]string(nil), order...)
	mu.Unlock()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("dispatch=%v want %v", got, want)
	}

	if v := testutil.ToFloat64(metrics.inbound.WithLabelValues("malformed")); v != 2 {
		t.Fatalf("malformed counter=%v want 2", v)
	}
	if v := testutil.ToFloat64(metrics.subscriptions); v != 1 {
		t.Fatalf("subscriptions gauge=%v want 1", v)
	}
}

func TestRegistry_OtherChannelsAreIsolated(t *testing.T) {
	t.Parallel()

	h := newRegistryHarness(t, nil)
	ctx := context.Background()

	c42, c9 := &collector{}, &collector{}
	_, _ = h.reg.Subscribe(ctx, "42", c42.listen)
	_, _ = h.reg.Subscribe(ctx, "9", c9.listen)

	h.dialer.last().push("/direct-chat/9", `{"id":"x1"}`)

	if len(c42.got()) != 0 {
		t.Fatalf("channel 42 received %v", c42.got())
	}
	if got := c9.got(); len(got) != 1 || got[0] != "x1" {
		t.Fatalf("channel 9 received %v", got)
	}
}

func TestRegistry_ClosedRejectsSubscribe(t *testing.T) {
	t.Parallel()

	h := newRegistryHarness(t, nil)
	h.reg.Close()

	if _, err := h.reg.Subscribe(context.Background(), "1", func(v1.Message) {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Subscribe err=%v want ErrClosed", err)
	}
	if _, err := h.reg.Subscribe(context.Background(), "", func(v1.Message) {}); err == nil {
		t.Fatalf("expected error for empty channel id")
	}
}
