package chat

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	v1 "educhat/shared/contracts/chat/v1"
)

// Listener receives validated inbound messages for one channel.
type Listener func(v1.Message)

// SubscriptionRegistry maps channels to listeners and keeps exactly one
// broker subscription per channel that has at least one listener.
//
// Concurrency guarantees:
//   - Subscribe/Unsubscribe/resubscribe are serialized under mu.
//   - Listeners are invoked outside mu, in registration order, from the
//     subscription's pump goroutine.
type SubscriptionRegistry struct {
	log      *slog.Logger
	conn     *ConnectionManager
	template string
	metrics  *Metrics

	mu       sync.Mutex
	channels map[string]*channelEntry
	nextID   uint64
	closed   bool

	unwatch func()
}

type channelEntry struct {
	id          string
	destination string
	listeners   []listenerEntry

	sub     Subscription
	session Session
}

type listenerEntry struct {
	id uint64
	fn Listener
}

// Handle is the registration returned by Subscribe.
type Handle struct {
	r         *SubscriptionRegistry
	channelID string
	id        uint64
	once      sync.Once
}

// ChannelID returns the channel this handle listens on.
func (h *Handle) ChannelID() string { return h.channelID }

// Unsubscribe removes the listener (idempotent). The last listener out
// releases the broker subscription.
func (h *Handle) Unsubscribe() {
	if h == nil || h.r == nil {
		return
	}
	h.once.Do(func() { h.r.remove(h.channelID, h.id) })
}

// NewSubscriptionRegistry constructs a registry bound to conn.
// template renders channel destinations (see v1.ChannelDestination).
func NewSubscriptionRegistry(log *slog.Logger, conn *ConnectionManager, template string, metrics *Metrics) *SubscriptionRegistry {
	if log == nil {
		log = slog.Default()
	}
	if template == "" {
		template = v1.DefaultChannelPathTemplate
	}
	r := &SubscriptionRegistry{
		log:      log,
		conn:     conn,
		template: template,
		metrics:  metrics,
		channels: make(map[string]*channelEntry),
	}
	r.unwatch = conn.OnStateChange(r.onState)
	return r
}

// Subscribe registers fn for channelID. If this is the channel's first
// listener the broker subscription is created now when Connected; otherwise
// Connect is triggered and creation is deferred to the Connected transition.
func (r *SubscriptionRegistry) Subscribe(ctx context.Context, channelID string, fn Listener) (*Handle, error) {
	if channelID == "" || fn == nil {
		return nil, errors.New("chat: missing channel id or listener")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, opErr("chat.Subscribe", ErrClosed, "registry closed")
	}
	ch := r.channels[channelID]
	if ch == nil {
		ch = &channelEntry{
			id:          channelID,
			destination: v1.ChannelDestination(r.template, channelID),
		}
		r.channels[channelID] = ch
	}
	r.nextID++
	id := r.nextID
	ch.listeners = append(ch.listeners, listenerEntry{id: id, fn: fn})
	first := len(ch.listeners) == 1
	r.ensureLocked(ch)
	live := ch.sub != nil
	r.mu.Unlock()

	r.log.Debug("chat.listener.add", "channel_id", channelID, "first", first, "live", live)

	if !live {
		// Connected transition will create the subscription.
		if err := r.conn.Connect(ctx); err != nil {
			r.log.Info("chat.subscribe.deferred", "channel_id", channelID, "err", err)
		}
	}

	return &Handle{r: r, channelID: channelID, id: id}, nil
}

// SubscriptionCount returns the number of live broker subscriptions.
func (r *SubscriptionRegistry) SubscriptionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countLocked()
}

// ActiveChannels returns the channels with at least one listener, sorted.
func (r *SubscriptionRegistry) ActiveChannels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.channels))
	for id := range r.channels {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ListenerCount returns the number of listeners registered for channelID.
func (r *SubscriptionRegistry) ListenerCount(channelID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch := r.channels[channelID]; ch != nil {
		return len(ch.listeners)
	}
	return 0
}

// Close releases every subscription and stops following state changes.
func (r *SubscriptionRegistry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	subs := make([]Subscription, 0, len(r.channels))
	for _, ch := range r.channels {
		if ch.sub != nil {
			subs = append(subs, ch.sub)
		}
	}
	r.channels = make(map[string]*channelEntry)
	r.metrics.setSubscriptions(0)
	r.mu.Unlock()

	if r.unwatch != nil {
		r.unwatch()
	}
	for _, s := range subs {
		_ = s.Unsubscribe()
	}
}

func (r *SubscriptionRegistry) remove(channelID string, id uint64) {
	r.mu.Lock()
	ch := r.channels[channelID]
	if ch == nil {
		r.mu.Unlock()
		return
	}
	for i, l := range ch.listeners {
		if l.id == id {
			ch.listeners = append(ch.listeners[:i:i], ch.listeners[i+1:]...)
			break
		}
	}
	if len(ch.listeners) > 0 {
		r.mu.Unlock()
		return
	}

	sub := ch.sub
	delete(r.channels, channelID)
	r.metrics.setSubscriptions(r.countLocked())
	r.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			r.log.Info("chat.unsubscribe.fail", "channel_id", channelID, "err", err)
		}
	}
	r.log.Info("chat.channel.released", "channel_id", channelID)
}

func (r *SubscriptionRegistry) onState(s ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	switch s {
	case StateConnected:
		for _, ch := range r.channels {
			r.ensureLocked(ch)
		}
	case StateDisconnected:
		// Subscriptions die with their session. A late notification must not
		// drop entries already subscribed on the current one.
		current := r.conn.Session()
		for _, ch := range r.channels {
			if ch.session != nil && ch.session == current {
				continue
			}
			ch.sub = nil
			ch.session = nil
		}
		r.metrics.setSubscriptions(r.countLocked())
	}
}

// ensureLocked creates the broker subscription for ch if it has listeners and
// no subscription on the current session. Callers must hold mu.
func (r *SubscriptionRegistry) ensureLocked(ch *channelEntry) {
	if len(ch.listeners) == 0 {
		return
	}
	sess := r.conn.Session()
	if sess == nil {
		return
	}
	if ch.sub != nil && ch.session == sess {
		return
	}

	sub, err := sess.Subscribe(ch.destination, r.dispatcher(ch.id))
	if err != nil {
		r.log.Warn("chat.subscribe.fail", "channel_id", ch.id, "destination", ch.destination, "err", err)
		return
	}
	ch.sub = sub
	ch.session = sess
	r.metrics.setSubscriptions(r.countLocked())
	r.log.Info("chat.subscribe.ok", "channel_id", ch.id, "destination", ch.destination)
}

func (r *SubscriptionRegistry) countLocked() int {
	n := 0
	for _, ch := range r.channels {
		if ch.sub != nil {
			n++
		}
	}
	return n
}

func (r *SubscriptionRegistry) dispatcher(channelID string) func([]byte) {
	return func(body []byte) {
		msg, err := v1.ParseMessage(body)
		if err != nil {
			r.metrics.inboundOutcome("malformed")
			r.log.Warn("chat.inbound.malformed", "channel_id", channelID, "err", err, "bytes", len(body))
			return
		}

		r.mu.Lock()
		ch := r.channels[channelID]
		var fns []Listener
		if ch != nil {
			fns = make([]Listener, 0, len(ch.listeners))
			for _, l := range ch.listeners {
				fns = append(fns, l.fn)
			}
		}
		r.mu.Unlock()

		for _, fn := range fns {
			fn(msg)
		}
	}
}
