// Package chat implements the realtime messaging client: one broker
// connection per Client, channel subscriptions, de-duplicated conversations
// and a live/fallback delivery router.
package chat

import (
	"context"
	"log/slog"
	"sync"
)

// Config describes one Client. Zero fields take defaults.
type Config struct {
	// UserID owns uploads made by this client.
	UserID string

	ChannelPathTemplate string
	PublishDestination  string
	HistoryLimit        int

	Manager ManagerConfig
}

// Deps are the collaborators a Client is built from.
type Deps struct {
	Dialer     Dialer
	Tokens     TokenSource
	Backend    Backend
	Scheduler  Scheduler
	Transcript Transcript
	Metrics    *Metrics
}

// Client owns the connection manager, the subscription registry and the
// delivery router shared by every conversation it opens. It replaces any
// process-wide connection: construct one per signed-in user and Close it on
// logout.
type Client struct {
	log        *slog.Logger
	cfg        Config
	conn       *ConnectionManager
	registry   *SubscriptionRegistry
	router     *DeliveryRouter
	transcript Transcript
	metrics    *Metrics

	mu            sync.Mutex
	conversations map[*Conversation]struct{}
	closed        bool
}

// NewClient wires a Client. It does not connect; the first Open does.
func NewClient(log *slog.Logger, cfg Config, deps Deps) *Client {
	if log == nil {
		log = slog.Default()
	}
	if deps.Scheduler == nil {
		deps.Scheduler = RealScheduler{}
	}
	if deps.Transcript == nil {
		deps.Transcript = NewInMemoryTranscript()
	}

	conn := NewConnectionManager(log, deps.Dialer, deps.Tokens, deps.Scheduler, cfg.Manager, deps.Metrics)
	return &Client{
		log:           log,
		cfg:           cfg,
		conn:          conn,
		registry:      NewSubscriptionRegistry(log, conn, cfg.ChannelPathTemplate, deps.Metrics),
		router:        NewDeliveryRouter(log, conn, deps.Backend, cfg.UserID, cfg.PublishDestination, deps.Metrics),
		transcript:    deps.Transcript,
		metrics:       deps.Metrics,
		conversations: make(map[*Conversation]struct{}),
	}
}

// Connection returns the client's connection manager.
func (c *Client) Connection() *ConnectionManager { return c.conn }

// Registry returns the client's subscription registry.
func (c *Client) Registry() *SubscriptionRegistry { return c.registry }

// Router returns the client's delivery router.
func (c *Client) Router() *DeliveryRouter { return c.router }

// Open starts a conversation on channelID and registers its listener,
// connecting if needed. A failed connection is not an error: the
// conversation still sends through the fallback path and starts receiving
// once the transport comes up.
func (c *Client) Open(ctx context.Context, channelID string, opts ...ConversationOption) (*Conversation, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, opErr("chat.Open", ErrClosed, "client closed")
	}

	var o conversationOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if !o.hasInitial && c.transcript != nil {
		history, err := c.transcript.Load(ctx, channelID, c.cfg.HistoryLimit)
		if err != nil {
			c.log.Warn("chat.transcript.load_fail", "channel_id", channelID, "err", err)
		}
		o.initial = history
	}

	conv := newConversation(c.log, channelID, c.conn, c.router, c.transcript, c.metrics, o)

	h, err := c.registry.Subscribe(ctx, channelID, conv.deliver)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		h.Unsubscribe()
		return nil, opErr("chat.Open", ErrClosed, "client closed")
	}
	c.conversations[conv] = struct{}{}
	c.mu.Unlock()

	conv.mu.Lock()
	conv.handle = h
	conv.onClose = c.forget
	conv.mu.Unlock()

	c.log.Info("chat.conversation.open", "channel_id", channelID, "history", len(o.initial))
	return conv, nil
}

// Close closes every open conversation, releases all subscriptions and tears
// the connection down. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	convs := make([]*Conversation, 0, len(c.conversations))
	for conv := range c.conversations {
		convs = append(convs, conv)
	}
	c.mu.Unlock()

	for _, conv := range convs {
		conv.Close()
	}
	c.registry.Close()
	c.conn.Disconnect()
	return c.transcript.Close()
}

func (c *Client) forget(conv *Conversation) {
	c.mu.Lock()
	delete(c.conversations, conv)
	c.mu.Unlock()
}
