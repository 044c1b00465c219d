package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	v1 "educhat/shared/contracts/chat/v1"
)

const transcriptWriteTimeout = 3 * time.Second

// MessagePayload is a text (or image link) message to send.
type MessagePayload struct {
	ChatID   v1.ID
	Content  string
	ImageURL string
}

// AttachmentPayload is a message carrying a file. When File is set it is
// uploaded first; otherwise AttachmentID must reference an existing upload.
type AttachmentPayload struct {
	MessagePayload
	File         *FileUpload
	AttachmentID v1.ID
}

// ConversationOption configures a Conversation at Open time.
type ConversationOption func(*conversationOptions)

type conversationOptions struct {
	initial    []v1.Message
	hasInitial bool
	onNew      func(v1.Message)
}

// WithInitialMessages opens the conversation with msgs as its history. Their
// ids are treated as already delivered. Without it, history is loaded from
// the client's Transcript.
func WithInitialMessages(msgs []v1.Message) ConversationOption {
	return func(o *conversationOptions) {
		o.initial = append([]v1.Message(nil), msgs...)
		o.hasInitial = true
	}
}

// WithOnNewMessage registers fn to run after every appended message.
func WithOnNewMessage(fn func(v1.Message)) ConversationOption {
	return func(o *conversationOptions) { o.onNew = fn }
}

// Conversation is one open view of a channel: an append-only, de-duplicated
// message list fed by live pushes and by fallback send responses.
//
// Concurrency guarantees:
//   - Messages() may be called from any goroutine.
//   - After Close, late deliveries (pushes or send responses) are discarded.
type Conversation struct {
	log        *slog.Logger
	channelID  string
	conn       *ConnectionManager
	router     *DeliveryRouter
	transcript Transcript
	dedupe     *Deduplicator
	metrics    *Metrics
	onNew      func(v1.Message)

	mu       sync.Mutex
	messages []v1.Message
	closed   bool
	handle   *Handle
	onClose  func(*Conversation)
}

func newConversation(log *slog.Logger, channelID string, conn *ConnectionManager, router *DeliveryRouter, transcript Transcript, metrics *Metrics, o conversationOptions) *Conversation {
	c := &Conversation{
		log:        log.With("channel_id", channelID),
		channelID:  channelID,
		conn:       conn,
		router:     router,
		transcript: transcript,
		dedupe:     NewDeduplicator(),
		metrics:    metrics,
		onNew:      o.onNew,
	}
	c.dedupe.Seed(o.initial)
	for _, m := range o.initial {
		if !m.ID.IsZero() {
			c.messages = append(c.messages, m)
		}
	}
	return c
}

// ChannelID returns the channel this conversation listens on.
func (c *Conversation) ChannelID() string { return c.channelID }

// Messages returns a snapshot of the message list in append order.
func (c *Conversation) Messages() []v1.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]v1.Message(nil), c.messages...)
}

// IsConnected reports whether the live transport is up.
func (c *Conversation) IsConnected() bool {
	return c.conn.IsConnected()
}

// SendMessage delivers a text message. The result is true when either the
// live path or the fallback path accepted it.
func (c *Conversation) SendMessage(ctx context.Context, p MessagePayload) bool {
	if c.isClosed() {
		return false
	}
	return c.router.Send(ctx, OutboundPayload{
		ChatID:   p.ChatID,
		Content:  p.Content,
		ImageURL: p.ImageURL,
	}, c.deliver)
}

// SendMessageWithAttachment uploads p.File when present and sends the message
// referencing it. An upload failure aborts the send.
func (c *Conversation) SendMessageWithAttachment(ctx context.Context, p AttachmentPayload) bool {
	if c.isClosed() {
		return false
	}
	return c.router.Send(ctx, OutboundPayload{
		ChatID:       p.ChatID,
		Content:      p.Content,
		ImageURL:     p.ImageURL,
		File:         p.File,
		AttachmentID: p.AttachmentID,
	}, c.deliver)
}

// Close unregisters the conversation's listener. Idempotent.
func (c *Conversation) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	h := c.handle
	c.handle = nil
	onClose := c.onClose
	c.mu.Unlock()

	h.Unsubscribe()
	if onClose != nil {
		onClose(c)
	}
	c.log.Info("chat.conversation.closed")
}

func (c *Conversation) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// deliver is the single entry point for both inbound pushes and fallback
// send responses.
func (c *Conversation) deliver(m v1.Message) {
	if c.isClosed() {
		c.metrics.inboundOutcome("discarded")
		return
	}
	if !c.dedupe.Accept(m) {
		c.metrics.inboundOutcome("duplicate")
		c.log.Debug("chat.message.duplicate", "message_id", m.ID.String())
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.metrics.inboundOutcome("discarded")
		return
	}
	c.messages = append(c.messages, m)
	c.mu.Unlock()

	c.metrics.inboundOutcome("delivered")
	c.record(m)

	if c.onNew != nil {
		c.onNew(m)
	}
}

func (c *Conversation) record(m v1.Message) {
	if c.transcript == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), transcriptWriteTimeout)
	defer cancel()
	if _, err := c.transcript.Record(ctx, c.channelID, m); err != nil {
		c.log.Warn("chat.transcript.record_fail", "message_id", m.ID.String(), "err", err)
	}
}
