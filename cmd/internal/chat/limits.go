package chat

import "time"

const (
	// Reconnect defaults: delay = min(base * 2^attempt, max), at most ceiling automatic attempts.
	defaultReconnectBase    = 1 * time.Second
	defaultReconnectMax     = 30 * time.Second
	defaultReconnectCeiling = 5

	// STOMP heart-beat we offer to send, and the WebSocket ping interval
	// used to detect a dead broker link.
	defaultHeartbeatOutgoing = 4 * time.Second
	defaultHeartbeatIncoming = 4 * time.Second

	// Upper bound on waiting for an UNSUBSCRIBE receipt.
	unsubscribeReceiptTimeout = 2 * time.Second

	// Handshake budget (WebSocket upgrade + STOMP CONNECT/CONNECTED).
	defaultConnectTimeout = 10 * time.Second

	// Per-frame publish budget.
	defaultPublishTimeout = 5 * time.Second

	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 1 << 20 // 1 MiB
)
