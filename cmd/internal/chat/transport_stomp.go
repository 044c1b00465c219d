package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"

	v1 "educhat/shared/contracts/chat/v1"
)

// StompDialerConfig configures StompDialer.
type StompDialerConfig struct {
	// URL is the broker endpoint, e.g. wss://api.example.com/ws.
	URL string

	// HeartbeatOutgoing is the STOMP heart-beat offered to the broker.
	HeartbeatOutgoing time.Duration
	// HeartbeatIncoming is the WebSocket ping interval; a ping unanswered
	// for one interval ends the session.
	HeartbeatIncoming time.Duration

	HTTPClient *http.Client
}

// StompDialer opens STOMP 1.2 sessions over a WebSocket.
// The bearer token travels as the token query parameter, as an
// Authorization header on the upgrade and as a STOMP CONNECT header.
type StompDialer struct {
	log *slog.Logger
	cfg StompDialerConfig
}

// NewStompDialer validates cfg and constructs a dialer.
func NewStompDialer(log *slog.Logger, cfg StompDialerConfig) (*StompDialer, error) {
	if log == nil {
		log = slog.Default()
	}
	u, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("chat: parse broker url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("chat: unsupported broker url scheme %q", u.Scheme)
	}
	cfg.URL = u.String()
	if cfg.HeartbeatOutgoing <= 0 {
		cfg.HeartbeatOutgoing = defaultHeartbeatOutgoing
	}
	if cfg.HeartbeatIncoming <= 0 {
		cfg.HeartbeatIncoming = defaultHeartbeatIncoming
	}
	return &StompDialer{log: log, cfg: cfg}, nil
}

// Dial performs the WebSocket upgrade and the STOMP CONNECT handshake.
// ctx bounds the handshake only; the returned session outlives it.
func (d *StompDialer) Dial(ctx context.Context, token string) (Session, error) {
	u, _ := url.Parse(d.cfg.URL)
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+token)

	ws, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient:   d.cfg.HTTPClient,
		HTTPHeader:   hdr,
		Subprotocols: []string{"v12.stomp", "v11.stomp", "v10.stomp"},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, opErr("chat.Dial", ErrUnauthorized, fmt.Sprintf("upgrade rejected: %d", resp.StatusCode))
		}
		return nil, errors.Join(opErr("chat.Dial", ErrTransport, "websocket upgrade"), err)
	}
	ws.SetReadLimit(maxFrameBytes)

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &stompSession{
		log:    d.log,
		ws:     ws,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.rw = &watchedConn{rwc: websocket.NetConn(sessCtx, ws, websocket.MessageText), onErr: s.lost}

	type result struct {
		conn *stomp.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := stomp.Connect(s.rw,
			stomp.ConnOpt.Host(u.Hostname()),
			// Incoming liveness is checked with WebSocket pings. go-stomp would
			// enforce a nonzero read timeout even when the broker negotiates 0.
			stomp.ConnOpt.HeartBeat(d.cfg.HeartbeatOutgoing, 0),
			stomp.ConnOpt.UnsubscribeReceiptTimeout(unsubscribeReceiptTimeout),
			stomp.ConnOpt.Header("Authorization", "Bearer "+token),
		)
		ch <- result{conn: c, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			s.abort()
			if looksUnauthorized(r.err) {
				return nil, errors.Join(opErr("chat.Dial", ErrUnauthorized, "stomp connect rejected"), r.err)
			}
			return nil, errors.Join(opErr("chat.Dial", ErrTransport, "stomp connect"), r.err)
		}
		s.conn = r.conn
		go s.keepalive(d.cfg.HeartbeatIncoming)
	case <-ctx.Done():
		s.abort()
		return nil, errors.Join(opErr("chat.Dial", ErrTransport, "handshake timeout"), ctx.Err())
	}

	d.log.Info("chat.transport.connected", "host", u.Host, "subprotocol", ws.Subprotocol())
	return s, nil
}

// looksUnauthorized classifies a STOMP ERROR frame answering CONNECT.
func looksUnauthorized(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, k := range []string{"unauthor", "forbidden", "401", "403", "auth", "token", "access denied"} {
		if strings.Contains(msg, k) {
			return true
		}
	}
	return false
}

type stompSession struct {
	log    *slog.Logger
	ws     *websocket.Conn
	rw     *watchedConn
	conn   *stomp.Conn
	cancel context.CancelFunc

	once sync.Once
	done chan struct{}

	mu      sync.Mutex
	err     error
	closing bool
}

func (s *stompSession) Done() <-chan struct{} { return s.done }

func (s *stompSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// lost records the first cause and closes done. Errors seen after a local
// Close are not reported.
func (s *stompSession) lost(cause error) {
	s.once.Do(func() {
		s.mu.Lock()
		if !s.closing && cause != nil {
			s.err = errors.Join(ErrTransport, cause)
		}
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *stompSession) Subscribe(destination string, handler func([]byte)) (Subscription, error) {
	sub, err := s.conn.Subscribe(destination, stomp.AckAuto)
	if err != nil {
		return nil, errors.Join(opErr("chat.Subscribe", ErrTransport, destination), err)
	}

	ss := &stompSubscription{log: s.log, sub: sub, destination: destination}
	go s.pump(ss, handler)
	return ss, nil
}

// pump delivers one subscription's frames in order. Once the subscription is
// released its remaining frames, including a receipt timeout, are dropped.
func (s *stompSession) pump(ss *stompSubscription, handler func([]byte)) {
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ss.sub.C:
			if !ok || msg == nil {
				return
			}
			if ss.released.Load() {
				continue
			}
			if msg.Err != nil {
				s.log.Warn("chat.transport.error_frame", "destination", ss.destination, "err", msg.Err)
				s.lost(msg.Err)
				_ = s.ws.CloseNow()
				return
			}
			handler(msg.Body)
		}
	}
}

// keepalive pings the broker every interval. A ping left unanswered for a
// whole interval ends the session.
func (s *stompSession) keepalive(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-t.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), interval)
		err := s.ws.Ping(ctx)
		cancel()
		if err == nil {
			continue
		}
		select {
		case <-s.done:
			return
		default:
		}
		s.log.Warn("chat.transport.ping_fail", "interval", interval.String(), "err", err)
		s.lost(err)
		_ = s.ws.CloseNow()
		return
	}
}

func (s *stompSession) Publish(ctx context.Context, destination string, body []byte, headers map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.done:
		return opErr("chat.Publish", ErrNotConnected, destination)
	default:
	}

	opts := make([]func(*frame.Frame) error, 0, len(headers))
	for k, v := range headers {
		opts = append(opts, stomp.SendOpt.Header(k, v))
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.conn.Send(destination, v1.ContentTypeJSON, body, opts...) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *stompSession) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.mu.Unlock()

	var err error
	if s.conn != nil {
		done := make(chan error, 1)
		go func() { done <- s.conn.Disconnect() }()
		select {
		case err = <-done:
		case <-time.After(time.Second):
			err = s.conn.MustDisconnect()
		}
	}
	_ = s.ws.Close(websocket.StatusNormalClosure, "bye")
	s.cancel()
	s.lost(nil)
	return err
}

func (s *stompSession) abort() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	_ = s.ws.CloseNow()
	s.cancel()
	s.lost(nil)
}

type stompSubscription struct {
	log         *slog.Logger
	sub         *stomp.Subscription
	destination string
	released    atomic.Bool
}

// Unsubscribe releases the subscription without waiting for the broker's
// RECEIPT. Idempotent.
func (s *stompSubscription) Unsubscribe() error {
	if !s.released.CompareAndSwap(false, true) || !s.sub.Active() {
		return nil
	}
	go func() {
		if err := s.sub.Unsubscribe(); err != nil {
			s.log.Debug("chat.transport.unsubscribe", "destination", s.destination, "err", err)
		}
	}()
	return nil
}

// watchedConn reports the first read or write failure of the underlying
// stream. go-stomp owns reads; this is how loss surfaces to the session.
type watchedConn struct {
	rwc   io.ReadWriteCloser
	onErr func(error)
}

func (c *watchedConn) Read(p []byte) (int, error) {
	n, err := c.rwc.Read(p)
	if err != nil {
		c.onErr(err)
	}
	return n, err
}

func (c *watchedConn) Write(p []byte) (int, error) {
	n, err := c.rwc.Write(p)
	if err != nil {
		c.onErr(err)
	}
	return n, err
}

func (c *watchedConn) Close() error {
	err := c.rwc.Close()
	c.onErr(io.EOF)
	return err
}
