package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// TokenSource yields the bearer credential. It is read fresh on every
// connection attempt; an empty token means no credential is available.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// ManagerConfig tunes ConnectionManager. Zero fields take defaults.
type ManagerConfig struct {
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	Reconnect      ReconnectConfig
}

// ConnectionManager owns at most one live transport session.
//
// Concurrency model:
//   - All session mutation happens under mu.
//   - gen is bumped by every dial and every Disconnect; results of a dial or a
//     session watcher carrying a stale gen are discarded.
//   - State changes are queued under mu and drained in order outside of it, so
//     listeners may call back into the manager.
type ConnectionManager struct {
	log     *slog.Logger
	dialer  Dialer
	tokens  TokenSource
	policy  *ReconnectPolicy
	metrics *Metrics

	connectTimeout time.Duration
	publishTimeout time.Duration

	mu           sync.Mutex
	state        ConnectionState
	session      Session
	gen          uint64
	dialCancel   context.CancelFunc
	manualClose  bool
	listeners    []stateListenerEntry
	nextListener uint64
	pending      []ConnectionState
	draining     bool
}

type stateListenerEntry struct {
	id uint64
	fn StateListener
}

// NewConnectionManager constructs a manager in the Disconnected state.
// It does not dial; the first Connect (or first subscription/send) does.
func NewConnectionManager(log *slog.Logger, dialer Dialer, tokens TokenSource, sched Scheduler, cfg ManagerConfig, metrics *Metrics) *ConnectionManager {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	m := &ConnectionManager{
		log:            log,
		dialer:         dialer,
		tokens:         tokens,
		policy:         NewReconnectPolicy(log, cfg.Reconnect, sched),
		metrics:        metrics,
		connectTimeout: cfg.ConnectTimeout,
		publishTimeout: cfg.PublishTimeout,
		state:          StateDisconnected,
	}
	m.metrics.setState(StateDisconnected)
	return m
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether a live session exists.
func (m *ConnectionManager) IsConnected() bool {
	return m.State() == StateConnected
}

// Policy exposes the reconnect policy (attempt counter, pending timer).
func (m *ConnectionManager) Policy() *ReconnectPolicy { return m.policy }

// Session returns the live session, or nil when not Connected.
func (m *ConnectionManager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return nil
	}
	return m.session
}

// OnStateChange registers fn, calls it once with the current state and then
// on every change. The returned function unregisters it.
func (m *ConnectionManager) OnStateChange(fn StateListener) (unregister func()) {
	if fn == nil {
		return func() {}
	}

	m.mu.Lock()
	m.nextListener++
	id := m.nextListener
	m.listeners = append(m.listeners, stateListenerEntry{id: id, fn: fn})
	current := m.state
	m.mu.Unlock()

	fn(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, l := range m.listeners {
				if l.id == id {
					m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Connect establishes the session. It is a no-op when Connected or when an
// attempt is already in flight. A missing credential leaves the manager
// Disconnected and returns ErrAuthMissing without scheduling a retry.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	return m.connect(ctx, false)
}

func (m *ConnectionManager) connect(ctx context.Context, automatic bool) error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	if automatic && m.manualClose {
		m.mu.Unlock()
		return nil
	}
	m.manualClose = false
	m.mu.Unlock()

	attemptID := NewCorrelationID(time.Now().UTC())

	token, err := m.readToken(ctx)
	if err != nil {
		m.log.Warn("chat.connect.no_credential", "attempt_id", attemptID, "err", err)
		m.metrics.connectResult("auth_missing")
		return opErr("chat.Connect", ErrAuthMissing, err.Error())
	}

	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.gen++
	gen := m.gen
	dialCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	m.dialCancel = cancel
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	m.flush()

	m.log.Info("chat.connect.start", "attempt_id", attemptID, "automatic", automatic, "attempts", m.policy.Attempts())

	sess, err := m.dialer.Dial(dialCtx, token)
	cancel()

	m.mu.Lock()
	if gen != m.gen {
		// Disconnect (or a newer attempt) superseded this dial.
		m.mu.Unlock()
		if sess != nil {
			_ = sess.Close()
		}
		m.log.Info("chat.connect.superseded", "attempt_id", attemptID)
		return nil
	}
	m.dialCancel = nil

	if err != nil {
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		m.flush()

		if IsUnauthorized(err) {
			m.policy.Cancel()
			m.log.Error("chat.connect.unauthorized", "attempt_id", attemptID, "err", err)
			m.metrics.connectResult("unauthorized")
			return err
		}

		m.log.Warn("chat.connect.fail", "attempt_id", attemptID, "err", err)
		m.metrics.connectResult("transport_error")
		m.scheduleReconnect()
		return err
	}

	m.session = sess
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	m.policy.Reset()
	m.metrics.connectResult("ok")
	m.log.Info("chat.connect.ok", "attempt_id", attemptID)

	go m.watch(gen, sess)
	m.flush()
	return nil
}

// Disconnect tears the session down and cancels pending retries and in-flight
// dials. It always leaves the manager Disconnected.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	m.manualClose = true
	m.gen++
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	sess := m.session
	m.session = nil
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	m.policy.Cancel()

	if sess != nil {
		if err := sess.Close(); err != nil {
			m.log.Info("chat.disconnect.close_fail", "err", err)
		}
		m.log.Info("chat.disconnect")
	}
	m.flush()
}

// Publish sends one frame over the live session.
func (m *ConnectionManager) Publish(ctx context.Context, destination string, body []byte, headers map[string]string) error {
	sess := m.Session()
	if sess == nil {
		return opErr("chat.Publish", ErrNotConnected, destination)
	}

	pctx, cancel := context.WithTimeout(ctx, m.publishTimeout)
	defer cancel()

	if err := sess.Publish(pctx, destination, body, headers); err != nil {
		return errors.Join(opErr("chat.Publish", ErrTransport, destination), err)
	}
	return nil
}

func (m *ConnectionManager) watch(gen uint64, sess Session) {
	<-sess.Done()
	m.onLost(gen, sess.Err())
}

func (m *ConnectionManager) onLost(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.session = nil
	m.setStateLocked(StateDisconnected)
	manual := m.manualClose
	m.mu.Unlock()

	m.metrics.connectionLost()
	m.log.Warn("chat.connection.lost", "err", cause, "manual", manual)
	m.flush()

	if manual {
		return
	}
	if IsUnauthorized(cause) {
		m.log.Error("chat.connection.unauthorized", "err", cause)
		return
	}
	m.scheduleReconnect()
}

func (m *ConnectionManager) scheduleReconnect() {
	ok := m.policy.Schedule(func() {
		m.metrics.reconnectAttempt()
		_ = m.connect(context.Background(), true)
	})
	if !ok {
		m.log.Warn("chat.reconnect.gave_up", "attempts", m.policy.Attempts())
	}
}

func (m *ConnectionManager) readToken(ctx context.Context) (string, error) {
	if m.tokens == nil {
		return "", ErrAuthMissing
	}
	tok, err := m.tokens.Token(ctx)
	if err != nil {
		return "", err
	}
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return "", ErrAuthMissing
	}
	return tok, nil
}

// setStateLocked records a transition; callers must hold mu and call flush after unlocking.
func (m *ConnectionManager) setStateLocked(s ConnectionState) {
	if m.state == s {
		return
	}
	m.state = s
	m.pending = append(m.pending, s)
	m.metrics.setState(s)
}

// flush delivers queued transitions in order. Only one goroutine drains at a
// time; nested or concurrent callers leave their events to the active drainer.
func (m *ConnectionManager) flush() {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	for len(m.pending) > 0 {
		s := m.pending[0]
		m.pending = m.pending[1:]
		ls := make([]StateListener, 0, len(m.listeners))
		for _, l := range m.listeners {
			ls = append(ls, l.fn)
		}
		m.mu.Unlock()

		m.log.Debug("chat.state", "state", s.String())
		for _, fn := range ls {
			fn(s)
		}

		m.mu.Lock()
	}
	m.draining = false
	m.mu.Unlock()
}
