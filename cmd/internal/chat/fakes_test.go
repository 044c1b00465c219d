package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	v1 "educhat/shared/contracts/chat/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// --- tokens ---

type staticTokens struct {
	mu  sync.Mutex
	tok string
	err error
}

func (s *staticTokens) Token(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tok, s.err
}

func (s *staticTokens) set(tok string) {
	s.mu.Lock()
	s.tok = tok
	s.mu.Unlock()
}

// --- scheduler ---

type manualTimer struct {
	s       *manualScheduler
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

type manualScheduler struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (s *manualScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{s: s, delay: d, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

func (s *manualScheduler) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (s *manualScheduler) delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, 0, len(s.timers))
	for _, t := range s.timers {
		out = append(out, t.delay)
	}
	return out
}

// fire runs the oldest pending timer on the calling goroutine.
func (s *manualScheduler) fire() bool {
	s.mu.Lock()
	var next *manualTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			next = t
			break
		}
	}
	if next == nil {
		s.mu.Unlock()
		return false
	}
	next.fired = true
	s.mu.Unlock()

	next.fn()
	return true
}

// --- transport ---

type publishedFrame struct {
	destination string
	body        string
	headers     map[string]string
}

type fakeSub struct {
	s           *fakeSession
	destination string
	handler     func([]byte)
	active      bool
}

func (f *fakeSub) Unsubscribe() error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	f.active = false
	return nil
}

type fakeSession struct {
	mu         sync.Mutex
	subs       []*fakeSub
	published  []publishedFrame
	publishErr error
	closed     bool

	once sync.Once
	done chan struct{}
	err  error
}

func newFakeSession() *fakeSession {
	return &fakeSession{done: make(chan struct{})}
}

func (s *fakeSession) Subscribe(destination string, handler func([]byte)) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &fakeSub{s: s, destination: destination, handler: handler, active: true}
	s.subs = append(s.subs, sub)
	return sub, nil
}

func (s *fakeSession) Publish(_ context.Context, destination string, body []byte, headers map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publishErr != nil {
		return s.publishErr
	}
	s.published = append(s.published, publishedFrame{destination: destination, body: string(body), headers: headers})
	return nil
}

func (s *fakeSession) Done() <-chan struct{} { return s.done }

func (s *fakeSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *fakeSession) lose(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) activeSubs(destination string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sub := range s.subs {
		if sub.active && sub.destination == destination {
			n++
		}
	}
	return n
}

func (s *fakeSession) frames() []publishedFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]publishedFrame(nil), s.published...)
}

// push delivers body to every active subscription on destination.
func (s *fakeSession) push(destination, body string) {
	s.mu.Lock()
	var hs []func([]byte)
	for _, sub := range s.subs {
		if sub.active && sub.destination == destination {
			hs = append(hs, sub.handler)
		}
	}
	s.mu.Unlock()

	for _, h := range hs {
		h([]byte(body))
	}
}

type dialResult struct {
	sess *fakeSession
	err  error
}

type fakeDialer struct {
	mu       sync.Mutex
	results  []dialResult
	calls    int
	tokens   []string
	sessions []*fakeSession
}

func (d *fakeDialer) queue(rs ...dialResult) {
	d.mu.Lock()
	d.results = append(d.results, rs...)
	d.mu.Unlock()
}

func (d *fakeDialer) Dial(_ context.Context, token string) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls++
	d.tokens = append(d.tokens, token)

	var r dialResult
	if len(d.results) > 0 {
		r = d.results[0]
		d.results = d.results[1:]
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.sess == nil {
		r.sess = newFakeSession()
	}
	d.sessions = append(d.sessions, r.sess)
	return r.sess, nil
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) last() *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

var errDialRefused = opErr("chat.Dial", ErrTransport, "connection refused")

// --- backend ---

type fakeBackend struct {
	mu        sync.Mutex
	uploads   []string
	uploadID  v1.ID
	uploadErr error
	sends     []v1.SendRequest
	reply     v1.Message
	sendErr   error

	// block, when set, holds SendMessage until it is closed; entered is
	// closed once SendMessage is waiting.
	block   chan struct{}
	entered chan struct{}
}

func (b *fakeBackend) UploadFile(_ context.Context, ownerID, filename string, _ []byte) (v1.ID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploads = append(b.uploads, ownerID+"/"+filename)
	if b.uploadErr != nil {
		return "", b.uploadErr
	}
	return b.uploadID, nil
}

func (b *fakeBackend) SendMessage(_ context.Context, req v1.SendRequest) (v1.Message, error) {
	b.mu.Lock()
	b.sends = append(b.sends, req)
	block, entered := b.block, b.entered
	reply, err := b.reply, b.sendErr
	b.mu.Unlock()

	if block != nil {
		close(entered)
		<-block
	}
	if err != nil {
		return v1.Message{}, err
	}
	return reply, nil
}

func (b *fakeBackend) sendCalls() []v1.SendRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]v1.SendRequest(nil), b.sends...)
}

func (b *fakeBackend) uploadCalls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.uploads...)
}

var errBackendDown = errors.New("backend: 503")

// stateRecorder collects every state a listener observes.
type stateRecorder struct {
	mu     sync.Mutex
	states []ConnectionState
}

func (r *stateRecorder) record(s ConnectionState) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *stateRecorder) snapshot() []ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnectionState(nil), r.states...)
}
