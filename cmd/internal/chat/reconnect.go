package chat

import (
	"log/slog"
	"sync"
	"time"
)

// ReconnectConfig tunes ReconnectPolicy. Zero fields take defaults.
type ReconnectConfig struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Ceiling   int
}

func (c ReconnectConfig) withDefaults() ReconnectConfig {
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultReconnectBase
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultReconnectMax
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.Ceiling <= 0 {
		c.Ceiling = defaultReconnectCeiling
	}
	return c
}

// ReconnectPolicy schedules automatic reconnect attempts with capped
// exponential backoff.
//
// State machine:
//   - Schedule arms exactly one timer (any previous pending timer is cancelled)
//     and counts the attempt.
//   - Once Attempts reaches the ceiling, Schedule refuses until Reset.
//   - Reset runs on every successful connect; Cancel on explicit disconnect.
type ReconnectPolicy struct {
	log   *slog.Logger
	cfg   ReconnectConfig
	sched Scheduler

	mu       sync.Mutex
	attempts int
	pending  Timer
}

// NewReconnectPolicy constructs a policy. A nil scheduler uses RealScheduler.
func NewReconnectPolicy(log *slog.Logger, cfg ReconnectConfig, sched Scheduler) *ReconnectPolicy {
	if log == nil {
		log = slog.Default()
	}
	if sched == nil {
		sched = RealScheduler{}
	}
	return &ReconnectPolicy{
		log:   log,
		cfg:   cfg.withDefaults(),
		sched: sched,
	}
}

// Delay returns min(base * 2^attempt, max).
func (p *ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.cfg.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.cfg.MaxDelay || d <= 0 {
			return p.cfg.MaxDelay
		}
	}
	if d > p.cfg.MaxDelay {
		return p.cfg.MaxDelay
	}
	return d
}

// Schedule arms a retry. It returns false when the ceiling has been reached.
func (p *ReconnectPolicy) Schedule(fn func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pending != nil {
		p.pending.Stop()
		p.pending = nil
	}

	if p.attempts >= p.cfg.Ceiling {
		p.log.Warn("chat.reconnect.ceiling", "attempts", p.attempts, "ceiling", p.cfg.Ceiling)
		return false
	}

	delay := p.Delay(p.attempts)
	p.attempts++
	attempt := p.attempts

	var t Timer
	t = p.sched.AfterFunc(delay, func() {
		p.mu.Lock()
		if p.pending != t {
			p.mu.Unlock()
			return
		}
		p.pending = nil
		p.mu.Unlock()
		fn()
	})
	p.pending = t

	p.log.Info("chat.reconnect.scheduled", "attempt", attempt, "delay", delay)
	return true
}

// Reset zeroes the attempt counter and cancels any pending retry.
func (p *ReconnectPolicy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.attempts = 0
	if p.pending != nil {
		p.pending.Stop()
		p.pending = nil
	}
}

// Cancel drops a pending retry without touching the counter.
func (p *ReconnectPolicy) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pending != nil {
		p.pending.Stop()
		p.pending = nil
	}
}

// Attempts returns the number of automatic attempts since the last Reset.
func (p *ReconnectPolicy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// Pending reports whether a retry timer is armed.
func (p *ReconnectPolicy) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending != nil
}
