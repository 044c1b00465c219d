package chat

import "time"

// Timer is a pending scheduled callback.
type Timer interface {
	// Stop cancels the callback. It reports whether the call prevented it from firing.
	Stop() bool
}

// Scheduler runs callbacks after a delay. The real implementation wraps
// time.AfterFunc; tests inject a manual scheduler to drive reconnects
// without real timers.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// RealScheduler schedules callbacks on wall-clock timers.
type RealScheduler struct{}

// AfterFunc implements Scheduler.
func (RealScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
