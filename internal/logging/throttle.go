// Package logging provides structured logging for the sync core.
package logging

import "sync"

// Throttle suppresses repeated failure logs during long outages. The
// first failure logs, then every Nth after that; a success resets the
// counter so the next failure logs again immediately.
type Throttle struct {
	mu    sync.Mutex
	every int
	count int
}

// NewThrottle creates a throttle that passes the first failure and every
// Nth thereafter. every values below 2 disable suppression.
func NewThrottle(every int) *Throttle {
	if every < 2 {
		every = 1
	}
	return &Throttle{every: every}
}

// Failure records a failure and reports whether it should be logged.
func (t *Throttle) Failure() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count++
	return t.count == 1 || t.count%t.every == 0
}

// Success resets the failure streak.
func (t *Throttle) Success() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count = 0
}

// Streak returns the current consecutive failure count.
func (t *Throttle) Streak() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}
