// Package actions serializes server lifecycle actions. A single global
// lock prevents two actions from overlapping, and a cooldown window
// prevents any action from being retriggered too quickly — either check
// alone is insufficient: exclusion allows rapid flapping once an action
// completes, and cooldown alone does not prevent overlap.
package actions

import (
	"sync"
	"time"
)

// Kind identifies a lifecycle action.
type Kind string

const (
	KindStart   Kind = "start"
	KindStop    Kind = "stop"
	KindRestart Kind = "restart"
)

// ReasonCooldown is returned by Acquire when the lock is free but the
// cooldown window has not yet elapsed.
const ReasonCooldown = "cooldown"

// DefaultCooldown applies when no cooldown is configured.
const DefaultCooldown = 10 * time.Second

// Coordinator is the global action lock. The holder marker, the grant
// timestamp, and the cooldown check share one critical section, so a
// cooldown check can never observe a stale holder.
type Coordinator struct {
	cooldown time.Duration

	mu        sync.Mutex
	held      bool
	holder    Kind
	lastGrant time.Time
	now       func() time.Time // injectable for tests
}

// NewCoordinator creates a Coordinator with the given cooldown window.
func NewCoordinator(cooldown time.Duration) *Coordinator {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Coordinator{cooldown: cooldown, now: time.Now}
}

// Acquire attempts to take the global lock for kind without blocking.
// It returns (false, holder) when another action holds the lock, and
// (false, ReasonCooldown) when the cooldown window since the previous
// grant — of any kind — has not elapsed. On success the grant time is
// recorded and the caller must call Release on every exit path.
func (c *Coordinator) Acquire(kind Kind) (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.held {
		return false, string(c.holder)
	}
	if !c.lastGrant.IsZero() && c.now().Sub(c.lastGrant) < c.cooldown {
		return false, ReasonCooldown
	}

	c.held = true
	c.holder = kind
	c.lastGrant = c.now()
	return true, ""
}

// Release clears the holder and frees the lock. Calling it when the lock
// is not held is a no-op.
func (c *Coordinator) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.held = false
	c.holder = ""
}

// Remaining reports how much of the cooldown window is left, clamped to
// zero. Used for user-facing wait-time messages.
func (c *Coordinator) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastGrant.IsZero() {
		return 0
	}
	remaining := c.cooldown - c.now().Sub(c.lastGrant)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Current returns the action currently holding the lock, if any.
func (c *Coordinator) Current() (Kind, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.held {
		return "", false
	}
	return c.holder, true
}
