package actions

import (
	"sync"
	"testing"
	"time"
)

// fakeClock lets tests drive the coordinator's view of time.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestCoordinator(cooldown time.Duration) (*Coordinator, *fakeClock) {
	clock := newFakeClock()
	coord := NewCoordinator(cooldown)
	coord.now = clock.now
	return coord, clock
}

func TestAcquire_Grants(t *testing.T) {
	coord, _ := newTestCoordinator(10 * time.Second)

	granted, reason := coord.Acquire(KindStart)
	if !granted {
		t.Fatalf("Acquire = (false, %q), want granted", reason)
	}
	if holder, ok := coord.Current(); !ok || holder != KindStart {
		t.Errorf("Current = (%q, %v), want (start, true)", holder, ok)
	}
}

func TestAcquire_BlockedByHolder(t *testing.T) {
	coord, _ := newTestCoordinator(10 * time.Second)

	if granted, _ := coord.Acquire(KindStart); !granted {
		t.Fatal("first Acquire not granted")
	}
	granted, reason := coord.Acquire(KindStop)
	if granted {
		t.Fatal("second Acquire granted while lock held")
	}
	if reason != "start" {
		t.Errorf("reason = %q, want %q", reason, "start")
	}
}

func TestAcquire_CooldownAfterRelease(t *testing.T) {
	coord, clock := newTestCoordinator(10 * time.Second)

	// t=0: grant and release.
	if granted, _ := coord.Acquire(KindStart); !granted {
		t.Fatal("first Acquire not granted")
	}
	coord.Release()

	// t=3: still inside the cooldown window, regardless of kind.
	clock.advance(3 * time.Second)
	granted, reason := coord.Acquire(KindStop)
	if granted {
		t.Fatal("Acquire granted inside cooldown")
	}
	if reason != ReasonCooldown {
		t.Errorf("reason = %q, want %q", reason, ReasonCooldown)
	}

	// t=11: cooldown elapsed.
	clock.advance(8 * time.Second)
	if granted, reason := coord.Acquire(KindStop); !granted {
		t.Fatalf("Acquire = (false, %q), want granted after cooldown", reason)
	}
}

func TestAcquire_DeniedInCooldownDoesNotExtendIt(t *testing.T) {
	coord, clock := newTestCoordinator(10 * time.Second)

	coord.Acquire(KindStart)
	coord.Release()

	clock.advance(5 * time.Second)
	if granted, _ := coord.Acquire(KindStop); granted {
		t.Fatal("Acquire granted inside cooldown")
	}

	// The denial at t=5 must not reset the window: t=11 is clear.
	clock.advance(6 * time.Second)
	if granted, reason := coord.Acquire(KindStop); !granted {
		t.Fatalf("Acquire = (false, %q), want granted at t=11", reason)
	}
}

func TestRemaining(t *testing.T) {
	coord, clock := newTestCoordinator(10 * time.Second)

	if got := coord.Remaining(); got != 0 {
		t.Errorf("Remaining before any grant = %v, want 0", got)
	}

	coord.Acquire(KindStart)
	coord.Release()

	clock.advance(4 * time.Second)
	if got := coord.Remaining(); got != 6*time.Second {
		t.Errorf("Remaining = %v, want 6s", got)
	}

	clock.advance(10 * time.Second)
	if got := coord.Remaining(); got != 0 {
		t.Errorf("Remaining after window = %v, want 0", got)
	}
}

func TestRelease_NotHeldIsNoop(t *testing.T) {
	coord, _ := newTestCoordinator(10 * time.Second)

	coord.Release() // must not panic or grant anything
	if _, ok := coord.Current(); ok {
		t.Error("Current reports a holder after stray Release")
	}
}

func TestAcquire_NeverTwoHolders(t *testing.T) {
	coord := NewCoordinator(time.Millisecond)

	var mu sync.Mutex
	var holders int
	var maxHolders int

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				granted, _ := coord.Acquire(KindStart)
				if !granted {
					continue
				}
				mu.Lock()
				holders++
				if holders > maxHolders {
					maxHolders = holders
				}
				mu.Unlock()

				mu.Lock()
				holders--
				mu.Unlock()
				coord.Release()
			}
		}()
	}
	wg.Wait()

	if maxHolders > 1 {
		t.Errorf("observed %d concurrent holders, want at most 1", maxHolders)
	}
}

func TestScenario_CooldownTimeline(t *testing.T) {
	// cooldown = 10s; start at t=0 granted; stop at t=3 blocked by
	// cooldown; stop at t=11 granted.
	coord, clock := newTestCoordinator(10 * time.Second)

	granted, _ := coord.Acquire(KindStart)
	if !granted {
		t.Fatal("acquire(start) at t=0 not granted")
	}
	coord.Release()

	clock.advance(3 * time.Second)
	granted, reason := coord.Acquire(KindStop)
	if granted || reason != ReasonCooldown {
		t.Fatalf("acquire(stop) at t=3 = (%v, %q), want (false, cooldown)", granted, reason)
	}

	clock.advance(8 * time.Second)
	granted, reason = coord.Acquire(KindStop)
	if !granted {
		t.Fatalf("acquire(stop) at t=11 = (false, %q), want granted", reason)
	}
}
