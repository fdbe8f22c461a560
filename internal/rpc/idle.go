package rpc

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
)

// idleCheckInterval is how often an IdleTracker re-evaluates its
// teardown condition.
const idleCheckInterval = time.Second

// IdleTracker decides when a shared singleton resource (the camera is
// the canonical case) is quietly abandoned: no direct holders, no
// channel subscribers, and nothing seen for the idle timeout. The
// teardown callback then runs once; the next Activate re-arms it.
// The clock is injected so tests can drive time directly.
type IdleTracker struct {
	clk      clock.Clock
	timeout  time.Duration
	teardown func()

	mu       sync.Mutex
	holders  int
	subs     int
	lastSeen time.Time
	active   bool
}

// NewIdleTracker builds a tracker that calls teardown after timeout
// of combined inactivity. Run must be started for checks to happen.
func NewIdleTracker(clk clock.Clock, timeout time.Duration, teardown func()) *IdleTracker {
	return &IdleTracker{clk: clk, timeout: timeout, teardown: teardown}
}

// Activate marks the resource live (called after it initializes or
// re-initializes) and resets the idle clock.
func (t *IdleTracker) Activate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = true
	t.lastSeen = t.clk.Now()
}

// Active reports whether the resource is currently live.
func (t *IdleTracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// AddHolder records a direct acquirer.
func (t *IdleTracker) AddHolder() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.holders++
	t.lastSeen = t.clk.Now()
}

// RemoveHolder records a direct release.
func (t *IdleTracker) RemoveHolder() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.holders > 0 {
		t.holders--
	}
	t.lastSeen = t.clk.Now()
}

// AddSubscriber and RemoveSubscriber mirror the holder pair for
// pub/sub consumers; wire them to PubSub hooks.
func (t *IdleTracker) AddSubscriber() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs++
	t.lastSeen = t.clk.Now()
}

func (t *IdleTracker) RemoveSubscriber() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.subs > 0 {
		t.subs--
	}
	t.lastSeen = t.clk.Now()
}

// Touch refreshes the idle clock without changing any count; call it
// on every use of the resource.
func (t *IdleTracker) Touch() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeen = t.clk.Now()
}

// Run evaluates the teardown condition periodically until ctx ends.
func (t *IdleTracker) Run(ctx context.Context) {
	ticker := t.clk.Ticker(idleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.check()
		case <-ctx.Done():
			return
		}
	}
}

func (t *IdleTracker) check() {
	t.mu.Lock()
	idle := t.active &&
		t.holders == 0 &&
		t.subs == 0 &&
		t.clk.Since(t.lastSeen) >= t.timeout
	if idle {
		t.active = false
	}
	t.mu.Unlock()

	if idle {
		log.Info().Dur("timeout", t.timeout).Msg("idle resource torn down")
		t.teardown()
	}
}
