// Package render decouples "the store changed" from "the consumer
// re-rendered". Store mutations can fire many times per second under
// rapid request activity; a render is comparatively expensive, so the
// scheduler coalesces bursts into at most one render per minimum
// interval while still rendering promptly when idle.
package render

import (
	"sync"
	"time"
)

// DefaultMinInterval is the minimum spacing between two scheduled
// renders when no interval is configured.
const DefaultMinInterval = 150 * time.Millisecond

// Scheduler rate-limits a render callback. At most one render is
// pending at any time; Schedule calls during that window are dropped,
// not queued, so the eventual render reflects whatever state exists at
// fire time.
type Scheduler struct {
	mu          sync.Mutex
	minInterval time.Duration
	scheduled   bool
	timer       *time.Timer
	lastRender  time.Time
}

// NewScheduler creates a Scheduler enforcing the given minimum spacing
// between renders. A non-positive interval selects DefaultMinInterval.
func NewScheduler(minInterval time.Duration) *Scheduler {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	return &Scheduler{minInterval: minInterval}
}

// Schedule queues fn to run once the minimum interval since the last
// executed render has elapsed. If enough time has already passed the
// callback runs on the next timer tick; otherwise it is delayed by the
// remainder. A call while a render is already pending is ignored.
func (s *Scheduler) Schedule(fn func()) {
	s.mu.Lock()
	if s.scheduled {
		s.mu.Unlock()
		return
	}
	s.scheduled = true

	var delay time.Duration
	if elapsed := time.Since(s.lastRender); elapsed < s.minInterval {
		delay = s.minInterval - elapsed
	}

	s.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if !s.scheduled {
			// Lost a race with Immediate or Cancel after the timer
			// fired; the render was already handled or dropped.
			s.mu.Unlock()
			return
		}
		s.scheduled = false
		s.timer = nil
		s.lastRender = time.Now()
		s.mu.Unlock()
		fn()
	})
	s.mu.Unlock()
}

// Immediate cancels any pending render and invokes fn synchronously.
// Used when a render must reflect a user-initiated action without
// throttling delay. The cancelled render never fires.
func (s *Scheduler) Immediate(fn func()) {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.scheduled = false
	s.lastRender = time.Now()
	s.mu.Unlock()

	fn()
}

// Cancel drops any pending render without invoking it. Used on
// teardown so a render callback is never run against a torn-down
// consumer.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.scheduled = false
	s.mu.Unlock()
}

// Pending reports whether a render is currently queued.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduled
}
