// Copyright 2026 The Glyphd Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at initial. Time moves only when
// Advance is called; timers, tickers, and sleeps registered against
// the clock fire deterministically in deadline order as the clock
// passes their deadlines.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{now: initial}
	c.registered = sync.NewCond(&c.mu)
	return c
}

// FakeClock is a deterministic Clock for tests.
//
// AfterFunc callbacks run synchronously inside Advance, in deadline
// order. Calling Advance or Sleep from inside a callback deadlocks.
type FakeClock struct {
	mu         sync.Mutex
	now        time.Time
	pending    []*fakeTimer
	registered *sync.Cond
}

// fakeTimer is one pending waiter: a timer, ticker, or sleep.
type fakeTimer struct {
	deadline time.Time
	ch       chan time.Time // nil for AfterFunc waiters
	fn       func()         // nil for channel waiters
	every    time.Duration  // non-zero for tickers
	stopped  bool
	fired    bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives once the clock advances past
// the deadline. If d <= 0 the channel receives immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.addLocked(&fakeTimer{deadline: c.now.Add(d), ch: ch})
	return ch
}

// AfterFunc schedules f to run when the clock advances past the
// deadline. If d <= 0, f runs synchronously before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{
			stop:  func() bool { return false },
			reset: func(time.Duration) bool { return false },
		}
	}

	c.mu.Lock()
	waiter := &fakeTimer{deadline: c.now.Add(d), fn: f}
	c.addLocked(waiter)
	c.mu.Unlock()

	return &Timer{
		stop: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if waiter.stopped || waiter.fired {
				return false
			}
			waiter.stopped = true
			return true
		},
		reset: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			active := !waiter.stopped && !waiter.fired
			waiter.deadline = c.now.Add(d)
			waiter.stopped = false
			if waiter.fired {
				// One-shot waiters are dropped from pending after
				// firing; re-register.
				waiter.fired = false
				c.addLocked(waiter)
			}
			return active
		},
	}
}

// NewTicker returns a ticker firing every d of fake time. Panics if
// d <= 0.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: NewTicker interval must be positive")
	}

	c.mu.Lock()
	ch := make(chan time.Time, 1)
	waiter := &fakeTimer{deadline: c.now.Add(d), ch: ch, every: d}
	c.addLocked(waiter)
	c.mu.Unlock()

	return &Ticker{
		C: ch,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			waiter.stopped = true
		},
		reset: func(d time.Duration) {
			c.mu.Lock()
			defer c.mu.Unlock()
			waiter.every = d
			waiter.deadline = c.now.Add(d)
			waiter.stopped = false
		},
	}
}

// Sleep blocks the calling goroutine until the clock advances past
// the deadline. Returns immediately if d <= 0.
func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

// Advance moves the clock forward by d, firing every waiter whose
// deadline falls within the new time, one at a time in deadline
// order. Tickers reschedule and may fire multiple times within one
// Advance; their channel sends are non-blocking, so ticks the
// consumer has not drained are dropped (matching time.Ticker).
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		waiter := c.takeNextExpired(target)
		if waiter == nil {
			return
		}
		if waiter.fn != nil {
			waiter.fn()
			continue
		}
		select {
		case waiter.ch <- target:
		default:
		}
	}
}

// takeNextExpired removes and returns the expired waiter with the
// earliest deadline, rescheduling tickers. Returns nil when nothing
// else is due at target.
func (c *FakeClock) takeNextExpired(target time.Time) *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	index := -1
	for i, waiter := range c.pending {
		if waiter.stopped || waiter.deadline.After(target) {
			continue
		}
		if index < 0 || waiter.deadline.Before(c.pending[index].deadline) {
			index = i
		}
	}
	if index < 0 {
		return nil
	}

	waiter := c.pending[index]
	if waiter.every > 0 {
		waiter.deadline = waiter.deadline.Add(waiter.every)
	} else {
		waiter.fired = true
		c.pending = append(c.pending[:index], c.pending[index+1:]...)
	}
	return waiter
}

// WaitForTimers blocks until at least n waiters are pending. Closes
// the race between a goroutine registering a timer and the test
// advancing the clock:
//
//	go func() { fake.Sleep(time.Second) }()
//	fake.WaitForTimers(1)
//	fake.Advance(time.Second)
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.activeLocked() < n {
		c.registered.Wait()
	}
}

// PendingCount returns the number of active pending waiters.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked()
}

func (c *FakeClock) addLocked(waiter *fakeTimer) {
	c.pending = append(c.pending, waiter)
	c.registered.Broadcast()
}

func (c *FakeClock) activeLocked() int {
	n := 0
	for _, waiter := range c.pending {
		if !waiter.stopped {
			n++
		}
	}
	return n
}
