// Copyright 2026 The Glyphd Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock provides the time operations glyphd components need. Inject
// [Real] in production and [Fake] in tests.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once
	// duration d has elapsed. If d <= 0 the channel receives
	// immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc waits for duration d, then calls f. The returned
	// Timer can cancel the pending call with Stop; its C field is
	// nil, matching time.AfterFunc.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker delivering ticks on C every d.
	// Panics if d <= 0, matching time.NewTicker.
	NewTicker(d time.Duration) *Ticker

	// Sleep pauses the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Timer is a scheduled one-shot event. C is nil for timers created by
// AfterFunc.
type Timer struct {
	C <-chan time.Time

	stop  func() bool
	reset func(time.Duration) bool
}

// Stop prevents the timer from firing. Returns false if the timer has
// already fired or been stopped.
func (t *Timer) Stop() bool { return t.stop() }

// Reset reschedules the timer to fire after d. Returns true if the
// timer was still active.
func (t *Timer) Reset(d time.Duration) bool { return t.reset(d) }

// Ticker delivers periodic ticks on C. C is buffered with capacity 1;
// ticks are dropped, not queued, when the consumer falls behind.
type Ticker struct {
	C <-chan time.Time

	stop  func()
	reset func(time.Duration)
}

// Stop turns the ticker off. No ticks are delivered after Stop
// returns. Stop does not close C.
func (t *Ticker) Stop() { t.stop() }

// Reset changes the tick interval and restarts the cycle.
func (t *Ticker) Reset(d time.Duration) { t.reset(d) }
