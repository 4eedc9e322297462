// Copyright 2026 The Glyphd Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Real returns a Clock backed by the standard time package.
func Real() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (systemClock) AfterFunc(d time.Duration, f func()) *Timer {
	inner := time.AfterFunc(d, f)
	return &Timer{stop: inner.Stop, reset: inner.Reset}
}

func (systemClock) NewTicker(d time.Duration) *Ticker {
	inner := time.NewTicker(d)
	return &Ticker{C: inner.C, stop: inner.Stop, reset: inner.Reset}
}

func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }
