// Copyright 2026 The Glyphd Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time so that time-dependent components are
// deterministic under test. Production code injects [Real]; tests
// inject [Fake] and drive it with [FakeClock.Advance].
//
// The registry cache's TTL, the circuit breaker's recovery timers, the
// polling file watcher, and the rate limiter all take a Clock instead
// of calling the time package directly. No production code in this
// repository calls time.Now, time.After, time.AfterFunc,
// time.NewTicker, or time.Sleep on a request-serving path.
package clock
