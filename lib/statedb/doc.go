// Copyright 2026 The Glyphd Authors
// SPDX-License-Identifier: Apache-2.0

// Package statedb provides glyphd's local SQLite state database.
//
// One database file holds everything the service persists across
// restarts: the circuit breaker's saved state (a JSON blob under a
// well-known key) and the notification queue. The database wraps
// zombiezen.com/go/sqlite with production defaults: WAL journal mode
// for concurrent readers, NORMAL synchronous (transactions survive a
// process crash; the source of truth for everything here is
// reconstructible), and a busy timeout instead of immediate
// SQLITE_BUSY errors.
//
// Connections come from a fixed-size pool. Callers [DB.Take] a
// connection, do their work, and [DB.Put] it back; connections are
// not safe for concurrent use by multiple goroutines.
package statedb
