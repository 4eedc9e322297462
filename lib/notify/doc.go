// Copyright 2026 The Glyphd Authors
// SPDX-License-Identifier: Apache-2.0

// Package notify relays notifications between project tooling and the
// browser extension.
//
// Queue is the server side: notifications are sanitized at ingest and
// stored in SQLite, handed out in ID order to polling clients, and
// pruned once delivered and old. Poller is the reference client: it
// polls the server on an interval, guarded by a circuit breaker so a
// dead or flapping server costs one probe per backoff window instead
// of a request per tick.
package notify
