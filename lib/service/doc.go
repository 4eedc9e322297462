// Copyright 2026 The Glyphd Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the shared server-side plumbing: the HTTP
// server lifecycle, the standard logger, and admin authentication.
//
// Server constructors panic on missing required configuration rather
// than returning errors: a nil handler or logger is a wiring bug in
// main, not a runtime condition to handle.
package service
