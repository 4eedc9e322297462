// Copyright 2026 The Glyphd Authors
// SPDX-License-Identifier: Apache-2.0

// Package pathguard validates untrusted folder paths against an
// operator-configured allow-list of root directories.
//
// Validation is a fixed pipeline of independent layers: decode checks
// (double-encoding, malformed escapes, null bytes), a literal
// traversal-token pre-filter, a structural regex built from the
// allowed roots, filesystem symlink canonicalization, and an
// authoritative containment check on the resolved path. The layers
// are deliberately redundant — an encoding that slips past the
// pre-filter still faces the regex, and a benign-looking path that
// passes both still fails containment if a symlink resolves it
// outside the sandbox. Every layer must hold independently.
//
// Rejections carry a [Kind] for server-side logging. Callers must
// never surface the Kind (or the resolved path) to the requester;
// all rejections are answered with one generic denial so the
// allow-list structure cannot be probed through error differences.
//
// A Guard is immutable after construction and safe for concurrent
// use.
package pathguard
