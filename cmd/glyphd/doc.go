// Copyright 2026 The Glyphd Authors
// SPDX-License-Identifier: Apache-2.0

// glyphd is the local project companion service: it serves generated
// per-project favicons to browser tab managers, relays notifications
// from project tooling to the browser extension, and stores pasted
// images.
//
// Configuration comes from a single YAML file (GLYPHD_CONFIG or
// --config). Every filesystem path the service touches on behalf of a
// request is validated against the configured allow-list roots first.
package main
