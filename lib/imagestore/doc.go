// Copyright 2026 The Glyphd Authors
// SPDX-License-Identifier: Apache-2.0

// Package imagestore stores user-pasted images on disk, addressed by
// content hash.
//
// Each image is a blob file named by the lowercase hex BLAKE3 keyed
// digest of its bytes, with a CBOR sidecar recording media type, size,
// and storage time. Writes are atomic (temp file, fsync, rename), so
// a crash never leaves a partially written blob under a valid ID.
// Storing the same bytes twice is a no-op that returns the same ID.
//
// IDs arriving from the network are validated as exactly 64 lowercase
// hex characters before any path is built from them; nothing else can
// reach the store directory.
package imagestore
