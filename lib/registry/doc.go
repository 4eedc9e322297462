// Copyright 2026 The Glyphd Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry caches the project registry file that maps local
// project names and paths to their metadata.
//
// The registry file is external: hand-edited, rewritten by other
// tools, and historically serialized in three different shapes. This
// package normalizes all three at the boundary into one flat view
// indexed by both project name and project path, and caches that view
// with a TTL.
//
// Invalidation is layered: TTL expiry, a file-change watcher
// (fsnotify when available, mtime polling otherwise; the active
// strategy is visible in [Cache.Stats]), and a manual
// [Cache.Invalidate]. File-change events are debounced to coalesce
// rapid successive writes, and a change whose new content does not
// parse never discards the old data — the replacement is checked
// before the cache commits to losing what it has.
//
// The cache degrades gracefully: a failed reload serves the previous
// view with a warning; a failed first load serves an empty view. It
// never throws the caller an error and never corrupts prior state.
package registry
