// Copyright 2026 The Glyphd Authors
// SPDX-License-Identifier: Apache-2.0

package pathguard

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
)

// Kind classifies why validation rejected an input. Kinds are for
// operator-facing logs only; external callers receive a generic
// denial regardless of Kind.
type Kind string

const (
	// KindNone is the zero Kind, present on valid results.
	KindNone Kind = ""

	// KindEmptyInput: the input was empty.
	KindEmptyInput Kind = "empty_input"

	// KindMalformedEncoding: percent-decoding failed (truncated or
	// invalid escape sequence).
	KindMalformedEncoding Kind = "malformed_encoding"

	// KindDoubleEncoding: decoding the input twice produced two
	// different strings — a sequence was double-encoded to smuggle
	// it past a single-decode filter.
	KindDoubleEncoding Kind = "double_encoding"

	// KindNullByte: the decoded input contains a raw NUL or the
	// literal substring %00 (null-byte truncation attack).
	KindNullByte Kind = "null_byte"

	// KindTraversalPattern: the decoded input contains a literal
	// ".." or "./" anywhere. Deliberately blunt; see the package
	// comment on layered redundancy.
	KindTraversalPattern Kind = "traversal_pattern"

	// KindPatternMismatch: the normalized path does not match the
	// structural pattern built from the allowed roots.
	KindPatternMismatch Kind = "pattern_mismatch"

	// KindResolutionError: symlink resolution failed with an I/O
	// error other than not-found.
	KindResolutionError Kind = "resolution_error"

	// KindOutsideRoots: the canonical path resolves outside every
	// allowed root. The authoritative rejection — it operates on
	// the symlink-resolved path.
	KindOutsideRoots Kind = "outside_roots"
)

// Result is the outcome of one validation call.
type Result struct {
	// Valid reports whether the input passed every layer.
	Valid bool

	// SanitizedPath is the decoded, normalized (lower-cased,
	// trailing-slash-stripped) input. Populated only when Valid.
	SanitizedPath string

	// ResolvedPath is the absolute, symlink-resolved path, suitable
	// as a lookup key or I/O root. For paths that do not exist yet
	// it equals SanitizedPath. Populated only when Valid.
	ResolvedPath string

	// Kind records the rejection reason for logging. KindNone when
	// Valid.
	Kind Kind

	// SymlinkEscape is set alongside KindOutsideRoots when the path
	// exists on disk and resolved outside the roots — a symlink
	// escape rather than a made-up path. Log disambiguation only.
	SymlinkEscape bool
}

// Guard validates folder paths against a fixed allowed-root set.
type Guard struct {
	// roots are the allowed root directories: absolute, lower-cased,
	// cleaned, no trailing separator. Ordered as configured.
	roots []string

	// structural is the fast-reject pattern
	// ^<parent>/(root1|root2|...)(/[\w\-.]+)*$ built at
	// construction from the roots' shared parent directory.
	structural *regexp.Regexp
}

// New builds a Guard from the configured allowed roots. Roots must be
// non-empty, absolute, and all share one parent directory (the shared
// parent anchors the structural pattern). The deployment filesystem
// is treated as case-insensitive: roots are lower-cased here and
// inputs are lower-cased during validation.
func New(roots []string) (*Guard, error) {
	if len(roots) == 0 {
		return nil, errors.New("pathguard: at least one allowed root is required")
	}

	normalized := make([]string, 0, len(roots))
	basenames := make([]string, 0, len(roots))
	parent := ""
	for _, root := range roots {
		if !filepath.IsAbs(root) {
			return nil, fmt.Errorf("pathguard: root %q is not absolute", root)
		}
		clean := strings.ToLower(filepath.Clean(root))
		if clean == string(filepath.Separator) {
			return nil, fmt.Errorf("pathguard: root %q is the filesystem root", root)
		}
		rootParent := filepath.Dir(clean)
		if parent == "" {
			parent = rootParent
		} else if rootParent != parent {
			return nil, fmt.Errorf("pathguard: root %q has parent %q, want %q (all roots must share one parent)",
				root, rootParent, parent)
		}
		normalized = append(normalized, clean)
		basenames = append(basenames, regexp.QuoteMeta(filepath.Base(clean)))
	}

	patternParent := parent
	if patternParent == string(filepath.Separator) {
		patternParent = ""
	}
	structural, err := regexp.Compile(
		"^" + regexp.QuoteMeta(patternParent) + `/(` + strings.Join(basenames, "|") + `)(/[\w\-.]+)*$`)
	if err != nil {
		return nil, fmt.Errorf("pathguard: compiling structural pattern: %w", err)
	}

	return &Guard{roots: normalized, structural: structural}, nil
}

// Roots returns a copy of the normalized allowed roots.
func (g *Guard) Roots() []string {
	out := make([]string, len(g.roots))
	copy(out, g.roots)
	return out
}

// Validate runs the full validation pipeline on one untrusted input.
// The input is typically a request's folder parameter, already
// transport-decoded once. Each layer short-circuits on failure.
func (g *Guard) Validate(input string) Result {
	// Layer 1: emptiness.
	if input == "" {
		return Result{Kind: KindEmptyInput}
	}

	// Layer 2: decode once, then again. A second decode that changes
	// the string means the input was double-encoded.
	decodedOnce, err := url.PathUnescape(input)
	if err != nil {
		return Result{Kind: KindMalformedEncoding}
	}
	decodedTwice, err := url.PathUnescape(decodedOnce)
	if err != nil {
		return Result{Kind: KindMalformedEncoding}
	}
	if decodedTwice != decodedOnce {
		return Result{Kind: KindDoubleEncoding}
	}
	decoded := decodedOnce

	// Layer 3: null bytes, raw or still-encoded.
	if strings.ContainsRune(decoded, 0) || strings.Contains(decoded, "%00") {
		return Result{Kind: KindNullByte}
	}

	// Layer 4: literal traversal tokens. Stricter than necessary
	// (also rejects directory names like "v1..2"); kept deliberately.
	if strings.Contains(decoded, "..") || strings.Contains(decoded, "./") {
		return Result{Kind: KindTraversalPattern}
	}

	// Layer 5: normalize. Trailing separators are stripped; the whole
	// string is lower-cased to match the case-insensitive deployment
	// filesystem.
	sanitized := strings.ToLower(decoded)
	for len(sanitized) > 1 && strings.HasSuffix(sanitized, "/") {
		sanitized = strings.TrimSuffix(sanitized, "/")
	}

	// Layer 6: structural pre-filter. Cheap rejection of anything
	// that is not <parent>/<root>/<word-ish segments>.
	if !g.structural.MatchString(sanitized) {
		return Result{Kind: KindPatternMismatch}
	}

	// Layer 7: canonicalize. Nonexistent paths are validated as
	// given (the caller may be about to create them); any other
	// resolution failure is a rejection.
	resolved, err := filepath.EvalSymlinks(sanitized)
	existed := err == nil
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return Result{Kind: KindResolutionError}
		}
		resolved = sanitized
	}

	// Layer 8: authoritative containment on the resolved path. This
	// is the real security boundary: a symlink inside a root whose
	// target lies outside fails here and only here.
	if !g.contains(resolved) {
		return Result{Kind: KindOutsideRoots, SymlinkEscape: existed}
	}

	return Result{Valid: true, SanitizedPath: sanitized, ResolvedPath: resolved}
}

// contains reports whether path equals an allowed root or sits
// beneath one.
func (g *Guard) contains(path string) bool {
	for _, root := range g.roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
