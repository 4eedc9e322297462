// Copyright 2026 The Glyphd Authors
// SPDX-License-Identifier: Apache-2.0

// Package favicon generates deterministic project favicons and finds
// project-supplied custom ones.
package favicon

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/zeebo/blake3"
)

// Project describes what the generated icon encodes: the name drives
// the monogram and color, and production projects get a corner badge
// so dev and prod tabs are distinguishable at a glance.
type Project struct {
	Name string
	Prod bool
}

// paletteDomainKey is the BLAKE3 keyed-hash key for color selection.
// ASCII domain name, zero-padded to 32 bytes.
var paletteDomainKey = [32]byte{
	'g', 'l', 'y', 'p', 'h', 'd', '.', 'f', 'a', 'v', 'i', 'c', 'o', 'n',
}

// palette holds the background colors, chosen for white-text contrast.
// Order matters: color assignment is hash-indexed, so reordering or
// removing entries changes existing projects' icons.
var palette = []string{
	"#1565c0", // blue
	"#2e7d32", // green
	"#6a1b9a", // purple
	"#c62828", // red
	"#ef6c00", // orange
	"#00838f", // teal
	"#4e342e", // brown
	"#37474f", // blue gray
	"#ad1457", // pink
	"#558b2f", // olive
	"#283593", // indigo
	"#00695c", // dark teal
}

// badgeColor marks production projects.
const badgeColor = "#ffc107"

// Generate renders the project's favicon as an SVG document. The
// output is a pure function of the Project value, so it can be cached
// indefinitely under that key.
func Generate(p Project) []byte {
	var buf bytes.Buffer
	buf.WriteString(`<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 64 64">`)
	fmt.Fprintf(&buf, `<rect width="64" height="64" rx="12" fill="%s"/>`, Color(p.Name))
	fmt.Fprintf(&buf,
		`<text x="32" y="42" font-family="system-ui, sans-serif" font-size="28" font-weight="600" fill="#ffffff" text-anchor="middle">%s</text>`,
		escapeXML(Monogram(p.Name)))
	if p.Prod {
		fmt.Fprintf(&buf, `<circle cx="52" cy="12" r="9" fill="%s" stroke="#ffffff" stroke-width="2"/>`, badgeColor)
	}
	buf.WriteString(`</svg>`)
	return buf.Bytes()
}

// Color returns the palette entry for a project name. Stable across
// runs and hosts.
func Color(name string) string {
	hasher, err := blake3.NewKeyed(paletteDomainKey[:])
	if err != nil {
		panic("favicon: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write([]byte(name))
	var digest [32]byte
	hasher.Sum(digest[:0])
	index := binary.BigEndian.Uint32(digest[:4]) % uint32(len(palette))
	return palette[index]
}

// Monogram derives up to two display characters from a project name:
// the initials of the first two words, or the first two runes of a
// single word, uppercased. Names with no letters or digits get "?".
func Monogram(name string) string {
	words := strings.FieldsFunc(name, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	switch {
	case len(words) == 0:
		return "?"
	case len(words) == 1:
		runes := []rune(words[0])
		if len(runes) == 1 {
			return strings.ToUpper(string(runes[0]))
		}
		return strings.ToUpper(string(runes[:2]))
	default:
		first := []rune(words[0])
		second := []rune(words[1])
		return strings.ToUpper(string(first[0]) + string(second[0]))
	}
}

// escapeXML escapes the five XML special characters. Project names
// come from a hand-edited registry file; anything in them that could
// break out of the text node must be neutralized.
func escapeXML(s string) string {
	return xmlReplacer.Replace(s)
}

var xmlReplacer = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

// customNames are the favicon filenames probed by FindCustom, in
// preference order.
var customNames = []string{
	"favicon.svg",
	"favicon.png",
	"favicon.ico",
	"apple-touch-icon.png",
}

// customDirs are the directories within a project probed by
// FindCustom, in preference order. The empty entry is the project
// root.
var customDirs = []string{"", "public", "static", "assets"}

// FindCustom looks for a project-supplied favicon under dir (an
// already-validated project directory). It only ever joins fixed
// names onto dir, so it cannot escape it. Returns the path of the
// first regular file found.
func FindCustom(dir string) (string, bool) {
	for _, sub := range customDirs {
		for _, name := range customNames {
			path := filepath.Join(dir, sub, name)
			info, err := os.Stat(path)
			if err == nil && info.Mode().IsRegular() {
				return path, true
			}
		}
	}
	return "", false
}

// ContentType maps a favicon file path to its media type. Unknown
// extensions fall back to octet-stream.
func ContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".svg":
		return "image/svg+xml"
	case ".png":
		return "image/png"
	case ".ico":
		return "image/x-icon"
	default:
		return "application/octet-stream"
	}
}
