// Copyright 2026 The Glyphd Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"testing"
)

func TestParseFlatShape(t *testing.T) {
	data := []byte(`{
		"development": [
			{"name": "Alpha", "path": "/srv/projects/dev/alpha", "owner": "ops"}
		],
		"production": [
			{"name": "beta", "path": "/srv/projects/prod/beta"}
		]
	}`)

	index, err := parseRegistry(data)
	if err != nil {
		t.Fatalf("parseRegistry: %v", err)
	}
	if len(index) != 4 {
		t.Fatalf("index has %d keys, want 4", len(index))
	}

	alpha, ok := index["Alpha"]
	if !ok {
		t.Fatal("no entry under name Alpha")
	}
	if alpha.Kind != KindDev {
		t.Errorf("Alpha kind = %q, want %q", alpha.Kind, KindDev)
	}
	if alpha.Path != "/srv/projects/dev/alpha" {
		t.Errorf("Alpha path = %q", alpha.Path)
	}
	if owner := alpha.Metadata["owner"]; owner != "ops" {
		t.Errorf("Alpha owner = %v, want ops", owner)
	}
	if _, kept := alpha.Metadata["name"]; kept {
		t.Error("name leaked into Metadata")
	}
	if _, kept := alpha.Metadata["path"]; kept {
		t.Error("path leaked into Metadata")
	}

	byPath, ok := index["/srv/projects/dev/alpha"]
	if !ok {
		t.Fatal("no entry under lower-cased path")
	}
	if byPath != alpha {
		t.Error("name and path keys point at different entries")
	}

	beta, ok := index["beta"]
	if !ok {
		t.Fatal("no entry under name beta")
	}
	if beta.Kind != KindProd {
		t.Errorf("beta kind = %q, want %q", beta.Kind, KindProd)
	}
}

func TestParsePathKeyIsLowercased(t *testing.T) {
	data := []byte(`{"development": [{"name": "mixed", "path": "/Srv/Projects/Dev/Mixed"}]}`)

	index, err := parseRegistry(data)
	if err != nil {
		t.Fatalf("parseRegistry: %v", err)
	}
	entry, ok := index["/srv/projects/dev/mixed"]
	if !ok {
		t.Fatal("no entry under lower-cased path key")
	}
	if entry.Path != "/Srv/Projects/Dev/Mixed" {
		t.Errorf("entry path rewritten to %q, want original casing kept", entry.Path)
	}
	if _, ok := index["/Srv/Projects/Dev/Mixed"]; ok {
		t.Error("verbatim mixed-case path should not be an index key")
	}
}

func TestParseArrayWrapperShape(t *testing.T) {
	data := []byte(`[
		{"version": 2, "exported": "2026-08-01"},
		{"development": [{"name": "gamma", "path": "/srv/projects/dev/gamma"}]}
	]`)

	index, err := parseRegistry(data)
	if err != nil {
		t.Fatalf("parseRegistry: %v", err)
	}
	if _, ok := index["gamma"]; !ok {
		t.Fatal("no entry for gamma from wrapped body")
	}
}

func TestParseNestedProjectsShape(t *testing.T) {
	data := []byte(`{
		"projects": {
			"development": [{"name": "delta", "path": "/srv/projects/dev/delta"}],
			"production": [{"name": "epsilon", "path": "/srv/projects/prod/epsilon"}]
		}
	}`)

	index, err := parseRegistry(data)
	if err != nil {
		t.Fatalf("parseRegistry: %v", err)
	}
	if entry := index["delta"]; entry == nil || entry.Kind != KindDev {
		t.Errorf("delta = %+v, want dev entry", entry)
	}
	if entry := index["epsilon"]; entry == nil || entry.Kind != KindProd {
		t.Errorf("epsilon = %+v, want prod entry", entry)
	}
}

func TestParseToleratesJSONC(t *testing.T) {
	data := []byte(`{
		// hand-edited by operators
		"development": [
			{"name": "zeta", "path": "/srv/projects/dev/zeta"}, // trailing comma next
		],
	}`)

	index, err := parseRegistry(data)
	if err != nil {
		t.Fatalf("parseRegistry: %v", err)
	}
	if _, ok := index["zeta"]; !ok {
		t.Fatal("no entry for zeta")
	}
}

func TestParseLastRecordWins(t *testing.T) {
	data := []byte(`{
		"development": [{"name": "dup", "path": "/srv/projects/dev/old", "rev": 1}],
		"production": [{"name": "dup", "path": "/srv/projects/prod/new", "rev": 2}]
	}`)

	index, err := parseRegistry(data)
	if err != nil {
		t.Fatalf("parseRegistry: %v", err)
	}
	entry := index["dup"]
	if entry == nil {
		t.Fatal("no entry for dup")
	}
	if entry.Kind != KindProd {
		t.Errorf("dup kind = %q, want later record to win", entry.Kind)
	}
	// The superseded record's path key still resolves; the name key
	// has moved on.
	if old := index["/srv/projects/dev/old"]; old == nil || old.Kind != KindDev {
		t.Errorf("old path key = %+v", old)
	}
}

func TestParseSkipsUnidentifiableRecords(t *testing.T) {
	data := []byte(`{
		"development": [
			{"owner": "nobody"},
			{"name": "kept", "path": "/srv/projects/dev/kept"}
		]
	}`)

	index, err := parseRegistry(data)
	if err != nil {
		t.Fatalf("parseRegistry: %v", err)
	}
	if len(index) != 2 {
		t.Fatalf("index has %d keys, want 2 (nameless record skipped)", len(index))
	}
}

func TestParseNameOnlyAndPathOnly(t *testing.T) {
	data := []byte(`{
		"development": [
			{"name": "name-only"},
			{"path": "/srv/projects/dev/path-only"}
		]
	}`)

	index, err := parseRegistry(data)
	if err != nil {
		t.Fatalf("parseRegistry: %v", err)
	}
	if _, ok := index["name-only"]; !ok {
		t.Error("name-only record not indexed")
	}
	if _, ok := index["/srv/projects/dev/path-only"]; !ok {
		t.Error("path-only record not indexed")
	}
}

func TestParseRejectsMalformedDocuments(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"truncated", `{"development": [`},
		{"wrong wrapper arity", `[{"a": 1}]`},
		{"scalar record", `{"development": [42]}`},
		{"scalar document", `"hello"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parseRegistry([]byte(tc.data)); err == nil {
				t.Fatal("parseRegistry accepted malformed input")
			}
		})
	}
}

func TestParseEmptyDocument(t *testing.T) {
	index, err := parseRegistry([]byte(`{}`))
	if err != nil {
		t.Fatalf("parseRegistry: %v", err)
	}
	if len(index) != 0 {
		t.Fatalf("index has %d keys, want 0", len(index))
	}
}
