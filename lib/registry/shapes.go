// Copyright 2026 The Glyphd Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/jsonc"
)

// Kind classifies a project entry by the registry section it came
// from.
type Kind string

const (
	// KindDev marks entries from the development section.
	KindDev Kind = "dev"
	// KindProd marks entries from the production section.
	KindProd Kind = "prod"
)

// Entry is one normalized project record. At least one of Name and
// Path is set. Metadata carries whatever extra fields the record had;
// the cache does not interpret them.
type Entry struct {
	Name     string
	Path     string
	Kind     Kind
	Metadata map[string]any
}

// registrySections is the canonical document layout shared by the
// flat shape and (nested under "projects") the legacy shape.
type registrySections struct {
	Development []json.RawMessage `json:"development"`
	Production  []json.RawMessage `json:"production"`
	Projects    *struct {
		Development []json.RawMessage `json:"development"`
		Production  []json.RawMessage `json:"production"`
	} `json:"projects"`
}

// parseRegistry normalizes any of the three historical registry file
// shapes into a flat map indexed by both project name (verbatim) and
// project path (lower-cased, matching the path validator's
// normalization). Both keys for one record point at the identical
// Entry. When two distinct records collide on a key, the later record
// in document order wins.
//
// Shapes:
//  1. {"development": [...], "production": [...]}
//  2. [metadata, body] — a two-element array whose second element is
//     a shape-1 or shape-3 document
//  3. {"projects": {"development": [...], "production": [...]}}
//
// The input may use JSONC extensions (comments, trailing commas);
// registry files are hand-edited often enough that rejecting those
// would be operator-hostile.
func parseRegistry(data []byte) (map[string]*Entry, error) {
	stripped := jsonc.ToJSON(data)

	document, err := unwrapDocument(stripped)
	if err != nil {
		return nil, err
	}

	var sections registrySections
	if err := json.Unmarshal(document, &sections); err != nil {
		return nil, fmt.Errorf("registry: parsing document: %w", err)
	}

	development := sections.Development
	production := sections.Production
	if sections.Projects != nil {
		development = sections.Projects.Development
		production = sections.Projects.Production
	}

	index := make(map[string]*Entry)
	if err := indexRecords(index, development, KindDev); err != nil {
		return nil, err
	}
	if err := indexRecords(index, production, KindProd); err != nil {
		return nil, err
	}
	return index, nil
}

// unwrapDocument detects the two-element array wrapper (shape 2) and
// returns the body element; any other document passes through intact.
func unwrapDocument(data []byte) (json.RawMessage, error) {
	trimmed := strings.TrimLeft(string(data), " \t\r\n")
	if !strings.HasPrefix(trimmed, "[") {
		return data, nil
	}

	var wrapper []json.RawMessage
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("registry: parsing array wrapper: %w", err)
	}
	if len(wrapper) != 2 {
		return nil, fmt.Errorf("registry: array document has %d elements, want 2 ([metadata, body])", len(wrapper))
	}
	return wrapper[1], nil
}

// indexRecords parses each record and indexes it under its name and
// lower-cased path. Records lacking both are skipped: there is
// nothing to look them up by.
func indexRecords(index map[string]*Entry, records []json.RawMessage, kind Kind) error {
	for i, raw := range records {
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return fmt.Errorf("registry: parsing %s record %d: %w", kind, i, err)
		}

		name, _ := fields["name"].(string)
		path, _ := fields["path"].(string)
		if name == "" && path == "" {
			continue
		}
		delete(fields, "name")
		delete(fields, "path")

		entry := &Entry{Name: name, Path: path, Kind: kind, Metadata: fields}
		if name != "" {
			index[name] = entry
		}
		if path != "" {
			index[strings.ToLower(path)] = entry
		}
	}
	return nil
}
