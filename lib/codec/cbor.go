// Copyright 2026 The Glyphd Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides glyphd's standard CBOR encoding configuration.
//
// The repository uses two serialization formats with a clear boundary:
//
//   - JSON for external surfaces: HTTP responses, the project registry
//     file (which the service reads but does not own), and the
//     persisted circuit-breaker state blob (documented as JSON for
//     operators to inspect).
//   - CBOR for internal on-disk state: image store metadata sidecars
//     and notification payload blobs in SQLite.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items.
// The same logical value always produces identical bytes, which keeps
// content hashes and change detection stable.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Freeform registry metadata decodes into any-typed targets.
		// The CBOR default map type for those is
		// map[interface{}]interface{}, which encoding/json cannot
		// re-marshal; force map[string]any instead. Struct field
		// decoding is unaffected.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		// Integers decoded into any-typed targets come back as int64
		// regardless of sign, rather than splitting into uint64 or
		// int64 by wire encoding.
		IntDec: cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v. Unknown fields are ignored for
// forward compatibility.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
