// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2) so that the
// same logical value always produces the same bytes. Chunk sizes and
// diffs computed over encoded values are therefore stable across peers.
var encMode cbor.EncMode

// decMode decodes any-typed targets into map[string]any so that
// generic trees look the same whichever peer produced them. Unknown
// struct fields are ignored for forward compatibility.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		// Peers may send arbitrarily nested map state. The default
		// limit of 32 is too low for deeply nested drawing data.
		MaxNestedLevels: 256,
		// Chunked messages can reach several megabytes once reassembled.
		MaxArrayElements: 1 << 24,
		MaxMapPairs:      1 << 24,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Valid reports whether data is exactly one well-formed CBOR item.
func Valid(data []byte) error {
	return decMode.Wellformed(data)
}

// RawMessage is a raw encoded CBOR value. Used to defer decoding of
// envelope payloads until the receiver knows the concrete type.
type RawMessage = cbor.RawMessage

// ToTree converts v into its generic representation: maps become
// map[string]any, arrays become []any, and scalars keep their decoded
// CBOR type (uint64/int64, float64, string, []byte, bool, nil). Two
// values that encode identically produce deep-equal trees.
func ToTree(v any) (any, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding value: %w", err)
	}
	var tree any
	if err := Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("decoding tree: %w", err)
	}
	return tree, nil
}

// FromTree decodes a generic tree (as produced by ToTree) into target,
// which must be a non-nil pointer.
func FromTree(tree any, target any) error {
	data, err := Marshal(tree)
	if err != nil {
		return fmt.Errorf("encoding tree: %w", err)
	}
	if err := Unmarshal(data, target); err != nil {
		return fmt.Errorf("decoding into %T: %w", target, err)
	}
	return nil
}

// DeepCopy returns an independent copy of a generic tree. Mutating the
// copy never affects the original.
func DeepCopy(tree any) (any, error) {
	return ToTree(tree)
}
