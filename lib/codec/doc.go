// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the shared CBOR configuration for everything
// that crosses a peer link.
//
// Two serialization formats are in use with a clear boundary:
//
//   - JSON for the relay websocket protocol and the ICE discovery
//     endpoint, because the relay is a plain web service.
//   - CBOR for peer-to-peer traffic: the {id, data} message envelope,
//     chunk wrappers, asset payloads, and state diffs.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items.
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// [ToTree], [FromTree] and [DeepCopy] move between typed Go values and
// the generic map[string]any / []any representation that the netstate
// package diffs and patches.
//
// # Struct Tag Rules
//
// Types that only ever travel between peers use `cbor` tags. Types
// that are also exposed as JSON (relay payloads, CLI output) use `json`
// tags only; fxamacker/cbor falls back to `json` tags when no `cbor`
// tag is present. Never put both on the same field.
package codec
