// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive], [RequireMatch], [RequireClosed] and [RequireSilent]
// wrap the select-with-timeout pattern so that individual tests never
// call time.After themselves. They are the only place in the test suite
// that uses wall-clock timeouts; everything else drives time through
// lib/clock.Fake.
//
// [UniqueID] generates distinct identifiers (game ids, participant
// names) without reading the clock.
//
// All helpers call t.Fatalf on failure.
package testutil
