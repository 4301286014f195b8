// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netstate replicates a shared record, such as the active map,
// across every participant of a session.
//
// Each participant holds a [Sync] over the same event name. Local edits
// made through [Sync.Set] or [Sync.Update] are debounced; when the
// quiet period ends the replica broadcasts either the whole value
// (under the event name) or a structural diff against the last value it
// synced (under the event name plus [UpdateSuffix]). The first sync and
// every [Sync.ForceResync] are full.
//
// Diffs are lists of [Change] records produced by [Diff] and replayed
// by [Apply]. A partial update names the record it was computed
// against by its key field; a replica whose record has a different key
// treats the update as stale and ignores it. There is no ordering or
// conflict resolution beyond that: concurrent edits to the same path
// converge on whichever broadcast each replica applies last.
package netstate
