// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Components that schedule work (the netstate debounce, the relay
// client's redial loop) take a Clock instead of calling the time
// package. Production code passes Real(); tests pass Fake() and move
// time forward explicitly:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	replica := netstate.New(..., netstate.Config{Clock: fake})
//	replica.Set(value, netstate.SyncDiff)
//	fake.WaitForTimers(1)
//	fake.Advance(500 * time.Millisecond) // debounce fires here
//
// WaitForTimers closes the race between a goroutine registering a
// timer and the test advancing the clock.
package clock
