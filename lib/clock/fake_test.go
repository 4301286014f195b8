// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync/atomic"
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClockNow(t *testing.T) {
	clock := Fake(epoch)
	if got := clock.Now(); !got.Equal(epoch) {
		t.Fatalf("Now() = %v, want %v", got, epoch)
	}
	clock.Advance(5 * time.Second)
	if got, want := clock.Now(), epoch.Add(5*time.Second); !got.Equal(want) {
		t.Fatalf("Now() after Advance = %v, want %v", got, want)
	}
}

func TestFakeClockAfter(t *testing.T) {
	clock := Fake(epoch)
	channel := clock.After(3 * time.Second)

	clock.Advance(2 * time.Second)
	select {
	case <-channel:
		t.Fatal("After fired before its deadline")
	default:
	}

	clock.Advance(time.Second)
	select {
	case <-channel:
	default:
		t.Fatal("After did not fire at its deadline")
	}
}

func TestFakeClockAfterNonPositive(t *testing.T) {
	clock := Fake(epoch)
	select {
	case <-clock.After(0):
	default:
		t.Fatal("After(0) should be ready immediately")
	}
	if clock.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0", clock.PendingCount())
	}
}

func TestFakeClockAfterFunc(t *testing.T) {
	clock := Fake(epoch)
	var calls atomic.Int32
	clock.AfterFunc(time.Second, func() { calls.Add(1) })

	clock.Advance(999 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatal("callback ran before its deadline")
	}
	clock.Advance(time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
	clock.Advance(time.Hour)
	if calls.Load() != 1 {
		t.Fatalf("one-shot callback ran again: calls = %d", calls.Load())
	}
}

func TestFakeClockAfterFuncStop(t *testing.T) {
	clock := Fake(epoch)
	var calls atomic.Int32
	timer := clock.AfterFunc(time.Second, func() { calls.Add(1) })

	if !timer.Stop() {
		t.Error("Stop on a pending timer = false, want true")
	}
	if timer.Stop() {
		t.Error("second Stop = true, want false")
	}
	clock.Advance(2 * time.Second)
	if calls.Load() != 0 {
		t.Errorf("stopped callback ran %d times", calls.Load())
	}
}

// TestFakeClockAfterFuncResetDebounces mirrors how netstate uses the
// clock: every mutation pushes the deadline out again.
func TestFakeClockAfterFuncResetDebounces(t *testing.T) {
	clock := Fake(epoch)
	var calls atomic.Int32
	timer := clock.AfterFunc(500*time.Millisecond, func() { calls.Add(1) })

	for index := 0; index < 5; index++ {
		clock.Advance(400 * time.Millisecond)
		if !timer.Reset(500 * time.Millisecond) {
			t.Fatalf("reset %d: timer was not pending", index)
		}
	}
	if calls.Load() != 0 {
		t.Fatalf("callback ran during debounce: calls = %d", calls.Load())
	}

	clock.Advance(500 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}

	if timer.Reset(time.Second) {
		t.Error("Reset after firing = true, want false")
	}
	clock.Advance(time.Second)
	if calls.Load() != 2 {
		t.Errorf("revived timer: calls = %d, want 2", calls.Load())
	}
}

func TestFakeClockFiresInDeadlineOrder(t *testing.T) {
	clock := Fake(epoch)
	var order []int
	clock.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	clock.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	clock.AfterFunc(2*time.Second, func() { order = append(order, 2) })

	clock.Advance(5 * time.Second)

	want := []int{1, 2, 3}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for index := range want {
		if order[index] != want[index] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestFakeClockCallbackSchedulesWithinWindow(t *testing.T) {
	clock := Fake(epoch)
	var second atomic.Bool
	clock.AfterFunc(time.Second, func() {
		clock.AfterFunc(time.Second, func() { second.Store(true) })
	})

	// The nested timer is scheduled relative to the already-advanced
	// time, so it lands beyond this window.
	clock.Advance(3 * time.Second)
	if second.Load() {
		t.Fatal("nested timer fired in the same Advance")
	}
	clock.Advance(time.Second)
	if !second.Load() {
		t.Fatal("nested timer did not fire")
	}
}

func TestFakeClockWaitForTimers(t *testing.T) {
	clock := Fake(epoch)
	done := make(chan struct{})
	go func() {
		<-clock.After(time.Second)
		close(done)
	}()

	clock.WaitForTimers(1)
	clock.Advance(time.Second)

	select {
	case <-done:
	case <-time.After(5 * time.Second): //nolint:realclock test hang prevention
		t.Fatal("goroutine waiting on After never woke")
	}
}

func TestClockImplementations(t *testing.T) {
	var _ Clock = Fake(epoch)
	var _ Clock = Real()
}
