// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mailbox

import (
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/tabletop/lib/testutil"
)

func TestMailboxPreservesOrder(t *testing.T) {
	box := New[int]()
	defer box.Close()

	for index := range 1000 {
		if !box.Put(index) {
			t.Fatalf("Put(%d) on an open mailbox returned false", index)
		}
	}
	for want := range 1000 {
		got := testutil.RequireReceive(t, box.Out(), 5*time.Second, "waiting for value")
		if got != want {
			t.Fatalf("received %d, want %d", got, want)
		}
	}
}

func TestMailboxPutNeverBlocks(t *testing.T) {
	box := New[int]()
	defer box.Close()

	done := make(chan struct{})
	go func() {
		// Nobody is receiving; Put must still return.
		for index := range 10000 {
			box.Put(index)
		}
		close(done)
	}()
	testutil.RequireClosed(t, done, 5*time.Second, "Put blocked without a receiver")
}

func TestMailboxCloseDrainsThenCloses(t *testing.T) {
	box := New[string]()
	box.Put("a")
	box.Put("b")
	box.Close()

	if box.Put("c") {
		t.Error("Put after Close returned true")
	}

	var got []string
	for value := range box.Out() {
		got = append(got, value)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("drained %v, want [a b]", got)
	}
}

func TestMailboxConcurrentProducers(t *testing.T) {
	box := New[int]()
	defer box.Close()

	const producers, perProducer = 8, 250
	var wg sync.WaitGroup
	for range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range perProducer {
				box.Put(index)
			}
		}()
	}
	wg.Wait()

	for range producers * perProducer {
		testutil.RequireReceive(t, box.Out(), 5*time.Second, "waiting for value")
	}
}

func TestMailboxCloseIdempotent(t *testing.T) {
	box := New[int]()
	box.Close()
	box.Close()
	testutil.RequireClosed(t, drained(box), 5*time.Second, "Out not closed")
}

func drained[T any](box *Mailbox[T]) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		for range box.Out() {
		}
		close(done)
	}()
	return done
}
