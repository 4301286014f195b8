// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package mailbox provides an unbounded FIFO with a channel-shaped
// receive side.
//
// A Mailbox sits between a producer that must never block (the session
// actor emitting events, a link accepting remote signals) and a consumer
// that drains at its own pace. Put always returns immediately; values
// come out of Out in the order they were put.
//
//	box := mailbox.New[Event]()
//	box.Put(StatusChanged{Status: StatusReady})
//	for event := range box.Out() { ... }
//
// Close stops accepting values. Values already put are still delivered,
// then Out is closed.
package mailbox

import "sync"

// Mailbox is an unbounded queue. Safe for concurrent use.
type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool

	wake chan struct{}
	out  chan T
}

// New creates a Mailbox and starts its delivery goroutine.
func New[T any]() *Mailbox[T] {
	box := &Mailbox[T]{
		wake: make(chan struct{}, 1),
		out:  make(chan T),
	}
	go box.deliver()
	return box
}

// Put appends v. Returns false if the mailbox is closed, in which case
// v is discarded.
func (m *Mailbox[T]) Put(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, v)
	m.mu.Unlock()

	m.signal()
	return true
}

// Out returns the receive side. Closed after Close once every queued
// value has been received.
func (m *Mailbox[T]) Out() <-chan T {
	return m.out
}

// Len returns the number of values not yet handed to a receiver.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close stops accepting values. Idempotent.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

func (m *Mailbox[T]) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Mailbox[T]) deliver() {
	defer close(m.out)
	for {
		m.mu.Lock()
		batch := m.items
		m.items = nil
		closed := m.closed
		m.mu.Unlock()

		for _, v := range batch {
			m.out <- v
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-m.wake
	}
}
