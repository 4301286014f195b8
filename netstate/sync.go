// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netstate

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/bureau-foundation/tabletop/lib/clock"
	"github.com/bureau-foundation/tabletop/lib/codec"
	"github.com/bureau-foundation/tabletop/session"
)

// DefaultDebounce is the quiet period after the last local mutation
// before a replica broadcasts.
const DefaultDebounce = 500 * time.Millisecond

// UpdateSuffix is appended to a replica's event name for partial
// updates.
const UpdateSuffix = "_update"

// Mode selects how a local mutation is propagated.
type Mode int

const (
	// SyncDiff broadcasts only what changed since the last sync.
	SyncDiff Mode = iota
	// SyncFull broadcasts the whole value.
	SyncFull
	// SyncNone changes the value locally without broadcasting.
	SyncNone
)

// Network is what a replica needs from the session. *session.Session
// satisfies it.
type Network interface {
	Broadcast(event string, data any) error
	Subscribe(events ...string) <-chan session.PeerData
}

// Config configures a Sync.
type Config struct {
	// Debounce defaults to DefaultDebounce.
	Debounce time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Sync keeps one shared record eventually consistent across every
// participant. Local mutations are debounced and then broadcast, either
// whole under the replica's event name or as a diff against the last
// synced value under event+UpdateSuffix.
//
// The snapshot a diff is computed against only ever holds a value that
// was actually broadcast or received, never a half-applied local edit.
type Sync[T any] struct {
	event    string
	key      string
	network  Network
	debounce time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	// sendMu serializes broadcasts and remote applies, so the snapshot
	// moves in one order.
	sendMu sync.Mutex

	mu         sync.Mutex
	live       T
	snapshot   any // nil until the first sync
	synced     bool
	dirty      bool
	force      bool
	generation uint64
	timer      *clock.Timer
	onChange   func(T)

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// A partial update is the map {<key>: key value, "changes": []Change}.
const changesField = "changes"

// New creates a replica of initial for event. key names the record's
// identity field (for example "id"); partial updates whose key value
// does not match the local record are discarded as stale. T must encode
// to a CBOR map containing key.
func New[T any](event, key string, initial T, network Network, config Config) *Sync[T] {
	debounce := config.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Sync[T]{
		event:    event,
		key:      key,
		network:  network,
		debounce: debounce,
		clock:    clk,
		logger:   logger.With("event", event),
		live:     initial,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.receive(network.Subscribe(event, event+UpdateSuffix))
	return s
}

// Value returns the live value. Maps and slices inside it are shared
// with the replica; mutate through Set or Update.
func (s *Sync[T]) Value() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// Set replaces the live value.
func (s *Sync[T]) Set(value T, mode Mode) {
	s.mu.Lock()
	s.live = value
	s.markLocked(mode)
	s.mu.Unlock()
}

// Update applies fn to the live value.
func (s *Sync[T]) Update(fn func(value *T), mode Mode) {
	s.mu.Lock()
	fn(&s.live)
	s.markLocked(mode)
	s.mu.Unlock()
}

// ForceResync schedules a full broadcast, for example when a new
// participant joins and needs the whole record.
func (s *Sync[T]) ForceResync() {
	s.mu.Lock()
	s.markLocked(SyncFull)
	s.mu.Unlock()
}

// OnChange registers fn to run after a remote value has been applied.
// fn runs on the replica's receive goroutine.
func (s *Sync[T]) OnChange(fn func(value T)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Flush cancels the pending debounce and syncs immediately.
func (s *Sync[T]) Flush() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	return s.sync()
}

// Close stops the pending debounce and the receive goroutine. It does
// not flush.
func (s *Sync[T]) Close() {
	s.once.Do(func() { close(s.stop) })
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	<-s.done
}

func (s *Sync[T]) markLocked(mode Mode) {
	switch mode {
	case SyncNone:
		return
	case SyncFull:
		s.force = true
	}
	s.dirty = true
	s.generation++

	// Restart the quiet period. A timer that already fired but lost
	// the race to this mutation sees a newer generation and returns.
	if s.timer != nil {
		s.timer.Stop()
	}
	generation := s.generation
	s.timer = s.clock.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		stale := generation != s.generation
		s.mu.Unlock()
		if stale {
			return
		}
		if err := s.sync(); err != nil {
			s.logger.Warn("state broadcast failed", "error", err)
		}
	})
}

// sync broadcasts pending local changes. The snapshot advances only if
// the broadcast succeeded.
func (s *Sync[T]) sync() error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	generation := s.generation
	liveTree, err := codec.ToTree(s.live)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("encoding %s: %w", s.event, err)
	}
	// A snapshot of a different record is no base for a diff.
	full := !s.synced || s.force || s.snapshot == nil ||
		!s.holds(s.snapshot, keyOf(liveTree, s.key))
	var changes []Change
	if !full {
		changes = Diff(s.snapshot, liveTree)
	}
	s.mu.Unlock()

	switch {
	case full:
		if err := s.network.Broadcast(s.event, liveTree); err != nil {
			return fmt.Errorf("broadcasting %s: %w", s.event, err)
		}
		s.logger.Debug("broadcast full state")
	case len(changes) > 0:
		fields, ok := liveTree.(map[string]any)
		if !ok {
			return fmt.Errorf("%s: partial updates need a map-shaped record, got %T", s.event, liveTree)
		}
		payload := map[string]any{s.key: fields[s.key], changesField: changes}
		if err := s.network.Broadcast(s.event+UpdateSuffix, payload); err != nil {
			return fmt.Errorf("broadcasting %s: %w", s.event+UpdateSuffix, err)
		}
		s.logger.Debug("broadcast state diff", "changes", len(changes))
	}

	s.mu.Lock()
	s.snapshot = liveTree
	s.synced = true
	if s.generation == generation {
		s.dirty = false
		s.force = false
	}
	s.mu.Unlock()
	return nil
}

func (s *Sync[T]) receive(inbound <-chan session.PeerData) {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case data, ok := <-inbound:
			if !ok {
				return
			}
			var err error
			switch data.Event {
			case s.event:
				err = s.applyFull(data)
			case s.event + UpdateSuffix:
				err = s.applyPartial(data)
			}
			if err != nil {
				s.logger.Warn("discarding remote state", "peer", data.From, "error", err)
			}
		}
	}
}

// applyFull replaces the live value and the snapshot unconditionally.
// The received value is a base later local edits are diffed against.
func (s *Sync[T]) applyFull(data session.PeerData) error {
	var tree any
	if err := data.Decode(&tree); err != nil {
		return err
	}
	var value T
	if err := codec.FromTree(tree, &value); err != nil {
		return err
	}

	s.sendMu.Lock()
	s.mu.Lock()
	s.live = value
	s.snapshot = tree
	s.synced = true
	s.dirty = false
	s.force = false
	onChange := s.onChange
	s.mu.Unlock()
	s.sendMu.Unlock()

	if onChange != nil {
		onChange(value)
	}
	return nil
}

// applyPartial applies a diff when it targets the record the live
// value holds; otherwise it is stale and dropped. The snapshot receives
// the diff only if it holds that same record.
func (s *Sync[T]) applyPartial(data session.PeerData) error {
	var payload map[string]any
	if err := data.Decode(&payload); err != nil {
		return err
	}
	var changes []Change
	if err := codec.FromTree(payload[changesField], &changes); err != nil {
		return fmt.Errorf("decoding changes: %w", err)
	}
	key := payload[s.key]

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	liveTree, err := codec.ToTree(s.live)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if !s.holds(liveTree, key) {
		s.mu.Unlock()
		s.logger.Debug("dropping stale partial update", "peer", data.From, "key", key)
		return nil
	}

	// Apply to copies first so a failure leaves both untouched.
	nextSnapshot := s.snapshot
	if s.holds(s.snapshot, key) {
		snapshotCopy, err := codec.DeepCopy(s.snapshot)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		if nextSnapshot, err = Apply(snapshotCopy, changes); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("applying to snapshot: %w", err)
		}
	}
	nextLiveTree, err := Apply(liveTree, changes)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("applying to live value: %w", err)
	}
	var next T
	if err := codec.FromTree(nextLiveTree, &next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.live = next
	s.snapshot = nextSnapshot
	onChange := s.onChange
	s.mu.Unlock()

	if onChange != nil {
		onChange(next)
	}
	return nil
}

// holds reports whether tree is a record whose key field equals key.
func (s *Sync[T]) holds(tree any, key any) bool {
	fields, ok := tree.(map[string]any)
	return ok && reflect.DeepEqual(fields[s.key], key)
}

func keyOf(tree any, key string) any {
	fields, _ := tree.(map[string]any)
	return fields[key]
}
