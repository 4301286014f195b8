// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/tabletop/assets"
	"github.com/bureau-foundation/tabletop/lib/mailbox"
	"github.com/bureau-foundation/tabletop/lib/testutil"
	"github.com/bureau-foundation/tabletop/relay"
	"github.com/bureau-foundation/tabletop/transport"
)

const eventTimeout = 10 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// sentFrame is one frame the session wrote to the fake relay.
type sentFrame struct {
	Event string
	Data  json.RawMessage
}

// fakeRelay stands in for relay.Client. Tests inject relay events with
// the helpers below and inspect what the session sent on sent.
type fakeRelay struct {
	events *mailbox.Mailbox[relay.Event]
	sent   chan sentFrame

	mu     sync.Mutex
	up     bool
	closed bool
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{events: mailbox.New[relay.Event](), sent: make(chan sentFrame, 256)}
}

func (r *fakeRelay) Send(event string, data any) error {
	r.mu.Lock()
	up := r.up
	r.mu.Unlock()
	if !up {
		return relay.ErrDisconnected
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return err
	}
	// Never block the session goroutine; candidate trickle can be long.
	select {
	case r.sent <- sentFrame{Event: event, Data: encoded}:
	default:
	}
	return nil
}

func (r *fakeRelay) Events() <-chan relay.Event { return r.events.Out() }

func (r *fakeRelay) Close() error {
	r.mu.Lock()
	r.closed = true
	r.up = false
	r.mu.Unlock()
	r.events.Close()
	return nil
}

func (r *fakeRelay) connect() {
	r.mu.Lock()
	r.up = true
	r.mu.Unlock()
	r.events.Put(relay.Connected{})
}

func (r *fakeRelay) drop() {
	r.mu.Lock()
	r.up = false
	r.mu.Unlock()
	r.events.Put(relay.Disconnected{Err: errors.New("connection reset")})
}

func (r *fakeRelay) deliver(t *testing.T, event string, data any) {
	t.Helper()
	encoded, err := relay.EncodeFrame(event, data)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	frame, err := relay.DecodeFrame(encoded)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	r.events.Put(relay.Message{Frame: frame})
}

func isJoin(frame sentFrame) bool { return frame.Event == relay.EventJoinGame }

func newFakeSession(t *testing.T, config Config) (*Session, *fakeRelay) {
	t.Helper()
	fake := newFakeRelay()
	config.DialRelay = func(context.Context) Relay { return fake }
	config.Logger = testLogger()
	s := New(config)
	t.Cleanup(func() { s.Close() })
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return s, fake
}

func waitStatus(t *testing.T, s *Session, want Status) {
	t.Helper()
	testutil.RequireMatch(t, s.Events(), eventTimeout, func(event Event) bool {
		changed, ok := event.(StatusChanged)
		return ok && changed.Status == want
	}, "waiting for status %s (current %s)", want, s.Status())
}

// joinedSession returns a session that has joined "dungeon" as "m".
func joinedSession(t *testing.T, config Config) (*Session, *fakeRelay) {
	t.Helper()
	s, fake := newFakeSession(t, config)
	fake.connect()
	if err := s.JoinGame("dungeon", "hunter2"); err != nil {
		t.Fatalf("JoinGame: %v", err)
	}
	testutil.RequireMatch(t, fake.sent, eventTimeout, isJoin, "waiting for join_game")
	fake.deliver(t, relay.EventJoinedGame, relay.Participant{ID: "m"})
	waitStatus(t, s, StatusJoined)
	return s, fake
}

func TestConnectWithoutDiscoveryIsReady(t *testing.T) {
	s, _ := newFakeSession(t, Config{})
	waitStatus(t, s, StatusReady)
}

func TestConnectDiscoveryFailureIsOffline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		http.Error(writer, "turn credentials unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	dialed := false
	s := New(Config{
		ICEDiscoveryURL: server.URL,
		DialRelay: func(context.Context) Relay {
			dialed = true
			return newFakeRelay()
		},
		Logger: testLogger(),
	})
	defer s.Close()

	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("Connect succeeded against a failing discovery endpoint")
	}
	if s.Status() != StatusOffline {
		t.Errorf("status = %s, want offline", s.Status())
	}
	if dialed {
		t.Error("relay dialed despite discovery failure")
	}
	if err := s.JoinGame("dungeon", "s"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("JoinGame = %v, want ErrNotConnected", err)
	}
}

func TestJoinSendsCredentialsAndVersion(t *testing.T) {
	s, fake := newFakeSession(t, Config{ClientVersion: "v1.4.0"})
	fake.connect()
	waitStatus(t, s, StatusReady)

	if err := s.JoinGame("dungeon", "hunter2"); err != nil {
		t.Fatalf("JoinGame: %v", err)
	}
	frame := testutil.RequireMatch(t, fake.sent, eventTimeout, isJoin, "waiting for join_game")
	var join relay.JoinGame
	if err := json.Unmarshal(frame.Data, &join); err != nil {
		t.Fatalf("decoding join_game: %v", err)
	}
	if join != (relay.JoinGame{GameID: "dungeon", Secret: "hunter2", Version: "v1.4.0"}) {
		t.Errorf("join_game = %+v", join)
	}
	waitStatus(t, s, StatusJoining)

	fake.deliver(t, relay.EventJoinedGame, relay.Participant{ID: "m"})
	waitStatus(t, s, StatusJoined)
	if s.LocalID() != "m" {
		t.Errorf("LocalID = %q, want m", s.LocalID())
	}
}

func TestJoinBeforeRelayConnects(t *testing.T) {
	s, fake := newFakeSession(t, Config{})
	if err := s.JoinGame("dungeon", "hunter2"); err != nil {
		t.Fatalf("JoinGame: %v", err)
	}
	if got := s.Status(); got != StatusJoining {
		t.Errorf("status after JoinGame = %s, want %s", got, StatusJoining)
	}
	waitStatus(t, s, StatusJoining)
	testutil.RequireSilent(t, fake.sent, 100*time.Millisecond, isJoin, "join sent before the relay connected")

	fake.connect()
	testutil.RequireMatch(t, fake.sent, eventTimeout, isJoin, "join after connect")
	if got := s.Status(); got != StatusJoining {
		t.Errorf("status after connect = %s, want %s", got, StatusJoining)
	}
	testutil.RequireSilent(t, fake.sent, 200*time.Millisecond, isJoin, "duplicate join_game")
}

func TestReconnectRejoinsExactlyOnce(t *testing.T) {
	s, fake := joinedSession(t, Config{})
	fake.deliver(t, relay.EventPlayerJoined, relay.Participant{ID: "z"})
	testutil.RequireMatch(t, s.Events(), eventTimeout, func(event Event) bool {
		_, ok := event.(PlayerJoined)
		return ok
	}, "waiting for player z")

	fake.drop()
	waitStatus(t, s, StatusReconnecting)
	if participants := s.Participants(); len(participants) != 0 {
		t.Errorf("participants after drop = %v, want none", participants)
	}

	fake.connect()
	frame := testutil.RequireMatch(t, fake.sent, eventTimeout, isJoin, "waiting for automatic rejoin")
	var join relay.JoinGame
	if err := json.Unmarshal(frame.Data, &join); err != nil {
		t.Fatalf("decoding join_game: %v", err)
	}
	if join.GameID != "dungeon" || join.Secret != "hunter2" {
		t.Errorf("rejoin = %+v", join)
	}
	waitStatus(t, s, StatusJoining)
	testutil.RequireSilent(t, fake.sent, 200*time.Millisecond, isJoin, "second automatic rejoin")

	fake.deliver(t, relay.EventJoinedGame, relay.Participant{ID: "m2"})
	waitStatus(t, s, StatusJoined)
}

func TestAuthErrorClearsCredentials(t *testing.T) {
	s, fake := newFakeSession(t, Config{})
	fake.connect()
	if err := s.JoinGame("dungeon", "wrong"); err != nil {
		t.Fatalf("JoinGame: %v", err)
	}
	testutil.RequireMatch(t, fake.sent, eventTimeout, isJoin, "waiting for join_game")

	fake.deliver(t, relay.EventAuthError, nil)
	waitStatus(t, s, StatusAuth)

	// A reconnect must not retry the rejected secret.
	fake.drop()
	waitStatus(t, s, StatusReconnecting)
	fake.connect()
	waitStatus(t, s, StatusReady)
	testutil.RequireSilent(t, fake.sent, 100*time.Millisecond, isJoin, "rejoined with a rejected secret")

	if err := s.JoinGame("dungeon", "right"); err != nil {
		t.Fatalf("JoinGame after auth error: %v", err)
	}
	testutil.RequireMatch(t, fake.sent, eventTimeout, isJoin, "waiting for second join_game")
}

func TestForceUpdateIsTerminal(t *testing.T) {
	s, fake := newFakeSession(t, Config{})
	fake.connect()
	if err := s.JoinGame("dungeon", "s"); err != nil {
		t.Fatalf("JoinGame: %v", err)
	}
	fake.deliver(t, relay.EventForceUpdate, nil)
	waitStatus(t, s, StatusNeedsUpdate)

	if err := s.JoinGame("dungeon", "s"); !errors.Is(err, ErrNeedsUpdate) {
		t.Errorf("JoinGame = %v, want ErrNeedsUpdate", err)
	}

	fake.drop()
	fake.connect()
	testutil.RequireSilent(t, s.Events(), 200*time.Millisecond, func(event Event) bool {
		_, ok := event.(StatusChanged)
		return ok
	}, "status left needs_update")
	if s.Status() != StatusNeedsUpdate {
		t.Errorf("status = %s, want needs_update", s.Status())
	}
}

func TestGameExpiredGoesOffline(t *testing.T) {
	s, fake := joinedSession(t, Config{})
	fake.deliver(t, relay.EventPlayerJoined, relay.Participant{ID: "z"})

	fake.deliver(t, relay.EventGameExpired, nil)
	event := testutil.RequireMatch(t, s.Events(), eventTimeout, func(event Event) bool {
		_, ok := event.(GameExpired)
		return ok
	}, "waiting for GameExpired")
	if event.(GameExpired).GameID != "dungeon" {
		t.Errorf("expired game = %q, want dungeon", event.(GameExpired).GameID)
	}
	waitStatus(t, s, StatusOffline)

	if participants := s.Participants(); len(participants) != 0 {
		t.Errorf("participants = %v after expiry", participants)
	}
	if s.LocalID() != "" {
		t.Errorf("LocalID = %q after expiry", s.LocalID())
	}

	// Credentials are gone: a reconnect does not rejoin.
	fake.drop()
	fake.connect()
	testutil.RequireSilent(t, fake.sent, 200*time.Millisecond, isJoin, "rejoined an expired game")
}

func TestPlayerDirectory(t *testing.T) {
	s, fake := joinedSession(t, Config{})
	fake.deliver(t, relay.EventPlayerJoined, relay.Participant{ID: "z"})
	fake.deliver(t, relay.EventPlayerJoined, relay.Participant{ID: "a"})
	fake.deliver(t, relay.EventPlayerLeft, relay.Participant{ID: "z"})

	left := testutil.RequireMatch(t, s.Events(), eventTimeout, func(event Event) bool {
		_, ok := event.(PlayerLeft)
		return ok
	}, "waiting for PlayerLeft")
	if left.(PlayerLeft).ParticipantID != "z" {
		t.Errorf("PlayerLeft = %+v", left)
	}
	if participants := s.Participants(); len(participants) != 1 || participants[0] != "a" {
		t.Errorf("Participants = %v, want [a]", participants)
	}
}

func TestSendToBeforeConnect(t *testing.T) {
	s := New(Config{Logger: testLogger()})
	defer s.Close()
	if err := s.SendTo("z", "ping", map[string]int{"n": 1}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendTo = %v, want ErrNotConnected", err)
	}
}

func TestSendToEncodeFailure(t *testing.T) {
	s, _ := joinedSession(t, Config{})
	err := s.SendTo("z", "ping", map[string]any{"callback": func() {}})
	if !errors.Is(err, transport.ErrEncode) {
		t.Errorf("SendTo = %v, want ErrEncode", err)
	}
}

func TestSendToNegotiatesThroughRelay(t *testing.T) {
	s, fake := joinedSession(t, Config{})
	if err := s.SendTo("z", "ping", map[string]int{"n": 1}); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	frame := testutil.RequireMatch(t, fake.sent, eventTimeout, func(frame sentFrame) bool {
		return frame.Event == relay.EventSignal
	}, "waiting for offer")
	var signalTo relay.SignalTo
	if err := json.Unmarshal(frame.Data, &signalTo); err != nil {
		t.Fatalf("decoding signal: %v", err)
	}
	var signal transport.Signal
	if err := json.Unmarshal(signalTo.Signal, &signal); err != nil {
		t.Fatalf("decoding signal payload: %v", err)
	}
	if signalTo.To != "z" {
		t.Errorf("signal addressed to %q, want z", signalTo.To)
	}
	if signal.Type != transport.SignalOffer && signal.Type != transport.SignalCandidate {
		t.Errorf("first signal type = %s", signal.Type)
	}
}

func newAssetStore(t *testing.T) *assets.Store {
	t.Helper()
	store, err := assets.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func isUnavailable(id assets.ID) func(Event) bool {
	return func(event Event) bool {
		unavailable, ok := event.(AssetUnavailable)
		return ok && unavailable.AssetID == id
	}
}

func TestAssetOwnerAbsent(t *testing.T) {
	s, fake := joinedSession(t, Config{Assets: newAssetStore(t)})
	id := assets.HashContent([]byte("ghost map"))

	if err := s.RequestAssets(map[assets.ID]string{id: "ghost"}); err != nil {
		t.Fatalf("RequestAssets: %v", err)
	}
	testutil.RequireMatch(t, s.Events(), eventTimeout, isUnavailable(id), "waiting for AssetUnavailable")
	testutil.RequireSilent(t, fake.sent, 100*time.Millisecond, func(frame sentFrame) bool {
		return frame.Event == relay.EventSignal
	}, "negotiated with an absent owner")
}

func TestAssetOwnerLeavesClearsGuard(t *testing.T) {
	s, fake := joinedSession(t, Config{Assets: newAssetStore(t)})
	fake.deliver(t, relay.EventPlayerJoined, relay.Participant{ID: "z"})
	testutil.RequireMatch(t, s.Events(), eventTimeout, func(event Event) bool {
		_, ok := event.(PlayerJoined)
		return ok
	}, "waiting for player z")

	id := assets.HashContent([]byte("dragon portrait"))
	manifest := map[assets.ID]string{id: "z"}
	if err := s.RequestAssets(manifest); err != nil {
		t.Fatalf("RequestAssets: %v", err)
	}
	// Requesting again while outstanding is deduplicated.
	if err := s.RequestAssets(manifest); err != nil {
		t.Fatalf("RequestAssets: %v", err)
	}
	testutil.RequireSilent(t, s.Events(), 100*time.Millisecond, isUnavailable(id), "request failed early")

	fake.deliver(t, relay.EventPlayerLeft, relay.Participant{ID: "z"})
	event := testutil.RequireMatch(t, s.Events(), eventTimeout, isUnavailable(id), "waiting for AssetUnavailable")
	if unavailable := event.(AssetUnavailable); unavailable.Owner != "z" || unavailable.Err == nil {
		t.Errorf("AssetUnavailable = %+v", unavailable)
	}

	// The guard is gone: the same manifest is evaluated afresh.
	if err := s.RequestAssets(manifest); err != nil {
		t.Fatalf("RequestAssets: %v", err)
	}
	testutil.RequireMatch(t, s.Events(), eventTimeout, isUnavailable(id), "retry after guard cleared")
}

func TestCachedAssetIsNotRequested(t *testing.T) {
	store := newAssetStore(t)
	id, err := store.Put([]byte("cached tile"), "")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	s, fake := joinedSession(t, Config{Assets: store})
	fake.deliver(t, relay.EventPlayerJoined, relay.Participant{ID: "z"})

	if err := s.RequestAssets(map[assets.ID]string{id: "z", assets.HashContent([]byte("mine")): "m"}); err != nil {
		t.Fatalf("RequestAssets: %v", err)
	}
	testutil.RequireSilent(t, fake.sent, 200*time.Millisecond, func(frame sentFrame) bool {
		return frame.Event == relay.EventSignal
	}, "requested a cached or locally owned asset")
}

func TestRequestAssetsWithoutStore(t *testing.T) {
	s, _ := joinedSession(t, Config{})
	if err := s.RequestAssets(map[assets.ID]string{"x": "z"}); err == nil {
		t.Error("RequestAssets succeeded without an asset store")
	}
}

func TestClosedSession(t *testing.T) {
	s, fake := newFakeSession(t, Config{})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.JoinGame("dungeon", "s"); !errors.Is(err, ErrClosed) {
		t.Errorf("JoinGame after Close = %v, want ErrClosed", err)
	}

	done := make(chan struct{})
	go func() {
		for range s.Events() {
		}
		close(done)
	}()
	testutil.RequireClosed(t, done, eventTimeout, "Events not closed")

	fake.mu.Lock()
	closed := fake.closed
	fake.mu.Unlock()
	if !closed {
		t.Error("relay not closed")
	}
	if _, ok := <-s.Subscribe("ping"); ok {
		t.Error("Subscribe after Close returned an open channel")
	}
}
