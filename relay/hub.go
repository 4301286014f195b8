// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/bureau-foundation/tabletop/lib/clock"
	"github.com/bureau-foundation/tabletop/lib/mailbox"
	"github.com/bureau-foundation/tabletop/lib/netutil"
	"github.com/bureau-foundation/tabletop/lib/version"
)

// HubConfig configures a Hub.
type HubConfig struct {
	// MinProtocol is the oldest client protocol version admitted.
	// Older (or unparseable) versions receive force_update. Empty
	// admits every version.
	MinProtocol string

	// GameTTL bounds a game's lifetime from creation. When it elapses
	// every member receives game_expired. Zero disables expiry.
	GameTTL time.Duration

	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int

	// CheckOrigin is passed to the websocket upgrader. Nil accepts
	// every origin: browsers and headless peers connect from anywhere.
	CheckOrigin func(*http.Request) bool

	Clock  clock.Clock
	Logger *slog.Logger
}

// Hub is the relay server. It assigns every websocket a participant id,
// admits connections into password-protected games, and routes signals
// between members of the same game. It never sees application data.
type Hub struct {
	minProtocol string
	gameTTL     time.Duration
	bcryptCost  int
	clock       clock.Clock
	logger      *slog.Logger
	upgrader    websocket.Upgrader

	mu      sync.Mutex
	games   map[string]*game
	members map[*member]struct{}
	closed  bool
}

type game struct {
	id         string
	secretHash []byte
	created    time.Time
	members    map[string]*member
	expiry     *clock.Timer
}

// member is one websocket connection. Outbound frames go through an
// unbounded mailbox drained by a writer goroutine, so the hub never
// writes to a socket while holding its lock.
type member struct {
	id       string
	conn     *websocket.Conn
	outbound *mailbox.Mailbox[[]byte]
	game     *game // guarded by Hub.mu
}

// NewHub creates a Hub.
func NewHub(config HubConfig) *Hub {
	cost := config.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		minProtocol: config.MinProtocol,
		gameTTL:     config.GameTTL,
		bcryptCost:  cost,
		clock:       clk,
		logger:      logger,
		upgrader:    websocket.Upgrader{CheckOrigin: checkOrigin},
		games:       make(map[string]*game),
		members:     make(map[*member]struct{}),
	}
}

// ServeHTTP upgrades the request to a websocket and serves it until the
// connection closes.
func (h *Hub) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	conn, err := h.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		h.logger.Debug("websocket upgrade failed", "remote", request.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(MaxFrameSize)

	m := &member{
		id:       uuid.NewString(),
		conn:     conn,
		outbound: mailbox.New[[]byte](),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.members[m] = struct{}{}
	h.mu.Unlock()

	logger := h.logger.With("participant", m.id)
	logger.Debug("participant connected", "remote", request.RemoteAddr)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for frame := range m.outbound.Out() {
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Debug("write to participant failed", "error", err)
				conn.Close()
				// Keep draining so the mailbox goroutine can exit.
				for range m.outbound.Out() {
				}
				return
			}
		}
	}()

	err = h.readLoop(m, logger)
	if netutil.IsExpectedCloseError(err) {
		logger.Debug("participant disconnected")
	} else {
		logger.Info("participant connection lost", "error", err)
	}

	h.mu.Lock()
	h.leaveLocked(m)
	delete(h.members, m)
	h.mu.Unlock()

	m.outbound.Close()
	<-writerDone
	conn.Close()
}

func (h *Hub) readLoop(m *member, logger *slog.Logger) error {
	for {
		messageType, data, err := m.conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		frame, err := DecodeFrame(data)
		if err != nil {
			logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		switch frame.Event {
		case EventJoinGame:
			var join JoinGame
			if err := frame.DecodeData(&join); err != nil {
				logger.Warn("dropping malformed join_game", "error", err)
				continue
			}
			h.join(m, join, logger)
		case EventSignal:
			var signal SignalTo
			if err := frame.DecodeData(&signal); err != nil {
				logger.Warn("dropping malformed signal", "error", err)
				continue
			}
			h.route(m, signal, logger)
		default:
			logger.Debug("ignoring unknown relay event", "event", frame.Event)
		}
	}
}

// join admits m into join.GameID, creating the game on first join.
// bcrypt runs outside the hub lock; the game is looked up again under
// the lock in case it changed meanwhile.
func (h *Hub) join(m *member, join JoinGame, logger *slog.Logger) {
	logger = logger.With("game", join.GameID)

	if h.minProtocol != "" && !version.ProtocolSatisfies(join.Version, h.minProtocol) {
		logger.Info("rejecting outdated client", "version", join.Version, "minimum", h.minProtocol)
		h.send(m, EventForceUpdate, nil)
		return
	}
	if join.GameID == "" {
		logger.Warn("rejecting join without a game id")
		h.send(m, EventAuthError, nil)
		return
	}

	h.mu.Lock()
	existing := h.games[join.GameID]
	h.mu.Unlock()

	var secretHash []byte
	if existing != nil {
		if bcrypt.CompareHashAndPassword(existing.secretHash, []byte(join.Secret)) != nil {
			logger.Info("rejecting wrong game secret")
			h.send(m, EventAuthError, nil)
			return
		}
	} else {
		hash, err := bcrypt.GenerateFromPassword([]byte(join.Secret), h.bcryptCost)
		if err != nil {
			logger.Warn("cannot hash game secret", "error", err)
			h.send(m, EventAuthError, nil)
			return
		}
		secretHash = hash
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	current := h.games[join.GameID]
	switch {
	case current == nil:
		if secretHash == nil {
			// The game we verified against expired meanwhile.
			hash, err := bcrypt.GenerateFromPassword([]byte(join.Secret), h.bcryptCost)
			if err != nil {
				h.sendLocked(m, EventAuthError, nil)
				return
			}
			secretHash = hash
		}
		current = h.createGameLocked(join.GameID, secretHash)
		logger.Info("game created")
	case current != existing:
		// Someone else created the game between the two lock windows.
		if bcrypt.CompareHashAndPassword(current.secretHash, []byte(join.Secret)) != nil {
			h.sendLocked(m, EventAuthError, nil)
			return
		}
	}

	if m.game == current {
		// Repeated join: re-confirm without re-announcing.
		h.sendLocked(m, EventJoinedGame, Participant{ID: m.id})
		return
	}
	h.leaveLocked(m)

	h.sendLocked(m, EventJoinedGame, Participant{ID: m.id})
	for _, other := range sortedMembers(current) {
		h.sendLocked(m, EventPlayerJoined, Participant{ID: other.id})
		h.sendLocked(other, EventPlayerJoined, Participant{ID: m.id})
	}
	current.members[m.id] = m
	m.game = current
	logger.Info("participant joined", "members", len(current.members))
}

func (h *Hub) createGameLocked(id string, secretHash []byte) *game {
	g := &game{
		id:         id,
		secretHash: secretHash,
		created:    h.clock.Now(),
		members:    make(map[string]*member),
	}
	if h.gameTTL > 0 {
		g.expiry = h.clock.AfterFunc(h.gameTTL, func() { h.expire(g) })
	}
	h.games[id] = g
	return g
}

// expire ends a game whose TTL elapsed. Members stay connected and may
// join another game.
func (h *Hub) expire(g *game) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.games[g.id] != g {
		return
	}
	delete(h.games, g.id)
	for _, m := range g.members {
		m.game = nil
		h.sendLocked(m, EventGameExpired, nil)
	}
	h.logger.Info("game expired", "game", g.id, "members", len(g.members))
}

// leaveLocked removes m from its game, announcing player_left to the
// remaining members and discarding the game once empty.
func (h *Hub) leaveLocked(m *member) {
	g := m.game
	if g == nil {
		return
	}
	m.game = nil
	delete(g.members, m.id)
	for _, other := range g.members {
		h.sendLocked(other, EventPlayerLeft, Participant{ID: m.id})
	}
	if len(g.members) == 0 && h.games[g.id] == g {
		if g.expiry != nil {
			g.expiry.Stop()
		}
		delete(h.games, g.id)
		h.logger.Info("game ended", "game", g.id)
	}
}

// route forwards a signal to its addressee if both share a game.
func (h *Hub) route(from *member, signal SignalTo, logger *slog.Logger) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if from.game == nil {
		logger.Debug("dropping signal from participant outside a game")
		return
	}
	target, ok := from.game.members[signal.To]
	if !ok {
		logger.Debug("dropping signal to unknown participant", "to", signal.To)
		return
	}
	h.sendLocked(target, EventSignal, SignalFrom{From: from.id, Signal: signal.Signal})
}

func (h *Hub) send(m *member, event string, data any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sendLocked(m, event, data)
}

// sendLocked queues a frame for m. Caller holds h.mu.
func (h *Hub) sendLocked(m *member, event string, data any) {
	frame, err := EncodeFrame(event, data)
	if err != nil {
		h.logger.Error("cannot encode relay frame", "event", event, "error", err)
		return
	}
	m.outbound.Put(frame)
}

// Games returns the ids of live games, sorted.
func (h *Hub) Games() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.games))
	for id := range h.games {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Members returns the participant ids in a game, sorted. Nil if the
// game does not exist.
func (h *Hub) Members(gameID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.games[gameID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(g.members))
	for _, m := range sortedMembers(g) {
		ids = append(ids, m.id)
	}
	return ids
}

// Close disconnects every participant and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for _, g := range h.games {
		if g.expiry != nil {
			g.expiry.Stop()
		}
	}
	conns := make([]*websocket.Conn, 0, len(h.members))
	for m := range h.members {
		conns = append(conns, m.conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}

func sortedMembers(g *game) []*member {
	members := make([]*member, 0, len(g.members))
	for _, m := range g.members {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].id < members[j].id })
	return members
}
