// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/tabletop/assets"
	"github.com/bureau-foundation/tabletop/lib/clock"
	"github.com/bureau-foundation/tabletop/lib/codec"
	"github.com/bureau-foundation/tabletop/lib/mailbox"
	"github.com/bureau-foundation/tabletop/lib/version"
	"github.com/bureau-foundation/tabletop/relay"
	"github.com/bureau-foundation/tabletop/transport"
)

var (
	// ErrNotConnected is returned by operations that need the relay
	// before Connect has succeeded.
	ErrNotConnected = errors.New("session: not connected to the relay")

	// ErrNeedsUpdate is returned by JoinGame once the relay has refused
	// this client's protocol version.
	ErrNeedsUpdate = errors.New("session: client protocol version rejected by the relay")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("session: closed")

	// ErrUnknownPeer is returned by stream operations for participants
	// with no link.
	ErrUnknownPeer = errors.New("session: no link to participant")
)

// Relay is the session's view of a relay connection. *relay.Client
// satisfies it.
type Relay interface {
	Send(event string, data any) error
	Events() <-chan relay.Event
	Close() error
}

// AssetStore is the local asset cache. *assets.Store satisfies it.
type AssetStore interface {
	Has(id assets.ID) bool
	Get(id assets.ID) (assets.Asset, error)
	PutVerified(asset assets.Asset) error
}

// Config configures a Session.
type Config struct {
	// ICEDiscoveryURL serves the STUN/TURN list Connect fetches. Empty
	// skips discovery and links gather host candidates only.
	ICEDiscoveryURL string

	// HTTPClient fetches ICEDiscoveryURL. Nil uses http.DefaultClient.
	HTTPClient *http.Client

	// RelayURL and ReconnectDelay configure the default relay dialer.
	RelayURL       string
	ReconnectDelay time.Duration

	// DialRelay opens the relay connection on Connect. Nil dials
	// RelayURL with relay.Dial.
	DialRelay func(ctx context.Context) Relay

	// ClientVersion is announced in join_game. Defaults to
	// version.Protocol.
	ClientVersion string

	// ChunkThreshold is passed to every link.
	ChunkThreshold int

	// API is shared by every link. Nil uses transport.NewAPI().
	API *webrtc.API

	// Assets is the local cache used by the asset replication
	// protocol. Nil disables it: requests fail and incoming asset
	// requests are answered with assetResponseFail.
	Assets AssetStore

	Clock  clock.Clock
	Logger *slog.Logger
}

// Session is one participant's view of a shared game: the relay
// connection, a peer link per remote participant, the status state
// machine, and asset replication.
//
// All session state is owned by a single goroutine. Public methods,
// relay events, and link events are posted to it, so no method ever
// holds a lock while talking to the network. Events are delivered
// through an unbounded queue; a slow consumer delays nothing.
type Session struct {
	iceURL         string
	httpClient     *http.Client
	dialRelay      func(ctx context.Context) Relay
	clientVersion  string
	chunkThreshold int
	api            *webrtc.API
	assets         AssetStore
	clock          clock.Clock
	logger         *slog.Logger

	inbox      *mailbox.Mailbox[func()]
	linkEvents chan transport.LinkEvent
	events     *mailbox.Mailbox[Event]

	subscriptionsMu     sync.Mutex
	subscriptions       []*subscription
	subscriptionsClosed bool

	// stateMu guards the fields readable from any goroutine.
	stateMu sync.Mutex
	status  Status
	localID string

	// Owned by the run goroutine.
	relay        Relay
	relayUp      bool
	ice          transport.ICEConfig
	gameID       string
	secret       string
	participants map[string]bool
	peers        map[string]*peer
	outstanding  map[assets.ID]*pendingAsset

	runContext context.Context
	cancel     context.CancelFunc
	closing    chan struct{}
	closeOnce  sync.Once
	stopped    chan struct{}
}

type subscription struct {
	events map[string]bool
	box    *mailbox.Mailbox[PeerData]
}

// New creates a Session in StatusOffline. Call Connect to reach the
// relay.
func New(config Config) *Session {
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	clientVersion := config.ClientVersion
	if clientVersion == "" {
		clientVersion = version.Protocol
	}
	api := config.API
	if api == nil {
		api = transport.NewAPI()
	}

	runContext, cancel := context.WithCancel(context.Background())
	s := &Session{
		iceURL:         config.ICEDiscoveryURL,
		httpClient:     httpClient,
		dialRelay:      config.DialRelay,
		clientVersion:  clientVersion,
		chunkThreshold: config.ChunkThreshold,
		api:            api,
		assets:         config.Assets,
		clock:          clk,
		logger:         logger,
		inbox:          mailbox.New[func()](),
		linkEvents:     make(chan transport.LinkEvent, 64),
		events:         mailbox.New[Event](),
		status:         StatusOffline,
		participants:   make(map[string]bool),
		peers:          make(map[string]*peer),
		outstanding:    make(map[assets.ID]*pendingAsset),
		runContext:     runContext,
		cancel:         cancel,
		closing:        make(chan struct{}),
		stopped:        make(chan struct{}),
	}
	if s.dialRelay == nil {
		relayURL, reconnectDelay := config.RelayURL, config.ReconnectDelay
		s.dialRelay = func(ctx context.Context) Relay {
			return relay.Dial(ctx, relay.ClientConfig{
				URL:            relayURL,
				ReconnectDelay: reconnectDelay,
				Clock:          clk,
				Logger:         logger,
			})
		}
	}
	go s.run()
	return s
}

// Events returns the session's event stream. It is closed after Close.
func (s *Session) Events() <-chan Event {
	return s.events.Out()
}

// Subscribe returns a channel carrying PeerData for the named
// application events. The channel is closed after Close.
func (s *Session) Subscribe(events ...string) <-chan PeerData {
	sub := &subscription{events: make(map[string]bool, len(events)), box: mailbox.New[PeerData]()}
	for _, event := range events {
		sub.events[event] = true
	}

	s.subscriptionsMu.Lock()
	defer s.subscriptionsMu.Unlock()
	if s.subscriptionsClosed {
		sub.box.Close()
		return sub.box.Out()
	}
	s.subscriptions = append(s.subscriptions, sub)
	return sub.box.Out()
}

// Status returns the current status.
func (s *Session) Status() Status {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.status
}

// LocalID returns the participant id the relay assigned in the current
// game, or "" when not joined.
func (s *Session) LocalID() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.localID
}

// Participants returns the known remote participants, sorted.
func (s *Session) Participants() []string {
	var ids []string
	s.do(func() {
		ids = make([]string, 0, len(s.participants))
		for id := range s.participants {
			ids = append(ids, id)
		}
	})
	sort.Strings(ids)
	return ids
}

// Connect fetches the ICE configuration and starts the relay
// connection. On success the status becomes StatusReady (the relay
// connection itself is established in the background); on failure it
// is StatusOffline. Calling Connect while connected is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	var connected bool
	if err := s.do(func() { connected = s.relay != nil }); err != nil {
		return err
	}
	if connected {
		return nil
	}

	ice, err := s.fetchICE(ctx)
	if err != nil {
		s.do(func() {
			if s.relay == nil {
				s.setStatus(StatusOffline)
			}
		})
		return fmt.Errorf("fetching ICE configuration: %w", err)
	}

	return s.do(func() {
		if s.relay != nil {
			return
		}
		s.ice = ice
		s.relay = s.dialRelay(s.runContext)
		s.logger.Info("connecting to relay", "ice_servers", len(ice.Servers))
		s.setStatus(StatusReady)
	})
}

// JoinGame stores the game credentials and asks the relay to admit
// this participant. If the relay connection is down, the join is sent
// when it comes back. The credentials are kept across relay reconnects
// until the relay rejects them or the game expires.
func (s *Session) JoinGame(gameID, secret string) error {
	if gameID == "" {
		return errors.New("session: game id is required")
	}
	var result error
	if err := s.do(func() { result = s.joinGame(gameID, secret) }); err != nil {
		return err
	}
	return result
}

// Disconnect closes the relay connection and every peer link, and
// forgets the game credentials.
func (s *Session) Disconnect() error {
	return s.do(s.disconnect)
}

// SendTo sends an application event to one participant over channel
// (default the primary channel). If no link exists, one is negotiated
// and the message is queued until it is ready. An encode failure is
// logged and returned wrapping transport.ErrEncode.
func (s *Session) SendTo(participantID, event string, data any, channel ...string) error {
	encoded, err := encodeEnvelope(event, data)
	if err != nil {
		s.logger.Warn("dropping unencodable message", "peer", participantID, "event", event, "error", err)
		return err
	}
	label := ""
	if len(channel) > 0 {
		label = channel[0]
	}

	var result error
	if err := s.do(func() { result = s.sendTo(participantID, label, encoded) }); err != nil {
		return err
	}
	return result
}

// Broadcast sends an application event to every known participant.
func (s *Session) Broadcast(event string, data any) error {
	encoded, err := encodeEnvelope(event, data)
	if err != nil {
		s.logger.Warn("dropping unencodable broadcast", "event", event, "error", err)
		return err
	}

	var result error
	if err := s.do(func() {
		var errs []error
		for _, id := range s.sortedParticipants() {
			if err := s.sendTo(id, "", encoded); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
			}
		}
		result = errors.Join(errs...)
	}); err != nil {
		return err
	}
	return result
}

// StartStreamTo starts sending a local media track to a participant
// with an existing link.
func (s *Session) StartStreamTo(participantID string, track webrtc.TrackLocal) error {
	var result error
	if err := s.do(func() {
		record := s.peers[participantID]
		if record == nil {
			result = fmt.Errorf("%w: %s", ErrUnknownPeer, participantID)
			return
		}
		result = record.link.AddTrack(track)
	}); err != nil {
		return err
	}
	return result
}

// EndStreamTo stops sending a track started with StartStreamTo.
func (s *Session) EndStreamTo(participantID string, track webrtc.TrackLocal) error {
	var result error
	if err := s.do(func() {
		record := s.peers[participantID]
		if record == nil {
			result = fmt.Errorf("%w: %s", ErrUnknownPeer, participantID)
			return
		}
		result = record.link.RemoveTrack(track)
	}); err != nil {
		return err
	}
	return result
}

// RequestAssets fetches the assets a manifest (asset id → owner id)
// names that are neither owned locally, cached, nor already requested.
// Results arrive as AssetReceived and AssetUnavailable events.
func (s *Session) RequestAssets(manifest map[assets.ID]string) error {
	var result error
	if err := s.do(func() { result = s.requestAssets(manifest) }); err != nil {
		return err
	}
	return result
}

// Close disconnects, stops the session goroutine, and closes Events and
// every subscription.
func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.closing) })
	<-s.stopped
	return nil
}

// do runs fn on the session goroutine and waits for it.
func (s *Session) do(fn func()) error {
	finished := make(chan struct{})
	if !s.inbox.Put(func() {
		fn()
		close(finished)
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-s.stopped:
		return ErrClosed
	}
}

// post schedules fn on the session goroutine without waiting.
func (s *Session) post(fn func()) {
	s.inbox.Put(fn)
}

func (s *Session) run() {
	defer close(s.stopped)
	for {
		var relayEvents <-chan relay.Event
		if s.relay != nil {
			relayEvents = s.relay.Events()
		}

		select {
		case fn := <-s.inbox.Out():
			fn()
		case event, ok := <-relayEvents:
			if !ok {
				s.relayGone()
				continue
			}
			s.handleRelayEvent(event)
		case event := <-s.linkEvents:
			s.handleLinkEvent(event)
		case <-s.closing:
			s.shutdown()
			return
		}
	}
}

func (s *Session) shutdown() {
	if s.relay != nil {
		s.relay.Close()
		s.relay = nil
	}
	for id, record := range s.peers {
		record.link.Close()
		delete(s.peers, id)
	}
	s.cancel()

	s.inbox.Close()
	for range s.inbox.Out() {
	}

	s.events.Close()
	s.subscriptionsMu.Lock()
	s.subscriptionsClosed = true
	for _, sub := range s.subscriptions {
		sub.box.Close()
	}
	s.subscriptions = nil
	s.subscriptionsMu.Unlock()
	s.logger.Info("session closed")
}

// publish delivers an event to Events and, for PeerData, to matching
// subscriptions.
func (s *Session) publish(event Event) {
	s.events.Put(event)

	data, ok := event.(PeerData)
	if !ok {
		return
	}
	s.subscriptionsMu.Lock()
	defer s.subscriptionsMu.Unlock()
	for _, sub := range s.subscriptions {
		if sub.events[data.Event] {
			sub.box.Put(data)
		}
	}
}

// setStatus records a transition and reports it. StatusNeedsUpdate is
// terminal.
func (s *Session) setStatus(next Status) {
	s.stateMu.Lock()
	previous := s.status
	if previous == next || previous == StatusNeedsUpdate {
		s.stateMu.Unlock()
		return
	}
	s.status = next
	s.stateMu.Unlock()

	s.logger.Info("session status changed", "status", next, "previous", previous)
	s.publish(StatusChanged{Status: next, Previous: previous})
}

func (s *Session) setLocalID(id string) {
	s.stateMu.Lock()
	s.localID = id
	s.stateMu.Unlock()
}

func (s *Session) fetchICE(ctx context.Context) (transport.ICEConfig, error) {
	if s.iceURL == "" {
		return transport.ICEConfig{}, nil
	}
	return transport.FetchICEConfig(ctx, s.httpClient, s.iceURL)
}

func (s *Session) sortedParticipants() []string {
	ids := make([]string, 0, len(s.participants))
	for id := range s.participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// outbound is one encoded envelope waiting for a link to become ready.
type outbound struct {
	channel string
	message codec.RawMessage
}
