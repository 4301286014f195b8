// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/tabletop/lib/clock"
	"github.com/bureau-foundation/tabletop/lib/codec"
	"github.com/bureau-foundation/tabletop/lib/mailbox"
)

// PrimaryChannel is the label of the ordered, reliable data channel the
// initiator opens on every link. The link is ready once it is open.
const PrimaryChannel = "data"

var (
	// ErrLinkClosed is returned by operations on a closed Link.
	ErrLinkClosed = errors.New("transport: link closed")

	// ErrNotReady is returned by Send on the primary channel before the
	// remote side has opened it.
	ErrNotReady = errors.New("transport: link not ready")
)

// SignalType discriminates negotiation payloads.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
)

// Signal is one negotiation payload exchanged through the relay. Links
// use trickle ICE: the offer or answer goes out immediately and each
// local candidate follows as its own Signal.
type Signal struct {
	Type      SignalType               `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// LinkEvent is implemented by every event a Link reports. Source
// identifies the link, so that a consumer holding several links for the
// same peer over time can discard events from links it has replaced.
type LinkEvent interface {
	Source() *Link
}

// LinkSignal carries a local negotiation payload to be forwarded to the
// remote peer.
type LinkSignal struct {
	Link   *Link
	Signal Signal
}

// LinkReady reports that the primary channel is open.
type LinkReady struct {
	Link *Link
}

// LinkMessage carries one complete (reassembled) message.
type LinkMessage struct {
	Link    *Link
	Channel string
	Message codec.RawMessage
}

// LinkProgress reports reassembly of a chunked message.
type LinkProgress struct {
	Link     *Link
	Channel  string
	Progress Progress
}

// LinkTrackAdded reports a remote media track. The consumer owns reading
// from Track.
type LinkTrackAdded struct {
	Link     *Link
	Track    *webrtc.TrackRemote
	Receiver *webrtc.RTPReceiver
}

// LinkTrackRemoved reports that the remote peer stopped sending a track.
type LinkTrackRemoved struct {
	Link     *Link
	TrackID  string
	StreamID string
}

// LinkClosed reports that the link is unusable. Err is nil when the
// remote side closed cleanly.
type LinkClosed struct {
	Link *Link
	Err  error
}

func (e LinkSignal) Source() *Link       { return e.Link }
func (e LinkReady) Source() *Link        { return e.Link }
func (e LinkMessage) Source() *Link      { return e.Link }
func (e LinkProgress) Source() *Link     { return e.Link }
func (e LinkTrackAdded) Source() *Link   { return e.Link }
func (e LinkTrackRemoved) Source() *Link { return e.Link }
func (e LinkClosed) Source() *Link       { return e.Link }

// LinkConfig configures a Link.
type LinkConfig struct {
	// PeerID is the remote participant id. Used for logging and
	// returned by Link.PeerID.
	PeerID string

	// Initiator selects the side that opens the primary channel and
	// sends the first offer. The other side is the polite peer during
	// renegotiation collisions.
	Initiator bool

	ICE ICEConfig

	// API is shared across links. Nil uses NewAPI().
	API *webrtc.API

	// ChunkThreshold defaults to DefaultChunkThreshold.
	ChunkThreshold int

	// Events receives everything the link reports. Sends block until
	// the consumer receives or the link is closed, so the consumer must
	// not call into the link's blocking paths while it is behind.
	Events chan<- LinkEvent

	Clock  clock.Clock
	Logger *slog.Logger
}

// Link is one WebRTC PeerConnection to one remote participant, carrying
// chunked CBOR messages over named data channels and optional media
// tracks.
//
// Remote signals are queued by HandleSignal and applied in order by the
// link's own goroutine, so HandleSignal never blocks on negotiation.
type Link struct {
	peerID     string
	initiator  bool
	connection *webrtc.PeerConnection
	threshold  int
	clock      clock.Clock
	logger     *slog.Logger
	events     chan<- LinkEvent

	signals *mailbox.Mailbox[Signal]

	// negotiateMu serializes offer creation against remote offers.
	negotiateMu sync.Mutex

	mu                sync.Mutex
	channels          map[string]*linkChannel
	pendingCandidates []webrtc.ICECandidateInit
	senders           map[string]*webrtc.RTPSender
	remoteTracks      map[string]string // track id → stream id
	ready             bool

	// creatingChannel serializes on-demand channel creation.
	creatingChannel sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	failOnce  sync.Once
}

// linkChannel is one data channel with its own reassembly state.
// Messages sent before the channel opens are held in pending.
type linkChannel struct {
	label   string
	channel *webrtc.DataChannel
	chunked *Chunked

	mu      sync.Mutex
	open    bool
	pending [][]byte
}

// NewAPI returns a pion API with the default audio/video codecs and
// interceptors registered and loopback candidates enabled, so that
// participants on the same machine can connect without STUN.
func NewAPI() *webrtc.API {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		panic("transport: registering default codecs: " + err.Error())
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		panic("transport: registering default interceptors: " + err.Error())
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	)
}

// NewLink creates a PeerConnection for one remote participant. An
// initiator immediately creates the primary channel and emits its offer
// on config.Events.
func NewLink(config LinkConfig) (*Link, error) {
	if config.Events == nil {
		return nil, errors.New("transport: LinkConfig.Events is required")
	}
	api := config.API
	if api == nil {
		api = NewAPI()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	connection, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: config.ICE.Servers,
	})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	link := &Link{
		peerID:       config.PeerID,
		initiator:    config.Initiator,
		connection:   connection,
		threshold:    config.ChunkThreshold,
		clock:        clk,
		logger:       logger.With("peer", config.PeerID),
		events:       config.Events,
		signals:      mailbox.New[Signal](),
		channels:     make(map[string]*linkChannel),
		senders:      make(map[string]*webrtc.RTPSender),
		remoteTracks: make(map[string]string),
		done:         make(chan struct{}),
	}

	connection.OnICECandidate(link.handleLocalCandidate)
	connection.OnDataChannel(func(channel *webrtc.DataChannel) {
		link.logger.Debug("remote opened data channel", "channel", channel.Label())
		link.attachChannel(channel)
	})
	connection.OnTrack(link.handleRemoteTrack)
	connection.OnConnectionStateChange(link.handleConnectionState)
	connection.OnNegotiationNeeded(func() {
		// Called on pion's operation queue; negotiation itself enqueues
		// operations, so it must run elsewhere.
		go link.negotiate()
	})

	go link.processSignals()

	if config.Initiator {
		channel, err := connection.CreateDataChannel(PrimaryChannel, nil)
		if err != nil {
			link.Close()
			return nil, fmt.Errorf("creating primary data channel: %w", err)
		}
		link.attachChannel(channel)
		go link.negotiate()
	}

	return link, nil
}

// PeerID returns the remote participant id.
func (l *Link) PeerID() string {
	return l.peerID
}

// Initiator reports whether this side opened the link.
func (l *Link) Initiator() bool {
	return l.initiator
}

// Ready reports whether the primary channel is open.
func (l *Link) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready
}

// HandleSignal queues a remote negotiation payload. Signals are applied
// in the order they were handed over.
func (l *Link) HandleSignal(signal Signal) error {
	if l.isClosed() {
		return ErrLinkClosed
	}
	if !l.signals.Put(signal) {
		return ErrLinkClosed
	}
	return nil
}

// Send delivers message on the named channel ("" or PrimaryChannel for
// the primary channel). Named channels are created on first use and
// hold messages until they open. An encode failure returns an error
// wrapping ErrEncode and sends nothing.
func (l *Link) Send(channel string, message any) error {
	if l.isClosed() {
		return ErrLinkClosed
	}
	if channel == "" {
		channel = PrimaryChannel
	}

	target, err := l.channel(channel)
	if err != nil {
		return err
	}
	encoded, err := target.chunked.Encode(message)
	if err != nil {
		return err
	}
	return target.send(encoded)
}

// AddTrack starts sending a local media track to the remote peer. The
// resulting renegotiation runs in the background.
func (l *Link) AddTrack(track webrtc.TrackLocal) error {
	if l.isClosed() {
		return ErrLinkClosed
	}
	sender, err := l.connection.AddTrack(track)
	if err != nil {
		return fmt.Errorf("adding track %s: %w", track.ID(), err)
	}

	l.mu.Lock()
	l.senders[track.ID()] = sender
	l.mu.Unlock()

	// RTCP must be read for interceptors (NACK, reports) to work.
	go func() {
		buffer := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buffer); err != nil {
				return
			}
		}
	}()
	return nil
}

// RemoveTrack stops sending a track previously passed to AddTrack.
func (l *Link) RemoveTrack(track webrtc.TrackLocal) error {
	if l.isClosed() {
		return ErrLinkClosed
	}

	l.mu.Lock()
	sender, ok := l.senders[track.ID()]
	delete(l.senders, track.ID())
	l.mu.Unlock()

	if !ok {
		return fmt.Errorf("track %s is not being sent to %s", track.ID(), l.peerID)
	}
	if err := l.connection.RemoveTrack(sender); err != nil {
		return fmt.Errorf("removing track %s: %w", track.ID(), err)
	}
	return nil
}

// Close tears down the PeerConnection. No LinkClosed event is emitted
// for an explicit Close. Safe to call more than once.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		l.signals.Close()
		err = l.connection.Close()
	})
	return err
}

// Done is closed once Close has been called.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

func (l *Link) isClosed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *Link) emit(event LinkEvent) {
	if l.isClosed() {
		return
	}
	select {
	case l.events <- event:
	case <-l.done:
	}
}

// fail reports the link unusable once. The consumer is expected to
// Close it.
func (l *Link) fail(err error) {
	if l.isClosed() {
		return
	}
	l.failOnce.Do(func() {
		if err != nil {
			l.logger.Warn("peer link failed", "error", err)
		} else {
			l.logger.Info("peer link closed by remote")
		}
		l.emit(LinkClosed{Link: l, Err: err})
	})
}

// --- Negotiation ---

// negotiate creates and sends an offer if the signaling state allows.
func (l *Link) negotiate() {
	l.negotiateMu.Lock()
	if l.isClosed() || l.connection.SignalingState() != webrtc.SignalingStateStable {
		l.negotiateMu.Unlock()
		return
	}

	offer, err := l.connection.CreateOffer(nil)
	if err == nil {
		err = l.connection.SetLocalDescription(offer)
	}
	l.negotiateMu.Unlock()

	if err != nil {
		l.fail(fmt.Errorf("creating offer: %w", err))
		return
	}
	l.emit(LinkSignal{Link: l, Signal: Signal{Type: SignalOffer, SDP: offer.SDP}})
}

func (l *Link) processSignals() {
	for signal := range l.signals.Out() {
		if l.isClosed() {
			continue
		}
		var err error
		switch signal.Type {
		case SignalOffer:
			err = l.applyOffer(signal.SDP)
		case SignalAnswer:
			err = l.applyAnswer(signal.SDP)
		case SignalCandidate:
			l.applyCandidate(signal.Candidate)
		default:
			l.logger.Warn("ignoring signal of unknown type", "type", signal.Type)
		}
		if err != nil {
			l.fail(err)
		}
	}
}

func (l *Link) applyOffer(sdpText string) error {
	l.negotiateMu.Lock()

	if l.connection.SignalingState() != webrtc.SignalingStateStable {
		// Offer collision. The initiator keeps its own offer and waits
		// for the answer; the other side abandons its offer.
		if l.initiator {
			l.negotiateMu.Unlock()
			l.logger.Debug("ignoring colliding remote offer")
			return nil
		}
		local := l.connection.LocalDescription()
		if local == nil {
			l.negotiateMu.Unlock()
			return errors.New("offer collision without a local description")
		}
		if err := l.connection.SetLocalDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeRollback,
			SDP:  local.SDP,
		}); err != nil {
			l.negotiateMu.Unlock()
			return fmt.Errorf("rolling back local offer: %w", err)
		}
	}

	if err := l.connection.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdpText,
	}); err != nil {
		l.negotiateMu.Unlock()
		return fmt.Errorf("applying remote offer: %w", err)
	}
	answer, err := l.connection.CreateAnswer(nil)
	if err == nil {
		err = l.connection.SetLocalDescription(answer)
	}
	l.negotiateMu.Unlock()
	if err != nil {
		return fmt.Errorf("creating answer: %w", err)
	}

	l.flushCandidates()
	l.reconcileRemoteTracks(sdpText)
	l.emit(LinkSignal{Link: l, Signal: Signal{Type: SignalAnswer, SDP: answer.SDP}})
	return nil
}

func (l *Link) applyAnswer(sdpText string) error {
	l.negotiateMu.Lock()
	if l.connection.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		l.negotiateMu.Unlock()
		l.logger.Debug("ignoring answer with no outstanding offer")
		return nil
	}
	err := l.connection.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdpText,
	})
	l.negotiateMu.Unlock()
	if err != nil {
		return fmt.Errorf("applying remote answer: %w", err)
	}

	l.flushCandidates()
	l.reconcileRemoteTracks(sdpText)
	return nil
}

// applyCandidate adds a remote candidate, or buffers it until a remote
// description exists. A nil candidate marks end of gathering and is
// ignored. Candidate errors never fail the link: stale candidates from
// an abandoned offer are expected.
func (l *Link) applyCandidate(candidate *webrtc.ICECandidateInit) {
	if candidate == nil {
		return
	}
	if l.connection.RemoteDescription() == nil {
		l.mu.Lock()
		l.pendingCandidates = append(l.pendingCandidates, *candidate)
		l.mu.Unlock()
		return
	}
	if err := l.connection.AddICECandidate(*candidate); err != nil {
		l.logger.Debug("discarding remote candidate", "error", err)
	}
}

func (l *Link) flushCandidates() {
	l.mu.Lock()
	pending := l.pendingCandidates
	l.pendingCandidates = nil
	l.mu.Unlock()

	for _, candidate := range pending {
		if err := l.connection.AddICECandidate(candidate); err != nil {
			l.logger.Debug("discarding buffered remote candidate", "error", err)
		}
	}
}

func (l *Link) handleLocalCandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		return
	}
	init := candidate.ToJSON()
	l.emit(LinkSignal{Link: l, Signal: Signal{Type: SignalCandidate, Candidate: &init}})
}

func (l *Link) handleConnectionState(state webrtc.PeerConnectionState) {
	l.logger.Debug("peer connection state changed", "state", state.String())
	switch state {
	case webrtc.PeerConnectionStateFailed:
		l.fail(errors.New("peer connection failed"))
	case webrtc.PeerConnectionStateClosed:
		l.fail(nil)
	}
}

// --- Data channels ---

func (l *Link) attachChannel(channel *webrtc.DataChannel) *linkChannel {
	label := channel.Label()
	state := &linkChannel{
		label:   label,
		channel: channel,
		chunked: NewChunked(ChunkedConfig{
			SendFrame: channel.Send,
			Threshold: l.threshold,
			Clock:     l.clock,
			Logger:    l.logger.With("channel", label),
		}),
	}

	channel.OnOpen(func() { l.channelOpened(state) })
	channel.OnMessage(func(message webrtc.DataChannelMessage) {
		l.channelFrame(state, message.Data)
	})
	channel.OnClose(func() {
		if label == PrimaryChannel {
			l.fail(nil)
		}
	})

	l.mu.Lock()
	l.channels[label] = state
	l.mu.Unlock()
	return state
}

// channel returns the state for label, creating the data channel if
// neither side has opened one with that label yet.
func (l *Link) channel(label string) (*linkChannel, error) {
	l.mu.Lock()
	existing, ok := l.channels[label]
	l.mu.Unlock()
	if ok {
		return existing, nil
	}
	if label == PrimaryChannel {
		return nil, ErrNotReady
	}

	l.creatingChannel.Lock()
	defer l.creatingChannel.Unlock()

	l.mu.Lock()
	existing, ok = l.channels[label]
	l.mu.Unlock()
	if ok {
		return existing, nil
	}

	channel, err := l.connection.CreateDataChannel(label, nil)
	if err != nil {
		return nil, fmt.Errorf("creating data channel %q: %w", label, err)
	}
	return l.attachChannel(channel), nil
}

func (l *Link) channelOpened(state *linkChannel) {
	state.mu.Lock()
	state.open = true
	pending := state.pending
	state.pending = nil
	for _, encoded := range pending {
		if err := state.chunked.SendEncoded(encoded); err != nil {
			l.logger.Warn("dropping queued message", "channel", state.label, "error", err)
		}
	}
	state.mu.Unlock()

	if state.label != PrimaryChannel {
		return
	}
	l.mu.Lock()
	l.ready = true
	l.mu.Unlock()
	l.logger.Info("peer link ready", "initiator", l.initiator)
	l.emit(LinkReady{Link: l})
}

func (l *Link) channelFrame(state *linkChannel, frame []byte) {
	delivery, err := state.chunked.HandleFrame(frame)
	if err != nil {
		return
	}
	if delivery.Progress != nil {
		l.emit(LinkProgress{Link: l, Channel: state.label, Progress: *delivery.Progress})
	}
	if delivery.Message != nil {
		l.emit(LinkMessage{Link: l, Channel: state.label, Message: delivery.Message})
	}
}

func (c *linkChannel) send(encoded []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		c.pending = append(c.pending, encoded)
		return nil
	}
	return c.chunked.SendEncoded(encoded)
}

// --- Media ---

func (l *Link) handleRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	l.mu.Lock()
	l.remoteTracks[track.ID()] = track.StreamID()
	l.mu.Unlock()

	l.logger.Info("remote track added", "track", track.ID(), "kind", track.Kind().String())
	l.emit(LinkTrackAdded{Link: l, Track: track, Receiver: receiver})
}

// reconcileRemoteTracks reports tracks the remote description no longer
// sends. pion has no track-ended callback; a removed track shows up as
// an m-line without msid, or one the remote marks recvonly or inactive.
func (l *Link) reconcileRemoteTracks(sdpText string) {
	var description sdp.SessionDescription
	if err := description.UnmarshalString(sdpText); err != nil {
		l.logger.Debug("cannot parse remote description for tracks", "error", err)
		return
	}

	sending := make(map[string]bool)
	for _, media := range description.MediaDescriptions {
		if media.MediaName.Media == "application" {
			continue
		}
		if _, ok := media.Attribute(sdp.AttrKeyRecvOnly); ok {
			continue
		}
		if _, ok := media.Attribute(sdp.AttrKeyInactive); ok {
			continue
		}
		if msid, ok := media.Attribute(sdp.AttrKeyMsid); ok {
			if fields := strings.Fields(msid); len(fields) == 2 {
				sending[fields[1]] = true
			}
		}
	}

	var removed []LinkTrackRemoved
	l.mu.Lock()
	for trackID, streamID := range l.remoteTracks {
		if !sending[trackID] {
			delete(l.remoteTracks, trackID)
			removed = append(removed, LinkTrackRemoved{Link: l, TrackID: trackID, StreamID: streamID})
		}
	}
	l.mu.Unlock()

	for _, event := range removed {
		l.logger.Info("remote track removed", "track", event.TrackID)
		l.emit(event)
	}
}
