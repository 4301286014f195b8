// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"encoding/json"
	"errors"

	"github.com/bureau-foundation/tabletop/relay"
	"github.com/bureau-foundation/tabletop/transport"
)

var (
	errOwnerLeft      = errors.New("owner left the game")
	errRelayLost      = errors.New("relay connection lost")
	errSessionEnded   = errors.New("session disconnected")
	errOwnerNotJoined = errors.New("owner is not a participant")
)

func (s *Session) joinGame(gameID, secret string) error {
	if s.Status() == StatusNeedsUpdate {
		return ErrNeedsUpdate
	}
	if s.relay == nil {
		return ErrNotConnected
	}
	if s.gameID != "" && s.gameID != gameID {
		s.leaveGame(errSessionEnded)
	}
	s.gameID, s.secret = gameID, secret
	if s.relayUp {
		s.sendJoin()
		return nil
	}
	// join_game goes out on the next Connected.
	s.setStatus(StatusJoining)
	return nil
}

// sendJoin sends join_game for the stored credentials. A failed write
// is left to the next Connected event.
func (s *Session) sendJoin() {
	err := s.relay.Send(relay.EventJoinGame, relay.JoinGame{
		GameID:  s.gameID,
		Secret:  s.secret,
		Version: s.clientVersion,
	})
	if err != nil {
		s.logger.Warn("cannot send join_game", "game", s.gameID, "error", err)
		return
	}
	s.logger.Info("joining game", "game", s.gameID)
	s.setStatus(StatusJoining)
}

func (s *Session) disconnect() {
	if s.relay != nil {
		// Closing waits for the relay's read loop; do not hold up the
		// session goroutine for it.
		go s.relay.Close()
		s.relay = nil
	}
	s.relayUp = false
	s.gameID, s.secret = "", ""
	s.leaveGame(errSessionEnded)
	s.setStatus(StatusOffline)
}

// leaveGame forgets every participant and link of the current game.
func (s *Session) leaveGame(reason error) {
	for _, id := range s.sortedPeers() {
		s.destroyPeer(id, reason)
	}
	s.abandonRequests("", reason)
	clear(s.participants)
	s.setLocalID("")
}

func (s *Session) handleRelayEvent(event relay.Event) {
	switch event := event.(type) {
	case relay.Connected:
		s.relayUp = true
		if s.gameID != "" {
			s.sendJoin()
		} else {
			s.setStatus(StatusReady)
		}
	case relay.Disconnected:
		s.relayUp = false
		s.logger.Warn("relay connection lost", "error", event.Err)
		s.leaveGame(errRelayLost)
		s.setStatus(StatusReconnecting)
	case relay.Message:
		s.handleRelayFrame(event.Frame)
	}
}

// relayGone handles a relay whose event stream ended without Close.
func (s *Session) relayGone() {
	s.logger.Warn("relay event stream ended")
	s.relay = nil
	s.relayUp = false
	s.leaveGame(errRelayLost)
	s.setStatus(StatusOffline)
}

func (s *Session) handleRelayFrame(frame relay.Frame) {
	logger := s.logger.With("event", frame.Event)

	switch frame.Event {
	case relay.EventJoinedGame:
		var participant relay.Participant
		if err := frame.DecodeData(&participant); err != nil {
			logger.Warn("malformed relay frame", "error", err)
			return
		}
		s.setLocalID(participant.ID)
		logger.Info("joined game", "game", s.gameID, "participant", participant.ID)
		s.setStatus(StatusJoined)

	case relay.EventAuthError:
		logger.Warn("relay rejected the game secret", "game", s.gameID)
		s.gameID, s.secret = "", ""
		s.setStatus(StatusAuth)

	case relay.EventForceUpdate:
		logger.Error("relay requires a newer client", "version", s.clientVersion)
		s.gameID, s.secret = "", ""
		s.setStatus(StatusNeedsUpdate)

	case relay.EventGameExpired:
		gameID := s.gameID
		logger.Info("game expired", "game", gameID)
		s.gameID, s.secret = "", ""
		s.leaveGame(errSessionEnded)
		s.publish(GameExpired{GameID: gameID})
		s.setStatus(StatusOffline)

	case relay.EventPlayerJoined:
		var participant relay.Participant
		if err := frame.DecodeData(&participant); err != nil {
			logger.Warn("malformed relay frame", "error", err)
			return
		}
		if participant.ID == s.LocalID() || s.participants[participant.ID] {
			return
		}
		s.participants[participant.ID] = true
		s.publish(PlayerJoined{ParticipantID: participant.ID})

	case relay.EventPlayerLeft:
		var participant relay.Participant
		if err := frame.DecodeData(&participant); err != nil {
			logger.Warn("malformed relay frame", "error", err)
			return
		}
		delete(s.participants, participant.ID)
		s.destroyPeer(participant.ID, errOwnerLeft)
		s.publish(PlayerLeft{ParticipantID: participant.ID})

	case relay.EventSignal:
		var from relay.SignalFrom
		if err := frame.DecodeData(&from); err != nil {
			logger.Warn("malformed relay frame", "error", err)
			return
		}
		var signal transport.Signal
		if err := json.Unmarshal(from.Signal, &signal); err != nil {
			logger.Warn("malformed signal", "peer", from.From, "error", err)
			return
		}
		s.handleSignal(from.From, signal)

	default:
		logger.Debug("ignoring unknown relay event")
	}
}

// forwardSignal relays a local negotiation payload to a participant.
func (s *Session) forwardSignal(to string, signal transport.Signal) {
	if s.relay == nil {
		return
	}
	encoded, err := json.Marshal(signal)
	if err != nil {
		s.logger.Warn("cannot encode signal", "peer", to, "error", err)
		return
	}
	if err := s.relay.Send(relay.EventSignal, relay.SignalTo{To: to, Signal: encoded}); err != nil {
		s.logger.Debug("dropping signal", "peer", to, "type", signal.Type, "error", err)
	}
}
