// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
	"sort"

	"github.com/bureau-foundation/tabletop/lib/codec"
	"github.com/bureau-foundation/tabletop/transport"
)

// peer is the record for one remote participant. There is at most one
// per participant id; a destroyed record may be replaced by a fresh one
// later.
type peer struct {
	id        string
	link      *transport.Link
	initiator bool
	ready     bool
	queued    []outbound
}

func (s *Session) createPeer(id string, initiator bool) (*peer, error) {
	link, err := transport.NewLink(transport.LinkConfig{
		PeerID:         id,
		Initiator:      initiator,
		ICE:            s.ice,
		API:            s.api,
		ChunkThreshold: s.chunkThreshold,
		Events:         s.linkEvents,
		Clock:          s.clock,
		Logger:         s.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating link to %s: %w", id, err)
	}
	record := &peer{id: id, link: link, initiator: initiator}
	s.peers[id] = record
	s.logger.Debug("peer record created", "peer", id, "initiator", initiator)
	return record, nil
}

// destroyPeer drops the record for id, if any, and abandons asset
// requests addressed to it.
func (s *Session) destroyPeer(id string, reason error) {
	if record := s.peers[id]; record != nil {
		if len(record.queued) > 0 {
			s.logger.Info("dropping queued messages", "peer", id, "count", len(record.queued))
		}
		s.dropLink(record)
	}
	s.abandonRequests(id, reason)
}

func (s *Session) dropLink(record *peer) {
	delete(s.peers, record.id)
	// Close waits on pion; links never wait on the session, but keep
	// the session goroutine free regardless.
	go record.link.Close()
}

func (s *Session) sortedPeers() []string {
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Session) sendTo(id, channel string, message codec.RawMessage) error {
	if s.relay == nil {
		return ErrNotConnected
	}
	if id == "" || id == s.LocalID() {
		return fmt.Errorf("session: cannot send to participant %q", id)
	}

	record := s.peers[id]
	if record == nil {
		var err error
		record, err = s.createPeer(id, true)
		if err != nil {
			return err
		}
	}
	if !record.ready {
		record.queued = append(record.queued, outbound{channel: channel, message: message})
		return nil
	}
	return record.link.Send(channel, message)
}

// handleSignal applies a remote negotiation payload, creating or
// replacing the peer record as needed.
func (s *Session) handleSignal(from string, signal transport.Signal) {
	record := s.peers[from]

	// Glare: both sides opened a link at once. The participant with
	// the smaller id is the initiator.
	if signal.Type == transport.SignalOffer && record != nil && record.initiator && !record.ready {
		if from > s.LocalID() {
			s.logger.Debug("ignoring offer that collides with ours", "peer", from)
			return
		}
		s.dropLink(record)
		replacement, err := s.createPeer(from, false)
		if err != nil {
			s.logger.Warn("cannot answer colliding offer", "peer", from, "error", err)
			s.abandonRequests(from, err)
			s.publish(PeerError{ParticipantID: from, Err: err})
			return
		}
		replacement.queued = record.queued
		record = replacement
		s.logger.Debug("yielded initiator role", "peer", from)
	}

	if record == nil {
		if signal.Type == transport.SignalAnswer {
			s.logger.Debug("ignoring answer for unknown peer", "peer", from)
			return
		}
		var err error
		record, err = s.createPeer(from, false)
		if err != nil {
			s.logger.Warn("cannot accept link", "peer", from, "error", err)
			s.publish(PeerError{ParticipantID: from, Err: err})
			return
		}
	}

	if err := record.link.HandleSignal(signal); err != nil {
		s.logger.Debug("dropping signal", "peer", from, "error", err)
	}
}

func (s *Session) handleLinkEvent(event transport.LinkEvent) {
	link := event.Source()
	record := s.peers[link.PeerID()]
	if record == nil || record.link != link {
		// From a link that has been replaced or destroyed.
		return
	}

	switch event := event.(type) {
	case transport.LinkSignal:
		s.forwardSignal(record.id, event.Signal)

	case transport.LinkReady:
		record.ready = true
		queued := record.queued
		record.queued = nil
		for _, message := range queued {
			if err := record.link.Send(message.channel, message.message); err != nil {
				s.logger.Warn("dropping queued message", "peer", record.id, "error", err)
			}
		}
		s.logger.Info("peer connected", "peer", record.id, "flushed", len(queued))
		s.publish(PeerConnected{ParticipantID: record.id})

	case transport.LinkMessage:
		s.handlePeerMessage(record.id, event.Channel, event.Message)

	case transport.LinkProgress:
		s.publish(PeerDataProgress{
			From:    record.id,
			Channel: event.Channel,
			GroupID: event.Progress.GroupID,
			Count:   event.Progress.Count,
			Total:   event.Progress.Total,
		})

	case transport.LinkTrackAdded:
		s.publish(PeerTrackAdded{From: record.id, Track: event.Track, Receiver: event.Receiver})

	case transport.LinkTrackRemoved:
		s.publish(PeerTrackRemoved{From: record.id, TrackID: event.TrackID, StreamID: event.StreamID})

	case transport.LinkClosed:
		reason := event.Err
		if reason == nil {
			reason = errors.New("link closed by peer")
		}
		s.destroyPeer(record.id, reason)
		if event.Err != nil {
			s.publish(PeerError{ParticipantID: record.id, Err: event.Err})
		}
	}
}

func (s *Session) handlePeerMessage(from, channel string, message codec.RawMessage) {
	decoded, err := decodeEnvelope(message)
	if err != nil {
		s.logger.Warn("dropping peer message", "peer", from, "error", err)
		return
	}

	switch decoded.ID {
	case eventAssetRequest:
		s.serveAsset(from, decoded)
	case eventAssetResponseSuccess:
		s.receiveAsset(from, decoded)
	case eventAssetResponseFail:
		s.assetRefused(from, decoded)
	default:
		s.publish(PeerData{From: from, Event: decoded.ID, Channel: channel, Data: decoded.Data})
	}
}
