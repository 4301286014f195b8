// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/tabletop/assets"
	"github.com/bureau-foundation/tabletop/lib/codec"
)

// Event is implemented by everything a Session reports on Events.
type Event interface {
	sessionEvent()
}

// StatusChanged reports a status transition.
type StatusChanged struct {
	Status   Status
	Previous Status
}

// PeerConnected reports that the link to a participant is ready and
// queued sends have been flushed.
type PeerConnected struct {
	ParticipantID string
}

// PeerData is one application message from a participant.
type PeerData struct {
	From    string
	Event   string
	Channel string
	Data    codec.RawMessage
}

// Decode unmarshals the message payload into v.
func (d PeerData) Decode(v any) error {
	if len(d.Data) == 0 {
		return fmt.Errorf("%s from %s carries no data", d.Event, d.From)
	}
	if err := codec.Unmarshal(d.Data, v); err != nil {
		return fmt.Errorf("decoding %s from %s: %w", d.Event, d.From, err)
	}
	return nil
}

// PeerDataProgress reports reassembly of a large message from a
// participant.
type PeerDataProgress struct {
	From    string
	Channel string
	GroupID string
	Count   int
	Total   int
}

// PeerTrackAdded reports a media track a participant started sending.
type PeerTrackAdded struct {
	From     string
	Track    *webrtc.TrackRemote
	Receiver *webrtc.RTPReceiver
}

// PeerTrackRemoved reports that a participant stopped sending a track.
type PeerTrackRemoved struct {
	From     string
	TrackID  string
	StreamID string
}

// PeerError reports a link that failed. Only that participant's link is
// affected; the next send to it negotiates a new one.
type PeerError struct {
	ParticipantID string
	Err           error
}

// PlayerJoined reports a participant entering the game.
type PlayerJoined struct {
	ParticipantID string
}

// PlayerLeft reports a participant leaving the game.
type PlayerLeft struct {
	ParticipantID string
}

// GameExpired reports that the relay ended the game. Stored credentials
// are cleared; a new game must be joined.
type GameExpired struct {
	GameID string
}

// AssetUnavailable reports a requested asset that could not be
// obtained. The request guard is cleared, so a later RequestAssets may
// retry.
type AssetUnavailable struct {
	AssetID assets.ID
	Owner   string
	Err     error
}

// AssetReceived reports an asset fetched from its owner, verified, and
// stored in the local cache.
type AssetReceived struct {
	AssetID assets.ID
	From    string
}

func (StatusChanged) sessionEvent()    {}
func (PeerConnected) sessionEvent()    {}
func (PeerData) sessionEvent()         {}
func (PeerDataProgress) sessionEvent() {}
func (PeerTrackAdded) sessionEvent()   {}
func (PeerTrackRemoved) sessionEvent() {}
func (PeerError) sessionEvent()        {}
func (PlayerJoined) sessionEvent()     {}
func (PlayerLeft) sessionEvent()       {}
func (GameExpired) sessionEvent()      {}
func (AssetUnavailable) sessionEvent() {}
func (AssetReceived) sessionEvent()    {}
