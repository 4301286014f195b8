// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"encoding/json"
	"fmt"
)

// Relay event names. Every websocket text frame is a JSON Frame whose
// Event is one of these.
const (
	// Client → relay.
	EventJoinGame = "join_game"
	EventSignal   = "signal"

	// Relay → client.
	EventJoinedGame   = "joined_game"
	EventPlayerJoined = "player_joined"
	EventPlayerLeft   = "player_left"
	EventAuthError    = "auth_error"
	EventGameExpired  = "game_expired"
	EventForceUpdate  = "force_update"
)

// MaxFrameSize bounds a single relay frame. Signals carry SDP, which
// stays well under this.
const MaxFrameSize = 1 << 20

// Frame is the relay wire envelope.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinGame asks the relay to add the connection to a game. The first
// join for an unknown game creates it with Secret.
type JoinGame struct {
	GameID  string `json:"gameId"`
	Secret  string `json:"secret"`
	Version string `json:"version"`
}

// SignalTo is a negotiation payload addressed to one participant. The
// relay never inspects Signal.
type SignalTo struct {
	To     string          `json:"to"`
	Signal json.RawMessage `json:"signal"`
}

// SignalFrom is a negotiation payload as delivered to its addressee.
type SignalFrom struct {
	From   string          `json:"from"`
	Signal json.RawMessage `json:"signal"`
}

// Participant carries a participant id: the joiner's own id in
// joined_game, another member's in player_joined and player_left.
type Participant struct {
	ID string `json:"id"`
}

// EncodeFrame builds the wire form of an event. A nil data omits the
// data field.
func EncodeFrame(event string, data any) ([]byte, error) {
	frame := Frame{Event: event}
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", event, err)
		}
		frame.Data = encoded
	}
	encoded, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", event, err)
	}
	return encoded, nil
}

// DecodeFrame parses a wire frame.
func DecodeFrame(data []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Frame{}, fmt.Errorf("decoding relay frame: %w", err)
	}
	if frame.Event == "" {
		return Frame{}, fmt.Errorf("relay frame has no event")
	}
	return frame, nil
}

// DecodeData decodes a frame's payload into v.
func (f Frame) DecodeData(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%s frame has no data", f.Event)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", f.Event, err)
	}
	return nil
}
