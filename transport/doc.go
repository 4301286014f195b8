// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport provides participant-to-participant messaging for a
// tabletop session.
//
// [Chunked] hides a connection's frame-size limit. Messages are CBOR
// encoded (lib/codec); an encoding above the threshold (16,000 bytes by
// default) is split into chunk frames of the form
//
//	{chunked: true, data: <slice>, id: <group uuid>, index: i, total: N}
//
// and reassembled on the receiving side by explicit index, so arrival
// order never matters. A failed encode is logged and returned wrapped in
// [ErrEncode]; the connection is unaffected.
//
// [Link] is one pion/webrtc PeerConnection to one remote participant.
// The initiator opens the primary data channel ([PrimaryChannel]) and
// sends the first offer; further named channels are created on demand
// by [Link.Send], each with its own Chunked. Negotiation uses trickle
// ICE: offers, answers and candidates are reported as [LinkSignal]
// events for the caller to forward through the relay, and remote ones
// are handed back through [Link.HandleSignal]. Candidates that arrive
// before the remote description are buffered. Media tracks added with
// [Link.AddTrack] trigger renegotiation; offer collisions resolve in
// favor of the initiator.
//
// A Link reports everything (signals, readiness, messages, reassembly
// progress, remote tracks, closure) as [LinkEvent] values on the channel
// given in [LinkConfig]. Each event names its source link, so a consumer
// that replaces a link can discard events from the old one.
//
// [FetchICEConfig] reads the STUN/TURN server list from the ICE
// discovery endpoint. An empty [ICEConfig] gathers host candidates only,
// which is enough for participants on the same machine or LAN.
package transport
