// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay implements the signaling relay: the only server a
// tabletop session needs. The relay admits websocket connections into
// password-protected games and forwards connection-negotiation payloads
// between their members. Application data never passes through it.
//
// Every websocket text frame is JSON of the form
//
//	{"event": "<name>", "data": <payload>}
//
// Clients send join_game ([JoinGame]) and signal ([SignalTo]). The relay
// answers with joined_game (carrying the joiner's own participant id),
// player_joined and player_left ([Participant]), signal ([SignalFrom]),
// and the payload-free auth_error, game_expired and force_update.
//
// [Hub] is the server side. The first join for an unknown game creates
// it, storing a bcrypt hash of the secret; later joins must present the
// same secret. Clients announcing a protocol version below the hub's
// minimum receive force_update. Games may carry a TTL, after which their
// members receive game_expired.
//
// [Client] is the participant side: a websocket connection that redials
// with a fixed delay until closed, reporting [Connected],
// [Disconnected] and [Message] events in order.
//
// [ICEServersHandler] serves the STUN/TURN discovery document that
// participants fetch before joining.
package relay
