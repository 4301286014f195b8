// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

// Status is the session's connection state as presented to the
// application.
type Status string

const (
	// StatusOffline: not connected to the relay, either because Connect
	// has not succeeded, Disconnect was called, or the game expired.
	StatusOffline Status = "offline"

	// StatusReady: connected to the relay, not in a game.
	StatusReady Status = "ready"

	// StatusJoining: join_game sent, waiting for joined_game.
	StatusJoining Status = "joining"

	// StatusJoined: in a game. Application actions that need a live
	// session should be enabled only in this state.
	StatusJoined Status = "joined"

	// StatusAuth: the relay rejected the game secret. JoinGame must be
	// called again with the right one.
	StatusAuth Status = "auth"

	// StatusReconnecting: the relay connection dropped and is being
	// redialed.
	StatusReconnecting Status = "reconnecting"

	// StatusNeedsUpdate: the relay refused this client's protocol
	// version. Terminal.
	StatusNeedsUpdate Status = "needs_update"
)
