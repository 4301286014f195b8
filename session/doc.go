// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session manages one participant's membership in a shared
// game: the relay connection, a WebRTC link per remote participant,
// the status state machine, and pull-based asset replication.
//
// A [Session] starts offline. [Session.Connect] fetches the ICE server
// list and starts the relay connection; [Session.JoinGame] asks the
// relay to admit the participant. Status transitions are reported as
// [StatusChanged] events:
//
//	offline → ready → joining → joined
//	joined → reconnecting → joining → joined   (relay dropped; one automatic rejoin)
//	joining → auth                             (wrong secret; call JoinGame again)
//	any → needs_update                         (client too old; terminal)
//	joined → offline                           (game expired)
//
// Links are created lazily. [Session.SendTo] to a participant without
// a link negotiates one through the relay and queues the message until
// the link is ready. When both sides open a link at once, the
// participant with the lexicographically smaller id keeps the initiator
// role.
//
// Every message on a link is the CBOR envelope {id: event, data:
// value}, chunked by the transport when large. Three event ids are
// reserved for asset replication: assetRequest, assetResponseSuccess,
// and assetResponseFail. [Session.RequestAssets] takes a manifest of
// asset id → owner and fetches whatever is missing locally; responses
// are verified against the asset's content hash before they are stored.
package session
