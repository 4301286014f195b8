// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version provides build information and the client protocol
// version.
//
// [GitCommit], [BuildTime] and [Version] are injected at build time:
//
//	go build -ldflags "-X github.com/bureau-foundation/tabletop/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// [Protocol] is compiled in. Clients send it with every join_game; the
// relay compares it against its minimum with [ProtocolSatisfies] and
// answers force_update when the client is too old.
package version
