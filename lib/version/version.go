// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"

	"golang.org/x/mod/semver"
)

// These variables are set via -ldflags at build time.
var (
	// GitCommit is the short git SHA of the build.
	GitCommit = "unknown"

	// BuildTime is the UTC timestamp of the build.
	BuildTime = "unknown"

	// Version is the semantic version of the binary.
	Version = "0.1.0-dev"
)

// Protocol is the peer/relay protocol version a client announces in
// join_game. The relay refuses clients older than its configured
// minimum with force_update. Bump it whenever the peer wire envelope,
// chunk envelope, or asset messages change incompatibly.
const Protocol = "v1.0.0"

// Info returns a formatted version string suitable for --version output.
func Info() string {
	return fmt.Sprintf("%s (%s, %s, protocol %s)", Version, GitCommit, BuildTime, Protocol)
}

// Print writes "<binary> <Info>" to stdout.
func Print(binary string) {
	fmt.Printf("%s %s\n", binary, Info())
}

// ProtocolSatisfies reports whether the announced protocol version is
// at least minimum. Both must be semantic versions with a leading "v".
// An invalid announced version never satisfies; an empty minimum
// accepts everything.
func ProtocolSatisfies(announced, minimum string) bool {
	if minimum == "" {
		return true
	}
	if !semver.IsValid(announced) {
		return false
	}
	return semver.Compare(announced, minimum) >= 0
}
