// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"strings"
	"testing"
)

func TestProtocolSatisfies(t *testing.T) {
	tests := []struct {
		name      string
		announced string
		minimum   string
		want      bool
	}{
		{"equal", "v1.0.0", "v1.0.0", true},
		{"newer minor", "v1.2.0", "v1.0.0", true},
		{"older patch", "v1.0.0", "v1.0.1", false},
		{"older major", "v0.9.9", "v1.0.0", false},
		{"no minimum", "garbage", "", true},
		{"invalid announced", "1.0.0", "v1.0.0", false},
		{"empty announced", "", "v1.0.0", false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := ProtocolSatisfies(test.announced, test.minimum); got != test.want {
				t.Errorf("ProtocolSatisfies(%q, %q) = %v, want %v",
					test.announced, test.minimum, got, test.want)
			}
		})
	}
}

func TestInfoMentionsProtocol(t *testing.T) {
	if info := Info(); !strings.Contains(info, Protocol) {
		t.Errorf("Info() = %q, want it to mention protocol %s", info, Protocol)
	}
}
