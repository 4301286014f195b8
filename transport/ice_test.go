// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFetchICEConfigWithCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", request.Method)
		}
		writer.Header().Set("Content-Type", "application/json")
		fmt.Fprint(writer, `{"iceServers":[
			{"urls":["stun:stun.tabletop.local:3478"]},
			{"urls":["turn:turn.tabletop.local:3478?transport=udp","turn:turn.tabletop.local:3478?transport=tcp"],
			 "username":"1234:player","credential":"secret"}
		]}`)
	}))
	defer server.Close()

	config, err := FetchICEConfig(context.Background(), server.Client(), server.URL)
	if err != nil {
		t.Fatalf("FetchICEConfig: %v", err)
	}
	if len(config.Servers) != 2 {
		t.Fatalf("got %d ICE servers, want 2", len(config.Servers))
	}
	if config.Servers[0].Username != "" {
		t.Errorf("STUN username = %q, want empty", config.Servers[0].Username)
	}
	turn := config.Servers[1]
	if len(turn.URLs) != 2 {
		t.Errorf("TURN URLs = %d, want 2", len(turn.URLs))
	}
	if turn.Username != "1234:player" {
		t.Errorf("username = %q, want %q", turn.Username, "1234:player")
	}
	if turn.Credential != "secret" {
		t.Errorf("credential = %v, want %q", turn.Credential, "secret")
	}
}

func TestFetchICEConfigSkipsEntriesWithoutURLs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(writer, `{"iceServers":[{"urls":[]}]}`)
	}))
	defer server.Close()

	config, err := FetchICEConfig(context.Background(), server.Client(), server.URL)
	if err != nil {
		t.Fatalf("FetchICEConfig: %v", err)
	}
	if len(config.Servers) != 0 {
		t.Errorf("got %d ICE servers, want 0", len(config.Servers))
	}
}

func TestFetchICEConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr bool
	}{
		{"server error", http.StatusInternalServerError, "turn credentials unavailable", true},
		{"malformed json", http.StatusOK, `{"iceServers":`, true},
		{"empty list", http.StatusOK, `{"iceServers":[]}`, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
				writer.WriteHeader(test.status)
				fmt.Fprint(writer, test.body)
			}))
			defer server.Close()

			_, err := FetchICEConfig(context.Background(), server.Client(), server.URL)
			if (err != nil) != test.wantErr {
				t.Errorf("FetchICEConfig error = %v, wantErr %v", err, test.wantErr)
			}
		})
	}
}

func TestFetchICEConfigCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := FetchICEConfig(ctx, nil, "http://127.0.0.1:1/iceservers"); err == nil {
		t.Error("FetchICEConfig with a cancelled context succeeded")
	}
}
