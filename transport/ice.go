// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/tabletop/lib/netutil"
)

// ICEConfig holds ICE server configuration for WebRTC PeerConnections.
// An empty config yields host candidates only, which is enough for
// same-machine and same-LAN play.
type ICEConfig struct {
	// Servers is the list of ICE servers (STUN + TURN) to use during
	// candidate gathering.
	Servers []webrtc.ICEServer
}

// iceDiscoveryResponse is the document served by the ICE discovery
// endpoint. TURN entries carry time-limited credentials.
type iceDiscoveryResponse struct {
	ICEServers []struct {
		URLs       []string `json:"urls"`
		Username   string   `json:"username,omitempty"`
		Credential string   `json:"credential,omitempty"`
	} `json:"iceServers"`
}

// FetchICEConfig retrieves the STUN/TURN server list from the discovery
// endpoint at url. A nil client uses http.DefaultClient.
func FetchICEConfig(ctx context.Context, client *http.Client, url string) (ICEConfig, error) {
	if client == nil {
		client = http.DefaultClient
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ICEConfig{}, fmt.Errorf("creating ICE discovery request: %w", err)
	}
	request.Header.Set("Accept", "application/json")

	response, err := client.Do(request)
	if err != nil {
		return ICEConfig{}, fmt.Errorf("fetching ICE servers from %s: %w", url, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return ICEConfig{}, fmt.Errorf("fetching ICE servers from %s: status %d: %s",
			url, response.StatusCode, netutil.ErrorBody(response.Body))
	}

	var document iceDiscoveryResponse
	if err := netutil.DecodeResponse(response.Body, &document); err != nil {
		return ICEConfig{}, fmt.Errorf("ICE discovery response: %w", err)
	}

	config := ICEConfig{}
	for _, server := range document.ICEServers {
		if len(server.URLs) == 0 {
			continue
		}
		config.Servers = append(config.Servers, webrtc.ICEServer{
			URLs:       server.URLs,
			Username:   server.Username,
			Credential: server.Credential,
		})
	}
	return config, nil
}
