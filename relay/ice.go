// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"encoding/json"
	"net/http"
)

// ICEServer is one entry of the ICE discovery document.
type ICEServer struct {
	URLs       []string `json:"urls" yaml:"urls"`
	Username   string   `json:"username,omitempty" yaml:"username"`
	Credential string   `json:"credential,omitempty" yaml:"credential"`
}

// ICEServersHandler serves the ICE discovery document
// {"iceServers": [...]} that peers fetch before connecting. An empty
// list tells peers to use host candidates only.
func ICEServersHandler(servers []ICEServer) http.Handler {
	if servers == nil {
		servers = []ICEServer{}
	}
	body, err := json.Marshal(struct {
		ICEServers []ICEServer `json:"iceServers"`
	}{servers})
	if err != nil {
		// Plain strings always encode.
		panic("relay: encoding ICE servers: " + err.Error())
	}

	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodGet && request.Method != http.MethodHead {
			writer.Header().Set("Allow", "GET, HEAD")
			http.Error(writer, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writer.Header().Set("Content-Type", "application/json")
		writer.Header().Set("Cache-Control", "no-store")
		writer.Write(body)
	})
}
