// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestICEServersHandler(t *testing.T) {
	handler := ICEServersHandler([]ICEServer{
		{URLs: []string{"stun:stun.tabletop.local:3478"}},
		{URLs: []string{"turn:turn.tabletop.local:3478"}, Username: "player", Credential: "secret"},
	})

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/iceservers", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}
	if contentType := recorder.Header().Get("Content-Type"); contentType != "application/json" {
		t.Errorf("Content-Type = %q", contentType)
	}

	var document struct {
		ICEServers []ICEServer `json:"iceServers"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &document); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(document.ICEServers) != 2 {
		t.Fatalf("got %d servers, want 2", len(document.ICEServers))
	}
	if document.ICEServers[1].Credential != "secret" {
		t.Errorf("credential = %q, want secret", document.ICEServers[1].Credential)
	}
}

func TestICEServersHandlerEmptyList(t *testing.T) {
	recorder := httptest.NewRecorder()
	ICEServersHandler(nil).ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/iceservers", nil))

	if body := recorder.Body.String(); body != `{"iceServers":[]}` {
		t.Errorf("body = %s, want an empty list", body)
	}
}

func TestICEServersHandlerRejectsPost(t *testing.T) {
	recorder := httptest.NewRecorder()
	ICEServersHandler(nil).ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/iceservers", nil))
	if recorder.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", recorder.Code)
	}
}
