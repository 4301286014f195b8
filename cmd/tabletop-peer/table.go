// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/bureau-foundation/tabletop/assets"
	"github.com/bureau-foundation/tabletop/session"
)

// mapEvent is the event name the shared map is replicated under.
const mapEvent = "map"

// tableMap is the shared record every participant replicates.
type tableMap struct {
	ID     string              `cbor:"id"`
	Tokens map[string]position `cbor:"tokens"`

	// Host is the participant that owns the map and pushes it to
	// newcomers. Empty until the host's first push.
	Host string `cbor:"host"`

	// Assets maps asset ids to the participant holding the bytes.
	Assets map[string]string `cbor:"assets"`
}

type position struct {
	X int `cbor:"x"`
	Y int `cbor:"y"`
}

func newTableMap(id string) tableMap {
	return tableMap{ID: id, Tokens: map[string]position{}, Assets: map[string]string{}}
}

// manifest returns the asset manifest the map references.
func (m tableMap) manifest() map[assets.ID]string {
	manifest := make(map[assets.ID]string, len(m.Assets))
	for id, owner := range m.Assets {
		manifest[assets.ID(id)] = owner
	}
	return manifest
}

// parseToken parses a "name=x,y" token placement.
func parseToken(text string) (string, position, error) {
	name, coordinates, ok := strings.Cut(text, "=")
	if !ok || name == "" {
		return "", position{}, fmt.Errorf("token %q: want name=x,y", text)
	}
	xText, yText, ok := strings.Cut(coordinates, ",")
	if !ok {
		return "", position{}, fmt.Errorf("token %q: want name=x,y", text)
	}
	x, err := strconv.Atoi(strings.TrimSpace(xText))
	if err != nil {
		return "", position{}, fmt.Errorf("token %q: x: %w", text, err)
	}
	y, err := strconv.Atoi(strings.TrimSpace(yText))
	if err != nil {
		return "", position{}, fmt.Errorf("token %q: y: %w", text, err)
	}
	return name, position{X: x, Y: y}, nil
}

var (
	labelStyle = lipgloss.NewStyle().Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

	statusColors = map[session.Status]lipgloss.Color{
		session.StatusOffline:      lipgloss.Color("8"),
		session.StatusReady:        lipgloss.Color("12"),
		session.StatusJoining:      lipgloss.Color("11"),
		session.StatusJoined:       lipgloss.Color("10"),
		session.StatusAuth:         lipgloss.Color("9"),
		session.StatusReconnecting: lipgloss.Color("11"),
		session.StatusNeedsUpdate:  lipgloss.Color("9"),
	}
)

// banner renders a one-line summary of the session and the shared map.
func banner(status session.Status, gameID string, participants []string, table tableMap) string {
	statusStyle := lipgloss.NewStyle().Bold(true).Foreground(statusColors[status])

	tokens := make([]string, 0, len(table.Tokens))
	for name, at := range table.Tokens {
		tokens = append(tokens, fmt.Sprintf("%s@%d,%d", name, at.X, at.Y))
	}
	sort.Strings(tokens)

	parts := []string{
		statusStyle.Render(string(status)),
		labelStyle.Render("game") + " " + gameID,
		labelStyle.Render("peers") + " " + strconv.Itoa(len(participants)),
		labelStyle.Render("map") + " " + table.ID,
	}
	if len(tokens) > 0 {
		parts = append(parts, dimStyle.Render(strings.Join(tokens, " ")))
	}
	return strings.Join(parts, "  ")
}

// contributor decides when this peer adds its shared files and tokens
// to the map. The host owns the map and pushes it whole to every
// joining player; everyone else waits for the host's map and then
// contributes diffs, so no peer's local copy overwrites another's.
type contributor struct {
	host    bool
	joined  bool
	haveMap bool
	done    bool
}

// joinedGame records StatusJoined and reports whether to contribute now.
func (c *contributor) joinedGame() bool {
	c.joined = true
	if c.host {
		c.haveMap = true
	}
	return c.take()
}

// mapReceived records the first remote map and reports whether to
// contribute now.
func (c *contributor) mapReceived() bool {
	c.haveMap = true
	return c.take()
}

// resyncOnJoin reports whether a newcomer should get the whole map from
// this peer.
func (c *contributor) resyncOnJoin() bool {
	return c.host
}

func (c *contributor) take() bool {
	if c.done || !c.joined || !c.haveMap {
		return false
	}
	c.done = true
	return true
}
