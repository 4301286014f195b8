// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
	"sort"

	"github.com/bureau-foundation/tabletop/assets"
)

var errNoAssetStore = errors.New("session: no asset store configured")

// pendingAsset is an entry in the outstanding-request set. Once a
// response is being verified and persisted, further responses for the
// same id are ignored.
type pendingAsset struct {
	owner      string
	persisting bool
}

func (s *Session) requestAssets(manifest map[assets.ID]string) error {
	if s.assets == nil {
		return errNoAssetStore
	}

	ids := make([]assets.ID, 0, len(manifest))
	for id := range manifest {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	localID := s.LocalID()
	for _, id := range ids {
		owner := manifest[id]
		if owner == localID {
			continue
		}
		if _, ok := s.outstanding[id]; ok {
			continue
		}
		if s.assets.Has(id) {
			continue
		}
		if !s.participants[owner] {
			s.logger.Info("asset owner not present", "asset", id.Short(), "owner", owner)
			s.publish(AssetUnavailable{AssetID: id, Owner: owner, Err: errOwnerNotJoined})
			continue
		}

		encoded, err := encodeEnvelope(eventAssetRequest, assetRequest{ID: id})
		if err != nil {
			return err
		}
		s.outstanding[id] = &pendingAsset{owner: owner}
		if err := s.sendTo(owner, "", encoded); err != nil {
			delete(s.outstanding, id)
			s.publish(AssetUnavailable{AssetID: id, Owner: owner, Err: err})
		}
	}
	return nil
}

// serveAsset answers an asset request. The store lookup runs off the
// session goroutine; the reply is posted back.
func (s *Session) serveAsset(from string, message envelope) {
	var request assetRequest
	if err := decodePayload(message, &request); err != nil {
		s.logger.Warn("malformed asset request", "peer", from, "error", err)
		return
	}

	store := s.assets
	go func() {
		var (
			event string
			data  any
		)
		if store == nil {
			event, data = eventAssetResponseFail, assetResponseFail{ID: request.ID}
		} else if asset, err := store.Get(request.ID); err != nil {
			s.logger.Debug("cannot serve asset", "peer", from, "asset", request.ID.Short(), "error", err)
			event, data = eventAssetResponseFail, assetResponseFail{ID: request.ID}
		} else {
			event, data = eventAssetResponseSuccess, asset
		}

		encoded, err := encodeEnvelope(event, data)
		if err != nil {
			s.logger.Warn("dropping asset response", "peer", from, "error", err)
			return
		}
		s.post(func() {
			if err := s.sendTo(from, "", encoded); err != nil {
				s.logger.Debug("cannot send asset response", "peer", from, "error", err)
			}
		})
	}()
}

// receiveAsset verifies and persists an asset response off the session
// goroutine. A response whose bytes do not hash to its id counts as a
// failure.
func (s *Session) receiveAsset(from string, message envelope) {
	var asset assets.Asset
	if err := decodePayload(message, &asset); err != nil {
		s.logger.Warn("malformed asset response", "peer", from, "error", err)
		return
	}
	pending := s.outstanding[asset.ID]
	if pending == nil || pending.persisting {
		s.logger.Debug("ignoring unrequested asset", "peer", from, "asset", asset.ID.Short())
		return
	}
	pending.persisting = true

	store := s.assets
	go func() {
		err := store.PutVerified(asset)
		s.post(func() {
			delete(s.outstanding, asset.ID)
			if err != nil {
				s.logger.Warn("rejecting asset", "peer", from, "asset", asset.ID.Short(), "error", err)
				s.publish(AssetUnavailable{AssetID: asset.ID, Owner: from, Err: err})
				return
			}
			s.logger.Info("asset received", "peer", from, "asset", asset.ID.Short(), "bytes", len(asset.Data))
			s.publish(AssetReceived{AssetID: asset.ID, From: from})
		})
	}()
}

// assetRefused handles assetResponseFail: the guard is cleared without
// caching anything.
func (s *Session) assetRefused(from string, message envelope) {
	var refusal assetResponseFail
	if err := decodePayload(message, &refusal); err != nil {
		s.logger.Warn("malformed asset refusal", "peer", from, "error", err)
		return
	}
	pending := s.outstanding[refusal.ID]
	if pending == nil || pending.persisting || pending.owner != from {
		return
	}
	delete(s.outstanding, refusal.ID)
	s.publish(AssetUnavailable{
		AssetID: refusal.ID,
		Owner:   from,
		Err:     fmt.Errorf("%w: refused by owner", assets.ErrNotFound),
	})
}

// abandonRequests clears outstanding requests addressed to owner (every
// owner when owner is empty) and reports them unavailable. Requests
// already being persisted finish normally.
func (s *Session) abandonRequests(owner string, reason error) {
	var ids []assets.ID
	for id, pending := range s.outstanding {
		if pending.persisting || (owner != "" && pending.owner != owner) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		pending := s.outstanding[id]
		delete(s.outstanding, id)
		s.logger.Info("asset request abandoned", "asset", id.Short(), "owner", pending.owner, "error", reason)
		s.publish(AssetUnavailable{AssetID: id, Owner: pending.owner, Err: reason})
	}
}

func decodePayload(message envelope, v any) error {
	data := PeerData{Event: message.ID, Data: message.Data}
	return data.Decode(v)
}
