// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"

	"github.com/bureau-foundation/tabletop/assets"
	"github.com/bureau-foundation/tabletop/lib/codec"
	"github.com/bureau-foundation/tabletop/transport"
)

// Reserved peer wire events for asset replication. Application events
// must not use these names.
const (
	eventAssetRequest         = "assetRequest"
	eventAssetResponseSuccess = "assetResponseSuccess"
	eventAssetResponseFail    = "assetResponseFail"
)

// envelope is the peer wire message: every payload sent over a link is
// {id: eventName, data: value}.
type envelope struct {
	ID   string           `cbor:"id"`
	Data codec.RawMessage `cbor:"data,omitempty"`
}

// assetRequest asks the owner for one asset.
type assetRequest struct {
	ID assets.ID `cbor:"id"`
}

// assetResponseFail tells the requester the owner does not hold the
// asset.
type assetResponseFail struct {
	ID assets.ID `cbor:"id"`
}

// encodeEnvelope encodes one outbound message up front, so encode
// failures surface to the caller and queued sends hold plain bytes.
func encodeEnvelope(event string, data any) (codec.RawMessage, error) {
	var payload codec.RawMessage
	if data != nil {
		encoded, err := codec.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", transport.ErrEncode, event, err)
		}
		payload = encoded
	}
	encoded, err := codec.Marshal(envelope{ID: event, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", transport.ErrEncode, event, err)
	}
	return encoded, nil
}

func decodeEnvelope(message codec.RawMessage) (envelope, error) {
	var decoded envelope
	if err := codec.Unmarshal(message, &decoded); err != nil {
		return envelope{}, fmt.Errorf("decoding peer envelope: %w", err)
	}
	if decoded.ID == "" {
		return envelope{}, fmt.Errorf("peer envelope has no event id")
	}
	return decoded, nil
}
