// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package assets

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

// ErrHashMismatch is returned when asset bytes do not hash to the id
// they were offered under.
var ErrHashMismatch = errors.New("asset content does not match its id")

// ID is the content address of an asset: the lowercase hex encoding of
// a 32-byte BLAKE3 keyed hash of the asset bytes.
type ID string

// assetDomainKey keys the hash so asset ids never collide with other
// BLAKE3 digests of the same bytes. ASCII, zero-padded to 32 bytes.
var assetDomainKey = [32]byte{
	't', 'a', 'b', 'l', 'e', 't', 'o', 'p', '.', 'a', 's', 's', 'e', 't',
}

// HashContent returns the id of data.
func HashContent(data []byte) ID {
	hasher, err := blake3.NewKeyed(assetDomainKey[:])
	if err != nil {
		panic("assets: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	return ID(hex.EncodeToString(hasher.Sum(nil)))
}

// ParseID validates a 64-character hex id.
func ParseID(text string) (ID, error) {
	decoded, err := hex.DecodeString(text)
	if err != nil {
		return "", fmt.Errorf("parsing asset id: %w", err)
	}
	if len(decoded) != 32 {
		return "", fmt.Errorf("asset id is %d bytes, want 32", len(decoded))
	}
	return ID(hex.EncodeToString(decoded)), nil
}

// Verify returns ErrHashMismatch unless data hashes to id.
func (id ID) Verify(data []byte) error {
	if got := HashContent(data); got != id {
		return fmt.Errorf("%w: want %s, got %s", ErrHashMismatch, id.Short(), got.Short())
	}
	return nil
}

// Short returns the first 12 hex characters, for logs.
func (id ID) Short() string {
	if len(id) <= 12 {
		return string(id)
	}
	return string(id[:12])
}
