// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package assets

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bureau-foundation/tabletop/lib/codec"
)

// ErrNotFound is returned by Get for ids the store does not hold.
var ErrNotFound = errors.New("asset not found")

// Asset is a binary blob (map image, token art, handout) together with
// its content address. It is also the payload of an asset response on
// the peer wire.
type Asset struct {
	ID          ID     `cbor:"id"`
	ContentType string `cbor:"contentType,omitempty"`
	Data        []byte `cbor:"data"`
}

// blobRecord is the on-disk form of one asset.
type blobRecord struct {
	Compression Compression `cbor:"compression"`
	Size        int         `cbor:"size"`
	ContentType string      `cbor:"contentType,omitempty"`
	Data        []byte      `cbor:"data"`
}

const (
	blobDir = "blobs"
	tmpDir  = "tmp"
)

// Store is the local asset cache: a directory of compressed blob
// records addressed by asset id. Writes go through a temporary file and
// an atomic rename, so concurrent readers never observe a partial blob
// and concurrent writers of the same id are harmless.
type Store struct {
	root string
}

// NewStore creates a Store rooted at root, creating the directory
// layout if needed.
func NewStore(root string) (*Store, error) {
	for _, dir := range []string{root, filepath.Join(root, blobDir), filepath.Join(root, tmpDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory %s: %w", dir, err)
		}
	}
	return &Store{root: root}, nil
}

// Root returns the directory the store was opened on.
func (s *Store) Root() string { return s.root }

// Has reports whether the store holds id.
func (s *Store) Has(id ID) bool {
	if _, err := ParseID(string(id)); err != nil {
		return false
	}
	_, err := os.Stat(s.blobPath(id))
	return err == nil
}

// Get reads and decompresses the asset stored under id. The content is
// re-verified against id, so on-disk corruption surfaces as
// ErrHashMismatch rather than bad bytes.
func (s *Store) Get(id ID) (Asset, error) {
	if _, err := ParseID(string(id)); err != nil {
		return Asset{}, fmt.Errorf("%w: %s", ErrNotFound, err)
	}
	encoded, err := os.ReadFile(s.blobPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return Asset{}, fmt.Errorf("%w: %s", ErrNotFound, id.Short())
	}
	if err != nil {
		return Asset{}, fmt.Errorf("reading asset %s: %w", id.Short(), err)
	}

	var record blobRecord
	if err := codec.Unmarshal(encoded, &record); err != nil {
		return Asset{}, fmt.Errorf("decoding asset %s: %w", id.Short(), err)
	}
	data, err := Decompress(record.Data, record.Compression, record.Size)
	if err != nil {
		return Asset{}, fmt.Errorf("asset %s: %w", id.Short(), err)
	}
	if err := id.Verify(data); err != nil {
		return Asset{}, err
	}
	return Asset{ID: id, ContentType: record.ContentType, Data: data}, nil
}

// Put stores data under its content id and returns the id.
func (s *Store) Put(data []byte, contentType string) (ID, error) {
	id := HashContent(data)
	if err := s.write(Asset{ID: id, ContentType: contentType, Data: data}); err != nil {
		return "", err
	}
	return id, nil
}

// PutVerified stores an asset received from elsewhere. The asset's
// bytes must hash to its id; otherwise nothing is written and the
// error wraps ErrHashMismatch.
func (s *Store) PutVerified(asset Asset) error {
	if err := asset.ID.Verify(asset.Data); err != nil {
		return err
	}
	return s.write(asset)
}

func (s *Store) write(asset Asset) error {
	finalPath := s.blobPath(asset.ID)
	if _, err := os.Stat(finalPath); err == nil {
		return nil
	}

	compressed, compression, err := CompressAuto(asset.Data, asset.ContentType)
	if err != nil {
		return fmt.Errorf("compressing asset %s: %w", asset.ID.Short(), err)
	}
	encoded, err := codec.Marshal(blobRecord{
		Compression: compression,
		Size:        len(asset.Data),
		ContentType: asset.ContentType,
		Data:        compressed,
	})
	if err != nil {
		return fmt.Errorf("encoding asset %s: %w", asset.ID.Short(), err)
	}

	tmpFile, err := os.CreateTemp(filepath.Join(s.root, tmpDir), "blob-*.cbor")
	if err != nil {
		return fmt.Errorf("creating temp blob file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(encoded); err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing blob: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing blob: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return fmt.Errorf("creating blob shard directory: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("renaming blob to %s: %w", finalPath, err)
	}
	success = true
	return nil
}

// blobPath shards blobs by the first two hex characters of the id.
func (s *Store) blobPath(id ID) string {
	return filepath.Join(s.root, blobDir, string(id[:2]), string(id[2:]))
}
