// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package assets

import (
	"bytes"
	"math/rand/v2"
	"testing"
)

func randomBytes(size int) []byte {
	source := rand.New(rand.NewPCG(1, 2))
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(source.Uint32())
	}
	return data
}

func TestCompressRoundTrip(t *testing.T) {
	text := bytes.Repeat([]byte(`<rect x="10" y="20" width="30" height="40"/>`), 500)

	for _, compression := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(compression.String(), func(t *testing.T) {
			compressed, err := Compress(text, compression)
			if err != nil {
				t.Fatalf("Compress: %v", err)
			}
			if compression != CompressionNone && len(compressed) >= len(text) {
				t.Errorf("compressed %d bytes to %d", len(text), len(compressed))
			}
			restored, err := Decompress(compressed, compression, len(text))
			if err != nil {
				t.Fatalf("Decompress: %v", err)
			}
			if !bytes.Equal(restored, text) {
				t.Error("round trip changed the data")
			}
		})
	}
}

func TestDecompressSizeMismatch(t *testing.T) {
	if _, err := Decompress([]byte("abc"), CompressionNone, 4); err == nil {
		t.Error("Decompress accepted a size mismatch")
	}
}

func TestSelectCompression(t *testing.T) {
	tests := []struct {
		name        string
		data        []byte
		contentType string
		want        Compression
	}{
		{"svg by type", nil, "image/svg+xml", CompressionZstd},
		{"png by type", bytes.Repeat([]byte("a"), 1000), "image/png", CompressionNone},
		{"repetitive probe", bytes.Repeat([]byte("fog of war "), 1000), "", CompressionZstd},
		{"random probe", randomBytes(8192), "", CompressionNone},
		{"empty", nil, "", CompressionNone},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := SelectCompression(test.data, test.contentType); got != test.want {
				t.Errorf("SelectCompression = %s, want %s", got, test.want)
			}
		})
	}
}

func TestCompressAutoFallsBack(t *testing.T) {
	data := randomBytes(4096)
	compressed, compression, err := CompressAuto(data, "text/plain")
	if err != nil {
		t.Fatalf("CompressAuto: %v", err)
	}
	if compression != CompressionNone {
		t.Errorf("compression = %s, want none for random bytes", compression)
	}
	if !bytes.Equal(compressed, data) {
		t.Error("fallback did not return the input")
	}
}

func TestParseCompression(t *testing.T) {
	for _, compression := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		parsed, err := ParseCompression(compression.String())
		if err != nil || parsed != compression {
			t.Errorf("ParseCompression(%q) = %v, %v", compression.String(), parsed, err)
		}
	}
	if _, err := ParseCompression("brotli"); err == nil {
		t.Error("ParseCompression accepted an unknown name")
	}
}
