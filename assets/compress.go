// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package assets

import (
	"errors"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies how a stored blob is compressed. The values
// are written into blob records on disk; do not renumber them.
type Compression uint8

const (
	// CompressionNone stores bytes as-is. Used for formats that are
	// already compressed (PNG, JPEG, WebP, audio, video).
	CompressionNone Compression = 0

	// CompressionLZ4 is LZ4 block compression, for data that only
	// compresses modestly.
	CompressionLZ4 Compression = 1

	// CompressionZstd is zstd at the default level, for text-like
	// content (SVG, JSON map exports, Markdown handouts).
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// ParseCompression parses the names produced by String.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

// errIncompressible means the compressed form was not smaller than the
// input; callers store the data uncompressed instead.
var errIncompressible = errors.New("data is incompressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("assets: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("assets: zstd decoder initialization failed: " + err.Error())
	}
}

// Compress compresses data with the given algorithm. CompressionNone
// returns data unchanged.
func Compress(data []byte, compression Compression) ([]byte, error) {
	switch compression {
	case CompressionNone:
		return data, nil
	case CompressionLZ4:
		destination := make([]byte, lz4.CompressBlockBound(len(data)))
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		// CompressBlock reports 0 for incompressible input.
		if written == 0 || written >= len(data) {
			return nil, errIncompressible
		}
		return destination[:written], nil
	case CompressionZstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return nil, errIncompressible
		}
		return compressed, nil
	default:
		return nil, fmt.Errorf("unsupported compression %d", compression)
	}
}

// Decompress reverses Compress. The result must be exactly size bytes.
func Decompress(compressed []byte, compression Compression, size int) ([]byte, error) {
	switch compression {
	case CompressionNone:
		if len(compressed) != size {
			return nil, fmt.Errorf("uncompressed blob: size %d does not match expected %d", len(compressed), size)
		}
		return compressed, nil
	case CompressionLZ4:
		destination := make([]byte, size)
		read, err := lz4.UncompressBlock(compressed, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
		}
		return destination, nil
	case CompressionZstd:
		result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), size)
		}
		return result, nil
	default:
		return nil, fmt.Errorf("unsupported compression %d", compression)
	}
}

// SelectCompression picks an algorithm for data. Known content types
// short-circuit the choice; otherwise a zstd probe decides: a ratio of
// at least 1.5 selects zstd, at least 1.1 selects LZ4, anything lower
// is stored uncompressed.
func SelectCompression(data []byte, contentType string) Compression {
	switch {
	case strings.HasPrefix(contentType, "text/"),
		contentType == "image/svg+xml",
		contentType == "application/json":
		return CompressionZstd
	case contentType == "image/png", contentType == "image/jpeg", contentType == "image/webp",
		strings.HasPrefix(contentType, "audio/"), strings.HasPrefix(contentType, "video/"):
		return CompressionNone
	}

	if len(data) == 0 {
		return CompressionNone
	}
	probe := data
	if len(probe) > probeSize {
		probe = probe[:probeSize]
	}
	ratio := float64(len(probe)) / float64(len(zstdEncoder.EncodeAll(probe, nil)))
	switch {
	case ratio >= 1.5:
		return CompressionZstd
	case ratio >= 1.1:
		return CompressionLZ4
	default:
		return CompressionNone
	}
}

// probeSize bounds how much of a blob SelectCompression compresses to
// estimate the ratio.
const probeSize = 64 * 1024

// CompressAuto compresses data with the algorithm SelectCompression
// chooses, falling back to CompressionNone when compression does not
// shrink it.
func CompressAuto(data []byte, contentType string) ([]byte, Compression, error) {
	compression := SelectCompression(data, contentType)
	compressed, err := Compress(data, compression)
	if errors.Is(err, errIncompressible) {
		return data, CompressionNone, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return compressed, compression, nil
}
