// Package codec implements the stateless block transforms: compression,
// authenticated encryption, and content digests. Every block persisted by
// the store went through Compress then Encrypt; the compression tag is
// stored with the block so decoding is self-describing.
package codec

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/sbstp/nightshift/pkg/fserr"
)

// Compression identifies the algorithm a block was compressed with.
// The tag is persisted in block headers (1 byte) — the values are
// format constants and must not be renumbered.
type Compression uint8

const (
	// CompressionNone stores the plaintext as-is. Selected when
	// compression does not shrink the block (already-compressed
	// content).
	CompressionNone Compression = 0

	// CompressionLZ4 is the fast default: LZ4 block mode, cheap to
	// decode, modest ratio.
	CompressionLZ4 Compression = 1

	// CompressionZstd trades CPU for density. Selected for blocks
	// above the configured threshold.
	CompressionZstd Compression = 2
)

// String returns the tag's human-readable name.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// DefaultZstdThreshold is the block size above which the high-ratio
// codec is selected by default.
const DefaultZstdThreshold = 64 * 1024

// errIncompressible reports that compressed output would not be smaller
// than the input.
var errIncompressible = errors.New("data is incompressible")

// The zstd encoder and decoder are shared across calls; both are safe
// for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
}

// Select picks a compression tag for a block of the given size:
// LZ4 up to zstdThreshold, zstd above it. A non-positive threshold
// uses DefaultZstdThreshold. The choice is advisory — Compress falls
// back to CompressionNone when the block does not shrink.
func Select(size int, zstdThreshold int) Compression {
	if zstdThreshold <= 0 {
		zstdThreshold = DefaultZstdThreshold
	}
	if size > zstdThreshold {
		return CompressionZstd
	}
	return CompressionLZ4
}

// Compress compresses plain under the requested tag. When the output
// would not be smaller than the input, the plaintext is returned
// unchanged with CompressionNone: the returned tag, not the requested
// one, is what must be stored.
func Compress(plain []byte, tag Compression) ([]byte, Compression, error) {
	var out []byte
	var err error
	switch tag {
	case CompressionNone:
		return plain, CompressionNone, nil
	case CompressionLZ4:
		out, err = compressLZ4(plain)
	case CompressionZstd:
		out, err = compressZstd(plain)
	default:
		return nil, 0, fmt.Errorf("compress: unsupported tag %d", tag)
	}
	if errors.Is(err, errIncompressible) {
		return plain, CompressionNone, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return out, tag, nil
}

// Decompress reverses Compress. plainLen must match the original
// plaintext length exactly; a mismatch or an unknown tag reports a
// corrupt block rather than returning wrong bytes.
func Decompress(data []byte, tag Compression, plainLen int) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if len(data) != plainLen {
			return nil, fserr.Wrap(fserr.KindCorruptBlock, "decompress", "",
				fmt.Errorf("raw block is %d bytes, expected %d", len(data), plainLen))
		}
		return data, nil
	case CompressionLZ4:
		return decompressLZ4(data, plainLen)
	case CompressionZstd:
		return decompressZstd(data, plainLen)
	default:
		return nil, fserr.Wrap(fserr.KindCorruptBlock, "decompress", "",
			fmt.Errorf("unknown compression tag %d", tag))
	}
}

func compressLZ4(plain []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(plain))
	dst := make([]byte, bound)
	written, err := lz4.CompressBlock(plain, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock returns 0 for incompressible input.
	if written == 0 || written >= len(plain) {
		return nil, errIncompressible
	}
	return dst[:written], nil
}

func decompressLZ4(data []byte, plainLen int) ([]byte, error) {
	dst := make([]byte, plainLen)
	read, err := lz4.UncompressBlock(data, dst)
	if err != nil {
		return nil, fserr.Wrap(fserr.KindCorruptBlock, "decompress", "",
			fmt.Errorf("lz4: %w", err))
	}
	if read != plainLen {
		return nil, fserr.Wrap(fserr.KindCorruptBlock, "decompress", "",
			fmt.Errorf("lz4: got %d bytes, expected %d", read, plainLen))
	}
	return dst, nil
}

func compressZstd(plain []byte) ([]byte, error) {
	out := zstdEncoder.EncodeAll(plain, nil)
	if len(out) >= len(plain) {
		return nil, errIncompressible
	}
	return out, nil
}

func decompressZstd(data []byte, plainLen int) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, plainLen))
	if err != nil {
		return nil, fserr.Wrap(fserr.KindCorruptBlock, "decompress", "",
			fmt.Errorf("zstd: %w", err))
	}
	if len(out) != plainLen {
		return nil, fserr.Wrap(fserr.KindCorruptBlock, "decompress", "",
			fmt.Errorf("zstd: got %d bytes, expected %d", len(out), plainLen))
	}
	return out, nil
}
