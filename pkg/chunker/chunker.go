// Package chunker splits write buffers into blocks before they reach the
// block store. The boundary policy is pluggable: boundaries only affect
// dedup efficiency, never correctness, so callers treat a Policy as an
// opaque splitter.
package chunker

import (
	"bytes"
	"fmt"
	"io"

	"github.com/restic/chunker"
)

const (
	kiB = 1024
	miB = 1024 * kiB

	// DefaultMinSize and DefaultMaxSize bound content-defined chunk
	// sizes. The minimum prevents pathological tiny blocks from
	// repetitive input; the maximum bounds block-store value sizes.
	DefaultMinSize = 64 * kiB
	DefaultMaxSize = 1 * miB

	// DefaultFixedSize is the block size of the fixed policy.
	DefaultFixedSize = 256 * kiB
)

// splitPolynomial parameterizes the Rabin fingerprint of the
// content-defined policy. It is a format constant: changing it moves
// every boundary and defeats dedup against previously stored blocks.
const splitPolynomial = chunker.Pol(0x3DA3358B4DC173)

// Policy splits a byte region into consecutive chunks. The returned
// slices concatenate to exactly the input and may alias it; callers
// must not retain them past the next mutation of data.
type Policy interface {
	Name() string
	Split(data []byte) ([][]byte, error)
}

// New returns the policy with the given name: "cdc" (content-defined,
// the default for an empty name) or "fixed".
func New(name string) (Policy, error) {
	switch name {
	case "", "cdc":
		return ContentDefined{MinSize: DefaultMinSize, MaxSize: DefaultMaxSize}, nil
	case "fixed":
		return Fixed{Size: DefaultFixedSize}, nil
	default:
		return nil, fmt.Errorf("chunker: unknown policy %q", name)
	}
}

// Fixed cuts the input at fixed byte intervals. Simple and fast, but a
// one-byte insertion shifts every later boundary, so dedup only
// survives aligned rewrites.
type Fixed struct {
	Size int
}

func (f Fixed) Name() string { return "fixed" }

func (f Fixed) Split(data []byte) ([][]byte, error) {
	size := f.Size
	if size <= 0 {
		size = DefaultFixedSize
	}
	var out [][]byte
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		out = append(out, data[:n])
		data = data[n:]
	}
	return out, nil
}

// ContentDefined cuts the input where a rolling Rabin fingerprint hits
// a boundary condition, so identical content produces identical blocks
// regardless of its offset in the file.
type ContentDefined struct {
	MinSize int
	MaxSize int
}

func (c ContentDefined) Name() string { return "cdc" }

func (c ContentDefined) Split(data []byte) ([][]byte, error) {
	minSize, maxSize := c.MinSize, c.MaxSize
	if minSize <= 0 {
		minSize = DefaultMinSize
	}
	if maxSize < minSize {
		maxSize = DefaultMaxSize
	}
	// Inputs at or below the minimum are a single chunk; the rolling
	// hash cannot place a boundary before MinSize anyway.
	if len(data) <= minSize {
		if len(data) == 0 {
			return nil, nil
		}
		return [][]byte{data}, nil
	}

	ck := chunker.NewWithBoundaries(bytes.NewReader(data), splitPolynomial, uint(minSize), uint(maxSize))
	buf := make([]byte, maxSize)
	var out [][]byte
	pos := 0
	for {
		chunk, err := ck.Next(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("chunker: %w", err)
		}
		end := pos + int(chunk.Length)
		if end > len(data) {
			return nil, fmt.Errorf("chunker: boundary %d beyond input %d", end, len(data))
		}
		out = append(out, data[pos:end])
		pos = end
	}
	if pos != len(data) {
		return nil, fmt.Errorf("chunker: split covered %d of %d bytes", pos, len(data))
	}
	return out, nil
}
