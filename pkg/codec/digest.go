package codec

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// DigestSize is the width of a block content digest in bytes.
const DigestSize = 32

// Digest is the 32-byte BLAKE3 hash of a block's plaintext. Equal
// plaintexts always produce equal digests; the digest is the block's
// identity in both persistent stores.
type Digest [DigestSize]byte

// Sum computes the content digest of plain.
func Sum(plain []byte) Digest {
	return Digest(blake3.Sum256(plain))
}

// String returns the canonical hex form used in logs and CLI output.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns the first 12 hex characters, for log lines.
func (d Digest) Short() string {
	return hex.EncodeToString(d[:6])
}

// ParseDigest parses a 64-character hex string into a Digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("parsing digest: %w", err)
	}
	if len(raw) != DigestSize {
		return d, fmt.Errorf("digest is %d bytes, want %d", len(raw), DigestSize)
	}
	copy(d[:], raw)
	return d, nil
}
