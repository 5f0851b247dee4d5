package codec

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/sbstp/nightshift/pkg/fserr"
)

// KeySize is the size of the engine key in bytes.
const KeySize = chacha20poly1305.KeySize

// blockVersion is the format version byte prepended to every encrypted
// block. It participates in the AEAD's additional authenticated data,
// so tampering with it fails authentication.
const blockVersion byte = 0x01

// EncryptOverhead is the fixed byte overhead added by Encrypt:
// version byte, XChaCha20-Poly1305 nonce, and Poly1305 tag.
const EncryptOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// Encrypt seals data under key with XChaCha20-Poly1305:
//
//	[version: 1][nonce: 24][ciphertext+tag: len(data)+16]
//
// The block's content digest is authenticated as AAD, binding the
// ciphertext to its content address: a payload swapped between digests
// fails to decrypt.
func Encrypt(data []byte, key []byte, digest Digest) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("encrypt: generating nonce: %w", err)
	}
	out := make([]byte, 1+chacha20poly1305.NonceSizeX, EncryptOverhead+len(data))
	out[0] = blockVersion
	copy(out[1:], nonce[:])
	return aead.Seal(out, nonce[:], data, buildAAD(blockVersion, digest)), nil
}

// Decrypt opens an encrypted block produced by Encrypt. A wrong key,
// tampered ciphertext, tampered version byte, or mismatched digest all
// fail authentication; the failure is surfaced, never replaced with
// stale or empty data.
func Decrypt(sealed []byte, key []byte, digest Digest) ([]byte, error) {
	if len(sealed) < EncryptOverhead {
		return nil, fserr.Wrap(fserr.KindCorruptBlock, "decrypt", "",
			fmt.Errorf("sealed block is %d bytes, minimum is %d", len(sealed), EncryptOverhead))
	}
	version := sealed[0]
	if version != blockVersion {
		return nil, fserr.Wrap(fserr.KindCorruptBlock, "decrypt", "",
			fmt.Errorf("unsupported block version %d", version))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := sealed[1+chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, ciphertext, buildAAD(version, digest))
	if err != nil {
		return nil, fserr.Wrap(fserr.KindAuthentication, "decrypt", "",
			fmt.Errorf("AEAD open: %w", err))
	}
	return plain, nil
}

func buildAAD(version byte, digest Digest) []byte {
	aad := make([]byte, 1+DigestSize)
	aad[0] = version
	copy(aad[1:], digest[:])
	return aad
}
