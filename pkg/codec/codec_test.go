package codec

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sbstp/nightshift/pkg/fserr"
)

func TestCompressRoundTrip(t *testing.T) {
	compressible := bytes.Repeat([]byte("nightshift stores blocks once "), 200)
	random := make([]byte, 8192)
	_, err := rand.Read(random)
	require.NoError(t, err)

	cases := []struct {
		name string
		tag  Compression
		data []byte
	}{
		{"lz4 text", CompressionLZ4, compressible},
		{"zstd text", CompressionZstd, compressible},
		{"lz4 random", CompressionLZ4, random},
		{"zstd random", CompressionZstd, random},
		{"none", CompressionNone, compressible},
		{"lz4 empty", CompressionLZ4, nil},
		{"zstd empty", CompressionZstd, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, tag, err := Compress(tc.data, tc.tag)
			require.NoError(t, err)
			plain, err := Decompress(out, tag, len(tc.data))
			require.NoError(t, err)
			require.True(t, bytes.Equal(tc.data, plain))
		})
	}
}

func TestCompressIncompressibleFallsBack(t *testing.T) {
	random := make([]byte, 4096)
	_, err := rand.Read(random)
	require.NoError(t, err)

	out, tag, err := Compress(random, CompressionLZ4)
	require.NoError(t, err)
	require.Equal(t, CompressionNone, tag)
	require.Equal(t, random, out)
}

func TestDecompressLengthMismatch(t *testing.T) {
	data := bytes.Repeat([]byte("abcd"), 1000)
	out, tag, err := Compress(data, CompressionZstd)
	require.NoError(t, err)
	require.Equal(t, CompressionZstd, tag)

	_, err = Decompress(out, tag, len(data)-1)
	require.Error(t, err)
	require.Equal(t, fserr.KindCorruptBlock, fserr.KindOf(err))
}

func TestDecompressUnknownTag(t *testing.T) {
	_, err := Decompress([]byte{1, 2, 3}, Compression(99), 3)
	require.Error(t, err)
	require.Equal(t, fserr.KindCorruptBlock, fserr.KindOf(err))
}

func TestSelect(t *testing.T) {
	require.Equal(t, CompressionLZ4, Select(1024, 0))
	require.Equal(t, CompressionLZ4, Select(DefaultZstdThreshold, 0))
	require.Equal(t, CompressionZstd, Select(DefaultZstdThreshold+1, 0))
	require.Equal(t, CompressionZstd, Select(100, 64))
}

func TestDigestDeterministic(t *testing.T) {
	a := Sum([]byte("HELLO"))
	b := Sum([]byte("HELLO"))
	c := Sum([]byte("hello"))
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)

	parsed, err := ParseDigest(a.String())
	require.NoError(t, err)
	require.Equal(t, a, parsed)

	_, err = ParseDigest("zz")
	require.Error(t, err)
}
