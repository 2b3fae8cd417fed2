package cipher

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repertory-project/repertory/provider"
)

func TestEncryptedSizeFormula(t *testing.T) {
	c, err := New("token", KDFBlake2b)
	require.NoError(t, err)

	for _, n := range []int64{0, 1, DataChunkSize - 1, DataChunkSize, DataChunkSize + 1, 3*DataChunkSize + 12345} {
		chunks := ceilDiv(n, DataChunkSize)
		assert.Equal(t, n+chunks*HeaderSize, c.EncryptedSize(n))
	}
}

func TestDecryptedSizeInvertsEncryptedSize(t *testing.T) {
	c, err := New("token", KDFBlake2b)
	require.NoError(t, err)

	for _, n := range []int64{0, 1, DataChunkSize - 1, DataChunkSize, DataChunkSize + 1, 3*DataChunkSize + 12345} {
		enc := c.EncryptedSize(n)
		dec, err := c.DecryptedSize(enc)
		require.NoError(t, err)
		assert.Equal(t, n, dec)
	}
}

func TestEncryptAllDecryptAllRoundTrip(t *testing.T) {
	for _, variant := range []KDFVariant{KDFBlake2b, KDFArgon2id} {
		c, err := New("correct horse battery staple", variant)
		require.NoError(t, err)

		plain := make([]byte, 3*DataChunkSize+777)
		_, err = rand.Read(plain)
		require.NoError(t, err)

		enc, err := c.EncryptAll(plain)
		require.NoError(t, err)
		assert.Equal(t, c.EncryptedSize(int64(len(plain))), int64(len(enc)))

		dec, err := c.DecryptAll(enc)
		require.NoError(t, err)
		assert.Equal(t, plain, dec)
	}
}

func TestEncryptAllEmptyPlaintext(t *testing.T) {
	c, err := New("token", KDFBlake2b)
	require.NoError(t, err)
	enc, err := c.EncryptAll(nil)
	require.NoError(t, err)
	assert.Empty(t, enc)
	dec, err := c.DecryptAll(enc)
	require.NoError(t, err)
	assert.Empty(t, dec)
}

func TestDecryptAllTamperedChunkFails(t *testing.T) {
	c, err := New("token", KDFBlake2b)
	require.NoError(t, err)
	plain := []byte("some plaintext data to protect")
	enc, err := c.EncryptAll(plain)
	require.NoError(t, err)

	tampered := append([]byte{}, enc...)
	tampered[len(tampered)-1] ^= 0xFF

	_, err = c.DecryptAll(tampered)
	assert.ErrorIs(t, err, ErrBadChunk)
}

func TestEncryptingReaderMatchesEncryptAll(t *testing.T) {
	c, err := New("token", KDFBlake2b)
	require.NoError(t, err)
	plain := make([]byte, 2*DataChunkSize+555)
	_, err = rand.Read(plain)
	require.NoError(t, err)

	// Every chunk draws a fresh nonce from c.cryptoRand; replay the same
	// nonce stream for both encryptions so their outputs are comparable.
	nonces := make([]byte, 3*nonceSize)
	_, err = rand.Read(nonces)
	require.NoError(t, err)

	c.cryptoRand = bytes.NewReader(nonces)
	want, err := c.EncryptAll(plain)
	require.NoError(t, err)

	c.cryptoRand = bytes.NewReader(nonces)
	r, err := NewEncryptingReader(c, bytes.NewReader(plain))
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)

	assert.Equal(t, want, got)
}

func TestDecryptRangeMiddleSlice(t *testing.T) {
	c, err := New("token", KDFBlake2b)
	require.NoError(t, err)

	plain := make([]byte, 50*1024*1024)
	_, err = rand.Read(plain)
	require.NoError(t, err)

	enc, err := c.EncryptAll(plain)
	require.NoError(t, err)

	var fetchCount int
	fetch := func(r provider.Range) ([]byte, error) {
		fetchCount++
		return enc[r.Begin : r.End+1], nil
	}

	// Span a read across three chunk boundaries so the multi-chunk
	// stitching path is exercised, not just a single-chunk fetch.
	const readOffset = DataChunkSize - 1000
	const readLen = 2*DataChunkSize + 2000
	rng := provider.Range{Begin: readOffset, End: readOffset + readLen - 1}
	wantChunks := rng.End/DataChunkSize - rng.Begin/DataChunkSize + 1

	got, err := c.DecryptRange(context.Background(), "", int64(len(plain)), rng, fetch)
	require.NoError(t, err)

	assert.Equal(t, plain[readOffset:readOffset+readLen], got)
	assert.Equal(t, int(wantChunks), fetchCount)
}

func TestEncryptDecryptSegmentRoundTrip(t *testing.T) {
	for _, variant := range []KDFVariant{KDFBlake2b, KDFArgon2id} {
		c, err := New("token", variant)
		require.NoError(t, err)

		enc, err := c.EncryptSegment("my-secret-file.txt")
		require.NoError(t, err)
		assert.NotEqual(t, "my-secret-file.txt", enc)

		dec, err := c.DecryptSegment(enc)
		require.NoError(t, err)
		assert.Equal(t, "my-secret-file.txt", dec)
	}
}

func TestEncryptSegmentEmptyString(t *testing.T) {
	c, err := New("token", KDFBlake2b)
	require.NoError(t, err)
	enc, err := c.EncryptSegment("")
	require.NoError(t, err)
	assert.Equal(t, "", enc)
}

func TestEncryptPathRoundTrip(t *testing.T) {
	c, err := New("token", KDFBlake2b)
	require.NoError(t, err)

	enc, err := c.EncryptPath("/a/b/c.txt")
	require.NoError(t, err)
	dec, err := c.DecryptPath(enc)
	require.NoError(t, err)
	assert.Equal(t, "/a/b/c.txt", dec)
}

func TestDecryptSegmentBadEncodingFails(t *testing.T) {
	c, err := New("token", KDFBlake2b)
	require.NoError(t, err)
	_, err = c.DecryptSegment("not valid hex!!")
	assert.ErrorIs(t, err, ErrBadSegment)
}

func TestKDFHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h, err := newKDFHeader()
	require.NoError(t, err)
	encoded := h.Encode()
	decoded, n, err := DecodeKDFHeader(encoded)
	require.NoError(t, err)
	assert.Equal(t, len(encoded), n)
	assert.Equal(t, h, decoded)
}
