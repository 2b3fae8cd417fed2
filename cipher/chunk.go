// Package cipher implements the chunked streaming-encryption codec
// (spec.md S4.3, C3): XChaCha20-Poly1305-IETF AEAD chunks, a
// random-access range reader, exact size-mapping formulas and an
// AEAD-based encrypted-name scheme. Structurally modeled on
// backend/crypt/cipher.go's encrypter/decrypter pair (sliding
// sync.Pool buffers, RangeSeek-style chunk math) but rewritten around
// variable-length chunks bound into the AEAD associated data, since
// that is a property rclone's fixed-size secretbox chunks never
// needed.
package cipher

import (
	"context"
	gocipher "crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/repertory-project/repertory/provider"
)

var log = logrus.WithField("component", "cipher")

// Constants from spec.md S4.3.
const (
	DataChunkSize = 8 * 1024 * 1024
	nonceSize     = chacha20poly1305.NonceSizeX // 24
	tagSize       = chacha20poly1305.Overhead   // 16
	HeaderSize    = nonceSize + tagSize         // 40
	EncChunkSize  = DataChunkSize + HeaderSize
)

// Errors returned by the chunk codec.
var (
	ErrChunkTooShort = errors.New("cipher: chunk shorter than header")
	ErrBadChunk      = errors.New("cipher: failed to authenticate chunk - bad token?")
	ErrNegativeSize  = errors.New("cipher: size mapping underflowed")
)

// Cipher is the keyed codec for one token (spec.md's "token bytes").
// One Cipher is shared by every object a provider encrypts/decrypts
// under the same configuration.
type Cipher struct {
	token   string
	variant KDFVariant
	keys    subkeys
	header  KDFHeader // populated when variant == KDFArgon2id

	buffers    sync.Pool
	cryptoRand io.Reader
}

// New derives a Cipher's keys from token under variant. For
// KDFArgon2id a fresh random salt is generated and its header
// persisted at the front of every new chunk stream this Cipher
// produces; pass the decoded header from an existing stream to
// FromHeader instead when decrypting.
func New(token string, variant KDFVariant) (*Cipher, error) {
	c := &Cipher{token: token, variant: variant, cryptoRand: rand.Reader}
	c.buffers.New = func() interface{} { return new([EncChunkSize]byte) }

	switch variant {
	case KDFBlake2b:
		keys, err := deriveSubkeys(token, KDFBlake2b, nil)
		if err != nil {
			return nil, err
		}
		c.keys = keys
	case KDFArgon2id:
		header, err := newKDFHeader()
		if err != nil {
			return nil, err
		}
		keys, err := deriveSubkeys(token, KDFArgon2id, &header)
		if err != nil {
			return nil, err
		}
		c.header = header
		c.keys = keys
	default:
		return nil, errors.New("cipher: unknown KDF variant")
	}
	return c, nil
}

// FromHeader rebuilds a Cipher for decrypting an existing argon2id
// artifact whose KDF header was read off the front of its stream.
func FromHeader(token string, header KDFHeader) (*Cipher, error) {
	keys, err := deriveSubkeys(token, KDFArgon2id, &header)
	if err != nil {
		return nil, err
	}
	c := &Cipher{token: token, variant: KDFArgon2id, keys: keys, header: header, cryptoRand: rand.Reader}
	c.buffers.New = func() interface{} { return new([EncChunkSize]byte) }
	return c, nil
}

// Variant reports the Cipher's KDF variant.
func (c *Cipher) Variant() KDFVariant { return c.variant }

// Header returns the Cipher's KDF header (meaningful only when Variant
// is KDFArgon2id).
func (c *Cipher) Header() KDFHeader { return c.header }

func (c *Cipher) dataAEAD() (gocipher.AEAD, error) {
	return newXChaChaAEAD(c.keys.dataKey[:])
}

func newXChaChaAEAD(key []byte) (gocipher.AEAD, error) {
	return chacha20poly1305.NewX(key)
}

func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// globalHeaderSize is the size of the optional KDF header prefixing
// the whole chunk stream (zero for the legacy blake2b variant).
func (c *Cipher) globalHeaderSize() int64 {
	if c.variant == KDFArgon2id {
		return kdfHeaderSize
	}
	return 0
}

// EncryptedSize maps a plaintext size to its encrypted size (spec.md
// S4.3: "encrypted_size(plain) = plain + ceil(plain/DATA_CHUNK)*HEADER
// [+ KDF header size]").
func (c *Cipher) EncryptedSize(plain int64) int64 {
	chunks := ceilDiv(plain, DataChunkSize)
	return plain + chunks*HeaderSize + c.globalHeaderSize()
}

// DecryptedSize is EncryptedSize's left inverse on its own outputs
// (spec.md S4.3: "decrypted_size(enc) = enc -
// ceil(enc/ENC_CHUNK)*HEADER [- KDF header size]").
func (c *Cipher) DecryptedSize(enc int64) (int64, error) {
	enc -= c.globalHeaderSize()
	if enc < 0 {
		return 0, ErrNegativeSize
	}
	chunks := ceilDiv(enc, EncChunkSize)
	size := enc - chunks*HeaderSize
	if size < 0 {
		return 0, ErrNegativeSize
	}
	return size, nil
}

// encryptChunk seals plaintext into IV(24) || MAC(16) || ciphertext,
// with the AEAD associated data bound to the big-endian u32 ciphertext
// length -- this is what lets a truncated or re-ordered chunk be
// detected even though chunks have variable length.
func encryptChunk(aead gocipher.AEAD, rnd io.Reader, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rnd, nonce); err != nil {
		return nil, err
	}
	var ad [4]byte
	binary.BigEndian.PutUint32(ad[:], uint32(len(plaintext)))
	sealed := aead.Seal(nil, nonce, plaintext, ad[:])
	tag := sealed[len(sealed)-tagSize:]
	ciphertext := sealed[:len(sealed)-tagSize]

	out := make([]byte, 0, HeaderSize+len(ciphertext))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ciphertext...)
	return out, nil
}

// decryptChunk inverts encryptChunk.
func decryptChunk(aead gocipher.AEAD, chunk []byte) ([]byte, error) {
	if len(chunk) < HeaderSize {
		return nil, ErrChunkTooShort
	}
	nonce := chunk[:nonceSize]
	tag := chunk[nonceSize:HeaderSize]
	ciphertext := chunk[HeaderSize:]

	var ad [4]byte
	binary.BigEndian.PutUint32(ad[:], uint32(len(ciphertext)))

	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plain, err := aead.Open(nil, nonce, sealed, ad[:])
	if err != nil {
		log.WithField("chunk_len", len(chunk)).Warn("chunk failed authentication")
		return nil, ErrBadChunk
	}
	return plain, nil
}

// EncryptAll encrypts an entire plaintext buffer in one call, used by
// providers (e.g. the encrypted local-directory mirror) that already
// hold the whole object in memory.
func (c *Cipher) EncryptAll(plaintext []byte) ([]byte, error) {
	aead, err := c.dataAEAD()
	if err != nil {
		return nil, err
	}
	var out []byte
	if c.variant == KDFArgon2id {
		out = append(out, c.header.Encode()...)
	}
	for off := 0; off < len(plaintext) || len(plaintext) == 0 && off == 0; off += DataChunkSize {
		if len(plaintext) == 0 {
			break
		}
		end := off + DataChunkSize
		if end > len(plaintext) {
			end = len(plaintext)
		}
		chunk, err := encryptChunk(aead, c.cryptoRand, plaintext[off:end])
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out, nil
}

// DecryptAll inverts EncryptAll.
func (c *Cipher) DecryptAll(ciphertext []byte) ([]byte, error) {
	if c.variant == KDFArgon2id {
		header, n, err := DecodeKDFHeader(ciphertext)
		if err != nil {
			return nil, err
		}
		keys, err := deriveSubkeys(c.token, KDFArgon2id, &header)
		if err != nil {
			return nil, err
		}
		c = &Cipher{token: c.token, variant: KDFArgon2id, keys: keys, header: header, cryptoRand: c.cryptoRand}
		ciphertext = ciphertext[n:]
	}
	aead, err := c.dataAEAD()
	if err != nil {
		return nil, err
	}
	var out []byte
	for off := 0; off < len(ciphertext); {
		remain := len(ciphertext) - off
		take := EncChunkSize
		if take > remain {
			take = remain
		}
		plain, err := decryptChunk(aead, ciphertext[off:off+take])
		if err != nil {
			return nil, err
		}
		out = append(out, plain...)
		off += take
	}
	return out, nil
}

// EncryptingReader streams plaintext from an underlying io.Reader as
// encrypted chunks, matching backend/crypt/cipher.go's encrypter in
// shape: a single sliding chunk buffer refilled on demand, returned to
// a sync.Pool when the stream finishes.
type EncryptingReader struct {
	mu        sync.Mutex
	in        io.Reader
	c         *Cipher
	aead      gocipher.AEAD
	buf       *[EncChunkSize]byte
	readBuf   []byte
	bufIndex  int
	bufSize   int
	headerOut []byte
	err       error
}

// NewEncryptingReader wraps in, emitting the optional KDF header
// followed by the chunk stream as the returned reader is consumed.
func NewEncryptingReader(c *Cipher, in io.Reader) (*EncryptingReader, error) {
	aead, err := c.dataAEAD()
	if err != nil {
		return nil, err
	}
	r := &EncryptingReader{
		in:      in,
		c:       c,
		aead:    aead,
		buf:     c.buffers.Get().(*[EncChunkSize]byte),
		readBuf: make([]byte, DataChunkSize),
	}
	if c.variant == KDFArgon2id {
		r.headerOut = c.header.Encode()
	}
	return r, nil
}

// Read implements io.Reader.
func (r *EncryptingReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.headerOut) > 0 {
		n := copy(p, r.headerOut)
		r.headerOut = r.headerOut[n:]
		return n, nil
	}
	if r.err != nil {
		return 0, r.err
	}
	if r.bufIndex >= r.bufSize {
		n, err := io.ReadFull(r.in, r.readBuf)
		if n == 0 {
			return r.finish(err)
		}
		if err == io.ErrUnexpectedEOF {
			err = nil
		}
		chunk, encErr := encryptChunk(r.aead, r.c.cryptoRand, r.readBuf[:n])
		if encErr != nil {
			return r.finish(encErr)
		}
		copy((*r.buf)[:], chunk)
		r.bufIndex = 0
		r.bufSize = len(chunk)
		if err != nil && err != io.EOF {
			return r.finish(err)
		}
	}
	n := copy(p, (*r.buf)[r.bufIndex:r.bufSize])
	r.bufIndex += n
	return n, nil
}

func (r *EncryptingReader) finish(err error) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	r.err = err
	if r.buf != nil {
		r.c.buffers.Put(r.buf)
		r.buf = nil
	}
	return 0, err
}

// DecryptRange satisfies transport.Decryptor: it computes which
// DATA_CHUNK-aligned chunks overlap rng, fetches each chunk's
// ciphertext bytes via fetch, decrypts and authenticates it, and
// copies the requested overlap into the returned buffer (spec.md S4.3
// "Random-access decrypted read"). token is accepted for interface
// compatibility with transport.Decryptor but unused: this Cipher
// already carries the key material for the object it was constructed
// for.
func (c *Cipher) DecryptRange(ctx context.Context, token string, totalSize int64, rng provider.Range, fetch func(provider.Range) ([]byte, error)) ([]byte, error) {
	_ = ctx
	aead, err := c.dataAEAD()
	if err != nil {
		return nil, err
	}

	startChunk := rng.Begin / DataChunkSize
	endChunk := rng.End / DataChunkSize

	out := make([]byte, 0, rng.Len())
	for idx := startChunk; idx <= endChunk; idx++ {
		chunkPlainStart := idx * DataChunkSize
		chunkPlainLen := int64(DataChunkSize)
		if chunkPlainStart+chunkPlainLen > totalSize {
			chunkPlainLen = totalSize - chunkPlainStart
		}
		if chunkPlainLen <= 0 {
			break
		}

		cipherStart := c.globalHeaderSize() + idx*EncChunkSize
		cipherLen := HeaderSize + chunkPlainLen
		cipherRange := provider.Range{Begin: cipherStart, End: cipherStart + cipherLen - 1}

		ciphertext, err := fetch(cipherRange)
		if err != nil {
			return nil, err
		}
		plain, err := decryptChunk(aead, ciphertext)
		if err != nil {
			return nil, err
		}

		overlapStart := int64(0)
		if rng.Begin > chunkPlainStart {
			overlapStart = rng.Begin - chunkPlainStart
		}
		overlapEnd := chunkPlainLen - 1
		if rng.End < chunkPlainStart+chunkPlainLen-1 {
			overlapEnd = rng.End - chunkPlainStart
		}
		if overlapStart > overlapEnd || overlapStart >= int64(len(plain)) {
			continue
		}
		if overlapEnd >= int64(len(plain)) {
			overlapEnd = int64(len(plain)) - 1
		}
		out = append(out, plain[overlapStart:overlapEnd+1]...)
	}
	return out, nil
}
