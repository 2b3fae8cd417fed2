package cipher

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// fileNameEncoding mirrors backend/crypt/cipher.go's encoder interface
// shape, trimmed to the two encodings spec.md's name scheme actually
// uses.
type fileNameEncoding interface {
	EncodeToString(src []byte) string
	DecodeString(s string) ([]byte, error)
}

type hexEncoding struct{}

func (hexEncoding) EncodeToString(src []byte) string      { return hex.EncodeToString(src) }
func (hexEncoding) DecodeString(s string) ([]byte, error) { return hex.DecodeString(s) }

// ErrBadSegment is returned when an encrypted path segment fails to
// decode or authenticate.
var ErrBadSegment = errors.New("cipher: bad encrypted name segment")

// EncryptSegment encrypts a single path segment as one AEAD message:
// (KDF header?) || IV || MAC || ciphertext, hex-encoded for the legacy
// blake2b variant or URL-safe base64 for the argon2id variant (spec.md
// S4.3 "Encrypted-name scheme").
func (c *Cipher) EncryptSegment(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	aead, err := chacha20poly1305.NewX(c.keys.nameKey[:])
	if err != nil {
		return "", err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)

	var out []byte
	if c.variant == KDFArgon2id {
		out = append(out, c.header.Encode()...)
	}
	out = append(out, nonce...)
	out = append(out, sealed...)
	return c.nameEncoding().EncodeToString(out), nil
}

// DecryptSegment inverts EncryptSegment. When the KDF variant is
// argon2id, the header embedded in ciphertext is authoritative for
// re-deriving the data key: it may differ from c's own header if the
// segment was produced under a different salt, so the name key is
// re-derived per segment in that case.
func (c *Cipher) DecryptSegment(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	raw, err := c.nameEncoding().DecodeString(encoded)
	if err != nil {
		return "", ErrBadSegment
	}

	nameKey := c.keys.nameKey
	if c.variant == KDFArgon2id {
		header, n, err := DecodeKDFHeader(raw)
		if err != nil {
			return "", ErrBadSegment
		}
		raw = raw[n:]
		sk, err := deriveSubkeys(c.token, KDFArgon2id, &header)
		if err != nil {
			return "", ErrBadSegment
		}
		nameKey = sk.nameKey
	}

	if len(raw) < chacha20poly1305.NonceSizeX {
		return "", ErrBadSegment
	}
	nonce := raw[:chacha20poly1305.NonceSizeX]
	ciphertext := raw[chacha20poly1305.NonceSizeX:]

	aead, err := chacha20poly1305.NewX(nameKey[:])
	if err != nil {
		return "", err
	}
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrBadSegment
	}
	return string(plain), nil
}

func (c *Cipher) nameEncoding() fileNameEncoding {
	if c.variant == KDFArgon2id {
		return base64.RawURLEncoding
	}
	return hexEncoding{}
}

// EncryptPath encrypts every "/"-separated segment of in independently
// and rejoins with "/". An empty path encrypts to itself.
func (c *Cipher) EncryptPath(in string) (string, error) {
	if in == "" {
		return "", nil
	}
	segments := strings.Split(strings.TrimPrefix(in, "/"), "/")
	for i, s := range segments {
		enc, err := c.EncryptSegment(s)
		if err != nil {
			return "", err
		}
		segments[i] = enc
	}
	return "/" + strings.Join(segments, "/"), nil
}

// DecryptPath inverts EncryptPath.
func (c *Cipher) DecryptPath(in string) (string, error) {
	if in == "" {
		return "", nil
	}
	segments := strings.Split(strings.TrimPrefix(in, "/"), "/")
	for i, s := range segments {
		dec, err := c.DecryptSegment(s)
		if err != nil {
			return "", err
		}
		segments[i] = dec
	}
	return "/" + strings.Join(segments, "/"), nil
}
