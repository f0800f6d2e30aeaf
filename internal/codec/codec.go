// Package codec seals individual column values with XChaCha20-Poly1305 under
// a store-wide key. The context string is bound as additional data so a
// ciphertext only opens in the slot it was written for.
package codec

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"

	"chatstore/pkg/domain"
)

const (
	// KeySize is the length of the store secret.
	KeySize = chacha20poly1305.KeySize
	// SaltSize is the length of the random PBKDF2 salt kept in store metadata.
	SaltSize = 32
	// DefaultIterations is the PBKDF2 work factor for new stores.
	DefaultIterations = 200_000

	formatVersion byte = 1
	headerSize         = 1 + chacha20poly1305.NonceSizeX
)

var (
	errShortBlob     = errors.New("ciphertext too short")
	errFormatVersion = errors.New("unknown ciphertext format")
	errAuth          = errors.New("message authentication failed")
)

// Codec seals and opens values. It is safe for concurrent use.
type Codec struct {
	aead   cipher.AEAD
	macKey []byte
	rand   io.Reader
}

// New derives independent encryption and hashing subkeys from a 32-byte secret.
func New(secret []byte) (*Codec, error) {
	if len(secret) != KeySize {
		return nil, fmt.Errorf("codec: secret must be %d bytes, got %d", KeySize, len(secret))
	}
	encKey, err := subkey(secret, "chatstore field encryption v1")
	if err != nil {
		return nil, err
	}
	macKey, err := subkey(secret, "chatstore key hashing v1")
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(encKey)
	if err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}
	return &Codec{aead: aead, macKey: macKey, rand: rand.Reader}, nil
}

func subkey(secret []byte, info string) ([]byte, error) {
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("codec: derive subkey: %w", err)
	}
	return out, nil
}

// DeriveKey stretches a passphrase into a store secret with PBKDF2-SHA512.
func DeriveKey(passphrase, salt []byte, iterations int) []byte {
	return pbkdf2.Key(passphrase, salt, iterations, KeySize, sha512.New)
}

// NewSalt returns SaltSize random bytes.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("codec: salt: %w", err)
	}
	return salt, nil
}

// Seal encrypts plaintext for the given context. The result is
// version || nonce || ciphertext+tag.
func (c *Codec) Seal(plaintext []byte, context string) ([]byte, error) {
	out := make([]byte, headerSize, headerSize+len(plaintext)+c.aead.Overhead())
	out[0] = formatVersion
	if _, err := io.ReadFull(c.rand, out[1:headerSize]); err != nil {
		return nil, fmt.Errorf("codec: nonce: %w", err)
	}
	return c.aead.Seal(out, out[1:headerSize], plaintext, []byte(context)), nil
}

// Open authenticates and decrypts blob. Any failure, including a context
// mismatch, yields a *domain.DecryptError.
func (c *Codec) Open(blob []byte, context string) ([]byte, error) {
	if len(blob) < headerSize+c.aead.Overhead() {
		return nil, &domain.DecryptError{Context: context, Err: errShortBlob}
	}
	if blob[0] != formatVersion {
		return nil, &domain.DecryptError{Context: context, Err: errFormatVersion}
	}
	plaintext, err := c.aead.Open(nil, blob[1:headerSize], blob[headerSize:], []byte(context))
	if err != nil {
		return nil, &domain.DecryptError{Context: context, Err: errAuth}
	}
	return plaintext, nil
}

// SealJSON marshals v and seals the encoding.
func (c *Codec) SealJSON(v any, context string) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: encode %s: %w", context, err)
	}
	return c.Seal(raw, context)
}

// OpenJSON opens blob and unmarshals it into v. A blob that authenticates but
// does not decode is reported as a DecryptError too: it cannot be trusted.
func (c *Codec) OpenJSON(blob []byte, context string, v any) error {
	raw, err := c.Open(blob, context)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &domain.DecryptError{Context: context, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}

// HashKey returns a keyed HMAC-SHA256 of key scoped to table, for index
// columns whose plaintext should not be stored.
func (c *Codec) HashKey(table string, key []byte) []byte {
	mac := hmac.New(sha256.New, c.macKey)
	_, _ = mac.Write([]byte(Context(table)))
	_, _ = mac.Write(key)
	return mac.Sum(nil)
}

// Context joins a table name and key parts unambiguously: every part is
// length-prefixed so ("a","bc") and ("ab","c") differ.
func Context(table string, parts ...string) string {
	var lenBuf [binary.MaxVarintLen64]byte
	b := make([]byte, 0, len(table)+16*len(parts))
	for _, p := range append([]string{table}, parts...) {
		n := binary.PutUvarint(lenBuf[:], uint64(len(p)))
		b = append(b, lenBuf[:n]...)
		b = append(b, p...)
	}
	return string(b)
}
