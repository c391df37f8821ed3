// Package crypto encrypts sensitive assessment fields at rest using
// AES-256-GCM. Ciphertexts are self-describing ("gcm:<base64>") so a
// column can be told apart from plaintext after a partial migration.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const envelopePrefix = "gcm:"

var (
	// ErrInvalidKey is returned when the key is not 32 bytes.
	ErrInvalidKey = errors.New("fieldcipher: key must be 32 bytes")

	// ErrMalformedCiphertext is returned when a ciphertext cannot be parsed.
	ErrMalformedCiphertext = errors.New("fieldcipher: malformed ciphertext")
)

// FieldCipher seals and opens individual field values.
type FieldCipher struct {
	aead cipher.AEAD
}

// New creates a FieldCipher from a base64-encoded 32-byte key.
func New(encodedKey string) (*FieldCipher, error) {
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("fieldcipher: decode key: %w", err)
	}
	return NewFromKey(key)
}

// NewFromKey creates a FieldCipher from a raw 32-byte key.
func NewFromKey(key []byte) (*FieldCipher, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("fieldcipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("fieldcipher: %w", err)
	}
	return &FieldCipher{aead: aead}, nil
}

// GenerateKey returns a fresh base64-encoded 32-byte key.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("fieldcipher: generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Encrypt seals a plaintext value. Empty input stays empty so optional
// fields round-trip without producing a ciphertext for nothing.
func (c *FieldCipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("fieldcipher: nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return envelopePrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func (c *FieldCipher) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	if !strings.HasPrefix(ciphertext, envelopePrefix) {
		return "", ErrMalformedCiphertext
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, envelopePrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	if len(raw) < c.aead.NonceSize() {
		return "", ErrMalformedCiphertext
	}
	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("fieldcipher: open: %w", err)
	}
	return string(plain), nil
}
