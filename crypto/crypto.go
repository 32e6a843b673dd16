// Package crypto seals the cached app access token before it is written to a
// state backend. It uses AES-256-GCM with a random nonce per seal and tags the
// output with a version prefix so plaintext values from older state files can
// still be told apart and read.
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

// SealedPrefix marks a value produced by Sealer.Seal.
const SealedPrefix = "enc:v1:"

// ErrNotSealed is returned by Open for values without SealedPrefix.
var ErrNotSealed = errors.New("value is not sealed")

// Sealer encrypts and decrypts short secrets for storage in text fields.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a sealer from a base64-encoded 32-byte key, e.g. the
// output of `openssl rand -base64 32`.
func NewSealer(base64Key string) (*Sealer, error) {
	if base64Key == "" {
		return nil, errors.New("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// IsSealed reports whether s carries the sealed-value prefix.
func IsSealed(s string) bool { return strings.HasPrefix(s, SealedPrefix) }

// Seal encrypts plaintext. The empty string stays empty so an absent token
// remains absent on disk.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	// nonce || ciphertext || tag
	out := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return SealedPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal. It fails with ErrNotSealed when the prefix is missing
// and with a generic error when authentication fails.
func (s *Sealer) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	if !IsSealed(sealed) {
		return "", ErrNotSealed
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, SealedPrefix))
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	n := s.aead.NonceSize()
	if len(raw) < n+s.aead.Overhead() {
		return "", fmt.Errorf("sealed value too short: %d bytes", len(raw))
	}
	plaintext, err := s.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", errors.New("decryption failed: authentication or integrity check failed")
	}
	return string(plaintext), nil
}
