// Package crypto seals OAuth token material before it reaches the datastore.
//
// Sealed values are base64(nonce || ciphertext || tag) produced with
// AES-256-GCM. This is the only encoding the credential store reads or writes.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	ErrEmptyKey = errors.New("token sealing key must not be empty")
	// ErrUnseal means the value was not produced by this key or has been tampered with.
	ErrUnseal = errors.New("unable to unseal token material")
)

// TokenSealer encrypts and decrypts token handles.
type TokenSealer struct {
	aead cipher.AEAD
}

// NewTokenSealer builds a sealer from key. A base64 string decoding to 32
// bytes is used as the raw key; anything else is hashed with SHA-256.
func NewTokenSealer(key string) (*TokenSealer, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil || len(raw) != 32 {
		sum := sha256.Sum256([]byte(key))
		raw = sum[:]
	}

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &TokenSealer{aead: aead}, nil
}

// Seal encrypts plaintext. The empty string stays empty so an absent
// refresh token is stored as absent.
func (s *TokenSealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (s *TokenSealer) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: not base64", ErrUnseal)
	}
	n := s.aead.NonceSize()
	if len(data) < n+s.aead.Overhead() {
		return "", fmt.Errorf("%w: too short", ErrUnseal)
	}
	plain, err := s.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrUnseal)
	}
	return string(plain), nil
}
