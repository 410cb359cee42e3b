// Package crypto seals OAuth tokens before they are written to the database.
//
// Sealed values are base64 text of nonce || ciphertext || tag produced by
// AES-256-GCM, so they fit the existing text columns.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// KeySize is the decoded key length in bytes.
const KeySize = 32

// ErrOpen is returned when a sealed value fails authentication.
var ErrOpen = errors.New("token decryption failed")

// Sealer encrypts and decrypts short strings. KeyID names the key so stored
// rows can be re-encrypted after a rotation.
type Sealer struct {
	KeyID string
	aead  cipher.AEAD
}

// NewSealer builds a Sealer from a base64-encoded 32-byte key
// (openssl rand -base64 32).
func NewSealer(keyID, base64Key string) (*Sealer, error) {
	if base64Key == "" {
		return nil, errors.New("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid encryption key: want %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	if keyID == "" {
		keyID = "default"
	}
	return &Sealer{KeyID: keyID, aead: aead}, nil
}

// Seal encrypts plaintext. The empty string seals to itself.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal. Tampered or foreign values return ErrOpen.
func (s *Sealer) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrOpen, err)
	}
	n := s.aead.NonceSize()
	if len(raw) < n+s.aead.Overhead() {
		return "", fmt.Errorf("%w: value too short", ErrOpen)
	}
	plain, err := s.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		// The underlying error says nothing useful and may aid an attacker.
		return "", ErrOpen
	}
	return string(plain), nil
}
