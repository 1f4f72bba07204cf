package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// TokenSealer encrypts small secrets (OAuth refresh tokens) with
// AES-256-GCM. Sealed values are base64 with the random nonce prepended, so
// each sealing of the same plaintext differs.
type TokenSealer struct {
	gcm cipher.AEAD
}

// NewTokenSealer requires a 32-byte key; the config layer decodes and
// validates it.
func NewTokenSealer(key []byte) (*TokenSealer, error) {
	if len(key) != 32 {
		return nil, errors.New("sealer key must be exactly 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &TokenSealer{gcm: gcm}, nil
}

// Seal encrypts the plaintext.
func (s *TokenSealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := s.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed value. Tampered or truncated input fails the GCM
// authentication check.
func (s *TokenSealer) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", errors.New("sealed value is not valid base64")
	}
	if len(raw) < s.gcm.NonceSize() {
		return "", errors.New("sealed value too short")
	}
	nonce, ciphertext := raw[:s.gcm.NonceSize()], raw[s.gcm.NonceSize():]
	plaintext, err := s.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", errors.New("sealed value failed authentication")
	}
	return string(plaintext), nil
}
