package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// FieldCipher encrypts sensitive columns (IBANs) at rest and derives a keyed
// fingerprint so rows can be looked up without decrypting.
type FieldCipher struct {
	aead       cipher.AEAD
	hmacSecret []byte
}

// NewFieldCipher builds a cipher from a 16, 24 or 32 byte AES key.
func NewFieldCipher(key, hmacSecret []byte) (*FieldCipher, error) {
	if len(key) != 16 && len(key) != 24 && len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 16, 24, or 32 bytes, got %d", len(key))
	}
	if len(hmacSecret) == 0 {
		return nil, fmt.Errorf("hmac secret is empty")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return &FieldCipher{aead: aead, hmacSecret: hmacSecret}, nil
}

// Seal encrypts data and returns hex(nonce || ciphertext).
func (c *FieldCipher) Seal(data string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("input data is empty")
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(data), nil)
	return hex.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (c *FieldCipher) Open(encrypted string) (string, error) {
	if len(encrypted) == 0 {
		return "", fmt.Errorf("encrypted data is empty")
	}

	raw, err := hex.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("failed to decode hex: %w", err)
	}
	ns := c.aead.NonceSize()
	if len(raw) <= ns {
		return "", fmt.Errorf("encrypted data too short: %d bytes", len(raw))
	}

	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plain), nil
}

// Fingerprint returns a stable keyed hash of data.
func (c *FieldCipher) Fingerprint(data string) string {
	h := hmac.New(sha256.New, c.hmacSecret)
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}
