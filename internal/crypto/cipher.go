// Package crypto protects credential fields between admission and execution.
//
// Blobs are AES-256-GCM sealed and encoded as hex(nonce) + ":" + hex(ciphertext)
// so they can travel inside JSON job payloads. Every Encrypt call draws a fresh
// nonce from crypto/rand.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// KeySize is the required symmetric key length in bytes
	KeySize = 32

	blobSeparator = ":"
)

var (
	// ErrInvalidKey is returned when the configured key is absent or not KeySize bytes
	ErrInvalidKey = errors.New("encryption key must be exactly 32 bytes")

	// ErrCipher is returned when a blob is malformed, truncated or fails authentication
	ErrCipher = errors.New("cipher error")
)

// Cipher encrypts and decrypts credential strings under one process-wide key.
// It is safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from a 32-byte key
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKey, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create block cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// NonceSize returns the nonce length in bytes
func (c *Cipher) NonceSize() int {
	return c.aead.NonceSize()
}

// Encrypt seals plaintext under a fresh random nonce
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(nonce) + blobSeparator + hex.EncodeToString(sealed), nil
}

// Decrypt opens a blob produced by Encrypt
func (c *Cipher) Decrypt(blob string) (string, error) {
	nonceHex, sealedHex, ok := strings.Cut(blob, blobSeparator)
	if !ok || nonceHex == "" {
		return "", fmt.Errorf("%w: missing nonce segment", ErrCipher)
	}

	nonce, err := hex.DecodeString(nonceHex)
	if err != nil {
		return "", fmt.Errorf("%w: malformed nonce", ErrCipher)
	}
	if len(nonce) != c.aead.NonceSize() {
		return "", fmt.Errorf("%w: nonce must be %d bytes, got %d", ErrCipher, c.aead.NonceSize(), len(nonce))
	}

	sealed, err := hex.DecodeString(sealedHex)
	if err != nil {
		return "", fmt.Errorf("%w: malformed ciphertext", ErrCipher)
	}
	if len(sealed) < c.aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext truncated", ErrCipher)
	}

	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrCipher)
	}

	return string(plaintext), nil
}

// EncryptFields encrypts every value of fields, keeping the keys
func (c *Cipher) EncryptFields(fields map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(fields))
	for name, plaintext := range fields {
		blob, err := c.Encrypt(plaintext)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt %s: %w", name, err)
		}
		out[name] = blob
	}
	return out, nil
}

// DecryptFields decrypts every blob of fields. Nothing is returned unless every
// field decrypts.
func (c *Cipher) DecryptFields(fields map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(fields))
	for name, blob := range fields {
		plaintext, err := c.Decrypt(blob)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt %s: %w", name, err)
		}
		out[name] = plaintext
	}
	return out, nil
}
