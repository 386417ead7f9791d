// Package secure encrypts vendor credentials at rest and resolves the master
// key from the environment or AWS SSM Parameter Store.
package secure

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Cipher encrypts and decrypts short secrets such as passwords.
type Cipher interface {
	Encrypt(ctx context.Context, plaintext string) (string, error)
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

const credentialKeyInfo = "amdsync credential encryption v1"

// AESCipher is AES-256-GCM with a random nonce per secret. Output is
// base64(nonce || ciphertext || tag).
type AESCipher struct {
	aead cipher.AEAD
}

// NewAESCipher derives the credential key from a 32-byte master key with
// HKDF-SHA256, so the master key is never used directly for GCM.
func NewAESCipher(masterKey []byte) (*AESCipher, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("aes cipher: key must be 32 bytes, got %d", len(masterKey))
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte(credentialKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("aes cipher: derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: create GCM: %w", err)
	}
	return &AESCipher{aead: aead}, nil
}

// NewAESCipherFromHex accepts the 64-hex-character form used in configuration.
func NewAESCipherFromHex(hexKey string) (*AESCipher, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: key is not valid hex: %w", err)
	}
	return NewAESCipher(key)
}

func (c *AESCipher) Encrypt(_ context.Context, plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("aes encrypt: generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *AESCipher) Decrypt(_ context.Context, ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("aes decrypt: base64 decode: %w", err)
	}
	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize+c.aead.Overhead() {
		return "", fmt.Errorf("aes decrypt: ciphertext too short")
	}
	plaintext, err := c.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("aes decrypt: %w", err)
	}
	return string(plaintext), nil
}
