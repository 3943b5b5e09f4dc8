package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidKey        = errors.New("encryption key must be 32 bytes for AES-256")
	ErrInvalidCiphertext = errors.New("invalid ciphertext: too short or corrupted")
	ErrDecryptionFailed  = errors.New("decryption failed: authentication tag mismatch")
	ErrEmptySecret       = errors.New("secret cannot be empty")
)

// hkdfInfo binds derived keys to provider credential storage.
const hkdfInfo = "optiroute/provider-api-keys/v1"

// SecretBox seals provider API keys at rest with AES-256-GCM. Ciphertexts are
// base64(nonce || sealed).
type SecretBox struct {
	gcm cipher.AEAD
}

// NewSecretBox builds a box from a raw 32-byte key.
func NewSecretBox(key []byte) (*SecretBox, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKey, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &SecretBox{gcm: gcm}, nil
}

// NewSecretBoxFromConfig accepts either a base64-encoded 32-byte key or an
// arbitrary passphrase, which is stretched to 32 bytes with HKDF-SHA256.
func NewSecretBoxFromConfig(secret string) (*SecretBox, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrEmptySecret
	}
	if raw, err := base64.StdEncoding.DecodeString(secret); err == nil && len(raw) == 32 {
		return NewSecretBox(raw)
	}
	key, err := DeriveKey(secret)
	if err != nil {
		return nil, err
	}
	return NewSecretBox(key)
}

// DeriveKey stretches a passphrase into a 32-byte AES key.
func DeriveKey(passphrase string) ([]byte, error) {
	reader := hkdf.New(sha256.New, []byte(passphrase), nil, []byte(hkdfInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// Seal encrypts a plaintext API key.
func (b *SecretBox) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrEmptySecret
	}
	nonce := make([]byte, b.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := b.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (b *SecretBox) Open(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", ErrEmptySecret
	}
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: base64 decode failed", ErrInvalidCiphertext)
	}
	nonceSize := b.gcm.NonceSize()
	if len(data) <= nonceSize {
		return "", ErrInvalidCiphertext
	}
	plaintext, err := b.gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// GenerateKeyString returns a fresh base64-encoded 32-byte key.
func GenerateKeyString() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
