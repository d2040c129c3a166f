// Package crypto provides AES-256-GCM encryption for sensitive credential
// material such as access and refresh tokens before they reach durable storage.
//
// Each encryption operation uses a unique random nonce, so encrypting the same
// plaintext twice produces different ciphertexts. GCM gives both
// confidentiality and integrity: tampered ciphertexts fail to decrypt.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"tokenkeeper/internal/common/errors"
)

// TokenEncryptor handles encryption and decryption of stored token secrets
// using AES-256-GCM. It is safe for concurrent use by multiple goroutines.
type TokenEncryptor struct {
	key []byte // 32-byte AES-256 key derived from the configured passphrase
}

// NewTokenEncryptor creates a TokenEncryptor from the provided passphrase.
// The passphrase is run through PBKDF2 so any non-empty input yields a
// well-formed 32-byte AES-256 key. Store the passphrase in the environment,
// never in source.
func NewTokenEncryptor(key string) (*TokenEncryptor, error) {
	if key == "" {
		return nil, errors.ValidationError("encryption key cannot be empty")
	}

	// Static salt keeps key derivation deterministic across restarts
	salt := []byte("tokenkeeper-credential-salt")
	derivedKey := pbkdf2.Key([]byte(key), salt, 10000, 32, sha256.New)

	return &TokenEncryptor{key: derivedKey}, nil
}

// Encrypt encrypts a plaintext secret and returns base64(nonce || ciphertext).
// Empty strings pass through unencrypted so nullable columns stay null.
func (e *TokenEncryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", errors.InternalError("failed to create cipher", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", errors.InternalError("failed to create GCM", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.InternalError("failed to create nonce", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt. Wrong keys, truncated input, and tampered
// ciphertexts all return an error.
func (e *TokenEncryptor) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", errors.InternalError("failed to decode ciphertext", err)
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", errors.InternalError("failed to create cipher", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", errors.InternalError("failed to create GCM", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.ValidationError("ciphertext too short")
	}

	nonce, ciphertextBytes := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", errors.InternalError("failed to decrypt", err)
	}

	return string(plaintext), nil
}
