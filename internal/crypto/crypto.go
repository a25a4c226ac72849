// Package crypto seals cached payloads with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must not be empty")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
)

// Encryptor is safe for concurrent use.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor derives a 32-byte key from secret with SHA-256.
func NewEncryptor(secret string) (*Encryptor, error) {
	if secret == "" {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(deriveKey(secret))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

func deriveKey(secret string) []byte {
	hash := sha256.Sum256([]byte(secret))
	return hash[:]
}

// Seal encrypts plaintext and binds it to aad, which must be passed
// unchanged to Open. The nonce is prepended to the result.
func (e *Encryptor) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, aad), nil
}

func (e *Encryptor) Open(ciphertext, aad []byte) ([]byte, error) {
	n := e.aead.NonceSize()
	if len(ciphertext) < n+e.aead.Overhead() {
		return nil, ErrInvalidCiphertext
	}
	plaintext, err := e.aead.Open(nil, ciphertext[:n], ciphertext[n:], aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return plaintext, nil
}
