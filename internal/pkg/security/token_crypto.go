package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

var (
	ErrEmptyKey      = errors.New("encryption key is required")
	ErrDecryptFailed = errors.New("token decryption failed")
)

const keyIterations = 4096

// token crypto salt, fixed so the same key always derives the same AES key
var keySalt = []byte("webrana-token-v1")

// TokenCrypto encrypts and decrypts provider API tokens at rest using
// AES-256-GCM with a PBKDF2-derived key.
type TokenCrypto struct {
	key []byte
}

// NewTokenCrypto derives the AES key from the configured secret
func NewTokenCrypto(secret string) (*TokenCrypto, error) {
	if secret == "" {
		return nil, ErrEmptyKey
	}
	key := pbkdf2.Key([]byte(secret), keySalt, keyIterations, 32, sha256.New)
	return &TokenCrypto{key: key}, nil
}

// Encrypt seals a plaintext token into base64(nonce||ciphertext)
func (tc *TokenCrypto) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	block, err := aes.NewCipher(tc.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a token produced by Encrypt. Any tampering or key mismatch
// returns ErrDecryptFailed.
func (tc *TokenCrypto) Decrypt(encrypted string) (string, error) {
	if encrypted == "" {
		return "", nil
	}

	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", ErrDecryptFailed
	}

	block, err := aes.NewCipher(tc.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(raw) < gcm.NonceSize() {
		return "", ErrDecryptFailed
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plaintext), nil
}
