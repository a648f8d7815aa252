// Package crypto provides the cryptographic primitives used by the vault:
// authenticated encryption, password-based key derivation, random generation
// and content hashing.
//
// All functions are pure and stateless. Key material handed to this package
// is never logged and never written to disk; callers own the lifetime of
// their buffers (see SecureBytes for the zeroing wrapper used throughout the
// daemon).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32

	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12

	// TagSize is the GCM authentication tag length in bytes.
	TagSize = 16

	// MinSaltSize is the minimum accepted KDF salt length.
	MinSaltSize = 16

	// MinIterations is the floor for PBKDF2 iteration counts. Configured
	// values below this are rejected.
	MinIterations = 100_000

	// DefaultIterations is used when the configuration does not override
	// the iteration count.
	DefaultIterations = 300_000
)

// ErrAuthFailed indicates decryption failed authentication: wrong key,
// tampered ciphertext, truncation, or mismatched associated data.
var ErrAuthFailed = errors.New("authentication failed")

// DeriveKey derives a 32-byte encryption key from a password and salt using
// PBKDF2-HMAC-SHA256.
//
// The salt must be at least MinSaltSize bytes and the iteration count at
// least MinIterations; both are enforced here rather than trusted from
// configuration.
func DeriveKey(password, salt []byte, iterations int) ([]byte, error) {
	if len(password) == 0 {
		return nil, errors.New("password cannot be empty")
	}
	if len(salt) < MinSaltSize {
		return nil, fmt.Errorf("salt must be at least %d bytes, got %d", MinSaltSize, len(salt))
	}
	if iterations < MinIterations {
		return nil, fmt.Errorf("iteration count must be at least %d, got %d", MinIterations, iterations)
	}

	return pbkdf2.Key(password, salt, iterations, KeySize, sha256.New), nil
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return buf, nil
}

// NewSalt returns a fresh random KDF salt of MinSaltSize bytes.
func NewSalt() ([]byte, error) {
	return RandomBytes(MinSaltSize)
}

// NewNonce returns a fresh random GCM nonce.
func NewNonce() ([]byte, error) {
	return RandomBytes(NonceSize)
}

// Hash returns the SHA-256 digest of data.
func Hash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// Encrypt seals plaintext with AES-256-GCM under key and nonce, binding aad
// as associated data. The returned slice is ciphertext||tag as produced by
// GCM.
func Encrypt(key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", aead.NonceSize(), len(nonce))
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// Decrypt opens ciphertext produced by Encrypt. Any tampering with the
// ciphertext, tag, nonce or associated data fails closed with ErrAuthFailed.
func Decrypt(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, ErrAuthFailed
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		// Do not leak the underlying error; GCM failures all collapse to
		// an authentication failure from the caller's point of view.
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("AES-256 requires a %d-byte key, got %d bytes", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}
