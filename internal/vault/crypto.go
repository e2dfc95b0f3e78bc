// Package vault seals session cookie values with AES-GCM and generates the
// self-signed certificate used for store traffic.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
)

// ErrTampered is returned when a sealed value fails authentication.
var ErrTampered = errors.New("decryption failed (wrong key or tampered data)")

// DeriveKey turns a configured cookie secret of any length into a 32-byte AES key.
func DeriveKey(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

// Encrypt seals plaintext with a 32-byte key and returns nonce||ciphertext as hex.
func Encrypt(plaintext string, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	return hex.EncodeToString(gcm.Seal(nonce, nonce, []byte(plaintext), nil)), nil
}

// Decrypt reverses Encrypt.
func Decrypt(cipherHex string, key []byte) (string, error) {
	ciphertext, err := hex.DecodeString(cipherHex)
	if err != nil {
		return "", err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrTampered
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// CookieSealer encodes session identifiers for the cookie carrier.
// A sealer without a key passes values through unchanged.
type CookieSealer struct {
	key []byte
}

// NewCookieSealer returns a sealer keyed from secret; an empty secret disables sealing.
func NewCookieSealer(secret string) *CookieSealer {
	if secret == "" {
		return &CookieSealer{}
	}
	return &CookieSealer{key: DeriveKey(secret)}
}

// Seal encodes a session id for the cookie.
func (s *CookieSealer) Seal(id string) (string, error) {
	if s == nil || s.key == nil {
		return id, nil
	}
	return Encrypt(id, s.key)
}

// Open decodes a cookie value back into a session id.
func (s *CookieSealer) Open(value string) (string, error) {
	if s == nil || s.key == nil {
		return value, nil
	}
	return Decrypt(value, s.key)
}
