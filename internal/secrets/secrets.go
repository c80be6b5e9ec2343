// Package secrets encrypts credentials before they are written to storage.
package secrets

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	keySalt       = "calendar-aggregator-salt"
	keyIterations = 100000

	macInfo = "calagg message authentication"
)

// ErrEmptySecret is returned when no process secret is configured.
var ErrEmptySecret = errors.New("session secret is empty")

// Box is a reversible encryption boundary keyed from the process secret.
type Box struct {
	key    []byte
	macKey []byte
}

// New derives the encryption key from secret.
func New(secret string) (*Box, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	key := pbkdf2.Key([]byte(secret), []byte(keySalt), keyIterations, chacha20poly1305.KeySize, sha256.New)

	macKey := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte(macInfo)), macKey); err != nil {
		return nil, fmt.Errorf("failed to derive mac key: %w", err)
	}
	return &Box{key: key, macKey: macKey}, nil
}

// Sign returns a base64url HMAC-SHA256 of message under a key derived from
// the encryption key.
func (b *Box) Sign(message string) string {
	mac := hmac.New(sha256.New, b.macKey)
	mac.Write([]byte(message))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is the signature of message.
func (b *Box) Verify(message, sig string) bool {
	raw, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, b.macKey)
	mac.Write([]byte(message))
	return hmac.Equal(raw, mac.Sum(nil))
}

// Encrypt seals plaintext. Empty input stays empty so optional fields need no
// special casing.
func (b *Box) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func (b *Box) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	raw, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt value: %w", err)
	}
	return string(plain), nil
}
