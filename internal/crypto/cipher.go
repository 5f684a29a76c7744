package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/tradebench/broker-auth/internal/domain"
)

const (
	envelopePrefix = "v1:"

	deriveTime    uint32 = 3
	deriveMemory  uint32 = 64 * 1024
	deriveThreads uint8  = 2
	keyLen        uint32 = 32
)

// Cipher performs AES-256-GCM authenticated encryption of broker secrets and
// delegated tokens. The key is fixed at process start and read-only afterward.
type Cipher struct {
	aead cipher.AEAD
}

// New builds a Cipher from a raw 32-byte key.
func New(key []byte) (*Cipher, error) {
	if len(key) != int(keyLen) {
		return nil, fmt.Errorf("cipher key must be %d bytes, got %d", keyLen, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// NewFromPassphrase derives the key with argon2id from a passphrase and salt.
func NewFromPassphrase(passphrase, salt string) (*Cipher, error) {
	if strings.TrimSpace(passphrase) == "" {
		return nil, fmt.Errorf("cipher passphrase is required")
	}
	if len(salt) < 8 {
		return nil, fmt.Errorf("cipher salt must be at least 8 bytes")
	}
	key := argon2.IDKey([]byte(passphrase), []byte(salt), deriveTime, deriveMemory, deriveThreads, keyLen)
	return New(key)
}

// Encrypt seals plaintext and returns a versioned base64 envelope of
// nonce|ciphertext.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return envelopePrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a sealed envelope. Any tampering, truncation, or key mismatch
// fails with domain.ErrCrypto; corrupted plaintext is never returned.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	payload := strings.TrimPrefix(ciphertext, envelopePrefix)
	if payload == ciphertext {
		return "", fmt.Errorf("%w: missing envelope prefix", domain.ErrCrypto)
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("%w: malformed envelope", domain.ErrCrypto)
	}
	if len(raw) < c.aead.NonceSize() {
		return "", fmt.Errorf("%w: envelope too short", domain.ErrCrypto)
	}
	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", domain.ErrCrypto)
	}
	return string(plaintext), nil
}
