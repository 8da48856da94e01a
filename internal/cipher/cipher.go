// Package cipher encrypts node payloads of encrypted spaces before they leave
// the device and decrypts them on the way back in.
//
// Encryption is deterministic: the same plaintext under the same password
// always yields the same ciphertext. Re-pushing an unchanged node therefore
// produces an identical remote record, which keeps repeated sync passes
// idempotent on the server.
package cipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"github.com/graphnote/graphnote/internal/schema"
)

const (
	// DefaultIterations is the PBKDF2 iteration count used by New.
	DefaultIterations = 100_000

	keySize   = 32
	nonceSize = 12
)

// salt is fixed so every device derives the same key from the same password.
var salt = []byte("graphnote/space-cipher/v1")

// Cipher is safe for concurrent use. Derived keys are cached per password.
type Cipher struct {
	iterations int

	mu   sync.Mutex
	keys map[[sha256.Size]byte]*keyPair
}

type keyPair struct {
	aead cipher.AEAD
	mac  []byte
}

// New returns a Cipher using DefaultIterations.
func New() *Cipher {
	return NewWithIterations(DefaultIterations)
}

// NewWithIterations returns a Cipher with a custom PBKDF2 iteration count.
// Both sides of a sync must use the same count.
func NewWithIterations(iterations int) *Cipher {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return &Cipher{
		iterations: iterations,
		keys:       make(map[[sha256.Size]byte]*keyPair),
	}
}

// Encrypt returns base64url(nonce || AES-GCM(plaintext)). The nonce is an
// HMAC of the plaintext, so equal inputs give equal outputs.
func (c *Cipher) Encrypt(plaintext, password string) (string, error) {
	kp, err := c.derive(password)
	if err != nil {
		return "", err
	}

	h := hmac.New(sha256.New, kp.mac)
	h.Write([]byte(plaintext))
	nonce := h.Sum(nil)[:nonceSize]

	out := kp.aead.Seal(append([]byte(nil), nonce...), nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. A wrong password or tampered input yields an
// error wrapping schema.ErrDecryption.
func (c *Cipher) Decrypt(ciphertext, password string) (string, error) {
	kp, err := c.derive(password)
	if err != nil {
		return "", err
	}

	raw, err := base64.RawURLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: malformed ciphertext: %v", schema.ErrDecryption, err)
	}
	if len(raw) < nonceSize+kp.aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", schema.ErrDecryption)
	}

	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := kp.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: wrong password or corrupted data", schema.ErrDecryption)
	}
	return string(plaintext), nil
}

func (c *Cipher) derive(password string) (*keyPair, error) {
	if password == "" {
		return nil, fmt.Errorf("%w: password is required", schema.ErrInvalidArgument)
	}

	id := sha256.Sum256([]byte(password))

	c.mu.Lock()
	defer c.mu.Unlock()

	if kp, ok := c.keys[id]; ok {
		return kp, nil
	}

	material := pbkdf2.Key([]byte(password), salt, c.iterations, 2*keySize, sha256.New)
	block, err := aes.NewCipher(material[:keySize])
	if err != nil {
		return nil, fmt.Errorf("failed to create block cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	kp := &keyPair{aead: aead, mac: material[keySize:]}
	c.keys[id] = kp
	return kp, nil
}
