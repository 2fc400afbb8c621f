package protocol

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the size of the shared session key sent raw after accept
	KeySize = chacha20poly1305.KeySize

	// Overhead is the number of bytes Seal adds to a plaintext (nonce + tag)
	Overhead = chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
)

var (
	ErrTransform      = errors.New("transform failed")
	ErrInvalidKeySize = errors.New("invalid key size")
)

// Key is the symmetric key shared by every participant of a server run.
type Key [KeySize]byte

// GenerateKey returns a fresh random key.
func GenerateKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, fmt.Errorf("failed to generate key: %w", err)
	}
	return k, nil
}

// KeyFromBytes copies b into a Key. b must be exactly KeySize bytes.
func KeyFromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != KeySize {
		return k, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKeySize, len(b), KeySize)
	}
	copy(k[:], b)
	return k, nil
}

// Cipher seals and opens payloads with XChaCha20-Poly1305.
// Sealed layout: [Nonce (24 bytes)][Ciphertext || Tag (N + 16 bytes)]
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a Cipher for key.
func NewCipher(key Key) (*Cipher, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts and authenticates plaintext under a fresh random nonce.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	out := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(out, out, plaintext, nil), nil
}

// Open authenticates and decrypts a sealed payload. Any malformed or
// tampered input, or input sealed under another key, returns ErrTransform.
func (c *Cipher) Open(sealed []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(sealed) < nonceSize+c.aead.Overhead() {
		return nil, fmt.Errorf("%w: sealed payload too short (%d bytes)", ErrTransform, len(sealed))
	}

	plaintext, err := c.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrTransform)
	}
	return plaintext, nil
}
