// Package clientcrypto contains the device-side primitives used to keep credentials encrypted at rest.
package clientcrypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Params
const (
	KeyLen  = 32
	SaltLen = 16

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
)

// ErrShortBlob is returned when a sealed blob cannot even hold a nonce.
var ErrShortBlob = errors.New("sealed blob too short")

// Rand returns n cryptographically secure random bytes.
func Rand(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// DeriveKey derives a storage master key from a passphrase and salt using Argon2id.
func DeriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, KeyLen)
}

// DeriveSubkey derives a purpose-bound key from master via HKDF-SHA256.
func DeriveSubkey(master []byte, purpose string) ([]byte, error) {
	r := hkdf.New(sha256.New, master, nil, []byte(purpose))
	key := make([]byte, KeyLen)
	_, err := r.Read(key)
	return key, err
}

// Box seals and opens values with XChaCha20-Poly1305.
type Box struct {
	aead cipher.AEAD
}

// NewBox builds a Box for a 32-byte key.
func NewBox(key []byte) (*Box, error) {
	if len(key) != KeyLen {
		return nil, errors.New("clientcrypto: key must be 32 bytes")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts plaintext bound to aad; output is nonce||ciphertext.
func (b *Box) Seal(aad, plaintext []byte) ([]byte, error) {
	nonce, err := Rand(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+b.aead.Overhead())
	out = append(out, nonce...)
	return b.aead.Seal(out, nonce, plaintext, aad), nil
}

// Open decrypts a blob produced by Seal with the same aad.
func (b *Box) Open(aad, blob []byte) ([]byte, error) {
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, ErrShortBlob
	}
	nonce := blob[:chacha20poly1305.NonceSizeX]
	ct := blob[chacha20poly1305.NonceSizeX:]
	return b.aead.Open(nil, nonce, ct, aad)
}

// SealString is Seal for string values.
func (b *Box) SealString(aad, value string) ([]byte, error) {
	return b.Seal([]byte(aad), []byte(value))
}

// OpenString is Open for string values.
func (b *Box) OpenString(aad string, blob []byte) (string, error) {
	pt, err := b.Open([]byte(aad), blob)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
