package stream

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const nonceSize = 12

// deriveAESKey expands a raw X25519 shared secret into a 256-bit AES key
// via HKDF-SHA256, salted and labeled per session so two sessions between
// the same pair of parties never reuse a key.
func deriveAESKey(shared [32]byte, salt []byte) ([]byte, error) {
	kdf := hkdf.New(sha256.New, shared[:], salt, []byte("sovereignsync-stream-v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("stream: derive AES key: %w", err)
	}
	return key, nil
}

// newGCM builds an AES-256-GCM AEAD over key.
func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("stream: new AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("stream: new GCM: %w", err)
	}
	return gcm, nil
}

// randomNonce generates a fresh 12-byte GCM nonce, the unit next_nonce
// chaining commits one frame ahead of time (spec §4.5).
func randomNonce() ([12]byte, error) {
	var n [12]byte
	if _, err := io.ReadFull(rand.Reader, n[:]); err != nil {
		return n, fmt.Errorf("stream: generate nonce: %w", err)
	}
	return n, nil
}
