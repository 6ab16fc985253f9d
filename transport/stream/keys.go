// Package stream implements the encrypted, length-delimited frame
// transport pairwise sync runs over (spec §4.5 "Encrypted Stream
// Transport"), grounded on internal/security's AES-GCM core — replacing
// its RSA key box with X25519 ECDH + HKDF, the key-agreement idiom
// golang.org/x/crypto ships for exactly this shape of problem — plus
// go-ethereum's secp256k1 signing primitive for the identity proof
// (go-ethereum is already a pack dependency via internal/gcl's p2p
// transport, here reused for its crypto package instead of its p2p one).
package stream

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/curve25519"
)

// X25519KeyPair is one side's ephemeral Diffie-Hellman key material.
type X25519KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateX25519KeyPair creates a fresh key pair for one session.
func GenerateX25519KeyPair() (X25519KeyPair, error) {
	var kp X25519KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return kp, fmt.Errorf("stream: generate private scalar: %w", err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return kp, fmt.Errorf("stream: derive public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SharedSecret computes the raw X25519 ECDH output for local/remote.
func SharedSecret(localPrivate, remotePublic [32]byte) ([32]byte, error) {
	var out [32]byte
	secret, err := curve25519.X25519(localPrivate[:], remotePublic[:])
	if err != nil {
		return out, fmt.Errorf("stream: X25519: %w", err)
	}
	copy(out[:], secret)
	return out, nil
}

// IdentityKey signs per-session nonces to prove ownership of a declared
// party id (spec §4.5 "Identity proof"), using go-ethereum's secp256k1
// implementation rather than hand-rolling ECDSA plumbing.
type IdentityKey struct {
	private *ecdsa.PrivateKey
}

// NewIdentityKey generates a fresh signing key.
func NewIdentityKey() (*IdentityKey, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("stream: generate identity key: %w", err)
	}
	return &IdentityKey{private: priv}, nil
}

// LoadOrCreateIdentityKey loads a hex-encoded ECDSA key from path (the
// same on-disk format go-ethereum's own node identities use), generating
// and persisting a fresh one if path does not yet exist.
func LoadOrCreateIdentityKey(path string) (*IdentityKey, error) {
	if priv, err := crypto.LoadECDSA(path); err == nil {
		return &IdentityKey{private: priv}, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stream: load identity key: %w", err)
	}

	key, err := NewIdentityKey()
	if err != nil {
		return nil, err
	}
	if err := crypto.SaveECDSA(path, key.private); err != nil {
		return nil, fmt.Errorf("stream: persist identity key: %w", err)
	}
	return key, nil
}

// PublicKeyBytes returns the uncompressed public key, the form
// VerifyNonceSignature expects from a peer's declared identity.
func (k *IdentityKey) PublicKeyBytes() []byte {
	return crypto.FromECDSAPub(&k.private.PublicKey)
}

// SignNonce signs a per-session nonce, proving possession of the private
// key behind PublicKeyBytes.
func (k *IdentityKey) SignNonce(nonce []byte) ([]byte, error) {
	hash := sha256.Sum256(nonce)
	sig, err := crypto.Sign(hash[:], k.private)
	if err != nil {
		return nil, fmt.Errorf("stream: sign nonce: %w", err)
	}
	return sig, nil
}

// VerifyNonceSignature checks that sig is a valid signature over nonce by
// the holder of publicKey (as returned by PublicKeyBytes).
func VerifyNonceSignature(publicKey, nonce, sig []byte) bool {
	if len(sig) < 64 {
		return false
	}
	hash := sha256.Sum256(nonce)
	return crypto.VerifySignature(publicKey, hash[:], sig[:64])
}
