package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Key purposes derived from the master seed. Each purpose yields a
// distinct, deterministic ed25519 keypair.
const (
	PurposeCrossSign       = "cross-sign"
	PurposeAcknowledgement = "acknowledgement"
	PurposeCheckpoint      = "checkpoint"
	PurposeOperator        = "operator"
)

const keyringSalt = "chronicle-kdf"

// Keyring derives purpose-bound signing keys from a single master seed
// using HKDF-SHA256. The same seed always yields the same keys, so an
// instance's wire identity survives restarts.
type Keyring struct {
	seed []byte
}

// NewKeyring generates a fresh random master seed.
func NewKeyring() (*Keyring, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate master seed: %w", err)
	}
	return &Keyring{seed: seed}, nil
}

// KeyringFromSeed restores a keyring from a hex-encoded master seed.
func KeyringFromSeed(seedHex string) (*Keyring, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("invalid master seed hex: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("master seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &Keyring{seed: seed}, nil
}

// SeedHex returns the hex-encoded master seed for durable storage.
func (k *Keyring) SeedHex() string {
	return hex.EncodeToString(k.seed)
}

// Derive produces the purpose-bound signer. The purpose string is the
// HKDF info parameter, so distinct purposes never share key material.
func (k *Keyring) Derive(purpose string) (*Ed25519Signer, error) {
	if purpose == "" {
		return nil, fmt.Errorf("purpose must not be empty")
	}

	hkdfReader := hkdf.New(sha256.New, k.seed, []byte(keyringSalt), []byte(purpose))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(hkdfReader, seed); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}

	priv := ed25519.NewKeyFromSeed(seed)
	return NewEd25519SignerFromKey(priv, purpose), nil
}
