package signing

import (
	"errors"
	"testing"
)

func TestSigner_Integrity(t *testing.T) {
	signer, err := NewEd25519Signer("key-1")
	if err != nil {
		t.Fatalf("Failed to create signer: %v", err)
	}

	body := []byte(`{"target":"abc","currhash":"sha256:00"}`)

	// 1. Sign
	sig, err := SignDetached(signer, body)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if sig == "" {
		t.Error("Signature empty")
	}

	// 2. Verify valid
	if err := VerifyDetached(signer.PublicKey(), sig, body); err != nil {
		t.Errorf("Valid body rejected: %v", err)
	}

	// 3. Re-encoded body still verifies (canonical form is signed)
	reordered := []byte(`{"currhash": "sha256:00", "target": "abc"}`)
	if err := VerifyDetached(signer.PublicKey(), sig, reordered); err != nil {
		t.Errorf("Canonically equal body rejected: %v", err)
	}

	// 4. Verify tampered
	tampered := []byte(`{"target":"abc","currhash":"sha256:ff"}`)
	err = VerifyDetached(signer.PublicKey(), sig, tampered)
	if !errors.Is(err, ErrVerification) {
		t.Errorf("Tampered body accepted: %v", err)
	}
}

func TestVerifyRejectsMalformedInputs(t *testing.T) {
	signer, err := NewEd25519Signer("key-1")
	if err != nil {
		t.Fatalf("Failed to create signer: %v", err)
	}

	if err := VerifyDetached("zz-not-hex", "00", []byte(`{}`)); err == nil {
		t.Error("Malformed public key accepted")
	}
	if err := VerifyDetached(signer.PublicKey(), "zz-not-hex", []byte(`{}`)); err == nil {
		t.Error("Malformed signature accepted")
	}
	if err := VerifyDetached(signer.PublicKey(), "00", []byte(`not json`)); err == nil {
		t.Error("Malformed body accepted")
	}
	if err := VerifyDetached("0badc0de", "00", []byte(`{}`)); err == nil {
		t.Error("Truncated public key accepted")
	}
}

func TestKeyringDerivation(t *testing.T) {
	kr, err := NewKeyring()
	if err != nil {
		t.Fatalf("Failed to create keyring: %v", err)
	}

	restored, err := KeyringFromSeed(kr.SeedHex())
	if err != nil {
		t.Fatalf("Failed to restore keyring: %v", err)
	}

	a, err := kr.Derive(PurposeCrossSign)
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}
	b, err := restored.Derive(PurposeCrossSign)
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}

	// Same seed and purpose must give the same key.
	if a.PublicKey() != b.PublicKey() {
		t.Error("Derivation is not deterministic across restarts")
	}

	// Distinct purposes must not share key material.
	ack, err := kr.Derive(PurposeAcknowledgement)
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}
	if ack.PublicKey() == a.PublicKey() {
		t.Error("Purpose keys collide")
	}

	if _, err := kr.Derive(""); err == nil {
		t.Error("Empty purpose accepted")
	}
}

func TestKeyringFromSeedValidation(t *testing.T) {
	if _, err := KeyringFromSeed("zz"); err == nil {
		t.Error("Non-hex seed accepted")
	}
	if _, err := KeyringFromSeed("0badc0de"); err == nil {
		t.Error("Short seed accepted")
	}
}
