package ledger

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/aristath/helmsman/internal/domain"
)

// Signer signs run records with an Ed25519 key. Signing is optional:
// a nil Signer leaves records unsigned and verification treats an
// absent signature as valid-but-unsigned.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSigner derives an Ed25519 keypair from a 32-byte seed.
func NewSigner(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// LoadSigner reads a signing key from disk. The file holds the 32-byte
// Ed25519 seed, either raw or hex-encoded.
func LoadSigner(path string) (*Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}

	if len(raw) == ed25519.SeedSize {
		return NewSigner(raw)
	}

	trimmed := strings.TrimSpace(string(raw))
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("signing key is neither raw nor hex-encoded seed: %w", err)
	}
	return NewSigner(decoded)
}

// Sign computes the record's signature over its canonical payload.
func (s *Signer) Sign(rec domain.RunRecord) ([]byte, error) {
	payload, err := signingPayload(rec)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(s.priv, payload), nil
}

// PublicKey returns the verification key as hex.
func (s *Signer) PublicKey() string {
	return hex.EncodeToString(s.pub)
}

// Verify checks a record's signature against a public key. Records
// without a signature verify as true when no signing is configured;
// a configured key makes missing signatures a failure.
func Verify(rec domain.RunRecord, publicKeyHex string) (bool, error) {
	if publicKeyHex == "" {
		return len(rec.Signature) == 0, nil
	}

	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return false, fmt.Errorf("decode public key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	if len(rec.Signature) == 0 {
		return false, nil
	}

	payload, err := signingPayload(rec)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(ed25519.PublicKey(pub), payload, rec.Signature), nil
}
