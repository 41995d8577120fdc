// Package identity holds the ed25519 keys used by nodes and accounts.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/storacha/go-ucanto/principal"
	"github.com/storacha/go-ucanto/principal/ed25519/signer"
)

// Signer signs transaction ids with an Ed25519 key.
type Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  PublicKey
	principal  principal.Signer
}

// NewSigner wraps an existing Ed25519 private key.
func NewSigner(privateKey ed25519.PrivateKey) (*Signer, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key size: got %d, want %d", len(privateKey), ed25519.PrivateKeySize)
	}

	s, err := signer.FromRaw(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create ed25519 signer: %w", err)
	}

	return &Signer{
		privateKey: privateKey,
		publicKey:  PublicKey(s.DID().String()),
		principal:  s,
	}, nil
}

// GenerateSigner creates a signer over a fresh key pair.
func GenerateSigner() (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return NewSigner(priv)
}

// Sign creates an Ed25519 signature over the given data.
func (s *Signer) Sign(data []byte) []byte {
	return ed25519.Sign(s.privateKey, data)
}

// PublicKey returns the signer's public key.
func (s *Signer) PublicKey() PublicKey {
	return s.publicKey
}

// PrivateKey returns the raw private key for persistence.
func (s *Signer) PrivateKey() ed25519.PrivateKey {
	return s.privateKey
}

// Principal returns the key as a ucanto signer for issuing invocations.
func (s *Signer) Principal() principal.Signer {
	return s.principal
}
