package identity

import (
	"crypto/ed25519"
	"fmt"
	"sort"

	"github.com/storacha/go-ucanto/principal/ed25519/verifier"
)

// PublicKey is an Ed25519 public key in did:key form. The string doubles as
// the key's stable hash in indexes.
type PublicKey string

// PublicKeyFromRaw encodes a raw Ed25519 public key.
func PublicKeyFromRaw(raw ed25519.PublicKey) (PublicKey, error) {
	v, err := verifier.FromRaw(raw)
	if err != nil {
		return "", fmt.Errorf("failed to create verifier: %w", err)
	}
	return PublicKey(v.DID().String()), nil
}

// Raw decodes the key back to Ed25519 bytes.
func (k PublicKey) Raw() (ed25519.PublicKey, error) {
	v, err := verifier.Parse(string(k))
	if err != nil {
		return nil, fmt.Errorf("failed to parse key %q: %w", string(k), err)
	}
	return ed25519.PublicKey(v.Raw()), nil
}

func (k PublicKey) String() string {
	return string(k)
}

// Verify checks sig over data. Malformed keys never verify.
func (k PublicKey) Verify(data, sig []byte) bool {
	raw, err := k.Raw()
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(raw, data, sig)
}

// KeySet is a set of public keys.
type KeySet map[PublicKey]struct{}

// NewKeySet builds a set from keys.
func NewKeySet(keys ...PublicKey) KeySet {
	s := make(KeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

func (s KeySet) Add(k PublicKey) {
	s[k] = struct{}{}
}

func (s KeySet) Has(k PublicKey) bool {
	_, ok := s[k]
	return ok
}

// Equal reports whether both sets hold exactly the same keys.
func (s KeySet) Equal(o KeySet) bool {
	if len(s) != len(o) {
		return false
	}
	for k := range s {
		if !o.Has(k) {
			return false
		}
	}
	return true
}

// Sorted returns the keys in lexical order.
func (s KeySet) Sorted() []PublicKey {
	out := make([]PublicKey, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
