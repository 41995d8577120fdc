package ledger

import (
	"errors"
	"fmt"

	"github.com/relves/cordapps/pkg/identity"
)

var (
	// ErrInvalidSignature is returned when a signature does not verify
	// against the transaction id.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrMissingSignatures is returned when required signers have not signed.
	ErrMissingSignatures = errors.New("missing signatures")
)

// TransactionSignature is a signature by one key over the transaction id.
type TransactionSignature struct {
	By        identity.PublicKey `json:"by"`
	Signature []byte             `json:"signature"`
}

// SignedTransaction is a transaction plus the signatures collected so far.
type SignedTransaction struct {
	Tx   WireTransaction        `json:"tx"`
	Sigs []TransactionSignature `json:"sigs"`
}

// NewSignedTransaction wraps tx with no signatures.
func NewSignedTransaction(tx *WireTransaction) *SignedTransaction {
	return &SignedTransaction{Tx: *tx}
}

// ID returns the transaction id.
func (s *SignedTransaction) ID() (string, error) {
	return s.Tx.ID()
}

// SignWith signs the transaction id with signer and returns the signature
// without attaching it.
func (s *SignedTransaction) SignWith(signer func(data []byte) ([]byte, error), key identity.PublicKey) (TransactionSignature, error) {
	id, err := s.ID()
	if err != nil {
		return TransactionSignature{}, err
	}
	sig, err := signer([]byte(id))
	if err != nil {
		return TransactionSignature{}, fmt.Errorf("failed to sign with %s: %w", key, err)
	}
	return TransactionSignature{By: key, Signature: sig}, nil
}

// WithSignatures returns a copy with sigs appended. A key that already signed
// keeps its first signature.
func (s *SignedTransaction) WithSignatures(sigs ...TransactionSignature) *SignedTransaction {
	out := &SignedTransaction{
		Tx:   s.Tx,
		Sigs: append([]TransactionSignature(nil), s.Sigs...),
	}
	have := out.Signers()
	for _, sig := range sigs {
		if have.Has(sig.By) {
			continue
		}
		have.Add(sig.By)
		out.Sigs = append(out.Sigs, sig)
	}
	return out
}

// Signers is the set of keys that have signed.
func (s *SignedTransaction) Signers() identity.KeySet {
	set := identity.NewKeySet()
	for _, sig := range s.Sigs {
		set.Add(sig.By)
	}
	return set
}

// RequiredSigners is the union of all command signers.
func (s *SignedTransaction) RequiredSigners() identity.KeySet {
	return s.Tx.RequiredSigners()
}

// MissingSigners returns the required signers that have not signed yet,
// ignoring the keys in exclude.
func (s *SignedTransaction) MissingSigners(exclude ...identity.PublicKey) identity.KeySet {
	signed := s.Signers()
	skip := identity.NewKeySet(exclude...)
	missing := identity.NewKeySet()
	for k := range s.RequiredSigners() {
		if !signed.Has(k) && !skip.Has(k) {
			missing.Add(k)
		}
	}
	return missing
}

// VerifySignatures checks every attached signature against the id.
func (s *SignedTransaction) VerifySignatures() error {
	id, err := s.ID()
	if err != nil {
		return err
	}
	return VerifySignatures(id, s.Sigs)
}

// VerifyRequiredSignatures checks attached signatures and that no required
// signer other than those in exclude is missing.
func (s *SignedTransaction) VerifyRequiredSignatures(exclude ...identity.PublicKey) error {
	if err := s.VerifySignatures(); err != nil {
		return err
	}
	if missing := s.MissingSigners(exclude...); len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrMissingSignatures, missing.Sorted())
	}
	return nil
}

// VerifySignatures checks sigs against a transaction id.
func VerifySignatures(txID string, sigs []TransactionSignature) error {
	for _, sig := range sigs {
		if !sig.By.Verify([]byte(txID), sig.Signature) {
			return fmt.Errorf("%w: by %s on %s", ErrInvalidSignature, sig.By, txID)
		}
	}
	return nil
}
