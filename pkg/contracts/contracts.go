// Package contracts holds the verification rules run by the ledger.
package contracts

import (
	"errors"
	"fmt"

	"github.com/relves/cordapps/pkg/identity"
	"github.com/relves/cordapps/pkg/ledger"
)

// ErrUnsupportedCommand is returned for command names a contract does not
// implement. It is never retried.
var ErrUnsupportedCommand = errors.New("unsupported command")

// ContractViolation is a deterministic rejection with a reason.
type ContractViolation struct {
	Contract string
	Reason   string
}

func (e *ContractViolation) Error() string {
	return fmt.Sprintf("%s: %s", e.Contract, e.Reason)
}

func violation(contract, reason string) error {
	return &ContractViolation{Contract: contract, Reason: reason}
}

// Register installs every contract of this package on v.
func Register(v *ledger.Verifier) {
	v.Register(AccountInfoContractID, AccountInfoContract{})
	v.Register(AccountGroupContractID, AccountGroupContract{})
	v.Register(LoanContractID, LoanContract{})
}

// NewVerifier returns a verifier with every contract registered.
func NewVerifier() *ledger.Verifier {
	v := ledger.NewVerifier()
	Register(v)
	return v
}

// singleCommand returns the only command addressed to contract.
func singleCommand(tx *ledger.LedgerTransaction, contract string) (ledger.Command, error) {
	cmds := tx.CommandsOf(contract)
	if len(cmds) != 1 {
		return ledger.Command{}, violation(contract, fmt.Sprintf("expected exactly one command, got %d", len(cmds)))
	}
	return cmds[0], nil
}

func requireSigners(contract string, cmd ledger.Command, keys ...identity.PublicKey) error {
	signers := identity.NewKeySet(cmd.Signers...)
	for _, k := range keys {
		if !signers.Has(k) {
			return violation(contract, fmt.Sprintf("missing signer %s", k))
		}
	}
	return nil
}
