package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/relves/cordapps/pkg/types"
)

// ErrUnknownContract is returned when a transaction names a contract that has
// no registered verification rule.
var ErrUnknownContract = errors.New("unknown contract")

// Contract is a pure verification rule. It must be deterministic and have no
// side effects.
type Contract interface {
	Verify(tx *LedgerTransaction) error
}

// ContractFunc adapts a function to Contract.
type ContractFunc func(tx *LedgerTransaction) error

func (f ContractFunc) Verify(tx *LedgerTransaction) error {
	return f(tx)
}

// LedgerTransaction is a transaction with its inputs and references resolved.
type LedgerTransaction struct {
	ID         string
	Inputs     []StateAndRef
	References []StateAndRef
	Outputs    []TransactionState
	Commands   []Command
	Notary     types.Party
}

// InputsOf returns the input states of contract.
func (tx *LedgerTransaction) InputsOf(contract string) []TransactionState {
	var out []TransactionState
	for _, in := range tx.Inputs {
		if in.State.Contract == contract {
			out = append(out, in.State)
		}
	}
	return out
}

// OutputsOf returns the output states of contract.
func (tx *LedgerTransaction) OutputsOf(contract string) []TransactionState {
	var out []TransactionState
	for _, o := range tx.Outputs {
		if o.Contract == contract {
			out = append(out, o)
		}
	}
	return out
}

// CommandsOf returns the commands addressed to contract.
func (tx *LedgerTransaction) CommandsOf(contract string) []Command {
	var out []Command
	for _, c := range tx.Commands {
		if c.Contract == contract {
			out = append(out, c)
		}
	}
	return out
}

// contracts returns every contract named by a state or command, sorted.
func (tx *LedgerTransaction) contracts() []string {
	seen := make(map[string]struct{})
	for _, in := range tx.Inputs {
		seen[in.State.Contract] = struct{}{}
	}
	for _, o := range tx.Outputs {
		seen[o.Contract] = struct{}{}
	}
	for _, c := range tx.Commands {
		seen[c.Contract] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Verifier runs the registered contracts against a transaction.
type Verifier struct {
	mu        sync.RWMutex
	contracts map[string]Contract
}

// NewVerifier creates an empty verifier.
func NewVerifier() *Verifier {
	return &Verifier{
		contracts: make(map[string]Contract),
	}
}

// Register installs the rule for contract, replacing any previous one.
func (v *Verifier) Register(contract string, c Contract) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.contracts[contract] = c
}

// Verify runs every contract the transaction touches. Reference states are
// not verified by their own contracts.
func (v *Verifier) Verify(tx *LedgerTransaction) error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	for _, name := range tx.contracts() {
		c, ok := v.contracts[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownContract, name)
		}
		if err := c.Verify(tx); err != nil {
			return fmt.Errorf("contract %s rejected transaction %s: %w", name, tx.ID, err)
		}
	}
	return nil
}
