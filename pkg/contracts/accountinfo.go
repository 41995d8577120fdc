package contracts

import (
	"fmt"

	"github.com/relves/cordapps/pkg/identity"
	"github.com/relves/cordapps/pkg/ledger"
	"github.com/relves/cordapps/pkg/types"
)

// AccountInfoContractID names the account metadata contract.
const AccountInfoContractID = "accounts.AccountInfo"

// AccountCommand is a command of the account contract.
type AccountCommand int

const (
	AccountCommandUnknown AccountCommand = iota
	AccountCommandOpen
	AccountCommandMoveHost
)

var accountCommandNames = map[AccountCommand]string{
	AccountCommandOpen:     "Open",
	AccountCommandMoveHost: "MoveHost",
}

func (c AccountCommand) String() string {
	if name, ok := accountCommandNames[c]; ok {
		return name
	}
	return "Unknown"
}

// ParseAccountCommand maps a command name to its enum value.
func ParseAccountCommand(name string) AccountCommand {
	for c, n := range accountCommandNames {
		if n == name {
			return c
		}
	}
	return AccountCommandUnknown
}

// AccountCommandOf builds the ledger command for c.
func AccountCommandOf(c AccountCommand, signers ...identity.PublicKey) ledger.Command {
	return ledger.Command{Contract: AccountInfoContractID, Name: c.String(), Signers: signers}
}

// AccountInfoState is the on-ledger record of an account.
type AccountInfoState struct {
	Account types.Account `json:"account"`
}

// NewAccountInfoState builds the ledger state for acct. The host is the only
// participant.
func NewAccountInfoState(acct types.Account) (ledger.TransactionState, error) {
	host := identity.PublicKey(acct.Host.DID)
	return ledger.NewState(AccountInfoContractID, AccountInfoState{Account: acct}, host, host)
}

// DecodeAccountInfo reads an AccountInfoState.
func DecodeAccountInfo(s ledger.TransactionState) (AccountInfoState, error) {
	var info AccountInfoState
	if s.Contract != AccountInfoContractID {
		return info, fmt.Errorf("state of %s is not an account", s.Contract)
	}
	err := s.Decode(&info)
	return info, err
}

// AccountInfoContract guards opening accounts and moving them between hosts.
type AccountInfoContract struct{}

func (AccountInfoContract) Verify(tx *ledger.LedgerTransaction) error {
	cmd, err := singleCommand(tx, AccountInfoContractID)
	if err != nil {
		return err
	}

	inputs := tx.InputsOf(AccountInfoContractID)
	outputs := tx.OutputsOf(AccountInfoContractID)

	switch ParseAccountCommand(cmd.Name) {
	case AccountCommandOpen:
		return verifyOpen(cmd, inputs, outputs)
	case AccountCommandMoveHost:
		return verifyMoveHost(cmd, inputs, outputs)
	default:
		return fmt.Errorf("%w: %s %q", ErrUnsupportedCommand, AccountInfoContractID, cmd.Name)
	}
}

func verifyOpen(cmd ledger.Command, inputs, outputs []ledger.TransactionState) error {
	if len(inputs) != 0 || len(outputs) != 1 {
		return violation(AccountInfoContractID, "multiple/zero outputs")
	}
	info, err := DecodeAccountInfo(outputs[0])
	if err != nil {
		return violation(AccountInfoContractID, err.Error())
	}
	if info.Account.Status != types.StatusActive {
		return violation(AccountInfoContractID, "new account must be active")
	}
	host := identity.PublicKey(info.Account.Host.DID)
	if len(cmd.Signers) != 1 || cmd.Signers[0] != host {
		return violation(AccountInfoContractID, "wrong signer")
	}
	return nil
}

func verifyMoveHost(cmd ledger.Command, inputs, outputs []ledger.TransactionState) error {
	if len(inputs) != 1 || len(outputs) != 1 {
		return violation(AccountInfoContractID, "move host must consume one account and produce one")
	}
	before, err := DecodeAccountInfo(inputs[0])
	if err != nil {
		return violation(AccountInfoContractID, err.Error())
	}
	after, err := DecodeAccountInfo(outputs[0])
	if err != nil {
		return violation(AccountInfoContractID, err.Error())
	}

	if before.Account.ID != after.Account.ID || before.Account.Name != after.Account.Name {
		return violation(AccountInfoContractID, "move host cannot change account identity")
	}
	if before.Account.Status != after.Account.Status {
		return violation(AccountInfoContractID, "move host cannot change status")
	}
	if before.Account.Host.DID == after.Account.Host.DID {
		return violation(AccountInfoContractID, "host unchanged")
	}

	want := identity.NewKeySet(identity.PublicKey(before.Account.Host.DID), identity.PublicKey(after.Account.Host.DID))
	if !identity.NewKeySet(cmd.Signers...).Equal(want) {
		return violation(AccountInfoContractID, "wrong signer")
	}
	return nil
}
