package contracts

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/relves/cordapps/pkg/identity"
	"github.com/relves/cordapps/pkg/ledger"
)

// AccountGroupContractID names the sweepstake group contract.
const AccountGroupContractID = "sweepstake.AccountGroup"

// GroupCommand is a command of the group contract.
type GroupCommand int

const (
	GroupCommandUnknown GroupCommand = iota
	GroupCommandIssue
	GroupCommandUpdate
)

func (c GroupCommand) String() string {
	switch c {
	case GroupCommandIssue:
		return "Issue"
	case GroupCommandUpdate:
		return "Update"
	default:
		return "Unknown"
	}
}

func parseGroupCommand(name string) GroupCommand {
	switch name {
	case "Issue":
		return GroupCommandIssue
	case "Update":
		return GroupCommandUpdate
	default:
		return GroupCommandUnknown
	}
}

// GroupCommandOf builds the ledger command for c.
func GroupCommandOf(c GroupCommand, signers ...identity.PublicKey) ledger.Command {
	return ledger.Command{Contract: AccountGroupContractID, Name: c.String(), Signers: signers}
}

// AccountGroupState bundles accounts under a group name. Owner is the key of
// whichever account was added last.
type AccountGroupState struct {
	GroupName string             `json:"group_name"`
	Members   []uuid.UUID        `json:"members"`
	Owner     identity.PublicKey `json:"owner"`
}

// NewAccountGroupState builds the ledger state for g.
func NewAccountGroupState(g AccountGroupState, participants ...identity.PublicKey) (ledger.TransactionState, error) {
	return ledger.NewState(AccountGroupContractID, g, g.Owner, participants...)
}

// DecodeAccountGroup reads an AccountGroupState.
func DecodeAccountGroup(s ledger.TransactionState) (AccountGroupState, error) {
	var g AccountGroupState
	if s.Contract != AccountGroupContractID {
		return g, fmt.Errorf("state of %s is not an account group", s.Contract)
	}
	err := s.Decode(&g)
	return g, err
}

// AccountGroupContract checks input and output counts; group membership is
// the grouping service's job.
type AccountGroupContract struct{}

func (AccountGroupContract) Verify(tx *ledger.LedgerTransaction) error {
	cmd, err := singleCommand(tx, AccountGroupContractID)
	if err != nil {
		return err
	}
	inputs := tx.InputsOf(AccountGroupContractID)
	outputs := tx.OutputsOf(AccountGroupContractID)

	switch parseGroupCommand(cmd.Name) {
	case GroupCommandIssue:
		if len(inputs) != 0 || len(outputs) != 1 {
			return violation(AccountGroupContractID, "issue must produce exactly one group from nothing")
		}
	case GroupCommandUpdate:
		if len(inputs) != 1 || len(outputs) != 1 {
			return violation(AccountGroupContractID, "update must consume one group and produce one")
		}
	default:
		return fmt.Errorf("%w: %s %q", ErrUnsupportedCommand, AccountGroupContractID, cmd.Name)
	}

	out, err := DecodeAccountGroup(outputs[0])
	if err != nil {
		return violation(AccountGroupContractID, err.Error())
	}
	return requireSigners(AccountGroupContractID, cmd, out.Owner)
}
