package contracts

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/relves/cordapps/pkg/identity"
	"github.com/relves/cordapps/pkg/ledger"
	"github.com/relves/cordapps/pkg/types"
)

// LoanContractID names the loan book contract.
const LoanContractID = "loanbook.Loan"

// LoanCommand is a command of the loan contract.
type LoanCommand int

const (
	LoanCommandUnknown LoanCommand = iota
	LoanCommandIssue
	LoanCommandRepay
)

func (c LoanCommand) String() string {
	switch c {
	case LoanCommandIssue:
		return "Issue"
	case LoanCommandRepay:
		return "Repay"
	default:
		return "Unknown"
	}
}

func parseLoanCommand(name string) LoanCommand {
	switch name {
	case "Issue":
		return LoanCommandIssue
	case "Repay":
		return LoanCommandRepay
	default:
		return LoanCommandUnknown
	}
}

// LoanCommandOf builds the ledger command for c.
func LoanCommandOf(c LoanCommand, signers ...identity.PublicKey) ledger.Command {
	return ledger.Command{Contract: LoanContractID, Name: c.String(), Signers: signers}
}

// LoanState is an amount of an asset lent to the holder of Borrower.
type LoanState struct {
	ID       uuid.UUID          `json:"id"`
	Lender   types.Party        `json:"lender"`
	Borrower identity.PublicKey `json:"borrower"`
	Amount   int64              `json:"amount"`
	Asset    string             `json:"asset"`
}

// NewLoanState builds the ledger state for l, owned by the borrower key.
func NewLoanState(l LoanState) (ledger.TransactionState, error) {
	return ledger.NewState(LoanContractID, l, l.Borrower, l.Borrower, identity.PublicKey(l.Lender.DID))
}

// DecodeLoan reads a LoanState.
func DecodeLoan(s ledger.TransactionState) (LoanState, error) {
	var l LoanState
	if s.Contract != LoanContractID {
		return l, fmt.Errorf("state of %s is not a loan", s.Contract)
	}
	err := s.Decode(&l)
	return l, err
}

// LoanContract guards issuing and repaying loans.
type LoanContract struct{}

func (LoanContract) Verify(tx *ledger.LedgerTransaction) error {
	cmd, err := singleCommand(tx, LoanContractID)
	if err != nil {
		return err
	}
	inputs := tx.InputsOf(LoanContractID)
	outputs := tx.OutputsOf(LoanContractID)

	var loanState ledger.TransactionState
	switch parseLoanCommand(cmd.Name) {
	case LoanCommandIssue:
		if len(inputs) != 0 || len(outputs) != 1 {
			return violation(LoanContractID, "issue must produce exactly one loan")
		}
		loanState = outputs[0]
	case LoanCommandRepay:
		if len(inputs) != 1 || len(outputs) != 0 {
			return violation(LoanContractID, "repay must consume exactly one loan")
		}
		loanState = inputs[0]
	default:
		return fmt.Errorf("%w: %s %q", ErrUnsupportedCommand, LoanContractID, cmd.Name)
	}

	loan, err := DecodeLoan(loanState)
	if err != nil {
		return violation(LoanContractID, err.Error())
	}
	if loan.Amount <= 0 {
		return violation(LoanContractID, "amount must be positive")
	}
	if loan.Asset == "" {
		return violation(LoanContractID, "asset required")
	}
	return requireSigners(LoanContractID, cmd, loan.Borrower, identity.PublicKey(loan.Lender.DID))
}
