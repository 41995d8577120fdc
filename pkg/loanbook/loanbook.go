// Package loanbook issues and repays asset loans to pseudonymous account keys.
package loanbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/relves/cordapps/pkg/accounts"
	"github.com/relves/cordapps/pkg/contracts"
	"github.com/relves/cordapps/pkg/flows"
	"github.com/relves/cordapps/pkg/identity"
	"github.com/relves/cordapps/pkg/ledger"
	"github.com/relves/cordapps/pkg/types"
)

var (
	ErrInvalidAmount = errors.New("amount must be positive")
	ErrNotALoan      = errors.New("state is not a loan")
)

// Config holds configuration for creating a Book.
type Config struct {
	Flows    *flows.Service
	Registry *accounts.Registry
	Keys     *accounts.KeyIndex

	// Asset names what is lent.
	// Default: "GOLD"
	Asset string

	// Logger for structured logging.
	// Default: slog.Default()
	Logger *slog.Logger
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Asset == "" {
		c.Asset = "GOLD"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Book is the loan book of one node.
type Book struct {
	flows    *flows.Service
	registry *accounts.Registry
	keys     *accounts.KeyIndex
	asset    string
	logger   *slog.Logger
}

// New creates a loan book.
func New(cfg Config) (*Book, error) {
	cfg.ApplyDefaults()
	if cfg.Flows == nil || cfg.Registry == nil || cfg.Keys == nil {
		return nil, fmt.Errorf("flows, registry and key index are required")
	}
	return &Book{
		flows:    cfg.Flows,
		registry: cfg.Registry,
		keys:     cfg.Keys,
		asset:    cfg.Asset,
		logger:   cfg.Logger,
	}, nil
}

// Loan is a loan state with its ledger reference and, when this node knows
// it, the borrowing account.
type Loan struct {
	contracts.LoanState
	Ref     ledger.StateRef `json:"ref"`
	Account *types.Account  `json:"account,omitempty"`
}

// IssueLoan lends amount to a fresh key of the borrower account. The
// account's host co-signs for that key.
func (b *Book) IssueLoan(ctx context.Context, borrowerAccountID uuid.UUID, amount int64) (*Loan, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	acct, err := b.registry.Require(ctx, borrowerAccountID)
	if err != nil {
		return nil, err
	}
	if !acct.Active() {
		return nil, fmt.Errorf("%w: %s", accounts.ErrInactiveAccount, acct.ID)
	}

	key, err := b.flows.KeyForAccount(ctx, *acct)
	if err != nil {
		return nil, err
	}

	self := b.flows.Self()
	loan := contracts.LoanState{
		ID:       uuid.New(),
		Lender:   self,
		Borrower: key,
		Amount:   amount,
		Asset:    b.asset,
	}
	state, err := contracts.NewLoanState(loan)
	if err != nil {
		return nil, err
	}
	tx := ledger.NewWireTransaction(b.flows.Notary()).
		AddOutput(state).
		AddCommand(contracts.LoanCommandOf(contracts.LoanCommandIssue, key, identity.PublicKey(self.DID)))

	final, err := b.flows.SignAndFinalize(ctx, tx, acct.Host)
	if err != nil {
		return nil, err
	}
	ref, err := final.Tx.OutputRef(0)
	if err != nil {
		return nil, err
	}

	b.logger.Info("loan issued", "loan", loan.ID, "account", acct.ID, "amount", amount, "asset", b.asset)
	return &Loan{LoanState: loan, Ref: ref, Account: acct}, nil
}

// Loans lists outstanding loans lent by this node or borrowed by an account
// it knows.
func (b *Book) Loans(ctx context.Context) ([]Loan, error) {
	states, err := b.flows.Ledger().Unconsumed(ctx, contracts.LoanContractID)
	if err != nil {
		return nil, err
	}

	self := b.flows.Self()
	var out []Loan
	for _, st := range states {
		loan, err := contracts.DecodeLoan(st.State)
		if err != nil {
			return nil, err
		}
		acct, err := b.keys.AccountFor(ctx, loan.Borrower)
		if err != nil {
			return nil, err
		}
		if acct == nil && loan.Lender.DID != self.DID {
			continue
		}
		out = append(out, Loan{LoanState: loan, Ref: st.Ref, Account: acct})
	}
	return out, nil
}

// RepayLoan consumes the loan at ref. The lender and the borrower's host
// both sign.
func (b *Book) RepayLoan(ctx context.Context, ref ledger.StateRef) error {
	state, err := b.flows.Ledger().ResolveState(ctx, ref)
	if err != nil {
		return err
	}
	if state.Contract != contracts.LoanContractID {
		return fmt.Errorf("%w: %s", ErrNotALoan, ref)
	}
	loan, err := contracts.DecodeLoan(*state)
	if err != nil {
		return err
	}

	counterparties := []types.Party{loan.Lender}
	acct, err := b.keys.AccountFor(ctx, loan.Borrower)
	if err != nil {
		return err
	}
	if acct != nil {
		counterparties = append(counterparties, acct.Host)
	}

	tx := ledger.NewWireTransaction(b.flows.Notary()).
		AddInput(ref).
		AddCommand(contracts.LoanCommandOf(contracts.LoanCommandRepay, loan.Borrower, identity.PublicKey(loan.Lender.DID)))

	if _, err := b.flows.SignAndFinalize(ctx, tx, counterparties...); err != nil {
		return err
	}
	b.logger.Info("loan repaid", "loan", loan.ID, "ref", ref)
	return nil
}
