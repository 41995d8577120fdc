package contracts_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/cordapps/pkg/contracts"
	"github.com/relves/cordapps/pkg/identity"
	"github.com/relves/cordapps/pkg/ledger"
	"github.com/relves/cordapps/pkg/types"
)

func freshKey(t *testing.T) identity.PublicKey {
	t.Helper()
	s, err := identity.GenerateSigner()
	require.NoError(t, err)
	return s.PublicKey()
}

func groupState(t *testing.T, g contracts.AccountGroupState) ledger.TransactionState {
	t.Helper()
	s, err := contracts.NewAccountGroupState(g)
	require.NoError(t, err)
	return s
}

func TestAccountGroup_IssueAndUpdate(t *testing.T) {
	owner := freshKey(t)
	first := contracts.AccountGroupState{GroupName: "Group 1", Members: []uuid.UUID{uuid.New()}, Owner: owner}

	issue := &ledger.LedgerTransaction{
		Outputs:  []ledger.TransactionState{groupState(t, first)},
		Commands: []ledger.Command{contracts.GroupCommandOf(contracts.GroupCommandIssue, owner)},
	}
	require.NoError(t, contracts.AccountGroupContract{}.Verify(issue))

	next := first
	next.Members = append(append([]uuid.UUID(nil), first.Members...), uuid.New())
	next.Owner = freshKey(t)

	update := &ledger.LedgerTransaction{
		Inputs:   []ledger.StateAndRef{{State: groupState(t, first)}},
		Outputs:  []ledger.TransactionState{groupState(t, next)},
		Commands: []ledger.Command{contracts.GroupCommandOf(contracts.GroupCommandUpdate, next.Owner)},
	}
	require.NoError(t, contracts.AccountGroupContract{}.Verify(update))

	update.Commands = []ledger.Command{contracts.GroupCommandOf(contracts.GroupCommandUpdate, owner)}
	var v *contracts.ContractViolation
	assert.ErrorAs(t, contracts.AccountGroupContract{}.Verify(update), &v)
}

func TestAccountGroup_CountsEnforced(t *testing.T) {
	owner := freshKey(t)
	g := contracts.AccountGroupState{GroupName: "Group 1", Owner: owner}

	tx := &ledger.LedgerTransaction{
		Inputs:   []ledger.StateAndRef{{State: groupState(t, g)}},
		Outputs:  []ledger.TransactionState{groupState(t, g)},
		Commands: []ledger.Command{contracts.GroupCommandOf(contracts.GroupCommandIssue, owner)},
	}
	var v *contracts.ContractViolation
	assert.ErrorAs(t, contracts.AccountGroupContract{}.Verify(tx), &v)

	tx.Commands = []ledger.Command{{Contract: contracts.AccountGroupContractID, Name: "Split", Signers: []identity.PublicKey{owner}}}
	assert.ErrorIs(t, contracts.AccountGroupContract{}.Verify(tx), contracts.ErrUnsupportedCommand)
}

func TestLoan_Issue(t *testing.T) {
	lender := newHost(t, "lender")
	borrower := freshKey(t)
	loan := contracts.LoanState{ID: uuid.New(), Lender: lender, Borrower: borrower, Amount: 100, Asset: "GOLD"}
	state, err := contracts.NewLoanState(loan)
	require.NoError(t, err)

	tx := &ledger.LedgerTransaction{
		Outputs:  []ledger.TransactionState{state},
		Commands: []ledger.Command{contracts.LoanCommandOf(contracts.LoanCommandIssue, borrower, key(lender))},
	}
	require.NoError(t, contracts.LoanContract{}.Verify(tx))

	tx.Commands = []ledger.Command{contracts.LoanCommandOf(contracts.LoanCommandIssue, key(lender))}
	var v *contracts.ContractViolation
	assert.ErrorAs(t, contracts.LoanContract{}.Verify(tx), &v)
}

func TestLoan_RejectsNonPositiveAmount(t *testing.T) {
	lender := newHost(t, "lender")
	borrower := freshKey(t)
	state, err := contracts.NewLoanState(contracts.LoanState{ID: uuid.New(), Lender: lender, Borrower: borrower, Amount: 0, Asset: "GOLD"})
	require.NoError(t, err)

	tx := &ledger.LedgerTransaction{
		Outputs:  []ledger.TransactionState{state},
		Commands: []ledger.Command{contracts.LoanCommandOf(contracts.LoanCommandIssue, borrower, key(lender))},
	}
	var v *contracts.ContractViolation
	require.ErrorAs(t, contracts.LoanContract{}.Verify(tx), &v)
	assert.Equal(t, "amount must be positive", v.Reason)
}

func TestLoan_Repay(t *testing.T) {
	lender := newHost(t, "lender")
	borrower := freshKey(t)
	state, err := contracts.NewLoanState(contracts.LoanState{ID: uuid.New(), Lender: lender, Borrower: borrower, Amount: 5, Asset: "GOLD"})
	require.NoError(t, err)

	tx := &ledger.LedgerTransaction{
		Inputs:   []ledger.StateAndRef{{State: state}},
		Commands: []ledger.Command{contracts.LoanCommandOf(contracts.LoanCommandRepay, borrower, key(lender))},
	}
	assert.NoError(t, contracts.LoanContract{}.Verify(tx))
}

func TestVerifier_RegistersAllContracts(t *testing.T) {
	host := newHost(t, "bank")
	acct := types.Account{ID: uuid.New(), Name: "Roger", Host: host, Status: types.StatusActive}
	tx := &ledger.LedgerTransaction{
		ID:       "bafytest",
		Outputs:  []ledger.TransactionState{accountState(t, acct)},
		Commands: []ledger.Command{contracts.AccountCommandOf(contracts.AccountCommandOpen, key(host))},
	}
	assert.NoError(t, contracts.NewVerifier().Verify(tx))
}
