package flows_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/relves/cordapps/pkg/contracts"
	"github.com/relves/cordapps/pkg/identity"
	"github.com/relves/cordapps/pkg/ledger"
	"github.com/relves/cordapps/pkg/node"
	"github.com/relves/cordapps/pkg/types"
)

func openAccount(t *testing.T, n *node.Node, name string) types.Account {
	t.Helper()
	acct, err := n.Registry.OpenAccount(context.Background(), name)
	require.NoError(t, err)
	return *acct
}

// requestKey has from obtain a fresh key for acct from its host.
func requestKey(t *testing.T, from *node.Node, acct types.Account) identity.PublicKey {
	t.Helper()
	key, err := from.Flows.KeyForAccount(context.Background(), acct)
	require.NoError(t, err)
	return key
}

// loanTx builds an unsigned loan issue lent by lender to borrower.
func loanTx(t *testing.T, lender *node.Node, borrower identity.PublicKey, signers ...identity.PublicKey) *ledger.SignedTransaction {
	t.Helper()
	state, err := contracts.NewLoanState(contracts.LoanState{
		ID:       uuid.New(),
		Lender:   lender.Party,
		Borrower: borrower,
		Amount:   10,
		Asset:    "GOLD",
	})
	require.NoError(t, err)
	tx := ledger.NewWireTransaction(lender.Flows.Notary()).
		AddOutput(state).
		AddCommand(contracts.LoanCommandOf(contracts.LoanCommandIssue, signers...))
	return ledger.NewSignedTransaction(tx)
}

func identityKey(n *node.Node) identity.PublicKey {
	return identity.PublicKey(n.Party.DID)
}
