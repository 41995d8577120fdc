package flows_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/cordapps/pkg/contracts"
	"github.com/relves/cordapps/pkg/flows"
	"github.com/relves/cordapps/pkg/identity"
	"github.com/relves/cordapps/pkg/ledger"
	"github.com/relves/cordapps/pkg/node"
	"github.com/relves/cordapps/pkg/node/nodetest"
	"github.com/relves/cordapps/pkg/session"
	"github.com/relves/cordapps/pkg/types"
)

type cosignFixture struct {
	h       *nodetest.Harness
	a, b, c *node.Node
	keyA    identity.PublicKey
	keyC    identity.PublicKey
}

// newCosignFixture has b hold fresh keys of accounts hosted by a and c.
func newCosignFixture(t *testing.T) *cosignFixture {
	t.Helper()
	h := nodetest.New(t)
	f := &cosignFixture{
		h: h,
		a: h.AddNode("bank-a"),
		b: h.AddNode("bank-b"),
		c: h.AddNode("bank-c"),
	}
	f.keyA = requestKey(t, f.b, openAccount(t, f.a, "Anna"))
	f.keyC = requestKey(t, f.b, openAccount(t, f.c, "Carl"))
	return f
}

func (f *cosignFixture) sessions(t *testing.T, parties ...types.Party) []session.Session {
	t.Helper()
	sessions, err := f.b.Flows.OpenSessions(context.Background(), parties...)
	require.NoError(t, err)
	return sessions
}

func signers(stx *ledger.SignedTransaction) []identity.PublicKey {
	return stx.Signers().Sorted()
}

func TestCoSigner_CollectsEveryHost(t *testing.T) {
	f := newCosignFixture(t)
	ctx := context.Background()

	stx := loanTx(t, f.b, f.keyA, f.keyA, f.keyC, identityKey(f.b))
	signed, err := f.b.Flows.CoSigner().Collect(ctx, stx, f.sessions(t, f.a.Party, f.c.Party))
	require.NoError(t, err)

	want := identity.NewKeySet(f.keyA, f.keyC, identityKey(f.a), identityKey(f.c), identityKey(f.b))
	assert.Equal(t, want.Sorted(), signers(signed))
	assert.Len(t, signed.Sigs, len(want))
	require.NoError(t, signed.VerifySignatures())

	final, err := f.b.Flows.Finalize(ctx, signed)
	require.NoError(t, err)
	assert.True(t, final.Signers().Has(identity.PublicKey(f.h.Notary.Party.DID)))
}

func TestCoSigner_MissingSession(t *testing.T) {
	f := newCosignFixture(t)
	ctx := context.Background()

	cosigner := f.b.Flows.CoSigner()
	stx := loanTx(t, f.b, f.keyA, f.keyA, f.keyC, identityKey(f.b))

	flowID, err := cosigner.Start(ctx, stx)
	require.NoError(t, err)

	_, err = cosigner.Resume(ctx, flowID, f.sessions(t, f.a.Party))
	assert.ErrorIs(t, err, flows.ErrMissingSession)

	step, err := cosigner.Status(ctx, flowID)
	require.NoError(t, err)
	assert.Equal(t, flows.StepFailed, step)

	// A failed attempt stays failed.
	_, err = cosigner.Resume(ctx, flowID, f.sessions(t, f.a.Party, f.c.Party))
	assert.Error(t, err)
}

func TestCoSigner_LocalAccountsNeedNoSession(t *testing.T) {
	f := newCosignFixture(t)
	ctx := context.Background()

	own := requestKey(t, f.b, openAccount(t, f.b, "Bob"))
	stx := loanTx(t, f.b, own, own, identityKey(f.b))

	signed, err := f.b.Flows.CoSigner().Collect(ctx, stx, nil)
	require.NoError(t, err)
	assert.Equal(t, identity.NewKeySet(own, identityKey(f.b)).Sorted(), signers(signed))
}

func TestCoSigner_SignatureMismatch(t *testing.T) {
	f := newCosignFixture(t)
	ctx := context.Background()

	// b believes a stray key belongs to Anna; a cannot sign for it.
	stray, err := identity.GenerateSigner()
	require.NoError(t, err)
	anna, err := f.b.Keys.AccountFor(ctx, f.keyA)
	require.NoError(t, err)
	require.NoError(t, f.b.Keys.RecordExternalKey(ctx, stray.PublicKey(), anna.ID))

	stx := loanTx(t, f.b, f.keyA, f.keyA, stray.PublicKey(), identityKey(f.b))
	_, err = f.b.Flows.CoSigner().Collect(ctx, stx, f.sessions(t, f.a.Party))
	assert.ErrorIs(t, err, flows.ErrSignatureMismatch)
}

func TestCoSigner_ResidualSignerCollected(t *testing.T) {
	f := newCosignFixture(t)
	ctx := context.Background()

	// c's identity is required without any of c's accounts being involved.
	stx := loanTx(t, f.b, f.keyA, f.keyA, identityKey(f.c), identityKey(f.b))

	signed, err := f.b.Flows.CoSigner().Collect(ctx, stx, f.sessions(t, f.a.Party, f.c.Party))
	require.NoError(t, err)
	assert.Empty(t, signed.MissingSigners())
	assert.True(t, signed.Signers().Has(identityKey(f.c)))
}

func TestCoSigner_IncompleteSessionSet(t *testing.T) {
	f := newCosignFixture(t)
	ctx := context.Background()

	stx := loanTx(t, f.b, f.keyA, f.keyA, identityKey(f.c), identityKey(f.b))

	_, err := f.b.Flows.CoSigner().Collect(ctx, stx, f.sessions(t, f.a.Party))
	assert.ErrorIs(t, err, flows.ErrIncompleteSessionSet)

	// A key nobody can resolve can never be collected.
	unknown, err := identity.GenerateSigner()
	require.NoError(t, err)
	stx = loanTx(t, f.b, f.keyA, f.keyA, unknown.PublicKey(), identityKey(f.b))
	_, err = f.b.Flows.CoSigner().Collect(ctx, stx, f.sessions(t, f.a.Party, f.c.Party))
	assert.ErrorIs(t, err, flows.ErrIncompleteSessionSet)
}

func TestCoSigner_ResponderVeto(t *testing.T) {
	h := nodetest.New(t)
	a := h.AddNodeWithConfig("bank-a", func(cfg *node.Config) {
		cfg.CheckTransaction = func(context.Context, types.Party, *ledger.SignedTransaction) error {
			return errors.New("not today")
		}
	})
	b := h.AddNode("bank-b")
	ctx := context.Background()

	key := requestKey(t, b, openAccount(t, a, "Anna"))
	sessions, err := b.Flows.OpenSessions(ctx, a.Party)
	require.NoError(t, err)

	_, err = b.Flows.CoSigner().Collect(ctx, loanTx(t, b, key, key, identityKey(b)), sessions)
	var remote *session.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "not today")
}

func TestCoSigner_Resume(t *testing.T) {
	f := newCosignFixture(t)
	ctx := context.Background()
	cosigner := f.b.Flows.CoSigner()

	stx := loanTx(t, f.b, f.keyA, f.keyA, identityKey(f.b))
	flowID, err := cosigner.Start(ctx, stx)
	require.NoError(t, err)

	step, err := cosigner.Status(ctx, flowID)
	require.NoError(t, err)
	assert.Equal(t, flows.StepBuilding, step)

	sessions := f.sessions(t, f.a.Party)
	first, err := cosigner.Resume(ctx, flowID, sessions)
	require.NoError(t, err)

	step, err = cosigner.Status(ctx, flowID)
	require.NoError(t, err)
	assert.Equal(t, flows.StepComplete, step)

	again, err := cosigner.Resume(ctx, flowID, nil)
	require.NoError(t, err)
	assert.Equal(t, signers(first), signers(again))
}

func TestCoSigner_ResumeCancelledAttempt(t *testing.T) {
	f := newCosignFixture(t)
	cosigner := f.b.Flows.CoSigner()

	stx := loanTx(t, f.b, f.keyA, f.keyA, identityKey(f.b))
	flowID, err := cosigner.Start(context.Background(), stx)
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = cosigner.Resume(cancelled, flowID, f.sessions(t, f.a.Party))
	require.Error(t, err)

	step, err := cosigner.Status(context.Background(), flowID)
	require.NoError(t, err)
	assert.NotEqual(t, flows.StepFailed, step)

	signed, err := cosigner.Resume(context.Background(), flowID, f.sessions(t, f.a.Party))
	require.NoError(t, err)
	assert.True(t, signed.Signers().Has(f.keyA))
}

// accountInfoRef finds the current AccountInfo state of acct on n's ledger.
func accountInfoRef(t *testing.T, n *node.Node, acct types.Account) ledger.StateRef {
	t.Helper()
	states, err := n.Ledger.Unconsumed(context.Background(), contracts.AccountInfoContractID)
	require.NoError(t, err)
	for _, st := range states {
		info, err := contracts.DecodeAccountInfo(st.State)
		require.NoError(t, err)
		if info.Account.ID == acct.ID {
			return st.Ref
		}
	}
	t.Fatalf("no AccountInfo state for %s", acct.ID)
	return ledger.StateRef{}
}

func TestCoSigner_ReferencedAccountHostSigns(t *testing.T) {
	f := newCosignFixture(t)
	ctx := context.Background()

	anna, err := f.b.Keys.AccountFor(ctx, f.keyA)
	require.NoError(t, err)
	own := requestKey(t, f.b, openAccount(t, f.b, "Bob"))

	// a is required only as host of the referenced account, not through a key
	stx := loanTx(t, f.b, own, own, identityKey(f.a), identityKey(f.b))
	stx.Tx.AddReference(accountInfoRef(t, f.b, *anna))

	signed, err := f.b.Flows.CoSigner().Collect(ctx, stx, f.sessions(t, f.a.Party))
	require.NoError(t, err)
	assert.Equal(t, identity.NewKeySet(own, identityKey(f.a), identityKey(f.b)).Sorted(), signers(signed))
	require.NoError(t, signed.VerifySignatures())

	final, err := f.b.Flows.Finalize(ctx, signed)
	require.NoError(t, err)
	assert.True(t, final.Signers().Has(identity.PublicKey(f.h.Notary.Party.DID)))
}

func TestCoSigner_ReferencedHostWithoutSession(t *testing.T) {
	f := newCosignFixture(t)
	ctx := context.Background()

	anna, err := f.b.Keys.AccountFor(ctx, f.keyA)
	require.NoError(t, err)
	own := requestKey(t, f.b, openAccount(t, f.b, "Bob"))

	stx := loanTx(t, f.b, own, own, identityKey(f.a), identityKey(f.b))
	stx.Tx.AddReference(accountInfoRef(t, f.b, *anna))

	// a host planned through a reference needs a session like any other
	_, err = f.b.Flows.CoSigner().Collect(ctx, stx, f.sessions(t, f.c.Party))
	assert.ErrorIs(t, err, flows.ErrMissingSession)
}
