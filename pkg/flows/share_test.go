package flows_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/cordapps/pkg/accounts"
	"github.com/relves/cordapps/pkg/flows"
	"github.com/relves/cordapps/pkg/node/nodetest"
	"github.com/relves/cordapps/pkg/session"
	"github.com/relves/cordapps/pkg/types"
)

func TestShareAccountInfo_Idempotent(t *testing.T) {
	h := nodetest.New(t)
	a := h.AddNode("bank-a")
	b := h.AddNode("bank-b")
	ctx := context.Background()

	roger := openAccount(t, a, "Roger")

	require.NoError(t, a.Flows.ShareAccountInfo(ctx, roger.ID, b.Party))
	require.NoError(t, a.Flows.ShareAccountInfo(ctx, roger.ID, b.Party))

	known, err := b.Registry.AllKnownAccounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.Account{roger}, known)

	hosted, err := b.Registry.AccountsHostedByMe(ctx)
	require.NoError(t, err)
	assert.Empty(t, hosted)
}

func TestShareAccountInfo_PropagatesDeactivation(t *testing.T) {
	h := nodetest.New(t)
	a := h.AddNode("bank-a")
	b := h.AddNode("bank-b")
	ctx := context.Background()

	roger := openAccount(t, a, "Roger")
	require.NoError(t, a.Flows.ShareAccountInfo(ctx, roger.ID, b.Party))

	// Cache the shared copy on b before it changes.
	cached, err := b.Registry.LookupByID(ctx, roger.ID)
	require.NoError(t, err)
	require.True(t, cached.Active())

	require.NoError(t, a.Registry.Deactivate(ctx, roger.ID))
	require.NoError(t, a.Flows.ShareAccountInfo(ctx, roger.ID, b.Party))

	got, err := b.Registry.LookupByID(ctx, roger.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusInactive, got.Status)
}

func TestShareAccountInfo_OnlyHostShares(t *testing.T) {
	h := nodetest.New(t)
	a := h.AddNode("bank-a")
	b := h.AddNode("bank-b")
	c := h.AddNode("bank-c")
	ctx := context.Background()

	roger := openAccount(t, a, "Roger")
	require.NoError(t, a.Flows.ShareAccountInfo(ctx, roger.ID, b.Party))

	err := b.Flows.ShareAccountInfo(ctx, roger.ID, c.Party)
	assert.ErrorIs(t, err, accounts.ErrNotHost)

	// A forged push from a node that does not host the account is refused.
	sessions, err := b.Flows.OpenSessions(ctx, c.Party)
	require.NoError(t, err)
	err = sessions[0].Send(ctx, flows.ProtocolShare, map[string]any{"account": roger})
	var remote *session.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, flows.ErrUnauthorisedShare.Error())

	acct, err := c.Registry.LookupByID(ctx, roger.ID)
	require.NoError(t, err)
	assert.Nil(t, acct)
}

func TestShareAccountInfo_UnknownAccount(t *testing.T) {
	h := nodetest.New(t)
	a := h.AddNode("bank-a")
	b := h.AddNode("bank-b")

	err := a.Flows.ShareAccountInfo(context.Background(), openAccount(t, b, "Roger").ID, b.Party)
	assert.ErrorIs(t, err, accounts.ErrUnknownAccount)
}

func TestShareAccountInfo_HostChangeNeedsLedgerMove(t *testing.T) {
	h := nodetest.New(t)
	a := h.AddNode("bank-a")
	b := h.AddNode("bank-b")
	c := h.AddNode("bank-c")
	ctx := context.Background()

	roger := openAccount(t, a, "Roger")
	require.NoError(t, a.Flows.ShareAccountInfo(ctx, roger.ID, b.Party))

	// a claims the account moved to c, but the ledger still says a.
	claimed := roger
	claimed.Host = c.Party
	sessions, err := a.Flows.OpenSessions(ctx, b.Party)
	require.NoError(t, err)
	err = sessions[0].Send(ctx, flows.ProtocolShare, map[string]any{"account": claimed})
	var remote *session.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, flows.ErrUnauthorisedShare.Error())

	got, err := b.Registry.LookupByID(ctx, roger.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Party, got.Host)

	// Keys only travel with a finished move.
	err = sessions[0].Send(ctx, flows.ProtocolShare, map[string]any{
		"account": roger,
		"keys":    []accounts.KeyHandover{{Key: identityKey(a), PrivateKey: a.Identity.PrivateKey()}},
	})
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, flows.ErrUnauthorisedShare.Error())
}
