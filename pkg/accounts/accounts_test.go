package accounts_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/cordapps/internal/storage/sqlite"
	"github.com/relves/cordapps/pkg/accounts"
	"github.com/relves/cordapps/pkg/contracts"
	"github.com/relves/cordapps/pkg/identity"
	"github.com/relves/cordapps/pkg/ledger"
	"github.com/relves/cordapps/pkg/types"
)

type fixture struct {
	self     types.Party
	identity *identity.Signer
	vault    *ledger.Vault
	registry *accounts.Registry
	keys     *accounts.KeyIndex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "accounts-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := sqlite.OpenNodeStore(tmpDir, "bank")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	notarySigner, err := identity.GenerateSigner()
	require.NoError(t, err)
	notary := types.Party{Name: "notary", DID: notarySigner.PublicKey().String()}
	vault, err := ledger.NewVault(ledger.VaultConfig{
		Notary:   notarySigner,
		Party:    notary,
		Verifier: contracts.NewVerifier(),
	})
	require.NoError(t, err)

	id, err := identity.GenerateSigner()
	require.NoError(t, err)
	self := types.Party{Name: "bank", DID: id.PublicKey().String()}

	registry, err := accounts.NewRegistry(accounts.RegistryConfig{
		Identity: id,
		Self:     self,
		Store:    store,
		Ledger:   vault,
		Notary:   notary,
	})
	require.NoError(t, err)

	keys, err := accounts.NewKeyIndex(accounts.KeyIndexConfig{
		Store:    store,
		Registry: registry,
	})
	require.NoError(t, err)

	return &fixture{self: self, identity: id, vault: vault, registry: registry, keys: keys}
}

func foreignAccount(t *testing.T, name string) types.Account {
	t.Helper()
	s, err := identity.GenerateSigner()
	require.NoError(t, err)
	return types.Account{
		ID:     uuid.New(),
		Name:   name,
		Host:   types.Party{Name: "elsewhere", DID: s.PublicKey().String()},
		Status: types.StatusActive,
	}
}

func TestRegistry_OpenAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	acct, err := f.registry.OpenAccount(ctx, "Roger")
	require.NoError(t, err)
	assert.Equal(t, "Roger", acct.Name)
	assert.Equal(t, f.self, acct.Host)
	assert.Equal(t, types.StatusActive, acct.Status)

	byID, err := f.registry.LookupByID(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, acct, byID)

	byName, err := f.registry.LookupByName(ctx, "Roger")
	require.NoError(t, err)
	assert.Equal(t, acct, byName)

	hosted, err := f.registry.AccountsHostedByMe(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.Account{*acct}, hosted)

	states, err := f.vault.Unconsumed(ctx, contracts.AccountInfoContractID)
	require.NoError(t, err)
	require.Len(t, states, 1)
	info, err := contracts.DecodeAccountInfo(states[0].State)
	require.NoError(t, err)
	assert.Equal(t, *acct, info.Account)
}

func TestRegistry_OpenAccount_Duplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.registry.OpenAccount(ctx, "Roger")
	require.NoError(t, err)

	_, err = f.registry.OpenAccount(ctx, "Roger")
	assert.ErrorIs(t, err, accounts.ErrDuplicateAccount)
}

func TestRegistry_LookupMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	acct, err := f.registry.LookupByID(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, acct)

	acct, err = f.registry.LookupByName(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, acct)

	_, err = f.registry.Require(ctx, uuid.New())
	assert.ErrorIs(t, err, accounts.ErrUnknownAccount)
}

func TestRegistry_Deactivate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	acct, err := f.registry.OpenAccount(ctx, "Roger")
	require.NoError(t, err)

	// Warm the cache so deactivation has something to purge.
	_, err = f.registry.LookupByID(ctx, acct.ID)
	require.NoError(t, err)

	require.NoError(t, f.registry.Deactivate(ctx, acct.ID))
	require.NoError(t, f.registry.Deactivate(ctx, acct.ID))

	got, err := f.registry.LookupByID(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusInactive, got.Status)

	err = f.registry.Deactivate(ctx, uuid.New())
	assert.ErrorIs(t, err, accounts.ErrUnknownAccount)
}

func TestRegistry_RecordSharedAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	shared := foreignAccount(t, "Anna")
	require.NoError(t, f.registry.RecordSharedAccount(ctx, shared))
	require.NoError(t, f.registry.RecordSharedAccount(ctx, shared))

	all, err := f.registry.AllKnownAccounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.Account{shared}, all)

	hosted, err := f.registry.AccountsHostedByMe(ctx)
	require.NoError(t, err)
	assert.Empty(t, hosted)

	// A share naming this node as host makes the account hosted here.
	shared.Host = f.self
	require.NoError(t, f.registry.RecordSharedAccount(ctx, shared))
	hosted, err = f.registry.AccountsHostedByMe(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.Account{shared}, hosted)
}
