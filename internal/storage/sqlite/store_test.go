package sqlite_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/cordapps/internal/storage"
	"github.com/relves/cordapps/internal/storage/sqlite"
	"github.com/relves/cordapps/pkg/identity"
	"github.com/relves/cordapps/pkg/types"
)

var (
	bank  = types.Party{Name: "bank", DID: "did:key:z6MkBank"}
	other = types.Party{Name: "other", DID: "did:key:z6MkOther"}
)

func openStore(t *testing.T) *sqlite.NodeStore {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "sqlite-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := sqlite.OpenNodeStore(tmpDir, "bank")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newAccount(name string, host types.Party) types.Account {
	return types.Account{ID: uuid.New(), Name: name, Host: host, Status: types.StatusActive}
}

func TestNodeStore_OpenAndClose(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "sqlite-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	store, err := sqlite.OpenNodeStore(tmpDir, "bank")
	require.NoError(t, err)
	require.NotNil(t, store)

	dbPath := filepath.Join(tmpDir, "nodes", "bank", "node.db")
	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file should exist")
	assert.Equal(t, dbPath, store.DBPath())

	assert.NoError(t, store.Close())
}

func TestNodeStore_OpenExisting(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "sqlite-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	ctx := context.Background()
	acct := newAccount("Roger", bank)

	store1, err := sqlite.OpenNodeStore(tmpDir, "bank")
	require.NoError(t, err)
	require.NoError(t, store1.CreateAccount(ctx, acct))
	require.NoError(t, store1.Close())

	store2, err := sqlite.OpenNodeStore(tmpDir, "bank")
	require.NoError(t, err)
	defer store2.Close()

	got, err := store2.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, acct, *got)
}

func TestNodeStore_CreateAccount(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	acct := newAccount("Roger", bank)
	require.NoError(t, store.CreateAccount(ctx, acct))

	got, err := store.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, acct, *got)

	byName, err := store.GetAccountByName(ctx, bank.DID, "Roger")
	require.NoError(t, err)
	assert.Equal(t, acct.ID, byName.ID)
}

func TestNodeStore_CreateAccount_DuplicateName(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateAccount(ctx, newAccount("Roger", bank)))

	err := store.CreateAccount(ctx, newAccount("Roger", bank))
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	// Names only need to be unique per host.
	assert.NoError(t, store.CreateAccount(ctx, newAccount("Roger", other)))
}

func TestNodeStore_GetAccount_NotFound(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	_, err := store.GetAccount(ctx, uuid.New())
	assert.ErrorIs(t, err, sqlite.ErrNotFound)

	_, err = store.GetAccountByName(ctx, bank.DID, "nobody")
	assert.ErrorIs(t, err, sqlite.ErrNotFound)
}

func TestNodeStore_UpsertAccount(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	acct := newAccount("Roger", other)
	require.NoError(t, store.UpsertAccount(ctx, acct))
	require.NoError(t, store.UpsertAccount(ctx, acct))

	all, err := store.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	acct.Host = bank
	require.NoError(t, store.UpsertAccount(ctx, acct))

	got, err := store.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, bank, got.Host)
}

func TestNodeStore_ListAccountsByHost(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	a := newAccount("a", bank)
	b := newAccount("b", bank)
	c := newAccount("c", other)
	for _, acct := range []types.Account{a, b, c} {
		require.NoError(t, store.CreateAccount(ctx, acct))
	}

	hosted, err := store.ListAccountsByHost(ctx, bank.DID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.Account{a, b}, hosted)

	all, err := store.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestNodeStore_SetAccountStatus(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	acct := newAccount("Roger", bank)
	require.NoError(t, store.CreateAccount(ctx, acct))
	require.NoError(t, store.SetAccountStatus(ctx, acct.ID, types.StatusInactive))

	got, err := store.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusInactive, got.Status)

	err = store.SetAccountStatus(ctx, uuid.New(), types.StatusInactive)
	assert.ErrorIs(t, err, sqlite.ErrNotFound)
}

func TestNodeStore_Keys(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	acct := newAccount("Roger", bank)
	require.NoError(t, store.CreateAccount(ctx, acct))

	signer, err := identity.GenerateSigner()
	require.NoError(t, err)

	local := storage.KeyRecord{Key: signer.PublicKey(), AccountID: acct.ID, PrivateKey: signer.PrivateKey()}
	external := storage.KeyRecord{Key: "did:key:z6MkExternal", AccountID: acct.ID}
	require.NoError(t, store.PutKey(ctx, local))
	require.NoError(t, store.PutKey(ctx, external))

	got, err := store.GetKey(ctx, signer.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, acct.ID, got.AccountID)
	assert.True(t, got.Local())
	assert.Equal(t, []byte(signer.PrivateKey()), got.PrivateKey)

	ext, err := store.GetKey(ctx, "did:key:z6MkExternal")
	require.NoError(t, err)
	assert.False(t, ext.Local())

	keys, err := store.KeysForAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	err = store.PutKey(ctx, external)
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	_, err = store.GetKey(ctx, "did:key:z6MkMissing")
	assert.ErrorIs(t, err, sqlite.ErrNotFound)
}

func TestNodeStore_SetPrivateKey(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	acct := newAccount("Roger", bank)
	require.NoError(t, store.CreateAccount(ctx, acct))
	signer, err := identity.GenerateSigner()
	require.NoError(t, err)
	require.NoError(t, store.PutKey(ctx, storage.KeyRecord{Key: signer.PublicKey(), AccountID: acct.ID}))

	require.NoError(t, store.SetPrivateKey(ctx, signer.PublicKey(), signer.PrivateKey()))
	got, err := store.GetKey(ctx, signer.PublicKey())
	require.NoError(t, err)
	assert.True(t, got.Local())

	require.NoError(t, store.SetPrivateKey(ctx, signer.PublicKey(), nil))
	got, err = store.GetKey(ctx, signer.PublicKey())
	require.NoError(t, err)
	assert.False(t, got.Local())
	assert.Equal(t, acct.ID, got.AccountID)

	err = store.SetPrivateKey(ctx, "did:key:z6MkMissing", nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestNodeStore_Observers(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	acct := newAccount("Roger", bank)
	require.NoError(t, store.CreateAccount(ctx, acct))

	none, err := store.ObserversOf(ctx, acct.ID)
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, store.AddObserver(ctx, acct.ID, other))
	require.NoError(t, store.AddObserver(ctx, acct.ID, other))

	observers, err := store.ObserversOf(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, []types.Party{other}, observers)
}

func TestNodeStore_KeyRequiresAccount(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	err := store.PutKey(ctx, storage.KeyRecord{Key: "did:key:z6MkOrphan", AccountID: uuid.New()})
	assert.Error(t, err)
}

func TestNodeStore_Checkpoints(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	flowID := uuid.New()
	require.NoError(t, store.SaveCheckpoint(ctx, storage.Checkpoint{
		FlowID: flowID,
		Step:   "LOCALLY_SIGNED",
		Tx:     []byte(`{"tx":{}}`),
	}))

	cp, err := store.GetCheckpoint(ctx, flowID)
	require.NoError(t, err)
	assert.Equal(t, "LOCALLY_SIGNED", cp.Step)
	assert.Empty(t, cp.Collected)

	require.NoError(t, store.SaveCheckpoint(ctx, storage.Checkpoint{
		FlowID:    flowID,
		Step:      "COLLECTING_REMOTE",
		Tx:        []byte(`{"tx":{}}`),
		Collected: []string{other.DID},
	}))

	cp, err = store.GetCheckpoint(ctx, flowID)
	require.NoError(t, err)
	assert.Equal(t, "COLLECTING_REMOTE", cp.Step)
	assert.Equal(t, []string{other.DID}, cp.Collected)

	all, err := store.ListCheckpoints(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, store.DeleteCheckpoint(ctx, flowID))
	_, err = store.GetCheckpoint(ctx, flowID)
	assert.ErrorIs(t, err, sqlite.ErrNotFound)
}
