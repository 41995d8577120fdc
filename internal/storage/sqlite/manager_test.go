package sqlite_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/cordapps/internal/storage/sqlite"
)

func TestStoreManager_GetStore(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "sqlite-manager-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	manager := sqlite.NewStoreManager(tmpDir)
	defer manager.CloseAll()

	store1, err := manager.GetStore("bank")
	require.NoError(t, err)
	require.NotNil(t, store1)

	// Get same store again - should be cached
	store2, err := manager.GetStore("bank")
	require.NoError(t, err)
	assert.Same(t, store1, store2)
}

func TestStoreManager_MultipleStores(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "sqlite-manager-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	manager := sqlite.NewStoreManager(tmpDir)
	defer manager.CloseAll()

	store1, err := manager.GetStore("bank")
	require.NoError(t, err)

	store2, err := manager.GetStore("issuer")
	require.NoError(t, err)

	assert.NotSame(t, store1, store2)
	assert.Equal(t, "bank", store1.NodeName())
	assert.Equal(t, "issuer", store2.NodeName())
}

func TestStoreManager_CloseAll(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "sqlite-manager-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	manager := sqlite.NewStoreManager(tmpDir)

	_, err = manager.GetStore("bank")
	require.NoError(t, err)

	_, err = manager.GetStore("issuer")
	require.NoError(t, err)

	assert.NoError(t, manager.CloseAll())
}
