// Package ledgerdb opens the on-disk datastore behind a notary's vault.
package ledgerdb

import (
	"fmt"
	"os"
	"path/filepath"

	leveldb "github.com/ipfs/go-ds-leveldb"
)

// Dir returns where nodeName keeps its ledger under basePath.
func Dir(basePath, nodeName string) string {
	return filepath.Join(basePath, "nodes", nodeName, "ledger")
}

// Open opens, creating if needed, the ledger datastore of nodeName.
// The caller closes it.
func Open(basePath, nodeName string) (*leveldb.Datastore, error) {
	dir := Dir(basePath, nodeName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	ds, err := leveldb.NewDatastore(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open ledger datastore: %w", err)
	}
	return ds, nil
}
