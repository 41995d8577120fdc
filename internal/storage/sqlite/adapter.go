package sqlite

import "github.com/relves/cordapps/internal/storage"

// Ensure NodeStore implements the storage interfaces at compile time.
var (
	_ storage.NodeStore       = (*NodeStore)(nil)
	_ storage.AccountStore    = (*NodeStore)(nil)
	_ storage.KeyStore        = (*NodeStore)(nil)
	_ storage.CheckpointStore = (*NodeStore)(nil)
)
