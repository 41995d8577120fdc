// Package nodetest runs several nodes in one process for tests.
package nodetest

import (
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relves/cordapps/internal/storage/sqlite"
	"github.com/relves/cordapps/pkg/identity"
	"github.com/relves/cordapps/pkg/node"
	"github.com/relves/cordapps/pkg/session"
	"github.com/relves/cordapps/pkg/types"
)

// Harness is an in-process network with a notary node.
type Harness struct {
	t       *testing.T
	Network *session.Network
	Stores  *sqlite.StoreManager
	Notary  *node.Node
	Logger  *slog.Logger
}

// New starts a network whose first node is the notary.
func New(t *testing.T) *Harness {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "nodetest-*")
	require.NoError(t, err)

	h := &Harness{
		t:       t,
		Network: session.NewNetwork(),
		Stores:  sqlite.NewStoreManager(tmpDir),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	t.Cleanup(func() {
		h.Stores.CloseAll()
		os.RemoveAll(tmpDir)
	})

	h.Notary = h.start("notary", types.Party{}, nil)
	return h
}

// AddNode starts a node that finalizes through the harness notary.
func (h *Harness) AddNode(name string) *node.Node {
	h.t.Helper()
	return h.start(name, h.Notary.Party, nil)
}

// AddNodeWithConfig starts a node after letting mutate adjust its config.
func (h *Harness) AddNodeWithConfig(name string, mutate func(*node.Config)) *node.Node {
	h.t.Helper()
	return h.start(name, h.Notary.Party, mutate)
}

func (h *Harness) start(name string, notary types.Party, mutate func(*node.Config)) *node.Node {
	h.t.Helper()

	signer, err := identity.GenerateSigner()
	require.NoError(h.t, err)
	store, err := h.Stores.GetStore(name)
	require.NoError(h.t, err)

	cfg := node.Config{
		Name:      name,
		Identity:  signer,
		Store:     store,
		Messenger: h.Network.Messenger(node.PartyOf(name, signer), signer),
		Notary:    notary,
		Logger:    h.Logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	n, err := node.New(cfg)
	require.NoError(h.t, err)
	h.Network.Join(n.Router)
	return n
}
