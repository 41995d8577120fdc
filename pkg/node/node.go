// Package node wires the services of a single node together.
package node

import (
	"fmt"
	"log/slog"

	"github.com/ipfs/go-datastore"

	"github.com/relves/cordapps/internal/storage"
	"github.com/relves/cordapps/pkg/accounts"
	"github.com/relves/cordapps/pkg/contracts"
	"github.com/relves/cordapps/pkg/flows"
	"github.com/relves/cordapps/pkg/identity"
	"github.com/relves/cordapps/pkg/ledger"
	"github.com/relves/cordapps/pkg/loanbook"
	"github.com/relves/cordapps/pkg/session"
	"github.com/relves/cordapps/pkg/sweepstake"
	"github.com/relves/cordapps/pkg/types"
)

// Config holds configuration for creating a Node.
type Config struct {
	// Name is the human readable node name.
	Name string

	// Identity is the node's signing key.
	Identity *identity.Signer

	// Store holds accounts, keys and checkpoints.
	Store storage.NodeStore

	// Messenger reaches the other nodes.
	Messenger session.Messenger

	// Peers may invoke this node's protocols. Invocations from any other
	// party are rejected.
	Peers []types.Party

	// Notary names the notarising node. When it is this node a Vault is
	// created and served to peers.
	// Default: this node
	Notary types.Party

	// LedgerStore backs the Vault when this node is the notary.
	// Default: in-memory
	LedgerStore datastore.Batching

	// Ledger overrides the ledger flows finalize through.
	// Default: a local Vault or a RemoteLedger to Notary
	Ledger ledger.Ledger

	// CheckTransaction is consulted before co-signing for a peer.
	CheckTransaction flows.TransactionCheck

	// Asset lent by the loan book.
	// Default: "GOLD"
	Asset string

	// Logger for structured logging.
	// Default: slog.Default()
	Logger *slog.Logger
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Notary.DID == "" && c.Identity != nil {
		c.Notary = PartyOf(c.Name, c.Identity)
	}
}

// PartyOf returns the party of a node called name with identity signer.
func PartyOf(name string, signer *identity.Signer) types.Party {
	return types.Party{Name: name, DID: signer.PublicKey().String()}
}

// Node is a running set of services sharing one identity.
type Node struct {
	Party      types.Party
	Identity   *identity.Signer
	Router     *session.Router
	Ledger     ledger.Ledger
	Vault      *ledger.Vault
	Registry   *accounts.Registry
	Keys       *accounts.KeyIndex
	Flows      *flows.Service
	Loans      *loanbook.Book
	Sweepstake *sweepstake.Service
}

// New builds a node and registers every responder on its router.
func New(cfg Config) (*Node, error) {
	cfg.ApplyDefaults()
	if cfg.Name == "" || cfg.Identity == nil {
		return nil, fmt.Errorf("name and identity are required")
	}
	if cfg.Store == nil || cfg.Messenger == nil {
		return nil, fmt.Errorf("store and messenger are required")
	}

	self := PartyOf(cfg.Name, cfg.Identity)
	logger := cfg.Logger.With("node", cfg.Name)
	n := &Node{
		Party:    self,
		Identity: cfg.Identity,
		Router:   session.NewRouter(self, cfg.Identity, logger),
		Ledger:   cfg.Ledger,
	}
	n.Router.Allow(cfg.Peers...)

	if cfg.Notary.DID == self.DID {
		vault, err := ledger.NewVault(ledger.VaultConfig{
			Notary:    cfg.Identity,
			Party:     self,
			Datastore: cfg.LedgerStore,
			Verifier:  contracts.NewVerifier(),
			Logger:    logger.With("component", "vault"),
		})
		if err != nil {
			return nil, err
		}
		n.Vault = vault
		ledger.ServeLedger(n.Router, vault)
		if n.Ledger == nil {
			n.Ledger = vault
		}
	}
	if n.Ledger == nil {
		n.Ledger = ledger.NewRemoteLedger(cfg.Messenger, cfg.Notary)
	}

	registry, err := accounts.NewRegistry(accounts.RegistryConfig{
		Identity: cfg.Identity,
		Self:     self,
		Store:    cfg.Store,
		Ledger:   n.Ledger,
		Notary:   cfg.Notary,
		Logger:   logger.With("component", "registry"),
	})
	if err != nil {
		return nil, err
	}
	n.Registry = registry

	keys, err := accounts.NewKeyIndex(accounts.KeyIndexConfig{
		Store:    cfg.Store,
		Registry: registry,
		Logger:   logger.With("component", "keys"),
	})
	if err != nil {
		return nil, err
	}
	n.Keys = keys

	svc, err := flows.New(flows.Config{
		Identity:         cfg.Identity,
		Registry:         registry,
		Keys:             keys,
		Ledger:           n.Ledger,
		Messenger:        cfg.Messenger,
		Checkpoints:      cfg.Store,
		Notary:           cfg.Notary,
		CheckTransaction: cfg.CheckTransaction,
		Logger:           logger.With("component", "flows"),
	})
	if err != nil {
		return nil, err
	}
	svc.Register(n.Router)
	n.Flows = svc

	n.Loans, err = loanbook.New(loanbook.Config{
		Flows:    svc,
		Registry: registry,
		Keys:     keys,
		Asset:    cfg.Asset,
		Logger:   logger.With("component", "loanbook"),
	})
	if err != nil {
		return nil, err
	}

	n.Sweepstake, err = sweepstake.New(sweepstake.Config{
		Flows:    svc,
		Registry: registry,
		Logger:   logger.With("component", "sweepstake"),
	})
	if err != nil {
		return nil, err
	}

	logger.Info("node ready", "did", self.DID, "notary", cfg.Notary.Name)
	return n, nil
}
