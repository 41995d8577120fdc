// Package accounts holds the account registry and the key-to-account index
// of a node.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/relves/cordapps/internal/storage"
	"github.com/relves/cordapps/pkg/contracts"
	"github.com/relves/cordapps/pkg/identity"
	"github.com/relves/cordapps/pkg/ledger"
	"github.com/relves/cordapps/pkg/types"
)

var (
	ErrDuplicateAccount = errors.New("account already exists")
	ErrUnknownAccount   = errors.New("unknown account")
	ErrNotHost          = errors.New("account is not hosted by this node")
	ErrInactiveAccount  = errors.New("account is inactive")
)

// RegistryConfig holds configuration for creating a Registry.
type RegistryConfig struct {
	// Identity is the node's signing key; its DID is the host of every
	// account opened here.
	Identity *identity.Signer

	// Self is the node's party. Self.DID must match Identity.
	Self types.Party

	Store  storage.AccountStore
	Ledger ledger.Ledger
	Notary types.Party

	// CacheSize bounds the account cache.
	// Default: 1024
	CacheSize int

	// Logger for structured logging.
	// Default: slog.Default()
	Logger *slog.Logger
}

// ApplyDefaults sets default values for unset fields.
func (c *RegistryConfig) ApplyDefaults() {
	if c.CacheSize == 0 {
		c.CacheSize = 1024
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Registry is the sole writer of account records on a node.
type Registry struct {
	identity *identity.Signer
	self     types.Party
	store    storage.AccountStore
	ledger   ledger.Ledger
	notary   types.Party
	cache    *lru.Cache[uuid.UUID, types.Account]
	logger   *slog.Logger

	openMu sync.Mutex
}

// NewRegistry creates a registry backed by cfg.Store.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	cfg.ApplyDefaults()
	if cfg.Identity == nil || cfg.Store == nil || cfg.Ledger == nil {
		return nil, fmt.Errorf("identity, store and ledger are required")
	}
	if cfg.Self.DID != cfg.Identity.PublicKey().String() {
		return nil, fmt.Errorf("party %s does not match identity key", cfg.Self)
	}

	cache, err := lru.New[uuid.UUID, types.Account](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create account cache: %w", err)
	}

	return &Registry{
		identity: cfg.Identity,
		self:     cfg.Self,
		store:    cfg.Store,
		ledger:   cfg.Ledger,
		notary:   cfg.Notary,
		cache:    cache,
		logger:   cfg.Logger,
	}, nil
}

// Self returns the node's own party.
func (r *Registry) Self() types.Party {
	return r.self
}

// OpenAccount creates an active account hosted by this node. The Open
// transaction is finalized before the account is recorded.
func (r *Registry) OpenAccount(ctx context.Context, name string) (*types.Account, error) {
	if name == "" {
		return nil, fmt.Errorf("account name is required")
	}

	r.openMu.Lock()
	defer r.openMu.Unlock()

	if _, err := r.store.GetAccountByName(ctx, r.self.DID, name); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateAccount, name)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	acct := types.Account{
		ID:     uuid.New(),
		Name:   name,
		Host:   r.self,
		Status: types.StatusActive,
	}

	state, err := contracts.NewAccountInfoState(acct)
	if err != nil {
		return nil, err
	}
	tx := ledger.NewWireTransaction(r.notary).
		AddOutput(state).
		AddCommand(contracts.AccountCommandOf(contracts.AccountCommandOpen, r.identity.PublicKey()))

	stx := ledger.NewSignedTransaction(tx)
	sig, err := stx.SignWith(func(data []byte) ([]byte, error) {
		return r.identity.Sign(data), nil
	}, r.identity.PublicKey())
	if err != nil {
		return nil, err
	}
	if _, err := r.ledger.Finalize(ctx, stx.WithSignatures(sig)); err != nil {
		return nil, fmt.Errorf("finalize open of %s: %w", name, err)
	}

	if err := r.store.CreateAccount(ctx, acct); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAccount, name)
		}
		return nil, err
	}
	r.cache.Add(acct.ID, acct)

	r.logger.Info("account opened", "account", acct.ID, "name", name)
	return &acct, nil
}

// LookupByID returns the account with id, or nil if this node does not know it.
func (r *Registry) LookupByID(ctx context.Context, id uuid.UUID) (*types.Account, error) {
	if acct, ok := r.cache.Get(id); ok {
		return &acct, nil
	}
	acct, err := r.store.GetAccount(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.cache.Add(id, *acct)
	return acct, nil
}

// Require is LookupByID with ErrUnknownAccount for absent accounts.
func (r *Registry) Require(ctx context.Context, id uuid.UUID) (*types.Account, error) {
	acct, err := r.LookupByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	return acct, nil
}

// LookupByName returns the account this node hosts under name, or nil.
func (r *Registry) LookupByName(ctx context.Context, name string) (*types.Account, error) {
	acct, err := r.store.GetAccountByName(ctx, r.self.DID, name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return acct, err
}

func (r *Registry) AccountsHostedByMe(ctx context.Context) ([]types.Account, error) {
	return r.store.ListAccountsByHost(ctx, r.self.DID)
}

// AllKnownAccounts returns hosted accounts and accounts shared in by other hosts.
func (r *Registry) AllKnownAccounts(ctx context.Context) ([]types.Account, error) {
	return r.store.ListAccounts(ctx)
}

// Deactivate marks the account inactive. Repeating it is a no-op.
func (r *Registry) Deactivate(ctx context.Context, id uuid.UUID) error {
	err := r.store.SetAccountStatus(ctx, id, types.StatusInactive)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	if err != nil {
		return err
	}
	r.cache.Remove(id)
	r.logger.Info("account deactivated", "account", id)
	return nil
}

// RecordSharedAccount stores acct in the known view, overwriting an earlier
// copy. Whether it is hosted here follows from acct.Host.
func (r *Registry) RecordSharedAccount(ctx context.Context, acct types.Account) error {
	if err := r.store.UpsertAccount(ctx, acct); err != nil {
		return fmt.Errorf("record account %s: %w", acct.ID, err)
	}
	r.cache.Remove(acct.ID)
	r.logger.Debug("account recorded", "account", acct.ID, "host", acct.Host.Name, "hosted", acct.HostedBy(r.self))
	return nil
}

// AddObserver notes that party holds a copy of the account, so it can be told
// when the account moves. The node itself is never an observer.
func (r *Registry) AddObserver(ctx context.Context, id uuid.UUID, party types.Party) error {
	if party.DID == r.self.DID {
		return nil
	}
	if err := r.store.AddObserver(ctx, id, party); err != nil {
		return fmt.Errorf("record observer of %s: %w", id, err)
	}
	return nil
}

// Observers lists the parties known to hold a copy of the account.
func (r *Registry) Observers(ctx context.Context, id uuid.UUID) ([]types.Party, error) {
	return r.store.ObserversOf(ctx, id)
}
