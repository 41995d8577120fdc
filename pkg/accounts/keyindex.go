package accounts

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/relves/cordapps/internal/storage"
	"github.com/relves/cordapps/pkg/identity"
	"github.com/relves/cordapps/pkg/types"
)

var (
	ErrKeyAlreadyMapped = errors.New("key is mapped to another account")
	ErrNoPrivateKey     = errors.New("key is not held by this node")
	ErrKeyMismatch      = errors.New("private key does not match public key")
)

// KeyHandover is an account key pair passed from the old host of an account
// to its new host.
type KeyHandover struct {
	Key        identity.PublicKey `json:"key"`
	PrivateKey []byte             `json:"private_key"`
}

// KeyIndexConfig holds configuration for creating a KeyIndex.
type KeyIndexConfig struct {
	Store    storage.KeyStore
	Registry *Registry

	// Locks is shared with the co-signer.
	// Default: a private Locker
	Locks *Locker

	// SignerCacheSize bounds the number of decoded private keys kept in memory.
	// Default: 256
	SignerCacheSize int

	// Logger for structured logging.
	// Default: slog.Default()
	Logger *slog.Logger
}

// ApplyDefaults sets default values for unset fields.
func (c *KeyIndexConfig) ApplyDefaults() {
	if c.Locks == nil {
		c.Locks = NewLocker()
	}
	if c.SignerCacheSize == 0 {
		c.SignerCacheSize = 256
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// KeyIndex maps public keys to the accounts owning them and issues fresh
// keys for hosted accounts.
type KeyIndex struct {
	store    storage.KeyStore
	registry *Registry
	locks    *Locker
	signers  *lru.Cache[identity.PublicKey, *identity.Signer]
	logger   *slog.Logger
}

// NewKeyIndex creates a key index.
func NewKeyIndex(cfg KeyIndexConfig) (*KeyIndex, error) {
	cfg.ApplyDefaults()
	if cfg.Store == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("store and registry are required")
	}
	signers, err := lru.New[identity.PublicKey, *identity.Signer](cfg.SignerCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create signer cache: %w", err)
	}
	return &KeyIndex{
		store:    cfg.Store,
		registry: cfg.Registry,
		locks:    cfg.Locks,
		signers:  signers,
		logger:   cfg.Logger,
	}, nil
}

// Locks returns the per-account locker.
func (k *KeyIndex) Locks() *Locker {
	return k.locks
}

// FreshKeyFor generates a new key pair for an active account hosted here and
// records the mapping. Every call yields a distinct key.
func (k *KeyIndex) FreshKeyFor(ctx context.Context, accountID uuid.UUID) (identity.PublicKey, error) {
	unlock := k.locks.Lock(accountID)
	defer unlock()

	acct, err := k.registry.Require(ctx, accountID)
	if err != nil {
		return "", err
	}
	if !acct.HostedBy(k.registry.Self()) {
		return "", fmt.Errorf("%w: %s is hosted by %s", ErrNotHost, acct.ID, acct.Host.Name)
	}
	if !acct.Active() {
		return "", fmt.Errorf("%w: %s", ErrInactiveAccount, acct.ID)
	}

	signer, err := identity.GenerateSigner()
	if err != nil {
		return "", err
	}
	err = k.store.PutKey(ctx, storage.KeyRecord{
		Key:        signer.PublicKey(),
		AccountID:  accountID,
		PrivateKey: signer.PrivateKey(),
	})
	if err != nil {
		return "", fmt.Errorf("record key for %s: %w", accountID, err)
	}
	k.signers.Add(signer.PublicKey(), signer)

	k.logger.Debug("issued account key", "account", accountID, "key", signer.PublicKey())
	return signer.PublicKey(), nil
}

// RecordExternalKey stores a mapping issued by the account's host. Recording
// the same mapping twice is a no-op.
func (k *KeyIndex) RecordExternalKey(ctx context.Context, key identity.PublicKey, accountID uuid.UUID) error {
	if _, err := k.registry.Require(ctx, accountID); err != nil {
		return err
	}

	existing, err := k.store.GetKey(ctx, key)
	switch {
	case err == nil:
		if existing.AccountID != accountID {
			return fmt.Errorf("%w: %s belongs to %s", ErrKeyAlreadyMapped, key, existing.AccountID)
		}
		return nil
	case !errors.Is(err, storage.ErrNotFound):
		return err
	}

	err = k.store.PutKey(ctx, storage.KeyRecord{Key: key, AccountID: accountID})
	if errors.Is(err, storage.ErrDuplicate) {
		return k.RecordExternalKey(ctx, key, accountID)
	}
	return err
}

// AccountFor resolves key to its account. Keys that no account owns, such as
// bare node identity keys, yield nil without error.
func (k *KeyIndex) AccountFor(ctx context.Context, key identity.PublicKey) (*types.Account, error) {
	rec, err := k.store.GetKey(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return k.registry.LookupByID(ctx, rec.AccountID)
}

// KeysFor lists every key known to belong to accountID.
func (k *KeyIndex) KeysFor(ctx context.Context, accountID uuid.UUID) ([]identity.PublicKey, error) {
	recs, err := k.store.KeysForAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	keys := make([]identity.PublicKey, len(recs))
	for i, rec := range recs {
		keys[i] = rec.Key
	}
	return keys, nil
}

// CanSign reports whether this node holds the private half of key.
func (k *KeyIndex) CanSign(ctx context.Context, key identity.PublicKey) (bool, error) {
	if _, ok := k.signers.Get(key); ok {
		return true, nil
	}
	rec, err := k.store.GetKey(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.Local(), nil
}

// Sign signs data with a locally held account key.
func (k *KeyIndex) Sign(ctx context.Context, key identity.PublicKey, data []byte) ([]byte, error) {
	signer, err := k.signer(ctx, key)
	if err != nil {
		return nil, err
	}
	return signer.Sign(data), nil
}

func (k *KeyIndex) signer(ctx context.Context, key identity.PublicKey) (*identity.Signer, error) {
	if s, ok := k.signers.Get(key); ok {
		return s, nil
	}
	rec, err := k.store.GetKey(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoPrivateKey, key)
	}
	if err != nil {
		return nil, err
	}
	if !rec.Local() {
		return nil, fmt.Errorf("%w: %s", ErrNoPrivateKey, key)
	}
	s, err := identity.NewSigner(ed25519.PrivateKey(rec.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("load key %s: %w", key, err)
	}
	k.signers.Add(key, s)
	return s, nil
}

// ExportKeys returns every key pair of accountID this node can sign with.
func (k *KeyIndex) ExportKeys(ctx context.Context, accountID uuid.UUID) ([]KeyHandover, error) {
	recs, err := k.store.KeysForAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	var out []KeyHandover
	for _, rec := range recs {
		if rec.Local() {
			out = append(out, KeyHandover{Key: rec.Key, PrivateKey: rec.PrivateKey})
		}
	}
	return out, nil
}

// ImportKeys takes over key pairs of an account that is now hosted here.
// Keys already mapped to accountID gain their private half.
func (k *KeyIndex) ImportKeys(ctx context.Context, accountID uuid.UUID, keys []KeyHandover) error {
	unlock := k.locks.Lock(accountID)
	defer unlock()

	acct, err := k.registry.Require(ctx, accountID)
	if err != nil {
		return err
	}
	if !acct.HostedBy(k.registry.Self()) {
		return fmt.Errorf("%w: %s is hosted by %s", ErrNotHost, acct.ID, acct.Host.Name)
	}

	for _, h := range keys {
		signer, err := identity.NewSigner(ed25519.PrivateKey(h.PrivateKey))
		if err != nil {
			return fmt.Errorf("import key %s: %w", h.Key, err)
		}
		if signer.PublicKey() != h.Key {
			return fmt.Errorf("%w: %s", ErrKeyMismatch, h.Key)
		}

		existing, err := k.store.GetKey(ctx, h.Key)
		switch {
		case err == nil:
			if existing.AccountID != accountID {
				return fmt.Errorf("%w: %s belongs to %s", ErrKeyAlreadyMapped, h.Key, existing.AccountID)
			}
			err = k.store.SetPrivateKey(ctx, h.Key, h.PrivateKey)
		case errors.Is(err, storage.ErrNotFound):
			err = k.store.PutKey(ctx, storage.KeyRecord{Key: h.Key, AccountID: accountID, PrivateKey: h.PrivateKey})
		}
		if err != nil {
			return fmt.Errorf("import key %s: %w", h.Key, err)
		}
		k.signers.Add(h.Key, signer)
	}

	k.logger.Info("imported account keys", "account", accountID, "keys", len(keys))
	return nil
}

// ReleaseKeys forgets the private halves of accountID's keys. The key to
// account mappings stay.
func (k *KeyIndex) ReleaseKeys(ctx context.Context, accountID uuid.UUID) error {
	recs, err := k.store.KeysForAccount(ctx, accountID)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if !rec.Local() {
			continue
		}
		if err := k.store.SetPrivateKey(ctx, rec.Key, nil); err != nil {
			return fmt.Errorf("release key %s: %w", rec.Key, err)
		}
		k.signers.Remove(rec.Key)
	}
	return nil
}
