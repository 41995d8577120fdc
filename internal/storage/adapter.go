package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/relves/cordapps/pkg/identity"
	"github.com/relves/cordapps/pkg/types"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate record")
)

// AccountStore holds every account this node knows about, hosted or shared in.
type AccountStore interface {
	// CreateAccount inserts a new account. Returns ErrDuplicate if the id or
	// the (host, name) pair is taken.
	CreateAccount(ctx context.Context, acct types.Account) error
	// UpsertAccount inserts or overwrites the record with acct.ID.
	UpsertAccount(ctx context.Context, acct types.Account) error
	GetAccount(ctx context.Context, id uuid.UUID) (*types.Account, error)
	GetAccountByName(ctx context.Context, hostDID, name string) (*types.Account, error)
	ListAccounts(ctx context.Context) ([]types.Account, error)
	ListAccountsByHost(ctx context.Context, hostDID string) ([]types.Account, error)
	SetAccountStatus(ctx context.Context, id uuid.UUID, status types.AccountStatus) error
	// AddObserver records that party holds a copy of the account. Adding the
	// same party twice is a no-op.
	AddObserver(ctx context.Context, accountID uuid.UUID, party types.Party) error
	ObserversOf(ctx context.Context, accountID uuid.UUID) ([]types.Party, error)
}

// KeyStore maps account keys to the account owning them.
type KeyStore interface {
	// PutKey records a new mapping. Returns ErrDuplicate if the key is
	// already mapped.
	PutKey(ctx context.Context, rec KeyRecord) error
	GetKey(ctx context.Context, key identity.PublicKey) (*KeyRecord, error)
	KeysForAccount(ctx context.Context, accountID uuid.UUID) ([]KeyRecord, error)
	// SetPrivateKey replaces the private half of a mapped key; nil drops it.
	SetPrivateKey(ctx context.Context, key identity.PublicKey, privateKey []byte) error
}

// CheckpointStore persists in-flight co-signing attempts.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	GetCheckpoint(ctx context.Context, flowID uuid.UUID) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context) ([]Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, flowID uuid.UUID) error
}

// NodeStore is the durable state of a single node.
type NodeStore interface {
	AccountStore
	KeyStore
	CheckpointStore
}

// KeyRecord links a public key to its account. PrivateKey is only set on the
// node that generated the key.
type KeyRecord struct {
	Key        identity.PublicKey
	AccountID  uuid.UUID
	PrivateKey []byte
	CreatedAt  time.Time
}

// Local reports whether this node can sign with the key.
func (r KeyRecord) Local() bool {
	return len(r.PrivateKey) > 0
}

// Checkpoint is the resumable state of one co-signing attempt.
type Checkpoint struct {
	FlowID    uuid.UUID
	Step      string
	Tx        []byte
	Collected []string
	Error     string
	UpdatedAt time.Time
}
