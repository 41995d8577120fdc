package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	dssync "github.com/ipfs/go-datastore/sync"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	format "github.com/ipfs/go-ipld-format"
	mh "github.com/multiformats/go-multihash"

	"github.com/relves/cordapps/pkg/identity"
	"github.com/relves/cordapps/pkg/types"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrDoubleSpend = errors.New("state already consumed")
	ErrWrongNotary = errors.New("transaction names a different notary")
)

// Ledger is the submission and finality service used by flows.
type Ledger interface {
	// Finalize notarises a fully signed transaction and records it.
	Finalize(ctx context.Context, stx *SignedTransaction) (*SignedTransaction, error)
	// Transaction returns a finalized transaction by id.
	Transaction(ctx context.Context, txID string) (*SignedTransaction, error)
	// ResolveState returns the state a reference points at.
	ResolveState(ctx context.Context, ref StateRef) (*TransactionState, error)
	// Unconsumed lists the current states of contract.
	Unconsumed(ctx context.Context, contract string) ([]StateAndRef, error)
}

// Vault is a notarising ledger. Finalized transactions are stored as blocks
// in a blockstore; the spent/unspent index lives in the datastore.
type Vault struct {
	notary   *identity.Signer
	party    types.Party
	verifier *Verifier
	logger   *slog.Logger

	mu sync.Mutex
	ds datastore.Batching
	bs blockstore.Blockstore
}

// VaultConfig holds configuration for creating a Vault.
type VaultConfig struct {
	Notary   *identity.Signer
	Party    types.Party
	Verifier *Verifier
	Logger   *slog.Logger

	// Datastore holds transaction blocks and the state index.
	// Default: in-memory
	Datastore datastore.Batching
}

// NewVault creates a notarising ledger over cfg.Datastore.
func NewVault(cfg VaultConfig) (*Vault, error) {
	if cfg.Notary == nil {
		return nil, fmt.Errorf("notary signer is required")
	}
	if cfg.Party.DID != cfg.Notary.PublicKey().String() {
		return nil, fmt.Errorf("notary party %s does not match signer key", cfg.Party)
	}
	if cfg.Verifier == nil {
		cfg.Verifier = NewVerifier()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ds := cfg.Datastore
	if ds == nil {
		ds = dssync.MutexWrap(datastore.NewMapDatastore())
	}
	return &Vault{
		notary:   cfg.Notary,
		party:    cfg.Party,
		verifier: cfg.Verifier,
		logger:   cfg.Logger,
		ds:       ds,
		bs:       blockstore.NewBlockstore(ds),
	}, nil
}

// Party returns the notary identity transactions must name.
func (v *Vault) Party() types.Party {
	return v.party
}

func txKey(txID string) datastore.Key {
	return datastore.NewKey("/tx/" + txID)
}

func consumedKey(ref StateRef) datastore.Key {
	return datastore.NewKey(fmt.Sprintf("/consumed/%s/%d", ref.TxID, ref.Index))
}

func unconsumedKey(contract string, ref StateRef) datastore.Key {
	return datastore.NewKey(fmt.Sprintf("/unconsumed/%s/%s/%d", contract, ref.TxID, ref.Index))
}

// Finalize verifies signatures, double spends and contracts, then notarises
// and records the transaction. Finalizing an already recorded transaction
// returns the recorded copy.
func (v *Vault) Finalize(ctx context.Context, stx *SignedTransaction) (*SignedTransaction, error) {
	id, err := stx.ID()
	if err != nil {
		return nil, err
	}
	if stx.Tx.Notary.DID != v.party.DID {
		return nil, fmt.Errorf("%w: %s", ErrWrongNotary, stx.Tx.Notary)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if existing, err := v.transaction(ctx, id); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	notaryKey := v.notary.PublicKey()
	if err := stx.VerifyRequiredSignatures(notaryKey); err != nil {
		return nil, fmt.Errorf("transaction %s: %w", id, err)
	}

	ltx, err := v.resolve(ctx, id, &stx.Tx)
	if err != nil {
		return nil, err
	}
	if err := v.verifier.Verify(ltx); err != nil {
		return nil, err
	}

	notarised := stx.WithSignatures(TransactionSignature{
		By:        notaryKey,
		Signature: v.notary.Sign([]byte(id)),
	})
	if err := v.record(ctx, id, notarised); err != nil {
		return nil, err
	}

	v.logger.Info("transaction finalized", "tx", id, "inputs", len(stx.Tx.Inputs), "outputs", len(stx.Tx.Outputs))
	return notarised, nil
}

// resolve loads inputs and references, rejecting consumed states.
func (v *Vault) resolve(ctx context.Context, id string, tx *WireTransaction) (*LedgerTransaction, error) {
	ltx := &LedgerTransaction{
		ID:       id,
		Outputs:  tx.Outputs,
		Commands: tx.Commands,
		Notary:   tx.Notary,
	}

	seen := make(map[StateRef]struct{})
	load := func(ref StateRef) (StateAndRef, error) {
		if _, dup := seen[ref]; dup {
			return StateAndRef{}, fmt.Errorf("%w: %s referenced twice", ErrDoubleSpend, ref)
		}
		seen[ref] = struct{}{}

		consumed, err := v.ds.Has(ctx, consumedKey(ref))
		if err != nil {
			return StateAndRef{}, err
		}
		if consumed {
			return StateAndRef{}, fmt.Errorf("%w: %s", ErrDoubleSpend, ref)
		}
		state, err := v.state(ctx, ref)
		if err != nil {
			return StateAndRef{}, err
		}
		return StateAndRef{State: *state, Ref: ref}, nil
	}

	for _, ref := range tx.Inputs {
		s, err := load(ref)
		if err != nil {
			return nil, err
		}
		ltx.Inputs = append(ltx.Inputs, s)
	}
	for _, ref := range tx.References {
		s, err := load(ref)
		if err != nil {
			return nil, err
		}
		ltx.References = append(ltx.References, s)
	}
	return ltx, nil
}

func (v *Vault) record(ctx context.Context, id string, stx *SignedTransaction) error {
	data, err := json.Marshal(stx)
	if err != nil {
		return fmt.Errorf("failed to encode transaction: %w", err)
	}
	hash, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return err
	}
	blk, err := blocks.NewBlockWithCid(data, cid.NewCidV1(cid.Raw, hash))
	if err != nil {
		return err
	}
	if err := v.bs.Put(ctx, blk); err != nil {
		return fmt.Errorf("failed to store transaction block: %w", err)
	}

	batch, err := v.ds.Batch(ctx)
	if err != nil {
		return err
	}
	if err := batch.Put(ctx, txKey(id), blk.Cid().Bytes()); err != nil {
		return err
	}
	for _, ref := range stx.Tx.Inputs {
		state, err := v.state(ctx, ref)
		if err != nil {
			return err
		}
		if err := batch.Delete(ctx, unconsumedKey(state.Contract, ref)); err != nil {
			return err
		}
		if err := batch.Put(ctx, consumedKey(ref), []byte(id)); err != nil {
			return err
		}
	}
	for i, out := range stx.Tx.Outputs {
		ref := StateRef{TxID: id, Index: i}
		if err := batch.Put(ctx, unconsumedKey(out.Contract, ref), []byte(id)); err != nil {
			return err
		}
	}
	return batch.Commit(ctx)
}

// Transaction returns a finalized transaction.
func (v *Vault) Transaction(ctx context.Context, txID string) (*SignedTransaction, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.transaction(ctx, txID)
}

func (v *Vault) transaction(ctx context.Context, txID string) (*SignedTransaction, error) {
	raw, err := v.ds.Get(ctx, txKey(txID))
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, fmt.Errorf("%w: transaction %s", ErrNotFound, txID)
	}
	if err != nil {
		return nil, err
	}
	c, err := cid.Cast(raw)
	if err != nil {
		return nil, fmt.Errorf("corrupt index for %s: %w", txID, err)
	}
	blk, err := v.bs.Get(ctx, c)
	if format.IsNotFound(err) {
		return nil, fmt.Errorf("%w: block %s", ErrNotFound, c)
	}
	if err != nil {
		return nil, err
	}

	var stx SignedTransaction
	if err := json.Unmarshal(blk.RawData(), &stx); err != nil {
		return nil, fmt.Errorf("failed to decode transaction %s: %w", txID, err)
	}
	return &stx, nil
}

// ResolveState returns the output a reference points at, consumed or not.
func (v *Vault) ResolveState(ctx context.Context, ref StateRef) (*TransactionState, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state(ctx, ref)
}

func (v *Vault) state(ctx context.Context, ref StateRef) (*TransactionState, error) {
	stx, err := v.transaction(ctx, ref.TxID)
	if err != nil {
		return nil, err
	}
	if ref.Index < 0 || ref.Index >= len(stx.Tx.Outputs) {
		return nil, fmt.Errorf("%w: output %s", ErrNotFound, ref)
	}
	s := stx.Tx.Outputs[ref.Index]
	return &s, nil
}

// Unconsumed lists the current states of contract.
func (v *Vault) Unconsumed(ctx context.Context, contract string) ([]StateAndRef, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	prefix := "/unconsumed/" + contract
	results, err := v.ds.Query(ctx, query.Query{Prefix: prefix, KeysOnly: true})
	if err != nil {
		return nil, err
	}
	entries, err := results.Rest()
	if err != nil {
		return nil, err
	}

	out := make([]StateAndRef, 0, len(entries))
	for _, e := range entries {
		ref, err := parseUnconsumedKey(strings.TrimPrefix(e.Key, prefix+"/"))
		if err != nil {
			return nil, err
		}
		state, err := v.state(ctx, ref)
		if err != nil {
			return nil, err
		}
		out = append(out, StateAndRef{State: *state, Ref: ref})
	}
	return out, nil
}

func parseUnconsumedKey(rest string) (StateRef, error) {
	i := strings.LastIndex(rest, "/")
	if i < 0 {
		return StateRef{}, fmt.Errorf("malformed state key %q", rest)
	}
	var idx int
	if _, err := fmt.Sscanf(rest[i+1:], "%d", &idx); err != nil {
		return StateRef{}, fmt.Errorf("malformed state index in %q: %w", rest, err)
	}
	return StateRef{TxID: rest[:i], Index: idx}, nil
}
