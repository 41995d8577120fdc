// Package ledger defines the transaction model and the ledger services the
// flows submit to.
package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multicodec"
	mh "github.com/multiformats/go-multihash"
	"github.com/transparency-dev/merkle/compact"
	"github.com/transparency-dev/merkle/rfc6962"

	"github.com/relves/cordapps/pkg/identity"
	"github.com/relves/cordapps/pkg/types"
)

// StateRef points at an output of a finalized transaction.
type StateRef struct {
	TxID  string `json:"tx_id"`
	Index int    `json:"index"`
}

func (r StateRef) String() string {
	return fmt.Sprintf("%s(%d)", r.TxID, r.Index)
}

// TransactionState is a contract state carried by a transaction. Data holds
// the contract specific payload.
type TransactionState struct {
	Contract     string               `json:"contract"`
	Data         json.RawMessage      `json:"data"`
	Owner        identity.PublicKey   `json:"owner,omitempty"`
	Participants []identity.PublicKey `json:"participants,omitempty"`
}

// NewState encodes data into a state for contract.
func NewState(contract string, data any, owner identity.PublicKey, participants ...identity.PublicKey) (TransactionState, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return TransactionState{}, fmt.Errorf("failed to encode %s state: %w", contract, err)
	}
	return TransactionState{
		Contract:     contract,
		Data:         raw,
		Owner:        owner,
		Participants: participants,
	}, nil
}

// Decode unmarshals the state payload into out.
func (s TransactionState) Decode(out any) error {
	if err := json.Unmarshal(s.Data, out); err != nil {
		return fmt.Errorf("failed to decode %s state: %w", s.Contract, err)
	}
	return nil
}

// Command names an operation of a contract and the keys that must sign it.
type Command struct {
	Contract string               `json:"contract"`
	Name     string               `json:"name"`
	Signers  []identity.PublicKey `json:"signers"`
}

// StateAndRef pairs a resolved state with its reference.
type StateAndRef struct {
	State TransactionState `json:"state"`
	Ref   StateRef         `json:"ref"`
}

// WireTransaction is the unsigned content of a transaction.
type WireTransaction struct {
	Inputs     []StateRef         `json:"inputs,omitempty"`
	References []StateRef         `json:"references,omitempty"`
	Outputs    []TransactionState `json:"outputs,omitempty"`
	Commands   []Command          `json:"commands"`
	Notary     types.Party        `json:"notary"`
	Salt       string             `json:"salt"`
}

// NewWireTransaction starts an empty transaction for notary.
func NewWireTransaction(notary types.Party) *WireTransaction {
	return &WireTransaction{
		Notary: notary,
		Salt:   uuid.NewString(),
	}
}

func (tx *WireTransaction) AddInput(ref StateRef) *WireTransaction {
	tx.Inputs = append(tx.Inputs, ref)
	return tx
}

func (tx *WireTransaction) AddReference(ref StateRef) *WireTransaction {
	tx.References = append(tx.References, ref)
	return tx
}

func (tx *WireTransaction) AddOutput(s TransactionState) *WireTransaction {
	tx.Outputs = append(tx.Outputs, s)
	return tx
}

func (tx *WireTransaction) AddCommand(c Command) *WireTransaction {
	tx.Commands = append(tx.Commands, c)
	return tx
}

// RequiredSigners is the union of the signers of every command.
func (tx *WireTransaction) RequiredSigners() identity.KeySet {
	set := identity.NewKeySet()
	for _, c := range tx.Commands {
		for _, k := range c.Signers {
			set.Add(k)
		}
	}
	return set
}

// OutputRef returns the reference output i will have once finalized.
func (tx *WireTransaction) OutputRef(i int) (StateRef, error) {
	id, err := tx.ID()
	if err != nil {
		return StateRef{}, err
	}
	return StateRef{TxID: id, Index: i}, nil
}

// ID is the content id of the transaction: a CIDv1 over the RFC 6962 Merkle
// root of the transaction components.
func (tx *WireTransaction) ID() (string, error) {
	leaves, err := tx.componentLeaves()
	if err != nil {
		return "", err
	}

	root := rfc6962.DefaultHasher.EmptyRoot()
	if len(leaves) > 0 {
		rf := &compact.RangeFactory{Hash: rfc6962.DefaultHasher.HashChildren}
		r := rf.NewEmptyRange(0)
		for _, leaf := range leaves {
			if err := r.Append(rfc6962.DefaultHasher.HashLeaf(leaf), nil); err != nil {
				return "", fmt.Errorf("failed to append leaf: %w", err)
			}
		}
		root, err = r.GetRootHash(nil)
		if err != nil {
			return "", fmt.Errorf("failed to compute root: %w", err)
		}
	}

	hash, err := mh.Encode(root, mh.SHA2_256)
	if err != nil {
		return "", fmt.Errorf("failed to encode multihash: %w", err)
	}
	return cid.NewCidV1(uint64(multicodec.Raw), hash).String(), nil
}

// componentLeaves serializes every component group in a fixed order so the
// id is stable across nodes.
func (tx *WireTransaction) componentLeaves() ([][]byte, error) {
	var leaves [][]byte
	add := func(group string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode %s component: %w", group, err)
		}
		leaves = append(leaves, append([]byte(group+":"), raw...))
		return nil
	}

	for _, in := range tx.Inputs {
		if err := add("input", in); err != nil {
			return nil, err
		}
	}
	for _, ref := range tx.References {
		if err := add("reference", ref); err != nil {
			return nil, err
		}
	}
	for _, out := range tx.Outputs {
		if err := add("output", out); err != nil {
			return nil, err
		}
	}
	for _, c := range tx.Commands {
		if err := add("command", c); err != nil {
			return nil, err
		}
	}
	if err := add("notary", tx.Notary); err != nil {
		return nil, err
	}
	if err := add("salt", tx.Salt); err != nil {
		return nil, err
	}
	return leaves, nil
}
