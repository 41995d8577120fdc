package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/relves/cordapps/pkg/session"
	"github.com/relves/cordapps/pkg/types"
)

// Protocols served by a notary node.
const (
	ProtocolFinalize   = "ledger/finalize"
	ProtocolTx         = "ledger/transaction"
	ProtocolResolve    = "ledger/resolve"
	ProtocolUnconsumed = "ledger/unconsumed"
)

type unconsumedRequest struct {
	Contract string `json:"contract"`
}

type txRequest struct {
	TxID string `json:"tx_id"`
}

// RemoteLedger reaches a notary node over the session layer.
type RemoteLedger struct {
	messenger session.Messenger
	notary    types.Party
}

// NewRemoteLedger creates a client for the ledger served by notary.
func NewRemoteLedger(messenger session.Messenger, notary types.Party) *RemoteLedger {
	return &RemoteLedger{messenger: messenger, notary: notary}
}

func (l *RemoteLedger) call(ctx context.Context, protocol string, payload, out any) error {
	sess, err := l.messenger.OpenSession(ctx, l.notary)
	if err != nil {
		return fmt.Errorf("failed to reach notary: %w", err)
	}
	return sess.SendAndReceive(ctx, protocol, payload, out)
}

func (l *RemoteLedger) Finalize(ctx context.Context, stx *SignedTransaction) (*SignedTransaction, error) {
	var out SignedTransaction
	if err := l.call(ctx, ProtocolFinalize, stx, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (l *RemoteLedger) Transaction(ctx context.Context, txID string) (*SignedTransaction, error) {
	var out SignedTransaction
	if err := l.call(ctx, ProtocolTx, txRequest{TxID: txID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (l *RemoteLedger) ResolveState(ctx context.Context, ref StateRef) (*TransactionState, error) {
	var out TransactionState
	if err := l.call(ctx, ProtocolResolve, ref, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (l *RemoteLedger) Unconsumed(ctx context.Context, contract string) ([]StateAndRef, error) {
	var out []StateAndRef
	if err := l.call(ctx, ProtocolUnconsumed, unconsumedRequest{Contract: contract}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ServeLedger exposes l to other nodes through router.
func ServeLedger(router *session.Router, l Ledger) {
	router.Handle(ProtocolFinalize, func(ctx context.Context, from types.Party, payload json.RawMessage) (any, error) {
		var stx SignedTransaction
		if err := json.Unmarshal(payload, &stx); err != nil {
			return nil, err
		}
		return l.Finalize(ctx, &stx)
	})
	router.Handle(ProtocolTx, func(ctx context.Context, from types.Party, payload json.RawMessage) (any, error) {
		var req txRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return l.Transaction(ctx, req.TxID)
	})
	router.Handle(ProtocolResolve, func(ctx context.Context, from types.Party, payload json.RawMessage) (any, error) {
		var ref StateRef
		if err := json.Unmarshal(payload, &ref); err != nil {
			return nil, err
		}
		return l.ResolveState(ctx, ref)
	})
	router.Handle(ProtocolUnconsumed, func(ctx context.Context, from types.Party, payload json.RawMessage) (any, error) {
		var req unconsumedRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return l.Unconsumed(ctx, req.Contract)
	})
}
