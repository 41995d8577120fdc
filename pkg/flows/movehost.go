package flows

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/relves/cordapps/pkg/accounts"
	"github.com/relves/cordapps/pkg/contracts"
	"github.com/relves/cordapps/pkg/identity"
	"github.com/relves/cordapps/pkg/ledger"
	"github.com/relves/cordapps/pkg/types"
)

type moveHostRequest struct {
	Tx *ledger.SignedTransaction `json:"tx"`
}

// MoveHost hands a hosted account over to newHost. Both hosts sign the
// MoveHost transaction. Once it is final the new host receives the updated
// record together with every key pair issued so far and the parties that
// know the account, and this node drops the private keys and keeps the
// account as a known, non-hosted one. Known parties are then told about the
// new host.
func (s *Service) MoveHost(ctx context.Context, accountID uuid.UUID, newHost types.Party) (*types.Account, error) {
	unlock := s.keys.Locks().Lock(accountID)
	defer unlock()

	acct, err := s.registry.Require(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !acct.HostedBy(s.self) {
		return nil, fmt.Errorf("%w: %s", accounts.ErrNotHost, accountID)
	}
	if newHost.DID == s.self.DID {
		return nil, fmt.Errorf("account %s is already hosted by %s", accountID, newHost.Name)
	}

	current, err := s.accountState(ctx, accountID)
	if err != nil {
		return nil, err
	}

	moved := *acct
	moved.Host = newHost
	out, err := contracts.NewAccountInfoState(moved)
	if err != nil {
		return nil, err
	}
	newKey := identity.PublicKey(newHost.DID)
	tx := ledger.NewWireTransaction(s.notary).
		AddInput(current.Ref).
		AddOutput(out).
		AddCommand(contracts.AccountCommandOf(contracts.AccountCommandMoveHost, s.identity.PublicKey(), newKey))

	stx := ledger.NewSignedTransaction(tx)
	own, err := stx.SignWith(func(data []byte) ([]byte, error) {
		return s.identity.Sign(data), nil
	}, s.identity.PublicKey())
	if err != nil {
		return nil, err
	}
	stx = stx.WithSignatures(own)

	sess, err := s.msgr.OpenSession(ctx, newHost)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingSession, err)
	}
	var sig ledger.TransactionSignature
	if err := sess.SendAndReceive(ctx, ProtocolMoveHost, moveHostRequest{Tx: stx}, &sig); err != nil {
		return nil, fmt.Errorf("move %s to %s: %w", accountID, newHost.Name, err)
	}
	txID, err := stx.ID()
	if err != nil {
		return nil, err
	}
	if sig.By != newKey || !sig.By.Verify([]byte(txID), sig.Signature) {
		return nil, fmt.Errorf("%w: %s did not sign with its identity", ErrSignatureMismatch, newHost.Name)
	}

	if _, err := s.Finalize(ctx, stx.WithSignatures(sig)); err != nil {
		return nil, err
	}
	if err := s.registry.RecordSharedAccount(ctx, moved); err != nil {
		return nil, err
	}

	keys, err := s.keys.ExportKeys(ctx, accountID)
	if err != nil {
		return nil, err
	}
	observers, err := s.registry.Observers(ctx, accountID)
	if err != nil {
		return nil, err
	}
	announce := excludeParty(observers, newHost)
	handover := shareRequest{
		Account:   moved,
		Keys:      keys,
		Observers: append([]types.Party{s.self}, announce...),
	}
	if err := s.pushShare(ctx, handover, newHost); err != nil {
		return nil, err
	}
	if err := s.keys.ReleaseKeys(ctx, accountID); err != nil {
		return nil, err
	}

	for _, p := range announce {
		if err := s.shareAccount(ctx, moved, p); err != nil {
			s.logger.Warn("failed to announce move", "account", accountID, "to", p.Name, "error", err)
		}
	}

	s.logger.Info("account moved", "account", accountID, "from", s.self.Name, "to", newHost.Name, "keys", len(keys))
	return &moved, nil
}

func excludeParty(parties []types.Party, p types.Party) []types.Party {
	out := make([]types.Party, 0, len(parties))
	for _, q := range parties {
		if q.DID != p.DID {
			out = append(out, q)
		}
	}
	return out
}

// accountState finds the current AccountInfo state of accountID.
func (s *Service) accountState(ctx context.Context, accountID uuid.UUID) (*ledger.StateAndRef, error) {
	states, err := s.ledger.Unconsumed(ctx, contracts.AccountInfoContractID)
	if err != nil {
		return nil, err
	}
	for _, st := range states {
		info, err := contracts.DecodeAccountInfo(st.State)
		if err != nil {
			return nil, err
		}
		if info.Account.ID == accountID {
			return &st, nil
		}
	}
	return nil, fmt.Errorf("%w: no ledger record for %s", accounts.ErrUnknownAccount, accountID)
}

// handleMoveHost accepts an account moving here from its current host and
// signs with the node identity.
func (s *Service) handleMoveHost(ctx context.Context, from types.Party, payload json.RawMessage) (any, error) {
	var req moveHostRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode move request: %w", err)
	}
	stx := req.Tx
	if stx == nil || len(stx.Tx.Inputs) != 1 || len(stx.Tx.Outputs) != 1 {
		return nil, fmt.Errorf("%w: malformed move from %s", ErrRejected, from.Name)
	}
	if err := stx.VerifySignatures(); err != nil {
		return nil, err
	}
	cmds := (&ledger.LedgerTransaction{Commands: stx.Tx.Commands}).CommandsOf(contracts.AccountInfoContractID)
	if len(cmds) != 1 || contracts.ParseAccountCommand(cmds[0].Name) != contracts.AccountCommandMoveHost {
		return nil, fmt.Errorf("%w: not a move-host transaction", ErrRejected)
	}

	prior, err := s.ledger.ResolveState(ctx, stx.Tx.Inputs[0])
	if err != nil {
		return nil, err
	}
	before, err := contracts.DecodeAccountInfo(*prior)
	if err != nil {
		return nil, err
	}
	after, err := contracts.DecodeAccountInfo(stx.Tx.Outputs[0])
	if err != nil {
		return nil, err
	}
	if before.Account.Host.DID != from.DID {
		return nil, fmt.Errorf("%w: %s does not host %s", ErrRejected, from.Name, before.Account.ID)
	}
	if !after.Account.HostedBy(s.self) {
		return nil, fmt.Errorf("%w: account moves to %s, not here", ErrRejected, after.Account.Host.Name)
	}
	if err := s.check(ctx, from, stx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	// Remember the current record so the handover share is accepted.
	if err := s.registry.RecordSharedAccount(ctx, before.Account); err != nil {
		return nil, err
	}

	return stx.SignWith(func(data []byte) ([]byte, error) {
		return s.identity.Sign(data), nil
	}, s.identity.PublicKey())
}
