package flows

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/relves/cordapps/pkg/identity"
	"github.com/relves/cordapps/pkg/session"
	"github.com/relves/cordapps/pkg/types"
)

type keyRequest struct {
	AccountID uuid.UUID `json:"account_id"`
}

type keyResponse struct {
	Account types.Account      `json:"account"`
	Key     identity.PublicKey `json:"key"`
}

// RequestKeyForAccount asks the host at the other end of sess for a fresh key
// of accountID and records the account and the key mapping locally.
func (s *Service) RequestKeyForAccount(ctx context.Context, sess session.Session, accountID uuid.UUID) (identity.PublicKey, error) {
	var resp keyResponse
	if err := sess.SendAndReceive(ctx, ProtocolRequestKey, keyRequest{AccountID: accountID}, &resp); err != nil {
		return "", fmt.Errorf("request key for %s: %w", accountID, err)
	}

	host := sess.Counterparty()
	if resp.Account.ID != accountID || resp.Account.Host.DID != host.DID {
		return "", fmt.Errorf("%w: %s answered for account %s hosted by %s",
			ErrUnauthorisedShare, host.Name, resp.Account.ID, resp.Account.Host.Name)
	}

	if err := s.registry.RecordSharedAccount(ctx, resp.Account); err != nil {
		return "", err
	}
	if err := s.keys.RecordExternalKey(ctx, resp.Key, accountID); err != nil {
		return "", err
	}
	return resp.Key, nil
}

// KeyForAccount returns a fresh key for acct, issued locally when the account
// is hosted here and by its host otherwise.
func (s *Service) KeyForAccount(ctx context.Context, acct types.Account) (identity.PublicKey, error) {
	if acct.HostedBy(s.self) {
		return s.keys.FreshKeyFor(ctx, acct.ID)
	}
	sess, err := s.msgr.OpenSession(ctx, acct.Host)
	if err != nil {
		return "", fmt.Errorf("open session to %s: %w", acct.Host.Name, err)
	}
	return s.RequestKeyForAccount(ctx, sess, acct.ID)
}

func (s *Service) handleRequestKey(ctx context.Context, from types.Party, payload json.RawMessage) (any, error) {
	var req keyRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode key request: %w", err)
	}
	key, err := s.keys.FreshKeyFor(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	acct, err := s.registry.Require(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if err := s.registry.AddObserver(ctx, req.AccountID, from); err != nil {
		return nil, err
	}
	s.logger.Info("issued key to counterparty", "account", req.AccountID, "for", from.Name)
	return keyResponse{Account: *acct, Key: key}, nil
}
