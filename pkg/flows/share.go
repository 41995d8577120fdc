package flows

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/relves/cordapps/pkg/accounts"
	"github.com/relves/cordapps/pkg/contracts"
	"github.com/relves/cordapps/pkg/types"
)

type shareRequest struct {
	Account types.Account `json:"account"`

	// Set only on the handover from the previous host after a move.
	Keys      []accounts.KeyHandover `json:"keys,omitempty"`
	Observers []types.Party          `json:"observers,omitempty"`
}

// ShareAccountInfo pushes the record of a hosted account to every target.
// Receivers overwrite any earlier copy. Targets are remembered so they hear
// about a later move.
func (s *Service) ShareAccountInfo(ctx context.Context, accountID uuid.UUID, targets ...types.Party) error {
	acct, err := s.registry.Require(ctx, accountID)
	if err != nil {
		return err
	}
	if !acct.HostedBy(s.self) {
		return fmt.Errorf("%w: %s", accounts.ErrNotHost, accountID)
	}
	if err := s.shareAccount(ctx, *acct, targets...); err != nil {
		return err
	}
	for _, p := range targets {
		if err := s.registry.AddObserver(ctx, accountID, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) shareAccount(ctx context.Context, acct types.Account, targets ...types.Party) error {
	return s.pushShare(ctx, shareRequest{Account: acct}, targets...)
}

func (s *Service) pushShare(ctx context.Context, req shareRequest, targets ...types.Party) error {
	sessions, err := s.OpenSessions(ctx, targets...)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, sess := range sessions {
		g.Go(func() error {
			if err := sess.Send(gctx, ProtocolShare, req); err != nil {
				return fmt.Errorf("share %s with %s: %w", req.Account.ID, sess.Counterparty().Name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.logger.Info("account shared", "account", req.Account.ID, "targets", len(sessions), "keys", len(req.Keys))
	return nil
}

// handleShare records an account pushed by its host, or by its previous host
// once the ledger shows the account has moved. Keys and observers are only
// taken over by the new host from the previous one.
func (s *Service) handleShare(ctx context.Context, from types.Party, payload json.RawMessage) (any, error) {
	var req shareRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode share: %w", err)
	}
	acct := req.Account

	moved := acct.Host.DID != from.DID
	if moved {
		known, err := s.registry.LookupByID(ctx, acct.ID)
		if err != nil {
			return nil, err
		}
		if known == nil || known.Host.DID != from.DID {
			return nil, fmt.Errorf("%w: %s from %s", ErrUnauthorisedShare, acct.ID, from.Name)
		}
		if err := s.checkHostOnLedger(ctx, acct); err != nil {
			return nil, err
		}
	}
	handover := len(req.Keys) > 0 || len(req.Observers) > 0
	if handover && (!moved || !acct.HostedBy(s.self)) {
		return nil, fmt.Errorf("%w: %s from %s carries a handover", ErrUnauthorisedShare, acct.ID, from.Name)
	}

	if err := s.registry.RecordSharedAccount(ctx, acct); err != nil {
		return nil, err
	}
	if !handover {
		return nil, nil
	}
	if err := s.keys.ImportKeys(ctx, acct.ID, req.Keys); err != nil {
		return nil, err
	}
	for _, p := range req.Observers {
		if err := s.registry.AddObserver(ctx, acct.ID, p); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// checkHostOnLedger requires the unconsumed AccountInfo of acct to name the
// same host as the pushed record.
func (s *Service) checkHostOnLedger(ctx context.Context, acct types.Account) error {
	current, err := s.accountState(ctx, acct.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorisedShare, err)
	}
	info, err := contracts.DecodeAccountInfo(current.State)
	if err != nil {
		return err
	}
	if info.Account.Host.DID != acct.Host.DID {
		return fmt.Errorf("%w: ledger has %s hosted by %s, not %s",
			ErrUnauthorisedShare, acct.ID, info.Account.Host.Name, acct.Host.Name)
	}
	return nil
}
