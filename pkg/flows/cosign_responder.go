package flows

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/relves/cordapps/pkg/types"
)

// handleCoSign signs a partially signed transaction with the keys of the
// signing accounts hosted here and with the node identity. It does not
// finalize anything.
func (s *Service) handleCoSign(ctx context.Context, from types.Party, payload json.RawMessage) (any, error) {
	var req cosignRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode co-sign request: %w", err)
	}
	if req.Tx == nil {
		return nil, fmt.Errorf("co-sign request from %s carries no transaction", from.Name)
	}
	txID, err := req.Tx.ID()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if err := req.Tx.VerifySignatures(); err != nil {
		return nil, err
	}
	if err := s.check(ctx, from, req.Tx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	plan, err := s.cosigner.plan(ctx, req.Tx)
	if err != nil {
		return nil, err
	}
	sigs, err := s.cosigner.signOwn(ctx, req.Tx, plan.local)
	if err != nil {
		return nil, err
	}

	s.logger.Info("co-signed transaction", "flow", req.FlowID, "tx", txID, "for", from.Name, "signatures", len(sigs))
	return cosignResponse{Signatures: sigs}, nil
}
