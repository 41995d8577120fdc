package flows

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/relves/cordapps/internal/storage"
	"github.com/relves/cordapps/pkg/accounts"
	"github.com/relves/cordapps/pkg/contracts"
	"github.com/relves/cordapps/pkg/identity"
	"github.com/relves/cordapps/pkg/ledger"
	"github.com/relves/cordapps/pkg/session"
	"github.com/relves/cordapps/pkg/types"
)

// Step is the persisted position of a co-signing attempt.
type Step string

const (
	StepBuilding         Step = "BUILDING"
	StepLocallySigned    Step = "LOCALLY_SIGNED"
	StepCollectingRemote Step = "COLLECTING_REMOTE"
	StepComplete         Step = "COMPLETE"
	StepFailed           Step = "FAILED"
)

type cosignRequest struct {
	FlowID uuid.UUID                 `json:"flow_id"`
	Tx     *ledger.SignedTransaction `json:"tx"`
}

type cosignResponse struct {
	Signatures []ledger.TransactionSignature `json:"signatures"`
}

// signingAccount is an account whose keys, or whose host, the transaction
// requires.
type signingAccount struct {
	account types.Account
	keys    []identity.PublicKey
}

// hostPlan is what one remote host is expected to sign.
type hostPlan struct {
	host     types.Party
	keys     identity.KeySet
	accounts []uuid.UUID
}

func (h *hostPlan) expected() identity.KeySet {
	want := identity.NewKeySet(identity.PublicKey(h.host.DID))
	for k := range h.keys {
		want.Add(k)
	}
	return want
}

type signingPlan struct {
	local  []signingAccount
	remote []*hostPlan
}

// CoSigner collects the signatures a transaction needs from this node and
// from the hosts of every signing account.
type CoSigner struct {
	identity    *identity.Signer
	self        types.Party
	keys        *accounts.KeyIndex
	ledger      ledger.Ledger
	checkpoints storage.CheckpointStore
	logger      *slog.Logger
}

// Collect runs a new co-signing attempt to completion. sessions must reach
// every remote host of a signing account.
func (c *CoSigner) Collect(ctx context.Context, stx *ledger.SignedTransaction, sessions []session.Session) (*ledger.SignedTransaction, error) {
	flowID, err := c.Start(ctx, stx)
	if err != nil {
		return nil, err
	}
	return c.Resume(ctx, flowID, sessions)
}

// Start records a new attempt in the BUILDING step and returns its id.
func (c *CoSigner) Start(ctx context.Context, stx *ledger.SignedTransaction) (uuid.UUID, error) {
	flowID := uuid.New()
	if err := c.save(ctx, flowID, StepBuilding, stx, nil, ""); err != nil {
		return uuid.Nil, fmt.Errorf("checkpoint flow %s: %w", flowID, err)
	}
	return flowID, nil
}

// Status returns the step an attempt has reached.
func (c *CoSigner) Status(ctx context.Context, flowID uuid.UUID) (Step, error) {
	cp, err := c.checkpoints.GetCheckpoint(ctx, flowID)
	if err != nil {
		return "", err
	}
	return Step(cp.Step), nil
}

// Resume continues an attempt from its last checkpoint. Completed attempts
// return the stored transaction; failed attempts return their error.
func (c *CoSigner) Resume(ctx context.Context, flowID uuid.UUID, sessions []session.Session) (*ledger.SignedTransaction, error) {
	cp, err := c.checkpoints.GetCheckpoint(ctx, flowID)
	if err != nil {
		return nil, fmt.Errorf("load flow %s: %w", flowID, err)
	}
	var stx ledger.SignedTransaction
	if err := json.Unmarshal(cp.Tx, &stx); err != nil {
		return nil, fmt.Errorf("decode flow %s: %w", flowID, err)
	}

	switch Step(cp.Step) {
	case StepComplete:
		return &stx, nil
	case StepFailed:
		return nil, fmt.Errorf("co-signing %s failed: %s", flowID, cp.Error)
	}

	out, err := c.run(ctx, flowID, Step(cp.Step), &stx, cp.Collected, sessions)
	if err != nil {
		if ctx.Err() == nil {
			c.fail(ctx, flowID, err)
		}
		return nil, err
	}
	return out, nil
}

func (c *CoSigner) run(ctx context.Context, flowID uuid.UUID, step Step, stx *ledger.SignedTransaction, collected []string, sessions []session.Session) (*ledger.SignedTransaction, error) {
	txID, err := stx.ID()
	if err != nil {
		return nil, err
	}
	log := c.logger.With("flow", flowID, "tx", txID)

	plan, err := c.plan(ctx, stx)
	if err != nil {
		return nil, err
	}

	if step == StepBuilding {
		sigs, err := c.signOwn(ctx, stx, plan.local)
		if err != nil {
			return nil, err
		}
		stx = stx.WithSignatures(sigs...)
		if err := c.save(ctx, flowID, StepLocallySigned, stx, collected, ""); err != nil {
			return nil, err
		}
		log.Debug("signed locally", "signatures", len(sigs))
	}

	stx, err = c.collectRemote(ctx, flowID, stx, plan.remote, collected, sessions)
	if err != nil {
		return nil, err
	}

	stx, err = c.collectResidual(ctx, flowID, stx, sessions)
	if err != nil {
		return nil, err
	}

	if err := c.save(ctx, flowID, StepComplete, stx, nil, ""); err != nil {
		return nil, err
	}
	log.Info("co-signing complete", "signatures", len(stx.Sigs))
	return stx, nil
}

// plan resolves the signing accounts of stx and splits them by host.
func (c *CoSigner) plan(ctx context.Context, stx *ledger.SignedTransaction) (*signingPlan, error) {
	required := stx.RequiredSigners()
	byID := make(map[uuid.UUID]*signingAccount)
	var order []uuid.UUID
	add := func(acct types.Account) *signingAccount {
		sa, ok := byID[acct.ID]
		if !ok {
			sa = &signingAccount{account: acct}
			byID[acct.ID] = sa
			order = append(order, acct.ID)
		}
		return sa
	}

	for _, key := range required.Sorted() {
		acct, err := c.keys.AccountFor(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("resolve signer %s: %w", key, err)
		}
		if acct == nil {
			continue
		}
		sa := add(*acct)
		sa.keys = append(sa.keys, key)
	}

	for _, ref := range stx.Tx.References {
		state, err := c.ledger.ResolveState(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("resolve reference %s: %w", ref, err)
		}
		if state.Contract != contracts.AccountInfoContractID {
			continue
		}
		info, err := contracts.DecodeAccountInfo(*state)
		if err != nil {
			return nil, err
		}
		if required.Has(identity.PublicKey(info.Account.Host.DID)) {
			add(info.Account)
		}
	}

	plan := &signingPlan{}
	hosts := make(map[string]*hostPlan)
	for _, id := range order {
		sa := byID[id]
		if sa.account.HostedBy(c.self) {
			plan.local = append(plan.local, *sa)
			continue
		}
		hp, ok := hosts[sa.account.Host.DID]
		if !ok {
			hp = &hostPlan{host: sa.account.Host, keys: identity.NewKeySet()}
			hosts[sa.account.Host.DID] = hp
			plan.remote = append(plan.remote, hp)
		}
		for _, k := range sa.keys {
			hp.keys.Add(k)
		}
		hp.accounts = append(hp.accounts, id)
	}
	sort.Slice(plan.remote, func(i, j int) bool {
		return plan.remote[i].host.DID < plan.remote[j].host.DID
	})
	return plan, nil
}

// signOwn signs with every key of the local signing accounts and with the
// node identity, holding the account locks while doing so.
func (c *CoSigner) signOwn(ctx context.Context, stx *ledger.SignedTransaction, local []signingAccount) ([]ledger.TransactionSignature, error) {
	ids := make([]uuid.UUID, len(local))
	for i, sa := range local {
		ids[i] = sa.account.ID
	}
	unlock := c.keys.Locks().Lock(ids...)
	defer unlock()

	var sigs []ledger.TransactionSignature
	for _, sa := range local {
		if !sa.account.Active() {
			return nil, fmt.Errorf("%w: %s", accounts.ErrInactiveAccount, sa.account.ID)
		}
		for _, key := range sa.keys {
			sig, err := stx.SignWith(func(data []byte) ([]byte, error) {
				return c.keys.Sign(ctx, key, data)
			}, key)
			if err != nil {
				return nil, err
			}
			sigs = append(sigs, sig)
		}
	}

	sig, err := stx.SignWith(func(data []byte) ([]byte, error) {
		return c.identity.Sign(data), nil
	}, c.identity.PublicKey())
	if err != nil {
		return nil, err
	}
	return append(sigs, sig), nil
}

func (c *CoSigner) collectRemote(ctx context.Context, flowID uuid.UUID, stx *ledger.SignedTransaction, hosts []*hostPlan, collected []string, sessions []session.Session) (*ledger.SignedTransaction, error) {
	done := make(map[string]struct{}, len(collected))
	for _, did := range collected {
		done[did] = struct{}{}
	}
	byDID := make(map[string]session.Session, len(sessions))
	for _, sess := range sessions {
		byDID[sess.Counterparty().DID] = sess
	}

	var pending []*hostPlan
	for _, hp := range hosts {
		if _, ok := done[hp.host.DID]; ok {
			continue
		}
		if _, ok := byDID[hp.host.DID]; !ok {
			return nil, fmt.Errorf("%w: no session to %s, host of %v", ErrMissingSession, hp.host.Name, hp.accounts)
		}
		pending = append(pending, hp)
	}

	collected = append([]string(nil), collected...)
	if err := c.save(ctx, flowID, StepCollectingRemote, stx, collected, ""); err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return stx, nil
	}

	txID, err := stx.ID()
	if err != nil {
		return nil, err
	}
	sent := stx

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, hp := range pending {
		sess := byDID[hp.host.DID]
		g.Go(func() error {
			sigs, err := requestSignatures(gctx, sess, flowID, sent)
			if err != nil {
				return err
			}
			if err := checkHostSignatures(txID, hp, sigs); err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			stx = stx.WithSignatures(sigs...)
			collected = append(collected, hp.host.DID)
			c.logger.Debug("collected host signatures", "flow", flowID, "host", hp.host.Name, "signatures", len(sigs))
			return c.save(ctx, flowID, StepCollectingRemote, stx, collected, "")
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return stx, nil
}

// collectResidual asks the sessions whose counterparty is still a missing
// signer for their signatures. The notary signs later and is never missing.
func (c *CoSigner) collectResidual(ctx context.Context, flowID uuid.UUID, stx *ledger.SignedTransaction, sessions []session.Session) (*ledger.SignedTransaction, error) {
	notaryKey := identity.PublicKey(stx.Tx.Notary.DID)
	missing := stx.MissingSigners(notaryKey)
	if len(missing) == 0 {
		return stx, nil
	}

	var matching []session.Session
	for _, sess := range sessions {
		if missing.Has(identity.PublicKey(sess.Counterparty().DID)) {
			matching = append(matching, sess)
		}
	}
	if len(matching) < len(missing) {
		return nil, fmt.Errorf("%w: %d signers missing %v, %d matching sessions",
			ErrIncompleteSessionSet, len(missing), missing.Sorted(), len(matching))
	}

	txID, err := stx.ID()
	if err != nil {
		return nil, err
	}
	for _, sess := range matching {
		sigs, err := requestSignatures(ctx, sess, flowID, stx)
		if err != nil {
			return nil, err
		}
		var wanted []ledger.TransactionSignature
		for _, sig := range sigs {
			if missing.Has(sig.By) {
				wanted = append(wanted, sig)
			}
		}
		if err := ledger.VerifySignatures(txID, wanted); err != nil {
			return nil, fmt.Errorf("%w: from %s: %v", ErrSignatureMismatch, sess.Counterparty().Name, err)
		}
		stx = stx.WithSignatures(wanted...)
	}

	if still := stx.MissingSigners(notaryKey); len(still) > 0 {
		return nil, fmt.Errorf("%w: still missing %v", ErrIncompleteSessionSet, still.Sorted())
	}
	return stx, nil
}

func requestSignatures(ctx context.Context, sess session.Session, flowID uuid.UUID, stx *ledger.SignedTransaction) ([]ledger.TransactionSignature, error) {
	var resp cosignResponse
	if err := sess.SendAndReceive(ctx, ProtocolCoSign, cosignRequest{FlowID: flowID, Tx: stx}, &resp); err != nil {
		return nil, fmt.Errorf("request signatures from %s: %w", sess.Counterparty().Name, err)
	}
	return resp.Signatures, nil
}

// checkHostSignatures requires exactly one valid signature per expected key.
func checkHostSignatures(txID string, hp *hostPlan, sigs []ledger.TransactionSignature) error {
	want := hp.expected()
	got := identity.NewKeySet()
	for _, sig := range sigs {
		got.Add(sig.By)
	}
	if len(sigs) != len(want) || !got.Equal(want) {
		return fmt.Errorf("%w: %s returned %v, expected %v",
			ErrSignatureMismatch, hp.host.Name, got.Sorted(), want.Sorted())
	}
	if err := ledger.VerifySignatures(txID, sigs); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSignatureMismatch, hp.host.Name, err)
	}
	return nil
}

func (c *CoSigner) save(ctx context.Context, flowID uuid.UUID, step Step, stx *ledger.SignedTransaction, collected []string, failure string) error {
	data, err := json.Marshal(stx)
	if err != nil {
		return err
	}
	return c.checkpoints.SaveCheckpoint(ctx, storage.Checkpoint{
		FlowID:    flowID,
		Step:      string(step),
		Tx:        data,
		Collected: collected,
		Error:     failure,
	})
}

// fail marks the latest checkpoint of flowID as failed.
func (c *CoSigner) fail(ctx context.Context, flowID uuid.UUID, cause error) {
	c.logger.Warn("co-signing failed", "flow", flowID, "error", cause)

	ctx = context.WithoutCancel(ctx)
	cp, err := c.checkpoints.GetCheckpoint(ctx, flowID)
	if err == nil {
		cp.Step = string(StepFailed)
		cp.Error = cause.Error()
		err = c.checkpoints.SaveCheckpoint(ctx, *cp)
	}
	if err != nil {
		c.logger.Error("failed to checkpoint failure", "flow", flowID, "error", err)
	}
}
