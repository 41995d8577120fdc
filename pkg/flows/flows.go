// Package flows implements the inter-node protocols of a node: co-signing,
// account sharing, key requests and host moves.
package flows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/relves/cordapps/internal/storage"
	"github.com/relves/cordapps/pkg/accounts"
	"github.com/relves/cordapps/pkg/identity"
	"github.com/relves/cordapps/pkg/ledger"
	"github.com/relves/cordapps/pkg/session"
	"github.com/relves/cordapps/pkg/types"
)

// Protocols served by every node.
const (
	ProtocolCoSign     = "cosign/sign"
	ProtocolShare      = "accounts/share"
	ProtocolRequestKey = "accounts/request-key"
	ProtocolMoveHost   = "accounts/move-host"
)

var (
	// ErrSignatureMismatch means a counterparty returned a signature set other
	// than the one its accounts require. It is never retried.
	ErrSignatureMismatch = errors.New("signature set mismatch")
	// ErrMissingSession means a required host has no open session.
	ErrMissingSession = errors.New("missing session")
	// ErrIncompleteSessionSet means fewer sessions than missing signers remain.
	ErrIncompleteSessionSet = errors.New("incomplete session set")
	// ErrUnauthorisedShare means an account record came from a node that
	// does not host it.
	ErrUnauthorisedShare = errors.New("account shared by a node that does not host it")
	// ErrRejected means the counterparty refused to sign.
	ErrRejected = errors.New("transaction rejected")
)

// TransactionCheck lets a responder veto a transaction before signing it.
type TransactionCheck func(ctx context.Context, from types.Party, stx *ledger.SignedTransaction) error

// Config holds configuration for creating a Service.
type Config struct {
	Identity    *identity.Signer
	Registry    *accounts.Registry
	Keys        *accounts.KeyIndex
	Ledger      ledger.Ledger
	Messenger   session.Messenger
	Checkpoints storage.CheckpointStore

	// Notary is named by every transaction this node builds.
	Notary types.Party

	// CheckTransaction is consulted by the co-signing responder.
	// Default: accept everything
	CheckTransaction TransactionCheck

	// Logger for structured logging.
	// Default: slog.Default()
	Logger *slog.Logger
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.CheckTransaction == nil {
		c.CheckTransaction = func(context.Context, types.Party, *ledger.SignedTransaction) error { return nil }
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

func (c *Config) validate() error {
	switch {
	case c.Identity == nil:
		return fmt.Errorf("identity is required")
	case c.Registry == nil || c.Keys == nil:
		return fmt.Errorf("registry and key index are required")
	case c.Ledger == nil:
		return fmt.Errorf("ledger is required")
	case c.Messenger == nil:
		return fmt.Errorf("messenger is required")
	case c.Checkpoints == nil:
		return fmt.Errorf("checkpoint store is required")
	}
	return nil
}

// Service runs the flows of one node.
type Service struct {
	identity *identity.Signer
	self     types.Party
	registry *accounts.Registry
	keys     *accounts.KeyIndex
	ledger   ledger.Ledger
	msgr     session.Messenger
	notary   types.Party
	check    TransactionCheck
	cosigner *CoSigner
	logger   *slog.Logger
}

// New creates the flow service.
func New(cfg Config) (*Service, error) {
	cfg.ApplyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &Service{
		identity: cfg.Identity,
		self:     cfg.Registry.Self(),
		registry: cfg.Registry,
		keys:     cfg.Keys,
		ledger:   cfg.Ledger,
		msgr:     cfg.Messenger,
		notary:   cfg.Notary,
		check:    cfg.CheckTransaction,
		logger:   cfg.Logger,
	}
	s.cosigner = &CoSigner{
		identity:    cfg.Identity,
		self:        s.self,
		keys:        cfg.Keys,
		ledger:      cfg.Ledger,
		checkpoints: cfg.Checkpoints,
		logger:      cfg.Logger.With("component", "cosigner"),
	}
	return s, nil
}

// Register installs the responders of every flow on router.
func (s *Service) Register(router *session.Router) {
	router.Handle(ProtocolCoSign, s.handleCoSign)
	router.Handle(ProtocolShare, s.handleShare)
	router.Handle(ProtocolRequestKey, s.handleRequestKey)
	router.Handle(ProtocolMoveHost, s.handleMoveHost)
}

// Self returns the node's party.
func (s *Service) Self() types.Party {
	return s.self
}

// Notary returns the notary named by new transactions.
func (s *Service) Notary() types.Party {
	return s.notary
}

// CoSigner returns the co-signing initiator.
func (s *Service) CoSigner() *CoSigner {
	return s.cosigner
}

// Ledger returns the ledger flows finalize through.
func (s *Service) Ledger() ledger.Ledger {
	return s.ledger
}

// OpenSessions opens a session to every party other than this node.
func (s *Service) OpenSessions(ctx context.Context, parties ...types.Party) ([]session.Session, error) {
	seen := make(map[string]struct{})
	var sessions []session.Session
	for _, p := range parties {
		if p.DID == s.self.DID {
			continue
		}
		if _, dup := seen[p.DID]; dup {
			continue
		}
		seen[p.DID] = struct{}{}

		sess, err := s.msgr.OpenSession(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("open session to %s: %w", p.Name, err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// Finalize submits a fully signed transaction for notarisation.
func (s *Service) Finalize(ctx context.Context, stx *ledger.SignedTransaction) (*ledger.SignedTransaction, error) {
	id, err := stx.ID()
	if err != nil {
		return nil, err
	}
	final, err := s.ledger.Finalize(ctx, stx)
	if err != nil {
		return nil, err
	}
	s.logger.Info("transaction finalized", "tx", id, "signatures", len(final.Sigs))
	return final, nil
}

// SignAndFinalize co-signs tx with the hosts reachable through sessions to
// counterparties, then finalizes it.
func (s *Service) SignAndFinalize(ctx context.Context, tx *ledger.WireTransaction, counterparties ...types.Party) (*ledger.SignedTransaction, error) {
	sessions, err := s.OpenSessions(ctx, counterparties...)
	if err != nil {
		return nil, err
	}
	signed, err := s.cosigner.Collect(ctx, ledger.NewSignedTransaction(tx), sessions)
	if err != nil {
		return nil, err
	}
	return s.Finalize(ctx, signed)
}
