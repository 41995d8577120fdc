// Package sweepstake assigns accounts to groups of four on the ledger.
package sweepstake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/relves/cordapps/pkg/accounts"
	"github.com/relves/cordapps/pkg/contracts"
	"github.com/relves/cordapps/pkg/flows"
	"github.com/relves/cordapps/pkg/identity"
	"github.com/relves/cordapps/pkg/ledger"
	"github.com/relves/cordapps/pkg/types"
)

// GroupSize is the number of accounts in every group.
const GroupSize = 4

// ErrUngroupableInput is returned when accounts do not divide into whole groups.
var ErrUngroupableInput = errors.New("accounts cannot be split into groups of four")

// SplitIntoGroupsOfFour chunks accounts in input order.
func SplitIntoGroupsOfFour(accts []types.Account) ([][]types.Account, error) {
	if len(accts) == 0 || len(accts)%GroupSize != 0 {
		return nil, fmt.Errorf("%w: got %d accounts", ErrUngroupableInput, len(accts))
	}
	groups := make([][]types.Account, 0, len(accts)/GroupSize)
	for i := 0; i < len(accts); i += GroupSize {
		groups = append(groups, append([]types.Account(nil), accts[i:i+GroupSize]...))
	}
	return groups, nil
}

// Config holds configuration for creating a Service.
type Config struct {
	Flows    *flows.Service
	Registry *accounts.Registry

	// Logger for structured logging.
	// Default: slog.Default()
	Logger *slog.Logger
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Service issues and folds account groups.
type Service struct {
	flows    *flows.Service
	registry *accounts.Registry
	logger   *slog.Logger
}

// New creates a grouping service.
func New(cfg Config) (*Service, error) {
	cfg.ApplyDefaults()
	if cfg.Flows == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("flows and registry are required")
	}
	return &Service{flows: cfg.Flows, registry: cfg.Registry, logger: cfg.Logger}, nil
}

// Group is a group state with its ledger reference.
type Group struct {
	contracts.AccountGroupState
	Ref ledger.StateRef `json:"ref"`
}

// AssignGroups splits accounts into groups and records each group on the
// ledger, one member per transaction, co-signed by otherParty. Groups are
// folded one after another; every update consumes the previous group state.
func (s *Service) AssignGroups(ctx context.Context, accts []types.Account, otherParty types.Party) ([]Group, error) {
	chunks, err := SplitIntoGroupsOfFour(accts)
	if err != nil {
		return nil, err
	}

	out := make([]Group, 0, len(chunks))
	for i, members := range chunks {
		g, err := s.foldGroup(ctx, fmt.Sprintf("Group %d", i+1), members, otherParty)
		if err != nil {
			return nil, fmt.Errorf("assign group %d: %w", i+1, err)
		}
		out = append(out, *g)
	}
	return out, nil
}

func (s *Service) foldGroup(ctx context.Context, name string, members []types.Account, otherParty types.Party) (*Group, error) {
	var current *Group
	queue := members
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		g, err := s.addMember(ctx, name, current, next, otherParty)
		if err != nil {
			return nil, err
		}
		current = g
	}
	s.logger.Info("group assigned", "group", name, "members", len(current.Members))
	return current, nil
}

// addMember issues the group with its first member when current is nil and
// otherwise consumes current to produce the group with member appended.
func (s *Service) addMember(ctx context.Context, name string, current *Group, member types.Account, otherParty types.Party) (*Group, error) {
	key, err := s.flows.KeyForAccount(ctx, member)
	if err != nil {
		return nil, fmt.Errorf("key for %s: %w", member.Name, err)
	}

	next := contracts.AccountGroupState{GroupName: name, Owner: key}
	cmd := contracts.GroupCommandIssue
	if current != nil {
		next.Members = append(next.Members, current.Members...)
		cmd = contracts.GroupCommandUpdate
	}
	next.Members = append(next.Members, member.ID)

	state, err := contracts.NewAccountGroupState(next, key, identity.PublicKey(otherParty.DID))
	if err != nil {
		return nil, err
	}
	tx := ledger.NewWireTransaction(s.flows.Notary()).
		AddOutput(state).
		AddCommand(contracts.GroupCommandOf(cmd, key, identity.PublicKey(otherParty.DID)))
	if current != nil {
		tx.AddInput(current.Ref)
	}

	final, err := s.flows.SignAndFinalize(ctx, tx, otherParty, member.Host)
	if err != nil {
		return nil, err
	}
	ref, err := final.Tx.OutputRef(0)
	if err != nil {
		return nil, err
	}
	return &Group{AccountGroupState: next, Ref: ref}, nil
}

// Groups lists the current group states.
func (s *Service) Groups(ctx context.Context) ([]Group, error) {
	states, err := s.flows.Ledger().Unconsumed(ctx, contracts.AccountGroupContractID)
	if err != nil {
		return nil, err
	}
	out := make([]Group, 0, len(states))
	for _, st := range states {
		g, err := contracts.DecodeAccountGroup(st.State)
		if err != nil {
			return nil, err
		}
		out = append(out, Group{AccountGroupState: g, Ref: st.Ref})
	}
	return out, nil
}

// MembersOf resolves the member ids of g against the accounts this node knows.
// Unknown members are skipped.
func (s *Service) MembersOf(ctx context.Context, g Group) ([]types.Account, error) {
	var out []types.Account
	for _, id := range g.Members {
		acct, err := s.registry.LookupByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if acct != nil {
			out = append(out, *acct)
		}
	}
	return out, nil
}
