// Package session is the point-to-point messaging layer between nodes.
//
// Every protocol message is a ucanto invocation of the protocol's ability,
// self-issued by the sending node and addressed to the receiving node. A
// Router only accepts invocations issued by parties it has been told about.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/storacha/go-ucanto/core/invocation"
	"github.com/storacha/go-ucanto/core/receipt/fx"
	"github.com/storacha/go-ucanto/core/result"
	"github.com/storacha/go-ucanto/core/result/failure"
	"github.com/storacha/go-ucanto/did"
	ucantoServer "github.com/storacha/go-ucanto/server"
	"github.com/storacha/go-ucanto/transport"
	"github.com/storacha/go-ucanto/ucan"
	"github.com/storacha/go-ucanto/validator"

	"github.com/relves/cordapps/pkg/identity"
	"github.com/relves/cordapps/pkg/types"
)

var (
	// ErrUnknownParty is returned when no route to a party exists.
	ErrUnknownParty = errors.New("unknown party")
	// ErrNoHandler is returned when the counterparty does not serve a protocol.
	ErrNoHandler = errors.New("no handler for protocol")
)

const (
	// DefaultInvocationTTL is how long a sent invocation stays valid.
	DefaultInvocationTTL = 2 * time.Minute
	// replayCacheSize bounds the remembered invocation links.
	replayCacheSize = 100_000
)

// Session is an open channel to one counterparty.
type Session interface {
	Counterparty() types.Party
	// Send delivers payload and waits for the counterparty to accept it.
	Send(ctx context.Context, protocol string, payload any) error
	// SendAndReceive delivers payload and decodes the reply into out.
	SendAndReceive(ctx context.Context, protocol string, payload any, out any) error
}

// Messenger opens sessions to counterparties.
type Messenger interface {
	OpenSession(ctx context.Context, party types.Party) (Session, error)
}

// HandlerFunc serves one protocol. The returned value is sent back to the
// initiator; nil sends an empty reply.
type HandlerFunc func(ctx context.Context, from types.Party, payload json.RawMessage) (any, error)

// RemoteError carries a failure reported by the counterparty.
type RemoteError struct {
	Party    types.Party
	Protocol string
	Name     string
	Message  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s failed at %s: %s", e.Protocol, e.Party.Name, e.Message)
}

// Router serves inbound protocol invocations for one node. It is a ucanto
// server whose service methods are the registered protocol handlers.
type Router struct {
	self   types.Party
	signer *identity.Signer
	logger *slog.Logger
	maxTTL time.Duration

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	peers    map[string]types.Party // DID -> party
	srv      ucantoServer.ServerView[ucantoServer.Service]

	// invocation link -> seen; entries outlive the longest accepted expiry
	seen *expirable.LRU[string, struct{}]
}

// NewRouter creates a router for the node identified by self. Only self is
// allowed to invoke it until peers are added with Allow.
func NewRouter(self types.Party, signer *identity.Signer, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		self:     self,
		signer:   signer,
		logger:   logger,
		maxTTL:   DefaultInvocationTTL,
		handlers: make(map[string]HandlerFunc),
		peers:    map[string]types.Party{self.DID: self},
		seen:     expirable.NewLRU[string, struct{}](replayCacheSize, nil, DefaultInvocationTTL+time.Minute),
	}
	return r
}

// Self returns the party this router serves.
func (r *Router) Self() types.Party {
	return r.self
}

// Allow adds parties to the set permitted to invoke this router.
func (r *Router) Allow(parties ...types.Party) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range parties {
		r.peers[p.DID] = p
	}
}

// Handle registers h for protocol, replacing any previous handler.
func (r *Router) Handle(protocol string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[protocol] = h
	r.srv = nil
}

func (r *Router) peer(d string) (types.Party, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[d]
	return p, ok
}

// canIssue accepts only self-issued capabilities from known peers.
func (r *Router) canIssue(c ucan.Capability[any], issuer did.DID) bool {
	if !validator.IsSelfIssued(c, issuer) {
		return false
	}
	_, ok := r.peer(issuer.String())
	return ok
}

func (r *Router) server() (ucantoServer.ServerView[ucantoServer.Service], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.srv != nil {
		return r.srv, nil
	}

	opts := []ucantoServer.Option{
		ucantoServer.WithCanIssue(r.canIssue),
		ucantoServer.WithErrorHandler(func(err ucantoServer.HandlerExecutionError[any]) {
			r.logger.Error("protocol invocation failed", "can", err.Capability().Can(), "error", err.Cause())
		}),
	}
	for protocol := range r.handlers {
		opts = append(opts, ucantoServer.WithServiceMethod(protocol, r.method(protocol)))
	}
	srv, err := ucantoServer.NewServer(r.signer.Principal(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create ucanto server: %w", err)
	}
	r.srv = srv
	return srv, nil
}

// Request implements transport.Channel so in-process connections can talk
// to the router without HTTP.
func (r *Router) Request(ctx context.Context, req transport.HTTPRequest) (transport.HTTPResponse, error) {
	srv, err := r.server()
	if err != nil {
		return nil, err
	}
	return srv.Request(ctx, req)
}

func (r *Router) method(protocol string) ucantoServer.ServiceMethod[MessageReply, failure.IPLDBuilderFailure] {
	return ucantoServer.Provide(
		Capability(protocol),
		func(ctx context.Context, cap ucan.Capability[MessageCaveats], inv invocation.Invocation, _ ucantoServer.InvocationContext) (result.Result[MessageReply, MessageFailure], fx.Effects, error) {
			from, ok := r.peer(inv.Issuer().DID().String())
			if !ok {
				return result.Error[MessageReply](NewMessageFailure(FailureUnknownPeer, "issuer is not a known peer")), nil, nil
			}
			if f, ok := r.checkFresh(inv); !ok {
				r.logger.Warn("rejected protocol invocation", "protocol", protocol, "from", from.Name, "reason", f.Error())
				return result.Error[MessageReply](f), nil, nil
			}

			reply, err := r.dispatch(ctx, from, protocol, []byte(cap.Nb().Payload))
			if err != nil {
				name := FailureHandler
				if errors.Is(err, ErrNoHandler) {
					name = FailureNoHandler
				}
				return result.Error[MessageReply](NewMessageFailure(name, err.Error())), nil, nil
			}
			return result.Ok[MessageReply, MessageFailure](MessageReply{Payload: string(reply)}), nil, nil
		},
	)
}

// checkFresh rejects invocations without a bounded expiry and invocations
// whose link has been seen before.
func (r *Router) checkFresh(inv invocation.Invocation) (MessageFailure, bool) {
	exp := inv.Expiration()
	if exp == nil {
		return NewMessageFailure(FailureExpiry, "invocation has no expiry"), false
	}
	if time.Unix(int64(*exp), 0).After(time.Now().Add(r.maxTTL + time.Minute)) {
		return NewMessageFailure(FailureExpiry, "invocation expiry is too far in the future"), false
	}

	key := inv.Link().String()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen.Contains(key) {
		return NewMessageFailure(FailureReplayed, "invocation already processed"), false
	}
	r.seen.Add(key, struct{}{})
	return MessageFailure{}, true
}

// dispatch runs the handler for protocol and encodes its reply.
func (r *Router) dispatch(ctx context.Context, from types.Party, protocol string, payload []byte) ([]byte, error) {
	r.mu.RLock()
	h, ok := r.handlers[protocol]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, protocol)
	}

	reply, err := h(ctx, from, payload)
	if err != nil {
		r.logger.Warn("protocol handler failed", "protocol", protocol, "from", from.Name, "error", err)
		return nil, err
	}
	if reply == nil {
		return nil, nil
	}
	return json.Marshal(reply)
}

func decodeReply(data []byte, out any) error {
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode reply: %w", err)
	}
	return nil
}
