package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/storacha/go-ucanto/client"
	"github.com/storacha/go-ucanto/principal/ed25519/verifier"
	"github.com/storacha/go-ucanto/transport"

	"github.com/relves/cordapps/pkg/identity"
	"github.com/relves/cordapps/pkg/types"
)

// Network is an in-process transport. Invocations still go through the
// ucanto codec so routers see exactly what they would over the wire.
type Network struct {
	mu      sync.RWMutex
	routers map[string]*Router // party DID -> router
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		routers: make(map[string]*Router),
	}
}

// Join attaches a node's router. Every joined party is allowed to invoke
// every other.
func (n *Network) Join(r *Router) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, other := range n.routers {
		other.Allow(r.Self())
		r.Allow(other.Self())
	}
	n.routers[r.Self().DID] = r
}

// Leave detaches a party; later sessions to it fail.
func (n *Network) Leave(p types.Party) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.routers, p.DID)
}

// Messenger returns the messenger used by self.
func (n *Network) Messenger(self types.Party, signer *identity.Signer) Messenger {
	return &networkMessenger{network: n, invoker: NewInvoker(self, signer, DefaultInvocationTTL)}
}

func (n *Network) router(p types.Party) (*Router, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	r, ok := n.routers[p.DID]
	return r, ok
}

type networkMessenger struct {
	network *Network
	invoker *Invoker
}

func (m *networkMessenger) OpenSession(ctx context.Context, party types.Party) (Session, error) {
	if _, ok := m.network.router(party); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParty, party)
	}
	aud, err := verifier.Parse(party.DID)
	if err != nil {
		return nil, fmt.Errorf("invalid party DID %s: %w", party.DID, err)
	}
	conn, err := client.NewConnection(aud, &networkChannel{network: m.network, party: party})
	if err != nil {
		return nil, fmt.Errorf("failed to create connection to %s: %w", party.Name, err)
	}
	return &connSession{invoker: m.invoker, conn: conn, party: party}, nil
}

// networkChannel resolves the router on every request so a party that
// left the network becomes unreachable.
type networkChannel struct {
	network *Network
	party   types.Party
}

func (c *networkChannel) Request(ctx context.Context, req transport.HTTPRequest) (transport.HTTPResponse, error) {
	r, ok := c.network.router(c.party)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParty, c.party)
	}
	return r.Request(ctx, req)
}
