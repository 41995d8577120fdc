package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/storacha/go-ucanto/client"
	"github.com/storacha/go-ucanto/principal/ed25519/verifier"
	thttp "github.com/storacha/go-ucanto/transport/http"

	"github.com/relves/cordapps/pkg/identity"
	"github.com/relves/cordapps/pkg/types"
)

// PeerPath is where a node serves protocol invocations.
const PeerPath = "/p2p"

// Peer is a party reachable over HTTP.
type Peer struct {
	Party types.Party
	URL   string
}

// ParsePeers parses "name|did|url" entries separated by commas.
func ParsePeers(s string) ([]Peer, error) {
	var peers []Peer
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, "|")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid peer %q: want name|did|url", entry)
		}
		if _, err := verifier.Parse(parts[1]); err != nil {
			return nil, fmt.Errorf("invalid peer %q: %w", entry, err)
		}
		peers = append(peers, Peer{
			Party: types.Party{Name: parts[0], DID: parts[1]},
			URL:   strings.TrimSuffix(parts[2], "/"),
		})
	}
	return peers, nil
}

// Parties returns the parties of peers.
func Parties(peers []Peer) []types.Party {
	out := make([]types.Party, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.Party)
	}
	return out
}

// HTTPTransport sends protocol invocations to peers over the ucanto HTTP
// transport.
type HTTPTransport struct {
	invoker *Invoker
	peers   map[string]Peer
	client  *http.Client
}

// NewHTTPTransport creates a transport for self. A nil client uses
// http.DefaultClient.
func NewHTTPTransport(self types.Party, signer *identity.Signer, peers []Peer, client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	m := make(map[string]Peer, len(peers))
	for _, p := range peers {
		m[p.Party.DID] = p
	}
	return &HTTPTransport{
		invoker: NewInvoker(self, signer, DefaultInvocationTTL),
		peers:   m,
		client:  client,
	}
}

// Peers lists the configured peers.
func (t *HTTPTransport) Peers() []Peer {
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

func (t *HTTPTransport) OpenSession(ctx context.Context, party types.Party) (Session, error) {
	p, ok := t.peers[party.DID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParty, party)
	}
	conn, err := t.connect(p)
	if err != nil {
		return nil, err
	}
	return &connSession{invoker: t.invoker, conn: conn, party: p.Party}, nil
}

func (t *HTTPTransport) connect(p Peer) (client.Connection, error) {
	u, err := url.Parse(p.URL + PeerPath)
	if err != nil {
		return nil, fmt.Errorf("invalid peer URL %q: %w", p.URL, err)
	}
	aud, err := verifier.Parse(p.Party.DID)
	if err != nil {
		return nil, fmt.Errorf("invalid peer DID %s: %w", p.Party.DID, err)
	}
	conn, err := client.NewConnection(aud, thttp.NewChannel(u, thttp.WithClient(t.client)))
	if err != nil {
		return nil, fmt.Errorf("failed to create connection to %s: %w", p.Party.Name, err)
	}
	return conn, nil
}

// ServeHTTP handles POST /p2p with a ucanto request body.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	res, err := r.Request(req.Context(), thttp.NewRequest(req.Body, req.Header))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	for name, values := range res.Headers() {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}

	if res.Status() != 0 {
		w.WriteHeader(res.Status())
	}

	body := res.Body()
	io.Copy(w, body)
	body.Close()
}
