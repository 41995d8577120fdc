package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/storacha/go-ucanto/client"
	"github.com/storacha/go-ucanto/core/dag/blockstore"
	"github.com/storacha/go-ucanto/core/delegation"
	"github.com/storacha/go-ucanto/core/invocation"
	"github.com/storacha/go-ucanto/core/ipld"
	"github.com/storacha/go-ucanto/core/receipt"
	"github.com/storacha/go-ucanto/core/result"
	"github.com/storacha/go-ucanto/principal/ed25519/verifier"

	"github.com/relves/cordapps/pkg/identity"
	"github.com/relves/cordapps/pkg/types"
)

// Invoker issues protocol invocations on behalf of one node.
type Invoker struct {
	self   types.Party
	signer *identity.Signer
	ttl    time.Duration
}

// NewInvoker creates an invoker signing as self. A zero ttl uses
// DefaultInvocationTTL.
func NewInvoker(self types.Party, signer *identity.Signer, ttl time.Duration) *Invoker {
	if ttl <= 0 {
		ttl = DefaultInvocationTTL
	}
	return &Invoker{self: self, signer: signer, ttl: ttl}
}

// Invocation builds a signed invocation of protocol addressed to audience.
// Each call carries a fresh nonce and a bounded expiry.
func (i *Invoker) Invocation(audience types.Party, protocol string, payload any) (invocation.IssuedInvocation, error) {
	body, err := marshalPayload(protocol, payload)
	if err != nil {
		return nil, err
	}
	aud, err := verifier.Parse(audience.DID)
	if err != nil {
		return nil, fmt.Errorf("invalid audience %s: %w", audience.DID, err)
	}
	inv, err := Capability(protocol).Invoke(
		i.signer.Principal(),
		aud,
		i.self.DID,
		MessageCaveats{Payload: string(body)},
		delegation.WithNonce(uuid.NewString()),
		delegation.WithExpiration(int(time.Now().Add(i.ttl).Unix())),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s invocation: %w", protocol, err)
	}
	return inv, nil
}

// Execute sends inv over conn and decodes the receipt. The receipt must be
// signed by the audience.
func (i *Invoker) Execute(ctx context.Context, conn client.Connection, to types.Party, protocol string, inv invocation.Invocation, out any) error {
	resp, err := client.Execute(ctx, []invocation.Invocation{inv}, conn)
	if err != nil {
		return fmt.Errorf("%s to %s: %w", protocol, to.Name, err)
	}

	rcptLink, found := resp.Get(inv.Link())
	if !found {
		return fmt.Errorf("no receipt found for invocation: %s", inv.Link())
	}
	bs, err := blockstore.NewBlockStore(blockstore.WithBlocksIterator(resp.Blocks()))
	if err != nil {
		return fmt.Errorf("failed to create block store: %w", err)
	}
	rcpt, err := receipt.NewAnyReceipt(rcptLink, bs)
	if err != nil {
		return fmt.Errorf("failed to read receipt: %w", err)
	}

	v, err := verifier.Parse(to.DID)
	if err != nil {
		return fmt.Errorf("invalid counterparty %s: %w", to.DID, err)
	}
	if ok, err := rcpt.VerifySignature(v); err != nil || !ok {
		return fmt.Errorf("receipt for %s is not signed by %s", protocol, to.Name)
	}

	okNode, xerr := result.Unwrap(rcpt.Out())
	if xerr != nil {
		return &RemoteError{
			Party:    to,
			Protocol: protocol,
			Name:     stringField(xerr, "name"),
			Message:  failureMessage(xerr),
		}
	}
	return decodeReply([]byte(stringField(okNode, "payload")), out)
}

// Call builds and executes one invocation.
func (i *Invoker) Call(ctx context.Context, conn client.Connection, to types.Party, protocol string, payload any, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	inv, err := i.Invocation(to, protocol, payload)
	if err != nil {
		return err
	}
	return i.Execute(ctx, conn, to, protocol, inv, out)
}

func stringField(n ipld.Node, key string) string {
	if n == nil {
		return ""
	}
	v, err := n.LookupByString(key)
	if err != nil {
		return ""
	}
	s, err := v.AsString()
	if err != nil {
		return ""
	}
	return s
}

func failureMessage(n ipld.Node) string {
	if msg := stringField(n, "message"); msg != "" {
		return msg
	}
	if name := stringField(n, "name"); name != "" {
		return name
	}
	return "invocation failed"
}

func marshalPayload(protocol string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", protocol, err)
	}
	return body, nil
}

// connSession is a Session over a ucanto connection.
type connSession struct {
	invoker *Invoker
	conn    client.Connection
	party   types.Party
}

func (s *connSession) Counterparty() types.Party {
	return s.party
}

func (s *connSession) Send(ctx context.Context, protocol string, payload any) error {
	return s.SendAndReceive(ctx, protocol, payload, nil)
}

func (s *connSession) SendAndReceive(ctx context.Context, protocol string, payload any, out any) error {
	return s.invoker.Call(ctx, s.conn, s.party, protocol, payload, out)
}
