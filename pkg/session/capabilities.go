package session

import (
	"sync"

	ipldprime "github.com/ipld/go-ipld-prime"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	ipldschema "github.com/ipld/go-ipld-prime/schema"
	"github.com/storacha/go-ucanto/core/ipld"
	"github.com/storacha/go-ucanto/core/schema"
	"github.com/storacha/go-ucanto/validator"
)

// MessageCaveats carries a JSON encoded protocol payload.
type MessageCaveats struct {
	Payload string
}

// ToIPLD converts MessageCaveats to an IPLD node
func (c MessageCaveats) ToIPLD() (ipld.Node, error) {
	np := basicnode.Prototype.Any
	nb := np.NewBuilder()
	ma, _ := nb.BeginMap(1)
	ma.AssembleKey().AssignString("payload")
	ma.AssembleValue().AssignString(c.Payload)
	ma.Finish()
	return nb.Build(), nil
}

func messageCaveatsType() ipldschema.Type {
	ts, err := ipldprime.LoadSchemaBytes([]byte(`
		type MessageCaveats struct {
			payload String
		}
	`))
	if err != nil {
		panic(err)
	}
	return ts.TypeByName("MessageCaveats")
}

// MessageReply is the success result of a protocol invocation.
type MessageReply struct {
	Payload string
}

// ToIPLD converts MessageReply to an IPLD node
func (r MessageReply) ToIPLD() (ipld.Node, error) {
	np := basicnode.Prototype.Any
	nb := np.NewBuilder()
	ma, _ := nb.BeginMap(1)
	ma.AssembleKey().AssignString("payload")
	ma.AssembleValue().AssignString(r.Payload)
	ma.Finish()
	return nb.Build(), nil
}

// MessageFailure is the failure result of a protocol invocation.
type MessageFailure struct {
	name    string
	message string
}

func (f MessageFailure) Name() string {
	return f.name
}

func (f MessageFailure) Error() string {
	return f.message
}

func (f MessageFailure) ToIPLD() (ipld.Node, error) {
	np := basicnode.Prototype.Any
	nb := np.NewBuilder()
	ma, _ := nb.BeginMap(2)
	ma.AssembleKey().AssignString("name")
	ma.AssembleValue().AssignString(f.name)
	ma.AssembleKey().AssignString("message")
	ma.AssembleValue().AssignString(f.message)
	ma.Finish()
	return nb.Build(), nil
}

// NewMessageFailure creates a new MessageFailure
func NewMessageFailure(name, message string) MessageFailure {
	return MessageFailure{name: name, message: message}
}

// Failure names reported in receipts.
const (
	FailureUnknownPeer = "UnknownPeer"
	FailureReplayed    = "ReplayedInvocation"
	FailureExpiry      = "InvalidExpiry"
	FailureHandler     = "HandlerFailed"
	FailureNoHandler   = "NoHandler"
)

var (
	capMu        sync.Mutex
	capabilities = map[string]validator.CapabilityParser[MessageCaveats]{}
)

// Capability returns the parser for protocol. Every protocol is its own
// ability; the resource is the issuing node's DID.
func Capability(protocol string) validator.CapabilityParser[MessageCaveats] {
	capMu.Lock()
	defer capMu.Unlock()
	if c, ok := capabilities[protocol]; ok {
		return c
	}
	c := validator.NewCapability(
		protocol,
		schema.DIDString(),
		schema.Struct[MessageCaveats](messageCaveatsType(), nil),
		nil,
	)
	capabilities[protocol] = c
	return c
}
