// pkg/types/account.go
package types

import (
	"fmt"

	"github.com/google/uuid"
)

// Party is a node on the network, identified by the did:key of its identity key.
type Party struct {
	Name string `json:"name"`
	DID  string `json:"did"`
}

func (p Party) String() string {
	return fmt.Sprintf("%s (%s)", p.Name, p.DID)
}

// AccountStatus is the lifecycle state of an account.
type AccountStatus string

const (
	StatusActive   AccountStatus = "ACTIVE"
	StatusInactive AccountStatus = "INACTIVE"
)

// Account is a pseudonymous identity bucket hosted by exactly one node.
// Names are unique per host only.
type Account struct {
	ID     uuid.UUID     `json:"id"`
	Name   string        `json:"name"`
	Host   Party         `json:"host"`
	Status AccountStatus `json:"status"`
}

// Active reports whether the account can still be issued keys and sign.
func (a Account) Active() bool {
	return a.Status == StatusActive
}

// HostedBy reports whether p is the account's host.
func (a Account) HostedBy(p Party) bool {
	return a.Host.DID == p.DID
}
