// Package node holds the peer data model: immutable identities as
// announced on the wire, and the registry of peers currently believed
// live on the broadcast domain.
package node

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidIdentity = errors.New("node: invalid identity")

// Identity is the immutable descriptor a peer announces about itself.
// Identities are compared by ID only; the rest is advertisement.
type Identity struct {
	ID          string
	DisplayName string
	HostAddress string
	CommandPort uint32
}

func (id Identity) Validate() error {
	if strings.TrimSpace(id.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidIdentity)
	}
	if id.CommandPort == 0 || id.CommandPort > 65535 {
		return fmt.Errorf("%w: command_port %d", ErrInvalidIdentity, id.CommandPort)
	}
	return nil
}

// CommandAddr is the dialable endpoint for this peer's command channel.
func (id Identity) CommandAddr() string {
	return net.JoinHostPort(id.HostAddress, strconv.FormatUint(uint64(id.CommandPort), 10))
}

// State classifies a record by beacon freshness.
type State string

const (
	// StateDiscovered means a beacon arrived within the TTL window.
	StateDiscovered State = "discovered"
	// StateStale means the TTL window elapsed but the sweep has not
	// removed the record yet.
	StateStale State = "stale"
)

// Record is the registry's mutable view of one peer. Callers always
// receive copies; the registry owns the live value.
type Record struct {
	Identity   Identity
	LastSeenAt time.Time
	State      State
}
