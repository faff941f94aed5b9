package relais

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const resourceIDSep = ":"

// ResourceID identifies a resource within the tree of one connection.
// Children extend the ID of their parent, e.g. `<conn>:1` is a session and
// `<conn>:1:4` a link of that session.
type ResourceID string

// NewConnectionID returns a fresh, globally unique connection ID.
func NewConnectionID() ResourceID {
	return ResourceID(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// Child returns the ID of the `n`-th child.
func (id ResourceID) Child(n uint64) ResourceID {
	return ResourceID(string(id) + resourceIDSep + strconv.FormatUint(n, 10))
}

// Parent returns the ID of the parent, empty for a connection.
func (id ResourceID) Parent() ResourceID {
	idx := strings.LastIndex(string(id), resourceIDSep)
	if idx < 0 {
		return ""
	}
	return id[:idx]
}

// Connection returns the root of the ID.
func (id ResourceID) Connection() ResourceID {
	root, _, _ := strings.Cut(string(id), resourceIDSep)
	return ResourceID(root)
}

// Depth is 0 for a connection, 1 for a session, 2 for a link.
func (id ResourceID) Depth() int {
	return strings.Count(string(id), resourceIDSep)
}

// Value returns the last segment as an integer, 0 for a connection.
func (id ResourceID) Value() uint64 {
	idx := strings.LastIndex(string(id), resourceIDSep)
	if idx < 0 {
		return 0
	}
	n, _ := strconv.ParseUint(string(id[idx+1:]), 10, 64)
	return n
}

func (id ResourceID) childPrefix() string {
	return string(id) + resourceIDSep
}

type ResourceKind uint8

const (
	KindConnection ResourceKind = iota + 1
	KindSession
	KindConsumer
	KindProducer
	KindTemporaryDestination
)

func (kind ResourceKind) String() string {
	switch kind {
	case KindConnection:
		return "connection"
	case KindSession:
		return "session"
	case KindConsumer:
		return "consumer"
	case KindProducer:
		return "producer"
	case KindTemporaryDestination:
		return "temporary_destination"
	default:
		return "unknown"
	}
}

type ResourceState uint8

const (
	StateUnopened ResourceState = iota
	StateOpening
	StateOpened
	StateClosing
	StateClosed
	StateFailed
)

func (state ResourceState) String() string {
	switch state {
	case StateUnopened:
		return "unopened"
	case StateOpening:
		return "opening"
	case StateOpened:
		return "opened"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SettleMode is how deliveries on a link are settled.
type SettleMode uint8

const (
	// SettleOnAck settles when the consumer acknowledges.
	SettleOnAck SettleMode = iota
	// SettleAuto settles as soon as the delivery is dispatched.
	SettleAuto
	// SettleNone never settles, deliveries are fire and forget.
	SettleNone
)

func (mode SettleMode) String() string {
	switch mode {
	case SettleOnAck:
		return "on_ack"
	case SettleAuto:
		return "auto"
	case SettleNone:
		return "none"
	default:
		return "unknown"
	}
}

// ResourceInfo describes a resource to open. It is what the failover layer
// replays on reconnection.
type ResourceInfo struct {
	ID   ResourceID
	Kind ResourceKind

	// Connection only.
	ClientID string
	Username string
	Password string

	// Links and temporary destinations.
	Destination      *Destination
	SettleMode       SettleMode
	Selector         string
	SubscriptionName string
	Prefetch         int32
	NoLocal          bool
}

// Validate reports local errors before anything reaches a provider.
func (info *ResourceInfo) Validate() error {
	if info == nil {
		return fmt.Errorf("%w: nil info", ErrInvalidResource)
	}
	if info.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidResource)
	}
	if info.ID.Depth()+1 != info.Kind.depth() && !(info.Kind == KindTemporaryDestination && info.ID.Depth() == 1) {
		return fmt.Errorf("%w: id %s does not match kind %s", ErrInvalidResource, info.ID, info.Kind)
	}
	switch info.Kind {
	case KindConsumer, KindProducer:
		if info.Kind == KindProducer && info.Destination == nil {
			// anonymous producer.
			return nil
		}
		if err := info.Destination.Validate(); err != nil {
			return err
		}
		if info.SubscriptionName != "" && info.Destination.Kind != Topic {
			return fmt.Errorf("%w: durable subscriptions need a topic", ErrInvalidResource)
		}
	case KindTemporaryDestination:
		if info.Destination == nil || !info.Destination.Temporary {
			return fmt.Errorf("%w: temporary destination resource needs a temporary destination", ErrInvalidResource)
		}
		return info.Destination.Validate()
	case KindConnection, KindSession:
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidResource, info.Kind)
	}
	return nil
}

func (kind ResourceKind) depth() int {
	switch kind {
	case KindConnection:
		return 1
	case KindSession:
		return 2
	default:
		return 3
	}
}

// EndpointState is the state of one side of a protocol endpoint.
type EndpointState uint8

const (
	EndpointUninitialized EndpointState = iota
	EndpointActive
	EndpointClosed
)

// Endpoint is the protocol engine side of a resource. Implementations
// belong to the protocol engine and are only touched from the I/O goroutine
// of their connection.
type Endpoint interface {
	// Open emits the local half of the handshake.
	Open()
	// Close emits the local half of the close handshake.
	Close()
	// RemoteState is the state last announced by the peer.
	RemoteState() EndpointState
	// RemoteError is the condition the peer attached when it refused or
	// closed the endpoint, nil otherwise.
	RemoteError() error
}

// LinkEndpoint is implemented by endpoints carrying addressing.
type LinkEndpoint interface {
	Endpoint
	SetAddress(addr string)
	SetDynamic(dynamic bool)
	SetSettleMode(mode SettleMode)
	// RemoteAddress is the address the peer attached to its handshake.
	RemoteAddress() string
}

// Clone returns a deep copy of the info.
func (info *ResourceInfo) Clone() *ResourceInfo {
	if info == nil {
		return nil
	}
	cloned := *info
	cloned.Destination = info.Destination.Clone()
	return &cloned
}

// IsWithin reports whether `id` is `ancestor` or one of its descendants.
func (id ResourceID) IsWithin(ancestor ResourceID) bool {
	return id == ancestor || strings.HasPrefix(string(id), ancestor.childPrefix())
}
