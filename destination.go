package relais

import (
	"fmt"
	"regexp"
	"strings"
)

const MaxDestinationLength = 255

var InvalidDestinationName = regexp.MustCompile(`[^A-Za-z0-9\-\._:/>*#$]+`)

// DestinationKind tells apart point-to-point and publish-subscribe
// destinations.
type DestinationKind uint8

const (
	Queue DestinationKind = iota + 1
	Topic
)

func (kind DestinationKind) String() string {
	switch kind {
	case Queue:
		return "queue"
	case Topic:
		return "topic"
	default:
		return "unknown"
	}
}

// Destination is the abstract descriptor resources are keyed by.
//
// The `Name` of a temporary destination is empty or a placeholder until
// the broker assigns the real address when the destination is opened.
type Destination struct {
	Name      string
	Kind      DestinationKind
	Temporary bool
	Durable   bool
}

// NewQueue returns a queue descriptor.
func NewQueue(name string) *Destination {
	return &Destination{Name: name, Kind: Queue}
}

// NewTopic returns a topic descriptor.
func NewTopic(name string) *Destination {
	return &Destination{Name: name, Kind: Topic}
}

// NewTemporaryQueue returns a temporary queue descriptor without a name.
func NewTemporaryQueue() *Destination {
	return &Destination{Kind: Queue, Temporary: true}
}

// NewTemporaryTopic returns a temporary topic descriptor without a name.
func NewTemporaryTopic() *Destination {
	return &Destination{Kind: Topic, Temporary: true}
}

// Validate reports configuration errors synchronously.
func (dest *Destination) Validate() error {
	if dest == nil {
		return fmt.Errorf("%w: nil destination", ErrInvalidDestination)
	}
	if dest.Kind != Queue && dest.Kind != Topic {
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidDestination, dest.Kind)
	}
	if dest.Temporary && dest.Durable {
		return fmt.Errorf("%w: a temporary destination cannot be durable", ErrInvalidDestination)
	}
	if !dest.Temporary && dest.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDestination)
	}
	if len(dest.Name) > MaxDestinationLength {
		return fmt.Errorf("%w: name longer than %d bytes", ErrInvalidDestination, MaxDestinationLength)
	}
	if InvalidDestinationName.MatchString(dest.Name) {
		return fmt.Errorf("%w: name %q contains forbidden characters", ErrInvalidDestination, dest.Name)
	}
	return nil
}

// Address renders the destination the way address-based protocols expect,
// e.g. `queue://orders` or `temp-topic://ID:abc`.
func (dest *Destination) Address() string {
	if dest == nil {
		return ""
	}
	prefix := dest.Kind.String()
	if dest.Temporary {
		prefix = "temp-" + prefix
	}
	return prefix + "://" + dest.Name
}

// ParseAddress is the reverse of `Destination.Address`.
func ParseAddress(addr string) (*Destination, error) {
	scheme, name, ok := strings.Cut(addr, "://")
	if !ok {
		return nil, fmt.Errorf("%w: %q has no kind prefix", ErrInvalidDestination, addr)
	}
	dest := &Destination{Name: name}
	if after, isTemp := strings.CutPrefix(scheme, "temp-"); isTemp {
		dest.Temporary = true
		scheme = after
	}
	switch scheme {
	case "queue":
		dest.Kind = Queue
	case "topic":
		dest.Kind = Topic
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidDestination, scheme)
	}
	return dest, nil
}

func (dest *Destination) String() string {
	return dest.Address()
}

// Clone returns a deep copy.
func (dest *Destination) Clone() *Destination {
	if dest == nil {
		return nil
	}
	cloned := *dest
	return &cloned
}
