package relais

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// Provider implements connect/send/close for one wire protocol, or wraps
// other providers (failover, discovery).
//
// Operations never block: they are handed to the I/O goroutine of the
// provider, which completes the given result. Every result handed to a
// provider is eventually completed, including when the provider is closed
// or loses its connection.
type Provider interface {
	// Connect establishes the underlying transport and protocol session.
	Connect(ctx context.Context) error

	// Close releases the provider. Pending results fail with
	// `ErrProviderClosed`.
	Close() error

	// Create opens a resource. The result carries the info, with the
	// identity rewritten if the remote assigned one.
	Create(info *ResourceInfo, result *AsyncResult[*ResourceInfo])

	// Destroy closes a resource and its children.
	Destroy(info *ResourceInfo, result *AsyncResult[struct{}])

	// Send hands an encoded envelope to the producer `env.ProducerID`.
	Send(env *Envelope, result *AsyncResult[struct{}])

	// Acknowledge settles an inbound delivery.
	Acknowledge(delivery *Delivery, result *AsyncResult[struct{}])

	// Events is the inbound side of the provider. It is closed once the
	// provider is closed.
	Events() <-chan Event

	// RemoteURI is the address of the peer.
	RemoteURI() *url.URL
}

type EventKind uint8

const (
	// EventDelivery carries an inbound `Delivery`.
	EventDelivery EventKind = iota + 1
	// EventResourceClosed reports a resource closed by the remote.
	EventResourceClosed
	// EventConnectionFailure reports a connection which cannot be used
	// anymore, `Err` holds the cause.
	EventConnectionFailure
	// EventConnectionEstablished reports the first successful connection.
	EventConnectionEstablished
	// EventConnectionInterrupted reports a connection loss failover is
	// recovering from.
	EventConnectionInterrupted
	// EventConnectionRestored reports the recovery of the connection.
	EventConnectionRestored
	// EventRemoteURIs carries peers the remote advertised.
	EventRemoteURIs
)

func (kind EventKind) String() string {
	switch kind {
	case EventDelivery:
		return "delivery"
	case EventResourceClosed:
		return "resource_closed"
	case EventConnectionFailure:
		return "connection_failure"
	case EventConnectionEstablished:
		return "connection_established"
	case EventConnectionInterrupted:
		return "connection_interrupted"
	case EventConnectionRestored:
		return "connection_restored"
	case EventRemoteURIs:
		return "remote_uris"
	default:
		return "unknown"
	}
}

// Event is what a provider reports to its owner.
type Event struct {
	Kind     EventKind
	Delivery *Delivery
	Resource *ResourceInfo
	URI      *url.URL
	URIs     []*url.URL
	Err      error
}

// ProviderFactory builds an unconnected provider for `uri`. Provider
// options are read from the uri query.
type ProviderFactory func(uri *url.URL, tel Telemetry) (Provider, error)

var (
	providersLk sync.RWMutex
	providers   = make(map[string]ProviderFactory)
)

// RegisterProvider makes a provider available for URIs with `scheme`.
// Provider packages call it from their init function.
func RegisterProvider(scheme string, factory ProviderFactory) {
	providersLk.Lock()
	defer providersLk.Unlock()
	if factory == nil {
		panic("relais: RegisterProvider factory is nil")
	}
	providers[strings.ToLower(scheme)] = factory
}

// Schemes lists the registered provider schemes.
func Schemes() []string {
	providersLk.RLock()
	defer providersLk.RUnlock()
	schemes := make([]string, 0, len(providers))
	for scheme := range providers {
		schemes = append(schemes, scheme)
	}
	sort.Strings(schemes)
	return schemes
}

// NewProvider builds the provider registered for the scheme of `uri`.
func NewProvider(uri *url.URL, tel Telemetry) (Provider, error) {
	if uri == nil {
		return nil, fmt.Errorf("%w: nil uri", ErrInvalidURI)
	}
	providersLk.RLock()
	factory, ok := providers[strings.ToLower(uri.Scheme)]
	providersLk.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, uri.Scheme)
	}
	return factory(uri, tel)
}
