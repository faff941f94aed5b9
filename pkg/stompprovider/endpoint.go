package stompprovider

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/raskyld/relais"
)

// destinationPath maps a destination to the paths most brokers use.
func destinationPath(dest *relais.Destination) string {
	if dest == nil {
		return ""
	}
	kind := dest.Kind.String()
	if dest.Temporary {
		kind = "temp-" + kind
	}
	return "/" + kind + "/" + dest.Name
}

func parseDestinationPath(path string) (*relais.Destination, error) {
	kind, name, ok := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	if !ok {
		return nil, fmt.Errorf("%w: %q", relais.ErrInvalidDestination, path)
	}
	return relais.ParseAddress(kind + "://" + name)
}

// endpoint is the engine side of a resource. Connections and consumers
// wait for the broker, the other kinds only exist on our side.
type endpoint struct {
	p    *Provider
	info *relais.ResourceInfo

	address    string
	dynamic    bool
	settle     relais.SettleMode
	remote     relais.EndpointState
	remoteErr  error
	remoteAddr string
}

func (ep *endpoint) Open() {
	switch ep.info.Kind {
	case relais.KindConnection:
		ep.p.connect(ep)
	case relais.KindConsumer:
		f := NewFrame(CmdSubscribe,
			HdrID, string(ep.info.ID),
			HdrDestination, destinationPath(ep.info.Destination),
			HdrAck, ackMode(ep.settle),
		)
		if ep.info.Selector != "" {
			f.Header.Set(HdrSelector, ep.info.Selector)
		}
		if ep.info.SubscriptionName != "" {
			f.Header.Set("activemq.subscriptionName", ep.info.SubscriptionName)
		}
		if ep.info.Prefetch > 0 {
			f.Header.Set("activemq.prefetchSize", strconv.Itoa(int(ep.info.Prefetch)))
		}
		if ep.info.NoLocal {
			f.Header.Set("activemq.noLocal", "true")
		}
		ep.p.request(f, ep.acked)
	case relais.KindTemporaryDestination:
		if ep.dynamic && ep.info.Destination.Name == "" {
			dest := ep.info.Destination.Clone()
			dest.Name = "ID:" + strings.ReplaceAll(string(ep.info.ID), ":", "-")
			ep.remoteAddr = dest.Address()
		}
		ep.remote = relais.EndpointActive
	default:
		ep.remote = relais.EndpointActive
	}
}

func (ep *endpoint) acked(_ *Frame, err error) {
	if err != nil {
		ep.remote = relais.EndpointClosed
		ep.remoteErr = err
		return
	}
	ep.remote = relais.EndpointActive
}

func (ep *endpoint) Close() {
	switch ep.info.Kind {
	case relais.KindConsumer:
		ep.p.request(NewFrame(CmdUnsubscribe, HdrID, string(ep.info.ID)), func(*Frame, error) {
			ep.remote = relais.EndpointClosed
		})
	case relais.KindConnection:
		ep.p.disconnected = true
		ep.p.request(NewFrame(CmdDisconnect), func(*Frame, error) {
			ep.remote = relais.EndpointClosed
		})
	default:
		ep.remote = relais.EndpointClosed
	}
}

func ackMode(mode relais.SettleMode) string {
	if mode == relais.SettleOnAck {
		return "client-individual"
	}
	return "auto"
}

func (ep *endpoint) RemoteState() relais.EndpointState    { return ep.remote }
func (ep *endpoint) RemoteError() error                   { return ep.remoteErr }
func (ep *endpoint) SetAddress(addr string)               { ep.address = addr }
func (ep *endpoint) SetDynamic(dynamic bool)              { ep.dynamic = dynamic }
func (ep *endpoint) SetSettleMode(mode relais.SettleMode) { ep.settle = mode }
func (ep *endpoint) RemoteAddress() string                { return ep.remoteAddr }

var _ relais.LinkEndpoint = (*endpoint)(nil)
