package wireprovider

import (
	"github.com/raskyld/relais"
	"github.com/raskyld/relais/pkg/wire"
)

// commandEndpoint backs a resource with the info command the broker
// acknowledges. It is only touched from the event loop.
type commandEndpoint struct {
	p    *Provider
	info *relais.ResourceInfo

	address    string
	dynamic    bool
	settle     relais.SettleMode
	remote     relais.EndpointState
	remoteErr  error
	remoteAddr string
}

func newEndpoint(p *Provider, info *relais.ResourceInfo) *commandEndpoint {
	return &commandEndpoint{p: p, info: info}
}

func (ep *commandEndpoint) Open() {
	var requested *relais.Destination
	var cmd wire.Command
	id := string(ep.info.ID)

	switch ep.info.Kind {
	case relais.KindConnection:
		cmd = &wire.ConnectionInfo{
			ConnectionID: id,
			ClientID:     ep.info.ClientID,
			UserName:     ep.info.Username,
			Password:     ep.info.Password,
		}
	case relais.KindSession:
		cmd = &wire.SessionInfo{SessionID: id}
	case relais.KindConsumer:
		cmd = &wire.ConsumerInfo{
			ConsumerID:       id,
			Destination:      toWireDestination(ep.info.Destination),
			PrefetchSize:     ep.info.Prefetch,
			Selector:         ep.info.Selector,
			SubscriptionName: ep.info.SubscriptionName,
			NoLocal:          ep.info.NoLocal,
		}
	case relais.KindProducer:
		cmd = &wire.ProducerInfo{
			ProducerID:  id,
			Destination: toWireDestination(ep.info.Destination),
		}
	case relais.KindTemporaryDestination:
		requested = ep.info.Destination.Clone()
		if requested.Name == "" {
			requested.Name = "ID:" + id
		}
		cmd = &wire.DestinationInfo{
			ConnectionID:  string(ep.info.ID.Connection()),
			Destination:   toWireDestination(requested),
			OperationType: wire.DestinationAdd,
		}
	}

	ep.p.request(cmd, func(ds wire.DataStructure, err error) {
		if err != nil {
			ep.remote = relais.EndpointClosed
			ep.remoteErr = err
			return
		}
		if resp, ok := ds.(*wire.DataResponse); ok {
			if dest, ok := resp.Data.(wire.Destination); ok && dest.PhysicalName() != "" {
				ep.remoteAddr = fromWireDestination(dest).Address()
			}
		}
		if ep.remoteAddr == "" && ep.dynamic && requested != nil {
			ep.remoteAddr = requested.Address()
		}
		ep.remote = relais.EndpointActive
	})
}

func (ep *commandEndpoint) Close() {
	var cmd wire.Command
	if ep.info.Kind == relais.KindTemporaryDestination {
		cmd = &wire.DestinationInfo{
			ConnectionID:  string(ep.info.ID.Connection()),
			Destination:   toWireDestination(ep.info.Destination),
			OperationType: wire.DestinationRemove,
		}
	} else {
		cmd = &wire.RemoveInfo{ObjectID: string(ep.info.ID)}
	}
	ep.p.request(cmd, func(_ wire.DataStructure, err error) {
		if err != nil && ep.remoteErr == nil {
			ep.p.tel.Log().Debug(
				"broker refused a remove",
				relais.LabelResourceID.L(ep.info.ID),
				relais.LabelError.L(err),
			)
		}
		ep.remote = relais.EndpointClosed
	})
}

// closedByRemote is how the broker removes a resource on its own.
func (ep *commandEndpoint) closedByRemote() {
	ep.remote = relais.EndpointClosed
	if ep.remoteErr == nil {
		ep.remoteErr = relais.ErrRemoteClosed
	}
}

func (ep *commandEndpoint) RemoteState() relais.EndpointState { return ep.remote }
func (ep *commandEndpoint) RemoteError() error                { return ep.remoteErr }
func (ep *commandEndpoint) SetAddress(addr string)            { ep.address = addr }
func (ep *commandEndpoint) SetDynamic(dynamic bool)           { ep.dynamic = dynamic }
func (ep *commandEndpoint) SetSettleMode(mode relais.SettleMode) {
	ep.settle = mode
}
func (ep *commandEndpoint) RemoteAddress() string { return ep.remoteAddr }

var _ relais.LinkEndpoint = (*commandEndpoint)(nil)
