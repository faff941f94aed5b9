// Package wireprovider speaks the binary command protocol of `pkg/wire`
// over the transports of `pkg/transport`. Importing it registers the
// `tcp`, `ssl` and `quic` schemes.
package wireprovider

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/raskyld/relais"
	"github.com/raskyld/relais/pkg/transport"
	"github.com/raskyld/relais/pkg/wire"
)

var (
	ErrRemoteShutdown = errors.New("wireprovider: broker shut the connection down")
	ErrRebalance      = errors.New("wireprovider: broker asked for a rebalance")
	ErrHandshake      = errors.New("wireprovider: unexpected handshake")
)

// ALPN of `ssl` and `quic` connections.
const ALPN = "relais"

func init() {
	for _, scheme := range []string{"tcp", "nio", "ssl", "quic"} {
		relais.RegisterProvider(scheme, NewFactory())
	}
}

// NewFactory returns a factory building providers with `opts` applied
// before the URI options.
func NewFactory(opts ...Option) relais.ProviderFactory {
	return func(uri *url.URL, tel relais.Telemetry) (relais.Provider, error) {
		return New(uri, tel, opts...)
	}
}

type providerState uint8

const (
	stateUnconnected providerState = iota
	stateConnecting
	stateConnected
	stateClosed
)

type responseHandler func(ds wire.DataStructure, err error)

// Provider is a `relais.Provider` over one broker connection.
type Provider struct {
	uri    *url.URL
	tel    relais.Telemetry
	opts   Options
	format *wire.Format

	lk         sync.Mutex
	state      providerState
	conn       net.Conn
	loop       *relais.EventLoop
	closing    chan struct{}
	closeOnce  sync.Once
	readerDone chan struct{}
	events     chan relais.Event

	inactivity time.Duration

	// owned by the event loop.
	lc        *relais.Lifecycle
	nextID    int32
	pending   map[int32]responseHandler
	lastWrite time.Time
	failed    error
}

// New returns an unconnected provider for `uri`.
func New(uri *url.URL, tel relais.Telemetry, opts ...Option) (*Provider, error) {
	if uri == nil {
		return nil, fmt.Errorf("%w: nil uri", relais.ErrInvalidURI)
	}
	base := defaultOptions()
	for _, opt := range opts {
		opt(&base)
	}
	base.Transport.Telemetry = tel
	parsed, err := OptionsFromURI(uri, base)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(uri.Scheme)
	if (scheme == "ssl" || scheme == "quic") && parsed.Transport.TLSConfig == nil {
		parsed.Transport.TLSConfig = &tls.Config{}
	}
	if scheme == "quic" && len(parsed.Transport.TLSConfig.NextProtos) == 0 {
		parsed.Transport.TLSConfig = parsed.Transport.TLSConfig.Clone()
		parsed.Transport.TLSConfig.NextProtos = []string{ALPN}
	}
	format, err := wire.NewFormat(parsed.formatOptions()...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", relais.ErrInvalidCfg, err)
	}

	tel.Logger = tel.Log().With(relais.LabelURI.L(relais.NormalizeURI(uri)))
	return &Provider{
		uri:        uri,
		tel:        tel,
		opts:       parsed,
		format:     format,
		closing:    make(chan struct{}),
		readerDone: make(chan struct{}),
		events:     make(chan relais.Event, eventBuffer),
		lc:         relais.NewLifecycle(tel, parsed.CloseTimeout),
		pending:    make(map[int32]responseHandler),
	}, nil
}

// Connect dials the broker and negotiates the wire format.
func (p *Provider) Connect(ctx context.Context) error {
	p.lk.Lock()
	switch p.state {
	case stateClosed:
		p.lk.Unlock()
		return relais.ErrProviderClosed
	case stateConnecting, stateConnected:
		p.lk.Unlock()
		return fmt.Errorf("%w: already connected", relais.ErrResourceState)
	}
	p.state = stateConnecting
	p.lk.Unlock()

	if p.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.ConnectTimeout)
		defer cancel()
	}

	conn, err := transport.Dial(ctx, p.uri, p.opts.Transport)
	if err != nil {
		p.resetConnecting()
		return relais.NewConnectionError(p.uri.String(), err)
	}
	p.lk.Lock()
	p.conn = conn
	p.lk.Unlock()

	r := bufio.NewReader(conn)
	if err := p.handshake(ctx, conn, r); err != nil {
		_ = conn.Close()
		p.resetConnecting()
		return relais.NewConnectionError(p.uri.String(), err)
	}

	p.lk.Lock()
	defer p.lk.Unlock()
	if p.state != stateConnecting {
		_ = conn.Close()
		return relais.ErrProviderClosed
	}
	p.state = stateConnected
	p.lastWrite = time.Now()
	p.loop = relais.NewEventLoop(loopBuffer, tickInterval, p.onTick)
	p.loop.Start()
	go p.readLoop(r)

	p.tel.Log().Debug(
		"connected to broker",
		slog.Int("version", p.format.Version()),
		slog.Bool("tight", p.format.Tight()),
		relais.LabelDuration.L(p.inactivity),
	)
	return nil
}

func (p *Provider) resetConnecting() {
	p.lk.Lock()
	defer p.lk.Unlock()
	if p.state == stateConnecting {
		p.state = stateUnconnected
	}
	p.conn = nil
}

// handshake exchanges the `WireFormatInfo` of both sides.
func (p *Provider) handshake(ctx context.Context, conn net.Conn, r *bufio.Reader) error {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	local := p.format.Info()
	if _, err := p.format.Marshal(conn, local); err != nil {
		return err
	}
	ds, _, err := p.format.Unmarshal(r)
	if err != nil {
		return err
	}
	remote, ok := ds.(*wire.WireFormatInfo)
	if !ok {
		return fmt.Errorf("%w: got type %T", ErrHandshake, ds)
	}
	if err := p.format.Negotiate(remote); err != nil {
		return err
	}
	if local.MaxInactivityDuration > 0 && remote.MaxInactivityDuration > 0 {
		p.inactivity = time.Duration(min(local.MaxInactivityDuration, remote.MaxInactivityDuration)) * time.Millisecond
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return conn.SetDeadline(time.Time{})
}

func (p *Provider) readLoop(r *bufio.Reader) {
	defer close(p.readerDone)
	for {
		if p.inactivity > 0 {
			_ = p.conn.SetReadDeadline(time.Now().Add(p.inactivity))
		}
		ds, n, err := p.format.Unmarshal(r)
		if err != nil {
			if errors.Is(err, wire.ErrDecode) {
				p.tel.Incr(relais.MetricFrameDecodeErrors)
			}
			cause := relais.NewConnectionError(p.uri.String(), err)
			p.loop.Submit(func() { p.fail(cause) })
			return
		}
		p.tel.Add(relais.MetricFrameInBytes, float32(n))
		if !p.loop.Submit(func() { p.dispatch(ds) }) {
			return
		}
	}
}

// submit runs `fn` on the event loop, or fails `result` if the provider
// cannot take work.
func submit[T any](p *Provider, result *relais.AsyncResult[T], fn func()) {
	if result == nil {
		result = relais.NewAsyncResult[T]()
	}
	p.lk.Lock()
	state, loop := p.state, p.loop
	p.lk.Unlock()
	switch state {
	case stateUnconnected, stateConnecting:
		result.Fail(relais.ErrNotConnected)
		return
	case stateClosed:
		result.Fail(relais.ErrProviderClosed)
		return
	}
	accepted := loop.Submit(func() {
		if p.failed != nil {
			result.Fail(p.failed)
			return
		}
		fn()
		p.update()
	})
	if !accepted {
		result.Fail(relais.ErrProviderClosed)
	}
}

func (p *Provider) Create(info *relais.ResourceInfo, result *relais.AsyncResult[*relais.ResourceInfo]) {
	submit(p, result, func() {
		cloned := info.Clone()
		_, _ = p.lc.Open(cloned, newEndpoint(p, cloned), result)
	})
}

func (p *Provider) Destroy(info *relais.ResourceInfo, result *relais.AsyncResult[struct{}]) {
	submit(p, result, func() {
		_ = p.lc.Close(info.ID, result)
	})
}

func (p *Provider) Send(env *relais.Envelope, result *relais.AsyncResult[struct{}]) {
	submit(p, result, func() {
		producer, ok := p.lc.Lookup(env.ProducerID)
		if !ok || producer.Info.Kind != relais.KindProducer {
			result.Fail(fmt.Errorf("%w: producer %s", relais.ErrNoSuchResource, env.ProducerID))
			return
		}
		dest := env.Destination
		if dest == nil {
			dest = producer.Info.Destination
		}
		if err := dest.Validate(); err != nil {
			result.Fail(err)
			return
		}
		if p.opts.CompressBody && !env.Compressed {
			env = env.Clone()
			if err := env.Compress(); err != nil {
				result.Fail(err)
				return
			}
		}

		msg := toWireMessage(env, dest)
		if !env.Persistent {
			if err := p.write(msg); err != nil {
				result.Fail(err)
				return
			}
			result.Succeed(struct{}{})
			return
		}
		p.request(msg, func(_ wire.DataStructure, err error) {
			if err != nil {
				result.Fail(err)
				return
			}
			result.Succeed(struct{}{})
		})
	})
}

func (p *Provider) Acknowledge(delivery *relais.Delivery, result *relais.AsyncResult[struct{}]) {
	submit(p, result, func() {
		if _, ok := p.lc.Lookup(delivery.ConsumerID); !ok {
			result.Fail(fmt.Errorf("%w: consumer %s", relais.ErrNoSuchResource, delivery.ConsumerID))
			return
		}
		if err := p.ack(delivery); err != nil {
			result.Fail(err)
			return
		}
		result.Succeed(struct{}{})
	})
}

func (p *Provider) ack(delivery *relais.Delivery) error {
	var dest wire.Destination
	if delivery.Envelope != nil {
		dest = toWireDestination(delivery.Envelope.Destination)
	}
	return p.write(&wire.MessageAck{
		Destination:    dest,
		ConsumerID:     string(delivery.ConsumerID),
		AckType:        wire.AckStandard,
		FirstMessageID: delivery.Tag,
		LastMessageID:  delivery.Tag,
		MessageCount:   1,
	})
}

func (p *Provider) Events() <-chan relais.Event {
	return p.events
}

func (p *Provider) RemoteURI() *url.URL {
	return p.uri
}

// Format is the wire format of the connection, negotiated once `Connect`
// returned.
func (p *Provider) Format() *wire.Format {
	return p.format
}

// Close says goodbye to the broker and fails what is still pending with
// `relais.ErrProviderClosed`.
func (p *Provider) Close() error {
	p.closeOnce.Do(func() {
		p.lk.Lock()
		prev := p.state
		p.state = stateClosed
		conn, loop := p.conn, p.loop
		p.lk.Unlock()
		close(p.closing)

		switch prev {
		case stateConnected:
			loop.Submit(func() {
				if p.failed == nil {
					_ = p.write(&wire.ShutdownInfo{})
				}
				p.teardown(relais.ErrProviderClosed)
			})
			loop.Stop()
			<-p.readerDone
		case stateConnecting:
			if conn != nil {
				_ = conn.Close()
			}
		}
		close(p.events)
		p.tel.Log().Debug("provider closed")
	})
	return nil
}

// request sends a command which needs a response, `handler` runs on the
// loop once it arrived or the connection failed.
func (p *Provider) request(cmd wire.Command, handler responseHandler) {
	cmd.SetResponseRequired(true)
	id := p.assignID(cmd)
	p.pending[id] = handler
	if err := p.write(cmd); err != nil {
		if h, ok := p.pending[id]; ok {
			delete(p.pending, id)
			h(nil, err)
		}
	}
}

func (p *Provider) assignID(cmd wire.Command) int32 {
	if cmd.GetCommandID() == 0 {
		p.nextID++
		cmd.SetCommandID(p.nextID)
	}
	return cmd.GetCommandID()
}

// write sends `ds`. Encoding errors only fail the caller, I/O errors fail
// the whole connection.
func (p *Provider) write(ds wire.DataStructure) error {
	if p.failed != nil {
		return p.failed
	}
	if cmd, ok := ds.(wire.Command); ok {
		p.assignID(cmd)
	}
	if p.opts.WriteTimeout > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.opts.WriteTimeout))
	}
	n, err := p.format.Marshal(p.conn, ds)
	if err != nil {
		if errors.Is(err, wire.ErrEncode) || errors.Is(err, wire.ErrFrameTooLarge) || errors.Is(err, wire.ErrSizeMismatch) {
			return err
		}
		cause := relais.NewConnectionError(p.uri.String(), err)
		p.fail(cause)
		return cause
	}
	p.lastWrite = time.Now()
	p.tel.Add(relais.MetricFrameOutBytes, float32(n))
	return nil
}

func (p *Provider) dispatch(ds wire.DataStructure) {
	if p.failed != nil {
		return
	}
	switch cmd := ds.(type) {
	case *wire.Response:
		p.respond(cmd.CorrelationID, cmd, nil)
	case *wire.DataResponse:
		p.respond(cmd.CorrelationID, cmd, nil)
	case *wire.ExceptionResponse:
		p.respond(cmd.CorrelationID, nil, relais.NewProtocolError(cmd.ExceptionClass, cmd.Message))
	case *wire.MessageDispatch:
		p.deliver(cmd)
	case *wire.KeepAliveInfo:
		if cmd.ResponseRequired {
			_ = p.write(&wire.KeepAliveInfo{})
		}
	case *wire.ShutdownInfo:
		p.fail(relais.NewConnectionError(p.uri.String(), ErrRemoteShutdown))
	case *wire.ConnectionControl:
		p.control(cmd)
	case *wire.RemoveInfo:
		p.removedByRemote(cmd)
	default:
		p.tel.Log().Debug("ignoring command", relais.LabelCommand.L(fmt.Sprintf("%T", ds)))
	}
	p.update()
}

func (p *Provider) respond(correlationID int32, ds wire.DataStructure, err error) {
	handler, ok := p.pending[correlationID]
	if !ok {
		p.tel.Log().Debug("response to an unknown command", relais.LabelRequest.L(correlationID))
		return
	}
	delete(p.pending, correlationID)
	handler(ds, err)
}

func (p *Provider) deliver(md *wire.MessageDispatch) {
	consumerID := relais.ResourceID(md.ConsumerID)
	r, ok := p.lc.Lookup(consumerID)
	if !ok || r.State() != relais.StateOpened || r.Info.Kind != relais.KindConsumer {
		p.tel.Log().Debug("dispatch to an unknown consumer", relais.LabelResourceID.L(consumerID))
		return
	}
	env := fromWireMessage(md.Message)
	if env.Destination == nil {
		env.Destination = fromWireDestination(md.Destination)
	}
	if err := env.Decompress(); err != nil {
		p.tel.Log().Warn("failed to decompress a delivery", relais.LabelResourceID.L(consumerID), relais.LabelError.L(err))
	}
	delivery := &relais.Delivery{
		ConsumerID:    consumerID,
		Envelope:      env,
		DeliveryCount: int(md.RedeliveryCounter) + 1,
		Tag:           env.MessageID,
	}
	p.tel.Incr(relais.MetricDeliveries)
	p.emit(relais.Event{Kind: relais.EventDelivery, Delivery: delivery})

	if ep, ok := r.Endpoint.(*commandEndpoint); ok && ep.settle == relais.SettleAuto {
		_ = p.ack(delivery)
	}
}

func (p *Provider) control(cc *wire.ConnectionControl) {
	raw := append([]string(nil), cc.ConnectedBrokers...)
	if cc.ReconnectTo != "" {
		raw = append(raw, cc.ReconnectTo)
	}
	var uris []*url.URL
	for _, s := range raw {
		u, err := relais.ParseURI(s)
		if err != nil {
			p.tel.Log().Warn("broker advertised an invalid uri", relais.LabelURI.L(s), relais.LabelError.L(err))
			continue
		}
		uris = append(uris, u)
	}
	if len(uris) > 0 {
		p.emit(relais.Event{Kind: relais.EventRemoteURIs, URI: p.uri, URIs: uris})
	}
	if cc.RebalanceConnection && cc.ReconnectTo != "" {
		p.fail(relais.NewConnectionError(p.uri.String(), ErrRebalance))
	}
}

func (p *Provider) removedByRemote(rm *wire.RemoveInfo) {
	id := relais.ResourceID(rm.ObjectID)
	if r, ok := p.lc.Lookup(id); ok {
		if ep, ok := r.Endpoint.(*commandEndpoint); ok {
			ep.closedByRemote()
			p.lc.Touch(id)
		}
	}
	if rm.ResponseRequired {
		_ = p.write(&wire.Response{CorrelationID: rm.CommandID})
	}
}

// update ticks the lifecycle and reports what the broker closed.
func (p *Provider) update() {
	for _, r := range p.lc.Update() {
		p.emit(relais.Event{
			Kind:     relais.EventResourceClosed,
			Resource: r.Info.Clone(),
			Err:      r.Endpoint.RemoteError(),
		})
	}
}

func (p *Provider) onTick() {
	if p.failed != nil {
		return
	}
	if p.inactivity > 0 && time.Since(p.lastWrite) >= p.inactivity/2 {
		_ = p.write(&wire.KeepAliveInfo{})
	}
	p.update()
}

// fail tears the connection down and reports it.
func (p *Provider) fail(cause error) {
	if p.failed != nil {
		return
	}
	p.teardown(cause)
	p.tel.Log().Warn("connection failed", relais.LabelError.L(cause))
	p.emit(relais.Event{Kind: relais.EventConnectionFailure, URI: p.uri, Err: cause})
}

func (p *Provider) teardown(cause error) {
	if p.failed != nil {
		return
	}
	p.failed = cause
	p.lc.FailAll(cause)
	for id, handler := range p.pending {
		delete(p.pending, id)
		handler(nil, cause)
	}
	_ = p.conn.Close()
}

func (p *Provider) emit(ev relais.Event) {
	select {
	case p.events <- ev:
	case <-p.closing:
	}
}

var _ relais.Provider = (*Provider)(nil)
