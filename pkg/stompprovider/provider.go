// Package stompprovider speaks STOMP 1.2. Importing it registers the
// `stomp` and `stomp+ssl` schemes.
package stompprovider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raskyld/relais"
	"github.com/raskyld/relais/pkg/transport"
)

var ErrRemoteError = errors.New("stomp: broker sent an ERROR frame")

func init() {
	relais.RegisterProvider("stomp", NewFactory())
	relais.RegisterProvider("stomp+ssl", NewFactory())
}

func NewFactory(opts ...Option) relais.ProviderFactory {
	return func(uri *url.URL, tel relais.Telemetry) (relais.Provider, error) {
		return New(uri, tel, opts...)
	}
}

// headers which are not message properties.
var standardHeaders = map[string]struct{}{
	HdrDestination: {}, HdrSubscription: {}, HdrMessageID: {}, HdrAck: {},
	HdrContentLength: {}, HdrContentType: {}, HdrCorrelationID: {}, HdrReplyTo: {},
	HdrPersistent: {}, HdrPriority: {}, HdrExpires: {}, HdrTimestamp: {},
	HdrRedelivered: {}, HdrEncoding: {}, HdrReceipt: {},
}

type providerState uint8

const (
	stateUnconnected providerState = iota
	stateConnecting
	stateConnected
	stateClosed
)

type receiptHandler func(f *Frame, err error)

// Provider is a `relais.Provider` over one STOMP connection.
type Provider struct {
	uri  *url.URL
	dial *url.URL
	tel  relais.Telemetry
	opts Options

	lk         sync.Mutex
	state      providerState
	conn       net.Conn
	loop       *relais.EventLoop
	closing    chan struct{}
	closeOnce  sync.Once
	readerDone chan struct{}
	events     chan relais.Event

	// read timeout, set once the broker agreed on heart-beats.
	readTimeout atomic.Int64

	// owned by the event loop.
	lc          *relais.Lifecycle
	nextReceipt uint64
	pending     map[string]receiptHandler
	connecting  receiptHandler
	sendEvery   time.Duration
	lastWrite   time.Time
	failed      error
	// the connection resource was closed, the broker hangs up next.
	disconnected bool
}

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

	dial := *uri
	dial.RawQuery = ""
	switch strings.ToLower(uri.Scheme) {
	case "stomp":
		dial.Scheme = "tcp"
	case "stomp+ssl", "stomp+tls":
		dial.Scheme = "ssl"
	default:
		return nil, fmt.Errorf("%w: %q", relais.ErrUnknownScheme, uri.Scheme)
	}

	tel.Logger = tel.Log().With(relais.LabelURI.L(relais.NormalizeURI(uri)))
	return &Provider{
		uri:        uri,
		dial:       &dial,
		tel:        tel,
		opts:       parsed,
		closing:    make(chan struct{}),
		readerDone: make(chan struct{}),
		events:     make(chan relais.Event, eventBuffer),
		lc:         relais.NewLifecycle(tel, parsed.CloseTimeout),
		pending:    make(map[string]receiptHandler),
	}, nil
}

// Connect dials the broker. The STOMP session itself is opened with the
// connection resource, which carries the credentials.
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

	conn, err := transport.Dial(ctx, p.dial, p.opts.Transport)

	p.lk.Lock()
	defer p.lk.Unlock()
	if err != nil {
		if p.state == stateConnecting {
			p.state = stateUnconnected
		}
		return relais.NewConnectionError(p.uri.String(), err)
	}
	if p.state != stateConnecting {
		_ = conn.Close()
		return relais.ErrProviderClosed
	}
	p.conn = conn
	p.state = stateConnected
	p.lastWrite = time.Now()
	p.loop = relais.NewEventLoop(loopBuffer, tickInterval, p.onTick)
	p.loop.Start()
	go p.readLoop(NewReader(conn, p.opts.MaxFrameSize))
	return nil
}

func (p *Provider) readLoop(r *Reader) {
	defer close(p.readerDone)
	for {
		if timeout := time.Duration(p.readTimeout.Load()); timeout > 0 {
			_ = p.conn.SetReadDeadline(time.Now().Add(timeout))
		}
		f, n, err := r.Read()
		if err != nil {
			if errors.Is(err, ErrFrame) || errors.Is(err, ErrFrameTooLarge) {
				p.tel.Incr(relais.MetricFrameDecodeErrors)
			}
			cause := relais.NewConnectionError(p.uri.String(), err)
			p.loop.Submit(func() { p.fail(cause) })
			return
		}
		p.tel.Add(relais.MetricFrameInBytes, float32(n))
		if !p.loop.Submit(func() { p.dispatch(f) }) {
			return
		}
	}
}

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
		_, _ = p.lc.Open(cloned, &endpoint{p: p, info: cloned}, result)
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

		f := sendFrame(env, dest)
		if !env.Persistent {
			if err := p.write(f); err != nil {
				result.Fail(err)
				return
			}
			result.Succeed(struct{}{})
			return
		}
		p.request(f, func(_ *Frame, err error) {
			if err != nil {
				result.Fail(err)
				return
			}
			result.Succeed(struct{}{})
		})
	})
}

func sendFrame(env *relais.Envelope, dest *relais.Destination) *Frame {
	f := NewFrame(CmdSend, HdrDestination, destinationPath(dest))
	for key, value := range env.Properties {
		f.Header.Set(key, value)
	}
	if env.CorrelationID != "" {
		f.Header.Set(HdrCorrelationID, env.CorrelationID)
	}
	if env.ReplyTo != nil {
		f.Header.Set(HdrReplyTo, destinationPath(env.ReplyTo))
	}
	if env.Persistent {
		f.Header.Set(HdrPersistent, "true")
	}
	if env.Priority > 0 {
		f.Header.Set(HdrPriority, strconv.Itoa(int(env.Priority)))
	}
	if !env.Expiration.IsZero() {
		f.Header.Set(HdrExpires, strconv.FormatInt(env.Expiration.UnixMilli(), 10))
	}
	if !env.Timestamp.IsZero() {
		f.Header.Set(HdrTimestamp, strconv.FormatInt(env.Timestamp.UnixMilli(), 10))
	}
	if env.Compressed {
		f.Header.Set(HdrEncoding, "br")
	}
	f.Body = env.Body
	return f
}

func (p *Provider) Acknowledge(delivery *relais.Delivery, result *relais.AsyncResult[struct{}]) {
	submit(p, result, func() {
		if _, ok := p.lc.Lookup(delivery.ConsumerID); !ok {
			result.Fail(fmt.Errorf("%w: consumer %s", relais.ErrNoSuchResource, delivery.ConsumerID))
			return
		}
		if err := p.write(NewFrame(CmdAck, HdrID, delivery.Tag)); err != nil {
			result.Fail(err)
			return
		}
		result.Succeed(struct{}{})
	})
}

func (p *Provider) Events() <-chan relais.Event {
	return p.events
}

func (p *Provider) RemoteURI() *url.URL {
	return p.uri
}

func (p *Provider) Close() error {
	p.closeOnce.Do(func() {
		p.lk.Lock()
		prev := p.state
		p.state = stateClosed
		loop := p.loop
		p.lk.Unlock()
		close(p.closing)

		if prev == stateConnected {
			loop.Submit(func() {
				if p.failed == nil {
					_ = p.write(NewFrame(CmdDisconnect))
				}
				p.teardown(relais.ErrProviderClosed)
			})
			loop.Stop()
			<-p.readerDone
		}
		close(p.events)
		p.tel.Log().Debug("provider closed")
	})
	return nil
}

// connect sends the CONNECT frame of the connection resource.
func (p *Provider) connect(ep *endpoint) {
	hb := p.opts.HeartBeat.Milliseconds()
	f := NewFrame(CmdConnect,
		HdrAcceptVersion, "1.2",
		HdrHost, p.opts.VirtualHost,
		HdrHeartBeat, fmt.Sprintf("%d,%d", hb, hb),
	)
	if ep.info.Username != "" {
		f.Header.Set(HdrLogin, ep.info.Username)
		f.Header.Set(HdrPasscode, ep.info.Password)
	}
	if ep.info.ClientID != "" {
		f.Header.Set(HdrClientID, ep.info.ClientID)
	}
	p.connecting = func(connected *Frame, err error) {
		if err != nil {
			ep.acked(nil, err)
			return
		}
		p.heartBeats(connected.Header.Value(HdrHeartBeat))
		ep.acked(connected, nil)
	}
	if err := p.write(f); err != nil {
		p.connecting = nil
		ep.acked(nil, err)
	}
}

// heartBeats settles the intervals from the header of CONNECTED.
func (p *Provider) heartBeats(header string) {
	ours := p.opts.HeartBeat
	sx, sy, ok := strings.Cut(header, ",")
	if ours <= 0 || !ok {
		return
	}
	canSend, err1 := strconv.ParseInt(strings.TrimSpace(sx), 10, 64)
	wantsRecv, err2 := strconv.ParseInt(strings.TrimSpace(sy), 10, 64)
	if err1 != nil || err2 != nil {
		p.tel.Log().Warn("ignoring malformed heart-beat header", "header", header)
		return
	}
	if wantsRecv > 0 {
		p.sendEvery = max(ours, time.Duration(wantsRecv)*time.Millisecond)
	}
	if canSend > 0 {
		// twice the interval as grace.
		p.readTimeout.Store(int64(2 * max(ours, time.Duration(canSend)*time.Millisecond)))
	}
}

func (p *Provider) request(f *Frame, handler receiptHandler) {
	p.nextReceipt++
	receipt := strconv.FormatUint(p.nextReceipt, 10)
	f.Header.Set(HdrReceipt, receipt)
	p.pending[receipt] = handler
	if err := p.write(f); err != nil {
		if h, ok := p.pending[receipt]; ok {
			delete(p.pending, receipt)
			h(nil, err)
		}
	}
}

func (p *Provider) write(f *Frame) error {
	if p.failed != nil {
		return p.failed
	}
	return p.writeRaw(f.WriteTo)
}

func (p *Provider) writeRaw(fn func(w io.Writer) (int64, error)) error {
	if p.opts.WriteTimeout > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.opts.WriteTimeout))
	}
	n, err := fn(p.conn)
	if err != nil {
		cause := relais.NewConnectionError(p.uri.String(), err)
		p.fail(cause)
		return cause
	}
	p.lastWrite = time.Now()
	p.tel.Add(relais.MetricFrameOutBytes, float32(n))
	return nil
}

func (p *Provider) dispatch(f *Frame) {
	if p.failed != nil {
		return
	}
	switch f.Command {
	case CmdConnected:
		if handler := p.connecting; handler != nil {
			p.connecting = nil
			handler(f, nil)
		}
	case CmdReceipt:
		p.respond(f.Header.Value(HdrReceiptID), f, nil)
	case CmdMessage:
		p.deliver(f)
	case CmdError:
		p.remoteError(f)
	default:
		p.tel.Log().Debug("ignoring frame", relais.LabelCommand.L(f.Command))
	}
	p.update()
}

func (p *Provider) respond(receipt string, f *Frame, err error) bool {
	handler, ok := p.pending[receipt]
	if !ok {
		return false
	}
	delete(p.pending, receipt)
	handler(f, err)
	return true
}

// remoteError fails the request the ERROR refers to. An ERROR without
// receipt ends the connection.
func (p *Provider) remoteError(f *Frame) {
	desc := f.Header.Value(HdrMessage)
	if len(f.Body) > 0 {
		desc = strings.TrimSpace(desc + " " + string(f.Body))
	}
	perr := relais.NewProtocolError("ERROR", desc)
	if receipt, ok := f.Header.Get(HdrReceiptID); ok && p.respond(receipt, nil, perr) {
		return
	}
	if handler := p.connecting; handler != nil {
		p.connecting = nil
		handler(nil, perr)
		p.update()
	}
	p.fail(relais.NewConnectionError(p.uri.String(), fmt.Errorf("%w: %w", ErrRemoteError, perr)))
}

func (p *Provider) deliver(f *Frame) {
	consumerID := relais.ResourceID(f.Header.Value(HdrSubscription))
	r, ok := p.lc.Lookup(consumerID)
	if !ok || r.State() != relais.StateOpened || r.Info.Kind != relais.KindConsumer {
		p.tel.Log().Debug("message for an unknown subscription", relais.LabelResourceID.L(consumerID))
		return
	}

	env := &relais.Envelope{
		MessageID:     f.Header.Value(HdrMessageID),
		CorrelationID: f.Header.Value(HdrCorrelationID),
		Persistent:    f.Header.Value(HdrPersistent) == "true",
		Body:          f.Body,
		Compressed:    f.Header.Value(HdrEncoding) == "br",
	}
	if dest, err := parseDestinationPath(f.Header.Value(HdrDestination)); err == nil {
		env.Destination = dest
	}
	if replyTo, ok := f.Header.Get(HdrReplyTo); ok {
		if dest, err := parseDestinationPath(replyTo); err == nil {
			env.ReplyTo = dest
		}
	}
	if prio, err := strconv.Atoi(f.Header.Value(HdrPriority)); err == nil && prio >= 0 && prio < 256 {
		env.Priority = uint8(prio)
	}
	if ms, err := strconv.ParseInt(f.Header.Value(HdrExpires), 10, 64); err == nil && ms > 0 {
		env.Expiration = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(f.Header.Value(HdrTimestamp), 10, 64); err == nil && ms > 0 {
		env.Timestamp = time.UnixMilli(ms)
	}
	for _, e := range f.Header {
		if _, std := standardHeaders[e.Key]; std {
			continue
		}
		if env.Properties == nil {
			env.Properties = make(map[string]string)
		}
		env.Properties[e.Key] = e.Value
	}
	if err := env.Decompress(); err != nil {
		p.tel.Log().Warn("failed to decompress a delivery", relais.LabelResourceID.L(consumerID), relais.LabelError.L(err))
	}

	count := 1
	if f.Header.Value(HdrRedelivered) == "true" {
		count = 2
	}
	tag := f.Header.Value(HdrAck)
	if tag == "" {
		tag = env.MessageID
	}
	p.tel.Incr(relais.MetricDeliveries)
	p.emit(relais.Event{Kind: relais.EventDelivery, Delivery: &relais.Delivery{
		ConsumerID:    consumerID,
		Envelope:      env,
		DeliveryCount: count,
		Tag:           tag,
	}})
}

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
	if p.sendEvery > 0 && time.Since(p.lastWrite) >= p.sendEvery {
		_ = p.writeRaw(func(w io.Writer) (int64, error) {
			n, err := w.Write([]byte{'\n'})
			return int64(n), err
		})
	}
	p.update()
}

func (p *Provider) fail(cause error) {
	if p.failed != nil {
		return
	}
	p.teardown(cause)
	if p.disconnected {
		return
	}
	p.tel.Log().Warn("connection failed", relais.LabelError.L(cause))
	p.emit(relais.Event{Kind: relais.EventConnectionFailure, URI: p.uri, Err: cause})
}

func (p *Provider) teardown(cause error) {
	if p.failed != nil {
		return
	}
	p.failed = cause
	p.lc.FailAll(cause)
	if handler := p.connecting; handler != nil {
		p.connecting = nil
		handler(nil, cause)
	}
	for receipt, handler := range p.pending {
		delete(p.pending, receipt)
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
