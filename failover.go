package relais

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"
)

type FailoverState uint8

const (
	FailoverUnconnected FailoverState = iota
	FailoverConnecting
	FailoverConnected
	FailoverReconnecting
	FailoverClosed
)

func (state FailoverState) String() string {
	switch state {
	case FailoverUnconnected:
		return "unconnected"
	case FailoverConnecting:
		return "connecting"
	case FailoverConnected:
		return "connected"
	case FailoverReconnecting:
		return "reconnecting"
	case FailoverClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// request is one provider operation as seen by failover. It is issued on
// the live provider, or queued until there is one.
type request struct {
	seq  uint64
	name string
	gen  uint64

	issue func(p Provider, gen uint64)
	fail  func(err error)
}

// newRequest bridges the caller `result` to a fresh result per attempt.
// Successful attempts complete the caller, connection failures re-queue the
// request, any other failure reaches the caller.
func newRequest[T any](
	fo *Failover,
	name string,
	result *AsyncResult[T],
	call func(Provider, *AsyncResult[T]),
	onSuccess func(T),
) *request {
	req := &request{name: name}
	req.fail = func(err error) {
		result.Fail(err)
	}
	req.issue = func(p Provider, gen uint64) {
		attempt := NewAsyncResult[T]()
		attempt.OnComplete(func(val T, err error) {
			if err != nil {
				fo.attemptFailed(req, gen, err)
				return
			}
			fo.attemptSucceeded(req)
			if onSuccess != nil {
				onSuccess(val)
			}
			result.Succeed(val)
		})
		call(p, attempt)
	}
	return req
}

// Failover is a `Provider` which keeps a connection to one of its
// candidates. It recovers the resources it saw opened and replays the
// requests issued while no connection was available.
type Failover struct {
	cfg  config
	tel  Telemetry
	pool *candidatePool
	rng  *rand.Rand

	ctx    context.Context
	cancel context.CancelFunc
	events chan Event
	ready  *AsyncResult[*url.URL]

	lk            sync.Mutex
	state         FailoverState
	active        Provider
	activeURI     *url.URL
	gen           uint64
	lost          bool
	everConnected bool
	seq           uint64
	queue         []*request
	inflight      map[uint64]*request
	tracked       []*ResourceInfo

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewFailover returns an unconnected failover over `uris`.
func NewFailover(uris []*url.URL, opts ...Option) (*Failover, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	fo := &Failover{
		cfg:      cfg,
		tel:      NewTelemetry(cfg.logHandler, cfg.metricSink, cfg.metricLabels),
		pool:     newCandidatePool(cfg.nested, cfg.randomize, rng),
		rng:      rng,
		events:   make(chan Event, 64),
		ready:    NewAsyncResult[*url.URL](),
		inflight: make(map[uint64]*request),
	}
	fo.ctx, fo.cancel = context.WithCancel(context.Background())
	fo.pool.add(uris...)
	fo.tel.Gauge(MetricCandidates, float32(fo.pool.len()))
	return fo, nil
}

// ParseFailover builds a failover out of a `failover:(...)?...` URI.
// Options given with `opts` are applied after the URI ones.
func ParseFailover(raw string, opts ...Option) (*Failover, error) {
	comp, err := ParseCompositeURI(raw)
	if err != nil {
		return nil, err
	}
	if comp.Scheme != "failover" {
		return nil, fmt.Errorf("%w: expected failover scheme, got %q", ErrInvalidURI, comp.Scheme)
	}
	uriOpts, err := OptionsFromURI(comp.Params)
	if err != nil {
		return nil, err
	}
	return NewFailover(comp.Components, append(uriOpts, opts...)...)
}

// Connect starts connecting in the background and returns immediately.
// Requests issued meanwhile are queued. Use `Ready` to wait for the first
// connection.
func (fo *Failover) Connect(ctx context.Context) error {
	fo.lk.Lock()
	defer fo.lk.Unlock()
	switch fo.state {
	case FailoverClosed:
		return ErrProviderClosed
	case FailoverUnconnected:
	default:
		return nil
	}
	fo.state = FailoverConnecting
	fo.wg.Add(1)
	go fo.reconnect(true, nil, nil)
	return nil
}

// Ready completes with the URI of the first connection, or fails if
// failover gave up or was closed before.
func (fo *Failover) Ready() *AsyncResult[*url.URL] {
	return fo.ready
}

func (fo *Failover) State() FailoverState {
	fo.lk.Lock()
	defer fo.lk.Unlock()
	return fo.state
}

func (fo *Failover) RemoteURI() *url.URL {
	fo.lk.Lock()
	defer fo.lk.Unlock()
	if fo.activeURI == nil {
		return nil
	}
	cloned := *fo.activeURI
	return &cloned
}

func (fo *Failover) Events() <-chan Event {
	return fo.events
}

// Candidates returns a copy of the candidate list.
func (fo *Failover) Candidates() []*url.URL {
	return fo.pool.list()
}

// AddCandidates adds URIs not already known and returns how many were.
func (fo *Failover) AddCandidates(uris ...*url.URL) int {
	added := fo.pool.add(uris...)
	if added > 0 {
		fo.tel.Gauge(MetricCandidates, float32(fo.pool.len()))
		fo.tel.Log().Debug("candidates added", "count", added)
	}
	return added
}

// RemoveCandidate drops `u` from the candidates. Removing the candidate in
// use triggers a reconnection. The last candidate is never removed.
func (fo *Failover) RemoveCandidate(u *url.URL) error {
	wasActive, err := fo.pool.remove(u)
	if err != nil {
		return err
	}
	fo.tel.Gauge(MetricCandidates, float32(fo.pool.len()))
	if !wasActive {
		return nil
	}
	fo.lk.Lock()
	gen := fo.gen
	fo.lk.Unlock()
	fo.tel.Log().Info("active candidate removed, reconnecting", LabelURI.L(NormalizeURI(u)))
	fo.connectionLost(gen, NewConnectionError(NormalizeURI(u), ErrConnectionLost))
	return nil
}

func (fo *Failover) Create(info *ResourceInfo, result *AsyncResult[*ResourceInfo]) {
	if err := info.Validate(); err != nil {
		result.Fail(err)
		return
	}
	info = info.Clone()
	fo.submit(newRequest(fo, "create", result,
		func(p Provider, res *AsyncResult[*ResourceInfo]) {
			p.Create(info.Clone(), res)
		},
		fo.track,
	))
}

func (fo *Failover) Destroy(info *ResourceInfo, result *AsyncResult[struct{}]) {
	if info == nil {
		result.Fail(fmt.Errorf("%w: nil info", ErrInvalidResource))
		return
	}
	info = info.Clone()
	fo.submit(newRequest(fo, "destroy", result,
		func(p Provider, res *AsyncResult[struct{}]) {
			p.Destroy(info.Clone(), res)
		},
		func(struct{}) { fo.untrack(info.ID) },
	))
}

func (fo *Failover) Send(env *Envelope, result *AsyncResult[struct{}]) {
	env = env.Clone()
	fo.submit(newRequest(fo, "send", result,
		func(p Provider, res *AsyncResult[struct{}]) {
			p.Send(env.Clone(), res)
		},
		nil,
	))
}

func (fo *Failover) Acknowledge(delivery *Delivery, result *AsyncResult[struct{}]) {
	fo.submit(newRequest(fo, "acknowledge", result,
		func(p Provider, res *AsyncResult[struct{}]) {
			p.Acknowledge(delivery, res)
		},
		nil,
	))
}

// Close stops reconnecting, closes the live provider and fails every
// queued request with `ErrProviderClosed`.
func (fo *Failover) Close() error {
	fo.closeOnce.Do(func() {
		fo.lk.Lock()
		fo.state = FailoverClosed
		active := fo.active
		fo.active = nil
		fo.activeURI = nil
		queue := fo.queue
		fo.queue = nil
		fo.lk.Unlock()

		fo.cancel()
		if active != nil {
			if err := active.Close(); err != nil {
				fo.tel.Log().Debug("error closing provider", LabelError.L(err))
			}
		}
		for _, req := range queue {
			req.fail(ErrProviderClosed)
		}
		fo.ready.Fail(ErrProviderClosed)
		fo.wg.Wait()
		close(fo.events)
		fo.tel.Log().Info("failover closed")
	})
	return nil
}

func (fo *Failover) submit(req *request) {
	fo.lk.Lock()
	fo.seq++
	req.seq = fo.seq

	switch fo.state {
	case FailoverClosed:
		fo.lk.Unlock()
		req.fail(ErrProviderClosed)
		return
	case FailoverConnected:
		p, gen := fo.active, fo.gen
		req.gen = gen
		fo.inflight[req.seq] = req
		fo.lk.Unlock()
		req.issue(p, gen)
		return
	}

	var dropped *request
	if limit := fo.cfg.maxPendingRequests; limit > 0 && len(fo.queue) >= limit {
		if fo.cfg.overflow == RejectNewest {
			fo.lk.Unlock()
			fo.overflowed(req, ErrRequestQueueFull)
			return
		}
		dropped = fo.queue[0]
		fo.queue = fo.queue[1:]
	}
	fo.queue = append(fo.queue, req)
	fo.lk.Unlock()

	fo.tel.Incr(MetricRequestsQueued, LabelRequest.M(req.name))
	if dropped != nil {
		fo.overflowed(dropped, ErrRequestDropped)
	}
}

// trimQueue applies the overflow policy to a queue which grew past its
// limit through replays. The queue is sorted by issue order. Must hold lk.
func (fo *Failover) trimQueue() (*request, error) {
	limit := fo.cfg.maxPendingRequests
	if limit <= 0 || len(fo.queue) <= limit {
		return nil, nil
	}
	if fo.cfg.overflow == RejectNewest {
		last := len(fo.queue) - 1
		victim := fo.queue[last]
		fo.queue = fo.queue[:last]
		return victim, ErrRequestQueueFull
	}
	victim := fo.queue[0]
	fo.queue = fo.queue[1:]
	return victim, ErrRequestDropped
}

func (fo *Failover) overflowed(req *request, err error) {
	fo.tel.Incr(MetricRequestsDropped,
		LabelRequest.M(req.name),
		LabelPolicy.M(fo.cfg.overflow.String()),
	)
	fo.tel.Log().Warn("pending request queue full",
		LabelRequest.L(req.name),
		LabelPolicy.L(fo.cfg.overflow.String()),
		"seq", req.seq,
	)
	req.fail(fmt.Errorf("%w: %d pending requests", err, fo.cfg.maxPendingRequests))
}

func (fo *Failover) attemptSucceeded(req *request) {
	fo.lk.Lock()
	delete(fo.inflight, req.seq)
	fo.lk.Unlock()
}

func retriable(err error) bool {
	return IsConnectionError(err) || errors.Is(err, ErrProviderClosed)
}

// attemptFailed re-queues `req` in issue order when the attempt was lost
// with its connection.
func (fo *Failover) attemptFailed(req *request, gen uint64, err error) {
	fo.lk.Lock()
	delete(fo.inflight, req.seq)
	if !retriable(err) || fo.state == FailoverClosed {
		fo.lk.Unlock()
		req.fail(err)
		return
	}

	if fo.state == FailoverConnected && gen != fo.gen {
		// late failure from a previous connection.
		p, current := fo.active, fo.gen
		req.gen = current
		fo.inflight[req.seq] = req
		fo.lk.Unlock()
		fo.tel.Incr(MetricRequestsReplayed, LabelRequest.M(req.name))
		req.issue(p, current)
		return
	}

	idx := sort.Search(len(fo.queue), func(i int) bool {
		return fo.queue[i].seq > req.seq
	})
	fo.queue = append(fo.queue, nil)
	copy(fo.queue[idx+1:], fo.queue[idx:])
	fo.queue[idx] = req
	victim, victimErr := fo.trimQueue()
	current := fo.state == FailoverConnected && gen == fo.gen
	if gen == fo.gen && fo.state != FailoverConnected {
		// still establishing, see establish.
		fo.lost = true
	}
	fo.lk.Unlock()

	if victim != nil {
		fo.overflowed(victim, victimErr)
	}

	fo.tel.Log().Debug("request lost with its connection, queued for replay",
		LabelRequest.L(req.name),
		LabelError.L(err),
	)
	if current {
		fo.connectionLost(gen, err)
	}
}

func (fo *Failover) track(info *ResourceInfo) {
	if info == nil {
		return
	}
	fo.lk.Lock()
	defer fo.lk.Unlock()
	for i, known := range fo.tracked {
		if known.ID == info.ID {
			fo.tracked[i] = info.Clone()
			return
		}
	}
	fo.tracked = append(fo.tracked, info.Clone())
}

func (fo *Failover) untrack(id ResourceID) {
	fo.lk.Lock()
	defer fo.lk.Unlock()
	kept := fo.tracked[:0]
	for _, info := range fo.tracked {
		if !info.ID.IsWithin(id) {
			kept = append(kept, info)
		}
	}
	for i := len(kept); i < len(fo.tracked); i++ {
		fo.tracked[i] = nil
	}
	fo.tracked = kept
}

// connectionLost starts a reconnection if `gen` is the live connection.
func (fo *Failover) connectionLost(gen uint64, cause error) {
	fo.lk.Lock()
	if gen != fo.gen || fo.state == FailoverClosed {
		fo.lk.Unlock()
		return
	}
	if fo.state != FailoverConnected {
		// the connection is still being set up, see establish.
		fo.lost = true
		fo.lk.Unlock()
		return
	}
	fo.state = FailoverReconnecting
	old, oldURI := fo.active, fo.activeURI
	fo.active = nil
	fo.activeURI = nil
	// invalidates the forwarder of the old provider.
	fo.gen++
	fo.wg.Add(1)
	fo.lk.Unlock()

	fo.tel.Incr(MetricConnectionsLost, LabelURI.M(NormalizeURI(oldURI)))
	fo.tel.Log().Warn("connection lost",
		LabelURI.L(NormalizeURI(oldURI)),
		LabelError.L(cause),
	)
	go fo.reconnect(false, old, &Event{
		Kind: EventConnectionInterrupted,
		URI:  oldURI,
		Err:  cause,
	})
}

func (fo *Failover) emit(ev Event) {
	select {
	case fo.events <- ev:
	case <-fo.ctx.Done():
	}
}

func (fo *Failover) sleep(d time.Duration) bool {
	if d <= 0 {
		return fo.ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-fo.ctx.Done():
		return false
	}
}

// reconnect walks the candidates until one connects, failover is closed or
// the attempts are exhausted.
func (fo *Failover) reconnect(startup bool, old Provider, interrupted *Event) {
	defer fo.wg.Done()

	if old != nil {
		if err := old.Close(); err != nil {
			fo.tel.Log().Debug("error closing lost provider", LabelError.L(err))
		}
	}
	if interrupted != nil {
		fo.emit(*interrupted)
	}

	maxPasses := fo.cfg.maxReconnectAttempts
	if startup && fo.cfg.startupMaxReconnectAttempts != -1 {
		maxPasses = fo.cfg.startupMaxReconnectAttempts
	}
	if startup && maxPasses == 0 {
		maxPasses = 1
	}
	if !startup && !fo.sleep(fo.cfg.initialReconnectDelay) {
		return
	}

	var lastErr error
	for pass := 1; maxPasses < 0 || pass <= maxPasses; pass++ {
		uris := fo.pool.pass()
		if len(uris) == 0 {
			lastErr = ErrNoCandidates
		}
		for _, uri := range uris {
			if fo.ctx.Err() != nil {
				return
			}
			p, err := fo.attempt(uri, pass)
			if err == nil {
				err = fo.establish(p, uri, startup)
				if err == nil {
					return
				}
			}
			if fo.ctx.Err() != nil {
				return
			}
			lastErr = err
			fo.tel.Incr(MetricReconnectErrors, LabelURI.M(NormalizeURI(uri)))
			fo.tel.Log().Debug("connection attempt failed",
				LabelURI.L(NormalizeURI(uri)),
				LabelAttempt.L(pass),
				LabelError.L(err),
			)
		}

		if n := fo.cfg.warnAfterReconnectAttempts; n > 0 && pass%n == 0 {
			fo.tel.Log().Warn("failed to connect to any candidate",
				LabelAttempt.L(pass),
				LabelError.L(lastErr),
			)
		}
		if maxPasses >= 0 && pass >= maxPasses {
			break
		}

		delay := fo.cfg.backoff.Delay
		if fo.cfg.useBackoff {
			delay = fo.cfg.backoff.NextDelay(pass, fo.rng)
		}
		fo.tel.Log().Debug("waiting before next pass", LabelDelay.L(delay))
		if !fo.sleep(delay) {
			return
		}
	}
	fo.exhausted(lastErr)
}

func (fo *Failover) attempt(uri *url.URL, pass int) (Provider, error) {
	fo.tel.Incr(MetricReconnectAttempts,
		LabelURI.M(NormalizeURI(uri)),
		LabelAttempt.M(strconv.Itoa(pass)),
	)
	p, err := fo.cfg.factory(uri, fo.tel)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(fo.ctx, fo.cfg.connectTimeout)
	defer cancel()
	if err := p.Connect(ctx); err != nil {
		_ = p.Close()
		return nil, NewConnectionError(NormalizeURI(uri), err)
	}
	return p, nil
}

// establish makes `p` the live provider, recovers the tracked resources,
// and replays the queue before declaring the connection usable.
func (fo *Failover) establish(p Provider, uri *url.URL, startup bool) error {
	fo.lk.Lock()
	if fo.state == FailoverClosed {
		fo.lk.Unlock()
		_ = p.Close()
		return ErrProviderClosed
	}
	fo.gen++
	gen := fo.gen
	fo.lost = false
	fo.active = p
	fo.activeURI = uri
	tracked := make([]*ResourceInfo, len(fo.tracked))
	copy(tracked, fo.tracked)
	fo.wg.Add(1)
	fo.lk.Unlock()

	go fo.forward(p, gen)

	first := startup
	if err := fo.recoverResources(p, tracked); err != nil {
		fo.abort(p, gen)
		return err
	}

	// new requests keep queueing until the queue is observed empty.
	for {
		fo.lk.Lock()
		if fo.gen != gen || fo.state == FailoverClosed {
			fo.lk.Unlock()
			return ErrProviderClosed
		}
		if fo.lost {
			fo.lk.Unlock()
			fo.abort(p, gen)
			return NewConnectionError(NormalizeURI(uri), ErrConnectionLost)
		}
		if len(fo.queue) == 0 {
			fo.state = FailoverConnected
			first = !fo.everConnected
			fo.everConnected = true
			fo.lk.Unlock()
			break
		}
		batch := fo.queue
		fo.queue = nil
		for _, req := range batch {
			req.gen = gen
			fo.inflight[req.seq] = req
		}
		fo.lk.Unlock()

		for _, req := range batch {
			fo.tel.Incr(MetricRequestsReplayed, LabelRequest.M(req.name))
			req.issue(p, gen)
		}
	}

	fo.pool.connected(uri)
	fo.tel.Incr(MetricConnectionsEst, LabelURI.M(NormalizeURI(uri)))
	fo.tel.Log().Info("connected", LabelURI.L(NormalizeURI(uri)))
	fo.ready.Succeed(uri)
	kind := EventConnectionRestored
	if first {
		kind = EventConnectionEstablished
	}
	fo.emit(Event{Kind: kind, URI: uri})
	return nil
}

// recoverResources re-opens the tracked resources in creation order.
func (fo *Failover) recoverResources(p Provider, tracked []*ResourceInfo) error {
	for _, info := range tracked {
		res := NewAsyncResult[*ResourceInfo]()
		p.Create(info.Clone(), res)
		recovered, err := res.AwaitTimeout(fo.cfg.connectTimeout)
		switch {
		case err == nil:
			fo.track(recovered)
			fo.tel.Incr(MetricResourcesRecovered, LabelResourceKind.M(info.Kind.String()))
		case retriable(err), errors.Is(err, ErrTimeout):
			return fmt.Errorf("recovering %s: %w", info.ID, err)
		default:
			fo.tel.Log().Warn("resource could not be recovered",
				LabelResourceID.L(info.ID),
				LabelResourceKind.L(info.Kind),
				LabelError.L(err),
			)
			fo.untrack(info.ID)
			fo.emit(Event{Kind: EventResourceClosed, Resource: info, Err: err})
		}
	}
	return nil
}

// abort drops `p` if it is still the provider of `gen`.
func (fo *Failover) abort(p Provider, gen uint64) {
	fo.lk.Lock()
	if fo.gen == gen {
		fo.active = nil
		fo.activeURI = nil
		fo.gen++
	}
	fo.lk.Unlock()
	_ = p.Close()
}

func (fo *Failover) exhausted(lastErr error) {
	fo.lk.Lock()
	if fo.state == FailoverClosed {
		fo.lk.Unlock()
		return
	}
	fo.state = FailoverClosed
	queue := fo.queue
	fo.queue = nil
	fo.lk.Unlock()

	err := fmt.Errorf("%w: %w", ErrFailoverExhausted, lastErr)
	if lastErr == nil {
		err = ErrFailoverExhausted
	}
	fo.tel.Log().Error("giving up reconnecting", LabelError.L(lastErr))
	for _, req := range queue {
		req.fail(err)
	}
	fo.ready.Fail(err)
	fo.emit(Event{Kind: EventConnectionFailure, Err: err})
}

// forward relays the events of `p` while it is the connection `gen`.
func (fo *Failover) forward(p Provider, gen uint64) {
	defer fo.wg.Done()
	uri := p.RemoteURI()
	for ev := range p.Events() {
		fo.lk.Lock()
		current := fo.gen == gen
		fo.lk.Unlock()
		if !current {
			continue
		}

		switch ev.Kind {
		case EventConnectionFailure:
			fo.connectionLost(gen, ev.Err)
		case EventResourceClosed:
			if ev.Resource != nil {
				fo.untrack(ev.Resource.ID)
			}
			fo.emit(ev)
		case EventRemoteURIs:
			if fo.cfg.updateURIs {
				fo.AddCandidates(ev.URIs...)
			}
			fo.emit(ev)
		default:
			fo.emit(ev)
		}
	}

	fo.lk.Lock()
	current := fo.gen == gen
	fo.lk.Unlock()
	if current {
		fo.connectionLost(gen, NewConnectionError(NormalizeURI(uri), ErrConnectionLost))
	}
}

var _ Provider = (*Failover)(nil)

// LogValue implements `slog.LogValuer`.
func (fo *Failover) LogValue() slog.Value {
	return slog.GroupValue(
		LabelState.L(fo.State().String()),
		LabelURI.L(NormalizeURI(fo.RemoteURI())),
	)
}
