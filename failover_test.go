package relais

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeNetwork hands out providers whose broker can be taken down and
// whose operations are journaled per host.
type fakeNetwork struct {
	lk        sync.Mutex
	down      map[string]bool
	refuse    map[ResourceID]error
	hold      bool
	journal   map[string][]string
	providers map[string]*fakeProvider
}

func newFakeNetwork(down ...string) *fakeNetwork {
	n := &fakeNetwork{
		down:      make(map[string]bool),
		refuse:    make(map[ResourceID]error),
		journal:   make(map[string][]string),
		providers: make(map[string]*fakeProvider),
	}
	for _, host := range down {
		n.down[host] = true
	}
	return n
}

func (n *fakeNetwork) setDown(host string, down bool) {
	n.lk.Lock()
	defer n.lk.Unlock()
	n.down[host] = down
}

func (n *fakeNetwork) setHold(hold bool) {
	n.lk.Lock()
	defer n.lk.Unlock()
	n.hold = hold
}

func (n *fakeNetwork) ops(host string) []string {
	n.lk.Lock()
	defer n.lk.Unlock()
	return append([]string(nil), n.journal[host]...)
}

func (n *fakeNetwork) provider(host string) *fakeProvider {
	n.lk.Lock()
	defer n.lk.Unlock()
	return n.providers[host]
}

func (n *fakeNetwork) factory(uri *url.URL, _ Telemetry) (Provider, error) {
	p := &fakeProvider{net: n, uri: uri, events: make(chan Event, 64)}
	n.lk.Lock()
	n.providers[uri.Host] = p
	n.lk.Unlock()
	return p, nil
}

type fakeProvider struct {
	net *fakeNetwork
	uri *url.URL

	lk      sync.Mutex
	closed  bool
	events  chan Event
	pending []func(error)
}

func (p *fakeProvider) Connect(context.Context) error {
	p.net.lk.Lock()
	defer p.net.lk.Unlock()
	if p.net.down[p.uri.Hostname()] {
		return fmt.Errorf("dial %s: connection refused", p.uri.Host)
	}
	return nil
}

// record journals the operation and completes it unless the network holds
// results back.
func (p *fakeProvider) record(op string, succeed func(), fail func(error)) {
	p.lk.Lock()
	if p.closed {
		p.lk.Unlock()
		fail(ErrProviderClosed)
		return
	}
	p.net.lk.Lock()
	p.net.journal[p.uri.Host] = append(p.net.journal[p.uri.Host], op)
	hold := p.net.hold
	p.net.lk.Unlock()
	if hold {
		p.pending = append(p.pending, fail)
		p.lk.Unlock()
		return
	}
	p.lk.Unlock()
	succeed()
}

func (p *fakeProvider) Create(info *ResourceInfo, result *AsyncResult[*ResourceInfo]) {
	p.net.lk.Lock()
	refused := p.net.refuse[info.ID]
	p.net.lk.Unlock()
	if refused != nil {
		result.Fail(refused)
		return
	}
	p.record("create "+string(info.ID), func() { result.Succeed(info) }, func(err error) { result.Fail(err) })
}

func (p *fakeProvider) Destroy(info *ResourceInfo, result *AsyncResult[struct{}]) {
	p.record("destroy "+string(info.ID), func() { result.Succeed(struct{}{}) }, func(err error) { result.Fail(err) })
}

func (p *fakeProvider) Send(env *Envelope, result *AsyncResult[struct{}]) {
	p.record("send "+string(env.Body), func() { result.Succeed(struct{}{}) }, func(err error) { result.Fail(err) })
}

func (p *fakeProvider) Acknowledge(delivery *Delivery, result *AsyncResult[struct{}]) {
	p.record("ack "+delivery.Tag, func() { result.Succeed(struct{}{}) }, func(err error) { result.Fail(err) })
}

func (p *fakeProvider) emit(ev Event) {
	p.lk.Lock()
	defer p.lk.Unlock()
	if !p.closed {
		p.events <- ev
	}
}

// drop simulates a broken connection.
func (p *fakeProvider) drop() {
	p.lk.Lock()
	pending := p.pending
	p.pending = nil
	p.lk.Unlock()
	cause := NewConnectionError(p.uri.String(), ErrConnectionLost)
	for _, fail := range pending {
		fail(cause)
	}
	p.emit(Event{Kind: EventConnectionFailure, Err: cause})
}

func (p *fakeProvider) Close() error {
	p.lk.Lock()
	if p.closed {
		p.lk.Unlock()
		return nil
	}
	p.closed = true
	pending := p.pending
	p.pending = nil
	close(p.events)
	p.lk.Unlock()
	for _, fail := range pending {
		fail(ErrProviderClosed)
	}
	return nil
}

func (p *fakeProvider) Events() <-chan Event { return p.events }
func (p *fakeProvider) RemoteURI() *url.URL  { return p.uri }

func newTestFailover(t *testing.T, n *fakeNetwork, raw string, opts ...Option) *Failover {
	t.Helper()
	opts = append([]Option{
		WithProviderFactory(n.factory),
		WithReconnectDelay(0, time.Millisecond, 10*time.Millisecond),
		WithConnectTimeout(time.Second),
	}, opts...)
	fo, err := ParseFailover(raw, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fo.Close() })
	return fo
}

func nextEvent(t *testing.T, fo *Failover, kind EventKind) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-fo.Events():
			require.True(t, ok, "events closed")
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", kind)
			return Event{}
		}
	}
}

func await[T any](t *testing.T, res *AsyncResult[T]) (T, error) {
	t.Helper()
	return res.AwaitTimeout(5 * time.Second)
}

func createOn(t *testing.T, p Provider, info *ResourceInfo) error {
	t.Helper()
	res := NewAsyncResult[*ResourceInfo]()
	p.Create(info, res)
	_, err := await(t, res)
	return err
}

func TestFailover_ConnectsToFirstAvailable(t *testing.T) {
	n := newFakeNetwork("a")
	fo := newTestFailover(t, n, "failover:(tcp://a:61616,tcp://b:61616)")
	require.NoError(t, fo.Connect(context.Background()))

	uri, err := await(t, fo.Ready())
	require.NoError(t, err)
	require.Equal(t, "b:61616", uri.Host)
	ev := nextEvent(t, fo, EventConnectionEstablished)
	require.Equal(t, "b:61616", ev.URI.Host)
	require.Equal(t, FailoverConnected, fo.State())
	require.Equal(t, "b:61616", fo.RemoteURI().Host)

	require.NoError(t, createOn(t, fo, &ResourceInfo{ID: testConn, Kind: KindConnection}))
	require.Equal(t, []string{"create c1"}, n.ops("b:61616"))
}

func TestFailover_ReplaysQueuedRequestsInOrder(t *testing.T) {
	n := newFakeNetwork("a")
	fo := newTestFailover(t, n, "failover:(tcp://a:61616)")
	require.NoError(t, fo.Connect(context.Background()))

	created := NewAsyncResult[*ResourceInfo]()
	fo.Create(&ResourceInfo{ID: testConn, Kind: KindConnection}, created)
	session := NewAsyncResult[*ResourceInfo]()
	fo.Create(&ResourceInfo{ID: testConn.Child(1), Kind: KindSession}, session)
	sent := NewAsyncResult[struct{}]()
	fo.Send(&Envelope{Body: []byte("hello")}, sent)

	time.Sleep(20 * time.Millisecond)
	require.False(t, created.IsDone())
	require.False(t, sent.IsDone())

	n.setDown("a", false)
	_, err := await(t, sent)
	require.NoError(t, err)
	_, err = await(t, created)
	require.NoError(t, err)
	_, err = await(t, session)
	require.NoError(t, err)
	require.Equal(t, []string{"create c1", "create c1:1", "send hello"}, n.ops("a:61616"))
}

func TestFailover_RecoversResources(t *testing.T) {
	n := newFakeNetwork()
	fo := newTestFailover(t, n, "failover:(tcp://a:61616,tcp://b:61616)")
	require.NoError(t, fo.Connect(context.Background()))
	_, err := await(t, fo.Ready())
	require.NoError(t, err)
	nextEvent(t, fo, EventConnectionEstablished)

	require.NoError(t, createOn(t, fo, &ResourceInfo{ID: testConn, Kind: KindConnection}))
	require.NoError(t, createOn(t, fo, &ResourceInfo{ID: testConn.Child(1), Kind: KindSession}))
	require.NoError(t, createOn(t, fo, &ResourceInfo{ID: testConn.Child(2), Kind: KindSession}))
	destroyed := NewAsyncResult[struct{}]()
	fo.Destroy(&ResourceInfo{ID: testConn.Child(2), Kind: KindSession}, destroyed)
	_, err = await(t, destroyed)
	require.NoError(t, err)

	n.setDown("a", true)
	n.provider("a:61616").drop()
	interrupted := nextEvent(t, fo, EventConnectionInterrupted)
	require.Equal(t, "a:61616", interrupted.URI.Host)
	restored := nextEvent(t, fo, EventConnectionRestored)
	require.Equal(t, "b:61616", restored.URI.Host)
	require.Equal(t, []string{"create c1", "create c1:1"}, n.ops("b:61616"))
}

func TestFailover_ReplaysInflightRequests(t *testing.T) {
	n := newFakeNetwork()
	fo := newTestFailover(t, n, "failover:(tcp://a:61616,tcp://b:61616)")
	require.NoError(t, fo.Connect(context.Background()))
	_, err := await(t, fo.Ready())
	require.NoError(t, err)

	n.setHold(true)
	sent := NewAsyncResult[struct{}]()
	fo.Send(&Envelope{Body: []byte("in-flight")}, sent)
	require.Eventually(t, func() bool { return len(n.ops("a:61616")) == 1 }, time.Second, time.Millisecond)

	n.setHold(false)
	n.setDown("a", true)
	n.provider("a:61616").drop()

	_, err = await(t, sent)
	require.NoError(t, err)
	require.Equal(t, []string{"send in-flight"}, n.ops("b:61616"))
}

func TestFailover_ReplayedRequestsRespectQueueLimit(t *testing.T) {
	n := newFakeNetwork()
	fo := newTestFailover(t, n, "failover:(tcp://a:61616)?failover.maxPendingRequests=1")
	require.NoError(t, fo.Connect(context.Background()))
	_, err := await(t, fo.Ready())
	require.NoError(t, err)

	n.setHold(true)
	first, second := NewAsyncResult[struct{}](), NewAsyncResult[struct{}]()
	fo.Send(&Envelope{Body: []byte("first")}, first)
	fo.Send(&Envelope{Body: []byte("second")}, second)
	require.Eventually(t, func() bool { return len(n.ops("a:61616")) == 2 }, time.Second, time.Millisecond)

	n.setDown("a", true)
	n.provider("a:61616").drop()
	n.setHold(false)

	_, err = await(t, second)
	require.ErrorIs(t, err, ErrRequestQueueFull)
	require.False(t, first.IsDone())

	n.setDown("a", false)
	_, err = await(t, first)
	require.NoError(t, err)
	require.Equal(t, []string{"send first", "send second", "send first"}, n.ops("a:61616"))
}

func TestFailover_UnrecoverableResource(t *testing.T) {
	n := newFakeNetwork()
	fo := newTestFailover(t, n, "failover:(tcp://a:61616,tcp://b:61616)")
	require.NoError(t, fo.Connect(context.Background()))
	_, err := await(t, fo.Ready())
	require.NoError(t, err)
	require.NoError(t, createOn(t, fo, &ResourceInfo{ID: testConn, Kind: KindConnection}))
	require.NoError(t, createOn(t, fo, &ResourceInfo{ID: testConn.Child(1), Kind: KindSession}))

	n.lk.Lock()
	n.refuse[testConn.Child(1)] = NewProtocolError("refused", "session limit")
	n.lk.Unlock()
	n.setDown("a", true)
	n.provider("a:61616").drop()

	ev := nextEvent(t, fo, EventResourceClosed)
	require.Equal(t, testConn.Child(1), ev.Resource.ID)
	nextEvent(t, fo, EventConnectionRestored)
}

func TestFailover_ProtocolErrorsReachCaller(t *testing.T) {
	n := newFakeNetwork()
	n.refuse[testConn] = NewProtocolError("unauthorized", "bad credentials")
	fo := newTestFailover(t, n, "failover:(tcp://a:61616)")
	require.NoError(t, fo.Connect(context.Background()))
	_, err := await(t, fo.Ready())
	require.NoError(t, err)

	err = createOn(t, fo, &ResourceInfo{ID: testConn, Kind: KindConnection})
	require.True(t, IsProtocolError(err))
	require.Equal(t, FailoverConnected, fo.State())

	err = createOn(t, fo, &ResourceInfo{ID: testConn.Child(1), Kind: KindConsumer})
	require.ErrorIs(t, err, ErrInvalidResource)
}

func TestFailover_QueueOverflow(t *testing.T) {
	n := newFakeNetwork("a")
	for _, tc := range []struct {
		policy  string
		failed  int
		wantErr error
	}{
		{policy: "reject-newest", failed: 2, wantErr: ErrRequestQueueFull},
		{policy: "drop-oldest", failed: 0, wantErr: ErrRequestDropped},
	} {
		t.Run(tc.policy, func(t *testing.T) {
			fo := newTestFailover(t, n, "failover:(tcp://a:61616)?failover.maxPendingRequests=2&failover.overflowPolicy="+tc.policy)
			results := make([]*AsyncResult[struct{}], 3)
			for i := range results {
				results[i] = NewAsyncResult[struct{}]()
				fo.Send(&Envelope{Body: []byte{byte(i)}}, results[i])
			}
			for i, res := range results {
				if i == tc.failed {
					_, err := await(t, res)
					require.ErrorIs(t, err, tc.wantErr)
					continue
				}
				require.False(t, res.IsDone())
			}
			require.NoError(t, fo.Close())
			for i, res := range results {
				if i == tc.failed {
					continue
				}
				_, err := await(t, res)
				require.ErrorIs(t, err, ErrProviderClosed)
			}
		})
	}
}

func TestFailover_Exhausted(t *testing.T) {
	n := newFakeNetwork("a", "b")
	fo := newTestFailover(t, n, "failover:(tcp://a:61616,tcp://b:61616)?failover.startupMaxReconnectAttempts=2")

	sent := NewAsyncResult[struct{}]()
	fo.Send(&Envelope{Body: []byte("lost")}, sent)
	require.NoError(t, fo.Connect(context.Background()))

	_, err := await(t, fo.Ready())
	require.ErrorIs(t, err, ErrFailoverExhausted)
	_, err = await(t, sent)
	require.ErrorIs(t, err, ErrFailoverExhausted)
	ev := nextEvent(t, fo, EventConnectionFailure)
	require.ErrorIs(t, ev.Err, ErrFailoverExhausted)
	require.Equal(t, FailoverClosed, fo.State())
	require.ErrorIs(t, fo.Connect(context.Background()), ErrProviderClosed)
}

func TestFailover_RemoveActiveCandidate(t *testing.T) {
	n := newFakeNetwork()
	fo := newTestFailover(t, n, "failover:(tcp://a:61616,tcp://b:61616)")
	require.NoError(t, fo.Connect(context.Background()))
	_, err := await(t, fo.Ready())
	require.NoError(t, err)
	nextEvent(t, fo, EventConnectionEstablished)

	require.NoError(t, fo.RemoveCandidate(mustParseURI(t, "tcp://a:61616")))
	ev := nextEvent(t, fo, EventConnectionRestored)
	require.Equal(t, "b:61616", ev.URI.Host)
	require.Len(t, fo.Candidates(), 1)

	require.ErrorIs(t, fo.RemoveCandidate(mustParseURI(t, "tcp://b:61616")), ErrNoCandidates)
}

func TestFailover_RemoteURIs(t *testing.T) {
	n := newFakeNetwork()
	fo := newTestFailover(t, n, "failover:(tcp://a:61616)")
	require.NoError(t, fo.Connect(context.Background()))
	_, err := await(t, fo.Ready())
	require.NoError(t, err)

	n.provider("a:61616").emit(Event{Kind: EventRemoteURIs, URIs: []*url.URL{
		mustParseURI(t, "tcp://a:61616"),
		mustParseURI(t, "tcp://c:61616"),
	}})
	nextEvent(t, fo, EventRemoteURIs)
	require.Len(t, fo.Candidates(), 2)
}

func TestFailover_Close(t *testing.T) {
	n := newFakeNetwork("a")
	fo := newTestFailover(t, n, "failover:(tcp://a:61616)")
	require.NoError(t, fo.Connect(context.Background()))

	queued := NewAsyncResult[struct{}]()
	fo.Send(&Envelope{Body: []byte("x")}, queued)
	require.NoError(t, fo.Close())
	require.NoError(t, fo.Close())

	_, err := await(t, queued)
	require.ErrorIs(t, err, ErrProviderClosed)
	_, err = await(t, fo.Ready())
	require.ErrorIs(t, err, ErrProviderClosed)
	err = createOn(t, fo, &ResourceInfo{ID: testConn, Kind: KindConnection})
	require.ErrorIs(t, err, ErrProviderClosed)
	_, ok := <-fo.Events()
	require.False(t, ok)
}

func TestParseFailover(t *testing.T) {
	fo, err := ParseFailover("failover:(tcp://a:61616,tcp://A:61616,tcp://b:61616)?failover.maxReconnectAttempts=3&failover.randomize=true&failover.nested.wireFormat.version=2")
	require.NoError(t, err)
	defer fo.Close()
	require.Len(t, fo.Candidates(), 2)
	require.Equal(t, 3, fo.cfg.maxReconnectAttempts)
	require.True(t, fo.cfg.randomize)
	require.Equal(t, "2", fo.cfg.nested.Get("wireFormat.version"))

	_, err = ParseFailover("failover:(tcp://a:61616)?failover.bogus=1")
	require.ErrorIs(t, err, ErrInvalidCfg)
	_, err = ParseFailover("failover:(tcp://a:61616)?failover.overflowPolicy=panic")
	require.ErrorIs(t, err, ErrInvalidCfg)
	_, err = ParseFailover("discovery:(static:(tcp://a:61616))")
	require.ErrorIs(t, err, ErrInvalidURI)
}

func mustParseURI(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := ParseURI(raw)
	require.NoError(t, err)
	return u
}
