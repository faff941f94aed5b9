package wireprovider

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raskyld/relais"
	"github.com/raskyld/relais/pkg/wire"
	"github.com/stretchr/testify/require"
)

const conn relais.ResourceID = "c1"

func testTelemetry() relais.Telemetry {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	return relais.NewTelemetry(handler, nil, nil)
}

func connect(t *testing.T, b *fakeBroker, query string, opts ...Option) *Provider {
	t.Helper()
	u, err := url.Parse(b.uri() + query)
	require.NoError(t, err)
	p, err := New(u, testTelemetry(), opts...)
	require.NoError(t, err)
	require.NoError(t, p.Connect(context.Background()))
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func create(t *testing.T, p *Provider, info *relais.ResourceInfo) (*relais.ResourceInfo, error) {
	t.Helper()
	res := relais.NewAsyncResult[*relais.ResourceInfo]()
	p.Create(info, res)
	return res.AwaitTimeout(5 * time.Second)
}

func openSession(t *testing.T, p *Provider, b *fakeBroker) relais.ResourceID {
	t.Helper()
	_, err := create(t, p, &relais.ResourceInfo{ID: conn, Kind: relais.KindConnection, ClientID: "client"})
	require.NoError(t, err)
	require.IsType(t, &wire.ConnectionInfo{}, b.next(t))

	session := conn.Child(1)
	_, err = create(t, p, &relais.ResourceInfo{ID: session, Kind: relais.KindSession})
	require.NoError(t, err)
	require.IsType(t, &wire.SessionInfo{}, b.next(t))
	return session
}

func nextEvent(t *testing.T, p *Provider) relais.Event {
	t.Helper()
	select {
	case ev, ok := <-p.Events():
		require.True(t, ok, "events closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
		return relais.Event{}
	}
}

func TestProvider_Negotiates(t *testing.T) {
	b := newFakeBroker(t, wire.WithVersion(2), wire.WithTightEncoding(true))
	p := connect(t, b, "?wireFormat.tightEncodingEnabled=false")
	require.Equal(t, 2, p.Format().Version())
	require.False(t, p.Format().Tight())
}

func TestProvider_OpensResources(t *testing.T) {
	b := newFakeBroker(t)
	p := connect(t, b, "")
	session := openSession(t, p, b)

	consumer := session.Child(1)
	opened, err := create(t, p, &relais.ResourceInfo{
		ID:          consumer,
		Kind:        relais.KindConsumer,
		Destination: relais.NewQueue("orders"),
		Prefetch:    10,
		Selector:    "a = 1",
	})
	require.NoError(t, err)
	require.Equal(t, consumer, opened.ID)

	info := b.next(t).(*wire.ConsumerInfo)
	require.Equal(t, string(consumer), info.ConsumerID)
	require.Equal(t, &wire.Queue{Name: "orders"}, info.Destination)
	require.Equal(t, int32(10), info.PrefetchSize)
	require.Equal(t, "a = 1", info.Selector)
	require.True(t, info.ResponseRequired)
}

func TestProvider_ConcurrentOpens(t *testing.T) {
	const links = 8
	b := newFakeBroker(t)
	var held []wire.Command
	b.reply = func(cmd wire.Command) wire.DataStructure {
		if _, ok := cmd.(*wire.ConsumerInfo); ok {
			// answered all at once, newest first.
			held = append(held, cmd)
			if len(held) == links {
				for i := len(held) - 1; i >= 0; i-- {
					b.send(&wire.Response{CorrelationID: held[i].GetCommandID()})
				}
			}
			return nil
		}
		if cmd.IsResponseRequired() {
			return &wire.Response{CorrelationID: cmd.GetCommandID()}
		}
		return nil
	}
	p := connect(t, b, "")
	session := openSession(t, p, b)

	var (
		wg           sync.WaitGroup
		lk           sync.Mutex
		completions  = make(map[relais.ResourceID]int)
		earlyResults atomic.Int32
		results      = make([]*relais.AsyncResult[*relais.ResourceInfo], links)
	)
	for i := range links {
		results[i] = relais.NewAsyncResult[*relais.ResourceInfo]()
		results[i].OnComplete(func(info *relais.ResourceInfo, err error) {
			if err != nil {
				return
			}
			lk.Lock()
			completions[info.ID]++
			lk.Unlock()
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if results[i].IsDone() {
				earlyResults.Add(1)
			}
			p.Create(&relais.ResourceInfo{
				ID:          session.Child(uint64(i + 1)),
				Kind:        relais.KindConsumer,
				Destination: relais.NewQueue(fmt.Sprintf("q%d", i)),
			}, results[i])
		}()
	}
	wg.Wait()

	for i, res := range results {
		info, err := res.AwaitTimeout(5 * time.Second)
		require.NoError(t, err)
		require.Equal(t, session.Child(uint64(i+1)), info.ID)
	}
	require.Zero(t, earlyResults.Load())
	require.Eventually(t, func() bool {
		lk.Lock()
		defer lk.Unlock()
		return len(completions) == links
	}, time.Second, time.Millisecond)
	lk.Lock()
	defer lk.Unlock()
	for id, n := range completions {
		require.Equal(t, 1, n, id)
	}
}

func TestProvider_TemporaryDestination(t *testing.T) {
	b := newFakeBroker(t)
	b.reply = func(cmd wire.Command) wire.DataStructure {
		if di, ok := cmd.(*wire.DestinationInfo); ok && di.OperationType == wire.DestinationAdd {
			return &wire.DataResponse{CorrelationID: cmd.GetCommandID(), Data: &wire.TempQueue{Name: "ID:broker:7"}}
		}
		if cmd.IsResponseRequired() {
			return &wire.Response{CorrelationID: cmd.GetCommandID()}
		}
		return nil
	}
	p := connect(t, b, "")
	_, err := create(t, p, &relais.ResourceInfo{ID: conn, Kind: relais.KindConnection})
	require.NoError(t, err)

	requested := &relais.ResourceInfo{ID: conn.Child(9), Kind: relais.KindTemporaryDestination, Destination: relais.NewTemporaryQueue()}
	opened, err := create(t, p, requested)
	require.NoError(t, err)
	require.Equal(t, "ID:broker:7", opened.Destination.Name)
	require.Empty(t, requested.Destination.Name, "the caller's info is left untouched")
}

func TestProvider_RefusedResource(t *testing.T) {
	b := newFakeBroker(t)
	b.reply = func(cmd wire.Command) wire.DataStructure {
		if ci, ok := cmd.(*wire.ConsumerInfo); ok && ci.Destination.PhysicalName() == "forbidden" {
			return &wire.ExceptionResponse{CorrelationID: cmd.GetCommandID(), ExceptionClass: "SecurityException", Message: "denied"}
		}
		if cmd.IsResponseRequired() {
			return &wire.Response{CorrelationID: cmd.GetCommandID()}
		}
		return nil
	}
	p := connect(t, b, "")
	session := openSession(t, p, b)

	_, err := create(t, p, &relais.ResourceInfo{ID: session.Child(1), Kind: relais.KindConsumer, Destination: relais.NewQueue("forbidden")})
	require.Error(t, err)
	require.True(t, relais.IsProtocolError(err))
	require.False(t, relais.IsConnectionError(err))

	// the connection is still usable.
	_, err = create(t, p, &relais.ResourceInfo{ID: session.Child(2), Kind: relais.KindConsumer, Destination: relais.NewQueue("allowed")})
	require.NoError(t, err)
}

func TestProvider_SendAndDeliver(t *testing.T) {
	b := newFakeBroker(t)
	p := connect(t, b, "?compressBody=true")
	session := openSession(t, p, b)

	producer := session.Child(1)
	_, err := create(t, p, &relais.ResourceInfo{ID: producer, Kind: relais.KindProducer, Destination: relais.NewQueue("orders")})
	require.NoError(t, err)
	b.next(t)
	consumer := session.Child(2)
	_, err = create(t, p, &relais.ResourceInfo{ID: consumer, Kind: relais.KindConsumer, Destination: relais.NewQueue("orders")})
	require.NoError(t, err)
	b.next(t)

	body := []byte("a body which compresses, a body which compresses, a body which compresses")
	sent := relais.NewAsyncResult[struct{}]()
	p.Send(&relais.Envelope{ProducerID: producer, MessageID: "m-1", Persistent: true, Body: body}, sent)
	_, err = sent.AwaitTimeout(5 * time.Second)
	require.NoError(t, err)

	msg := b.next(t).(*wire.Message)
	require.True(t, msg.Compressed)
	require.NotEqual(t, body, msg.Content)
	require.Equal(t, &wire.Queue{Name: "orders"}, msg.Destination, "falls back to the producer destination")

	b.send(&wire.MessageDispatch{ConsumerID: string(consumer), Destination: msg.Destination, Message: msg, RedeliveryCounter: 1})
	ev := nextEvent(t, p)
	require.Equal(t, relais.EventDelivery, ev.Kind)
	require.Equal(t, consumer, ev.Delivery.ConsumerID)
	require.Equal(t, body, ev.Delivery.Envelope.Body)
	require.False(t, ev.Delivery.Envelope.Compressed)
	require.Equal(t, 2, ev.Delivery.DeliveryCount)

	acked := relais.NewAsyncResult[struct{}]()
	p.Acknowledge(ev.Delivery, acked)
	_, err = acked.AwaitTimeout(5 * time.Second)
	require.NoError(t, err)
	ack := b.next(t).(*wire.MessageAck)
	require.Equal(t, "m-1", ack.FirstMessageID)
	require.Equal(t, string(consumer), ack.ConsumerID)

	unknown := relais.NewAsyncResult[struct{}]()
	p.Send(&relais.Envelope{ProducerID: session.Child(42)}, unknown)
	_, err = unknown.AwaitTimeout(5 * time.Second)
	require.ErrorIs(t, err, relais.ErrNoSuchResource)
}

func TestProvider_DestroyClosesChildrenFirst(t *testing.T) {
	b := newFakeBroker(t)
	p := connect(t, b, "")
	session := openSession(t, p, b)
	consumer := session.Child(1)
	_, err := create(t, p, &relais.ResourceInfo{ID: consumer, Kind: relais.KindConsumer, Destination: relais.NewTopic("prices")})
	require.NoError(t, err)
	b.next(t)

	destroyed := relais.NewAsyncResult[struct{}]()
	p.Destroy(&relais.ResourceInfo{ID: session, Kind: relais.KindSession}, destroyed)
	_, err = destroyed.AwaitTimeout(5 * time.Second)
	require.NoError(t, err)

	require.Equal(t, string(consumer), b.next(t).(*wire.RemoveInfo).ObjectID)
	require.Equal(t, string(session), b.next(t).(*wire.RemoveInfo).ObjectID)
}

func TestProvider_RemoteRemove(t *testing.T) {
	b := newFakeBroker(t)
	p := connect(t, b, "")
	session := openSession(t, p, b)
	consumer := session.Child(1)
	_, err := create(t, p, &relais.ResourceInfo{ID: consumer, Kind: relais.KindConsumer, Destination: relais.NewQueue("q")})
	require.NoError(t, err)
	b.next(t)

	b.send(&wire.RemoveInfo{ObjectID: string(consumer)})
	ev := nextEvent(t, p)
	require.Equal(t, relais.EventResourceClosed, ev.Kind)
	require.Equal(t, consumer, ev.Resource.ID)
	require.ErrorIs(t, ev.Err, relais.ErrRemoteClosed)
}

func TestProvider_ConnectionControl(t *testing.T) {
	b := newFakeBroker(t)
	p := connect(t, b, "")
	b.send(&wire.ConnectionControl{ConnectedBrokers: []string{"tcp://b1:61616", "tcp://b2:61616"}})

	ev := nextEvent(t, p)
	require.Equal(t, relais.EventRemoteURIs, ev.Kind)
	require.Len(t, ev.URIs, 2)
	require.Equal(t, "b2:61616", ev.URIs[1].Host)
}

func TestProvider_RemoteShutdown(t *testing.T) {
	b := newFakeBroker(t)
	b.reply = func(cmd wire.Command) wire.DataStructure {
		// never answers the session.
		if _, ok := cmd.(*wire.SessionInfo); ok {
			return nil
		}
		return &wire.Response{CorrelationID: cmd.GetCommandID()}
	}
	p := connect(t, b, "")
	_, err := create(t, p, &relais.ResourceInfo{ID: conn, Kind: relais.KindConnection})
	require.NoError(t, err)
	b.next(t)

	pending := relais.NewAsyncResult[*relais.ResourceInfo]()
	p.Create(&relais.ResourceInfo{ID: conn.Child(1), Kind: relais.KindSession}, pending)
	b.next(t)

	b.send(&wire.ShutdownInfo{})
	ev := nextEvent(t, p)
	require.Equal(t, relais.EventConnectionFailure, ev.Kind)
	require.ErrorIs(t, ev.Err, ErrRemoteShutdown)
	require.True(t, relais.IsConnectionError(ev.Err))

	_, err = pending.AwaitTimeout(5 * time.Second)
	require.True(t, relais.IsConnectionError(err))

	_, err = create(t, p, &relais.ResourceInfo{ID: conn.Child(2), Kind: relais.KindSession})
	require.True(t, relais.IsConnectionError(err))
}

func TestProvider_Close(t *testing.T) {
	b := newFakeBroker(t)
	p := connect(t, b, "")
	require.NoError(t, p.Close())
	require.IsType(t, &wire.ShutdownInfo{}, b.next(t))

	_, err := create(t, p, &relais.ResourceInfo{ID: conn, Kind: relais.KindConnection})
	require.ErrorIs(t, err, relais.ErrProviderClosed)
	_, ok := <-p.Events()
	require.False(t, ok)
	require.ErrorIs(t, p.Connect(context.Background()), relais.ErrProviderClosed)
}

func TestProvider_ConnectFailure(t *testing.T) {
	b := newFakeBroker(t)
	addr := b.ln.Addr().String()
	require.NoError(t, b.ln.Close())

	u, err := url.Parse("tcp://" + addr + "?connectTimeout=500")
	require.NoError(t, err)
	p, err := New(u, testTelemetry())
	require.NoError(t, err)
	err = p.Connect(context.Background())
	require.True(t, relais.IsConnectionError(err))

	_, err = create(t, p, &relais.ResourceInfo{ID: conn, Kind: relais.KindConnection})
	require.ErrorIs(t, err, relais.ErrNotConnected)
}

func TestOptionsFromURI(t *testing.T) {
	u, err := url.Parse("tcp://broker:61616?connectTimeout=2s&closeTimeout=100&wireFormat.version=2&wireFormat.maxInactivityDuration=0&transport.tcpKeepAlive=-1")
	require.NoError(t, err)
	opts, err := OptionsFromURI(u, defaultOptions())
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, opts.ConnectTimeout)
	require.Equal(t, 100*time.Millisecond, opts.CloseTimeout)
	require.Equal(t, 2*time.Second, opts.WriteTimeout)
	require.Equal(t, 2*time.Second, opts.Transport.DialTimeout)
	require.Equal(t, 2, opts.Version)
	require.Zero(t, opts.MaxInactivityDuration)
	require.Equal(t, -time.Millisecond, opts.Transport.KeepAlive)

	u, err = url.Parse("tcp://broker:61616?wireFormat.cacheEnabled=true")
	require.NoError(t, err)
	_, err = OptionsFromURI(u, defaultOptions())
	require.ErrorIs(t, err, relais.ErrInvalidCfg)

	u, err = url.Parse("tcp://broker:61616?wireFormat.version=9")
	require.NoError(t, err)
	_, err = New(u, testTelemetry())
	require.ErrorIs(t, err, relais.ErrInvalidCfg)
}
