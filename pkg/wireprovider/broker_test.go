package wireprovider

import (
	"bufio"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/raskyld/relais/pkg/wire"
	"github.com/stretchr/testify/require"
)

// fakeBroker accepts one connection at a time, acknowledges every command
// which needs it and records what it received.
type fakeBroker struct {
	t  *testing.T
	ln net.Listener

	formatOpts []wire.FormatOption
	// reply overrides the default acknowledgement, returning nil sends
	// nothing.
	reply func(cmd wire.Command) wire.DataStructure

	received chan wire.DataStructure

	lk     sync.Mutex
	conn   net.Conn
	format *wire.Format
}

func newFakeBroker(t *testing.T, opts ...wire.FormatOption) *fakeBroker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	b := &fakeBroker{
		t:          t,
		ln:         ln,
		formatOpts: opts,
		received:   make(chan wire.DataStructure, 128),
	}
	go b.serve()
	t.Cleanup(func() {
		_ = ln.Close()
		b.lk.Lock()
		if b.conn != nil {
			_ = b.conn.Close()
		}
		b.lk.Unlock()
	})
	return b
}

func (b *fakeBroker) uri() string {
	return "tcp://" + b.ln.Addr().String()
}

func (b *fakeBroker) serve() {
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.handle(conn)
	}
}

func (b *fakeBroker) handle(conn net.Conn) {
	defer conn.Close()
	format, err := wire.NewFormat(b.formatOpts...)
	if err != nil {
		return
	}
	r := bufio.NewReader(conn)
	ds, _, err := format.Unmarshal(r)
	if err != nil {
		return
	}
	if _, err := format.Marshal(conn, format.Info()); err != nil {
		return
	}
	if err := format.Negotiate(ds.(*wire.WireFormatInfo)); err != nil {
		return
	}

	b.lk.Lock()
	b.conn = conn
	b.format = format
	b.lk.Unlock()

	for {
		ds, _, err := format.Unmarshal(r)
		if err != nil {
			return
		}
		b.received <- ds
		cmd, ok := ds.(wire.Command)
		if !ok {
			continue
		}
		var resp wire.DataStructure
		if b.reply != nil {
			resp = b.reply(cmd)
		} else if cmd.IsResponseRequired() {
			resp = &wire.Response{CorrelationID: cmd.GetCommandID()}
		}
		if resp != nil {
			b.send(resp)
		}
	}
}

// send pushes a command to the connected client.
func (b *fakeBroker) send(ds wire.DataStructure) {
	b.lk.Lock()
	defer b.lk.Unlock()
	if b.conn == nil {
		return
	}
	_, _ = b.format.Marshal(b.conn, ds)
}

// next returns the next received command which is not a keep-alive.
func (b *fakeBroker) next(t *testing.T) wire.DataStructure {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ds := <-b.received:
			if _, ok := ds.(*wire.KeepAliveInfo); ok {
				continue
			}
			return ds
		case <-timeout:
			t.Fatal("broker received nothing")
			return nil
		}
	}
}
