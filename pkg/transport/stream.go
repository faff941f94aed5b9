package transport

import (
	"errors"
	"net"
	"sync"

	"github.com/quic-go/quic-go"
)

const quicErrNoError quic.ApplicationErrorCode = 0

// streamConn is a QUIC stream seen as a `net.Conn`. Closing it closes the
// whole QUIC connection, and the transport it owns if any.
type streamConn struct {
	quic.Stream
	cx quic.Connection
	tr *quic.Transport

	closeOnce sync.Once
	closeErr  error
}

func newStreamConn(stream quic.Stream, cx quic.Connection, tr *quic.Transport) *streamConn {
	sc := &streamConn{Stream: stream, cx: cx, tr: tr}
	go sc.garbageCollector()
	return sc
}

func (sc *streamConn) LocalAddr() net.Addr {
	return sc.cx.LocalAddr()
}

func (sc *streamConn) RemoteAddr() net.Addr {
	return sc.cx.RemoteAddr()
}

// Close flushes our side of the stream then tears the connection down.
func (sc *streamConn) Close() error {
	sc.closeOnce.Do(func() {
		// Close of a quic.Stream only closes the send direction.
		err := sc.Stream.Close()
		sc.Stream.CancelRead(quic.StreamErrorCode(quicErrNoError))
		err = errors.Join(err, sc.cx.CloseWithError(quicErrNoError, ""))
		if sc.tr != nil {
			err = errors.Join(err, sc.tr.Close())
		}
		sc.closeErr = err
	})
	return sc.closeErr
}

// garbageCollector releases the transport once the connection is gone,
// e.g. after an idle timeout, even if nobody called Close.
func (sc *streamConn) garbageCollector() {
	<-sc.cx.Context().Done()
	_ = sc.Close()
}

var _ net.Conn = (*streamConn)(nil)
