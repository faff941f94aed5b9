// Package transport dials and listens on the byte streams providers speak
// over: plain TCP, TLS, and a QUIC stream.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/relais"
)

const defaultUDPBufferSize int = 1 << 21

var (
	MetricDialCount          = []string{"relais", "transport", "dial", "count"}
	MetricDialErrorCount     = []string{"relais", "transport", "dial", "error", "count"}
	MetricUDPBufferSizeBytes = []string{"relais", "transport", "udp", "buffer", "bytes"}
)

var (
	ErrUnsupportedScheme = errors.New("transport: unsupported scheme")
	ErrNoTLSConfig       = errors.New("transport: TLS config is required")
	ErrBufferSize        = errors.New("transport: could not allocate the UDP buffer")
	ErrInvalidAddr       = errors.New("transport: invalid address")
)

// Config of a dial or a listen.
type Config struct {
	// TLSConfig is required for `ssl` and `quic`.
	TLSConfig *tls.Config

	// DialTimeout bounds the dial when the context has no deadline.
	DialTimeout time.Duration

	// KeepAlive period of TCP connections, negative disables it.
	KeepAlive time.Duration

	// BufferSize of the requested UDP kernel buffer for QUIC.
	BufferSize int

	// EnforceBufferSize fails if the kernel doesn't allocate what we asked.
	// Otherwise, we divide the requested size by 2 until it fits.
	EnforceBufferSize bool

	// MaxIdleTimeout of QUIC connections.
	MaxIdleTimeout time.Duration

	Telemetry relais.Telemetry
}

// ConfigFromURI reads the `transport.*` options of `uri` on top of `base`.
// The remaining options are returned untouched.
func ConfigFromURI(uri *url.URL, base Config) (Config, url.Values, error) {
	cfg := base
	own, rest := relais.FilterOptions(uri.Query(), "transport.")
	opts := relais.NewOptions(own)

	cfg.DialTimeout = opts.Duration("connectTimeout", cfg.DialTimeout)
	cfg.KeepAlive = opts.Duration("tcpKeepAlive", cfg.KeepAlive)
	cfg.BufferSize = opts.Int("bufferSize", cfg.BufferSize)
	cfg.EnforceBufferSize = opts.Bool("enforceBufferSize", cfg.EnforceBufferSize)
	cfg.MaxIdleTimeout = opts.Duration("maxIdleTimeout", cfg.MaxIdleTimeout)

	serverName := opts.String("serverName", "")
	trustAll := opts.Bool("trustAll", false)
	if serverName != "" || trustAll {
		if cfg.TLSConfig == nil {
			cfg.TLSConfig = &tls.Config{}
		} else {
			cfg.TLSConfig = cfg.TLSConfig.Clone()
		}
		if serverName != "" {
			cfg.TLSConfig.ServerName = serverName
		}
		cfg.TLSConfig.InsecureSkipVerify = trustAll
	}

	if unused := opts.Unused(); len(unused) > 0 {
		return cfg, rest, fmt.Errorf("%w: unknown transport options %v", relais.ErrInvalidCfg, unused)
	}
	return cfg, rest, opts.Err()
}

// Dial opens a byte stream to `uri`, whose scheme is `tcp`, `ssl` or `quic`.
func Dial(ctx context.Context, uri *url.URL, cfg Config) (conn net.Conn, err error) {
	if _, ok := ctx.Deadline(); !ok && cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}

	labels := []metrics.Label{relais.LabelScheme.M(uri.Scheme), relais.LabelURI.M(uri.Host)}
	defer func() {
		if err != nil {
			cfg.Telemetry.Incr(MetricDialErrorCount, labels...)
			return
		}
		cfg.Telemetry.Incr(MetricDialCount, labels...)
	}()

	switch strings.ToLower(uri.Scheme) {
	case "tcp", "nio":
		dialer := &net.Dialer{KeepAlive: cfg.KeepAlive}
		return dialer.DialContext(ctx, "tcp", uri.Host)
	case "ssl", "tls":
		tlsCfg, err := clientTLS(uri, cfg)
		if err != nil {
			return nil, err
		}
		dialer := &tls.Dialer{
			NetDialer: &net.Dialer{KeepAlive: cfg.KeepAlive},
			Config:    tlsCfg,
		}
		return dialer.DialContext(ctx, "tcp", uri.Host)
	case "quic":
		tlsCfg, err := clientTLS(uri, cfg)
		if err != nil {
			return nil, err
		}
		return dialQUIC(ctx, uri.Host, tlsCfg, cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, uri.Scheme)
	}
}

func clientTLS(uri *url.URL, cfg Config) (*tls.Config, error) {
	if cfg.TLSConfig == nil {
		return nil, ErrNoTLSConfig
	}
	tlsCfg := cfg.TLSConfig.Clone()
	if tlsCfg.ServerName == "" && !tlsCfg.InsecureSkipVerify {
		tlsCfg.ServerName = uri.Hostname()
	}
	return tlsCfg, nil
}

// Listen is the server side of `Dial`, used by tests and embedded brokers.
func Listen(uri *url.URL, cfg Config) (net.Listener, error) {
	switch strings.ToLower(uri.Scheme) {
	case "tcp", "nio":
		return net.Listen("tcp", uri.Host)
	case "ssl", "tls":
		if cfg.TLSConfig == nil {
			return nil, ErrNoTLSConfig
		}
		return tls.Listen("tcp", uri.Host, cfg.TLSConfig)
	case "quic":
		if cfg.TLSConfig == nil {
			return nil, ErrNoTLSConfig
		}
		return listenQUIC(uri.Host, cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, uri.Scheme)
	}
}

func quicConfig(cfg Config) *quic.Config {
	idle := cfg.MaxIdleTimeout
	if idle == 0 {
		idle = 1 * time.Minute
	}
	return &quic.Config{
		Versions:       []quic.Version{quic.Version2, quic.Version1},
		Allow0RTT:      false,
		MaxIdleTimeout: idle,
		// a connection carries a single bidirectional stream.
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: -1,
		KeepAlivePeriod:       idle / 3,
	}
}

func listenUDP(addr string, cfg Config) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}
	udpLn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate UDP listener: %w", err)
	}
	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}
	if err := negotiateBufferSize(udpLn, requested, cfg); err != nil {
		_ = udpLn.Close()
		return nil, err
	}
	return udpLn, nil
}

func negotiateBufferSize(udpLn *net.UDPConn, requested int, cfg Config) error {
	size := requested
	for size > 0 {
		if err := udpLn.SetReadBuffer(size); err != nil {
			if cfg.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			cfg.Telemetry.Log().Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		cfg.Telemetry.Gauge(MetricUDPBufferSizeBytes, float32(size))
		return nil
	}
	return ErrBufferSize
}

func dialQUIC(ctx context.Context, target string, tlsCfg *tls.Config, cfg Config) (net.Conn, error) {
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}
	udpLn, err := listenUDP(":0", cfg)
	if err != nil {
		return nil, err
	}
	tr := &quic.Transport{Conn: udpLn}

	cx, err := tr.Dial(ctx, addr, tlsCfg, quicConfig(cfg))
	if err != nil {
		_ = tr.Close()
		return nil, err
	}
	stream, err := cx.OpenStreamSync(ctx)
	if err != nil {
		_ = cx.CloseWithError(quicErrNoError, "")
		_ = tr.Close()
		return nil, err
	}
	return newStreamConn(stream, cx, tr), nil
}

type quicListener struct {
	tr     *quic.Transport
	ln     *quic.Listener
	ctx    context.Context
	cancel context.CancelFunc
}

func listenQUIC(addr string, cfg Config) (net.Listener, error) {
	udpLn, err := listenUDP(addr, cfg)
	if err != nil {
		return nil, err
	}
	tr := &quic.Transport{Conn: udpLn}
	ln, err := tr.Listen(cfg.TLSConfig, quicConfig(cfg))
	if err != nil {
		_ = tr.Close()
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}
	ql := &quicListener{tr: tr, ln: ln}
	ql.ctx, ql.cancel = context.WithCancel(context.Background())
	return ql, nil
}

// Accept returns once a peer opened its stream, which happens with its
// first write.
func (ql *quicListener) Accept() (net.Conn, error) {
	for {
		cx, err := ql.ln.Accept(ql.ctx)
		if err != nil {
			if ql.ctx.Err() != nil {
				return nil, net.ErrClosed
			}
			return nil, err
		}
		stream, err := cx.AcceptStream(ql.ctx)
		if err != nil {
			_ = cx.CloseWithError(quicErrNoError, "")
			if ql.ctx.Err() != nil {
				return nil, net.ErrClosed
			}
			continue
		}
		return newStreamConn(stream, cx, nil), nil
	}
}

func (ql *quicListener) Close() error {
	ql.cancel()
	return errors.Join(ql.ln.Close(), ql.tr.Close())
}

func (ql *quicListener) Addr() net.Addr {
	return ql.ln.Addr()
}
