package wireprovider

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"github.com/raskyld/relais"
	"github.com/raskyld/relais/pkg/transport"
	"github.com/raskyld/relais/pkg/wire"
)

const (
	DefaultConnectTimeout = 15 * time.Second
	DefaultCloseTimeout   = 15 * time.Second
	DefaultInactivity     = 30 * time.Second

	tickInterval = 100 * time.Millisecond
	loopBuffer   = 256
	eventBuffer  = 256
)

// Options of one provider. The URI query overrides them.
type Options struct {
	ConnectTimeout time.Duration
	CloseTimeout   time.Duration
	WriteTimeout   time.Duration
	CompressBody   bool

	Version               int
	TightEncoding         bool
	MaxFrameSize          int64
	MaxInactivityDuration time.Duration

	Transport transport.Config
}

type Option func(*Options)

// WithTLSConfig sets the TLS configuration of `ssl` and `quic` dials.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(opts *Options) {
		opts.Transport.TLSConfig = cfg
	}
}

// WithTimeouts sets the connect and close timeouts.
func WithTimeouts(connect, close time.Duration) Option {
	return func(opts *Options) {
		opts.ConnectTimeout = connect
		opts.CloseTimeout = close
	}
}

// WithWireFormat sets the preferred wire format.
func WithWireFormat(version int, tight bool) Option {
	return func(opts *Options) {
		opts.Version = version
		opts.TightEncoding = tight
	}
}

// WithCompressBody compresses the body of outbound messages.
func WithCompressBody(enabled bool) Option {
	return func(opts *Options) {
		opts.CompressBody = enabled
	}
}

func defaultOptions() Options {
	return Options{
		ConnectTimeout:        DefaultConnectTimeout,
		CloseTimeout:          DefaultCloseTimeout,
		Version:               wire.MaxVersion,
		TightEncoding:         true,
		MaxFrameSize:          wire.DefaultMaxFrameSize,
		MaxInactivityDuration: DefaultInactivity,
	}
}

// OptionsFromURI reads the options of `uri` on top of `base`: the
// `transport.*` and `wireFormat.*` families, `connectTimeout`,
// `closeTimeout`, `writeTimeout` and `compressBody`.
func OptionsFromURI(uri *url.URL, base Options) (Options, error) {
	opts := base
	tcfg, rest, err := transport.ConfigFromURI(uri, base.Transport)
	if err != nil {
		return opts, err
	}
	opts.Transport = tcfg

	wf, rest := relais.FilterOptions(rest, "wireFormat.")
	wfOpts := relais.NewOptions(wf)
	opts.Version = wfOpts.Int("version", opts.Version)
	opts.TightEncoding = wfOpts.Bool("tightEncodingEnabled", opts.TightEncoding)
	opts.MaxFrameSize = int64(wfOpts.Int("maxFrameSize", int(opts.MaxFrameSize)))
	opts.MaxInactivityDuration = wfOpts.Duration("maxInactivityDuration", opts.MaxInactivityDuration)

	own := relais.NewOptions(rest)
	opts.ConnectTimeout = own.Duration("connectTimeout", opts.ConnectTimeout)
	opts.CloseTimeout = own.Duration("closeTimeout", opts.CloseTimeout)
	opts.WriteTimeout = own.Duration("writeTimeout", opts.WriteTimeout)
	opts.CompressBody = own.Bool("compressBody", opts.CompressBody)

	for _, o := range []*relais.Options{wfOpts, own} {
		if err := o.Err(); err != nil {
			return opts, err
		}
	}
	var unused []string
	for _, key := range wfOpts.Unused() {
		unused = append(unused, "wireFormat."+key)
	}
	unused = append(unused, own.Unused()...)
	if len(unused) > 0 {
		return opts, fmt.Errorf("%w: unknown options %v", relais.ErrInvalidCfg, unused)
	}

	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = opts.ConnectTimeout
	}
	if opts.Transport.DialTimeout == 0 {
		opts.Transport.DialTimeout = opts.ConnectTimeout
	}
	return opts, nil
}

func (opts Options) formatOptions() []wire.FormatOption {
	return []wire.FormatOption{
		wire.WithVersion(opts.Version),
		wire.WithTightEncoding(opts.TightEncoding),
		wire.WithMaxFrameSize(opts.MaxFrameSize),
		wire.WithMaxInactivityDuration(opts.MaxInactivityDuration.Milliseconds()),
	}
}
