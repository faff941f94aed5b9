package stompprovider

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"github.com/raskyld/relais"
	"github.com/raskyld/relais/pkg/transport"
)

const (
	DefaultConnectTimeout = 15 * time.Second
	DefaultCloseTimeout   = 15 * time.Second
	DefaultMaxFrameSize   = 64 << 20

	tickInterval = 100 * time.Millisecond
	loopBuffer   = 256
	eventBuffer  = 256
)

type Options struct {
	ConnectTimeout time.Duration
	CloseTimeout   time.Duration
	WriteTimeout   time.Duration
	// HeartBeat is both the interval we send at and the one we ask for,
	// zero disables heart-beating.
	HeartBeat    time.Duration
	MaxFrameSize int
	VirtualHost  string
	CompressBody bool

	Transport transport.Config
}

type Option func(*Options)

func WithTLSConfig(cfg *tls.Config) Option {
	return func(opts *Options) {
		opts.Transport.TLSConfig = cfg
	}
}

func WithHeartBeat(interval time.Duration) Option {
	return func(opts *Options) {
		opts.HeartBeat = interval
	}
}

func defaultOptions() Options {
	return Options{
		ConnectTimeout: DefaultConnectTimeout,
		CloseTimeout:   DefaultCloseTimeout,
		MaxFrameSize:   DefaultMaxFrameSize,
	}
}

// OptionsFromURI reads `connectTimeout`, `closeTimeout`, `writeTimeout`,
// `heartBeat`, `maxFrameSize`, `host`, `compressBody` and the
// `transport.*` family.
func OptionsFromURI(uri *url.URL, base Options) (Options, error) {
	opts := base
	tcfg, rest, err := transport.ConfigFromURI(uri, base.Transport)
	if err != nil {
		return opts, err
	}
	opts.Transport = tcfg

	own := relais.NewOptions(rest)
	opts.ConnectTimeout = own.Duration("connectTimeout", opts.ConnectTimeout)
	opts.CloseTimeout = own.Duration("closeTimeout", opts.CloseTimeout)
	opts.WriteTimeout = own.Duration("writeTimeout", opts.WriteTimeout)
	opts.HeartBeat = own.Duration("heartBeat", opts.HeartBeat)
	opts.MaxFrameSize = own.Int("maxFrameSize", opts.MaxFrameSize)
	opts.VirtualHost = own.String("host", opts.VirtualHost)
	opts.CompressBody = own.Bool("compressBody", opts.CompressBody)
	if err := own.Err(); err != nil {
		return opts, err
	}
	if unused := own.Unused(); len(unused) > 0 {
		return opts, fmt.Errorf("%w: unknown options %v", relais.ErrInvalidCfg, unused)
	}

	if opts.VirtualHost == "" {
		opts.VirtualHost = uri.Hostname()
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = opts.ConnectTimeout
	}
	if opts.Transport.DialTimeout == 0 {
		opts.Transport.DialTimeout = opts.ConnectTimeout
	}
	return opts, nil
}
