package relais

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-metrics"
)

// OverflowPolicy decides which request is failed when the queue of
// requests waiting for a connection is full.
type OverflowPolicy uint8

const (
	// RejectNewest fails the incoming request with `ErrRequestQueueFull`.
	RejectNewest OverflowPolicy = iota
	// DropOldest fails the oldest queued request with `ErrRequestDropped`
	// and queues the incoming one.
	DropOldest
)

func (policy OverflowPolicy) String() string {
	switch policy {
	case RejectNewest:
		return "reject-newest"
	case DropOldest:
		return "drop-oldest"
	default:
		return "unknown"
	}
}

// ParseOverflowPolicy is the reverse of `OverflowPolicy.String`.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(s) {
	case "reject-newest", "":
		return RejectNewest, nil
	case "drop-oldest":
		return DropOldest, nil
	default:
		return RejectNewest, fmt.Errorf("%w: unknown overflow policy %q", ErrInvalidCfg, s)
	}
}

type config struct {
	logHandler   slog.Handler
	metricSink   metrics.MetricSink
	metricLabels []metrics.Label
	factory      ProviderFactory

	initialReconnectDelay       time.Duration
	backoff                     BackoffConfig
	useBackoff                  bool
	maxReconnectAttempts        int
	startupMaxReconnectAttempts int
	warnAfterReconnectAttempts  int
	randomize                   bool
	connectTimeout              time.Duration
	maxPendingRequests          int
	overflow                    OverflowPolicy
	nested                      url.Values
	updateURIs                  bool
}

func defaultConfig() config {
	return config{
		factory: NewProvider,
		backoff: BackoffConfig{
			Delay:      10 * time.Millisecond,
			Multiplier: 2.0,
			MaxDelay:   30 * time.Second,
		},
		useBackoff:                  true,
		maxReconnectAttempts:        -1,
		startupMaxReconnectAttempts: -1,
		warnAfterReconnectAttempts:  10,
		connectTimeout:              15 * time.Second,
		nested:                      make(url.Values),
		updateURIs:                  true,
	}
}

// Option to pass to `NewFailover`.
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.metricSink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithProviderFactory overrides how a provider is built for a candidate.
// Defaults to the scheme registry, see `RegisterProvider`.
func WithProviderFactory(factory ProviderFactory) Option {
	return func(c *config) error {
		if factory == nil {
			return fmt.Errorf("nil provider factory")
		}
		c.factory = factory
		return nil
	}
}

// WithReconnectDelay sets the delay before the first attempt following a
// connection loss, the delay between two passes over the candidates, and
// its cap.
func WithReconnectDelay(initial, delay, maxDelay time.Duration) Option {
	return func(c *config) error {
		if initial < 0 || delay < 0 || maxDelay < 0 {
			return fmt.Errorf("negative reconnect delay")
		}
		c.initialReconnectDelay = initial
		c.backoff.Delay = delay
		c.backoff.MaxDelay = maxDelay
		return nil
	}
}

// WithBackoff controls the exponential growth of the delay between passes.
// A disabled backoff waits the plain reconnect delay between passes.
func WithBackoff(enabled bool, multiplier float64) Option {
	return func(c *config) error {
		if enabled && multiplier < 1.0 {
			return fmt.Errorf("backoff multiplier must be >= 1, got %v", multiplier)
		}
		c.useBackoff = enabled
		c.backoff.Multiplier = multiplier
		return nil
	}
}

// WithMaxReconnectAttempts caps the number of passes over the candidates
// after a connection loss. -1 means unlimited.
func WithMaxReconnectAttempts(n int) Option {
	return func(c *config) error {
		if n < -1 {
			return fmt.Errorf("max reconnect attempts must be >= -1, got %d", n)
		}
		c.maxReconnectAttempts = n
		return nil
	}
}

// WithStartupMaxReconnectAttempts caps the passes of the very first
// connection. -1 falls back to `WithMaxReconnectAttempts`.
func WithStartupMaxReconnectAttempts(n int) Option {
	return func(c *config) error {
		if n < -1 {
			return fmt.Errorf("startup max reconnect attempts must be >= -1, got %d", n)
		}
		c.startupMaxReconnectAttempts = n
		return nil
	}
}

// WithWarnAfterReconnectAttempts logs a warning every `n` failed passes.
func WithWarnAfterReconnectAttempts(n int) Option {
	return func(c *config) error {
		c.warnAfterReconnectAttempts = n
		return nil
	}
}

// WithRandomize shuffles the candidates at every pass instead of trying them
// in order, and adds jitter to the backoff.
func WithRandomize(randomize bool) Option {
	return func(c *config) error {
		c.randomize = randomize
		c.backoff.Jitter = randomize
		return nil
	}
}

// WithConnectTimeout bounds a single connection attempt.
func WithConnectTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 15 * time.Second
		}
		c.connectTimeout = timeout
		return nil
	}
}

// WithPendingRequestLimit bounds the requests queued while disconnected.
// 0 means unbounded. In-flight requests queued again after a connection
// loss count toward the limit and go through `policy` like new ones.
func WithPendingRequestLimit(limit int, policy OverflowPolicy) Option {
	return func(c *config) error {
		if limit < 0 {
			return fmt.Errorf("pending request limit must be >= 0, got %d", limit)
		}
		c.maxPendingRequests = limit
		c.overflow = policy
		return nil
	}
}

// WithNestedOptions adds query parameters to every candidate.
func WithNestedOptions(params url.Values) Option {
	return func(c *config) error {
		for key, vals := range params {
			c.nested[key] = append(c.nested[key], vals...)
		}
		return nil
	}
}

// WithUpdateURIs controls whether peers advertised by the remote are added
// to the candidates.
func WithUpdateURIs(enabled bool) Option {
	return func(c *config) error {
		c.updateURIs = enabled
		return nil
	}
}

// OptionsFromURI translates `failover.*` parameters into options.
// `failover.nested.*` parameters become nested options.
func OptionsFromURI(params url.Values) ([]Option, error) {
	failoverParams, _ := FilterOptions(params, "failover.")
	nested, own := FilterOptions(failoverParams, "nested.")
	reader := NewOptions(own)
	def := defaultConfig()

	var opts []Option
	opts = append(opts, WithReconnectDelay(
		reader.Duration("initialReconnectDelay", def.initialReconnectDelay),
		reader.Duration("reconnectDelay", def.backoff.Delay),
		reader.Duration("maxReconnectDelay", def.backoff.MaxDelay),
	))
	opts = append(opts, WithBackoff(
		reader.Bool("useReconnectBackOff", def.useBackoff),
		reader.Float("reconnectBackOffMultiplier", def.backoff.Multiplier),
	))
	opts = append(opts,
		WithMaxReconnectAttempts(reader.Int("maxReconnectAttempts", def.maxReconnectAttempts)),
		WithStartupMaxReconnectAttempts(reader.Int("startupMaxReconnectAttempts", def.startupMaxReconnectAttempts)),
		WithWarnAfterReconnectAttempts(reader.Int("warnAfterReconnectAttempts", def.warnAfterReconnectAttempts)),
		WithRandomize(reader.Bool("randomize", def.randomize)),
		WithConnectTimeout(reader.Duration("connectTimeout", def.connectTimeout)),
		WithUpdateURIs(reader.Bool("updateURIsSupported", def.updateURIs)),
	)
	policy, err := ParseOverflowPolicy(reader.String("overflowPolicy", ""))
	if err != nil {
		return nil, err
	}
	opts = append(opts, WithPendingRequestLimit(reader.Int("maxPendingRequests", 0), policy))
	if len(nested) > 0 {
		opts = append(opts, WithNestedOptions(nested))
	}
	if unused := reader.Unused(); len(unused) > 0 {
		return nil, fmt.Errorf("%w: unknown failover options %v", ErrInvalidCfg, unused)
	}
	if err := reader.Err(); err != nil {
		return nil, err
	}
	return opts, nil
}
