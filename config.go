package relais

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-metrics"
)

// Config is the file form of a client configuration.
type Config struct {
	// URI of the remote, may be a `failover:` or `discovery:` URI.
	URI      string
	ClientID string
	Username string
	Password string
	LogLevel slog.Level
	Labels   map[string]string

	// Failover options applied on top of the ones found in `URI`.
	Failover []Option
}

type fileConfig struct {
	URI      string            `toml:"uri"`
	ClientID string            `toml:"client_id"`
	Username string            `toml:"username"`
	Password string            `toml:"password"`
	LogLevel string            `toml:"log_level"`
	Labels   map[string]string `toml:"labels"`
	Failover fileFailover      `toml:"failover"`
}

type fileFailover struct {
	InitialReconnectDelay       string  `toml:"initial_reconnect_delay"`
	ReconnectDelay              string  `toml:"reconnect_delay"`
	MaxReconnectDelay           string  `toml:"max_reconnect_delay"`
	UseBackoff                  bool    `toml:"use_backoff"`
	BackoffMultiplier           float64 `toml:"backoff_multiplier"`
	MaxReconnectAttempts        int     `toml:"max_reconnect_attempts"`
	StartupMaxReconnectAttempts int     `toml:"startup_max_reconnect_attempts"`
	WarnAfterReconnectAttempts  int     `toml:"warn_after_reconnect_attempts"`
	Randomize                   bool    `toml:"randomize"`
	ConnectTimeout              string  `toml:"connect_timeout"`
	MaxPendingRequests          int     `toml:"max_pending_requests"`
	OverflowPolicy              string  `toml:"overflow_policy"`
	UpdateURIs                  bool    `toml:"update_uris"`
}

// LoadConfig reads a TOML file. Keys left out keep their default.
func LoadConfig(path string) (*Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %w", ErrInvalidCfg, path, err)
	}
	return raw.build(meta)
}

// ParseConfig is `LoadConfig` for an in-memory document.
func ParseConfig(doc string) (*Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(doc, &raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	return raw.build(meta)
}

func (raw *fileConfig) build(meta toml.MetaData) (*Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return nil, fmt.Errorf("%w: unknown keys %v", ErrInvalidCfg, keys)
	}

	cfg := &Config{
		URI:      strings.TrimSpace(raw.URI),
		ClientID: strings.TrimSpace(raw.ClientID),
		Username: raw.Username,
		Password: raw.Password,
		Labels:   raw.Labels,
	}
	if cfg.URI == "" {
		return nil, fmt.Errorf("%w: uri is required", ErrInvalidCfg)
	}
	if meta.IsDefined("log_level") {
		if err := cfg.LogLevel.UnmarshalText([]byte(raw.LogLevel)); err != nil {
			return nil, fmt.Errorf("%w: log_level: %w", ErrInvalidCfg, err)
		}
	}

	def := defaultConfig()
	fo := raw.Failover
	defined := func(key string) bool {
		return meta.IsDefined("failover", key)
	}
	duration := func(key, val string, fallback time.Duration) (time.Duration, error) {
		if !defined(key) {
			return fallback, nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(val))
		if err != nil {
			return 0, fmt.Errorf("%w: failover.%s: %w", ErrInvalidCfg, key, err)
		}
		return d, nil
	}

	initial, err := duration("initial_reconnect_delay", fo.InitialReconnectDelay, def.initialReconnectDelay)
	if err != nil {
		return nil, err
	}
	delay, err := duration("reconnect_delay", fo.ReconnectDelay, def.backoff.Delay)
	if err != nil {
		return nil, err
	}
	maxDelay, err := duration("max_reconnect_delay", fo.MaxReconnectDelay, def.backoff.MaxDelay)
	if err != nil {
		return nil, err
	}
	if defined("initial_reconnect_delay") || defined("reconnect_delay") || defined("max_reconnect_delay") {
		cfg.Failover = append(cfg.Failover, WithReconnectDelay(initial, delay, maxDelay))
	}

	if defined("use_backoff") || defined("backoff_multiplier") {
		useBackoff, multiplier := def.useBackoff, def.backoff.Multiplier
		if defined("use_backoff") {
			useBackoff = fo.UseBackoff
		}
		if defined("backoff_multiplier") {
			multiplier = fo.BackoffMultiplier
		}
		cfg.Failover = append(cfg.Failover, WithBackoff(useBackoff, multiplier))
	}
	if defined("max_reconnect_attempts") {
		cfg.Failover = append(cfg.Failover, WithMaxReconnectAttempts(fo.MaxReconnectAttempts))
	}
	if defined("startup_max_reconnect_attempts") {
		cfg.Failover = append(cfg.Failover, WithStartupMaxReconnectAttempts(fo.StartupMaxReconnectAttempts))
	}
	if defined("warn_after_reconnect_attempts") {
		cfg.Failover = append(cfg.Failover, WithWarnAfterReconnectAttempts(fo.WarnAfterReconnectAttempts))
	}
	if defined("randomize") {
		cfg.Failover = append(cfg.Failover, WithRandomize(fo.Randomize))
	}
	if defined("connect_timeout") {
		timeout, err := duration("connect_timeout", fo.ConnectTimeout, def.connectTimeout)
		if err != nil {
			return nil, err
		}
		cfg.Failover = append(cfg.Failover, WithConnectTimeout(timeout))
	}
	if defined("max_pending_requests") || defined("overflow_policy") {
		policy, err := ParseOverflowPolicy(fo.OverflowPolicy)
		if err != nil {
			return nil, err
		}
		cfg.Failover = append(cfg.Failover, WithPendingRequestLimit(fo.MaxPendingRequests, policy))
	}
	if defined("update_uris") {
		cfg.Failover = append(cfg.Failover, WithUpdateURIs(fo.UpdateURIs))
	}
	return cfg, nil
}

// MetricLabels returns `Labels` sorted by name.
func (cfg *Config) MetricLabels() []metrics.Label {
	names := make([]string, 0, len(cfg.Labels))
	for name := range cfg.Labels {
		names = append(names, name)
	}
	sort.Strings(names)
	labels := make([]metrics.Label, 0, len(names))
	for _, name := range names {
		labels = append(labels, metrics.Label{Name: name, Value: cfg.Labels[name]})
	}
	return labels
}

// ConnectionInfo is the info of the connection resource described by the
// configuration.
func (cfg *Config) ConnectionInfo() *ResourceInfo {
	clientID := cfg.ClientID
	id := NewConnectionID()
	if clientID == "" {
		clientID = string(id)
	}
	return &ResourceInfo{
		ID:       id,
		Kind:     KindConnection,
		ClientID: clientID,
		Username: cfg.Username,
		Password: cfg.Password,
	}
}

// Open builds the provider for `URI`. Failover and discovery URIs get the
// failover options of the file, then `opts`.
func (cfg *Config) Open(handler slog.Handler, sink metrics.MetricSink, opts ...Option) (Provider, error) {
	tel := NewTelemetry(handler, sink, cfg.MetricLabels())
	all := append(telemetryOptions(tel), cfg.Failover...)
	all = append(all, opts...)

	scheme, _, _ := strings.Cut(cfg.URI, ":")
	switch strings.ToLower(scheme) {
	case "failover":
		return ParseFailover(cfg.URI, all...)
	case "discovery":
		return ParseDiscovery(cfg.URI, all...)
	}
	uri, err := ParseURI(cfg.URI)
	if err != nil {
		return nil, err
	}
	return NewProvider(uri, tel)
}
