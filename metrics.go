package relais

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricReconnectAttempts   = []string{"relais", "failover", "reconnect", "attempt", "count"}
	MetricReconnectErrors     = []string{"relais", "failover", "reconnect", "error", "count"}
	MetricConnectionsEst      = []string{"relais", "failover", "connection", "established", "count"}
	MetricConnectionsLost     = []string{"relais", "failover", "connection", "lost", "count"}
	MetricRequestsQueued      = []string{"relais", "failover", "request", "queued", "count"}
	MetricRequestsReplayed    = []string{"relais", "failover", "request", "replayed", "count"}
	MetricRequestsDropped     = []string{"relais", "failover", "request", "dropped", "count"}
	MetricResourcesRecovered  = []string{"relais", "failover", "resource", "recovered", "count"}
	MetricCandidates          = []string{"relais", "failover", "candidates"}
	MetricDiscoveryEvents     = []string{"relais", "discovery", "event", "count"}
	MetricResourceOpened      = []string{"relais", "resource", "opened", "count"}
	MetricResourceFailed      = []string{"relais", "resource", "failed", "count"}
	MetricResourceClosed      = []string{"relais", "resource", "closed", "count"}
	MetricResourceCloseExpire = []string{"relais", "resource", "close", "expired", "count"}
	MetricFrameInBytes        = []string{"relais", "frame", "in", "bytes"}
	MetricFrameOutBytes       = []string{"relais", "frame", "out", "bytes"}
	MetricFrameDecodeErrors   = []string{"relais", "frame", "decode", "error", "count"}
	MetricDeliveries          = []string{"relais", "delivery", "count"}
)

type TelemetryLabel string

var (
	LabelError        TelemetryLabel = "error"
	LabelURI          TelemetryLabel = "uri"
	LabelScheme       TelemetryLabel = "scheme"
	LabelState        TelemetryLabel = "state"
	LabelAttempt      TelemetryLabel = "attempt"
	LabelDelay        TelemetryLabel = "delay"
	LabelDuration     TelemetryLabel = "duration"
	LabelResourceID   TelemetryLabel = "resource_id"
	LabelResourceKind TelemetryLabel = "resource_kind"
	LabelRequest      TelemetryLabel = "request"
	LabelPolicy       TelemetryLabel = "policy"
	LabelEvent        TelemetryLabel = "event"
	LabelAgent        TelemetryLabel = "agent"
	LabelCommand      TelemetryLabel = "command"
	LabelDestination  TelemetryLabel = "destination"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// Telemetry bundles the logger and metric sink shared by the components
// of one logical connection.
type Telemetry struct {
	Logger *slog.Logger
	Sink   metrics.MetricSink
	Labels []metrics.Label
}

// NewTelemetry returns a `Telemetry` with defaults for nil members.
func NewTelemetry(handler slog.Handler, sink metrics.MetricSink, labels []metrics.Label) Telemetry {
	tel := Telemetry{Sink: sink, Labels: labels}
	if handler != nil {
		tel.Logger = slog.New(handler)
	} else {
		tel.Logger = slog.Default()
	}
	if tel.Sink == nil {
		tel.Sink = &metrics.BlackholeSink{}
	}
	return tel
}

// Incr increments the counter `key` by one with the static labels
// plus `labels`.
func (tel Telemetry) Incr(key []string, labels ...metrics.Label) {
	tel.sink().IncrCounterWithLabels(key, 1.0, tel.withLabels(labels))
}

// Add increments the counter `key` by `val`.
func (tel Telemetry) Add(key []string, val float32, labels ...metrics.Label) {
	tel.sink().IncrCounterWithLabels(key, val, tel.withLabels(labels))
}

// Gauge sets the gauge `key`.
func (tel Telemetry) Gauge(key []string, val float32, labels ...metrics.Label) {
	tel.sink().SetGaugeWithLabels(key, val, tel.withLabels(labels))
}

func (tel Telemetry) sink() metrics.MetricSink {
	if tel.Sink == nil {
		return &metrics.BlackholeSink{}
	}
	return tel.Sink
}

// Log returns the logger, never nil.
func (tel Telemetry) Log() *slog.Logger {
	if tel.Logger == nil {
		return slog.Default()
	}
	return tel.Logger
}

func (tel Telemetry) withLabels(labels []metrics.Label) []metrics.Label {
	if len(labels) == 0 {
		return tel.Labels
	}
	merged := make([]metrics.Label, 0, len(tel.Labels)+len(labels))
	merged = append(merged, tel.Labels...)
	return append(merged, labels...)
}
