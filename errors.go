package relais

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCfg         = errors.New("relais: invalid options")
	ErrInvalidURI         = errors.New("relais: invalid connection uri")
	ErrUnknownScheme      = errors.New("relais: no provider registered for scheme")
	ErrInvalidDestination = errors.New("relais: invalid destination")
	ErrInvalidResource    = errors.New("relais: invalid resource")

	ErrTimeout     = errors.New("future: timed out waiting for completion")
	ErrInterrupted = errors.New("future: wait interrupted")

	ErrResourceState  = errors.New("lifecycle: resource is not in the expected state")
	ErrResourceExists = errors.New("lifecycle: resource already registered")
	ErrNoSuchResource = errors.New("lifecycle: resource does not exist")
	ErrRemoteClosed   = errors.New("lifecycle: resource closed by remote")

	ErrProviderClosed    = errors.New("provider: closed")
	ErrConnectionLost    = errors.New("provider: connection lost")
	ErrNotConnected      = errors.New("provider: not connected")
	ErrUnsupported       = errors.New("provider: operation not supported")
	ErrFailoverExhausted = errors.New("failover: reconnect attempts exhausted")
	ErrRequestQueueFull  = errors.New("failover: pending request queue is full")
	ErrRequestDropped    = errors.New("failover: request dropped from a full queue")
	ErrNoCandidates      = errors.New("failover: no candidate address")

	ErrUnknownAgent    = errors.New("discovery: no agent registered for scheme")
	ErrAgentConfig     = errors.New("discovery: missing or invalid agent parameter")
	ErrAgentClosed     = errors.New("discovery: agent closed")
	ErrDiscoveryFormat = errors.New("discovery: malformed advertisement")
)

// ConnectionError marks a transport failure. Those errors trigger failover
// instead of being surfaced to callers.
type ConnectionError struct {
	URI string
	Err error
}

func (err *ConnectionError) Error() string {
	if err.URI == "" {
		return fmt.Sprintf("connection error: %s", err.Err)
	}
	return fmt.Sprintf("connection error on %s: %s", err.URI, err.Err)
}

func (err *ConnectionError) Unwrap() error {
	return err.Err
}

// NewConnectionError wraps err so `IsConnectionError` reports true.
func NewConnectionError(uri string, err error) error {
	if err == nil {
		err = ErrConnectionLost
	}
	return &ConnectionError{URI: uri, Err: err}
}

// IsConnectionError reports whether err is an I/O class error.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var connErr *ConnectionError
	return errors.As(err, &connErr) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrInterrupted)
}

// ProtocolError is a remote rejection of a single resource or request.
// It never causes failover on its own.
type ProtocolError struct {
	Condition   string
	Description string
}

func (err *ProtocolError) Error() string {
	if err.Description == "" {
		return fmt.Sprintf("protocol error: %s", err.Condition)
	}
	return fmt.Sprintf("protocol error: %s: %s", err.Condition, err.Description)
}

// NewProtocolError builds a `ProtocolError` from a remote condition.
func NewProtocolError(condition, description string) error {
	if condition == "" {
		condition = "unknown"
	}
	return &ProtocolError{Condition: condition, Description: description}
}

// IsProtocolError reports whether err was raised by a remote rejection.
func IsProtocolError(err error) bool {
	var protoErr *ProtocolError
	return errors.As(err, &protoErr)
}
