package relais

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/andybalholm/brotli"
)

// Envelope is an already encoded message. The engine never looks into
// `Body`, it only routes the envelope.
type Envelope struct {
	ProducerID    ResourceID
	Destination   *Destination
	MessageID     string
	CorrelationID string
	ReplyTo       *Destination
	Persistent    bool
	Priority      uint8
	Expiration    time.Time
	Timestamp     time.Time
	Properties    map[string]string
	Body          []byte
	Compressed    bool
}

// Delivery is an inbound envelope plus its delivery metadata.
type Delivery struct {
	ConsumerID    ResourceID
	Envelope      *Envelope
	DeliveryCount int
	// Tag is the provider specific handle used to acknowledge the delivery.
	Tag string
}

// Compress replaces the body with its brotli encoding. It is a no-op on an
// already compressed envelope.
func (env *Envelope) Compress() error {
	if env.Compressed || len(env.Body) == 0 {
		return nil
	}
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := w.Write(env.Body); err != nil {
		return fmt.Errorf("envelope: compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("envelope: compress: %w", err)
	}
	env.Body = buf.Bytes()
	env.Compressed = true
	return nil
}

// Decompress reverses `Envelope.Compress`.
func (env *Envelope) Decompress() error {
	if !env.Compressed {
		return nil
	}
	body, err := io.ReadAll(brotli.NewReader(bytes.NewReader(env.Body)))
	if err != nil {
		return fmt.Errorf("envelope: decompress: %w", err)
	}
	env.Body = body
	env.Compressed = false
	return nil
}

// Clone returns a deep copy.
func (env *Envelope) Clone() *Envelope {
	if env == nil {
		return nil
	}
	cloned := *env
	cloned.Destination = env.Destination.Clone()
	cloned.ReplyTo = env.ReplyTo.Clone()
	if env.Properties != nil {
		cloned.Properties = make(map[string]string, len(env.Properties))
		for k, v := range env.Properties {
			cloned.Properties[k] = v
		}
	}
	if env.Body != nil {
		cloned.Body = append([]byte(nil), env.Body...)
	}
	return &cloned
}
