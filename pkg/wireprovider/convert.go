package wireprovider

import (
	"time"

	"github.com/raskyld/relais"
	"github.com/raskyld/relais/pkg/wire"
)

func toWireDestination(dest *relais.Destination) wire.Destination {
	if dest == nil {
		return nil
	}
	return wire.NewDestination(dest.Name, dest.Kind == relais.Topic, dest.Temporary)
}

func fromWireDestination(dest wire.Destination) *relais.Destination {
	if dest == nil {
		return nil
	}
	kind := relais.Queue
	if dest.IsTopic() {
		kind = relais.Topic
	}
	return &relais.Destination{
		Name:      dest.PhysicalName(),
		Kind:      kind,
		Temporary: dest.IsTemporary(),
	}
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func toWireMessage(env *relais.Envelope, dest *relais.Destination) *wire.Message {
	ts := env.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return &wire.Message{
		ProducerID:    string(env.ProducerID),
		Destination:   toWireDestination(dest),
		MessageID:     env.MessageID,
		CorrelationID: env.CorrelationID,
		ReplyTo:       toWireDestination(env.ReplyTo),
		Persistent:    env.Persistent,
		Priority:      env.Priority,
		Expiration:    toMillis(env.Expiration),
		Timestamp:     toMillis(ts),
		Properties:    env.Properties,
		Content:       env.Body,
		Compressed:    env.Compressed,
	}
}

func fromWireMessage(msg *wire.Message) *relais.Envelope {
	if msg == nil {
		return &relais.Envelope{}
	}
	return &relais.Envelope{
		ProducerID:    relais.ResourceID(msg.ProducerID),
		Destination:   fromWireDestination(msg.Destination),
		MessageID:     msg.MessageID,
		CorrelationID: msg.CorrelationID,
		ReplyTo:       fromWireDestination(msg.ReplyTo),
		Persistent:    msg.Persistent,
		Priority:      msg.Priority,
		Expiration:    fromMillis(msg.Expiration),
		Timestamp:     fromMillis(msg.Timestamp),
		Properties:    msg.Properties,
		Body:          msg.Content,
		Compressed:    msg.Compressed,
	}
}
