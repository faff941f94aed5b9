package wire

import (
	"bufio"
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func negotiated(t *testing.T, version int, tight bool) *Format {
	t.Helper()
	f, err := NewFormat(WithVersion(version), WithTightEncoding(tight))
	require.NoError(t, err)
	require.NoError(t, f.Negotiate(f.Info()))
	require.Equal(t, version, f.Version())
	require.Equal(t, tight, f.Tight())
	return f
}

// samples returns one value of every command, with the fields introduced
// after `version` left to their zero value.
func samples(version int) []DataStructure {
	has := func(since int) bool { return version >= since }
	gatedBool := func(since int) bool { return has(since) }
	gatedString := func(since int, s string) string {
		if has(since) {
			return s
		}
		return ""
	}
	gatedInt64 := func(since int, v int64) int64 {
		if has(since) {
			return v
		}
		return 0
	}

	cc := &ConnectionControl{
		BaseCommand:   BaseCommand{CommandID: 99},
		FaultTolerant: true,
		Resume:        true,
		ReconnectTo:   gatedString(3, "tcp://b:61616"),
	}
	if has(2) {
		cc.ConnectedBrokers = []string{"tcp://a:61616", "tcp://c:61616"}
	}
	cc.RebalanceConnection = gatedBool(3)

	consumer := &ConsumerInfo{
		BaseCommand:      BaseCommand{CommandID: 7, ResponseRequired: true},
		ConsumerID:       "c1:1:2",
		Destination:      &Topic{Name: "prices.eu"},
		PrefetchSize:     1000,
		Selector:         "region = 'eu'",
		SubscriptionName: "durable-1",
		NoLocal:          true,
	}
	if has(2) {
		consumer.Priority = 4
	}
	if has(3) {
		consumer.Properties = map[string]string{"x-retries": "3"}
	}

	producer := &ProducerInfo{
		BaseCommand: BaseCommand{CommandID: 8, ResponseRequired: true},
		ProducerID:  "c1:1:3",
		Destination: &Queue{Name: "orders"},
	}
	producer.DispatchAsync = gatedBool(2)
	if has(3) {
		producer.WindowSize = 1 << 20
	}

	msg := &Message{
		BaseCommand:   BaseCommand{CommandID: 9},
		ProducerID:    "c1:1:3",
		Destination:   &Queue{Name: "orders"},
		MessageID:     "m-1",
		CorrelationID: "corr-1",
		ReplyTo:       &TempQueue{Name: "tmp-1"},
		Persistent:    true,
		Priority:      9,
		Expiration:    -1,
		Timestamp:     1_700_000_000_000,
		Properties:    map[string]string{"a": "1", "b": ""},
		Content:       []byte("hello"),
		GroupID:       gatedString(2, "group"),
		BrokerInTime:  gatedInt64(3, 1234),
		BrokerOutTime: gatedInt64(3, 70000),
	}
	if has(2) {
		msg.GroupSequence = 2
	}

	remove := &RemoveInfo{
		BaseCommand: BaseCommand{CommandID: 10, ResponseRequired: true},
		ObjectID:    "c1:1",
	}
	remove.LastDeliveredSequenceID = gatedInt64(2, 1<<40)

	ack := &MessageAck{
		BaseCommand:    BaseCommand{CommandID: 12},
		Destination:    &Queue{Name: "orders"},
		ConsumerID:     "c1:1:2",
		AckType:        AckStandard,
		FirstMessageID: "m-1",
		LastMessageID:  "m-4",
		MessageCount:   4,
		PoisonCause:    gatedString(3, "too many redeliveries"),
	}

	conn := &ConnectionInfo{
		BaseCommand:       BaseCommand{CommandID: 1, ResponseRequired: true},
		ConnectionID:      "c1",
		ClientID:          "client",
		UserName:          "user",
		Password:          "secret",
		FailoverReconnect: gatedBool(2),
		ClientIP:          gatedString(3, "10.0.0.1"),
	}

	return []DataStructure{
		&WireFormatInfo{
			Magic:                 []byte("RELAISWF"),
			Version:               3,
			TightEncodingEnabled:  true,
			MaxFrameSize:          DefaultMaxFrameSize,
			MaxInactivityDuration: 30000,
			Properties:            map[string]string{"host": "broker"},
		},
		conn,
		&SessionInfo{BaseCommand: BaseCommand{CommandID: 2, ResponseRequired: true}, SessionID: "c1:1"},
		consumer,
		producer,
		&DestinationInfo{
			BaseCommand:   BaseCommand{CommandID: 3, ResponseRequired: true},
			ConnectionID:  "c1",
			Destination:   &TempTopic{Name: "tmp-2"},
			OperationType: DestinationRemove,
			Timeout:       -5,
		},
		remove,
		msg,
		&MessageDispatch{
			ConsumerID:        "c1:1:2",
			Destination:       &Queue{Name: "orders"},
			Message:           msg,
			RedeliveryCounter: 1,
		},
		ack,
		&Response{CorrelationID: 7},
		&DataResponse{CorrelationID: 8, Data: &TempQueue{Name: "ID:broker-1:tmp"}},
		&DataResponse{CorrelationID: 9},
		&ExceptionResponse{CorrelationID: 10, ExceptionClass: "SecurityException", Message: "denied"},
		&KeepAliveInfo{BaseCommand: BaseCommand{ResponseRequired: true}},
		&ShutdownInfo{},
		cc,
	}
}

func TestFormat_RoundTrip(t *testing.T) {
	for version := MinVersion; version <= MaxVersion; version++ {
		for _, tight := range []bool{false, true} {
			f := negotiated(t, version, tight)
			for _, ds := range samples(version) {
				t.Run(fmt.Sprintf("v%d/tight=%v/%T", version, tight, ds), func(t *testing.T) {
					body, err := f.Encode(ds)
					require.NoError(t, err)
					require.Equal(t, ds.DataStructureType(), body[0])

					decoded, err := f.Decode(body)
					require.NoError(t, err)
					require.Equal(t, ds, decoded)
				})
			}
		}
	}
}

func TestFormat_MarshalStream(t *testing.T) {
	f := negotiated(t, MaxVersion, true)
	var buf bytes.Buffer
	all := samples(MaxVersion)
	for _, ds := range all {
		_, err := f.Marshal(&buf, ds)
		require.NoError(t, err)
	}

	r := bufio.NewReader(&buf)
	for _, ds := range all {
		decoded, n, err := f.Unmarshal(r)
		require.NoError(t, err)
		require.Positive(t, n)
		require.Equal(t, ds, decoded)
	}
}

func TestFormat_GatedFieldsReadAsZero(t *testing.T) {
	full := samples(MaxVersion)[7].(*Message)
	require.NotZero(t, full.BrokerInTime)

	for _, tight := range []bool{false, true} {
		f := negotiated(t, 2, tight)
		body, err := f.Encode(full)
		require.NoError(t, err)

		decoded, err := f.Decode(body)
		require.NoError(t, err)
		msg := decoded.(*Message)
		require.Zero(t, msg.BrokerInTime, "introduced at version 3")
		require.Zero(t, msg.BrokerOutTime, "introduced at version 3")
		require.Equal(t, full.GroupID, msg.GroupID, "introduced at version 2")
		require.Equal(t, full.Content, msg.Content)
	}
}

func TestFormat_LowerVersionIsSmaller(t *testing.T) {
	full := samples(MaxVersion)[7]
	v1, err := negotiated(t, 1, true).Encode(full)
	require.NoError(t, err)
	v3, err := negotiated(t, 3, true).Encode(full)
	require.NoError(t, err)
	require.Less(t, len(v1), len(v3))
}

func TestFormat_CorruptedBooleanStream(t *testing.T) {
	f := negotiated(t, MaxVersion, true)
	body, err := f.Encode(samples(MaxVersion)[3])
	require.NoError(t, err)

	// claim an empty boolean stream.
	corrupted := append([]byte(nil), body...)
	corrupted[1] = 0
	_, err = f.Decode(corrupted)
	require.ErrorIs(t, err, ErrDecode)

	// reserved header.
	corrupted[1] = 0x7F
	_, err = f.Decode(corrupted)
	require.ErrorIs(t, err, ErrDecode)
}

func TestFormat_Truncated(t *testing.T) {
	for _, tight := range []bool{false, true} {
		f := negotiated(t, MaxVersion, tight)
		body, err := f.Encode(samples(MaxVersion)[7])
		require.NoError(t, err)

		_, err = f.Decode(body[:len(body)-3])
		require.ErrorIs(t, err, ErrDecode)

		_, err = f.Decode(append(body, 0))
		require.ErrorIs(t, err, ErrDecode, "trailing bytes")
	}
}

func TestFormat_UnknownType(t *testing.T) {
	f := negotiated(t, MaxVersion, false)
	_, err := f.Decode([]byte{250})
	require.ErrorIs(t, err, ErrDecode)
	require.ErrorIs(t, err, ErrUnknownType)

	ds, err := f.Decode([]byte{NullType})
	require.NoError(t, err)
	require.Nil(t, ds)
}

func TestFormat_LooseNull(t *testing.T) {
	f := negotiated(t, 1, false)
	body, err := f.Encode(&DataResponse{CorrelationID: 3})
	require.NoError(t, err)

	decoded, err := f.Decode(body)
	require.NoError(t, err)
	require.Nil(t, decoded.(*DataResponse).Data)
}

func TestFormat_Negotiate(t *testing.T) {
	local, err := NewFormat(WithVersion(3), WithTightEncoding(true))
	require.NoError(t, err)
	require.False(t, local.Negotiated())
	require.Equal(t, MinVersion, local.Version(), "bootstrap at the lowest version")
	require.False(t, local.Tight(), "bootstrap in loose encoding")

	remote, err := NewFormat(WithVersion(2), WithTightEncoding(false), WithMaxFrameSize(1024))
	require.NoError(t, err)

	// the infos travel before negotiation.
	body, err := remote.Encode(remote.Info())
	require.NoError(t, err)
	decoded, err := local.Decode(body)
	require.NoError(t, err)

	require.NoError(t, local.Negotiate(decoded.(*WireFormatInfo)))
	require.Equal(t, 2, local.Version())
	require.False(t, local.Tight())
	require.Equal(t, int64(1024), local.MaxFrameSize())

	require.ErrorIs(t, local.Negotiate(remote.Info()), ErrNegotiated)
}

func TestFormat_NegotiateBadMagic(t *testing.T) {
	f, err := NewFormat()
	require.NoError(t, err)
	info := f.Info()
	info.Magic = []byte("NOTMAGIC")
	require.ErrorIs(t, f.Negotiate(info), ErrBadMagic)
	require.False(t, f.Negotiated())
}

func TestFormat_InvalidVersion(t *testing.T) {
	_, err := NewFormat(WithVersion(MaxVersion + 1))
	require.ErrorIs(t, err, ErrVersion)
}

func TestFormat_FrameTooLarge(t *testing.T) {
	f, err := NewFormat(WithMaxFrameSize(64))
	require.NoError(t, err)

	_, err = f.Encode(&Message{Content: bytes.Repeat([]byte{'x'}, 128)})
	require.ErrorIs(t, err, ErrFrameTooLarge)

	var buf bytes.Buffer
	big, err := NewFormat()
	require.NoError(t, err)
	_, err = big.Marshal(&buf, &Message{Content: bytes.Repeat([]byte{'x'}, 128)})
	require.NoError(t, err)
	_, _, err = f.Unmarshal(bufio.NewReader(&buf))
	require.ErrorIs(t, err, ErrFrameTooLarge)
	require.ErrorIs(t, err, ErrDecode)
}

func TestFormat_StringTooLong(t *testing.T) {
	f := negotiated(t, MaxVersion, true)
	_, err := f.Encode(&SessionInfo{SessionID: string(bytes.Repeat([]byte{'s'}, 70000))})
	require.ErrorIs(t, err, ErrEncode)
}
