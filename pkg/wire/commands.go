package wire

const (
	WireFormatInfoType    byte = 1
	ConnectionInfoType    byte = 3
	SessionInfoType       byte = 4
	ConsumerInfoType      byte = 5
	ProducerInfoType      byte = 6
	DestinationInfoType   byte = 8
	KeepAliveInfoType     byte = 10
	ShutdownInfoType      byte = 11
	RemoveInfoType        byte = 12
	ConnectionControlType byte = 18
	MessageDispatchType   byte = 21
	MessageAckType        byte = 22
	MessageType           byte = 23
	ResponseType          byte = 30
	ExceptionResponseType byte = 31
	DataResponseType      byte = 32
	QueueType             byte = 100
	TopicType             byte = 101
	TempQueueType         byte = 102
	TempTopicType         byte = 103
)

// Destination is one of `Queue`, `Topic`, `TempQueue` and `TempTopic`.
type Destination interface {
	DataStructure
	PhysicalName() string
	IsTopic() bool
	IsTemporary() bool
}

type Queue struct{ Name string }
type Topic struct{ Name string }
type TempQueue struct{ Name string }
type TempTopic struct{ Name string }

func (*Queue) DataStructureType() byte     { return QueueType }
func (*Topic) DataStructureType() byte     { return TopicType }
func (*TempQueue) DataStructureType() byte { return TempQueueType }
func (*TempTopic) DataStructureType() byte { return TempTopicType }

func (d *Queue) PhysicalName() string     { return d.Name }
func (d *Topic) PhysicalName() string     { return d.Name }
func (d *TempQueue) PhysicalName() string { return d.Name }
func (d *TempTopic) PhysicalName() string { return d.Name }

func (*Queue) IsTopic() bool     { return false }
func (*Topic) IsTopic() bool     { return true }
func (*TempQueue) IsTopic() bool { return false }
func (*TempTopic) IsTopic() bool { return true }

func (*Queue) IsTemporary() bool     { return false }
func (*Topic) IsTemporary() bool     { return false }
func (*TempQueue) IsTemporary() bool { return true }
func (*TempTopic) IsTemporary() bool { return true }

// NewDestination returns the destination structure matching the flags.
func NewDestination(name string, topic, temporary bool) Destination {
	switch {
	case topic && temporary:
		return &TempTopic{Name: name}
	case topic:
		return &Topic{Name: name}
	case temporary:
		return &TempQueue{Name: name}
	default:
		return &Queue{Name: name}
	}
}

// WireFormatInfo is exchanged first by both sides, in loose encoding at
// version 1, to negotiate the format of the rest of the connection.
type WireFormatInfo struct {
	Magic                 []byte
	Version               int32
	TightEncodingEnabled  bool
	SizePrefixDisabled    bool
	MaxFrameSize          int64
	MaxInactivityDuration int64
	Properties            map[string]string
}

func (*WireFormatInfo) DataStructureType() byte { return WireFormatInfoType }

type ConnectionInfo struct {
	BaseCommand
	ConnectionID      string
	ClientID          string
	UserName          string
	Password          string
	FailoverReconnect bool
	ClientIP          string
}

func (*ConnectionInfo) DataStructureType() byte { return ConnectionInfoType }

type SessionInfo struct {
	BaseCommand
	SessionID string
}

func (*SessionInfo) DataStructureType() byte { return SessionInfoType }

type ConsumerInfo struct {
	BaseCommand
	ConsumerID       string
	Destination      Destination
	PrefetchSize     int32
	Selector         string
	SubscriptionName string
	NoLocal          bool
	Browser          bool
	Priority         byte
	Properties       map[string]string
}

func (*ConsumerInfo) DataStructureType() byte { return ConsumerInfoType }

type ProducerInfo struct {
	BaseCommand
	ProducerID    string
	Destination   Destination
	DispatchAsync bool
	WindowSize    int32
}

func (*ProducerInfo) DataStructureType() byte { return ProducerInfoType }

const (
	DestinationAdd    byte = 0
	DestinationRemove byte = 1
)

type DestinationInfo struct {
	BaseCommand
	ConnectionID  string
	Destination   Destination
	OperationType byte
	Timeout       int64
}

func (*DestinationInfo) DataStructureType() byte { return DestinationInfoType }

type RemoveInfo struct {
	BaseCommand
	ObjectID                string
	LastDeliveredSequenceID int64
}

func (*RemoveInfo) DataStructureType() byte { return RemoveInfoType }

type Message struct {
	BaseCommand
	ProducerID    string
	Destination   Destination
	MessageID     string
	CorrelationID string
	ReplyTo       Destination
	Persistent    bool
	Priority      byte
	Expiration    int64
	Timestamp     int64
	Properties    map[string]string
	Content       []byte
	Compressed    bool
	GroupID       string
	GroupSequence int32
	BrokerInTime  int64
	BrokerOutTime int64
}

func (*Message) DataStructureType() byte { return MessageType }

type MessageDispatch struct {
	BaseCommand
	ConsumerID        string
	Destination       Destination
	Message           *Message
	RedeliveryCounter int32
}

func (*MessageDispatch) DataStructureType() byte { return MessageDispatchType }

const (
	AckDelivered   byte = 0
	AckPoison      byte = 1
	AckStandard    byte = 2
	AckRedelivered byte = 3
	AckIndividual  byte = 4
)

type MessageAck struct {
	BaseCommand
	Destination    Destination
	ConsumerID     string
	AckType        byte
	FirstMessageID string
	LastMessageID  string
	MessageCount   int32
	PoisonCause    string
}

func (*MessageAck) DataStructureType() byte { return MessageAckType }

// Response correlates with the command whose id is `CorrelationID`.
type Response struct {
	BaseCommand
	CorrelationID int32
}

func (*Response) DataStructureType() byte { return ResponseType }

// DataResponse is a response carrying a data structure, e.g. the name the
// broker assigned to a temporary destination.
type DataResponse struct {
	BaseCommand
	CorrelationID int32
	Data          DataStructure
}

func (*DataResponse) DataStructureType() byte { return DataResponseType }

type ExceptionResponse struct {
	BaseCommand
	CorrelationID  int32
	ExceptionClass string
	Message        string
}

func (*ExceptionResponse) DataStructureType() byte { return ExceptionResponseType }

type KeepAliveInfo struct {
	BaseCommand
}

func (*KeepAliveInfo) DataStructureType() byte { return KeepAliveInfoType }

type ShutdownInfo struct {
	BaseCommand
}

func (*ShutdownInfo) DataStructureType() byte { return ShutdownInfoType }

// ConnectionControl is pushed by the broker, e.g. to advertise the other
// brokers of its cluster.
type ConnectionControl struct {
	BaseCommand
	Close               bool
	Exit                bool
	FaultTolerant       bool
	Resume              bool
	Suspend             bool
	ConnectedBrokers    []string
	ReconnectTo         string
	RebalanceConnection bool
}

func (*ConnectionControl) DataStructureType() byte { return ConnectionControlType }

func commandFields[T any](base func(*T) *BaseCommand) []Field[T] {
	return []Field[T]{
		Int32("commandId", 1, func(v *T) *int32 { return &base(v).CommandID }),
		Bool("responseRequired", 1, func(v *T) *bool { return &base(v).ResponseRequired }),
	}
}

func destinationMarshaller[T any, P structPtr[T]](typ byte, name func(*T) *string) Marshaller {
	return NewStructMarshaller[T, P](typ, []Field[T]{
		String("physicalName", 1, name),
	})
}

// Marshallers returns the marshallers of every known data structure.
func Marshallers() []Marshaller {
	return []Marshaller{
		destinationMarshaller[Queue](QueueType, func(d *Queue) *string { return &d.Name }),
		destinationMarshaller[Topic](TopicType, func(d *Topic) *string { return &d.Name }),
		destinationMarshaller[TempQueue](TempQueueType, func(d *TempQueue) *string { return &d.Name }),
		destinationMarshaller[TempTopic](TempTopicType, func(d *TempTopic) *string { return &d.Name }),

		NewStructMarshaller[WireFormatInfo](WireFormatInfoType, []Field[WireFormatInfo]{
			Bytes("magic", 1, func(c *WireFormatInfo) *[]byte { return &c.Magic }),
			Int32("version", 1, func(c *WireFormatInfo) *int32 { return &c.Version }),
			Bool("tightEncodingEnabled", 1, func(c *WireFormatInfo) *bool { return &c.TightEncodingEnabled }),
			Bool("sizePrefixDisabled", 1, func(c *WireFormatInfo) *bool { return &c.SizePrefixDisabled }),
			Int64("maxFrameSize", 1, func(c *WireFormatInfo) *int64 { return &c.MaxFrameSize }),
			Int64("maxInactivityDuration", 1, func(c *WireFormatInfo) *int64 { return &c.MaxInactivityDuration }),
			StringMap("properties", 1, func(c *WireFormatInfo) *map[string]string { return &c.Properties }),
		}),

		NewStructMarshaller[ConnectionInfo](ConnectionInfoType, append(
			commandFields(func(c *ConnectionInfo) *BaseCommand { return &c.BaseCommand }),
			String("connectionId", 1, func(c *ConnectionInfo) *string { return &c.ConnectionID }),
			String("clientId", 1, func(c *ConnectionInfo) *string { return &c.ClientID }),
			String("userName", 1, func(c *ConnectionInfo) *string { return &c.UserName }),
			String("password", 1, func(c *ConnectionInfo) *string { return &c.Password }),
			Bool("failoverReconnect", 2, func(c *ConnectionInfo) *bool { return &c.FailoverReconnect }),
			String("clientIp", 3, func(c *ConnectionInfo) *string { return &c.ClientIP }),
		)),

		NewStructMarshaller[SessionInfo](SessionInfoType, append(
			commandFields(func(c *SessionInfo) *BaseCommand { return &c.BaseCommand }),
			String("sessionId", 1, func(c *SessionInfo) *string { return &c.SessionID }),
		)),

		NewStructMarshaller[ConsumerInfo](ConsumerInfoType, append(
			commandFields(func(c *ConsumerInfo) *BaseCommand { return &c.BaseCommand }),
			String("consumerId", 1, func(c *ConsumerInfo) *string { return &c.ConsumerID }),
			Object("destination", 1, func(c *ConsumerInfo) *Destination { return &c.Destination }),
			Int32("prefetchSize", 1, func(c *ConsumerInfo) *int32 { return &c.PrefetchSize }),
			String("selector", 1, func(c *ConsumerInfo) *string { return &c.Selector }),
			String("subscriptionName", 1, func(c *ConsumerInfo) *string { return &c.SubscriptionName }),
			Bool("noLocal", 1, func(c *ConsumerInfo) *bool { return &c.NoLocal }),
			Bool("browser", 1, func(c *ConsumerInfo) *bool { return &c.Browser }),
			Byte("priority", 2, func(c *ConsumerInfo) *byte { return &c.Priority }),
			StringMap("properties", 3, func(c *ConsumerInfo) *map[string]string { return &c.Properties }),
		)),

		NewStructMarshaller[ProducerInfo](ProducerInfoType, append(
			commandFields(func(c *ProducerInfo) *BaseCommand { return &c.BaseCommand }),
			String("producerId", 1, func(c *ProducerInfo) *string { return &c.ProducerID }),
			Object("destination", 1, func(c *ProducerInfo) *Destination { return &c.Destination }),
			Bool("dispatchAsync", 2, func(c *ProducerInfo) *bool { return &c.DispatchAsync }),
			Int32("windowSize", 3, func(c *ProducerInfo) *int32 { return &c.WindowSize }),
		)),

		NewStructMarshaller[DestinationInfo](DestinationInfoType, append(
			commandFields(func(c *DestinationInfo) *BaseCommand { return &c.BaseCommand }),
			String("connectionId", 1, func(c *DestinationInfo) *string { return &c.ConnectionID }),
			Object("destination", 1, func(c *DestinationInfo) *Destination { return &c.Destination }),
			Byte("operationType", 1, func(c *DestinationInfo) *byte { return &c.OperationType }),
			Int64("timeout", 1, func(c *DestinationInfo) *int64 { return &c.Timeout }),
		)),

		NewStructMarshaller[RemoveInfo](RemoveInfoType, append(
			commandFields(func(c *RemoveInfo) *BaseCommand { return &c.BaseCommand }),
			String("objectId", 1, func(c *RemoveInfo) *string { return &c.ObjectID }),
			Int64("lastDeliveredSequenceId", 2, func(c *RemoveInfo) *int64 { return &c.LastDeliveredSequenceID }),
		)),

		NewStructMarshaller[Message](MessageType, append(
			commandFields(func(c *Message) *BaseCommand { return &c.BaseCommand }),
			String("producerId", 1, func(c *Message) *string { return &c.ProducerID }),
			Object("destination", 1, func(c *Message) *Destination { return &c.Destination }),
			String("messageId", 1, func(c *Message) *string { return &c.MessageID }),
			String("correlationId", 1, func(c *Message) *string { return &c.CorrelationID }),
			Object("replyTo", 1, func(c *Message) *Destination { return &c.ReplyTo }),
			Bool("persistent", 1, func(c *Message) *bool { return &c.Persistent }),
			Byte("priority", 1, func(c *Message) *byte { return &c.Priority }),
			Int64("expiration", 1, func(c *Message) *int64 { return &c.Expiration }),
			Int64("timestamp", 1, func(c *Message) *int64 { return &c.Timestamp }),
			StringMap("properties", 1, func(c *Message) *map[string]string { return &c.Properties }),
			Bytes("content", 1, func(c *Message) *[]byte { return &c.Content }),
			Bool("compressed", 1, func(c *Message) *bool { return &c.Compressed }),
			String("groupId", 2, func(c *Message) *string { return &c.GroupID }),
			Int32("groupSequence", 2, func(c *Message) *int32 { return &c.GroupSequence }),
			Int64("brokerInTime", 3, func(c *Message) *int64 { return &c.BrokerInTime }),
			Int64("brokerOutTime", 3, func(c *Message) *int64 { return &c.BrokerOutTime }),
		)),

		NewStructMarshaller[MessageDispatch](MessageDispatchType, append(
			commandFields(func(c *MessageDispatch) *BaseCommand { return &c.BaseCommand }),
			String("consumerId", 1, func(c *MessageDispatch) *string { return &c.ConsumerID }),
			Object("destination", 1, func(c *MessageDispatch) *Destination { return &c.Destination }),
			Object("message", 1, func(c *MessageDispatch) **Message { return &c.Message }),
			Int32("redeliveryCounter", 1, func(c *MessageDispatch) *int32 { return &c.RedeliveryCounter }),
		)),

		NewStructMarshaller[MessageAck](MessageAckType, append(
			commandFields(func(c *MessageAck) *BaseCommand { return &c.BaseCommand }),
			Object("destination", 1, func(c *MessageAck) *Destination { return &c.Destination }),
			String("consumerId", 1, func(c *MessageAck) *string { return &c.ConsumerID }),
			Byte("ackType", 1, func(c *MessageAck) *byte { return &c.AckType }),
			String("firstMessageId", 1, func(c *MessageAck) *string { return &c.FirstMessageID }),
			String("lastMessageId", 1, func(c *MessageAck) *string { return &c.LastMessageID }),
			Int32("messageCount", 1, func(c *MessageAck) *int32 { return &c.MessageCount }),
			String("poisonCause", 3, func(c *MessageAck) *string { return &c.PoisonCause }),
		)),

		NewStructMarshaller[Response](ResponseType, append(
			commandFields(func(c *Response) *BaseCommand { return &c.BaseCommand }),
			Int32("correlationId", 1, func(c *Response) *int32 { return &c.CorrelationID }),
		)),

		NewStructMarshaller[DataResponse](DataResponseType, append(
			commandFields(func(c *DataResponse) *BaseCommand { return &c.BaseCommand }),
			Int32("correlationId", 1, func(c *DataResponse) *int32 { return &c.CorrelationID }),
			Object("data", 1, func(c *DataResponse) *DataStructure { return &c.Data }),
		)),

		NewStructMarshaller[ExceptionResponse](ExceptionResponseType, append(
			commandFields(func(c *ExceptionResponse) *BaseCommand { return &c.BaseCommand }),
			Int32("correlationId", 1, func(c *ExceptionResponse) *int32 { return &c.CorrelationID }),
			String("exceptionClass", 1, func(c *ExceptionResponse) *string { return &c.ExceptionClass }),
			String("message", 1, func(c *ExceptionResponse) *string { return &c.Message }),
		)),

		NewStructMarshaller[KeepAliveInfo](KeepAliveInfoType,
			commandFields(func(c *KeepAliveInfo) *BaseCommand { return &c.BaseCommand }),
		),

		NewStructMarshaller[ShutdownInfo](ShutdownInfoType,
			commandFields(func(c *ShutdownInfo) *BaseCommand { return &c.BaseCommand }),
		),

		NewStructMarshaller[ConnectionControl](ConnectionControlType, append(
			commandFields(func(c *ConnectionControl) *BaseCommand { return &c.BaseCommand }),
			Bool("close", 1, func(c *ConnectionControl) *bool { return &c.Close }),
			Bool("exit", 1, func(c *ConnectionControl) *bool { return &c.Exit }),
			Bool("faultTolerant", 1, func(c *ConnectionControl) *bool { return &c.FaultTolerant }),
			Bool("resume", 1, func(c *ConnectionControl) *bool { return &c.Resume }),
			Bool("suspend", 1, func(c *ConnectionControl) *bool { return &c.Suspend }),
			StringSlice("connectedBrokers", 2, func(c *ConnectionControl) *[]string { return &c.ConnectedBrokers }),
			String("reconnectTo", 3, func(c *ConnectionControl) *string { return &c.ReconnectTo }),
			Bool("rebalanceConnection", 3, func(c *ConnectionControl) *bool { return &c.RebalanceConnection }),
		)),
	}
}

// DefaultRegistry holds `Marshallers()`.
var DefaultRegistry = NewRegistry(Marshallers()...)
