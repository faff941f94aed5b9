package stompprovider

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	CmdConnect     = "CONNECT"
	CmdStomp       = "STOMP"
	CmdConnected   = "CONNECTED"
	CmdSend        = "SEND"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdAck         = "ACK"
	CmdNack        = "NACK"
	CmdDisconnect  = "DISCONNECT"
	CmdMessage     = "MESSAGE"
	CmdReceipt     = "RECEIPT"
	CmdError       = "ERROR"
)

const (
	HdrAcceptVersion = "accept-version"
	HdrVersion       = "version"
	HdrHost          = "host"
	HdrLogin         = "login"
	HdrPasscode      = "passcode"
	HdrClientID      = "client-id"
	HdrHeartBeat     = "heart-beat"
	HdrSession       = "session"
	HdrServer        = "server"
	HdrDestination   = "destination"
	HdrID            = "id"
	HdrAck           = "ack"
	HdrSubscription  = "subscription"
	HdrMessageID     = "message-id"
	HdrReceipt       = "receipt"
	HdrReceiptID     = "receipt-id"
	HdrMessage       = "message"
	HdrContentLength = "content-length"
	HdrContentType   = "content-type"
	HdrSelector      = "selector"
	HdrCorrelationID = "correlation-id"
	HdrReplyTo       = "reply-to"
	HdrPersistent    = "persistent"
	HdrPriority      = "priority"
	HdrExpires       = "expires"
	HdrTimestamp     = "timestamp"
	HdrRedelivered   = "redelivered"
	HdrEncoding      = "content-encoding"
)

var (
	ErrFrame         = errors.New("stomp: malformed frame")
	ErrFrameTooLarge = errors.New("stomp: frame too large")
)

// Header is the ordered header list of a frame. When a key repeats, the
// first occurrence wins.
type Header []HeaderEntry

type HeaderEntry struct {
	Key   string
	Value string
}

// Get returns the first value of `key`.
func (h Header) Get(key string) (string, bool) {
	for _, e := range h {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// Value is `Get` without the presence flag.
func (h Header) Value(key string) string {
	v, _ := h.Get(key)
	return v
}

// Set replaces the value of `key`, or appends it.
func (h *Header) Set(key, value string) {
	for i, e := range *h {
		if e.Key == key {
			(*h)[i].Value = value
			return
		}
	}
	*h = append(*h, HeaderEntry{Key: key, Value: value})
}

// Frame is one STOMP frame.
type Frame struct {
	Command string
	Header  Header
	Body    []byte
}

// NewFrame returns a frame with the given key and value pairs.
func NewFrame(command string, kv ...string) *Frame {
	f := &Frame{Command: command}
	for i := 0; i+1 < len(kv); i += 2 {
		f.Header.Set(kv[i], kv[i+1])
	}
	return f
}

// CONNECT and CONNECTED predate escaping.
func escapes(command string) bool {
	return command != CmdConnect && command != CmdConnected
}

var (
	escaper   = strings.NewReplacer("\\", `\\`, "\r", `\r`, "\n", `\n`, ":", `\c`)
	unescapes = map[byte]byte{'\\': '\\', 'r': '\r', 'n': '\n', 'c': ':'}
)

func unescape(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		if i+1 >= len(s) {
			return "", fmt.Errorf("%w: dangling escape in %q", ErrFrame, s)
		}
		c, ok := unescapes[s[i+1]]
		if !ok {
			return "", fmt.Errorf("%w: undefined escape \\%c", ErrFrame, s[i+1])
		}
		b.WriteByte(c)
		i++
	}
	return b.String(), nil
}

// WriteTo encodes the frame. A `content-length` header is always written
// for frames carrying a body.
func (f *Frame) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	buf.WriteString(f.Command)
	buf.WriteByte('\n')
	esc := escapes(f.Command)
	for _, e := range f.Header {
		if e.Key == HdrContentLength {
			continue
		}
		if esc {
			buf.WriteString(escaper.Replace(e.Key))
			buf.WriteByte(':')
			buf.WriteString(escaper.Replace(e.Value))
		} else {
			buf.WriteString(e.Key)
			buf.WriteByte(':')
			buf.WriteString(e.Value)
		}
		buf.WriteByte('\n')
	}
	if len(f.Body) > 0 {
		buf.WriteString(HdrContentLength + ":" + strconv.Itoa(len(f.Body)) + "\n")
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// Reader decodes frames from a stream, skipping heart-beats.
type Reader struct {
	r       *bufio.Reader
	maxSize int
}

func NewReader(r io.Reader, maxSize int) *Reader {
	return &Reader{r: bufio.NewReader(r), maxSize: maxSize}
}

func (fr *Reader) line() (string, error) {
	line, err := fr.r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"), nil
}

// Read returns the next frame, and how many bytes it took.
func (fr *Reader) Read() (*Frame, int, error) {
	var command string
	size := 0
	for command == "" {
		line, err := fr.line()
		if err != nil {
			return nil, size, err
		}
		size += len(line) + 1
		command = line
	}
	f := &Frame{Command: command}
	esc := escapes(command)

	for {
		line, err := fr.line()
		if err != nil {
			return nil, size, err
		}
		size += len(line) + 1
		if line == "" {
			break
		}
		if fr.maxSize > 0 && size > fr.maxSize {
			return nil, size, fmt.Errorf("%w: headers over %d bytes", ErrFrameTooLarge, fr.maxSize)
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, size, fmt.Errorf("%w: header line %q has no colon", ErrFrame, line)
		}
		if esc {
			if key, err = unescape(key); err != nil {
				return nil, size, err
			}
			if value, err = unescape(value); err != nil {
				return nil, size, err
			}
		}
		if _, exists := f.Header.Get(key); !exists {
			f.Header = append(f.Header, HeaderEntry{Key: key, Value: value})
		}
	}

	if raw, ok := f.Header.Get(HdrContentLength); ok {
		length, err := strconv.Atoi(raw)
		if err != nil || length < 0 {
			return nil, size, fmt.Errorf("%w: content-length %q", ErrFrame, raw)
		}
		if fr.maxSize > 0 && size+length > fr.maxSize {
			return nil, size, fmt.Errorf("%w: body of %d bytes", ErrFrameTooLarge, length)
		}
		f.Body = make([]byte, length)
		if _, err := io.ReadFull(fr.r, f.Body); err != nil {
			return nil, size, err
		}
		nul, err := fr.r.ReadByte()
		if err != nil {
			return nil, size, err
		}
		if nul != 0 {
			return nil, size, fmt.Errorf("%w: body not terminated by NUL", ErrFrame)
		}
		return f, size + length + 1, nil
	}

	body, err := fr.r.ReadBytes(0)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, size, io.ErrUnexpectedEOF
		}
		return nil, size, err
	}
	size += len(body)
	if fr.maxSize > 0 && size > fr.maxSize {
		return nil, size, fmt.Errorf("%w: body of %d bytes", ErrFrameTooLarge, len(body)-1)
	}
	if len(body) > 1 {
		f.Body = body[:len(body)-1]
	}
	return f, size, nil
}
