package stompprovider

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrame_RoundTrip(t *testing.T) {
	f := NewFrame(CmdSend,
		HdrDestination, "/queue/orders",
		"colon:key", "line\nbreak\\and\rcarriage",
	)
	f.Body = []byte("body\x00with a NUL")

	var buf bytes.Buffer
	n, err := f.WriteTo(&buf)
	require.NoError(t, err)
	require.Equal(t, int64(buf.Len()), n)
	require.Contains(t, buf.String(), `colon\ckey:line\nbreak\\and\rcarriage`)
	require.Contains(t, buf.String(), "content-length:15\n")

	decoded, size, err := NewReader(&buf, 0).Read()
	require.NoError(t, err)
	require.Equal(t, int(n), size)
	require.Equal(t, CmdSend, decoded.Command)
	require.Equal(t, "line\nbreak\\and\rcarriage", decoded.Header.Value("colon:key"))
	require.Equal(t, f.Body, decoded.Body)
}

func TestFrame_ConnectIsNotEscaped(t *testing.T) {
	f := NewFrame(CmdConnect, HdrLogin, `a\b`)
	var buf bytes.Buffer
	_, err := f.WriteTo(&buf)
	require.NoError(t, err)
	require.Contains(t, buf.String(), "login:a\\b\n")

	decoded, _, err := NewReader(&buf, 0).Read()
	require.NoError(t, err)
	require.Equal(t, `a\b`, decoded.Header.Value(HdrLogin))
}

func TestReader_HeartBeatsAndRepeatedHeaders(t *testing.T) {
	raw := "\n\r\n\nMESSAGE\r\nsubscription:s1\nfoo:first\nfoo:second\n\nhello\x00\n\nRECEIPT\nreceipt-id:7\n\n\x00"
	r := NewReader(strings.NewReader(raw), 0)

	f, _, err := r.Read()
	require.NoError(t, err)
	require.Equal(t, CmdMessage, f.Command)
	require.Equal(t, "first", f.Header.Value("foo"))
	require.Equal(t, []byte("hello"), f.Body)

	f, _, err = r.Read()
	require.NoError(t, err)
	require.Equal(t, CmdReceipt, f.Command)
	require.Equal(t, "7", f.Header.Value(HdrReceiptID))
	require.Empty(t, f.Body)

	_, _, err = r.Read()
	require.ErrorIs(t, err, io.EOF)
}

func TestReader_Malformed(t *testing.T) {
	cases := map[string]string{
		"undefined escape": "SEND\nkey:\\t\n\n\x00",
		"no colon":         "SEND\nkey\n\n\x00",
		"bad length":       "SEND\ncontent-length:x\n\n\x00",
		"missing NUL":      "SEND\ncontent-length:2\n\nabc",
		"dangling escape":  "SEND\nkey:abc\\\n\n\x00",
		"negative length":  "SEND\ncontent-length:-1\n\n\x00",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := NewReader(strings.NewReader(raw), 0).Read()
			require.ErrorIs(t, err, ErrFrame)
		})
	}

	_, _, err := NewReader(strings.NewReader("SEND\n\nabc"), 0).Read()
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReader_TooLarge(t *testing.T) {
	f := NewFrame(CmdSend, HdrDestination, "/queue/q")
	f.Body = bytes.Repeat([]byte("x"), 100)
	var buf bytes.Buffer
	_, err := f.WriteTo(&buf)
	require.NoError(t, err)

	_, _, err = NewReader(&buf, 64).Read()
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDestinationPath(t *testing.T) {
	for _, path := range []string{"/queue/orders", "/topic/prices.eu", "/temp-queue/ID:1"} {
		dest, err := parseDestinationPath(path)
		require.NoError(t, err)
		require.Equal(t, path, destinationPath(dest))
	}
	_, err := parseDestinationPath("orders")
	require.Error(t, err)
}
