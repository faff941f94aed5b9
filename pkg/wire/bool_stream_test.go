package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBooleanStream_RoundTrip(t *testing.T) {
	for _, count := range []int{0, 1, 8, 9, 500, 2047, 3000} {
		bs := &BooleanStream{}
		for i := 0; i < count; i++ {
			bs.WriteBoolean(i%3 == 0)
		}

		e := &Encoder{}
		require.NoError(t, bs.marshal(e))
		require.Len(t, e.buf, bs.MarshalledSize())

		read, err := unmarshalBooleanStream(&Decoder{buf: e.buf})
		require.NoError(t, err)
		for i := 0; i < count; i++ {
			v, err := read.ReadBoolean()
			require.NoError(t, err)
			require.Equal(t, i%3 == 0, v, "flag %d of %d", i, count)
		}
	}
}

func TestBooleanStream_Header(t *testing.T) {
	cases := []struct {
		bytes  int
		header []byte
	}{
		{bytes: 10, header: []byte{10}},
		{bytes: 63, header: []byte{63}},
		{bytes: 64, header: []byte{0xC0, 64}},
		{bytes: 255, header: []byte{0xC0, 255}},
		{bytes: 256, header: []byte{0x80, 1, 0}},
	}
	for _, tc := range cases {
		bs := &BooleanStream{}
		for i := 0; i < tc.bytes*8; i++ {
			bs.WriteBoolean(true)
		}
		require.Equal(t, tc.bytes, bs.Len())

		e := &Encoder{}
		require.NoError(t, bs.marshal(e))
		require.Equal(t, tc.header, e.buf[:len(tc.header)])
	}
}

func TestBooleanStream_Exhausted(t *testing.T) {
	bs := &BooleanStream{}
	bs.WriteBoolean(true)
	bs.Rewind()
	for i := 0; i < 8; i++ {
		_, err := bs.ReadBoolean()
		require.NoError(t, err)
	}
	_, err := bs.ReadBoolean()
	require.ErrorIs(t, err, ErrDecode)
}

func TestInt64Flags(t *testing.T) {
	cases := []struct {
		v     int64
		width int
	}{
		{0, 0},
		{1, 2},
		{0xFFFF, 2},
		{0x10000, 4},
		{0xFFFFFFFF, 4},
		{1 << 32, 8},
		{-1, 8},
	}
	for _, tc := range cases {
		require.Equal(t, tc.width, int64Width(int64Flags(tc.v)), "value %d", tc.v)
	}
}
