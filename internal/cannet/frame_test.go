package cannet

import (
	"bytes"
	"testing"

	"github.com/kstaniek/go-cannet/internal/can"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	seen := map[Header]bool{}
	for typ := FrameFirst; typ <= FrameAck; typ++ {
		for port := uint8(0); port <= MaxPort; port++ {
			for s := uint8(0); s < 4; s++ {
				h := MakeHeader(typ, port, s)
				require.Equal(t, typ, h.Type())
				require.Equal(t, port, h.Port())
				require.Equal(t, s, h.Seq())
				require.False(t, seen[h], "header %v not unique", h)
				seen[h] = true
			}
		}
	}
	require.Len(t, seen, 256)
}

func TestCANIDRoundTrip(t *testing.T) {
	for _, tc := range []struct{ src, dst Addr }{
		{0x0001, 0x0002},
		{0x3FFE, 0x0001},
		{0x1234, AddrBroadcast},
		{AddrAny, 0x2AAA},
	} {
		id := MakeCANID(tc.src, tc.dst)
		require.LessOrEqual(t, id, uint32(can.CAN_EFF_MASK))
		require.True(t, IsCANNET(id))
		require.Equal(t, tc.src, SourceAddr(id))
		require.Equal(t, tc.dst, DestinationAddr(id))
	}
}

func TestFiltersSelectOwnAndBroadcast(t *testing.T) {
	flt := Filters(0x0042)
	mine := can.NewExtended(MakeCANID(0x0100, 0x0042), []byte{0})
	bcast := can.NewExtended(MakeCANID(0x0100, AddrBroadcast), []byte{0})
	other := can.NewExtended(MakeCANID(0x0100, 0x0043), []byte{0})
	foreign := can.NewExtended(0x0042, []byte{0})
	require.True(t, can.MatchAny(flt, mine))
	require.True(t, can.MatchAny(flt, bcast))
	require.False(t, can.MatchAny(flt, other))
	require.False(t, can.MatchAny(flt, foreign))
}

func TestCRC16(t *testing.T) {
	require.Equal(t, uint16(0x29B1), CRC16([]byte("123456789")))

	data := seq(100)
	crc := CRC16Init()
	for off := 0; off < len(data); off += 7 {
		end := min(off+7, len(data))
		crc = UpdateCRC16(crc, data[off:end])
	}
	require.Equal(t, CRC16(data), CRC16Complete(crc))
}

func TestPacketEncodeDecode(t *testing.T) {
	cases := []Packet{
		{Header: MakeHeader(FrameFirst, 3, 0), Size: 20, CRC: 0xBEEF, Data: []byte{1, 2, 3}},
		{Header: MakeHeader(FrameNext, 3, 1), Data: []byte{1, 2, 3, 4, 5, 6, 7}},
		{Header: MakeHeader(FrameLast, 3, 2), Data: []byte{9}},
		{Header: MakeHeader(FrameSingle, 1, 0), Data: []byte("hi")},
		{Header: MakeHeader(FrameSingle, 1, 0), Data: []byte{}},
		{Header: MakeHeader(FrameConnect, 7, 0), Flags: ConnResponse | ConnConnected},
		{Header: MakeHeader(FrameDisconnect, 2, 0)},
		{Header: MakeHeader(FrameStat, 5, 0), Flags: StatResponse, Available: 0x1234},
		{Header: MakeHeader(FrameAck, 5, 0), Flags: AckCorrupted},
	}
	for _, p := range cases {
		b, err := p.Encode()
		require.NoError(t, err, p.Header)
		require.LessOrEqual(t, len(b), can.MaxDataLen)
		got, err := DecodePacket(b)
		require.NoError(t, err, p.Header)
		require.Equal(t, p.Header, got.Header)
		require.Equal(t, p.Size, got.Size)
		require.Equal(t, p.CRC, got.CRC)
		require.Equal(t, p.Flags, got.Flags)
		require.Equal(t, p.Available, got.Available)
		require.True(t, bytes.Equal(p.Data, got.Data), "data %v", p.Header)
	}

	first, _ := Packet{Header: MakeHeader(FrameFirst, 0, 0), Size: 0x0102, CRC: 0x0304, Data: []byte{5, 6, 7}}.Encode()
	require.Equal(t, []byte{0x00, 0x02, 0x01, 0x04, 0x03, 5, 6, 7}, first, "little endian size and crc")
}

func TestDecodePacketRejectsBadLength(t *testing.T) {
	for _, b := range [][]byte{
		{},
		{byte(MakeHeader(FrameFirst, 0, 0)), 1, 2},
		{byte(MakeHeader(FrameNext, 0, 1)), 1, 2, 3},
		{byte(MakeHeader(FrameLast, 0, 1))},
		{byte(MakeHeader(FrameConnect, 0, 0))},
		{byte(MakeHeader(FrameDisconnect, 0, 0)), 0},
		{byte(MakeHeader(FrameStat, 0, 0)), 0, 0},
		{byte(MakeHeader(FrameAck, 0, 0)), 0, 0},
	} {
		_, err := DecodePacket(b)
		require.ErrorIs(t, err, ErrMalformed, "% x", b)
	}
}

func TestEncodeRejectsOversizedData(t *testing.T) {
	_, err := Packet{Header: MakeHeader(FrameSingle, 0, 0), Data: make([]byte, 8)}.Encode()
	require.ErrorIs(t, err, ErrMalformed)
	_, err = Packet{Header: MakeHeader(FrameFirst, 0, 0), Data: []byte{1}}.Encode()
	require.ErrorIs(t, err, ErrMalformed)
}

func FuzzDecodePacket(f *testing.F) {
	f.Add([]byte{0x00, 20, 0, 0xEF, 0xBE, 1, 2, 3})
	f.Add([]byte{byte(MakeHeader(FrameStat, 1, 0)), 1, 0x10, 0})
	f.Add([]byte{byte(MakeHeader(FrameSingle, 2, 0)), 'x'})
	f.Fuzz(func(t *testing.T, b []byte) {
		if len(b) > can.MaxDataLen {
			b = b[:can.MaxDataLen]
		}
		p, err := DecodePacket(b)
		if err != nil {
			return
		}
		enc, err := p.Encode()
		if err != nil {
			t.Fatalf("decoded packet does not encode: %v", err)
		}
		if !bytes.Equal(enc, b) {
			t.Fatalf("re-encode mismatch: % x -> % x", b, enc)
		}
	})
}
