package serial

import (
	"encoding/binary"
	"testing"

	"github.com/kstaniek/go-cannet/internal/can"
	"github.com/kstaniek/go-cannet/internal/metrics"
)

// build an RX-wire frame: data := ID(4) | PAYLOAD(0..8), then envelope with 2D D4 LEN ... CRC
func rxWire(id uint32, payload []byte) []byte {
	data := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(data[:4], id&can.CAN_EFF_MASK)
	copy(data[4:], payload)
	return envelope(data)
}

func f(id uint32, data ...byte) can.Frame { return can.NewExtended(id, data) }

func TestDecoder_Chunked(t *testing.T) {
	want := []can.Frame{
		f(0x0001E5A, 0x34, 0x7B, 0x70, 0xD7, 0x94, 0x10, 0x0D, 0xF7), // 8B
		f(0x0001F55, 0xA1, 0xB2, 0xC3, 0xD4, 0xE5, 0xF6),             // 6B
		f(0x1000_4002, 0x40),                                         // 1B
		f(0x01ABCDE),                                                 // 0B
	}
	stream := make([]byte, 0, 512)
	for _, fr := range want {
		stream = append(stream, rxWire(fr.CANID, fr.Payload())...)
	}

	var dec Decoder
	got := make([]can.Frame, 0, len(want))
	// Feed in irregular small chunks to stress preamble alignment & partials.
	chunkSizes := []int{1, 2, 3, 4, 5, 7, 11}
	cs := 0
	for pos := 0; pos < len(stream); {
		n := chunkSizes[cs%len(chunkSizes)]
		cs++
		if pos+n > len(stream) {
			n = len(stream) - pos
		}
		dec.Feed(stream[pos : pos+n])
		pos += n
		for {
			fr, ok := dec.Next()
			if !ok {
				break
			}
			got = append(got, fr)
		}
	}
	if len(got) != len(want) {
		t.Fatalf("decoded %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d mismatch\n got  %+v\n want %+v", i, got[i], want[i])
		}
	}
	if dec.Buffered() != 0 {
		t.Fatalf("left %d bytes", dec.Buffered())
	}
}

func TestDecoder_Malformed(t *testing.T) {
	before := metrics.Snap().Malformed
	frame := rxWire(1, []byte{0xAA})
	frame[len(frame)-1] ^= 0xFF // corrupt checksum
	var dec Decoder
	dec.Feed([]byte{0x00, 0x11}) // leading garbage
	dec.Feed(frame)
	dec.Feed(rxWire(2, []byte{0xBB}))
	fr, ok := dec.Next()
	if !ok || fr.ID() != 2 {
		t.Fatalf("expected resync to second frame, got %+v ok=%v", fr, ok)
	}
	if after := metrics.Snap().Malformed; after <= before {
		t.Fatalf("expected malformed metric increment, before=%d after=%d", before, after)
	}
}

func TestEncodeLayout(t *testing.T) {
	b := Encode(f(0x1000_0102, 0xDE, 0xAD))
	want := []byte{0x2D, 0xD4, 9, 2, 0x82, 0x10, 0x00, 0x01, 0x02, 0xDE, 0xAD}
	sum := byte(0)
	for _, v := range want[2:] {
		sum += v
	}
	want = append(want, sum+0x2D)
	if string(b) != string(want) {
		t.Fatalf("encode mismatch\n got  % X\n want % X", b, want)
	}
}

func FuzzDecoder(f *testing.F) {
	f.Add(rxWire(0x123, []byte{1, 2, 3}))
	f.Add([]byte{0x2D, 0xD4, 0xFF})
	f.Fuzz(func(t *testing.T, b []byte) {
		var dec Decoder
		dec.Feed(b)
		for {
			fr, ok := dec.Next()
			if !ok {
				break
			}
			if fr.Len > can.MaxDataLen || !fr.Extended() {
				t.Fatalf("invalid frame %+v", fr)
			}
		}
	})
}
