// Package serial drives an Ampio-style UART CAN adapter as a can.Device.
package serial

import (
	"bytes"
	"encoding/binary"

	"github.com/kstaniek/go-cannet/internal/can"
	"github.com/kstaniek/go-cannet/internal/metrics"
)

const (
	pre0 = 0x2D
	pre1 = 0xD4

	insSendExt = 2 // INS: CAN UART SEND WITH EXT ID

	// RX envelope length byte = ID(4) + PAYLOAD(0..8) + checksum(1)
	rxMinLn = 4 + 0 + 1
	rxMaxLn = 4 + can.MaxDataLen + 1

	// unread bytes kept while hunting for a preamble
	maxPending = 4096
)

var preamble = []byte{pre0, pre1}

// envelope builds a UART frame:
// [0x2D, 0xD4, len+1, data..., checksum]
// checksum = (len+1) + 0x2D + sum(data) (mod 256)
func envelope(data []byte) []byte {
	n := len(data)
	frame := make([]byte, n+4)
	frame[0] = pre0
	frame[1] = pre1
	frame[2] = byte(n + 1)
	sum := frame[2] + pre0
	for i, b := range data {
		frame[3+i] = b
		sum += b
	}
	frame[3+n] = sum
	return frame
}

// Encode builds the TX UART frame for f:
// INS(1) FLAGS(1, 0x80|dlc) ID(4, big endian) PAYLOAD(dlc).
func Encode(f can.Frame) []byte {
	p := f.Payload()
	tab := make([]byte, 6, 6+len(p))
	tab[0] = insSendExt
	tab[1] = 0x80 + byte(len(p))
	binary.BigEndian.PutUint32(tab[2:6], f.ID())
	tab = append(tab, p...)
	return envelope(tab)
}

// Decoder reassembles RX UART frames from arbitrary read chunks.
//
// RX frame: 2D D4 LEN ID(4) PAYLOAD(0..8) SUM, where LEN counts ID, payload
// and checksum and SUM = 0x2D + LEN + sum(ID, payload).
type Decoder struct {
	buf bytes.Buffer
}

// Feed appends raw bytes read from the port.
func (d *Decoder) Feed(p []byte) {
	d.buf.Write(p)
	if d.buf.Len() > maxPending {
		// garbage without a preamble; keep the tail only
		tail := append([]byte(nil), d.buf.Bytes()[d.buf.Len()-rxMaxLn-3:]...)
		d.buf.Reset()
		d.buf.Write(tail)
	}
}

// Buffered returns the number of undecoded bytes.
func (d *Decoder) Buffered() int { return d.buf.Len() }

// Next returns the next complete frame, if any. Malformed frames are counted
// and skipped by advancing one byte to resync.
func (d *Decoder) Next() (can.Frame, bool) {
	for {
		data := d.buf.Bytes()
		if len(data) < 3 {
			return can.Frame{}, false
		}
		i := bytes.Index(data, preamble)
		if i < 0 {
			// keep last byte in case the next chunk starts with the second preamble byte
			last := data[len(data)-1]
			d.buf.Reset()
			if last == pre0 {
				_ = d.buf.WriteByte(last)
			}
			return can.Frame{}, false
		}
		if i > 0 {
			d.buf.Next(i)
			continue
		}
		ln := int(data[2])
		if ln < rxMinLn || ln > rxMaxLn {
			metrics.IncMalformed()
			d.buf.Next(1)
			continue
		}
		req := 3 + ln
		if len(data) < req {
			return can.Frame{}, false
		}
		sum := uint(pre0) + uint(data[2])
		for _, b := range data[3 : req-1] {
			sum += uint(b)
		}
		if byte(sum) != data[req-1] {
			metrics.IncMalformed()
			d.buf.Next(1)
			continue
		}
		id := binary.BigEndian.Uint32(data[3:7])
		f := can.NewExtended(id, data[7:req-1])
		d.buf.Next(req)
		return f, true
	}
}
