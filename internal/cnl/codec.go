// Package cnl carries CAN frames over a cannelloni-style TCP stream.
package cnl

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kstaniek/go-cannet/internal/can"
	"github.com/kstaniek/go-cannet/internal/metrics"
)

// ErrInvalidLength is returned when a frame length (DLC) is outside 0..8.
var ErrInvalidLength = errors.New("cannelloni: invalid length")

// ErrShortBuffer is returned by Unmarshal when b ends mid-frame.
var ErrShortBuffer = errors.New("cannelloni: short buffer")

const (
	headerLen   = 4 + 1 // BE CANID + length byte
	maxFrameLen = headerLen + can.MaxDataLen
)

// Append encodes f as 4-byte BE CANID (flags included), 1-byte length and
// payload, and appends it to dst.
func Append(dst []byte, f can.Frame) []byte {
	p := f.Payload()
	dst = binary.BigEndian.AppendUint32(dst, f.CANID)
	dst = append(dst, byte(len(p)))
	return append(dst, p...)
}

// Marshal encodes frames into a single packet.
func Marshal(frames ...can.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	b := make([]byte, 0, len(frames)*maxFrameLen)
	for _, f := range frames {
		b = Append(b, f)
	}
	return b
}

// Unmarshal decodes the first frame in b and returns the bytes it consumed.
// ErrShortBuffer means more input is needed; nothing is consumed then.
func Unmarshal(b []byte) (can.Frame, int, error) {
	var f can.Frame
	if len(b) < headerLen {
		return f, 0, ErrShortBuffer
	}
	ln := int(b[4] & 0x7F) // high bit reserved for flags
	if ln > can.MaxDataLen {
		metrics.IncMalformed()
		return f, 0, fmt.Errorf("cannelloni decode: %w (%d)", ErrInvalidLength, ln)
	}
	if len(b) < headerLen+ln {
		return f, 0, ErrShortBuffer
	}
	f.CANID = binary.BigEndian.Uint32(b[0:4])
	f.Len = uint8(ln)
	copy(f.Data[:], b[headerLen:headerLen+ln])
	return f, headerLen + ln, nil
}
