package cannet

import (
	"encoding/binary"
	"fmt"

	"github.com/kstaniek/go-cannet/internal/can"
)

// FrameType is the 3-bit frame kind carried in the header.
type FrameType uint8

const (
	FrameFirst FrameType = iota
	FrameNext
	FrameLast
	FrameSingle
	FrameConnect
	FrameDisconnect
	FrameStat
	FrameAck
)

var frameTypeNames = [...]string{"first", "next", "last", "single", "connect", "disconnect", "stat", "ack"}

func (t FrameType) String() string {
	if int(t) < len(frameTypeNames) {
		return frameTypeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// IsData reports whether t belongs to a transfer (first, next, last, single).
func (t FrameType) IsData() bool { return t <= FrameSingle }

// Header is the first payload byte of every CANNET frame: TTTPPPSS.
type Header uint8

const (
	MaxPort = 7
	seqMask = 0x03
)

// MakeHeader packs type, port and sequence. Out of range port and sequence
// values are truncated to their field width.
func MakeHeader(t FrameType, port, seq uint8) Header {
	return Header(uint8(t&0x07)<<5 | (port&MaxPort)<<2 | seq&seqMask)
}

func (h Header) Type() FrameType { return FrameType(h >> 5) }
func (h Header) Port() uint8     { return uint8(h>>2) & MaxPort }
func (h Header) Seq() uint8      { return uint8(h) & seqMask }

func (h Header) String() string {
	return fmt.Sprintf("%s/p%d/s%d", h.Type(), h.Port(), h.Seq())
}

// Addr is a 14-bit bus address.
type Addr uint16

const (
	AddrAny       Addr = 0x0000
	AddrBroadcast Addr = 0x3FFF
	addrBits           = 14
	addrMask           = 0x3FFF
)

// Valid reports whether a fits in 14 bits.
func (a Addr) Valid() bool { return a <= addrMask }

func (a Addr) String() string {
	switch a {
	case AddrAny:
		return "any"
	case AddrBroadcast:
		return "broadcast"
	}
	return fmt.Sprintf("0x%04x", uint16(a))
}

// CAN identifier layout (29 bits): bit 28 is the CANNET marker, bits 27..14
// hold the source address and bits 13..0 the destination address.
const (
	idMarker = 1 << 28
	// IDMask selects the marker and destination; a frame is for node A when
	// id&IDMask == MakeCANID(AddrAny, A)&IDMask.
	IDMask = idMarker | addrMask
)

// MakeCANID builds the 29-bit identifier for a frame from src to dst.
func MakeCANID(src, dst Addr) uint32 {
	return idMarker | uint32(src&addrMask)<<addrBits | uint32(dst&addrMask)
}

// DestinationAddr extracts the destination address from an identifier.
func DestinationAddr(id uint32) Addr { return Addr(id & addrMask) }

// SourceAddr extracts the source address from an identifier.
func SourceAddr(id uint32) Addr { return Addr(id>>addrBits) & addrMask }

// IsCANNET reports whether the identifier carries the CANNET marker.
func IsCANNET(id uint32) bool { return id&idMarker != 0 }

// Filters returns acceptance filters passing frames for addr and broadcast.
func Filters(addr Addr) []can.Filter {
	return []can.Filter{
		{ID: MakeCANID(AddrAny, addr), Mask: IDMask, Extended: true},
		{ID: MakeCANID(AddrAny, AddrBroadcast), Mask: IDMask, Extended: true},
	}
}

// Connect frame flags.
const (
	ConnResponse  = 1 << 0
	ConnConnected = 1 << 1
)

// Stat frame flags.
const StatResponse = 1 << 0

// Ack frame flags; zero means the transfer was accepted.
const (
	AckOK         = 0
	AckCorrupted  = 1
	AckBufferFull = 2
)

// Data bytes carried per frame kind.
const (
	firstFrameData = 3
	nextFrameData  = 7
	singleFrameMax = 7
)

// Packet is a decoded CANNET frame payload. The fields used depend on the
// header type: Size/CRC for first, Flags for connect/stat/ack, Available for
// stat, Data for first/next/last/single.
type Packet struct {
	Header    Header
	Size      uint16
	CRC       uint16
	Flags     uint8
	Available uint16
	Data      []byte
}

// Encode returns the wire payload (at most 8 bytes).
func (p Packet) Encode() ([]byte, error) {
	b := make([]byte, 1, can.MaxDataLen)
	b[0] = byte(p.Header)
	switch p.Header.Type() {
	case FrameFirst:
		if len(p.Data) != firstFrameData {
			return nil, fmt.Errorf("%w: first frame carries %d bytes", ErrMalformed, len(p.Data))
		}
		b = binary.LittleEndian.AppendUint16(b, p.Size)
		b = binary.LittleEndian.AppendUint16(b, p.CRC)
		b = append(b, p.Data...)
	case FrameNext:
		if len(p.Data) != nextFrameData {
			return nil, fmt.Errorf("%w: next frame carries %d bytes", ErrMalformed, len(p.Data))
		}
		b = append(b, p.Data...)
	case FrameLast:
		if len(p.Data) < 1 || len(p.Data) > nextFrameData {
			return nil, fmt.Errorf("%w: last frame carries %d bytes", ErrMalformed, len(p.Data))
		}
		b = append(b, p.Data...)
	case FrameSingle:
		if len(p.Data) > singleFrameMax {
			return nil, fmt.Errorf("%w: single frame carries %d bytes", ErrMalformed, len(p.Data))
		}
		b = append(b, p.Data...)
	case FrameConnect, FrameAck:
		b = append(b, p.Flags)
	case FrameDisconnect:
	case FrameStat:
		b = append(b, p.Flags)
		b = binary.LittleEndian.AppendUint16(b, p.Available)
	}
	return b, nil
}

// DecodePacket parses a frame payload. Lengths that do not match the header
// type yield ErrMalformed.
func DecodePacket(b []byte) (Packet, error) {
	if len(b) < 1 {
		return Packet{}, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	p := Packet{Header: Header(b[0])}
	t := p.Header.Type()
	bad := func() (Packet, error) {
		return Packet{}, fmt.Errorf("%w: %s frame with %d bytes", ErrMalformed, t, len(b))
	}
	switch t {
	case FrameFirst:
		if len(b) != 8 {
			return bad()
		}
		p.Size = binary.LittleEndian.Uint16(b[1:3])
		p.CRC = binary.LittleEndian.Uint16(b[3:5])
		p.Data = b[5:8]
	case FrameNext:
		if len(b) != 8 {
			return bad()
		}
		p.Data = b[1:]
	case FrameLast:
		if len(b) < 2 {
			return bad()
		}
		p.Data = b[1:]
	case FrameSingle:
		p.Data = b[1:]
	case FrameConnect, FrameAck:
		if len(b) != 2 {
			return bad()
		}
		p.Flags = b[1]
	case FrameDisconnect:
		if len(b) != 1 {
			return bad()
		}
	case FrameStat:
		if len(b) != 4 {
			return bad()
		}
		p.Flags = b[1]
		p.Available = binary.LittleEndian.Uint16(b[2:4])
	}
	return p, nil
}

// frame wraps an encoded packet into an extended CAN frame.
func (p Packet) frame(src, dst Addr) (can.Frame, error) {
	b, err := p.Encode()
	if err != nil {
		return can.Frame{}, err
	}
	return can.NewExtended(MakeCANID(src, dst), b), nil
}
