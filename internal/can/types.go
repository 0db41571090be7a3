package can

import (
	"errors"
	"time"
)

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// MaxDataLen is the classic CAN payload limit.
const MaxDataLen = 8

var (
	// ErrTimeout is returned by Device.ReadFrame when the receive timeout
	// elapsed without a frame. It is not a device failure.
	ErrTimeout = errors.New("can: receive timeout")
	// ErrClosed is returned by devices used after Close.
	ErrClosed = errors.New("can: device closed")
	// ErrInvalidLength is returned for frames with more than 8 data bytes.
	ErrInvalidLength = errors.New("can: invalid data length")
)

// Frame is a classic CAN frame holder used across the stack.
// CANID contains EFF/RTR/ERR flags in its upper bits like SocketCAN.
// Len is payload length (0..8); only the first Len bytes of Data are valid.
type Frame struct {
	CANID uint32
	Len   uint8
	Data  [MaxDataLen]byte
}

// NewExtended builds an extended-id data frame. Payload beyond 8 bytes is truncated.
func NewExtended(id uint32, payload []byte) Frame {
	f := Frame{CANID: (id & CAN_EFF_MASK) | CAN_EFF_FLAG}
	f.Len = uint8(copy(f.Data[:], payload))
	return f
}

func (f Frame) Extended() bool { return f.CANID&CAN_EFF_FLAG != 0 }
func (f Frame) Remote() bool   { return f.CANID&CAN_RTR_FLAG != 0 }

// ID returns the identifier without flag bits.
func (f Frame) ID() uint32 {
	if f.Extended() {
		return f.CANID & CAN_EFF_MASK
	}
	return f.CANID & CAN_SFF_MASK
}

// Payload returns the valid data bytes as a slice of a copy of the frame.
func (f Frame) Payload() []byte {
	n := int(f.Len)
	if n > MaxDataLen {
		n = MaxDataLen
	}
	return f.Data[:n]
}

// Filter is an acceptance filter: a frame passes when ID()&Mask == ID&Mask.
// Only extended frames are matched when Extended is set.
type Filter struct {
	ID       uint32
	Mask     uint32
	Extended bool
}

// Match reports whether fr passes the filter.
func (flt Filter) Match(fr Frame) bool {
	if flt.Extended && !fr.Extended() {
		return false
	}
	return fr.ID()&flt.Mask == flt.ID&flt.Mask
}

// MatchAny reports whether fr passes at least one filter. An empty set accepts everything.
func MatchAny(filters []Filter, fr Frame) bool {
	if len(filters) == 0 {
		return true
	}
	for _, flt := range filters {
		if flt.Match(fr) {
			return true
		}
	}
	return false
}

// Device is a raw CAN endpoint opened by a backend.
// ReadFrame blocks for at most the configured receive timeout and returns
// ErrTimeout when it elapses.
type Device interface {
	ReadFrame(*Frame) error
	WriteFrame(Frame) error
	Close() error
}

// FilterSetter is implemented by devices supporting acceptance filters.
type FilterSetter interface {
	SetFilters(filters ...Filter) error
}

// RecvTimeoutSetter is implemented by devices with a configurable bounded read.
type RecvTimeoutSetter interface {
	SetRecvTimeout(time.Duration) error
}

// SendTimeoutSetter is implemented by devices with a configurable bounded write.
type SendTimeoutSetter interface {
	SetSendTimeout(time.Duration) error
}
