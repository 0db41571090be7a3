//go:build linux

package socketcan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-cannet/internal/can"
	"github.com/kstaniek/go-cannet/internal/logging"
)

// Device is a raw CAN socket bound to one interface.
type Device struct {
	fd     int
	iface  string
	closed atomic.Bool
	once   sync.Once
}

func Open(iface string) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil {
		// Older kernels may not know this option; ignore ENOPROTOOPT
		if err != unix.ENOPROTOOPT {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("disable CAN FD: %w", err)
		}
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	sa := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	logging.L().Info("socketcan_open", "if", iface)
	return &Device{fd: fd, iface: iface}, nil
}

func (d *Device) Close() error {
	var err error
	d.once.Do(func() {
		d.closed.Store(true)
		err = unix.Close(d.fd)
	})
	return err
}

// SetFilters installs kernel acceptance filters (CAN_RAW_FILTER). An empty
// set restores the receive-all default.
func (d *Device) SetFilters(filters ...can.Filter) error {
	raw := kernelFilters(filters)
	if len(raw) == 0 {
		raw = []rawFilter{{ID: 0, Mask: 0}}
	}
	kf := make([]unix.CanFilter, len(raw))
	for n, f := range raw {
		kf[n] = unix.CanFilter{Id: f.ID, Mask: f.Mask}
	}
	if err := unix.SetsockoptCanRawFilter(d.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, kf); err != nil {
		return fmt.Errorf("setsockopt(CAN_RAW_FILTER): %w", err)
	}
	logging.L().Debug("socketcan_filters", "if", d.iface, "count", len(kf))
	return nil
}

// SetRecvTimeout bounds ReadFrame via SO_RCVTIMEO.
func (d *Device) SetRecvTimeout(to time.Duration) error {
	tv := unix.NsecToTimeval(to.Nanoseconds())
	if err := unix.SetsockoptTimeval(d.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return fmt.Errorf("setsockopt(SO_RCVTIMEO): %w", err)
	}
	return nil
}

// SetSendTimeout bounds WriteFrame via SO_SNDTIMEO.
func (d *Device) SetSendTimeout(to time.Duration) error {
	tv := unix.NsecToTimeval(to.Nanoseconds())
	if err := unix.SetsockoptTimeval(d.fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv); err != nil {
		return fmt.Errorf("setsockopt(SO_SNDTIMEO): %w", err)
	}
	return nil
}

// ReadFrame reads one classic CAN frame from the raw CAN socket.
func (d *Device) ReadFrame(fr *can.Frame) error {
	var buf [unix.CAN_MTU]byte // classic CAN MTU = 16 bytes
	for {
		if d.closed.Load() {
			return can.ErrClosed
		}
		n, err := unix.Read(d.fd, buf[:])
		if err != nil {
			switch {
			case errors.Is(err, unix.EINTR):
				continue
			case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK):
				return can.ErrTimeout
			case d.closed.Load() || errors.Is(err, unix.EBADF):
				return can.ErrClosed
			}
			return err
		}
		if n != unix.CAN_MTU {
			return fmt.Errorf("short read: %d", n)
		}
		decodeFrame(buf[:], fr)
		return nil
	}
}

// WriteFrame writes one classic CAN frame to the raw CAN socket.
func (d *Device) WriteFrame(fr can.Frame) error {
	if d.closed.Load() {
		return can.ErrClosed
	}
	var buf [unix.CAN_MTU]byte
	encodeFrame(buf[:], fr)
	if _, err := unix.Write(d.fd, buf[:]); err != nil {
		if errors.Is(err, unix.ENOBUFS) {
			return fmt.Errorf("%w: %v", ErrTxOverflow, err)
		}
		return err
	}
	return nil
}

var _ can.Device = (*Device)(nil)

// struct can_frame (linux/can.h):
//
//	can_id  u32   [0:4]  (includes EFF/RTR/ERR flags)
//	can_dlc u8    [4]
//	pad     3B    [5:8]
//	data    [8]   [8:16]
//
// Fields are in host byte order; little endian on the supported targets.
func decodeFrame(buf []byte, fr *can.Frame) {
	dlc := int(buf[4])
	if dlc > can.MaxDataLen {
		dlc = can.MaxDataLen
	}
	fr.CANID = binary.LittleEndian.Uint32(buf[0:4])
	fr.Len = uint8(dlc)
	fr.Data = [can.MaxDataLen]byte{}
	copy(fr.Data[:], buf[8:8+dlc])
}

func encodeFrame(buf []byte, fr can.Frame) {
	binary.LittleEndian.PutUint32(buf[0:4], fr.CANID)
	buf[4] = fr.Len
	copy(buf[8:], fr.Payload())
}
