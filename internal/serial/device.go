package serial

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-cannet/internal/can"
	"github.com/kstaniek/go-cannet/internal/logging"
	"github.com/kstaniek/go-cannet/internal/metrics"
)

const readChunk = 256

// Device adapts a UART adapter Port to can.Device. Acceptance filters are
// applied in software.
type Device struct {
	port Port

	rmu     sync.Mutex
	dec     Decoder
	pending []can.Frame
	chunk   [readChunk]byte

	wmu sync.Mutex

	cfgMu       sync.RWMutex
	filters     []can.Filter
	recvTimeout time.Duration

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewDevice wraps an open port.
func NewDevice(p Port) *Device { return &Device{port: p} }

// Open opens name at baud and wraps it. readTimeout is the per-read poll
// interval of the port.
func Open(name string, baud int, readTimeout time.Duration) (*Device, error) {
	p, err := openSerialPort(name, baud, readTimeout)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", name, err)
	}
	logging.L().Info("serial_open", "port", name, "baud", baud)
	return NewDevice(p), nil
}

// test hook
var openSerialPort = OpenPort

// ReadFrame returns the next frame passing the filters. When a receive
// timeout is set it returns can.ErrTimeout once it elapses without one.
func (d *Device) ReadFrame(fr *can.Frame) error {
	d.rmu.Lock()
	defer d.rmu.Unlock()
	d.cfgMu.RLock()
	to := d.recvTimeout
	d.cfgMu.RUnlock()
	var deadline time.Time
	if to > 0 {
		deadline = time.Now().Add(to)
	}
	for {
		if d.closed.Load() {
			return can.ErrClosed
		}
		for len(d.pending) > 0 {
			f := d.pending[0]
			d.pending = d.pending[1:]
			if d.accepts(f) {
				*fr = f
				return nil
			}
		}
		n, err := d.port.Read(d.chunk[:])
		if n > 0 {
			d.dec.Feed(d.chunk[:n])
			for {
				f, ok := d.dec.Next()
				if !ok {
					break
				}
				d.pending = append(d.pending, f)
			}
		}
		if err != nil && !errors.Is(err, io.EOF) {
			if d.closed.Load() {
				return can.ErrClosed
			}
			metrics.IncError(metrics.ErrSerialRead)
			return err
		}
		if len(d.pending) == 0 && !deadline.IsZero() && !time.Now().Before(deadline) {
			return can.ErrTimeout
		}
	}
}

func (d *Device) accepts(f can.Frame) bool {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return can.MatchAny(d.filters, f)
}

// WriteFrame encodes and writes one frame. Only extended frames are supported.
func (d *Device) WriteFrame(fr can.Frame) error {
	if d.closed.Load() {
		return can.ErrClosed
	}
	if fr.Len > can.MaxDataLen {
		return can.ErrInvalidLength
	}
	d.wmu.Lock()
	defer d.wmu.Unlock()
	if _, err := d.port.Write(Encode(fr)); err != nil {
		metrics.IncError(metrics.ErrSerialWrite)
		logging.L().Error("serial_write_error", "error", err)
		return err
	}
	return nil
}

func (d *Device) SetFilters(filters ...can.Filter) error {
	d.cfgMu.Lock()
	d.filters = append([]can.Filter(nil), filters...)
	d.cfgMu.Unlock()
	return nil
}

func (d *Device) SetRecvTimeout(to time.Duration) error {
	d.cfgMu.Lock()
	d.recvTimeout = to
	d.cfgMu.Unlock()
	return nil
}

func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		err = d.port.Close()
	})
	return err
}

var (
	_ can.Device            = (*Device)(nil)
	_ can.FilterSetter      = (*Device)(nil)
	_ can.RecvTimeoutSetter = (*Device)(nil)
)
