package cnl

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-cannet/internal/can"
	"github.com/kstaniek/go-cannet/internal/logging"
	"github.com/kstaniek/go-cannet/internal/metrics"
)

// Conn is a can.Device over a cannelloni TCP stream. Incoming bytes are
// accumulated and decoded incrementally, so a read deadline firing mid-frame
// never loses stream alignment.
type Conn struct {
	c net.Conn

	rmu     sync.Mutex
	buf     []byte
	scratch [512]byte

	wmu sync.Mutex

	cfgMu       sync.RWMutex
	filters     []can.Filter
	recvTimeout time.Duration
	sendTimeout time.Duration

	closed atomic.Bool
}

// test hook
var dialContext = (&net.Dialer{}).DialContext

// Dial connects to a cannelloni server at addr and performs the hello handshake.
func Dial(ctx context.Context, addr string, handshakeTimeout time.Duration) (*Conn, error) {
	c, err := dialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	if err := Handshake(ctx, c, handshakeTimeout); err != nil {
		metrics.IncError(metrics.ErrHandshake)
		_ = c.Close()
		return nil, err
	}
	logging.L().Info("cannelloni_connected", "remote", c.RemoteAddr().String())
	return NewConn(c), nil
}

// NewConn wraps a connection whose handshake already completed.
func NewConn(c net.Conn) *Conn { return &Conn{c: c} }

// ReadFrame returns the next frame passing the filters, or can.ErrTimeout
// when the receive timeout elapses.
func (k *Conn) ReadFrame(fr *can.Frame) error {
	k.rmu.Lock()
	defer k.rmu.Unlock()
	k.cfgMu.RLock()
	to := k.recvTimeout
	k.cfgMu.RUnlock()
	var deadline time.Time
	if to > 0 {
		deadline = time.Now().Add(to)
	}
	for {
		for len(k.buf) > 0 {
			f, n, err := Unmarshal(k.buf)
			if errors.Is(err, ErrShortBuffer) {
				break
			}
			if err != nil {
				// length byte is garbage; the stream cannot be realigned
				metrics.IncError(metrics.ErrCannelloniRead)
				return err
			}
			k.buf = k.buf[n:]
			if k.accepts(f) {
				*fr = f
				return nil
			}
		}
		if k.closed.Load() {
			return can.ErrClosed
		}
		if err := k.c.SetReadDeadline(deadline); err != nil {
			return err
		}
		n, err := k.c.Read(k.scratch[:])
		if n > 0 {
			k.buf = append(k.buf, k.scratch[:n]...)
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return can.ErrTimeout
			}
			if k.closed.Load() || errors.Is(err, net.ErrClosed) {
				return can.ErrClosed
			}
			metrics.IncError(metrics.ErrCannelloniRead)
			return fmt.Errorf("cannelloni read: %w", err)
		}
	}
}

func (k *Conn) accepts(f can.Frame) bool {
	k.cfgMu.RLock()
	defer k.cfgMu.RUnlock()
	return can.MatchAny(k.filters, f)
}

// WriteFrame sends one frame, bounded by the send timeout when set.
func (k *Conn) WriteFrame(fr can.Frame) error {
	if k.closed.Load() {
		return can.ErrClosed
	}
	if fr.Len > can.MaxDataLen {
		return can.ErrInvalidLength
	}
	k.cfgMu.RLock()
	to := k.sendTimeout
	k.cfgMu.RUnlock()
	var b [maxFrameLen]byte
	wire := Append(b[:0], fr)
	k.wmu.Lock()
	defer k.wmu.Unlock()
	if to > 0 {
		_ = k.c.SetWriteDeadline(time.Now().Add(to))
	}
	if _, err := k.c.Write(wire); err != nil {
		metrics.IncError(metrics.ErrCannelloniWrite)
		return fmt.Errorf("cannelloni write: %w", err)
	}
	return nil
}

func (k *Conn) SetFilters(filters ...can.Filter) error {
	k.cfgMu.Lock()
	k.filters = append([]can.Filter(nil), filters...)
	k.cfgMu.Unlock()
	return nil
}

func (k *Conn) SetRecvTimeout(to time.Duration) error {
	k.cfgMu.Lock()
	k.recvTimeout = to
	k.cfgMu.Unlock()
	return nil
}

func (k *Conn) SetSendTimeout(to time.Duration) error {
	k.cfgMu.Lock()
	k.sendTimeout = to
	k.cfgMu.Unlock()
	return nil
}

func (k *Conn) Close() error {
	if k.closed.Swap(true) {
		return nil
	}
	return k.c.Close()
}

var (
	_ can.Device            = (*Conn)(nil)
	_ can.FilterSetter      = (*Conn)(nil)
	_ can.RecvTimeoutSetter = (*Conn)(nil)
	_ can.SendTimeoutSetter = (*Conn)(nil)
)
