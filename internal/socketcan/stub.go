//go:build !linux

package socketcan

import (
	"errors"
	"time"

	"github.com/kstaniek/go-cannet/internal/can"
)

// ErrUnsupported is returned by Open on platforms without SocketCAN.
var ErrUnsupported = errors.New("socketcan: not supported on this platform")

// Device is a placeholder on non-linux builds.
type Device struct{}

func Open(string) (*Device, error) { return nil, ErrUnsupported }

func (*Device) Close() error { return nil }
func (*Device) ReadFrame(*can.Frame) error { return ErrUnsupported }
func (*Device) WriteFrame(can.Frame) error { return ErrUnsupported }
func (*Device) SetFilters(...can.Filter) error { return ErrUnsupported }
func (*Device) SetRecvTimeout(time.Duration) error { return ErrUnsupported }
func (*Device) SetSendTimeout(time.Duration) error { return ErrUnsupported }
