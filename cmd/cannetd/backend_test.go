package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/kstaniek/go-cannet/internal/can"
	"github.com/kstaniek/go-cannet/internal/hub"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// nopDevice is a can.Device that never delivers frames.
type nopDevice struct{ closed bool }

func (d *nopDevice) ReadFrame(*can.Frame) error { return can.ErrTimeout }
func (d *nopDevice) WriteFrame(can.Frame) error { return nil }
func (d *nopDevice) Close() error               { d.closed = true; return nil }

func TestOpenBackend_Unknown(t *testing.T) {
	cfg := validConfig()
	cfg.backend = "carrier-pigeon"
	if _, err := openBackend(context.Background(), cfg, discardLogger()); err == nil {
		t.Fatal("expected error")
	}
}

func TestOpenBackend_SocketCANHook(t *testing.T) {
	prev := openSocketCANDevice
	t.Cleanup(func() { openSocketCANDevice = prev })
	var gotIf string
	openSocketCANDevice = func(iface string) (can.Device, error) {
		gotIf = iface
		return &nopDevice{}, nil
	}
	cfg := validConfig()
	cfg.canIf = "vcan0"
	dev, err := openBackend(context.Background(), cfg, discardLogger())
	if err != nil || dev == nil {
		t.Fatalf("openBackend: %v", err)
	}
	if gotIf != "vcan0" {
		t.Fatalf("opened %q", gotIf)
	}

	openSocketCANDevice = func(string) (can.Device, error) { return nil, errors.New("no such device") }
	if _, err := openBackend(context.Background(), cfg, discardLogger()); err == nil {
		t.Fatal("expected open error")
	}
}

func TestOpenBackend_SerialHook(t *testing.T) {
	prev := openSerialDevice
	t.Cleanup(func() { openSerialDevice = prev })
	var gotName string
	var gotBaud int
	openSerialDevice = func(name string, baud int, _ time.Duration) (can.Device, error) {
		gotName, gotBaud = name, baud
		return &nopDevice{}, nil
	}
	cfg := validConfig()
	cfg.backend = backendSerial
	cfg.serialDev = "/dev/ttyACM0"
	cfg.baud = 500000
	if _, err := openBackend(context.Background(), cfg, discardLogger()); err != nil {
		t.Fatalf("openBackend: %v", err)
	}
	if gotName != "/dev/ttyACM0" || gotBaud != 500000 {
		t.Fatalf("opened %s@%d", gotName, gotBaud)
	}
}

func TestOpenBackend_CannelloniRetries(t *testing.T) {
	prev := dialCannelloni
	t.Cleanup(func() { dialCannelloni = prev })
	calls := 0
	dialCannelloni = func(_ context.Context, addr string, _ time.Duration) (can.Device, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("connection refused")
		}
		return &nopDevice{}, nil
	}
	cfg := validConfig()
	cfg.backend = backendCannelloni
	cfg.cnlAddr = "127.0.0.1:20000"
	if _, err := openBackend(context.Background(), cfg, discardLogger()); err != nil {
		t.Fatalf("openBackend: %v", err)
	}
	if calls != 3 {
		t.Fatalf("dial attempts = %d, want 3", calls)
	}
}

func TestOpenBackend_CannelloniGivesUp(t *testing.T) {
	prev := dialCannelloni
	t.Cleanup(func() { dialCannelloni = prev })
	calls := 0
	dialCannelloni = func(context.Context, string, time.Duration) (can.Device, error) {
		calls++
		return nil, errors.New("connection refused")
	}
	cfg := validConfig()
	cfg.backend = backendCannelloni
	cfg.cnlAddr = "127.0.0.1:20000"
	if _, err := openBackend(context.Background(), cfg, discardLogger()); err == nil {
		t.Fatal("expected error")
	}
	if calls != dialRetries+1 {
		t.Fatalf("dial attempts = %d, want %d", calls, dialRetries+1)
	}
}

func TestOpenBackend_Virtual(t *testing.T) {
	prev := vbus
	vbus = hub.New()
	t.Cleanup(func() { vbus = prev })
	cfg := validConfig()
	cfg.backend = backendVirtual
	dev, err := openBackend(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("openBackend: %v", err)
	}
	if vbus.Count() != 1 {
		t.Fatalf("ports = %d", vbus.Count())
	}
	_ = dev.Close()
	if vbus.Count() != 0 {
		t.Fatalf("ports after close = %d", vbus.Count())
	}
}
