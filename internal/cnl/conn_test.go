package cnl

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/kstaniek/go-cannet/internal/can"
)

func TestConnReadSplitFrames(t *testing.T) {
	srv, cli := net.Pipe()
	defer srv.Close()
	c := NewConn(cli)
	defer c.Close()
	_ = c.SetRecvTimeout(time.Second)
	_ = c.SetFilters(can.Filter{ID: 0x1000_0007, Mask: 0x1000_3FFF, Extended: true})

	skip := can.NewExtended(0x1000_0008, []byte{1})
	want := can.NewExtended(0x1000_8007, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	wire := Marshal(skip, want)
	go func() {
		// dribble bytes so frames straddle reads
		for i := 0; i < len(wire); i += 3 {
			end := min(i+3, len(wire))
			if _, err := srv.Write(wire[i:end]); err != nil {
				return
			}
		}
	}()
	var got can.Frame
	if err := c.ReadFrame(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestConnReadTimeoutKeepsAlignment(t *testing.T) {
	srv, cli := net.Pipe()
	defer srv.Close()
	c := NewConn(cli)
	defer c.Close()
	_ = c.SetRecvTimeout(30 * time.Millisecond)

	want := can.NewExtended(0x42, []byte{9, 8, 7})
	wire := Marshal(want)
	go func() { _, _ = srv.Write(wire[:3]) }()
	var got can.Frame
	if err := c.ReadFrame(&got); !errors.Is(err, can.ErrTimeout) {
		t.Fatalf("want ErrTimeout, got %v", err)
	}
	go func() { _, _ = srv.Write(wire[3:]) }()
	if err := c.ReadFrame(&got); err != nil {
		t.Fatalf("read after timeout: %v", err)
	}
	if got != want {
		t.Fatalf("stream misaligned: %+v", got)
	}
}

func TestConnWrite(t *testing.T) {
	srv, cli := net.Pipe()
	defer srv.Close()
	c := NewConn(cli)
	_ = c.SetSendTimeout(time.Second)
	fr := can.NewExtended(0x1234, []byte{0xCA, 0xFE})
	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := srv.Read(buf)
		got <- buf[:n]
	}()
	if err := c.WriteFrame(fr); err != nil {
		t.Fatalf("write: %v", err)
	}
	if b := <-got; string(b) != string(Append(nil, fr)) {
		t.Fatalf("wire % X", b)
	}
	_ = c.Close()
	if err := c.WriteFrame(fr); !errors.Is(err, can.ErrClosed) {
		t.Fatalf("want ErrClosed, got %v", err)
	}
	if err := c.ReadFrame(&fr); !errors.Is(err, can.ErrClosed) {
		t.Fatalf("want ErrClosed, got %v", err)
	}
}

func TestDialHandshake(t *testing.T) {
	orig := dialContext
	defer func() { dialContext = orig }()
	srv, cli := net.Pipe()
	defer srv.Close()
	dialContext = func(ctx context.Context, network, addr string) (net.Conn, error) { return cli, nil }
	go func() { _ = Handshake(context.Background(), srv, time.Second) }()
	c, err := Dial(context.Background(), "bridge:20000", time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = c.Close()

	dialContext = func(ctx context.Context, network, addr string) (net.Conn, error) { return nil, errors.New("refused") }
	if _, err := Dial(context.Background(), "bridge:20000", time.Second); err == nil {
		t.Fatalf("expected dial error")
	}
}
