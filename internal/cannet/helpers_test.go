package cannet

import (
	"context"
	"testing"
	"time"

	"github.com/kstaniek/go-cannet/internal/can"
	"github.com/kstaniek/go-cannet/internal/hub"
	"github.com/stretchr/testify/require"
)

const waitLong = 2 * time.Second

func newNode(t *testing.T, bus *hub.Hub, addr Addr, opts ...Option) *Interface {
	t.Helper()
	opts = append([]Option{WithTimeouts(Timeouts{InputRecv: 20 * time.Millisecond})}, opts...)
	i, err := Init(bus.Attach(), opts...)
	require.NoError(t, err)
	require.NoError(t, i.Up(Config{Addr: addr}))
	t.Cleanup(func() { _ = i.Deinit() })
	return i
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// inject writes a crafted packet on a raw bus port.
func inject(t *testing.T, p *hub.Port, src, dst Addr, pkt Packet) {
	t.Helper()
	fr, err := pkt.frame(src, dst)
	require.NoError(t, err)
	require.NoError(t, p.WriteFrame(fr))
}

// expectPacket reads p until a frame of type typ from src arrives.
func expectPacket(t *testing.T, p *hub.Port, src Addr, typ FrameType) Packet {
	t.Helper()
	deadline := time.After(waitLong)
	for {
		select {
		case fr := <-p.Out:
			if SourceAddr(fr.ID()) != src {
				continue
			}
			pkt, err := DecodePacket(fr.Payload())
			if err != nil || pkt.Header.Type() != typ {
				continue
			}
			return pkt
		case <-deadline:
			t.Fatalf("no %s frame from %v", typ, src)
			return Packet{}
		}
	}
}

// drainFrames returns every frame currently queued on p.
func drainFrames(p *hub.Port) []can.Frame {
	var out []can.Frame
	for {
		select {
		case fr := <-p.Out:
			out = append(out, fr)
		default:
			return out
		}
	}
}

// listen creates a stream listener on port.
func listen(t *testing.T, i *Interface, port uint8) *Socket {
	t.Helper()
	ls, err := i.NewSocket(Stream)
	require.NoError(t, err)
	require.NoError(t, ls.Bind(SockAddr{Addr: AddrAny, Port: port}))
	require.NoError(t, ls.Listen())
	ls.SetRecvTimeout(waitLong)
	t.Cleanup(func() { _ = ls.Close() })
	return ls
}

// acceptRaw performs the client side of the handshake from a raw port and
// returns the accepted socket.
func acceptRaw(t *testing.T, ls *Socket, raw *hub.Port, from, to Addr, port uint8) *Socket {
	t.Helper()
	inject(t, raw, from, to, Packet{Header: MakeHeader(FrameConnect, port, 0)})
	srv, err := ls.Accept(testCtx(t))
	require.NoError(t, err)
	resp := expectPacket(t, raw, to, FrameConnect)
	require.Equal(t, uint8(ConnResponse|ConnConnected), resp.Flags)
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

// connectPair connects a stream client on b to a listener on a.
func connectPair(t *testing.T, a, b *Interface, port uint8) (srv, cli *Socket) {
	t.Helper()
	ls := listen(t, a, port)
	accepted := make(chan *Socket, 1)
	errc := make(chan error, 1)
	ctx := testCtx(t)
	go func() {
		s, err := ls.Accept(ctx)
		if err != nil {
			errc <- err
			return
		}
		accepted <- s
	}()
	cli, err := b.NewSocket(Stream)
	require.NoError(t, err)
	require.NoError(t, cli.Connect(ctx, SockAddr{Addr: a.Status().Addr, Port: port}))
	select {
	case srv = <-accepted:
	case err := <-errc:
		t.Fatalf("accept: %v", err)
	case <-time.After(waitLong):
		t.Fatal("accept did not return")
	}
	t.Cleanup(func() { _ = cli.Close(); _ = srv.Close() })
	return srv, cli
}

func seq(n int) []byte {
	b := make([]byte, n)
	for k := range b {
		b[k] = byte(k*7 + 1)
	}
	return b
}
