package cannet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/kstaniek/go-cannet/internal/cannetbuf"
	"github.com/kstaniek/go-cannet/internal/metrics"
)

// Protocol selects the transfer mode of a socket.
type Protocol int

const (
	Datagram Protocol = iota
	Stream
)

func (p Protocol) String() string {
	switch p {
	case Datagram:
		return "datagram"
	case Stream:
		return "stream"
	}
	return fmt.Sprintf("protocol(%d)", int(p))
}

type sockState int

const (
	sockDisconnected sockState = iota
	sockConnecting
	sockConnected
	sockListening
)

// ShutdownHow selects the directions closed by Shutdown.
type ShutdownHow uint8

const (
	ShutRD ShutdownHow = 1 << iota
	ShutWR
	ShutRDWR = ShutRD | ShutWR
)

// Flags modify Send and Recv.
type Flags uint8

// FlagFreeBuf discards receive data left unread by the call.
const FlagFreeBuf Flags = 1 << 0

// SockAddr is a (bus address, port) pair.
type SockAddr struct {
	Addr Addr
	Port uint8
}

func (a SockAddr) String() string { return fmt.Sprintf("%v:%d", a.Addr, a.Port) }

// Backoff bounds while the peer advertises no receive space.
const (
	windowBackoffMin = 20 * time.Millisecond
	windowBackoffMax = 500 * time.Millisecond
)

// Socket is a CANNET endpoint. Datagram sockets are usable as soon as they are
// bound; stream sockets must Connect or come from Accept.
type Socket struct {
	iface *Interface
	proto Protocol

	// guarded by iface.mu
	state       sockState
	registered  bool
	bound       bool
	port        uint8
	remote      Addr
	shut        ShutdownHow
	recvTimeout time.Duration
	sendTimeout time.Duration
	lastSrc     Addr

	asm         *cannetbuf.Chain
	rx          *cannetbuf.Chain
	assembling  bool
	asmOverflow bool
	asmSrc      Addr
	asmSize     uint16
	asmCRC      uint16
	crcRx       uint16
	seqRx       uint8

	sendMu    sync.Mutex
	answer    chan answer
	rxReady   chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// NewSocket creates an unregistered socket. Timeouts default to zero, which
// bounds waits by the context alone.
func (i *Interface) NewSocket(proto Protocol) (*Socket, error) {
	if proto != Datagram && proto != Stream {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, proto)
	}
	return i.newSocket(proto), nil
}

func (i *Interface) newSocket(proto Protocol) *Socket {
	s := &Socket{
		iface:   i,
		proto:   proto,
		asm:     cannetbuf.New(i.bufSize),
		rx:      cannetbuf.New(i.bufSize),
		answer:  make(chan answer, 1),
		rxReady: make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	if proto == Datagram {
		s.state = sockConnected
	}
	return s
}

func (s *Socket) Protocol() Protocol { return s.proto }

func (s *Socket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Close destroys the socket. A connected stream peer is sent a disconnect.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		i := s.iface
		i.mu.Lock()
		notify := s.proto == Stream && s.state == sockConnected && s.registered && i.state == StateUp
		local, remote, port := i.addr, s.remote, s.port
		i.unregisterLocked(s)
		s.resetLocked()
		i.mu.Unlock()
		close(s.closed)
		if notify {
			_ = i.writePacket(local, remote, Packet{Header: MakeHeader(FrameDisconnect, port, 0)})
		}
	})
	return nil
}

// resetLocked clears buffers and, for streams, the connection. Caller holds mu.
func (s *Socket) resetLocked() {
	s.asm.Clear()
	s.rx.Clear()
	s.assembling = false
	if s.proto == Stream {
		s.state = sockDisconnected
	}
}

// dropLocked detaches the socket when the interface goes away.
func (s *Socket) dropLocked() {
	s.iface.unregisterLocked(s)
	s.resetLocked()
	s.post(answer{typ: FrameDisconnect, src: s.remote})
	s.signalRx()
}

// Bind sets the local port. Datagram sockets are registered immediately and
// accept frames from addr.Addr (AddrAny accepts every sender).
func (s *Socket) Bind(addr SockAddr) error {
	if s.isClosed() {
		return ErrClosed
	}
	if addr.Port > MaxPort {
		return fmt.Errorf("%w: %d", ErrInvalidPort, addr.Port)
	}
	if !addr.Addr.Valid() {
		return fmt.Errorf("%w: %v", ErrInvalidAddr, addr.Addr)
	}
	i := s.iface
	i.mu.Lock()
	defer i.mu.Unlock()
	if s.bound || s.registered {
		return fmt.Errorf("%w: socket already bound", ErrPortUnavailable)
	}
	if s.proto == Datagram {
		if err := i.registerLocked(s, addr.Addr, addr.Port); err != nil {
			return err
		}
	} else {
		s.port = addr.Port
	}
	s.bound = true
	return nil
}

// Listen makes a bound stream socket accept connections on its port.
func (s *Socket) Listen() error {
	if s.isClosed() {
		return ErrClosed
	}
	if s.proto != Stream {
		return ErrProtocol
	}
	i := s.iface
	i.mu.Lock()
	defer i.mu.Unlock()
	if !s.bound {
		return ErrNotBound
	}
	if s.state != sockDisconnected {
		return ErrBusy
	}
	if err := i.registerLocked(s, AddrAny, s.port); err != nil {
		return err
	}
	s.state = sockListening
	i.log.Debug("cannet_listen", "port", s.port)
	return nil
}

// Accept waits for a connection request and returns the connected socket.
// The wait is bounded by the listener's receive timeout and ctx.
func (s *Socket) Accept(ctx context.Context) (*Socket, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	if s.proto != Stream {
		return nil, ErrProtocol
	}
	i := s.iface
	i.mu.Lock()
	if s.state != sockListening {
		i.mu.Unlock()
		return nil, fmt.Errorf("%w: socket not listening", ErrNotBound)
	}
	timeout := s.recvTimeout
	i.mu.Unlock()

	for {
		a, err := s.await(ctx, timeout, func(a answer) bool {
			return a.typ == FrameConnect && a.flags == 0
		})
		if err != nil {
			return nil, err
		}
		i.mu.Lock()
		if s.state != sockListening {
			i.mu.Unlock()
			return nil, fmt.Errorf("%w: socket not listening", ErrNotBound)
		}
		port, local := s.port, i.addr
		if ex := i.exactLocked(a.src, port); ex != nil {
			i.mu.Unlock()
			i.log.Debug("cannet_accept_duplicate", "src", a.src, "port", port)
			_ = i.writePacket(local, a.src, Packet{Header: MakeHeader(FrameConnect, port, 0), Flags: ConnResponse})
			continue
		}
		ns := i.newSocket(Stream)
		ns.recvTimeout = s.recvTimeout
		ns.sendTimeout = s.sendTimeout
		ns.bound = true
		if err := i.registerLocked(ns, a.src, port); err != nil {
			i.mu.Unlock()
			_ = i.writePacket(local, a.src, Packet{Header: MakeHeader(FrameConnect, port, 0), Flags: ConnResponse})
			return nil, err
		}
		ns.state = sockConnected
		i.mu.Unlock()
		if err := i.writePacket(local, a.src, Packet{
			Header: MakeHeader(FrameConnect, port, 0),
			Flags:  ConnResponse | ConnConnected,
		}); err != nil {
			_ = ns.Close()
			return nil, err
		}
		metrics.IncConnection(metrics.SideServer)
		i.log.Info("cannet_accepted", "remote", a.src, "port", port)
		return ns, nil
	}
}

// Connect opens a stream connection to addr, or sets the default peer of a
// datagram socket.
func (s *Socket) Connect(ctx context.Context, addr SockAddr) error {
	if s.isClosed() {
		return ErrClosed
	}
	if addr.Port > MaxPort {
		return fmt.Errorf("%w: %d", ErrInvalidPort, addr.Port)
	}
	if !addr.Addr.Valid() || addr.Addr == AddrAny {
		return fmt.Errorf("%w: %v", ErrInvalidAddr, addr.Addr)
	}
	i := s.iface
	i.mu.Lock()
	if i.state != StateUp {
		i.mu.Unlock()
		return ErrInterfaceDown
	}
	if s.proto == Datagram {
		defer i.mu.Unlock()
		i.unregisterLocked(s)
		if err := i.registerLocked(s, addr.Addr, addr.Port); err != nil {
			return err
		}
		s.bound = true
		return nil
	}
	if addr.Addr == AddrBroadcast {
		i.mu.Unlock()
		return fmt.Errorf("%w: stream to broadcast", ErrInvalidAddr)
	}
	if s.state != sockDisconnected {
		i.mu.Unlock()
		return ErrBusy
	}
	if err := i.registerLocked(s, addr.Addr, addr.Port); err != nil {
		i.mu.Unlock()
		return err
	}
	s.state = sockConnecting
	s.shut = 0
	local := i.addr
	i.mu.Unlock()

	err := s.handshake(ctx, local, addr)
	i.mu.Lock()
	if err != nil {
		i.unregisterLocked(s)
		s.state = sockDisconnected
	} else {
		s.state = sockConnected
	}
	i.mu.Unlock()
	if err != nil {
		i.log.Debug("cannet_connect_failed", "peer", addr, "error", err)
		return fmt.Errorf("cannet: connect %v: %w", addr, err)
	}
	metrics.IncConnection(metrics.SideClient)
	i.log.Info("cannet_connected", "peer", addr)
	return nil
}

func (s *Socket) handshake(ctx context.Context, local Addr, addr SockAddr) error {
	req := Packet{Header: MakeHeader(FrameConnect, addr.Port, 0)}
	var err error
	for try := 0; try < connectTries; try++ {
		s.drain()
		if err = s.iface.writePacket(local, addr.Addr, req); err != nil {
			return err
		}
		var a answer
		a, err = s.await(ctx, s.iface.timeouts.Connection, func(a answer) bool {
			return a.typ == FrameConnect && a.flags&ConnResponse != 0
		})
		if err == nil {
			if a.flags&ConnConnected == 0 {
				return ErrConnRefused
			}
			return nil
		}
		if !errors.Is(err, ErrTimeout) {
			return err
		}
	}
	return err
}

// Disconnect closes a stream connection, notifying the peer, or unregisters
// a datagram socket.
func (s *Socket) Disconnect() error {
	if s.isClosed() {
		return ErrClosed
	}
	i := s.iface
	i.mu.Lock()
	if s.proto == Stream && s.state != sockConnected {
		i.mu.Unlock()
		return ErrNotConnected
	}
	notify := s.proto == Stream && i.state == StateUp
	local, remote, port := i.addr, s.remote, s.port
	i.unregisterLocked(s)
	s.resetLocked()
	s.bound = false
	i.mu.Unlock()
	if notify {
		return i.writePacket(local, remote, Packet{Header: MakeHeader(FrameDisconnect, port, 0)})
	}
	return nil
}

// Shutdown disables reception, transmission or both. Pending receive data is
// discarded when reception is shut down.
func (s *Socket) Shutdown(how ShutdownHow) error {
	if s.isClosed() {
		return ErrClosed
	}
	if how&ShutRDWR == 0 {
		return fmt.Errorf("cannet: invalid shutdown mode %d", how)
	}
	i := s.iface
	i.mu.Lock()
	defer i.mu.Unlock()
	s.shut |= how & ShutRDWR
	if how&ShutRD != 0 {
		s.rx.Clear()
		s.signalRx()
	}
	return nil
}

// Send transmits p to the connected peer. Stream sends block until every
// byte is acknowledged; datagram sends are limited to the MTU.
func (s *Socket) Send(ctx context.Context, p []byte, flags Flags) (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	i := s.iface
	i.mu.Lock()
	if err := s.sendableLocked(); err != nil {
		i.mu.Unlock()
		return 0, err
	}
	if !s.registered {
		i.mu.Unlock()
		return 0, ErrNotBound
	}
	if s.proto == Datagram && s.remote == AddrAny {
		i.mu.Unlock()
		return 0, ErrNotConnected
	}
	local, dst, port, timeout := i.addr, s.remote, s.port, s.sendTimeout
	i.mu.Unlock()
	if s.proto == Datagram {
		return s.sendDatagram(local, dst, port, p)
	}
	return s.sendStream(ctx, local, dst, port, timeout, p)
}

// SendTo transmits a datagram to addr, registering an unbound socket for
// replies from addr. Stream sockets ignore addr and behave like Send.
func (s *Socket) SendTo(ctx context.Context, p []byte, flags Flags, addr SockAddr) (int, error) {
	if s.proto == Stream {
		return s.Send(ctx, p, flags)
	}
	if s.isClosed() {
		return 0, ErrClosed
	}
	if addr.Port > MaxPort {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPort, addr.Port)
	}
	if !addr.Addr.Valid() || addr.Addr == AddrAny {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAddr, addr.Addr)
	}
	i := s.iface
	i.mu.Lock()
	if err := s.sendableLocked(); err != nil {
		i.mu.Unlock()
		return 0, err
	}
	if !s.registered {
		if err := i.registerLocked(s, addr.Addr, addr.Port); err != nil {
			i.mu.Unlock()
			return 0, err
		}
		s.bound = true
	}
	local := i.addr
	i.mu.Unlock()
	return s.sendDatagram(local, addr.Addr, addr.Port, p)
}

func (s *Socket) sendableLocked() error {
	switch {
	case s.shut&ShutWR != 0:
		return ErrShutdown
	case s.iface.state != StateUp:
		return ErrInterfaceDown
	case s.state != sockConnected:
		return ErrNotConnected
	}
	return nil
}

func (s *Socket) sendDatagram(local, dst Addr, port uint8, p []byte) (int, error) {
	if len(p) > s.iface.bufSize {
		return 0, fmt.Errorf("%w: %d > %d", ErrMessageSize, len(p), s.iface.bufSize)
	}
	if err := s.iface.writeTransfer(local, dst, port, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// sendStream runs stat/data/ack cycles until p is delivered.
func (s *Socket) sendStream(ctx context.Context, local, dst Addr, port uint8, timeout time.Duration, p []byte) (int, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	sent := 0
	for sent < len(p) {
		avail, err := s.waitWindow(ctx, local, dst, port, timeout)
		if err != nil {
			return sent, err
		}
		n := min(avail, len(p)-sent, 0xFFFF)
		if err := s.sendAcked(ctx, local, dst, port, p[sent:sent+n]); err != nil {
			return sent, err
		}
		sent += n
	}
	return sent, nil
}

// waitWindow polls the peer with stat requests, backing off while it reports
// no free space. It gives up with ErrBufferFull after timeout (if set).
func (s *Socket) waitWindow(ctx context.Context, local, dst Addr, port uint8, timeout time.Duration) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = windowBackoffMin
	b.MaxInterval = windowBackoffMax
	b.MaxElapsedTime = timeout
	var avail int
	err := backoff.Retry(func() error {
		n, err := s.requestStat(ctx, local, dst, port)
		if err != nil {
			return backoff.Permanent(err)
		}
		if n == 0 {
			return ErrBufferFull
		}
		avail = n
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return 0, err
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	return avail, nil
}

func (s *Socket) requestStat(ctx context.Context, local, dst Addr, port uint8) (int, error) {
	req := Packet{Header: MakeHeader(FrameStat, port, 0)}
	for try := 0; try < statTries; try++ {
		s.drain()
		if err := s.iface.writePacket(local, dst, req); err != nil {
			return 0, err
		}
		a, err := s.await(ctx, s.iface.timeouts.Stat, func(a answer) bool {
			return a.typ == FrameStat && a.flags&StatResponse != 0
		})
		if err == nil {
			return int(a.available), nil
		}
		if !errors.Is(err, ErrTimeout) {
			return 0, err
		}
	}
	return 0, fmt.Errorf("%w: no stat response", ErrTimeout)
}

// sendAcked transmits one window and waits for its ack, resending the whole
// transfer on a failing or missing ack.
func (s *Socket) sendAcked(ctx context.Context, local, dst Addr, port uint8, p []byte) error {
	var err error
	for try := 0; try < payloadTries; try++ {
		if try > 0 {
			metrics.IncRetransmit()
			s.iface.log.Debug("cannet_retransmit", "peer", dst, "port", port, "try", try, "error", err)
		}
		s.drain()
		if werr := s.iface.writeTransfer(local, dst, port, p); werr != nil {
			return werr
		}
		a, aerr := s.await(ctx, s.iface.timeouts.Ack, func(a answer) bool { return a.typ == FrameAck })
		switch {
		case aerr == nil && a.flags == AckOK:
			return nil
		case aerr == nil && a.flags == AckBufferFull:
			err = ErrBufferFull
		case aerr == nil:
			err = ErrCRCMismatch
		case errors.Is(aerr, ErrTimeout):
			err = aerr
		default:
			return aerr
		}
	}
	return err
}

// Recv reads received bytes into p.
func (s *Socket) Recv(ctx context.Context, p []byte, flags Flags) (int, error) {
	n, _, err := s.RecvFrom(ctx, p, flags)
	return n, err
}

// RecvFrom reads received bytes into p and reports the sender of the latest
// completed transfer. It waits up to the receive timeout for data.
func (s *Socket) RecvFrom(ctx context.Context, p []byte, flags Flags) (int, SockAddr, error) {
	if s.isClosed() {
		return 0, SockAddr{}, ErrClosed
	}
	i := s.iface
	i.mu.Lock()
	timeout := s.recvTimeout
	i.mu.Unlock()
	var tc <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		tc = t.C
	}
	for {
		i.mu.Lock()
		switch {
		case s.shut&ShutRD != 0:
			i.mu.Unlock()
			return 0, SockAddr{}, ErrShutdown
		case s.state != sockConnected:
			i.mu.Unlock()
			return 0, SockAddr{}, ErrNotConnected
		case !s.registered:
			i.mu.Unlock()
			return 0, SockAddr{}, ErrNotBound
		}
		if s.rx.Len() > 0 {
			n, _ := s.rx.Read(p)
			if flags&FlagFreeBuf != 0 {
				s.rx.Clear()
			}
			from := SockAddr{Addr: s.lastSrc, Port: s.port}
			i.mu.Unlock()
			return n, from, nil
		}
		i.mu.Unlock()
		select {
		case <-s.rxReady:
		case <-tc:
			return 0, SockAddr{}, ErrTimeout
		case <-ctx.Done():
			return 0, SockAddr{}, ctx.Err()
		case <-s.closed:
			return 0, SockAddr{}, ErrClosed
		}
	}
}

func (s *Socket) SetRecvTimeout(d time.Duration) {
	s.iface.mu.Lock()
	s.recvTimeout = d
	s.iface.mu.Unlock()
}

func (s *Socket) RecvTimeout() time.Duration {
	s.iface.mu.Lock()
	defer s.iface.mu.Unlock()
	return s.recvTimeout
}

func (s *Socket) SetSendTimeout(d time.Duration) {
	s.iface.mu.Lock()
	s.sendTimeout = d
	s.iface.mu.Unlock()
}

func (s *Socket) SendTimeout() time.Duration {
	s.iface.mu.Lock()
	defer s.iface.mu.Unlock()
	return s.sendTimeout
}

// Address returns the remote address and port of the socket.
func (s *Socket) Address() SockAddr {
	s.iface.mu.Lock()
	defer s.iface.mu.Unlock()
	return SockAddr{Addr: s.remote, Port: s.port}
}

// Connected reports whether the socket can exchange data.
func (s *Socket) Connected() bool {
	s.iface.mu.Lock()
	defer s.iface.mu.Unlock()
	return s.state == sockConnected && s.registered
}

func (s *Socket) drain() {
	for {
		select {
		case <-s.answer:
		default:
			return
		}
	}
}

// await waits for an answer accepted by match. Non matching answers are
// discarded; a peer disconnect ends the wait with ErrConnAborted.
func (s *Socket) await(ctx context.Context, timeout time.Duration, match func(answer) bool) (answer, error) {
	var tc <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		tc = t.C
	}
	for {
		select {
		case a := <-s.answer:
			if a.typ == FrameDisconnect {
				return a, ErrConnAborted
			}
			if match(a) {
				return a, nil
			}
		case <-tc:
			return answer{}, ErrTimeout
		case <-ctx.Done():
			return answer{}, ctx.Err()
		case <-s.closed:
			return answer{}, ErrClosed
		}
	}
}
