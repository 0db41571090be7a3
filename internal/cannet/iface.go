// Package cannet implements the CANNET transport: connection-oriented and
// datagram sockets carried over raw extended CAN frames.
//
// An Interface owns one can.Device. A single input goroutine reads the device
// and dispatches frames to sockets; API calls transmit synchronously and wait
// on per-socket answer queues. One mutex per interface guards the socket
// table, socket state and buffer chains.
package cannet

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-cannet/internal/can"
	"github.com/kstaniek/go-cannet/internal/logging"
	"github.com/kstaniek/go-cannet/internal/metrics"
)

// State of an interface.
type State int

const (
	StateDown State = iota
	StateUp
)

func (s State) String() string {
	if s == StateUp {
		return "up"
	}
	return "down"
}

// Timeouts bound protocol waits.
type Timeouts struct {
	Connection time.Duration // per connect try
	Ack        time.Duration // per payload try
	Stat       time.Duration // per stat try
	InputRecv  time.Duration // device read bound in the input goroutine
	DeviceSend time.Duration // device write bound
}

// DefaultTimeouts returns the protocol defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connection: 250 * time.Millisecond,
		Ack:        500 * time.Millisecond,
		Stat:       500 * time.Millisecond,
		InputRecv:  1000 * time.Millisecond,
		DeviceSend: 2000 * time.Millisecond,
	}
}

const (
	DefaultMaxSockets      = 16
	DefaultBufferSize      = 1024
	DefaultSendRepetitions = 3

	connectTries = 3
	statTries    = 3
	payloadTries = 3

	deinitWait = 2 * time.Second
)

// Config is applied by Up.
type Config struct {
	Addr Addr
}

// Status is a point-in-time view of an interface.
type Status struct {
	State     State
	Addr      Addr
	MTU       int
	RxPackets uint64
	TxPackets uint64
	RxBytes   uint64
	TxBytes   uint64
}

// Option configures an Interface.
type Option func(*Interface)

func WithLogger(l *slog.Logger) Option { return func(i *Interface) { i.log = l } }

// WithMaxSockets bounds the socket table.
func WithMaxSockets(n int) Option {
	return func(i *Interface) {
		if n > 0 {
			i.maxSockets = n
		}
	}
}

// WithBufferSize sets the per-socket buffer chain capacity, which is also the MTU.
func WithBufferSize(n int) Option {
	return func(i *Interface) {
		if n > 0 {
			i.bufSize = n
		}
	}
}

// WithTimeouts overrides protocol timeouts; zero fields keep their default.
func WithTimeouts(t Timeouts) Option {
	return func(i *Interface) {
		if t.Connection > 0 {
			i.timeouts.Connection = t.Connection
		}
		if t.Ack > 0 {
			i.timeouts.Ack = t.Ack
		}
		if t.Stat > 0 {
			i.timeouts.Stat = t.Stat
		}
		if t.InputRecv > 0 {
			i.timeouts.InputRecv = t.InputRecv
		}
		if t.DeviceSend > 0 {
			i.timeouts.DeviceSend = t.DeviceSend
		}
	}
}

// WithSendRepetitions sets how many times a failed device write is attempted.
func WithSendRepetitions(n int) Option {
	return func(i *Interface) {
		if n > 0 {
			i.sendReps = n
		}
	}
}

// WithResolver appends a name resolver consulted by GetHostByName.
func WithResolver(r Resolver) Option {
	return func(i *Interface) {
		if r != nil {
			i.resolvers = append(i.resolvers, r)
		}
	}
}

// Interface is one CANNET network interface bound to a CAN device.
type Interface struct {
	dev        can.Device
	log        *slog.Logger
	timeouts   Timeouts
	maxSockets int
	bufSize    int
	sendReps   int
	resolvers  []Resolver

	mu    sync.Mutex
	state State
	addr  Addr
	slots []*Socket

	txMu sync.Mutex

	run  atomic.Bool
	done chan struct{}
	once sync.Once

	rxPackets atomic.Uint64
	txPackets atomic.Uint64
	rxBytes   atomic.Uint64
	txBytes   atomic.Uint64
}

// Init creates an interface on dev and starts its input goroutine. The
// interface starts down; call Up to assign an address.
func Init(dev can.Device, opts ...Option) (*Interface, error) {
	if dev == nil {
		return nil, errors.New("cannet: nil device")
	}
	i := &Interface{
		dev:        dev,
		log:        logging.L(),
		timeouts:   DefaultTimeouts(),
		maxSockets: DefaultMaxSockets,
		bufSize:    DefaultBufferSize,
		sendReps:   DefaultSendRepetitions,
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(i)
	}
	i.slots = make([]*Socket, i.maxSockets)
	if rs, ok := dev.(can.RecvTimeoutSetter); ok {
		if err := rs.SetRecvTimeout(i.timeouts.InputRecv); err != nil {
			return nil, fmt.Errorf("cannet: set recv timeout: %w", err)
		}
	}
	if ss, ok := dev.(can.SendTimeoutSetter); ok {
		if err := ss.SetSendTimeout(i.timeouts.DeviceSend); err != nil {
			return nil, fmt.Errorf("cannet: set send timeout: %w", err)
		}
	}
	i.run.Store(true)
	go i.inputLoop()
	i.log.Info("cannet_init", "max_sockets", i.maxSockets, "buffer_size", i.bufSize)
	return i, nil
}

// Deinit stops the input goroutine and closes the device. Sockets still open
// are disconnected locally.
func (i *Interface) Deinit() error {
	var err error
	i.once.Do(func() {
		i.mu.Lock()
		i.state = StateDown
		for _, s := range i.slots {
			if s != nil {
				s.dropLocked()
			}
		}
		i.mu.Unlock()
		i.run.Store(false)
		err = i.dev.Close()
		select {
		case <-i.done:
		case <-time.After(deinitWait):
			i.log.Warn("cannet_input_stop_timeout")
		}
		i.log.Info("cannet_deinit")
	})
	return err
}

// Up assigns the bus address and installs acceptance filters for it.
func (i *Interface) Up(cfg Config) error {
	if cfg.Addr == AddrAny || cfg.Addr == AddrBroadcast || !cfg.Addr.Valid() {
		return fmt.Errorf("%w: %v", ErrInvalidAddr, cfg.Addr)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == StateUp {
		return ErrAlreadyUp
	}
	if fs, ok := i.dev.(can.FilterSetter); ok {
		if err := fs.SetFilters(Filters(cfg.Addr)...); err != nil {
			metrics.IncError(metrics.ErrInterfaceControl)
			return fmt.Errorf("cannet: set filters: %w", err)
		}
	}
	i.addr = cfg.Addr
	i.state = StateUp
	i.log.Info("cannet_up", "addr", cfg.Addr)
	return nil
}

// Down stops frame handling. Registered sockets stay registered.
func (i *Interface) Down() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == StateDown {
		return nil
	}
	i.state = StateDown
	i.log.Info("cannet_down", "addr", i.addr)
	return nil
}

// Status reports state, address, MTU and traffic counters.
func (i *Interface) Status() Status {
	i.mu.Lock()
	st := Status{State: i.state, Addr: i.addr, MTU: i.bufSize}
	i.mu.Unlock()
	st.RxPackets = i.rxPackets.Load()
	st.TxPackets = i.txPackets.Load()
	st.RxBytes = i.rxBytes.Load()
	st.TxBytes = i.txBytes.Load()
	return st
}

// MTU is the largest datagram accepted by SendTo.
func (i *Interface) MTU() int { return i.bufSize }

// register places s in the socket table as (remote, port). Caller holds mu.
func (i *Interface) registerLocked(s *Socket, remote Addr, port uint8) error {
	free := -1
	for n, o := range i.slots {
		if o == nil {
			if free < 0 {
				free = n
			}
			continue
		}
		if o == s {
			return nil
		}
		if o.port == port && o.remote == remote {
			return fmt.Errorf("%w: %v port %d", ErrPortUnavailable, remote, port)
		}
	}
	if free < 0 {
		return ErrTooManySockets
	}
	s.remote = remote
	s.port = port
	s.registered = true
	i.slots[free] = s
	metrics.AddSockets(1)
	i.log.Debug("cannet_socket_registered", "remote", remote, "port", port, "proto", s.proto)
	return nil
}

// unregisterLocked removes s from the socket table. Caller holds mu.
func (i *Interface) unregisterLocked(s *Socket) {
	if !s.registered {
		return
	}
	for n, o := range i.slots {
		if o == s {
			i.slots[n] = nil
			metrics.AddSockets(-1)
			break
		}
	}
	s.registered = false
	i.log.Debug("cannet_socket_unregistered", "remote", s.remote, "port", s.port)
}

// lookupLocked finds the socket for frames from src on port: an exact
// (src, port) registration first, then the (AddrAny, port) one.
func (i *Interface) lookupLocked(src Addr, port uint8) *Socket {
	var wildcard *Socket
	for _, s := range i.slots {
		if s == nil || s.port != port {
			continue
		}
		if s.remote == src {
			return s
		}
		if s.remote == AddrAny && wildcard == nil {
			wildcard = s
		}
	}
	return wildcard
}

func (i *Interface) exactLocked(src Addr, port uint8) *Socket {
	for _, s := range i.slots {
		if s != nil && s.port == port && s.remote == src {
			return s
		}
	}
	return nil
}

func (i *Interface) localAddr() Addr {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.addr
}
