// Package hub implements an in-process virtual CAN bus. Every attached Port is
// a can.Device; a frame written on one port is fanned out to all other ports
// whose acceptance filters match it.
package hub

import (
	"sync"
	"time"

	"github.com/kstaniek/go-cannet/internal/can"
	"github.com/kstaniek/go-cannet/internal/logging"
	"github.com/kstaniek/go-cannet/internal/metrics"
)

type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

const defaultOutBufSize = 256

// Port is one node attachment on the bus.
type Port struct {
	hub       *Hub
	Out       chan can.Frame
	Closed    chan struct{}
	closeOnce sync.Once

	mu          sync.RWMutex
	filters     []can.Filter
	recvTimeout time.Duration
}

type Hub struct {
	mu         sync.RWMutex
	ports      map[*Port]struct{}
	OutBufSize int
	Policy     BackpressurePolicy
}

// New creates a Hub with default settings.
func New() *Hub { return &Hub{ports: make(map[*Port]struct{})} }

// Attach creates a port connected to the bus.
func (h *Hub) Attach() *Port {
	size := h.OutBufSize
	if size <= 0 {
		size = defaultOutBufSize
	}
	p := &Port{hub: h, Out: make(chan can.Frame, size), Closed: make(chan struct{})}
	h.mu.Lock()
	prev := len(h.ports)
	h.ports[p] = struct{}{}
	h.mu.Unlock()
	if prev == 0 {
		logging.L().Debug("vbus_first_port_attached")
	}
	return p
}

// Remove detaches a port; safe to call multiple times.
func (h *Hub) Remove(p *Port) {
	h.mu.Lock()
	delete(h.ports, p)
	cur := len(h.ports)
	h.mu.Unlock()
	p.closeOnce.Do(func() { close(p.Closed) })
	if cur == 0 {
		logging.L().Debug("vbus_last_port_detached")
	}
}

// Broadcast delivers fr to every port except from, honoring each port's
// filters and the backpressure policy. from may be nil to inject a frame.
func (h *Hub) Broadcast(from *Port, fr can.Frame) {
	for _, p := range h.Snapshot() {
		if p == from || !p.accepts(fr) {
			continue
		}
		select {
		case <-p.Closed:
			continue
		default:
		}
		select {
		case p.Out <- fr:
		default:
			if h.Policy == PolicyKick {
				metrics.IncHubKick()
				h.Remove(p)
			} else {
				metrics.IncHubDrop()
			}
		}
	}
}

// Snapshot returns a slice copy of current ports (read-only use).
func (h *Hub) Snapshot() []*Port {
	h.mu.RLock()
	ports := make([]*Port, 0, len(h.ports))
	for p := range h.ports {
		ports = append(ports, p)
	}
	h.mu.RUnlock()
	return ports
}

// Count returns the number of attached ports.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.ports); h.mu.RUnlock(); return n }

func (p *Port) accepts(fr can.Frame) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return can.MatchAny(p.filters, fr)
}

// ReadFrame waits for the next frame, at most the receive timeout when one is set.
func (p *Port) ReadFrame(fr *can.Frame) error {
	p.mu.RLock()
	to := p.recvTimeout
	p.mu.RUnlock()
	var timeout <-chan time.Time
	if to > 0 {
		t := time.NewTimer(to)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case f := <-p.Out:
		*fr = f
		return nil
	case <-p.Closed:
		return can.ErrClosed
	case <-timeout:
		return can.ErrTimeout
	}
}

// WriteFrame puts fr on the bus.
func (p *Port) WriteFrame(fr can.Frame) error {
	select {
	case <-p.Closed:
		return can.ErrClosed
	default:
	}
	if fr.Len > can.MaxDataLen {
		return can.ErrInvalidLength
	}
	p.hub.Broadcast(p, fr)
	return nil
}

// Inject writes fr to every other port as if this port transmitted it, ignoring
// whether this port is closed. Handy for tests emulating a misbehaving node.
func (p *Port) Inject(fr can.Frame) { p.hub.Broadcast(p, fr) }

func (p *Port) SetFilters(filters ...can.Filter) error {
	p.mu.Lock()
	p.filters = append([]can.Filter(nil), filters...)
	p.mu.Unlock()
	return nil
}

func (p *Port) SetRecvTimeout(d time.Duration) error {
	p.mu.Lock()
	p.recvTimeout = d
	p.mu.Unlock()
	return nil
}

// Close detaches the port from its hub.
func (p *Port) Close() error {
	p.hub.Remove(p)
	return nil
}

var (
	_ can.Device            = (*Port)(nil)
	_ can.FilterSetter      = (*Port)(nil)
	_ can.RecvTimeoutSetter = (*Port)(nil)
)
