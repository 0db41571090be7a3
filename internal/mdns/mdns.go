// Package mdns advertises CANNET services on the local network and resolves
// service names to bus addresses using the same records.
package mdns

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/kstaniek/go-cannet/internal/cannet"
	"github.com/kstaniek/go-cannet/internal/logging"
	"github.com/kstaniek/go-cannet/internal/metrics"
)

const (
	ServiceType = "_cannet._tcp"
	Domain      = "local."

	defaultLookupTimeout = 2 * time.Second
)

// Service describes one advertised CANNET endpoint.
type Service struct {
	Instance string          // mDNS instance name, also the name resolved by GetHostByName
	Addr     cannet.SockAddr // bus address and port of the service
	SRVPort  int             // TCP port published in the SRV record (daemon metrics/HTTP port)
	Meta     []string        // extra TXT records
}

// TXT returns the TXT records for s.
func (s Service) TXT() []string {
	txt := []string{
		fmt.Sprintf("addr=0x%04x", uint16(s.Addr.Addr)),
		fmt.Sprintf("port=%d", s.Addr.Port),
	}
	return append(txt, s.Meta...)
}

// ParseTXT extracts the socket address from addr= and port= records.
func ParseTXT(txt []string) (cannet.SockAddr, error) {
	var as, ps string
	for _, rec := range txt {
		k, v, ok := strings.Cut(rec, "=")
		if !ok {
			continue
		}
		switch k {
		case "addr":
			as = v
		case "port":
			ps = v
		}
	}
	if as == "" || ps == "" {
		return cannet.SockAddr{}, errors.New("mdns: missing addr or port record")
	}
	return cannet.ParseSockAddr(as + ":" + ps)
}

// test hook
var register = zeroconf.Register

// Advertise registers s and keeps it published until ctx ends or the
// returned stop function is called.
func Advertise(ctx context.Context, s Service) (func(), error) {
	if s.SRVPort <= 0 {
		return nil, errors.New("mdns: SRV port required")
	}
	srv, err := register(s.Instance, ServiceType, Domain, s.SRVPort, s.TXT(), nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	logging.L().Info("mdns_started", "service", ServiceType, "name", s.Instance, "addr", s.Addr.String())
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
		case <-done:
		}
		srv.Shutdown()
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		<-stopped
	}, nil
}

// Resolver looks up CANNET service instances. It implements cannet.Resolver.
type Resolver struct {
	Timeout time.Duration
}

// LookupHost browses for the instance name and returns the socket address
// from its TXT records.
func (r *Resolver) LookupHost(ctx context.Context, name string) (cannet.SockAddr, error) {
	to := r.Timeout
	if to <= 0 {
		to = defaultLookupTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, to)
	defer cancel()
	res, err := zeroconf.NewResolver(nil)
	if err != nil {
		metrics.IncError(metrics.ErrResolve)
		return cannet.SockAddr{}, fmt.Errorf("mdns resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry, 4)
	if err := res.Lookup(ctx, name, ServiceType, Domain, entries); err != nil {
		return cannet.SockAddr{}, fmt.Errorf("mdns lookup: %w", err)
	}
	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return cannet.SockAddr{}, fmt.Errorf("%w: %s", cannet.ErrUnknownHost, name)
			}
			if e == nil || e.Instance != name {
				continue
			}
			a, err := ParseTXT(e.Text)
			if err != nil {
				logging.L().Debug("mdns_bad_record", "name", name, "error", err)
				continue
			}
			return a, nil
		case <-ctx.Done():
			return cannet.SockAddr{}, fmt.Errorf("%w: %s", cannet.ErrUnknownHost, name)
		}
	}
}

var _ cannet.Resolver = (*Resolver)(nil)
