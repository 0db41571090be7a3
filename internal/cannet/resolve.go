package cannet

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kstaniek/go-cannet/internal/metrics"
)

// Resolver maps a symbolic host name to a socket address.
type Resolver interface {
	LookupHost(ctx context.Context, name string) (SockAddr, error)
}

// HostTable is a static Resolver.
type HostTable map[string]SockAddr

func (t HostTable) LookupHost(_ context.Context, name string) (SockAddr, error) {
	if a, ok := t[name]; ok {
		return a, nil
	}
	return SockAddr{}, fmt.Errorf("%w: %s", ErrUnknownHost, name)
}

// ParseAddr parses a bus address in decimal or 0x-prefixed hex.
func ParseAddr(s string) (Addr, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 16)
	if err != nil || !Addr(v).Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAddr, s)
	}
	return Addr(v), nil
}

// ParsePort parses a port number 0..7.
func ParsePort(s string) (uint8, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 8)
	if err != nil || v > MaxPort {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPort, s)
	}
	return uint8(v), nil
}

// ParseSockAddr parses "addr:port".
func ParseSockAddr(s string) (SockAddr, error) {
	as, ps, ok := strings.Cut(s, ":")
	if !ok {
		return SockAddr{}, fmt.Errorf("%w: missing port in %q", ErrInvalidAddr, s)
	}
	a, err := ParseAddr(as)
	if err != nil {
		return SockAddr{}, err
	}
	p, err := ParsePort(ps)
	if err != nil {
		return SockAddr{}, err
	}
	return SockAddr{Addr: a, Port: p}, nil
}

// ParseHostTable parses "name=addr:port" entries separated by commas.
func ParseHostTable(s string) (HostTable, error) {
	t := HostTable{}
	for _, ent := range strings.Split(s, ",") {
		ent = strings.TrimSpace(ent)
		if ent == "" {
			continue
		}
		name, val, ok := strings.Cut(ent, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("cannet: bad host entry %q", ent)
		}
		a, err := ParseSockAddr(val)
		if err != nil {
			return nil, fmt.Errorf("cannet: host %s: %w", name, err)
		}
		t[name] = a
	}
	return t, nil
}

// GetHostByName resolves name through the configured resolvers in order.
func (i *Interface) GetHostByName(ctx context.Context, name string) (SockAddr, error) {
	if name == "" {
		return SockAddr{}, fmt.Errorf("%w: empty name", ErrUnknownHost)
	}
	var errs []error
	for _, r := range i.resolvers {
		a, err := r.LookupHost(ctx, name)
		if err == nil {
			return a, nil
		}
		if ctx.Err() != nil {
			return SockAddr{}, ctx.Err()
		}
		if !errors.Is(err, ErrUnknownHost) {
			metrics.IncError(metrics.ErrResolve)
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return SockAddr{}, fmt.Errorf("%w: %s", ErrUnknownHost, name)
	}
	return SockAddr{}, fmt.Errorf("%w: %s: %w", ErrUnknownHost, name, errors.Join(errs...))
}
