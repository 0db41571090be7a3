package mdns

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/grandcat/zeroconf"

	"github.com/kstaniek/go-cannet/internal/cannet"
)

func TestTXTRoundTrip(t *testing.T) {
	s := Service{Instance: "echo", Addr: cannet.SockAddr{Addr: 0x0123, Port: 2}, Meta: []string{"backend=virtual"}}
	txt := s.TXT()
	if txt[0] != "addr=0x0123" || txt[1] != "port=2" || txt[2] != "backend=virtual" {
		t.Fatalf("unexpected txt %v", txt)
	}
	got, err := ParseTXT(txt)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != s.Addr {
		t.Fatalf("got %v want %v", got, s.Addr)
	}
}

func TestParseTXTErrors(t *testing.T) {
	for _, txt := range [][]string{
		nil,
		{"addr=0x10"},
		{"port=1"},
		{"addr=zz", "port=1"},
		{"addr=1", "port=9"},
	} {
		if _, err := ParseTXT(txt); err == nil {
			t.Fatalf("expected error for %v", txt)
		}
	}
}

func TestAdvertiseRequiresPort(t *testing.T) {
	if _, err := Advertise(context.Background(), Service{Instance: "x"}); err == nil {
		t.Fatalf("expected error without SRV port")
	}
}

func TestAdvertiseRegisterError(t *testing.T) {
	orig := register
	defer func() { register = orig }()
	var gotTXT []string
	register = func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
		if service != ServiceType || domain != Domain || port != 9100 {
			t.Fatalf("unexpected register args %s %s %d", service, domain, port)
		}
		gotTXT = text
		return nil, errors.New("no multicast")
	}
	_, err := Advertise(context.Background(), Service{Instance: "n", Addr: cannet.SockAddr{Addr: 5, Port: 1}, SRVPort: 9100})
	if err == nil {
		t.Fatalf("expected register error")
	}
	if len(gotTXT) != 2 || gotTXT[0] != "addr=0x0005" {
		t.Fatalf("unexpected txt %v", gotTXT)
	}
}
