package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/kstaniek/go-cannet/internal/cannet"
	"github.com/kstaniek/go-cannet/internal/mdns"
)

// advertise is a hook for tests.
var advertise = mdns.Advertise

// startMDNS publishes the daemon's bus address. The SRV record carries the
// metrics HTTP port, so advertising requires -metrics-addr.
func startMDNS(ctx context.Context, cfg *appConfig) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	srvPort, err := listenPort(cfg.metricsAddr)
	if err != nil {
		return nil, err
	}
	port := uint8(0)
	if cfg.echoPort != noEchoPort {
		port = uint8(cfg.echoPort)
	}
	return advertise(ctx, mdns.Service{
		Instance: instanceName(cfg),
		Addr:     cannet.SockAddr{Addr: cfg.busAddr, Port: port},
		SRVPort:  srvPort,
		Meta: []string{
			"backend=" + cfg.backend,
			"version=" + version,
			"commit=" + commit,
		},
	})
}

func instanceName(cfg *appConfig) string {
	if cfg.mdnsName != "" {
		return cfg.mdnsName
	}
	host, _ := os.Hostname()
	return fmt.Sprintf("cannetd-%s", host)
}

// listenPort extracts the numeric port of a host:port listen address.
func listenPort(addr string) (int, error) {
	if addr == "" {
		return 0, errors.New("mdns needs -metrics-addr for the SRV port")
	}
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("metrics-addr %q: %w", addr, err)
	}
	n, err := strconv.Atoi(p)
	if err != nil || n <= 0 || n > 65535 {
		return 0, fmt.Errorf("metrics-addr %q: invalid port", addr)
	}
	return n, nil
}
