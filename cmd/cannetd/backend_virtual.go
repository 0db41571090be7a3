package main

import (
	"log/slog"

	"github.com/kstaniek/go-cannet/internal/can"
	"github.com/kstaniek/go-cannet/internal/hub"
)

// vbus is the in-process bus used by the virtual backend. Other nodes in the
// same process (tests, embedded tools) attach to it directly.
var vbus = hub.New()

func openVirtualBackend(cfg *appConfig, l *slog.Logger) (can.Device, error) {
	p := vbus.Attach()
	l.Info("virtual_backend", "ports", vbus.Count(), "addr", cfg.busAddr.String())
	return p, nil
}
