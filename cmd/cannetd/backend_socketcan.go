package main

import (
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-cannet/internal/can"
	"github.com/kstaniek/go-cannet/internal/socketcan"
)

// openSocketCANDevice is a hook for tests.
var openSocketCANDevice = func(iface string) (can.Device, error) {
	d, err := socketcan.Open(iface)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func openSocketCANBackend(cfg *appConfig, l *slog.Logger) (can.Device, error) {
	dev, err := openSocketCANDevice(cfg.canIf)
	if err != nil {
		return nil, fmt.Errorf("socketcan open %s: %w", cfg.canIf, err)
	}
	l.Info("socketcan_open", "if", cfg.canIf)
	return dev, nil
}
