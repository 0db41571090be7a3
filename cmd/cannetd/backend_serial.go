package main

import (
	"log/slog"
	"time"

	"github.com/kstaniek/go-cannet/internal/can"
	"github.com/kstaniek/go-cannet/internal/serial"
)

// openSerialDevice is a hook for tests.
var openSerialDevice = func(name string, baud int, readTO time.Duration) (can.Device, error) {
	d, err := serial.Open(name, baud, readTO)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func openSerialBackend(cfg *appConfig, l *slog.Logger) (can.Device, error) {
	dev, err := openSerialDevice(cfg.serialDev, cfg.baud, cfg.serialReadTO)
	if err != nil {
		return nil, err
	}
	l.Info("serial_backend", "port", cfg.serialDev, "baud", cfg.baud, "read_timeout", cfg.serialReadTO)
	return dev, nil
}
