package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-cannet/internal/can"
)

// openBackend opens the CAN device selected by cfg.backend. The returned
// device is owned by the caller, which hands it to cannet.Init.
func openBackend(ctx context.Context, cfg *appConfig, l *slog.Logger) (can.Device, error) {
	switch cfg.backend {
	case backendSocketCAN:
		return openSocketCANBackend(cfg, l)
	case backendSerial:
		return openSerialBackend(cfg, l)
	case backendCannelloni:
		return openCannelloniBackend(ctx, cfg, l)
	case backendVirtual:
		return openVirtualBackend(cfg, l)
	default:
		return nil, fmt.Errorf("unknown backend %q (use socketcan|serial|cannelloni|virtual)", cfg.backend)
	}
}
