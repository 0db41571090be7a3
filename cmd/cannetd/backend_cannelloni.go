package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/kstaniek/go-cannet/internal/can"
	"github.com/kstaniek/go-cannet/internal/cnl"
	"github.com/kstaniek/go-cannet/internal/metrics"
)

// dialCannelloni is a hook for tests.
var dialCannelloni = func(ctx context.Context, addr string, hsTimeout time.Duration) (can.Device, error) {
	c, err := cnl.Dial(ctx, addr, hsTimeout)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// openCannelloniBackend dials the remote cannelloni server, retrying with
// exponential backoff while the server is unreachable.
func openCannelloniBackend(ctx context.Context, cfg *appConfig, l *slog.Logger) (can.Device, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = dialBackoffMin
	eb.MaxInterval = dialBackoffMax
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, dialRetries), ctx)

	var dev can.Device
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		d, err := dialCannelloni(ctx, cfg.cnlAddr, cfg.handshakeTO)
		if err != nil {
			metrics.IncError(metrics.ErrCannelloniDial)
			l.Warn("cannelloni_dial_error", "addr", cfg.cnlAddr, "attempt", attempt, "error", err)
			return err
		}
		dev = d
		return nil
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("cannelloni %s: %w", cfg.cnlAddr, err)
	}
	l.Info("cannelloni_backend", "addr", cfg.cnlAddr, "attempts", attempt)
	return dev, nil
}
