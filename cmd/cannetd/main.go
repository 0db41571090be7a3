// Command cannetd runs a CANNET node on a CAN backend and optionally serves a
// stream echo service, Prometheus metrics and an mDNS advertisement.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/kstaniek/go-cannet/internal/cannet"
	"github.com/kstaniek/go-cannet/internal/mdns"
	"github.com/kstaniek/go-cannet/internal/metrics"
)

func main() {
	cfg, showVersion, err := parseFlags(flag.CommandLine, os.Args[1:])
	if showVersion {
		fmt.Printf("cannetd %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigCh := make(chan os.Signal, 2)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case s := <-sigCh:
			l.Info("shutdown_signal", "signal", s.String())
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := run(ctx, cfg, l); err != nil {
		l.Error("cannetd_error", "error", err)
		os.Exit(1)
	}
}

// run brings the node up and blocks until ctx ends, then takes the interface
// down and releases the device.
func run(ctx context.Context, cfg *appConfig, l *slog.Logger) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dev, err := openBackend(ctx, cfg, l)
	if err != nil {
		return fmt.Errorf("backend init: %w", err)
	}
	opts := []cannet.Option{
		cannet.WithLogger(l),
		cannet.WithMaxSockets(cfg.maxSockets),
		cannet.WithBufferSize(cfg.bufferSize),
	}
	if len(cfg.hostTable) > 0 {
		opts = append(opts, cannet.WithResolver(cfg.hostTable))
	}
	if cfg.mdnsEnable {
		opts = append(opts, cannet.WithResolver(&mdns.Resolver{}))
	}
	iface, err := cannet.Init(dev, opts...)
	if err != nil {
		_ = dev.Close()
		return err
	}
	defer func() {
		if err := iface.Deinit(); err != nil {
			l.Warn("cannet_deinit_error", "error", err)
		}
	}()
	if err := iface.Up(cannet.Config{Addr: cfg.busAddr}); err != nil {
		return err
	}
	defer func() { _ = iface.Down() }()

	metrics.SetReadinessFunc(func() bool {
		return ctx.Err() == nil && iface.Status().State == cannet.StateUp
	})
	startMetricsLogger(ctx, cfg.logMetricsEvery, iface.Status, l, &wg)

	if cfg.echoPort != noEchoPort {
		if err := startEcho(ctx, iface, uint8(cfg.echoPort), l, &wg); err != nil {
			return err
		}
	}
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}
	if cfg.mdnsEnable {
		stop, err := startMDNS(ctx, cfg)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
		} else {
			defer stop()
		}
	}

	<-ctx.Done()
	l.Info("cannetd_stopping", "addr", cfg.busAddr.String())
	return nil
}
