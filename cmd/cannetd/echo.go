package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-cannet/internal/cannet"
	"github.com/kstaniek/go-cannet/internal/metrics"
)

// sleepFn is a hook for tests.
var sleepFn = time.Sleep

// startEcho listens for stream connections on port and writes every
// received byte back to the sender. It returns once the listener is ready.
func startEcho(ctx context.Context, iface *cannet.Interface, port uint8, l *slog.Logger, wg *sync.WaitGroup) error {
	ls, err := iface.NewSocket(cannet.Stream)
	if err != nil {
		return err
	}
	if err := ls.Bind(cannet.SockAddr{Addr: cannet.AddrAny, Port: port}); err != nil {
		_ = ls.Close()
		return fmt.Errorf("echo bind: %w", err)
	}
	if err := ls.Listen(); err != nil {
		_ = ls.Close()
		return fmt.Errorf("echo listen: %w", err)
	}
	l.Info("echo_listening", "port", port)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("echo_end", "port", port)
		defer ls.Close()
		for {
			c, err := ls.Accept(ctx)
			if err != nil {
				if ctx.Err() != nil || acceptFatal(err) {
					return
				}
				metrics.IncError(metrics.ErrEchoService)
				l.Warn("echo_accept_error", "error", err)
				sleepFn(echoRetryPause)
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				serveEcho(ctx, c, l)
			}()
		}
	}()
	return nil
}

// acceptFatal reports errors after which the listener can no longer accept.
func acceptFatal(err error) bool {
	return errors.Is(err, cannet.ErrClosed) ||
		errors.Is(err, cannet.ErrConnAborted) ||
		errors.Is(err, cannet.ErrNotBound)
}

func serveEcho(ctx context.Context, c *cannet.Socket, l *slog.Logger) {
	defer c.Close()
	peer := c.Address()
	l.Debug("echo_session_start", "peer", peer.String())
	buf := make([]byte, echoBufSize)
	var total int
	for {
		n, err := c.Recv(ctx, buf, 0)
		if err != nil {
			if errors.Is(err, cannet.ErrTimeout) {
				continue
			}
			l.Debug("echo_session_end", "peer", peer.String(), "bytes", total, "reason", err)
			return
		}
		if _, err := c.Send(ctx, buf[:n], 0); err != nil {
			if ctx.Err() == nil {
				metrics.IncError(metrics.ErrEchoService)
				l.Warn("echo_send_error", "peer", peer.String(), "error", err)
			}
			return
		}
		total += n
	}
}
