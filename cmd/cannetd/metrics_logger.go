package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-cannet/internal/cannet"
	"github.com/kstaniek/go-cannet/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, status func() cannet.Status, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				logSnapshot(l, metrics.Snap(), status())
			case <-ctx.Done():
				return
			}
		}
	}()
}

func logSnapshot(l *slog.Logger, snap metrics.Snapshot, st cannet.Status) {
	l.Info("metrics_snapshot",
		"state", st.State.String(),
		"addr", st.Addr.String(),
		"rx_packets", st.RxPackets,
		"tx_packets", st.TxPackets,
		"rx_bytes", st.RxBytes,
		"tx_bytes", st.TxBytes,
		"dropped", snap.Dropped,
		"transfers_ok", snap.TransfersOK,
		"transfers_failed", snap.TransfersFailed,
		"retransmissions", snap.Retransmissions,
		"connections", snap.Connections,
		"sockets", snap.Sockets,
		"malformed", snap.Malformed,
		"errors", snap.Errors,
	)
}
