package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-cannet/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	RxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cannet_rx_frames_total",
		Help: "Total CAN frames received by CANNET interfaces.",
	})
	TxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cannet_tx_frames_total",
		Help: "Total CAN frames transmitted by CANNET interfaces.",
	})
	RxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cannet_rx_bytes_total",
		Help: "Total CAN payload bytes received (including CANNET headers).",
	})
	TxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cannet_tx_bytes_total",
		Help: "Total CAN payload bytes transmitted (including CANNET headers).",
	})
	DroppedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cannet_dropped_frames_total",
		Help: "Received frames discarded by the dispatcher, by reason.",
	}, []string{"reason"})
	Transfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cannet_transfers_total",
		Help: "Completed inbound transfers by result.",
	}, []string{"result"})
	Retransmissions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cannet_retransmissions_total",
		Help: "Stream transfers sent again after a failed or missing ack.",
	})
	Connections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cannet_connections_total",
		Help: "Established stream connections by side (client|server).",
	}, []string{"side"})
	SocketsRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cannet_sockets_registered",
		Help: "Sockets currently present in interface port tables.",
	})
	VBusDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vbus_dropped_frames_total",
		Help: "Frames dropped by the virtual bus due to slow ports.",
	})
	VBusKickedPorts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vbus_kicked_ports_total",
		Help: "Ports detached from the virtual bus by the kick policy.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed wire frames (invalid length, checksum, truncated).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrDeviceRead       = "device_read"
	ErrDeviceWrite      = "device_write"
	ErrHandshake        = "handshake"
	ErrSerialRead       = "serial_read"
	ErrSerialWrite      = "serial_write"
	ErrSocketCANRead    = "socketcan_read"
	ErrSocketCANWrite   = "socketcan_write"
	ErrCannelloniRead   = "cannelloni_read"
	ErrCannelloniWrite  = "cannelloni_write"
	ErrCannelloniDial   = "cannelloni_dial"
	ErrEchoService      = "echo_service"
	ErrResolve          = "resolve"
	ErrInterfaceControl = "interface_control"
)

// Drop reasons.
const (
	DropMalformed       = "malformed"
	DropMisdirected     = "misdirected"
	DropNoSocket        = "no_socket"
	DropSequence        = "sequence"
	DropBroadcastStream = "broadcast_stream"
	DropNotConnected    = "not_connected"
	DropInterfaceDown   = "interface_down"
)

// Transfer results.
const (
	TransferOK         = "ok"
	TransferCRC        = "crc_mismatch"
	TransferSize       = "size_mismatch"
	TransferBufferFull = "buffer_full"
)

// Connection sides.
const (
	SideClient = "client"
	SideServer = "server"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localRxFrames   uint64
	localTxFrames   uint64
	localRxBytes    uint64
	localTxBytes    uint64
	localDropped    uint64
	localTransferOK uint64
	localTransferKO uint64
	localRetrans    uint64
	localConns      uint64
	localSockets    uint64
	localVBusDrop   uint64
	localVBusKick   uint64
	localErrors     uint64
	localMalformed  uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	RxFrames        uint64
	TxFrames        uint64
	RxBytes         uint64
	TxBytes         uint64
	Dropped         uint64 // sum across drop reasons
	TransfersOK     uint64
	TransfersFailed uint64
	Retransmissions uint64
	Connections     uint64
	Sockets         uint64
	VBusDrops       uint64
	VBusKicks       uint64
	Errors          uint64 // sum across error labels
	Malformed       uint64
}

func Snap() Snapshot {
	return Snapshot{
		RxFrames:        atomic.LoadUint64(&localRxFrames),
		TxFrames:        atomic.LoadUint64(&localTxFrames),
		RxBytes:         atomic.LoadUint64(&localRxBytes),
		TxBytes:         atomic.LoadUint64(&localTxBytes),
		Dropped:         atomic.LoadUint64(&localDropped),
		TransfersOK:     atomic.LoadUint64(&localTransferOK),
		TransfersFailed: atomic.LoadUint64(&localTransferKO),
		Retransmissions: atomic.LoadUint64(&localRetrans),
		Connections:     atomic.LoadUint64(&localConns),
		Sockets:         atomic.LoadUint64(&localSockets),
		VBusDrops:       atomic.LoadUint64(&localVBusDrop),
		VBusKicks:       atomic.LoadUint64(&localVBusKick),
		Errors:          atomic.LoadUint64(&localErrors),
		Malformed:       atomic.LoadUint64(&localMalformed),
	}
}

// AddRx records one received frame carrying n payload bytes.
func AddRx(n int) {
	RxFrames.Inc()
	RxBytes.Add(float64(n))
	atomic.AddUint64(&localRxFrames, 1)
	atomic.AddUint64(&localRxBytes, uint64(n))
}

// AddTx records one transmitted frame carrying n payload bytes.
func AddTx(n int) {
	TxFrames.Inc()
	TxBytes.Add(float64(n))
	atomic.AddUint64(&localTxFrames, 1)
	atomic.AddUint64(&localTxBytes, uint64(n))
}

func IncDropped(reason string) {
	DroppedFrames.WithLabelValues(reason).Inc()
	atomic.AddUint64(&localDropped, 1)
}

func IncTransfer(result string) {
	Transfers.WithLabelValues(result).Inc()
	if result == TransferOK {
		atomic.AddUint64(&localTransferOK, 1)
	} else {
		atomic.AddUint64(&localTransferKO, 1)
	}
}

func IncRetransmit() {
	Retransmissions.Inc()
	atomic.AddUint64(&localRetrans, 1)
}

func IncConnection(side string) {
	Connections.WithLabelValues(side).Inc()
	atomic.AddUint64(&localConns, 1)
}

// AddSockets adjusts the registered sockets gauge by delta.
func AddSockets(delta int) {
	SocketsRegistered.Add(float64(delta))
	if delta >= 0 {
		atomic.AddUint64(&localSockets, uint64(delta))
	} else {
		atomic.AddUint64(&localSockets, ^uint64(-delta-1))
	}
}

func IncHubDrop() {
	VBusDroppedFrames.Inc()
	atomic.AddUint64(&localVBusDrop, 1)
}

func IncHubKick() {
	VBusKickedPorts.Inc()
	atomic.AddUint64(&localVBusKick, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register label series so dashboards show zeroes before the first event.
	for _, lbl := range []string{
		ErrDeviceRead, ErrDeviceWrite, ErrHandshake,
		ErrSerialRead, ErrSerialWrite, ErrSocketCANRead, ErrSocketCANWrite,
		ErrCannelloniRead, ErrCannelloniWrite, ErrCannelloniDial, ErrEchoService, ErrResolve,
		ErrInterfaceControl,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for _, r := range []string{
		DropMalformed, DropMisdirected, DropNoSocket, DropSequence,
		DropBroadcastStream, DropNotConnected, DropInterfaceDown,
	} {
		DroppedFrames.WithLabelValues(r).Add(0)
	}
	for _, r := range []string{TransferOK, TransferCRC, TransferSize, TransferBufferFull} {
		Transfers.WithLabelValues(r).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
