package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-cannet/internal/cannet"
	"github.com/kstaniek/go-cannet/internal/logging"
)

const envPrefix = "CANNET_"

type appConfig struct {
	backend         string
	canIf           string
	serialDev       string
	baud            int
	serialReadTO    time.Duration
	cnlAddr         string
	handshakeTO     time.Duration
	addr            string
	maxSockets      int
	bufferSize      int
	echoPort        int
	hosts           string
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string

	// filled by validate
	busAddr   cannet.Addr
	hostTable cannet.HostTable
}

// parseFlags parses args into a validated config. The bool reports -version.
func parseFlags(fs *flag.FlagSet, args []string) (*appConfig, bool, error) {
	cfg := &appConfig{}
	fs.StringVar(&cfg.backend, "backend", backendSocketCAN, "CAN backend: socketcan|serial|cannelloni|virtual")
	fs.StringVar(&cfg.canIf, "can-if", "can0", "SocketCAN interface (when --backend=socketcan)")
	fs.StringVar(&cfg.serialDev, "serial", "/dev/ttyUSB0", "Serial device path (when --backend=serial)")
	fs.IntVar(&cfg.baud, "baud", 115200, "Serial baud rate")
	fs.DurationVar(&cfg.serialReadTO, "serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	fs.StringVar(&cfg.cnlAddr, "cannelloni-addr", "", "Cannelloni server host:port (when --backend=cannelloni)")
	fs.DurationVar(&cfg.handshakeTO, "handshake-timeout", 3*time.Second, "Cannelloni handshake timeout")
	fs.StringVar(&cfg.addr, "addr", "0x0001", "Own CANNET bus address (1..0x3ffe)")
	fs.IntVar(&cfg.maxSockets, "max-sockets", cannet.DefaultMaxSockets, "Socket table size")
	fs.IntVar(&cfg.bufferSize, "buffer-size", cannet.DefaultBufferSize, "Per-socket buffer size in bytes (MTU)")
	fs.IntVar(&cfg.echoPort, "echo-port", noEchoPort, "Run a stream echo service on this port (0..7, -1 disables)")
	fs.StringVar(&cfg.hosts, "hosts", "", "Static host table: name=addr:port,...")
	fs.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters and interface status")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Enable mDNS advertisement and name resolution")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default cannetd-<hostname>)")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}

	// Flags given on the command line take precedence over the environment.
	set := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = struct{}{} })
	if err := applyEnvOverrides(cfg, set); err != nil {
		return nil, *showVersion, fmt.Errorf("environment override: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, *showVersion, fmt.Errorf("configuration: %w", err)
	}
	return cfg, *showVersion, nil
}

// validate checks values and ranges and resolves the bus address and host
// table. It does not open devices.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	if _, err := logging.ParseLevel(c.logLevel); err != nil {
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case backendSocketCAN:
		if c.canIf == "" {
			return errors.New("can-if required for socketcan backend")
		}
	case backendSerial:
		if c.serialDev == "" {
			return errors.New("serial required for serial backend")
		}
		if c.baud <= 0 {
			return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
		}
		if c.serialReadTO <= 0 {
			return errors.New("serial-read-timeout must be > 0")
		}
	case backendCannelloni:
		if c.cnlAddr == "" {
			return errors.New("cannelloni-addr required for cannelloni backend")
		}
		if c.handshakeTO <= 0 {
			return errors.New("handshake-timeout must be > 0")
		}
	case backendVirtual:
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	a, err := cannet.ParseAddr(c.addr)
	if err != nil {
		return fmt.Errorf("invalid addr: %w", err)
	}
	if a == cannet.AddrAny || a == cannet.AddrBroadcast {
		return fmt.Errorf("invalid addr: %v is reserved", a)
	}
	c.busAddr = a
	if c.maxSockets <= 0 {
		return fmt.Errorf("max-sockets must be > 0 (got %d)", c.maxSockets)
	}
	if c.bufferSize <= 0 {
		return fmt.Errorf("buffer-size must be > 0 (got %d)", c.bufferSize)
	}
	if c.echoPort < noEchoPort || c.echoPort > cannet.MaxPort {
		return fmt.Errorf("echo-port must be in -1..%d (got %d)", cannet.MaxPort, c.echoPort)
	}
	if c.hosts != "" {
		t, err := cannet.ParseHostTable(c.hosts)
		if err != nil {
			return fmt.Errorf("invalid hosts: %w", err)
		}
		c.hostTable = t
	}
	if c.logMetricsEvery < 0 {
		return errors.New("log-metrics-interval must be >= 0")
	}
	return nil
}

// applyEnvOverrides maps CANNET_* environment variables onto fields whose
// flag was not set explicitly. Empty values are ignored. The first parse
// error is returned after all variables were considered.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	fail := func(key string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
		}
	}
	lookup := func(flagName, key string) (string, bool) {
		if _, ok := set[flagName]; ok {
			return "", false
		}
		v, ok := os.LookupEnv(envPrefix + key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	str := func(flagName, key string, dst *string) {
		if v, ok := lookup(flagName, key); ok {
			*dst = v
		}
	}
	num := func(flagName, key string, dst *int) {
		if v, ok := lookup(flagName, key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = n
		}
	}
	dur := func(flagName, key string, dst *time.Duration) {
		if v, ok := lookup(flagName, key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = d
		}
	}
	boolean := func(flagName, key string, dst *bool) {
		if v, ok := lookup(flagName, key); ok {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			}
		}
	}

	str("backend", "BACKEND", &c.backend)
	str("can-if", "IF", &c.canIf)
	str("serial", "SERIAL", &c.serialDev)
	num("baud", "BAUD", &c.baud)
	dur("serial-read-timeout", "SERIAL_READ_TIMEOUT", &c.serialReadTO)
	str("cannelloni-addr", "CANNELLONI_ADDR", &c.cnlAddr)
	dur("handshake-timeout", "HANDSHAKE_TIMEOUT", &c.handshakeTO)
	str("addr", "ADDR", &c.addr)
	num("max-sockets", "MAX_SOCKETS", &c.maxSockets)
	num("buffer-size", "BUFFER_SIZE", &c.bufferSize)
	num("echo-port", "ECHO_PORT", &c.echoPort)
	str("hosts", "HOSTS", &c.hosts)
	str("log-format", "LOG_FORMAT", &c.logFormat)
	str("log-level", "LOG_LEVEL", &c.logLevel)
	str("metrics-addr", "METRICS", &c.metricsAddr)
	dur("log-metrics-interval", "LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	boolean("mdns-enable", "MDNS_ENABLE", &c.mdnsEnable)
	str("mdns-name", "MDNS_NAME", &c.mdnsName)
	return firstErr
}
