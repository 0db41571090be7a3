package main

import (
	"flag"
	"io"
	"testing"
	"time"

	"github.com/kstaniek/go-cannet/internal/cannet"
)

func validConfig() *appConfig {
	return &appConfig{
		backend:      backendSocketCAN,
		canIf:        "can0",
		serialDev:    "/dev/null",
		baud:         115200,
		serialReadTO: 10 * time.Millisecond,
		handshakeTO:  time.Second,
		addr:         "0x0a",
		maxSockets:   cannet.DefaultMaxSockets,
		bufferSize:   cannet.DefaultBufferSize,
		echoPort:     noEchoPort,
		logFormat:    "text",
		logLevel:     "info",
	}
}

func TestConfigValidate_OK(t *testing.T) {
	c := validConfig()
	c.hosts = "echo=0x20:1"
	if err := c.validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
	if c.busAddr != 0x0a {
		t.Fatalf("busAddr = %v", c.busAddr)
	}
	if got := c.hostTable["echo"]; got != (cannet.SockAddr{Addr: 0x20, Port: 1}) {
		t.Fatalf("host table entry = %v", got)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badBackend", func(c *appConfig) { c.backend = "x" }},
		{"noCanIf", func(c *appConfig) { c.canIf = "" }},
		{"badBaud", func(c *appConfig) { c.backend = backendSerial; c.baud = 0 }},
		{"badSerialTO", func(c *appConfig) { c.backend = backendSerial; c.serialReadTO = 0 }},
		{"noCnlAddr", func(c *appConfig) { c.backend = backendCannelloni }},
		{"badHandshake", func(c *appConfig) { c.backend = backendCannelloni; c.cnlAddr = "h:1"; c.handshakeTO = 0 }},
		{"badAddr", func(c *appConfig) { c.addr = "zz" }},
		{"anyAddr", func(c *appConfig) { c.addr = "0" }},
		{"broadcastAddr", func(c *appConfig) { c.addr = "0x3fff" }},
		{"bigAddr", func(c *appConfig) { c.addr = "0x4000" }},
		{"badSockets", func(c *appConfig) { c.maxSockets = 0 }},
		{"badBuffer", func(c *appConfig) { c.bufferSize = -1 }},
		{"badEchoPort", func(c *appConfig) { c.echoPort = 8 }},
		{"badHosts", func(c *appConfig) { c.hosts = "broken" }},
		{"badMetricsInterval", func(c *appConfig) { c.logMetricsEvery = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mod(c)
			if err := c.validate(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestParseFlags(t *testing.T) {
	fs := flag.NewFlagSet("cannetd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfg, showVersion, err := parseFlags(fs, []string{"-backend", "virtual", "-addr", "0x10", "-echo-port", "3"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if showVersion {
		t.Fatal("unexpected -version")
	}
	if cfg.backend != backendVirtual || cfg.busAddr != 0x10 || cfg.echoPort != 3 {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestParseFlags_Invalid(t *testing.T) {
	fs := flag.NewFlagSet("cannetd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if _, _, err := parseFlags(fs, []string{"-backend", "virtual", "-addr", "0"}); err == nil {
		t.Fatal("expected error for reserved address")
	}
}

func TestParseFlags_Version(t *testing.T) {
	fs := flag.NewFlagSet("cannetd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	_, showVersion, _ := parseFlags(fs, []string{"-version"})
	if !showVersion {
		t.Fatal("expected -version to be reported")
	}
}
