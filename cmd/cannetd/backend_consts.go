package main

import "time"

const (
	backendSocketCAN  = "socketcan"
	backendSerial     = "serial"
	backendCannelloni = "cannelloni"
	backendVirtual    = "virtual"

	dialBackoffMin = 20 * time.Millisecond
	dialBackoffMax = 500 * time.Millisecond
	dialRetries    = 5

	echoBufSize     = 256
	echoRetryPause  = 100 * time.Millisecond
	noEchoPort      = -1
)
