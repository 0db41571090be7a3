package cannet

import (
	"errors"

	"github.com/kstaniek/go-cannet/internal/cannetbuf"
)

var (
	ErrTimeout          = errors.New("cannet: timeout")
	ErrCRCMismatch      = errors.New("cannet: crc mismatch")
	ErrSizeMismatch     = errors.New("cannet: size mismatch")
	ErrSequenceMismatch = errors.New("cannet: sequence mismatch")
	ErrPortUnavailable  = errors.New("cannet: port unavailable")
	ErrBufferFull       = cannetbuf.ErrFull
	ErrNotConnected     = errors.New("cannet: socket not connected")
	ErrNotBound         = errors.New("cannet: socket not bound")
	ErrConnRefused      = errors.New("cannet: connection refused")
	ErrConnAborted      = errors.New("cannet: connection aborted by peer")
	ErrInvalidPort      = errors.New("cannet: invalid port")
	ErrInvalidAddr      = errors.New("cannet: invalid address")
	ErrProtocol         = errors.New("cannet: operation not supported by protocol")
	ErrShutdown         = errors.New("cannet: socket shut down")
	ErrMessageSize      = errors.New("cannet: message too long")
	ErrInterfaceDown    = errors.New("cannet: interface down")
	ErrAlreadyUp        = errors.New("cannet: interface already up")
	ErrTooManySockets   = errors.New("cannet: socket table full")
	ErrClosed           = errors.New("cannet: use of closed socket")
	ErrUnknownHost      = errors.New("cannet: unknown host")
	ErrMalformed        = errors.New("cannet: malformed frame")
	ErrBusy             = errors.New("cannet: socket busy")
)
