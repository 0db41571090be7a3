package cnl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const hello = "CANNELLONIv1"

// ErrBadHello is returned when the peer greets with anything but the hello string.
var ErrBadHello = errors.New("cannelloni: bad hello")

// Handshake exchanges the hello string in both directions within timeout.
// Either side may greet first, so the greeting is written concurrently with
// reading the peer's.
func Handshake(ctx context.Context, c net.Conn, timeout time.Duration) error {
	if err := c.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("cannelloni: set deadline: %w", err)
	}
	defer c.SetDeadline(time.Time{})
	// cancellation expires the deadline so the blocked read and write return
	stop := context.AfterFunc(ctx, func() { _ = c.SetDeadline(time.Now()) })
	defer stop()

	wrote := make(chan error, 1)
	go func() {
		_, err := io.WriteString(c, hello)
		wrote <- err
	}()
	peer := make([]byte, len(hello))
	_, rerr := io.ReadFull(c, peer)
	werr := <-wrote
	if err := ctx.Err(); err != nil {
		return err
	}
	switch {
	case rerr != nil:
		return fmt.Errorf("cannelloni: read hello: %w", rerr)
	case werr != nil:
		return fmt.Errorf("cannelloni: write hello: %w", werr)
	case string(peer) != hello:
		return fmt.Errorf("%w: %q", ErrBadHello, peer)
	}
	return nil
}
