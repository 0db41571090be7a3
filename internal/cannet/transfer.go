package cannet

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/kstaniek/go-cannet/internal/can"
	"github.com/kstaniek/go-cannet/internal/metrics"
)

// Randomized 5..20 ms pause between repeated device writes.
const (
	sendRetryInterval   = 12500 * time.Microsecond
	sendRetryRandomness = 0.6
)

func (i *Interface) sendRetryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = sendRetryInterval
	b.RandomizationFactor = sendRetryRandomness
	b.Multiplier = 1
	b.MaxInterval = sendRetryInterval
	b.MaxElapsedTime = 0
	reps := i.sendReps
	if reps < 1 {
		reps = 1
	}
	return backoff.WithMaxRetries(b, uint64(reps-1))
}

// writeFrame transmits one frame, repeating on device error.
func (i *Interface) writeFrame(fr can.Frame) error {
	i.txMu.Lock()
	defer i.txMu.Unlock()
	err := backoff.Retry(func() error {
		if err := i.dev.WriteFrame(fr); err != nil {
			if errors.Is(err, can.ErrClosed) {
				return backoff.Permanent(err)
			}
			i.log.Debug("cannet_write_retry", "id", fr.ID(), "error", err)
			return err
		}
		return nil
	}, i.sendRetryPolicy())
	if err != nil {
		metrics.IncError(metrics.ErrDeviceWrite)
		i.log.Warn("cannet_write_error", "id", fr.ID(), "error", err)
		return err
	}
	i.txPackets.Add(1)
	i.txBytes.Add(uint64(fr.Len))
	metrics.AddTx(int(fr.Len))
	return nil
}

// writePacket encodes p from the local address to dst and transmits it.
func (i *Interface) writePacket(src, dst Addr, p Packet) error {
	fr, err := p.frame(src, dst)
	if err != nil {
		return err
	}
	return i.writeFrame(fr)
}

// writeTransfer segments data into single or first/next*/last frames. The
// first (or single) frame has sequence 0; each further frame increments it.
func (i *Interface) writeTransfer(src, dst Addr, port uint8, data []byte) error {
	if len(data) <= singleFrameMax {
		return i.writePacket(src, dst, Packet{Header: MakeHeader(FrameSingle, port, 0), Data: data})
	}
	if len(data) > 0xFFFF {
		return ErrMessageSize
	}
	first := Packet{
		Header: MakeHeader(FrameFirst, port, 0),
		Size:   uint16(len(data)),
		CRC:    CRC16(data),
		Data:   data[:firstFrameData],
	}
	if err := i.writePacket(src, dst, first); err != nil {
		return err
	}
	off := firstFrameData
	seq := uint8(1)
	for len(data)-off > nextFrameData {
		next := Packet{Header: MakeHeader(FrameNext, port, seq), Data: data[off : off+nextFrameData]}
		if err := i.writePacket(src, dst, next); err != nil {
			return err
		}
		off += nextFrameData
		seq = (seq + 1) & seqMask
	}
	return i.writePacket(src, dst, Packet{Header: MakeHeader(FrameLast, port, seq), Data: data[off:]})
}
