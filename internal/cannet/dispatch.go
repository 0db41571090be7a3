package cannet

import (
	"errors"

	"github.com/kstaniek/go-cannet/internal/can"
	"github.com/kstaniek/go-cannet/internal/cannetbuf"
	"github.com/kstaniek/go-cannet/internal/metrics"
)

// answer is a control frame delivered to a socket waiting in the API path.
type answer struct {
	typ       FrameType
	src       Addr
	flags     uint8
	available uint16
}

// inputLoop is the only reader of the device.
func (i *Interface) inputLoop() {
	defer close(i.done)
	i.log.Debug("cannet_input_start")
	var fr can.Frame
	for i.run.Load() {
		if err := i.dev.ReadFrame(&fr); err != nil {
			if errors.Is(err, can.ErrTimeout) {
				continue
			}
			if i.run.Load() {
				metrics.IncError(metrics.ErrDeviceRead)
				i.log.Error("cannet_input_error", "error", err)
			}
			break
		}
		i.handleFrame(fr)
	}
	i.log.Debug("cannet_input_end")
}

func (i *Interface) handleFrame(fr can.Frame) {
	if !fr.Extended() || fr.Remote() || fr.Len < 1 || !IsCANNET(fr.ID()) {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != StateUp {
		metrics.IncDropped(metrics.DropInterfaceDown)
		return
	}
	i.rxPackets.Add(1)
	i.rxBytes.Add(uint64(fr.Len))
	metrics.AddRx(int(fr.Len))

	id := fr.ID()
	dst := DestinationAddr(id)
	if dst != i.addr && dst != AddrBroadcast {
		metrics.IncDropped(metrics.DropMisdirected)
		return
	}
	pkt, err := DecodePacket(fr.Payload())
	if err != nil {
		metrics.IncDropped(metrics.DropMalformed)
		i.log.Debug("cannet_frame_dropped", "reason", metrics.DropMalformed, "error", err)
		return
	}
	src := SourceAddr(id)
	broadcast := dst == AddrBroadcast
	// only next and last continue a transfer; every other frame opens one at 0
	if t := pkt.Header.Type(); t != FrameNext && t != FrameLast && pkt.Header.Seq() != 0 {
		metrics.IncDropped(metrics.DropSequence)
		i.log.Debug("cannet_frame_dropped", "reason", metrics.DropSequence, "src", src, "hdr", pkt.Header)
		return
	}
	if pkt.Header.Type() == FrameConnect {
		i.receivedConnect(src, pkt)
		return
	}

	s := i.lookupLocked(src, pkt.Header.Port())
	if s == nil {
		metrics.IncDropped(metrics.DropNoSocket)
		i.log.Debug("cannet_frame_dropped", "reason", metrics.DropNoSocket, "src", src, "hdr", pkt.Header)
		return
	}
	if s.proto == Stream {
		if broadcast {
			metrics.IncDropped(metrics.DropBroadcastStream)
			return
		}
		if s.state != sockConnected {
			metrics.IncDropped(metrics.DropNotConnected)
			return
		}
	}
	switch pkt.Header.Type() {
	case FrameFirst:
		s.receivedFirst(src, pkt)
	case FrameNext:
		s.receivedNext(src, pkt)
	case FrameLast:
		s.receivedLast(src, pkt)
	case FrameSingle:
		s.receivedSingle(src, pkt)
	case FrameDisconnect:
		s.receivedDisconnect()
	case FrameStat:
		s.receivedStat(src, pkt)
	case FrameAck:
		s.post(answer{typ: FrameAck, src: src, flags: pkt.Flags})
	}
}

// receivedConnect handles connection requests and responses. Requests are
// answered with RESPONSE alone when (src, port) already has a connection.
func (i *Interface) receivedConnect(src Addr, pkt Packet) {
	port := pkt.Header.Port()
	if pkt.Flags&ConnResponse != 0 {
		s := i.exactLocked(src, port)
		if s == nil || s.state != sockConnecting {
			metrics.IncDropped(metrics.DropNoSocket)
			return
		}
		s.post(answer{typ: FrameConnect, src: src, flags: pkt.Flags})
		return
	}
	if s := i.exactLocked(src, port); s != nil && s.proto == Stream {
		if s.state == sockConnected {
			i.log.Debug("cannet_connect_refused", "src", src, "port", port)
			_ = i.writePacket(i.addr, src, Packet{Header: MakeHeader(FrameConnect, port, 0), Flags: ConnResponse})
		}
		return
	}
	l := i.exactLocked(AddrAny, port)
	if l == nil || l.proto != Stream || l.state != sockListening {
		metrics.IncDropped(metrics.DropNoSocket)
		return
	}
	l.post(answer{typ: FrameConnect, src: src, flags: pkt.Flags})
}

func (s *Socket) post(a answer) {
	select {
	case s.answer <- a:
	default:
		s.iface.log.Debug("cannet_answer_dropped", "type", a.typ, "src", a.src)
	}
}

func (s *Socket) signalRx() {
	select {
	case s.rxReady <- struct{}{}:
	default:
	}
}

func (s *Socket) receivedFirst(src Addr, pkt Packet) {
	s.asm.Clear()
	s.asmSrc = src
	s.asmSize = pkt.Size
	s.asmCRC = pkt.CRC
	s.asmOverflow = false
	s.crcRx = CRC16Init()
	s.seqRx = 1
	s.assembling = true
	s.appendAsm(pkt.Data)
}

func (s *Socket) receivedNext(src Addr, pkt Packet) {
	if !s.assembling || pkt.Header.Seq() != s.seqRx || src != s.asmSrc {
		metrics.IncDropped(metrics.DropSequence)
		s.iface.log.Debug("cannet_frame_dropped", "reason", metrics.DropSequence, "hdr", pkt.Header, "want", s.seqRx)
		return
	}
	s.appendAsm(pkt.Data)
	s.seqRx = (s.seqRx + 1) & seqMask
}

func (s *Socket) appendAsm(p []byte) {
	s.crcRx = UpdateCRC16(s.crcRx, p)
	if s.asmOverflow {
		return
	}
	if _, err := s.asm.Write(p); err != nil {
		s.asmOverflow = true
	}
}

func (s *Socket) receivedLast(src Addr, pkt Packet) {
	if !s.assembling || pkt.Header.Seq() != s.seqRx || src != s.asmSrc {
		metrics.IncDropped(metrics.DropSequence)
		return
	}
	s.appendAsm(pkt.Data)
	s.assembling = false
	flags := uint8(AckOK)
	result := metrics.TransferOK
	switch {
	case s.asmOverflow:
		flags, result = AckBufferFull, metrics.TransferBufferFull
	case s.asm.Len() != int(s.asmSize):
		flags, result = AckCorrupted, metrics.TransferSize
	case CRC16Complete(s.crcRx) != s.asmCRC:
		flags, result = AckCorrupted, metrics.TransferCRC
	default:
		if err := cannetbuf.Move(s.rx, s.asm); err != nil {
			flags, result = AckBufferFull, metrics.TransferBufferFull
		}
	}
	s.asm.Clear()
	s.finishTransfer(src, pkt.Header.Port(), flags, result)
}

func (s *Socket) receivedSingle(src Addr, pkt Packet) {
	s.assembling = false
	flags := uint8(AckOK)
	result := metrics.TransferOK
	if _, err := s.rx.Write(pkt.Data); err != nil {
		flags, result = AckBufferFull, metrics.TransferBufferFull
	}
	s.finishTransfer(src, pkt.Header.Port(), flags, result)
}

// finishTransfer acks stream transfers and wakes readers on success.
// Datagram failures are dropped silently.
func (s *Socket) finishTransfer(src Addr, port uint8, flags uint8, result string) {
	metrics.IncTransfer(result)
	if flags == AckOK {
		s.lastSrc = src
		s.signalRx()
	} else {
		s.iface.log.Debug("cannet_transfer_failed", "src", src, "port", port, "result", result)
	}
	if s.proto == Stream {
		_ = s.iface.writePacket(s.iface.addr, src, Packet{Header: MakeHeader(FrameAck, port, 0), Flags: flags})
	}
}

func (s *Socket) receivedStat(src Addr, pkt Packet) {
	if pkt.Flags&StatResponse != 0 {
		s.post(answer{typ: FrameStat, src: src, flags: pkt.Flags, available: pkt.Available})
		return
	}
	avail := s.rx.Available()
	if s.shut&ShutRD != 0 {
		avail = 0
	}
	if avail > 0xFFFF {
		avail = 0xFFFF
	}
	_ = s.iface.writePacket(s.iface.addr, src, Packet{
		Header:    MakeHeader(FrameStat, pkt.Header.Port(), 0),
		Flags:     StatResponse,
		Available: uint16(avail),
	})
}

// receivedDisconnect tears the socket down locally without replying.
func (s *Socket) receivedDisconnect() {
	if s.proto != Stream {
		return
	}
	s.iface.log.Debug("cannet_peer_disconnect", "remote", s.remote, "port", s.port)
	s.asm.Clear()
	s.rx.Clear()
	s.assembling = false
	s.iface.unregisterLocked(s)
	s.state = sockDisconnected
	s.post(answer{typ: FrameDisconnect, src: s.remote})
	s.signalRx()
}
