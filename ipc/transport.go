package ipc

import (
	"errors"
	"time"

	"github.com/johnsiilver/sysio/fd"
	"github.com/johnsiilver/sysio/sock"
	"github.com/johnsiilver/sysio/syserr"

	log "github.com/golang/glog"
)

// Transport selects how frames are carried.
type Transport int8

const (
	// SeqPacket carries each frame as one packet, so the kernel keeps the boundaries.
	SeqPacket Transport = 1
	// Stream carries frames over a byte stream. Receives stage partial frames until the
	// rest arrives.
	Stream Transport = 2
)

func (t Transport) String() string {
	switch t {
	case SeqPacket:
		return "seqpacket"
	case Stream:
		return "stream"
	}
	return "unknown"
}

func (t Transport) sockType() (sock.Type, error) {
	switch t {
	case SeqPacket:
		return sock.SeqPacket, nil
	case Stream:
		return sock.Stream, nil
	}
	return 0, syserr.Errorf(syserr.ArgumentError, "ipc", "unknown transport %d", t)
}

// transport moves frames over a connected endpoint. send and recv are never called
// concurrently with themselves.
type transport interface {
	send(ep *sock.Endpoint, hdr []byte, m *sock.Message) error
	recv(ep *sock.Endpoint, hdr []byte, m *sock.Message, deadline time.Time) (int, error)
	// close releases anything staged.
	close()
}

func newTransport(t Transport, o options) transport {
	if t == Stream {
		return &streamTransport{maxFDs: o.maxFDs, maxSize: o.maxSize}
	}
	return &packetTransport{maxFDs: o.maxFDs}
}

// frame returns the buffers to send for m behind hdr.
func frame(hdr []byte, m *sock.Message) *sock.Message {
	bufs := make([][]byte, 0, len(m.Buffers)+1)
	bufs = append(bufs, hdr)
	bufs = append(bufs, m.Buffers...)
	return &sock.Message{Buffers: bufs, FDs: m.FDs}
}

func closeAll(fds []*fd.Descriptor) {
	for _, d := range fds {
		if err := d.Close(); err != nil {
			log.Errorf("ipc: could not close dropped descriptor %d: %s", d.Num(), err)
		}
	}
}

type packetTransport struct {
	maxFDs int
}

func (p *packetTransport) send(ep *sock.Endpoint, hdr []byte, m *sock.Message) error {
	out := frame(hdr, m)
	n, err := ep.SendMsg(out)
	if err != nil {
		return err
	}
	if n != out.Len() {
		return syserr.Errorf(syserr.TransportError, "ipc.send", "short packet write %d of %d bytes", n, out.Len())
	}
	return nil
}

func (p *packetTransport) recv(ep *sock.Endpoint, hdr []byte, m *sock.Message, deadline time.Time) (int, error) {
	in := frame(hdr, m)
	in.MaxFDs = p.maxFDs

	n, err := ep.RecvMsgDeadline(in, deadline)
	if err != nil {
		return 0, err
	}
	m.FDs = in.FDs
	m.Flags = in.Flags

	if n < headerSize {
		closeAll(m.FDs)
		m.FDs = nil
		return 0, syserr.Errorf(syserr.TransportError, "ipc.recv", "packet of %d bytes is shorter than a frame header", n)
	}
	h := decodeHeader(hdr)
	got := n - headerSize
	if int(h.fds) > len(m.FDs) {
		m.Flags |= sock.FlagFDTruncated
	}
	if m.Flags&sock.FlagTruncated != 0 || uint64(h.payload) > uint64(got) {
		m.Flags |= sock.FlagTruncated
		return got, syserr.Errorf(syserr.Truncated, "ipc.recv", "%d byte payload truncated to %d bytes", h.payload, got)
	}
	return got, nil
}

func (p *packetTransport) close() {}

// streamTransport keeps the receive state of a frame that has not fully arrived, so a
// deadline expiring in the middle of a frame loses nothing.
type streamTransport struct {
	maxFDs  int
	maxSize int

	hdr     [headerSize]byte
	hdrN    int
	h       header
	payload []byte
	payN    int
	fds     []*fd.Descriptor
	fdTrunc bool
}

func (s *streamTransport) send(ep *sock.Endpoint, hdr []byte, m *sock.Message) error {
	out := frame(hdr, m)
	total := out.Len()

	// Descriptors ride on the first write, which always starts with the header.
	n, err := ep.SendMsg(out)
	if err != nil {
		return err
	}
	sent := n
	bufs := advance(out.Buffers, n)
	for sent < total {
		n, err := ep.SendMsg(&sock.Message{Buffers: bufs})
		if err != nil {
			return syserr.Errorf(syserr.TransportError, "ipc.send", "stream broken after %d of %d bytes: %w", sent, total, err)
		}
		sent += n
		bufs = advance(bufs, n)
	}
	return nil
}

// advance drops the first n bytes from bufs.
func advance(bufs [][]byte, n int) [][]byte {
	for len(bufs) > 0 && n >= len(bufs[0]) {
		n -= len(bufs[0])
		bufs = bufs[1:]
	}
	if len(bufs) > 0 && n > 0 {
		nb := make([][]byte, len(bufs))
		copy(nb, bufs)
		nb[0] = nb[0][n:]
		bufs = nb
	}
	return bufs
}

func (s *streamTransport) read(ep *sock.Endpoint, b []byte, deadline time.Time) (int, error) {
	in := &sock.Message{Buffers: [][]byte{b}, MaxFDs: s.maxFDs - len(s.fds)}
	n, err := ep.RecvMsgDeadline(in, deadline)
	s.fds = append(s.fds, in.FDs...)
	if in.Flags&sock.FlagFDTruncated != 0 {
		s.fdTrunc = true
	}
	return n, err
}

func (s *streamTransport) recv(ep *sock.Endpoint, _ []byte, m *sock.Message, deadline time.Time) (int, error) {
	for s.hdrN < headerSize {
		n, err := s.read(ep, s.hdr[s.hdrN:], deadline)
		if err != nil {
			return 0, s.fail(err)
		}
		s.hdrN += n
		if s.hdrN == headerSize {
			s.h = decodeHeader(s.hdr[:])
			if s.maxSize > 0 && uint64(s.h.payload) > uint64(s.maxSize) {
				s.reset()
				return 0, syserr.Errorf(syserr.TransportError, "ipc.recv", "frame of %d bytes is over the %d byte limit", s.h.payload, s.maxSize)
			}
			if cap(s.payload) < int(s.h.payload) {
				s.payload = make([]byte, s.h.payload)
			}
			s.payload = s.payload[:s.h.payload]
			s.payN = 0
		}
	}

	for s.payN < len(s.payload) {
		n, err := s.read(ep, s.payload[s.payN:], deadline)
		if err != nil {
			return 0, s.fail(err)
		}
		s.payN += n
	}

	// The frame is complete, hand it over.
	got := 0
	rest := s.payload
	for _, b := range m.Buffers {
		c := copy(b, rest)
		got += c
		rest = rest[c:]
	}
	m.FDs = s.fds
	m.Flags = 0
	if s.fdTrunc || int(s.h.fds) > len(s.fds) {
		m.Flags |= sock.FlagFDTruncated
	}
	truncated := len(rest) > 0
	payload := s.h.payload

	s.fds = nil
	s.reset()

	if truncated {
		m.Flags |= sock.FlagTruncated
		return got, syserr.Errorf(syserr.Truncated, "ipc.recv", "%d byte payload truncated to %d bytes", payload, got)
	}
	return got, nil
}

// fail decides what a receive error does to the staged frame. A timeout keeps it, the
// peer closing mid frame or a broken stream discards it.
func (s *streamTransport) fail(err error) error {
	if errors.Is(err, syserr.ErrTimeout) {
		return err
	}
	if errors.Is(err, syserr.ErrPeerClosed) && (s.hdrN > 0 || len(s.fds) > 0) {
		err = syserr.Errorf(syserr.PeerClosed, "ipc.recv", "peer closed in the middle of a frame: %w", err)
	}
	s.reset()
	return err
}

func (s *streamTransport) reset() {
	closeAll(s.fds)
	s.fds = nil
	s.fdTrunc = false
	s.hdrN = 0
	s.payN = 0
	s.h = header{}
	s.payload = s.payload[:0]
}

func (s *streamTransport) close() {
	s.reset()
}
