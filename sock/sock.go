/*
Package sock provides Endpoint, a socket on top of the fd descriptor table, covering stream,
datagram and seqpacket sockets in the unix, IPv4 and IPv6 domains.

Endpoints block like the POSIX calls they wrap, but they block in the Go runtime's poller
rather than in the kernel. This means Close() from another goroutine wakes up an
Accept() or Recv() that is waiting, which then returns an error with code syserr.Closed.
Do not depend on the exact timing of that, it is inherently racy.

Stream sends may be partial, which is not an error. Datagram sends either send the whole
message or fail, with syserr.MessageTooLarge if it cannot fit.

Descriptors travel with Messages:

	m := &sock.Message{Buffers: [][]byte{[]byte("here")}, FDs: []*fd.Descriptor{w}}
	if _, err := ep.SendMsg(m); err != nil {
		// Do something.
	}
*/
package sock

import (
	"net"
	"time"

	"github.com/johnsiilver/sysio/fd"
	"github.com/johnsiilver/sysio/syserr"
	"golang.org/x/sys/unix"
)

// Domain is the address family of an Endpoint.
type Domain int8

const (
	// Unix is a local socket, AF_UNIX.
	Unix Domain = 1
	// Inet is IPv4.
	Inet Domain = 2
	// Inet6 is IPv6.
	Inet6 Domain = 3
)

func (d Domain) family() (int, error) {
	switch d {
	case Unix:
		return unix.AF_UNIX, nil
	case Inet:
		return unix.AF_INET, nil
	case Inet6:
		return unix.AF_INET6, nil
	}
	return 0, syserr.Errorf(syserr.ArgumentError, "sock.open", "unknown domain %d", d)
}

// Type is the kind of socket.
type Type int8

const (
	// Stream is a connection oriented byte stream.
	Stream Type = 1
	// Datagram is a connectionless, message oriented socket.
	Datagram Type = 2
	// SeqPacket is a connection oriented socket that keeps message boundaries.
	SeqPacket Type = 3
)

func (t Type) sotype() (int, error) {
	switch t {
	case Stream:
		return unix.SOCK_STREAM, nil
	case Datagram:
		return unix.SOCK_DGRAM, nil
	case SeqPacket:
		return unix.SOCK_SEQPACKET, nil
	}
	return 0, syserr.Errorf(syserr.ArgumentError, "sock.open", "unknown socket type %d", t)
}

func (t Type) kind() fd.Kind {
	if t == Datagram {
		return fd.DatagramSocket
	}
	return fd.StreamSocket
}

// How says which direction Shutdown() closes.
type How int8

const (
	// ShutRead stops receiving.
	ShutRead How = 1
	// ShutWrite stops sending; the peer sees end of stream.
	ShutWrite How = 2
	// ShutBoth is ShutRead and ShutWrite.
	ShutBoth How = 3
)

// Endpoint is a socket.
type Endpoint struct {
	d      *fd.Descriptor
	domain Domain
	typ    Type
}

// Open creates a socket. The descriptor gets the lowest free number.
func Open(domain Domain, typ Type) (*Endpoint, error) {
	family, err := domain.family()
	if err != nil {
		return nil, err
	}
	sotype, err := typ.sotype()
	if err != nil {
		return nil, err
	}

	num, err := socket(family, sotype)
	if err != nil {
		return nil, syserr.FromErrno("sock.open", err)
	}
	return &Endpoint{d: fd.Default().Install(num, typ.kind(), "socket"), domain: domain, typ: typ}, nil
}

// Pair returns two connected unix domain Endpoints.
func Pair(typ Type) (*Endpoint, *Endpoint, error) {
	sotype, err := typ.sotype()
	if err != nil {
		return nil, nil, err
	}

	nums, err := socketpair(sotype)
	if err != nil {
		return nil, nil, syserr.FromErrno("sock.pair", err)
	}
	t := fd.Default()
	a := &Endpoint{d: t.Install(nums[0], typ.kind(), "socketpair"), domain: Unix, typ: typ}
	b := &Endpoint{d: t.Install(nums[1], typ.kind(), "socketpair"), domain: Unix, typ: typ}
	return a, b, nil
}

// Wrap makes an Endpoint out of a socket descriptor, such as one received in a Message.
// The Endpoint takes ownership of d.
func Wrap(d *fd.Descriptor) (*Endpoint, error) {
	e := &Endpoint{d: d}
	var family, sotype int
	var ctlErr error
	err := d.Control(func(n int) {
		sotype, ctlErr = unix.GetsockoptInt(n, unix.SOL_SOCKET, unix.SO_TYPE)
		if ctlErr != nil {
			return
		}
		var sa unix.Sockaddr
		sa, ctlErr = unix.Getsockname(n)
		if ctlErr != nil {
			return
		}
		switch sa.(type) {
		case *unix.SockaddrUnix:
			family = unix.AF_UNIX
		case *unix.SockaddrInet4:
			family = unix.AF_INET
		case *unix.SockaddrInet6:
			family = unix.AF_INET6
		}
	})
	if err != nil {
		return nil, err
	}
	if ctlErr != nil {
		return nil, syserr.Errorf(syserr.InvalidHandle, "sock.wrap", "descriptor %d is not a socket: %w", d.Num(), ctlErr)
	}

	switch family {
	case unix.AF_UNIX:
		e.domain = Unix
	case unix.AF_INET:
		e.domain = Inet
	case unix.AF_INET6:
		e.domain = Inet6
	default:
		return nil, syserr.Errorf(syserr.ArgumentError, "sock.wrap", "descriptor %d has an unsupported address family", d.Num())
	}
	switch sotype {
	case unix.SOCK_STREAM:
		e.typ = Stream
	case unix.SOCK_DGRAM:
		e.typ = Datagram
	case unix.SOCK_SEQPACKET:
		e.typ = SeqPacket
	default:
		return nil, syserr.Errorf(syserr.ArgumentError, "sock.wrap", "descriptor %d has unsupported socket type %d", d.Num(), sotype)
	}
	return e, nil
}

// Descriptor returns the descriptor backing the Endpoint.
func (e *Endpoint) Descriptor() *fd.Descriptor {
	return e.d
}

// Num returns the descriptor number.
func (e *Endpoint) Num() int {
	return e.d.Num()
}

// Domain returns the address family.
func (e *Endpoint) Domain() Domain {
	return e.domain
}

// Type returns the socket type.
func (e *Endpoint) Type() Type {
	return e.typ
}

// Close closes the Endpoint. Calls blocked on it in other goroutines return an error with
// code syserr.Closed.
func (e *Endpoint) Close() error {
	return e.d.Close()
}

// mapErr classifies an error from the poller or a syscall on e.
func (e *Endpoint) mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if e.d.Closed() {
		return syserr.Errorf(syserr.Closed, op, "endpoint %d closed", e.d.Num())
	}
	return syserr.FromErrno(op, err)
}

// control runs f on the descriptor and returns its error, mapped.
func (e *Endpoint) control(op string, f func(n int) error) error {
	var ferr error
	if err := e.d.Control(func(n int) { ferr = f(n) }); err != nil {
		return e.mapErr(op, err)
	}
	return e.mapErr(op, ferr)
}

// Bind assigns a local address. addr must be a *net.UnixAddr, *net.TCPAddr or *net.UDPAddr
// matching the Endpoint's domain.
func (e *Endpoint) Bind(addr net.Addr) error {
	sa, err := sockaddr(e.domain, addr)
	if err != nil {
		return err
	}
	return e.control("sock.bind", func(n int) error { return unix.Bind(n, sa) })
}

// Listen marks the Endpoint as accepting connections.
func (e *Endpoint) Listen(backlog int) error {
	return e.control("sock.listen", func(n int) error { return unix.Listen(n, backlog) })
}

// Accept waits for the next connection. It fails with syserr.Closed if the Endpoint is
// closed while waiting.
func (e *Endpoint) Accept() (*Endpoint, net.Addr, error) {
	var num int
	var sa unix.Sockaddr
	err := e.readWait("sock.accept", time.Time{}, func(n int) error {
		var err error
		num, sa, err = accept(n)
		return err
	})
	if err != nil {
		return nil, nil, e.mapErr("sock.accept", err)
	}

	ne := &Endpoint{
		d:      fd.Default().Install(num, e.typ.kind(), "accept"),
		domain: e.domain,
		typ:    e.typ,
	}
	return ne, netAddr(e.typ, sa), nil
}

// Connect connects to addr, waiting for the connection to complete.
func (e *Endpoint) Connect(addr net.Addr) error {
	sa, err := sockaddr(e.domain, addr)
	if err != nil {
		return err
	}

	var connErr error
	if err := e.d.Control(func(n int) {
		for {
			connErr = unix.Connect(n, sa)
			if connErr != unix.EINTR {
				return
			}
		}
	}); err != nil {
		return e.mapErr("sock.connect", err)
	}
	switch connErr {
	case nil:
		return nil
	case unix.EINPROGRESS, unix.EALREADY:
	default:
		return e.connectErr(connErr)
	}

	connErr = nil
	err = e.writeWait("sock.connect", func(n int) error {
		soerr, err := unix.GetsockoptInt(n, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			connErr = err
			return nil
		}
		if soerr != 0 {
			connErr = unix.Errno(soerr)
			return nil
		}
		if _, err := unix.Getpeername(n); err != nil {
			// Still in progress.
			return unix.EAGAIN
		}
		return nil
	})
	if err != nil {
		return e.mapErr("sock.connect", err)
	}
	return e.connectErr(connErr)
}

// connectErr maps a failed connect(). A missing unix socket file means there is no peer,
// not a bad argument.
func (e *Endpoint) connectErr(err error) error {
	if err == nil || e.d.Closed() {
		return e.mapErr("sock.connect", err)
	}
	return syserr.FromErrnoAs("sock.connect", err, syserr.TransportError, unix.ENOENT, unix.ECONNREFUSED)
}

// LocalAddr returns the address the Endpoint is bound to.
func (e *Endpoint) LocalAddr() (net.Addr, error) {
	var sa unix.Sockaddr
	err := e.control("sock.getsockname", func(n int) error {
		var err error
		sa, err = unix.Getsockname(n)
		return err
	})
	if err != nil {
		return nil, err
	}
	return netAddr(e.typ, sa), nil
}

// Option returns an integer socket option, such as (unix.SOL_SOCKET, unix.SO_SNDBUF).
func (e *Endpoint) Option(level, name int) (int, error) {
	var v int
	err := e.control("sock.getsockopt", func(n int) error {
		var err error
		v, err = unix.GetsockoptInt(n, level, name)
		return err
	})
	return v, err
}

// SetOption sets an integer socket option.
func (e *Endpoint) SetOption(level, name, value int) error {
	return e.control("sock.setsockopt", func(n int) error {
		return unix.SetsockoptInt(n, level, name, value)
	})
}

// Shutdown closes one or both directions of the connection.
func (e *Endpoint) Shutdown(how How) error {
	var h int
	switch how {
	case ShutRead:
		h = unix.SHUT_RD
	case ShutWrite:
		h = unix.SHUT_WR
	case ShutBoth:
		h = unix.SHUT_RDWR
	default:
		return syserr.Errorf(syserr.ArgumentError, "sock.shutdown", "unknown direction %d", how)
	}
	return e.control("sock.shutdown", func(n int) error { return unix.Shutdown(n, h) })
}
