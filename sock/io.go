package sock

import (
	"time"

	"github.com/johnsiilver/sysio/syserr"
	"golang.org/x/sys/unix"
)

// readWait calls f until it returns something other than EAGAIN, parking in the runtime
// poller between calls. A zero deadline waits forever. Errors from f are returned as is,
// errors from waiting are mapped.
func (e *Endpoint) readWait(op string, deadline time.Time, f func(n int) error) error {
	file := e.d.File()
	rc, err := file.SyscallConn()
	if err != nil {
		return e.mapErr(op, err)
	}

	var ferr error
	if !deadline.IsZero() {
		// The poller refuses to even try once the deadline has passed, so an expired
		// deadline still gets one non-blocking attempt.
		if err := rc.Control(func(u uintptr) { ferr = retryEINTR(f, int(u)) }); err != nil {
			return e.mapErr(op, err)
		}
		if ferr != unix.EAGAIN {
			return ferr
		}
		if !time.Now().Before(deadline) {
			return syserr.Errorf(syserr.Timeout, op, "deadline exceeded on endpoint %d", e.d.Num())
		}
		if err := file.SetReadDeadline(deadline); err != nil {
			return e.mapErr(op, err)
		}
		defer file.SetReadDeadline(time.Time{})
	}

	err = rc.Read(func(u uintptr) bool {
		ferr = retryEINTR(f, int(u))
		return ferr != unix.EAGAIN
	})
	if err != nil {
		return e.mapErr(op, err)
	}
	return ferr
}

// writeWait is readWait for writes, without a deadline.
func (e *Endpoint) writeWait(op string, f func(n int) error) error {
	rc, err := e.d.File().SyscallConn()
	if err != nil {
		return e.mapErr(op, err)
	}

	var ferr error
	err = rc.Write(func(u uintptr) bool {
		ferr = retryEINTR(f, int(u))
		return ferr != unix.EAGAIN
	})
	if err != nil {
		return e.mapErr(op, err)
	}
	return ferr
}

func retryEINTR(f func(n int) error, n int) error {
	for {
		err := f(n)
		if err != unix.EINTR {
			return err
		}
	}
}

// Send sends b and returns how much was sent. On a stream socket that may be less than
// len(b). On a datagram socket it is all or an error.
func (e *Endpoint) Send(b []byte) (int, error) {
	var sent int
	err := e.writeWait("sock.send", func(n int) error {
		var err error
		sent, err = unix.SendmsgN(n, b, nil, nil, sendFlags)
		return err
	})
	if err != nil {
		return 0, e.mapErr("sock.send", err)
	}
	return sent, nil
}

// Recv receives into b. Any descriptors the peer attached are discarded.
func (e *Endpoint) Recv(b []byte) (int, error) {
	m := &Message{Buffers: [][]byte{b}}
	return e.RecvMsg(m)
}

// SendMsg sends the data in m.Buffers with m.FDs attached. The descriptors in m.FDs
// remain owned by the caller; the receiver gets its own copies.
func (e *Endpoint) SendMsg(m *Message) (int, error) {
	oob, err := m.rights()
	if err != nil {
		return 0, err
	}

	var sent int
	err = e.writeWait("sock.sendmsg", func(n int) error {
		var err error
		sent, err = unix.SendmsgBuffers(n, m.Buffers, oob, nil, sendFlags)
		return err
	})
	if err != nil {
		return 0, e.mapErr("sock.sendmsg", err)
	}
	return sent, nil
}

// RecvMsg waits for data and fills m. See RecvMsgDeadline().
func (e *Endpoint) RecvMsg(m *Message) (int, error) {
	return e.RecvMsgDeadline(m, time.Time{})
}

// RecvMsgDeadline receives into m.Buffers, accepting up to m.MaxFDs descriptors into
// m.FDs, which is replaced. m.Flags reports truncation. If no data arrives before
// deadline, it fails with syserr.Timeout. A zero deadline waits forever.
//
// On a connected endpoint, the peer closing is an error with code syserr.PeerClosed.
func (e *Endpoint) RecvMsgDeadline(m *Message, deadline time.Time) (int, error) {
	var oob []byte
	if m.MaxFDs > 0 {
		oob = make([]byte, unix.CmsgSpace(m.MaxFDs*4))
	}

	var got, oobn, rflags int
	err := e.readWait("sock.recvmsg", deadline, func(n int) error {
		var err error
		got, oobn, rflags, _, err = unix.RecvmsgBuffers(n, m.Buffers, oob, recvFlags)
		return err
	})
	if err != nil {
		return 0, e.mapErr("sock.recvmsg", err)
	}

	m.Flags = 0
	m.FDs = m.FDs[:0]
	if rflags&unix.MSG_TRUNC != 0 {
		m.Flags |= FlagTruncated
	}
	if rflags&unix.MSG_CTRUNC != 0 {
		m.Flags |= FlagFDTruncated
	}
	if oobn > 0 {
		if err := m.collect(oob[:oobn]); err != nil {
			return got, err
		}
	}

	if got == 0 && oobn == 0 && e.typ != Datagram && m.Len() > 0 {
		return 0, syserr.Errorf(syserr.PeerClosed, "sock.recvmsg", "peer closed endpoint %d", e.d.Num())
	}
	return got, nil
}
