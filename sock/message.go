package sock

import (
	"github.com/johnsiilver/sysio/fd"
	"github.com/johnsiilver/sysio/syserr"
	"golang.org/x/sys/unix"
)

// MsgFlags reports what happened to a received Message.
type MsgFlags uint8

const (
	// FlagTruncated means the payload did not fit in the Buffers and the rest was lost.
	FlagTruncated MsgFlags = 0x1
	// FlagFDTruncated means more descriptors were sent than MaxFDs. The extras were closed.
	FlagFDTruncated MsgFlags = 0x2
)

// Message is data plus attached descriptors.
type Message struct {
	// Buffers are sent in order, or filled in order on receive.
	Buffers [][]byte
	// FDs are the descriptors to send, or the ones received.
	FDs []*fd.Descriptor
	// MaxFDs is how many descriptors a receive will accept.
	MaxFDs int
	// Flags is set by a receive.
	Flags MsgFlags
}

// Len is the total size of the Buffers.
func (m *Message) Len() int {
	l := 0
	for _, b := range m.Buffers {
		l += len(b)
	}
	return l
}

// rights encodes m.FDs as an SCM_RIGHTS control message.
func (m *Message) rights() ([]byte, error) {
	if len(m.FDs) == 0 {
		return nil, nil
	}
	nums := make([]int, 0, len(m.FDs))
	for _, d := range m.FDs {
		if d == nil || d.Closed() {
			return nil, syserr.Errorf(syserr.InvalidHandle, "sock.sendmsg", "cannot attach a closed descriptor")
		}
		nums = append(nums, d.Num())
	}
	return unix.UnixRights(nums...), nil
}

// collect installs the descriptors in the control data into the table, closing any
// beyond MaxFDs.
func (m *Message) collect(oob []byte) error {
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return syserr.Errorf(syserr.TransportError, "sock.recvmsg", "malformed control message: %w", err)
	}

	var nums []int
	for i := range cmsgs {
		if cmsgs[i].Header.Level != unix.SOL_SOCKET || cmsgs[i].Header.Type != unix.SCM_RIGHTS {
			continue
		}
		fds, err := unix.ParseUnixRights(&cmsgs[i])
		if err != nil {
			continue
		}
		nums = append(nums, fds...)
	}

	t := fd.Default()
	for _, n := range nums {
		if len(m.FDs) >= m.MaxFDs {
			unix.Close(n)
			m.Flags |= FlagFDTruncated
			continue
		}
		received(n)
		m.FDs = append(m.FDs, t.Install(n, kindOf(n), "received"))
	}
	return nil
}

// kindOf works out what a received descriptor is.
func kindOf(n int) fd.Kind {
	var st unix.Stat_t
	if err := unix.Fstat(n, &st); err != nil {
		return fd.Unknown
	}

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFSOCK:
		t, err := unix.GetsockoptInt(n, unix.SOL_SOCKET, unix.SO_TYPE)
		if err == nil && t == unix.SOCK_DGRAM {
			return fd.DatagramSocket
		}
		return fd.StreamSocket
	case unix.S_IFIFO:
		fl, err := unix.FcntlInt(uintptr(n), unix.F_GETFL, 0)
		if err == nil && fl&unix.O_ACCMODE == unix.O_WRONLY {
			return fd.PipeWrite
		}
		return fd.PipeRead
	}
	return fd.File
}
