// Package poll waits for readiness on a set of descriptors.
package poll

import (
	"time"

	"github.com/johnsiilver/sysio/syserr"
	"golang.org/x/sys/unix"
)

// Event is a set of readiness conditions.
type Event int16

const (
	// In means there is data to read, or a connection to accept.
	In Event = 0x1
	// Out means a write will not block.
	Out Event = 0x2
	// Err is an error condition. Always reported, it need not be requested.
	Err Event = 0x4
	// Hup means the peer hung up. Always reported.
	Hup Event = 0x8
	// Invalid means the descriptor is not open. Always reported.
	Invalid Event = 0x10
)

var mapping = []struct {
	ev  Event
	sys int16
}{
	{In, unix.POLLIN},
	{Out, unix.POLLOUT},
	{Err, unix.POLLERR},
	{Hup, unix.POLLHUP},
	{Invalid, unix.POLLNVAL},
}

func (e Event) sys() int16 {
	var s int16
	for _, m := range mapping {
		if e&m.ev != 0 {
			s |= m.sys
		}
	}
	return s
}

func fromSys(s int16) Event {
	var e Event
	for _, m := range mapping {
		if s&m.sys != 0 {
			e |= m.ev
		}
	}
	return e
}

// PollFd is one descriptor to watch.
type PollFd struct {
	// FD is the descriptor number. A negative FD is skipped.
	FD int
	// Events are the conditions to wait for.
	Events Event
	// Revents is set by Poll() to the conditions seen.
	Revents Event
}

// Numberer is anything backed by a descriptor, such as *fd.Descriptor, *sock.Endpoint or
// *ipc.Channel.
type Numberer interface {
	Num() int
}

// For returns a PollFd watching n for ev.
func For(n Numberer, ev Event) PollFd {
	return PollFd{FD: n.Num(), Events: ev}
}

// Poll waits until at least one of fds has a requested event, or timeoutMs milliseconds
// pass. A timeoutMs of 0 checks without waiting, a negative one waits forever. It returns
// the number of fds with events set in Revents, which is 0 if time ran out. On failure
// it returns -1 and the error.
//
// Poll blocks the calling goroutine's thread.
func Poll(fds []PollFd, timeoutMs int) (int, error) {
	sys := make([]unix.PollFd, len(fds))
	for i, p := range fds {
		sys[i] = unix.PollFd{Fd: int32(p.FD), Events: p.Events.sys()}
	}

	var deadline time.Time
	if timeoutMs > 0 {
		deadline = time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	}

	wait := timeoutMs
	for {
		n, err := unix.Poll(sys, wait)
		if err == nil {
			for i := range fds {
				fds[i].Revents = fromSys(sys[i].Revents)
			}
			return n, nil
		}
		if err != unix.EINTR {
			return -1, syserr.Errorf(syserr.Classify(err), "poll", "poll of %d descriptors failed: %w", len(fds), err)
		}
		if timeoutMs > 0 {
			wait = int(time.Until(deadline) / time.Millisecond)
			if wait <= 0 {
				wait = 0
			}
		}
	}
}
