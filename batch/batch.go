/*
Package batch sends and receives several messages in one call over anything with
message semantics, such as a *sock.Endpoint or an *ipc.Channel.

Messages are handled in order and a batch stops at the first one that fails. The count
returned is how many made it, so the caller can resubmit the rest:

	for len(entries) > 0 {
		k, err := batch.SendMulti(ch, entries)
		if err != nil {
			return err
		}
		entries = entries[k:]
	}

An error is only returned when not even the first message made it. If some did, the
error that stopped the batch will come back on the resubmission.
*/
package batch

import (
	"time"

	"github.com/johnsiilver/sysio/sock"
	"github.com/johnsiilver/sysio/syserr"

	log "github.com/golang/glog"
)

// Conn is a connection with message semantics.
type Conn interface {
	SendMsg(m *sock.Message) (int, error)
	RecvMsgDeadline(m *sock.Message, deadline time.Time) (int, error)
}

// Entry is one message in a batch.
type Entry struct {
	// Msg is the message to send or to receive into.
	Msg *sock.Message
	// Len is set to the bytes sent or received for Msg.
	Len int
}

// SendMulti sends entries in order until one fails or is only partly sent, which can
// happen on a stream socket. It returns how many entries were sent whole. The partly
// sent entry, if any, has its Len set to what was sent.
func SendMulti(c Conn, entries []Entry) (int, error) {
	for k := range entries {
		e := &entries[k]
		if e.Msg == nil {
			return fail(k, syserr.Errorf(syserr.ArgumentError, "batch.sendmulti", "entry %d has no message", k))
		}

		n, err := c.SendMsg(e.Msg)
		e.Len = n
		if err != nil {
			return fail(k, err)
		}
		if n < e.Msg.Len() {
			log.V(2).Infof("batch: entry %d partly sent, %d of %d bytes", k, n, e.Msg.Len())
			return k, nil
		}
	}
	return len(entries), nil
}

// RecvMulti receives messages into entries in order until all are filled, one fails
// or timeout runs out. The timeout covers the whole batch, a slow first message leaves
// less time for the rest. A nil timeout waits forever. Running out of time is not an
// error: the count of messages received, possibly zero, is returned with a nil error.
//
// A truncated message counts as received and does not stop the batch, its Msg.Flags
// has sock.FlagTruncated set.
func RecvMulti(c Conn, entries []Entry, timeout *time.Duration) (int, error) {
	var deadline time.Time
	if timeout != nil {
		if *timeout < 0 {
			return 0, syserr.Errorf(syserr.ArgumentError, "batch.recvmulti", "negative timeout %v", *timeout)
		}
		deadline = time.Now().Add(*timeout)
	}

	for k := range entries {
		e := &entries[k]
		if e.Msg == nil {
			return fail(k, syserr.Errorf(syserr.ArgumentError, "batch.recvmulti", "entry %d has no message", k))
		}

		n, err := c.RecvMsgDeadline(e.Msg, deadline)
		e.Len = n
		switch {
		case err == nil:
		case syserr.CodeOf(err) == syserr.Truncated:
			// Received, Msg.Flags says what was lost.
		case syserr.CodeOf(err) == syserr.Timeout:
			return k, nil
		default:
			return fail(k, err)
		}
	}
	return len(entries), nil
}

func fail(k int, err error) (int, error) {
	if k == 0 {
		return 0, err
	}
	log.V(2).Infof("batch: stopped after %d entries: %s", k, err)
	return k, nil
}
