/*
Package syserr holds the error taxonomy shared by the sysio packages.

Every failure carries a Code so callers can branch on the kind of failure without parsing
text:

	if _, err := ch.RecvMsg(&m); err != nil {
		switch {
		case errors.Is(err, syserr.ErrPeerClosed):
			// The other side went away.
		case syserr.CodeOf(err) == syserr.Truncated:
			// Our buffers were too small, m.Flags has FlagTruncated set.
		}
	}

Nothing in sysio retries on behalf of the caller. A TransportError means the channel or endpoint is
no longer usable and should be closed.
*/
package syserr

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	log "github.com/golang/glog"
)

// Code indicates the kind of failure.
type Code int8

const (
	// Unknown is an error that could not be classified.
	Unknown Code = 0
	// ArgumentError is malformed input detected before any OS-level action was taken.
	ArgumentError Code = 1
	// InvalidHandle is an operation on a descriptor or process that is not open/known.
	InvalidHandle Code = 2
	// ResourceExhausted means a descriptor, memory or process limit was hit.
	ResourceExhausted Code = 3
	// TransportError is a refused, reset or broken connection.
	TransportError Code = 4
	// Closed means the local endpoint was closed, possibly by another goroutine.
	Closed Code = 5
	// PeerClosed means the remote end closed before a full message arrived.
	PeerClosed Code = 6
	// Truncated means the receive buffers were smaller than the incoming payload.
	Truncated Code = 7
	// MessageTooLarge means a datagram or record exceeded what the transport can carry.
	MessageTooLarge Code = 8
	// SpawnFailed means the new process image could not be created.
	SpawnFailed Code = 9
	// Timeout means a deadline passed before the operation could complete.
	Timeout Code = 10
)

var codeNames = [...]string{
	"unknown",
	"argument error",
	"invalid handle",
	"resource exhausted",
	"transport error",
	"closed",
	"peer closed",
	"truncated",
	"message too large",
	"spawn failed",
	"timeout",
}

func (c Code) String() string {
	if int(c) < 0 || int(c) >= len(codeNames) {
		return fmt.Sprintf("Code(%d)", int(c))
	}
	return codeNames[c]
}

// Error is the structured error returned by all sysio operations.
type Error struct {
	// Code is the kind of failure.
	Code Code
	// Op is the operation that failed, like "spawn" or "ipc.recv".
	Op string
	// Msg is a human readable description.
	Msg string
	// Err is the underlying cause, often a syscall.Errno. May be nil.
	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

// Unwrap implements errors.Unwrap.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same Code and no Op set, which is the
// shape of the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Code == e.Code
}

// Sentinels for use with errors.Is().
var (
	ErrArgument          = &Error{Code: ArgumentError}
	ErrInvalidHandle     = &Error{Code: InvalidHandle}
	ErrResourceExhausted = &Error{Code: ResourceExhausted}
	ErrTransport         = &Error{Code: TransportError}
	ErrClosed            = &Error{Code: Closed}
	ErrPeerClosed        = &Error{Code: PeerClosed}
	ErrTruncated         = &Error{Code: Truncated}
	ErrMessageTooLarge   = &Error{Code: MessageTooLarge}
	ErrSpawnFailed       = &Error{Code: SpawnFailed}
	ErrTimeout           = &Error{Code: Timeout}
)

// Errorf returns an *Error for op with the message fmt.Errorf(s, i...) would produce. If the
// last argument is an error it is kept as the cause.
func Errorf(code Code, op string, s string, i ...interface{}) error {
	e := &Error{Code: code, Op: op, Msg: fmt.Errorf(s, i...).Error()}
	if len(i) > 0 {
		if cause, ok := i[len(i)-1].(error); ok {
			e.Err = cause
		}
	}
	if log.V(2) {
		log.Infof("sysio error: %s", e)
	}
	return e
}

// FromErrno wraps err, classifying it by errno. A nil err returns nil. If err is already
// an *Error it is returned unchanged.
func FromErrno(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Code: Classify(err), Op: op, Err: err}
}

// Classify maps an OS error onto a Code.
func Classify(err error) Code {
	switch {
	case errors.Is(err, os.ErrClosed):
		return Closed
	case errors.Is(err, os.ErrDeadlineExceeded):
		return Timeout
	}

	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return Unknown
	}
	switch errno {
	case syscall.EBADF, syscall.ECHILD, syscall.ESRCH, syscall.ENOTSOCK:
		return InvalidHandle
	case syscall.EINVAL, syscall.EFAULT, syscall.ENAMETOOLONG, syscall.EAFNOSUPPORT, syscall.EPROTONOSUPPORT,
		syscall.ENOENT, syscall.ENOTDIR, syscall.EACCES, syscall.EPERM, syscall.E2BIG, syscall.EEXIST:
		return ArgumentError
	case syscall.EMFILE, syscall.ENFILE, syscall.ENOMEM, syscall.ENOBUFS, syscall.EAGAIN:
		return ResourceExhausted
	case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ECONNABORTED, syscall.EPIPE,
		syscall.ENOTCONN, syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.EADDRINUSE:
		return TransportError
	case syscall.EMSGSIZE:
		return MessageTooLarge
	case syscall.ETIMEDOUT:
		return Timeout
	}
	return Unknown
}

// FromErrnoAs is FromErrno, except that err gets code if it is one of errnos. Operations
// use it where an errno means something narrower than it does in general, like ENOENT
// from connect() meaning nobody is listening.
func FromErrnoAs(op string, err error, code Code, errnos ...syscall.Errno) error {
	if err == nil {
		return nil
	}
	for _, n := range errnos {
		if errors.Is(err, n) {
			var se *Error
			if errors.As(err, &se) {
				return &Error{Code: code, Op: se.Op, Msg: se.Msg, Err: se.Err}
			}
			return &Error{Code: code, Op: op, Err: err}
		}
	}
	return FromErrno(op, err)
}

// CodeOf returns the Code of err, or Unknown if err is not an *Error.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return Unknown
}
