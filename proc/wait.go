package proc

import (
	"fmt"
	"syscall"

	"github.com/johnsiilver/sysio/syserr"
	"golang.org/x/sys/unix"
)

// ExitStatus is how a process ended. The encoding is fixed: bits 0-7 hold the exit
// code (or the signal number), bit 8 is set when the process exited and bit 9 is set
// when it was killed by a signal. Exactly one of bits 8 and 9 is set.
type ExitStatus uint32

const (
	// CodeMask selects the exit code or signal number.
	CodeMask ExitStatus = 0x000000FF
	// StatusExited is set when the process called exit.
	StatusExited ExitStatus = 0x00000100
	// StatusSignaled is set when the process was terminated by a signal.
	StatusSignaled ExitStatus = 0x00000200
)

// Exited reports if the process exited normally.
func (s ExitStatus) Exited() bool {
	return s&StatusExited != 0
}

// Signaled reports if the process was terminated by a signal.
func (s ExitStatus) Signaled() bool {
	return s&StatusSignaled != 0
}

// Code is the exit code. Only valid if Exited().
func (s ExitStatus) Code() int {
	return int(s & CodeMask)
}

// Signal is the terminating signal. Only valid if Signaled().
func (s ExitStatus) Signal() syscall.Signal {
	return syscall.Signal(s & CodeMask)
}

func (s ExitStatus) String() string {
	switch {
	case s.Exited():
		return fmt.Sprintf("exited(%d)", s.Code())
	case s.Signaled():
		return fmt.Sprintf("signaled(%s)", s.Signal())
	}
	return fmt.Sprintf("invalid(%#x)", uint32(s))
}

func decode(ws unix.WaitStatus) ExitStatus {
	switch {
	case ws.Exited():
		return StatusExited | ExitStatus(ws.ExitStatus())&CodeMask
	case ws.Signaled():
		return StatusSignaled | ExitStatus(ws.Signal())&CodeMask
	}
	return 0
}

func wait4(pid int) (unix.WaitStatus, error) {
	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(pid, &ws, 0, nil)
		if err == unix.EINTR {
			continue
		}
		return ws, err
	}
}

// Wait is the same as p.Wait().
func Wait(p *Process) (ExitStatus, error) {
	return p.Wait()
}

// Wait blocks until the process terminates and returns how it ended. A Process can only
// be waited on once, later calls return an error with code syserr.InvalidHandle. So does
// a process started with Daemonize, or a Process that did not come from Spawn().
func (p *Process) Wait() (ExitStatus, error) {
	if p == nil || p.pid <= 0 {
		return 0, syserr.Errorf(syserr.InvalidHandle, "wait", "not a started process")
	}
	if p.detached {
		return 0, syserr.Errorf(syserr.InvalidHandle, "wait", "pid %d is detached", p.pid)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.reaped {
		return 0, syserr.Errorf(syserr.InvalidHandle, "wait", "pid %d was already reaped", p.pid)
	}

	// Once the child is waitable it is a zombie and wait4 returns at once, so sigMu is
	// only held for the reap itself. Where we cannot tell, Kill() may race the reap
	// the same way it does for os.Process.
	waitable, err := blockUntilWaitable(p.pid)
	if err != nil {
		return 0, waitErr(p.pid, err)
	}
	if waitable {
		p.sigMu.Lock()
	}
	ws, err := wait4(p.pid)
	if !waitable {
		p.sigMu.Lock()
	}
	if err == nil {
		p.reaped = true
		p.status = decode(ws)
	}
	p.sigMu.Unlock()

	if err != nil {
		return 0, waitErr(p.pid, err)
	}
	return p.status, nil
}

func waitErr(pid int, err error) error {
	if err == unix.ECHILD {
		return syserr.Errorf(syserr.InvalidHandle, "wait", "pid %d is not our child: %w", pid, err)
	}
	return syserr.FromErrno("wait", err)
}

// Kill sends sig to the process. It fails with syserr.InvalidHandle once the process
// has been reaped, as the pid may belong to someone else by then.
func (p *Process) Kill(sig syscall.Signal) error {
	if p == nil || p.pid <= 0 {
		return syserr.Errorf(syserr.InvalidHandle, "kill", "not a started process")
	}

	p.sigMu.RLock()
	defer p.sigMu.RUnlock()

	if p.reaped {
		return syserr.Errorf(syserr.InvalidHandle, "kill", "pid %d was already reaped", p.pid)
	}
	if err := unix.Kill(p.pid, sig); err != nil {
		return syserr.FromErrno("kill", err)
	}
	return nil
}
