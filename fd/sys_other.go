//go:build unix && !linux

package fd

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// These platforms lack dup3() and pipe2(). The table lock keeps our own spawns out,
// syscall.ForkLock keeps out os/exec.

func dupCloexec(oldfd, newfd int) error {
	syscall.ForkLock.RLock()
	defer syscall.ForkLock.RUnlock()

	if err := unix.Dup2(oldfd, newfd); err != nil {
		return err
	}
	unix.CloseOnExec(newfd)
	return nil
}

func pipe(p []int) error {
	syscall.ForkLock.RLock()
	defer syscall.ForkLock.RUnlock()

	if err := unix.Pipe(p); err != nil {
		return err
	}
	for _, n := range p {
		unix.CloseOnExec(n)
		if err := unix.SetNonblock(n, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return err
		}
	}
	return nil
}
