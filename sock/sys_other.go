//go:build unix && !linux

package sock

import (
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	sendFlags = 0
	recvFlags = 0
)

func socket(family, sotype int) (int, error) {
	syscall.ForkLock.RLock()
	defer syscall.ForkLock.RUnlock()

	n, err := unix.Socket(family, sotype, 0)
	if err != nil {
		return -1, err
	}
	return n, prepare(n)
}

func socketpair(sotype int) ([2]int, error) {
	syscall.ForkLock.RLock()
	defer syscall.ForkLock.RUnlock()

	fds, err := unix.Socketpair(unix.AF_UNIX, sotype, 0)
	if err != nil {
		return fds, err
	}
	for _, n := range fds {
		if err := prepare(n); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return fds, err
		}
	}
	return fds, nil
}

func accept(n int) (int, unix.Sockaddr, error) {
	syscall.ForkLock.RLock()
	defer syscall.ForkLock.RUnlock()

	nn, sa, err := unix.Accept(n)
	if err != nil {
		return -1, nil, err
	}
	return nn, sa, prepare(nn)
}

func prepare(n int) error {
	unix.CloseOnExec(n)
	if err := unix.SetNonblock(n, true); err != nil {
		unix.Close(n)
		return err
	}
	return nil
}

func received(n int) {
	unix.CloseOnExec(n)
}
