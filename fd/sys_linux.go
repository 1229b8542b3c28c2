//go:build linux

package fd

import "golang.org/x/sys/unix"

func dupCloexec(oldfd, newfd int) error {
	return unix.Dup3(oldfd, newfd, unix.O_CLOEXEC)
}

func pipe(p []int) error {
	return unix.Pipe2(p, unix.O_CLOEXEC|unix.O_NONBLOCK)
}
