package sock

import "golang.org/x/sys/unix"

const (
	sendFlags = unix.MSG_NOSIGNAL
	recvFlags = unix.MSG_CMSG_CLOEXEC
)

func socket(family, sotype int) (int, error) {
	return unix.Socket(family, sotype|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
}

func socketpair(sotype int) ([2]int, error) {
	return unix.Socketpair(unix.AF_UNIX, sotype|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
}

func accept(n int) (int, unix.Sockaddr, error) {
	return unix.Accept4(n, unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK)
}

// received is a no-op, recvFlags already marked the descriptor close-on-exec.
func received(n int) {}
