package ipc

import (
	"os/user"
	"strconv"

	"github.com/johnsiilver/sysio/sock"
	"github.com/johnsiilver/sysio/syserr"
	"github.com/shirou/gopsutil/process"
	"golang.org/x/sys/unix"
)

const (
	syscall_SOL_LOCAL     = 0
	syscall_LOCAL_PEERPID = 2
)

// readCreds returns the credentials of the process on the other end of ep.
// Darwin only gives us the pid, the rest is looked up.
func readCreds(ep *sock.Endpoint) (Cred, error) {
	var pid int
	var pidErr error
	err := ep.Descriptor().Control(func(fd int) {
		pid, pidErr = unix.GetsockoptInt(fd, syscall_SOL_LOCAL, syscall_LOCAL_PEERPID)
	})
	if err != nil {
		return Cred{}, err
	}
	if pidErr != nil {
		return Cred{}, syserr.Errorf(syserr.Classify(pidErr), "ipc.peercred", "GetsockoptInt() error: %w", pidErr)
	}

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return Cred{}, syserr.Errorf(syserr.TransportError, "ipc.peercred", "could not find PID(%d) of peer: %w", pid, err)
	}
	uids, err := proc.Uids()
	if err != nil || len(uids) == 0 {
		return Cred{}, syserr.Errorf(syserr.TransportError, "ipc.peercred", "could not find UIDs associated with peer PID(%d): %v", pid, err)
	}
	u, err := user.LookupId(strconv.Itoa(int(uids[0])))
	if err != nil {
		return Cred{}, syserr.Errorf(syserr.TransportError, "ipc.peercred", "could not lookup UID(%d) for peer PID(%d): %w", uids[0], pid, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return Cred{}, syserr.Errorf(syserr.TransportError, "ipc.peercred", "could not lookup GID for UID(%d) PID(%d): %w", uids[0], pid, err)
	}

	return Cred{PID: ID(pid), UID: ID(uids[0]), GID: ID(gid)}, nil
}
