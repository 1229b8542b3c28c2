package ipc

import (
	"github.com/johnsiilver/sysio/sock"
	"github.com/johnsiilver/sysio/syserr"
	"golang.org/x/sys/unix"
)

// readCreds returns the credentials of the process on the other end of ep.
// Ref: https://docs.fedoraproject.org/en-US/Fedora_Security_Team/1/html/Defensive_Coding/sect-Defensive_Coding-Authentication-UNIX_Domain.html
func readCreds(ep *sock.Endpoint) (Cred, error) {
	var cred *unix.Ucred
	var credErr error
	err := ep.Descriptor().Control(func(fd int) {
		cred, credErr = unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return Cred{}, err
	}
	if credErr != nil {
		return Cred{}, syserr.Errorf(syserr.Classify(credErr), "ipc.peercred", "GetsockoptUcred() error: %w", credErr)
	}

	return Cred{PID: ID(cred.Pid), UID: ID(cred.Uid), GID: ID(cred.Gid)}, nil
}
