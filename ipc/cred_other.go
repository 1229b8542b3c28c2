//go:build unix && !linux && !darwin

package ipc

import (
	"github.com/johnsiilver/sysio/sock"
	"github.com/johnsiilver/sysio/syserr"
)

func readCreds(ep *sock.Endpoint) (Cred, error) {
	return Cred{}, syserr.Errorf(syserr.ArgumentError, "ipc.peercred", "peer credentials are not supported on this system")
}
