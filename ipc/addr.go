package ipc

import (
	"strings"

	"github.com/johnsiilver/sysio/syserr"
)

// maxAddrLen is the sun_path limit on Linux. It is used on every system, so a name that
// works here works everywhere instead of failing later with EINVAL.
const maxAddrLen = 108

// address is where a server listens.
type address struct {
	// name is what goes in the sockaddr, "@" prefixed when abstract.
	name string
	// path is the socket file, empty when there is none.
	path string
}

// resolve turns a caller's address into an address. A name with a '/' in it is a
// filesystem path. Anything else is a bare name, which is put in the abstract namespace
// on Linux and made into a file in the temporary directory elsewhere.
func resolve(addr string) (address, error) {
	if addr == "" {
		return address{}, syserr.Errorf(syserr.ArgumentError, "ipc.addr", "empty address")
	}

	var a address
	if strings.Contains(addr, "/") {
		a = address{name: addr, path: addr}
	} else {
		a = named(addr)
	}

	if len([]rune(a.name)) >= maxAddrLen {
		return address{}, syserr.Errorf(syserr.ArgumentError, "ipc.addr", "address(%s) must be less than %d characters", a.name, maxAddrLen)
	}
	return a, nil
}
