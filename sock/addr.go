package sock

import (
	"net"

	"github.com/johnsiilver/sysio/syserr"
	"golang.org/x/sys/unix"
)

// sockaddr converts addr for a socket in domain.
func sockaddr(domain Domain, addr net.Addr) (unix.Sockaddr, error) {
	switch a := addr.(type) {
	case *net.UnixAddr:
		if domain != Unix {
			break
		}
		return &unix.SockaddrUnix{Name: a.Name}, nil
	case *net.TCPAddr:
		return ipSockaddr(domain, a.IP, a.Port, a.Zone)
	case *net.UDPAddr:
		return ipSockaddr(domain, a.IP, a.Port, a.Zone)
	case nil:
		return nil, syserr.Errorf(syserr.ArgumentError, "sock.addr", "nil address")
	}
	return nil, syserr.Errorf(syserr.ArgumentError, "sock.addr", "address %s(%T) does not fit domain %d", addr, addr, domain)
}

func ipSockaddr(domain Domain, ip net.IP, port int, zone string) (unix.Sockaddr, error) {
	if port < 0 || port > 0xFFFF {
		return nil, syserr.Errorf(syserr.ArgumentError, "sock.addr", "port %d out of range", port)
	}

	switch domain {
	case Inet:
		sa := &unix.SockaddrInet4{Port: port}
		if ip != nil {
			ip4 := ip.To4()
			if ip4 == nil {
				return nil, syserr.Errorf(syserr.ArgumentError, "sock.addr", "%s is not an IPv4 address", ip)
			}
			copy(sa.Addr[:], ip4)
		}
		return sa, nil
	case Inet6:
		sa := &unix.SockaddrInet6{Port: port}
		if ip != nil {
			ip16 := ip.To16()
			if ip16 == nil {
				return nil, syserr.Errorf(syserr.ArgumentError, "sock.addr", "%s is not an IP address", ip)
			}
			copy(sa.Addr[:], ip16)
		}
		if zone != "" {
			ifi, err := net.InterfaceByName(zone)
			if err != nil {
				return nil, syserr.Errorf(syserr.ArgumentError, "sock.addr", "unknown zone %q: %w", zone, err)
			}
			sa.ZoneId = uint32(ifi.Index)
		}
		return sa, nil
	}
	return nil, syserr.Errorf(syserr.ArgumentError, "sock.addr", "IP address used with domain %d", domain)
}

// netAddr converts sa into the net.Addr type matching typ.
func netAddr(typ Type, sa unix.Sockaddr) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrUnix:
		return &net.UnixAddr{Name: a.Name, Net: unixNet(typ)}
	case *unix.SockaddrInet4:
		return ipAddr(typ, net.IP(append([]byte(nil), a.Addr[:]...)), a.Port, "")
	case *unix.SockaddrInet6:
		zone := ""
		if a.ZoneId != 0 {
			if ifi, err := net.InterfaceByIndex(int(a.ZoneId)); err == nil {
				zone = ifi.Name
			}
		}
		return ipAddr(typ, net.IP(append([]byte(nil), a.Addr[:]...)), a.Port, zone)
	}
	return nil
}

func ipAddr(typ Type, ip net.IP, port int, zone string) net.Addr {
	if typ == Datagram {
		return &net.UDPAddr{IP: ip, Port: port, Zone: zone}
	}
	return &net.TCPAddr{IP: ip, Port: port, Zone: zone}
}

func unixNet(typ Type) string {
	switch typ {
	case Datagram:
		return "unixgram"
	case SeqPacket:
		return "unixpacket"
	}
	return "unix"
}
