package sock

import (
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/johnsiilver/sysio/syserr"
)

// DialURI opens an Endpoint connected to uri, which is one of:
//
//	tcp://host:port
//	udp://host:port
//	unix:///path/to/socket
//	unixgram:///path/to/socket
//	unixpacket:///path/to/socket
//
// A unix path starting with "@" is in the Linux abstract namespace. For tcp and udp,
// every address host resolves to is tried in order. ctx bounds name resolution only.
func DialURI(ctx context.Context, uri string) (*Endpoint, error) {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok || rest == "" {
		return nil, syserr.Errorf(syserr.ArgumentError, "sock.dialuri", "malformed uri %q", uri)
	}

	switch scheme {
	case "unix":
		return dialUnix(Stream, rest)
	case "unixgram":
		return dialUnix(Datagram, rest)
	case "unixpacket":
		return dialUnix(SeqPacket, rest)
	case "tcp":
		return dialIP(ctx, Stream, rest)
	case "udp":
		return dialIP(ctx, Datagram, rest)
	}
	return nil, syserr.Errorf(syserr.ArgumentError, "sock.dialuri", "unsupported scheme %q", scheme)
}

func dialUnix(typ Type, path string) (*Endpoint, error) {
	e, err := Open(Unix, typ)
	if err != nil {
		return nil, err
	}
	if err := e.Connect(&net.UnixAddr{Name: path, Net: unixNet(typ)}); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func dialIP(ctx context.Context, typ Type, hostport string) (*Endpoint, error) {
	host, sport, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, syserr.Errorf(syserr.ArgumentError, "sock.dialuri", "bad host:port %q: %w", hostport, err)
	}
	network := "tcp"
	if typ == Datagram {
		network = "udp"
	}
	port, err := strconv.Atoi(sport)
	if err != nil {
		port, err = net.DefaultResolver.LookupPort(ctx, network, sport)
		if err != nil {
			return nil, syserr.Errorf(syserr.ArgumentError, "sock.dialuri", "unknown port %q: %w", sport, err)
		}
	}

	var ips []net.IPAddr
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IPAddr{{IP: ip}}
	} else {
		if host == "" {
			host = "localhost"
		}
		ips, err = net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, syserr.Errorf(syserr.TransportError, "sock.dialuri", "could not resolve %q: %w", host, err)
		}
	}

	var lastErr error
	for _, ip := range ips {
		domain := Inet6
		if ip.IP.To4() != nil {
			domain = Inet
		}
		e, err := Open(domain, typ)
		if err != nil {
			return nil, err
		}
		if err := e.Connect(ipAddr(typ, ip.IP, port, ip.Zone)); err != nil {
			e.Close()
			lastErr = err
			continue
		}
		return e, nil
	}
	if lastErr == nil {
		lastErr = syserr.Errorf(syserr.TransportError, "sock.dialuri", "%q resolved to no addresses", host)
	}
	return nil, lastErr
}
