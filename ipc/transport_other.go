//go:build unix && !linux

package ipc

// Darwin has no SOCK_SEQPACKET for unix sockets.
const defaultTransport = Stream
