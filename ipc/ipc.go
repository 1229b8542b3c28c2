/*
Package ipc provides message framed, descriptor passing channels between local processes.

A Server listens on an address and hands out a Channel per connecting peer. Connect()
dials a Server, ConnectedPair() makes two Channels without any address, which is useful
for handing one end to a child process.

Every message is sent as a frame: an 8 byte header holding the payload length and the
number of descriptors, then the payload. The descriptors travel with the header, so a
message's data and descriptors arrive together or not at all. The header is always
little endian.

	ch, err := ipc.Connect("svc-a")
	if err != nil {
		// Do something
	}
	defer ch.Close()

	m := &sock.Message{Buffers: [][]byte{[]byte("ping")}, FDs: []*fd.Descriptor{w}}
	if _, err := ch.SendMsg(m); err != nil {
		// Do something
	}

Addresses:
	An address containing a '/' is a filesystem path. The server removes a stale socket
	file there before binding and sets its mode (see FileMode()). Any other address is a
	bare name: on Linux it lives in the abstract namespace and no file is created, on other
	systems it becomes os.TempDir()/<name>.sock.

	Socket paths have a length limit different than the normal filesystem. On Linux it is
	108 characters, which is used as the limit everywhere.

Transports:
	On Linux frames are carried as SOCK_SEQPACKET packets. Elsewhere they go over a byte
	stream and the receiver stages partial frames, which are never shown to the caller.
	A receive deadline expiring mid frame keeps what has arrived for the next receive.
*/
package ipc

import (
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-metrics"
	"github.com/johnsiilver/sysio/sock"
	"github.com/johnsiilver/sysio/syserr"

	log "github.com/golang/glog"
)

var (
	metricMsgOut = []string{"sysio", "ipc", "msg", "out"}
	metricMsgIn  = []string{"sysio", "ipc", "msg", "in"}
	metricFDsOut = []string{"sysio", "ipc", "fds", "out"}
	metricFDsIn  = []string{"sysio", "ipc", "fds", "in"}
)

// ID represents a numeric ID. Go in various libraries stores IDs such as Uid or Gid as strings.
// However in other more OS specific libraries, it might be int or int32. This simply unifies that
// so it is easier to translate for whatever need you have.
type ID int

// String returns the ID as a string.
func (i ID) String() string {
	return strconv.Itoa(int(i))
}

// Int returns the ID as an int.
func (i ID) Int() int {
	return int(i)
}

// Cred provides the credentials of the process on the other end of a Channel.
type Cred struct {
	// PID is the process id of the process.
	PID ID
	// UID is the user id of the process.
	UID ID
	// GID is the group id of the process.
	GID ID
}

// Current provides information about the current process and user.
func Current() (Cred, *user.User, error) {
	u, err := user.Current()
	if err != nil {
		return Cred{}, nil, err
	}

	uid, _ := strconv.Atoi(u.Uid)
	gid, _ := strconv.Atoi(u.Gid)

	cred := Cred{
		PID: ID(os.Getpid()),
		UID: ID(uid),
		GID: ID(gid),
	}
	return cred, u, nil
}

// Channel is one end of an established connection. SendMsg() and RecvMsg() may be
// called concurrently with each other. Concurrent sends (or receives) are serialized.
type Channel struct {
	ep     *sock.Endpoint
	t      transport
	kind   Transport
	maxFDs int
	pool   *HeaderPool

	sendMu, recvMu sync.Mutex
}

func newChannel(ep *sock.Endpoint, o options) *Channel {
	return &Channel{
		ep:     ep,
		t:      newTransport(o.transport, o),
		kind:   o.transport,
		maxFDs: o.maxFDs,
		pool:   o.pool,
	}
}

// Connect connects to the Server at addr.
func Connect(addr string, options ...Option) (*Channel, error) {
	o, err := applyOptions(options)
	if err != nil {
		return nil, err
	}
	a, err := resolve(addr)
	if err != nil {
		return nil, err
	}
	typ, err := o.transport.sockType()
	if err != nil {
		return nil, err
	}

	ep, err := sock.Open(sock.Unix, typ)
	if err != nil {
		return nil, err
	}
	if err := ep.Connect(&net.UnixAddr{Name: a.name, Net: "unix"}); err != nil {
		ep.Close()
		return nil, err
	}
	log.V(1).Infof("ipc: connected to %s on descriptor %d", a.name, ep.Num())
	return newChannel(ep, o), nil
}

// ConnectedPair returns two Channels connected to each other.
func ConnectedPair(options ...Option) (*Channel, *Channel, error) {
	o, err := applyOptions(options)
	if err != nil {
		return nil, nil, err
	}
	typ, err := o.transport.sockType()
	if err != nil {
		return nil, nil, err
	}

	a, b, err := sock.Pair(typ)
	if err != nil {
		return nil, nil, err
	}
	return newChannel(a, o), newChannel(b, o), nil
}

// Endpoint returns the underlying socket. Reading or writing it directly will corrupt
// the framing, this is for things like passing the Channel to a child process.
func (c *Channel) Endpoint() *sock.Endpoint {
	return c.ep
}

// Num returns the descriptor number of the Channel's socket.
func (c *Channel) Num() int {
	return c.ep.Num()
}

// Transport returns how the Channel carries frames.
func (c *Channel) Transport() Transport {
	return c.kind
}

// PeerCred returns the credentials of the process on the other end.
func (c *Channel) PeerCred() (Cred, error) {
	return readCreds(c.ep)
}

// SendMsg sends m.Buffers as one message with m.FDs attached. The caller keeps ownership
// of m.FDs. m may not carry more descriptors than the Channel's MaxFDs.
func (c *Channel) SendMsg(m *sock.Message) (int, error) {
	if len(m.FDs) > c.maxFDs {
		return 0, syserr.Errorf(syserr.ArgumentError, "ipc.send", "message has %d descriptors, channel allows %d", len(m.FDs), c.maxFDs)
	}
	size := m.Len()
	h, err := newHeader(size, len(m.FDs))
	if err != nil {
		return 0, err
	}

	hdr := c.pool.Get()
	defer c.pool.Put(hdr)
	h.encode(*hdr)

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := c.t.send(c.ep, *hdr, m); err != nil {
		return 0, err
	}
	metrics.IncrCounter(metricMsgOut, 1)
	if len(m.FDs) > 0 {
		metrics.IncrCounter(metricFDsOut, float32(len(m.FDs)))
	}
	log.V(2).Infof("ipc: channel %d sent %d bytes, %d descriptors", c.ep.Num(), size, len(m.FDs))
	return size, nil
}

// RecvMsg waits for a whole message. See RecvMsgDeadline().
func (c *Channel) RecvMsg(m *sock.Message) (int, error) {
	return c.RecvMsgDeadline(m, time.Time{})
}

// RecvMsgDeadline receives one whole message into m.Buffers and its descriptors into
// m.FDs, which is replaced. m.MaxFDs is ignored, the Channel's MaxFDs applies.
//
// If the payload does not fit in m.Buffers, the rest is discarded, m.Flags gets
// sock.FlagTruncated and the error has code syserr.Truncated; the count of bytes stored
// is still returned and m.FDs is still filled. If the peer closed its end, the error has
// code syserr.PeerClosed. If nothing completes before deadline, the code is syserr.Timeout.
// A zero deadline waits forever.
func (c *Channel) RecvMsgDeadline(m *sock.Message, deadline time.Time) (int, error) {
	hdr := c.pool.Get()
	defer c.pool.Put(hdr)

	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	n, err := c.t.recv(c.ep, *hdr, m, deadline)
	if err != nil && syserr.CodeOf(err) != syserr.Truncated {
		return n, err
	}
	metrics.IncrCounter(metricMsgIn, 1)
	if len(m.FDs) > 0 {
		metrics.IncrCounter(metricFDsIn, float32(len(m.FDs)))
	}
	log.V(2).Infof("ipc: channel %d received %d bytes, %d descriptors", c.ep.Num(), n, len(m.FDs))
	return n, err
}

// Close closes the Channel. Descriptors in a partially received message are closed.
func (c *Channel) Close() error {
	err := c.ep.Close()

	c.recvMu.Lock()
	c.t.close()
	c.recvMu.Unlock()
	return err
}

// Server listens for Channel connections.
type Server struct {
	ep   *sock.Endpoint
	addr address
	opts options

	watcher   *fsnotify.Watcher
	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// NewServer creates a Server listening at addr. If addr is a filesystem path and a file
// exists there, it is removed first.
func NewServer(addr string, options ...Option) (*Server, error) {
	o, err := applyOptions(options)
	if err != nil {
		return nil, err
	}
	a, err := resolve(addr)
	if err != nil {
		return nil, err
	}
	if o.closeOnUnlink && a.path == "" {
		return nil, syserr.Errorf(syserr.ArgumentError, "ipc.server", "CloseOnUnlink() requires a filesystem address, got %q", addr)
	}
	typ, err := o.transport.sockType()
	if err != nil {
		return nil, err
	}

	if a.path != "" {
		if err := os.Remove(a.path); err != nil && !os.IsNotExist(err) {
			return nil, syserr.Errorf(syserr.ArgumentError, "ipc.server", "unable to create server socket(%s), could not remove old socket file: %w", a.path, err)
		}
	}

	ep, err := sock.Open(sock.Unix, typ)
	if err != nil {
		return nil, err
	}
	if err := ep.Bind(&net.UnixAddr{Name: a.name, Net: "unix"}); err != nil {
		ep.Close()
		return nil, err
	}

	s := &Server{ep: ep, addr: a, opts: o, closed: make(chan struct{})}

	if a.path != "" {
		if err := os.Chmod(a.path, o.fileMode); err != nil {
			s.Close()
			return nil, syserr.Errorf(syserr.ArgumentError, "ipc.server", "unable to create server socket(%s), could not chmod the socket file: %w", a.path, err)
		}
	}
	if err := ep.Listen(o.backlog); err != nil {
		s.Close()
		return nil, err
	}
	if o.closeOnUnlink {
		if err := s.watch(); err != nil {
			s.Close()
			return nil, err
		}
	}

	log.V(1).Infof("ipc: server listening on %s (%s)", a.name, o.transport)
	return s, nil
}

// watch closes the server when its socket file goes away.
func (s *Server) watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return syserr.Errorf(syserr.ResourceExhausted, "ipc.server", "could not watch socket file: %w", err)
	}
	if err := w.Add(filepath.Dir(s.addr.path)); err != nil {
		w.Close()
		return syserr.Errorf(syserr.ArgumentError, "ipc.server", "could not watch socket file: %w", err)
	}
	s.watcher = w

	target := filepath.Clean(s.addr.path)
	go func() {
		for {
			select {
			case <-s.closed:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				log.Infof("ipc: socket file %s was removed, closing server", s.addr.path)
				s.close(false)
				return
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Errorf("ipc: watching %s: %s", s.addr.path, err)
			}
		}
	}()
	return nil
}

// Addr returns the address the server is bound to, "@" prefixed when abstract.
func (s *Server) Addr() string {
	return s.addr.name
}

// Accept waits for the next peer. Once the Server is closed, it returns an error
// with code syserr.Closed.
func (s *Server) Accept() (*Channel, error) {
	ep, _, err := s.ep.Accept()
	if err != nil {
		return nil, err
	}
	log.V(1).Infof("ipc: server %s accepted descriptor %d", s.addr.name, ep.Num())
	return newChannel(ep, s.opts), nil
}

// Closed returns a channel that is closed when the Server is closed, by Close() or
// because its socket file was removed (see CloseOnUnlink()).
func (s *Server) Closed() <-chan struct{} {
	return s.closed
}

// Close stops the server and removes its socket file, if it has one. Channels already
// accepted stay open.
func (s *Server) Close() error {
	return s.close(true)
}

func (s *Server) close(unlink bool) error {
	s.closeOnce.Do(func() {
		s.closeErr = s.ep.Close()
		if unlink && s.addr.path != "" {
			if err := os.Remove(s.addr.path); err != nil && !os.IsNotExist(err) {
				log.Errorf("ipc: could not remove socket file %s: %s", s.addr.path, err)
			}
		}
		if s.watcher != nil {
			s.watcher.Close()
		}
		close(s.closed)
		log.V(1).Infof("ipc: server %s closed", s.addr.name)
	})
	return s.closeErr
}
