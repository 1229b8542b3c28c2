package ipc

import (
	"os"

	"github.com/johnsiilver/sysio/syserr"
)

const (
	// DefaultMaxFDs is how many descriptors a message may carry unless MaxFDs() says otherwise.
	DefaultMaxFDs = 16
	// maxFDsLimit is the kernel's SCM_MAX_FD less a few for safety.
	maxFDsLimit = 253
)

type options struct {
	maxFDs        int
	maxSize       int
	transport     Transport
	fileMode      os.FileMode
	backlog       int
	closeOnUnlink bool
	pool          *HeaderPool
}

func defaultOptions() options {
	return options{
		maxFDs:    DefaultMaxFDs,
		transport: defaultTransport,
		fileMode:  0770,
		backlog:   128,
		pool:      defaultPool,
	}
}

// Option is an optional argument to NewServer(), Connect() and ConnectedPair().
type Option func(o *options) error

func applyOptions(opts []Option) (options, error) {
	o := defaultOptions()
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return o, err
		}
	}
	return o, nil
}

// MaxFDs is the most descriptors a single message on the Channel may carry, 1 to 253.
// Sending more fails with syserr.ArgumentError. Receiving more closes the excess and
// sets sock.FlagFDTruncated.
func MaxFDs(n int) Option {
	return func(o *options) error {
		if n < 1 || n > maxFDsLimit {
			return syserr.Errorf(syserr.ArgumentError, "ipc", "MaxFDs(%d) must be between 1 and %d", n, maxFDsLimit)
		}
		o.maxFDs = n
		return nil
	}
}

// MaxSize is the maximum payload a received frame is allowed to have on the Stream
// transport. A bigger frame fails the receive with syserr.TransportError. Zero, the
// default, means no limit.
func MaxSize(size int) Option {
	return func(o *options) error {
		if size < 0 {
			return syserr.Errorf(syserr.ArgumentError, "ipc", "MaxSize(%d) cannot be negative", size)
		}
		o.maxSize = size
		return nil
	}
}

// WithTransport forces a Transport. Both ends must use the same one. The default is
// SeqPacket on Linux and Stream elsewhere.
func WithTransport(t Transport) Option {
	return func(o *options) error {
		if _, err := t.sockType(); err != nil {
			return err
		}
		o.transport = t
		return nil
	}
}

// FileMode is the mode set on a server's socket file when the address is a filesystem
// path. Defaults to 0770.
func FileMode(m os.FileMode) Option {
	return func(o *options) error {
		o.fileMode = m
		return nil
	}
}

// Backlog is the listen backlog for a server. Defaults to 128.
func Backlog(n int) Option {
	return func(o *options) error {
		if n < 1 {
			return syserr.Errorf(syserr.ArgumentError, "ipc", "Backlog(%d) must be positive", n)
		}
		o.backlog = n
		return nil
	}
}

// CloseOnUnlink closes the server if its socket file is removed or renamed, such as
// by another instance taking over the address. Only valid for filesystem addresses.
func CloseOnUnlink() Option {
	return func(o *options) error {
		o.closeOnUnlink = true
		return nil
	}
}

// SharedHeaderPool uses pool for staging frame headers instead of the package's pool.
func SharedHeaderPool(pool *HeaderPool) Option {
	return func(o *options) error {
		if pool == nil {
			return syserr.Errorf(syserr.ArgumentError, "ipc", "SharedHeaderPool(nil)")
		}
		o.pool = pool
		return nil
	}
}
