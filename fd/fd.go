/*
Package fd provides the process wide descriptor table that the rest of sysio builds on.

A *Descriptor is an owned handle: exactly one owner should hold it, and it must be closed
exactly once. Closing it a second time is an error (syserr.InvalidHandle), not a no-op.
Descriptors handed to another component (a Message being received, a child process remap)
stay owned by whoever holds the *Descriptor.

Every descriptor the table creates gets the lowest free number, just like the kernel
would hand out, and is created close-on-exec. Only the process launcher makes a
descriptor visible to a child, and it does so inside the table's critical section:

	fd.Default().Lock()
	// Stage descriptors and start the child.
	fd.Default().Unlock()

While the lock is held, no other goroutine can duplicate, create or close descriptors
through this package, which keeps a concurrently spawned child from inheriting a
descriptor that was never meant for it.

Descriptors are backed by an *os.File. Pipes and sockets are non-blocking underneath and
park on the Go runtime poller, so a Close() from another goroutine wakes up anything
blocked on the descriptor.
*/
package fd

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/johnsiilver/sysio/syserr"
	"golang.org/x/sys/unix"
)

// Kind is the category of resource a Descriptor refers to.
type Kind int8

const (
	// Unknown is an adopted descriptor whose category was not given.
	Unknown Kind = 0
	// File is a regular file or device.
	File Kind = 1
	// StreamSocket is a connection oriented socket (stream or seqpacket).
	StreamSocket Kind = 2
	// DatagramSocket is a datagram socket.
	DatagramSocket Kind = 3
	// PipeRead is the read end of a pipe.
	PipeRead Kind = 4
	// PipeWrite is the write end of a pipe.
	PipeWrite Kind = 5
)

func (k Kind) String() string {
	switch k {
	case File:
		return "file"
	case StreamSocket:
		return "stream-socket"
	case DatagramSocket:
		return "datagram-socket"
	case PipeRead:
		return "pipe-read"
	case PipeWrite:
		return "pipe-write"
	}
	return "unknown"
}

// Descriptor is an owned, open descriptor. Must be used as a pointer.
type Descriptor struct {
	num    int
	kind   Kind
	f      *os.File
	table  *Table
	closed int32
}

// Num returns the descriptor number. This does not change the blocking mode of the
// descriptor, unlike (*os.File).Fd().
func (d *Descriptor) Num() int {
	return d.num
}

// Kind returns the category of the descriptor.
func (d *Descriptor) Kind() Kind {
	return d.kind
}

// File returns the *os.File backing the descriptor. The *os.File must not be closed
// directly, use Close().
func (d *Descriptor) File() *os.File {
	return d.f
}

// Closed reports if Close() has been called or the descriptor was replaced by DupTo().
func (d *Descriptor) Closed() bool {
	return atomic.LoadInt32(&d.closed) == 1
}

// Control runs f with the descriptor number while guaranteeing the number is not
// closed underneath it.
func (d *Descriptor) Control(f func(fd int)) error {
	if d.Closed() {
		return syserr.Errorf(syserr.InvalidHandle, "fd.control", "descriptor %d is not open", d.num)
	}
	rc, err := d.f.SyscallConn()
	if err != nil {
		return syserr.FromErrno("fd.control", err)
	}
	if err := rc.Control(func(u uintptr) { f(int(u)) }); err != nil {
		if d.Closed() {
			return syserr.Errorf(syserr.Closed, "fd.control", "descriptor %d closed", d.num)
		}
		return syserr.FromErrno("fd.control", err)
	}
	return nil
}

// Close releases the descriptor. Calling Close() on a closed Descriptor returns an
// error with code syserr.InvalidHandle.
func (d *Descriptor) Close() error {
	return d.table.close(d)
}

// Dup is the same as Dup(d) on the table that owns d.
func (d *Descriptor) Dup() (*Descriptor, error) {
	return d.table.Dup(d)
}

// DupTo is the same as DupTo(d, target) on the table that owns d.
func (d *Descriptor) DupTo(target int) (*Descriptor, error) {
	return d.table.DupTo(d, target)
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("fd(%d, %s)", d.num, d.kind)
}

// Table is the registry of descriptors created through this package.
type Table struct {
	mu   sync.Mutex
	open map[int]*Descriptor
}

var defaultTable = &Table{open: map[int]*Descriptor{}}

// Default returns the process wide descriptor table.
func Default() *Table {
	return defaultTable
}

// Lock takes the table's lock. While held, calls to any other Table method (or a
// Descriptor method that creates or closes descriptors) will block, so the holder
// must only use raw syscalls. This is used to make child process creation atomic
// with respect to descriptor creation.
func (t *Table) Lock() {
	t.mu.Lock()
}

// Unlock releases the lock taken by Lock().
func (t *Table) Unlock() {
	t.mu.Unlock()
}

// Len returns the number of descriptors currently registered.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}

// Snapshot returns the registered descriptor numbers and their kinds.
func (t *Table) Snapshot() map[int]Kind {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := make(map[int]Kind, len(t.open))
	for n, d := range t.open {
		m[n] = d.kind
	}
	return m
}

// Lookup returns the registered Descriptor for num.
func (t *Table) Lookup(num int) (*Descriptor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.open[num]
	return d, ok
}

// install must be called with t.mu held.
func (t *Table) install(num int, kind Kind, name string) *Descriptor {
	d := &Descriptor{
		num:   num,
		kind:  kind,
		f:     os.NewFile(uintptr(num), name),
		table: t,
	}
	t.open[num] = d
	return d
}

// Install registers num, which must be a newly created descriptor the caller owns, as
// a Descriptor of kind. Used by the socket layer after socket()/accept().
func (t *Table) Install(num int, kind Kind, name string) *Descriptor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.install(num, kind, name)
}

// Adopt wraps an already open descriptor number the process owns but that was not
// created through the table, such as one inherited from a parent process.
func (t *Table) Adopt(num int, kind Kind, name string) (*Descriptor, error) {
	if num < 0 {
		return nil, syserr.Errorf(syserr.ArgumentError, "fd.adopt", "negative descriptor %d", num)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.open[num]; ok {
		return nil, syserr.Errorf(syserr.ArgumentError, "fd.adopt", "descriptor %d is already owned", num)
	}
	if _, err := unix.FcntlInt(uintptr(num), unix.F_GETFD, 0); err != nil {
		return nil, syserr.Errorf(syserr.InvalidHandle, "fd.adopt", "descriptor %d: %w", num, err)
	}
	if err := unix.SetNonblock(num, kind != File && kind != Unknown); err != nil {
		return nil, syserr.FromErrno("fd.adopt", err)
	}
	unix.CloseOnExec(num)
	return t.install(num, kind, name), nil
}

// Open opens the file at path. flag is as os.OpenFile(). The descriptor gets the lowest
// free number.
func (t *Table) Open(path string, flag int, perm os.FileMode) (*Descriptor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	num, err := unix.Open(path, flag|unix.O_CLOEXEC, uint32(perm.Perm()))
	if err != nil {
		return nil, syserr.Errorf(syserr.Classify(err), "fd.open", "could not open %q: %w", path, err)
	}
	return t.install(num, File, path), nil
}

// Dup returns a new Descriptor with the lowest free number that aliases d.
func (t *Table) Dup(d *Descriptor) (*Descriptor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var num int
	var dupErr error
	err := d.Control(func(fd int) {
		num, dupErr = unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	})
	if err != nil {
		return nil, err
	}
	if dupErr != nil {
		return nil, syserr.FromErrno("fd.dup", dupErr)
	}
	return t.install(num, d.kind, d.f.Name()), nil
}

// DupTo makes target an alias of d, closing whatever target was first. If target ==
// d.Num(), this is a no-op and d is returned.
//
// If target was a Descriptor registered in the table, that Descriptor is closed
// first (further use returns syserr.InvalidHandle) and a new Descriptor is returned.
// If the number is still in use after that, because a blocking call on the old
// Descriptor holds it or something outside the table took it, DupTo fails with
// syserr.InvalidHandle instead of replacing it.
//
// If target is some other open number the process has, such as os.Stdin, it is
// replaced atomically and the caller is responsible for not closing it twice.
func (t *Table) DupTo(d *Descriptor, target int) (*Descriptor, error) {
	if target < 0 {
		return nil, syserr.Errorf(syserr.ArgumentError, "fd.dupto", "negative target %d", target)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if d.Closed() {
		return nil, syserr.Errorf(syserr.InvalidHandle, "fd.dupto", "descriptor %d is not open", d.num)
	}
	if target == d.num {
		return d, nil
	}

	// The old *os.File has to release its own number. Left alone, its finalizer
	// would close the alias later.
	if old, ok := t.open[target]; ok {
		atomic.StoreInt32(&old.closed, 1)
		delete(t.open, target)
		old.f.Close()
		if _, err := unix.FcntlInt(uintptr(target), unix.F_GETFD, 0); err == nil {
			return nil, syserr.Errorf(syserr.InvalidHandle, "fd.dupto", "descriptor %d was closed but the number is still in use", target)
		}
	}

	var dupErr error
	err := d.Control(func(fd int) {
		dupErr = dupCloexec(fd, target)
	})
	if err != nil {
		return nil, err
	}
	if dupErr != nil {
		return nil, syserr.FromErrno("fd.dupto", dupErr)
	}
	return t.install(target, d.kind, d.f.Name()), nil
}

// Pipe creates a unidirectional pipe.
func (t *Table) Pipe() (r *Descriptor, w *Descriptor, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := make([]int, 2)
	if err := pipe(p); err != nil {
		return nil, nil, syserr.FromErrno("fd.pipe", err)
	}
	r = t.install(p[0], PipeRead, fmt.Sprintf("|%d", p[0]))
	w = t.install(p[1], PipeWrite, fmt.Sprintf("|%d", p[1]))
	return r, w, nil
}

func (t *Table) close(d *Descriptor) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !atomic.CompareAndSwapInt32(&d.closed, 0, 1) {
		return syserr.Errorf(syserr.InvalidHandle, "fd.close", "descriptor %d is not open", d.num)
	}
	if t.open[d.num] == d {
		delete(t.open, d.num)
	}
	if err := d.f.Close(); err != nil {
		return syserr.FromErrno("fd.close", err)
	}
	return nil
}

// Open opens a file through the Default() table.
func Open(path string, flag int, perm os.FileMode) (*Descriptor, error) {
	return defaultTable.Open(path, flag, perm)
}

// Dup duplicates d through the Default() table.
func Dup(d *Descriptor) (*Descriptor, error) {
	return defaultTable.Dup(d)
}

// DupTo installs an alias of d at target through the Default() table.
func DupTo(d *Descriptor, target int) (*Descriptor, error) {
	return defaultTable.DupTo(d, target)
}

// Pipe creates a pipe through the Default() table.
func Pipe() (r *Descriptor, w *Descriptor, err error) {
	return defaultTable.Pipe()
}

// Adopt wraps num through the Default() table.
func Adopt(num int, kind Kind, name string) (*Descriptor, error) {
	return defaultTable.Adopt(num, kind, name)
}
