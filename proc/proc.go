/*
Package proc starts child processes with an explicit descriptor layout and reaps them.

A child sees exactly the descriptors it is given:

	r, w, err := fd.Pipe()
	...
	p, err := proc.Spawn(
		"cat",
		[]proc.Remap{{Child: 0, Parent: r, Blocking: true}, {Child: 1, Parent: out}},
		0,
		nil, // argv defaults to []string{path}
		nil, // envp nil inherits the environment
	)
	...
	status, err := p.Wait()
	if status.Exited() && status.Code() == 0 {
		...
	}

Without KeepFDs, every descriptor that is not remapped is closed in the child,
including the standard ones. With KeepFDs, descriptors this process has that are not
close-on-exec stay open in the child at the same number. Descriptors created through
sysio are always close-on-exec in this process.

Remap entries may overlap arbitrarily, so swapping two slots works:

	[]proc.Remap{{Child: 3, Parent: d4}, {Child: 4, Parent: d3}}

A descriptor passed to a child keeps its mode, and pipes and sockets from sysio are
non-blocking. The child shares that mode with us, so setting Remap.Blocking switches the
descriptor to blocking for good, as os/exec does with ExtraFiles. Most programs that are
not written in Go expect a blocking stdin.

Daemonize starts the program through a short lived copy of the running binary, which
calls setsid(), starts the program and exits. The program ends up reparented to init (or
the nearest subreaper). The proc package picks that copy up in its init(), before main()
runs. init() functions of packages proc does not depend on may run in that copy too.

If the program cannot be started (not found, not executable, ...), Spawn returns an
error with code syserr.SpawnFailed. That is never reported as an exit status.
*/
package proc

import (
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/johnsiilver/sysio/fd"
	"github.com/johnsiilver/sysio/syserr"
	"golang.org/x/sys/unix"

	log "github.com/golang/glog"
)

// Flags are options to Spawn().
type Flags uint32

const (
	// Daemonize starts the child in a new session, through an intermediate process that
	// exits right away, so the child is not ours. It cannot be passed to Wait().
	Daemonize Flags = 0x1
	// KeepFDs keeps every inheritable descriptor open in the child, in addition to the
	// remapped ones.
	KeepFDs Flags = 0x2

	knownFlags = Daemonize | KeepFDs
)

var (
	metricSpawn      = []string{"sysio", "proc", "spawn"}
	metricSpawnError = []string{"sysio", "proc", "spawn", "error"}
)

// Remap places Parent at descriptor number Child in the new process. A nil Parent
// closes Child in the new process, even if KeepFDs would have kept it.
type Remap struct {
	Child  int
	Parent *fd.Descriptor
	// Blocking switches Parent to blocking mode once the child has started. If Spawn
	// fails, Parent is left as it was.
	Blocking bool
}

// CloseSlot returns a Remap that closes child in the new process.
func CloseSlot(child int) Remap {
	return Remap{Child: child}
}

// Process is a child process started with Spawn(). It must be reaped exactly once
// with Wait(). The zero value is not a process, Wait() and Kill() on it fail.
type Process struct {
	pid      int
	detached bool

	// mu serializes Wait() calls.
	mu sync.Mutex
	// sigMu guards reaped against Kill(), which must not signal a pid after it
	// has been reaped.
	sigMu  sync.RWMutex
	reaped bool
	status ExitStatus
}

// Pid returns the process id of the child.
func (p *Process) Pid() int {
	return p.pid
}

// Detached reports if the process was started with Daemonize.
func (p *Process) Detached() bool {
	return p.detached
}

// launcher does the work of Spawn. It is a struct so tests can replace the starter.
type launcher struct {
	table       *fd.Table
	starter     starter
	inheritable func() ([]int, error)
}

var defaultLauncher = &launcher{
	table:       fd.Default(),
	starter:     forkExec{},
	inheritable: inheritable,
}

// Spawn starts the program at path. If path has no "/" in it, it is searched for in
// $PATH. remap gives the child's descriptors (see the package doc). A nil argv uses
// []string{path}, a nil envp passes our environment.
func Spawn(path string, remap []Remap, flags Flags, argv, envp []string) (*Process, error) {
	return defaultLauncher.spawn(path, remap, flags, argv, envp)
}

func validate(remap []Remap, flags Flags) error {
	if flags&^knownFlags != 0 {
		return syserr.Errorf(syserr.ArgumentError, "spawn", "unknown flags %#x", uint32(flags&^knownFlags))
	}

	seen := make(map[int]bool, len(remap))
	for _, r := range remap {
		if r.Child < 0 {
			return syserr.Errorf(syserr.ArgumentError, "spawn", "negative child slot %d", r.Child)
		}
		if seen[r.Child] {
			return syserr.Errorf(syserr.ArgumentError, "spawn", "child slot %d remapped twice", r.Child)
		}
		seen[r.Child] = true
		if r.Parent != nil && r.Parent.Closed() {
			return syserr.Errorf(syserr.InvalidHandle, "spawn", "descriptor for child slot %d is closed", r.Child)
		}
	}
	return nil
}

func (l *launcher) spawn(path string, remap []Remap, flags Flags, argv, envp []string) (*Process, error) {
	if err := validate(remap, flags); err != nil {
		return nil, err
	}

	resolved := path
	if !strings.Contains(path, "/") {
		var err error
		resolved, err = exec.LookPath(path)
		if err != nil {
			metrics.IncrCounter(metricSpawnError, 1)
			return nil, syserr.Errorf(syserr.SpawnFailed, "spawn", "could not find %q: %w", path, err)
		}
	}
	if argv == nil {
		argv = []string{path}
	}
	if envp == nil {
		envp = os.Environ()
	}

	pid, err := l.start(resolved, remap, flags, argv, envp)
	if err != nil {
		metrics.IncrCounter(metricSpawnError, 1)
		return nil, err
	}
	metrics.IncrCounter(metricSpawn, 1)
	log.V(1).Infof("spawned %s as pid %d (%d remaps, flags %#x)", resolved, pid, len(remap), uint32(flags))

	return &Process{pid: pid, detached: flags&Daemonize != 0}, nil
}

// start holds the table lock from working out what the child inherits until the child
// exists, so no other descriptor can appear or vanish in between.
func (l *launcher) start(path string, remap []Remap, flags Flags, argv, envp []string) (int, error) {
	l.table.Lock()
	defer l.table.Unlock()

	inh, err := l.inheritable()
	if err != nil {
		return 0, syserr.Errorf(syserr.ResourceExhausted, "spawn", "could not list open descriptors: %w", err)
	}

	entries := make([]slot, 0, len(remap))
	var blocking []*fd.Descriptor
	for _, r := range remap {
		if r.Parent == nil {
			entries = append(entries, slot{child: r.Child, parent: closeSlot})
			continue
		}
		if r.Parent.Closed() {
			return 0, syserr.Errorf(syserr.InvalidHandle, "spawn", "descriptor for child slot %d is closed", r.Child)
		}
		entries = append(entries, slot{child: r.Child, parent: r.Parent.Num()})
		if r.Blocking {
			blocking = append(blocking, r.Parent)
		}
	}

	restore, err := setBlocking(blocking)
	if err != nil {
		return 0, err
	}

	files := layout(entries, inh, flags&KeepFDs != 0)
	staged, scratch, err := stage(files, dupAbove)
	defer func() {
		for _, n := range scratch {
			unix.Close(n)
		}
	}()
	if err != nil {
		restore()
		return 0, syserr.FromErrno("spawn", err)
	}

	pid, err := l.starter.start(path, argv, envp, staged, flags&Daemonize != 0)
	if err != nil {
		restore()
		return 0, syserr.Errorf(syserr.SpawnFailed, "spawn", "could not start %q: %w", path, err)
	}
	for _, d := range blocking {
		// Records the switch in the *os.File, so it stops waiting on the poller.
		d.File().Fd()
	}
	return pid, nil
}

// setBlocking clears O_NONBLOCK on ds for the child to inherit. restore puts back the
// ones that were non-blocking, for when the child never starts.
func setBlocking(ds []*fd.Descriptor) (restore func(), err error) {
	var switched []int
	restore = func() {
		for _, n := range switched {
			unix.SetNonblock(n, true)
		}
	}
	for _, d := range ds {
		n := d.Num()
		fl, err := unix.FcntlInt(uintptr(n), unix.F_GETFL, 0)
		if err != nil {
			restore()
			return nil, syserr.FromErrno("spawn", err)
		}
		if fl&unix.O_NONBLOCK == 0 {
			continue
		}
		if err := unix.SetNonblock(n, false); err != nil {
			restore()
			return nil, syserr.FromErrno("spawn", err)
		}
		switched = append(switched, n)
	}
	return restore, nil
}

func dupAbove(src, min int) (int, error) {
	return unix.FcntlInt(uintptr(src), unix.F_DUPFD_CLOEXEC, min)
}
