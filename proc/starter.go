package proc

import "syscall"

// starter creates the new process image. files[i] is the descriptor to install at slot i
// in the child, or closeSlot. Errors from the child before the image is replaced must be
// returned from start.
type starter interface {
	start(path string, argv, envp []string, files []int, daemon bool) (pid int, err error)
}

// forkExec uses syscall.ForkExec, which reports exec failures back through a
// close-on-exec pipe before returning, and reaps the child when that happens. A daemon
// goes through startDaemon, which does the same across an intermediate process.
type forkExec struct{}

func (forkExec) start(path string, argv, envp []string, files []int, daemon bool) (int, error) {
	if daemon {
		return startDaemon(path, argv, envp, files)
	}
	attr := &syscall.ProcAttr{
		Env:   envp,
		Files: make([]uintptr, len(files)),
	}
	for i, n := range files {
		// closeSlot becomes ^uintptr(0), which ForkExec closes in the child.
		attr.Files[i] = uintptr(n)
	}
	return syscall.ForkExec(path, argv, attr)
}
