package proc

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// daemonEnv marks the intermediate process of a Daemonize spawn. That process is this
// binary run again: it starts a new session, starts the real program and exits, so the
// program is reparented away from us.
const daemonEnv = "SYSIO_PROC_DAEMON"

func init() {
	if os.Getenv(daemonEnv) != "1" {
		return
	}
	os.Exit(intermediate(os.Args, os.Environ()))
}

// startDaemon runs path through an intermediate process. files is laid out as for
// forkExec, the intermediate gets a report pipe at slot len(files) on which it writes
// either "pid <n>" or "err <errno>". The intermediate is reaped before returning.
func startDaemon(path string, argv, envp []string, files []int) (int, error) {
	self, err := os.Executable()
	if err != nil {
		return 0, err
	}
	r, w, err := os.Pipe()
	if err != nil {
		return 0, err
	}
	defer r.Close()

	attr := &syscall.ProcAttr{
		Env:   append(append([]string(nil), envp...), daemonEnv+"=1"),
		Files: make([]uintptr, len(files)+1),
		Sys:   &syscall.SysProcAttr{Setsid: true},
	}
	var closed []string
	for i, n := range files {
		attr.Files[i] = uintptr(n)
		if n == closeSlot {
			closed = append(closed, strconv.Itoa(i))
		}
	}
	attr.Files[len(files)] = w.Fd()

	list := "-"
	if len(closed) > 0 {
		list = strings.Join(closed, ",")
	}
	targv := append([]string{"sysio-daemon", strconv.Itoa(len(files)), list, path}, argv...)

	mid, err := syscall.ForkExec(self, targv, attr)
	w.Close()
	if err != nil {
		return 0, err
	}

	report, readErr := io.ReadAll(r)
	ws, waitErr := wait4(mid)
	if waitErr != nil {
		return 0, waitErr
	}

	var kind string
	var v int
	if _, err := fmt.Sscanf(string(report), "%s %d", &kind, &v); err != nil {
		return 0, fmt.Errorf("intermediate process %d ended with %s and no report (read error: %v)", mid, decode(ws), readErr)
	}
	switch kind {
	case "pid":
		return v, nil
	case "err":
		return 0, syscall.Errno(v)
	}
	return 0, fmt.Errorf("intermediate process %d sent a bad report %q", mid, report)
}

// intermediate is the body of the intermediate process. args are as built by startDaemon:
// the slot count, the closed slots ("-" for none), the path and the program's argv. Every
// slot below the count is already where the program needs it.
func intermediate(args, env []string) int {
	if len(args) < 4 {
		return 2
	}
	n, err := strconv.Atoi(args[1])
	if err != nil || n < 0 {
		return 2
	}
	report := os.NewFile(uintptr(n), "report")
	syscall.CloseOnExec(n)

	files := make([]uintptr, n)
	for i := range files {
		files[i] = uintptr(i)
	}
	if args[2] != "-" {
		for _, c := range strings.Split(args[2], ",") {
			i, err := strconv.Atoi(c)
			if err != nil || i < 0 || i >= n {
				return 2
			}
			// The runtime may have opened /dev/null here at startup.
			files[i] = ^uintptr(0)
		}
	}

	var keep []string
	for _, kv := range env {
		if !strings.HasPrefix(kv, daemonEnv+"=") {
			keep = append(keep, kv)
		}
	}

	pid, err := syscall.ForkExec(args[3], args[4:], &syscall.ProcAttr{Env: keep, Files: files})
	if err != nil {
		errno, ok := err.(syscall.Errno)
		if !ok {
			errno = syscall.EINVAL
		}
		fmt.Fprintf(report, "err %d", int(errno))
		return 1
	}
	fmt.Fprintf(report, "pid %d", pid)
	return 0
}
