/*
sysio-spawn starts a program with an explicit descriptor layout, waits for it, prints how
it ended to stderr and exits with its exit code (128+signal if it was killed).

	sysio-spawn --remap 0=0 --remap 1=5 --close 2 -- /bin/cat -u

starts cat with our stdin as its stdin, our descriptor 5 as its stdout and no stderr.
Nothing else is inherited unless --keep-fds is given. A manifest can hold the same:

	program = "/bin/cat"
	args = ["-u"]
	close = [2]

	[[remap]]
	child = 1
	parent = 5

Flags add to what the manifest says.
*/
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/johnsiilver/sysio/fd"
	"github.com/johnsiilver/sysio/proc"
	"github.com/kylelemons/godebug/pretty"
	"github.com/spf13/pflag"

	log "github.com/golang/glog"
)

var (
	manifestPath = pflag.String("manifest", "", "A TOML file describing the child")
	remaps       = pflag.StringArray("remap", nil, "child=parent: the child's slot gets our descriptor parent. Repeatable")
	closes       = pflag.IntSlice("close", nil, "Child slots that must be closed, winning over --keep-fds")
	keepFDs      = pflag.Bool("keep-fds", false, "Keep our inheritable descriptors open in the child")
	daemonize    = pflag.Bool("daemonize", false, "Start the child in its own session and don't wait for it")
	env          = pflag.StringArray("env", nil, "KEY=VALUE added to the child's environment. Repeatable")
	dump         = pflag.Bool("dump", false, "Print the resolved manifest before starting")
)

func main() {
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()
	defer log.Flush()

	m, err := buildManifest()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *dump {
		fmt.Fprintln(os.Stderr, pretty.Sprint(m))
	}

	code, err := run(m)
	if err != nil {
		log.Flush()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(127)
	}
	log.Flush()
	os.Exit(code)
}

func buildManifest() (manifest, error) {
	var m manifest
	if *manifestPath != "" {
		var err error
		m, err = loadManifest(*manifestPath)
		if err != nil {
			return manifest{}, err
		}
	}

	if args := pflag.Args(); len(args) > 0 {
		m.Program = args[0]
		m.Args = args[1:]
	}
	if m.Program == "" {
		return manifest{}, fmt.Errorf("no program given, use --manifest or -- program args")
	}

	for _, s := range *remaps {
		r, err := parseRemap(s)
		if err != nil {
			return manifest{}, err
		}
		m.Remap = append(m.Remap, r)
	}
	m.Close = append(m.Close, (*closes)...)
	m.Env = append(m.Env, (*env)...)
	m.KeepFDs = m.KeepFDs || *keepFDs
	m.Daemonize = m.Daemonize || *daemonize
	return m, nil
}

func run(m manifest) (int, error) {
	remap, err := m.remaps(func(n int) (*fd.Descriptor, error) {
		return fd.Adopt(n, fd.Unknown, fmt.Sprintf("parent-%d", n))
	})
	if err != nil {
		return 0, err
	}

	var envp []string
	if len(m.Env) > 0 {
		envp = append(os.Environ(), m.Env...)
	}

	p, err := proc.Spawn(m.Program, remap, m.flags(), m.argv(), envp)
	if err != nil {
		return 0, err
	}
	if p.Detached() {
		fmt.Printf("started %s as pid %d\n", m.Program, p.Pid())
		return 0, nil
	}

	status, err := p.Wait()
	if err != nil {
		return 0, err
	}
	fmt.Fprintf(os.Stderr, "%s (pid %d): %s\n", m.Program, p.Pid(), status)
	if status.Signaled() {
		return 128 + int(status.Signal()), nil
	}
	return status.Code(), nil
}
