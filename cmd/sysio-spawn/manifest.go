package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/johnsiilver/sysio/fd"
	"github.com/johnsiilver/sysio/proc"
)

// manifest describes a child to start. It is read from a TOML file and then amended by
// flags.
type manifest struct {
	Program   string       `toml:"program"`
	Args      []string     `toml:"args"`
	Env       []string     `toml:"env"`
	KeepFDs   bool         `toml:"keep_fds"`
	Daemonize bool         `toml:"daemonize"`
	Remap     []remapEntry `toml:"remap"`
	Close     []int        `toml:"close"`
}

type remapEntry struct {
	Child  int `toml:"child"`
	Parent int `toml:"parent"`
}

func loadManifest(path string) (manifest, error) {
	var m manifest
	meta, err := toml.DecodeFile(path, &m)
	if err != nil {
		return manifest{}, fmt.Errorf("could not decode manifest %s: %w", path, err)
	}
	if und := meta.Undecoded(); len(und) > 0 {
		return manifest{}, fmt.Errorf("manifest %s has unknown keys: %v", path, und)
	}
	return m, nil
}

// parseRemap parses "child=parent".
func parseRemap(s string) (remapEntry, error) {
	c, p, ok := strings.Cut(s, "=")
	if !ok {
		return remapEntry{}, fmt.Errorf("remap %q is not child=parent", s)
	}
	child, err := strconv.Atoi(strings.TrimSpace(c))
	if err != nil {
		return remapEntry{}, fmt.Errorf("remap %q: bad child slot: %w", s, err)
	}
	parent, err := strconv.Atoi(strings.TrimSpace(p))
	if err != nil {
		return remapEntry{}, fmt.Errorf("remap %q: bad parent descriptor: %w", s, err)
	}
	return remapEntry{Child: child, Parent: parent}, nil
}

func (m manifest) flags() proc.Flags {
	var f proc.Flags
	if m.KeepFDs {
		f |= proc.KeepFDs
	}
	if m.Daemonize {
		f |= proc.Daemonize
	}
	return f
}

// remaps adopts the parent descriptors named in the manifest and builds the table for
// proc.Spawn(). The same parent may feed several children.
func (m manifest) remaps(adopt func(n int) (*fd.Descriptor, error)) ([]proc.Remap, error) {
	adopted := map[int]*fd.Descriptor{}
	var out []proc.Remap
	for _, r := range m.Remap {
		d, ok := adopted[r.Parent]
		if !ok {
			var err error
			d, err = adopt(r.Parent)
			if err != nil {
				return nil, fmt.Errorf("parent descriptor %d: %w", r.Parent, err)
			}
			adopted[r.Parent] = d
		}
		out = append(out, proc.Remap{Child: r.Child, Parent: d})
	}

	closes := append([]int(nil), m.Close...)
	sort.Ints(closes)
	for _, c := range closes {
		out = append(out, proc.CloseSlot(c))
	}
	return out, nil
}

// argv is the child's argument vector.
func (m manifest) argv() []string {
	return append([]string{m.Program}, m.Args...)
}
