//go:build unix && !linux

package ipc

import (
	"os"
	"path/filepath"
)

func named(name string) address {
	p := filepath.Join(os.TempDir(), name+".sock")
	return address{name: p, path: p}
}
