package proc

import (
	"os"
	"sort"

	log "github.com/golang/glog"
	"github.com/shirou/gopsutil/process"
	"golang.org/x/sys/unix"
)

// scanLimit bounds the fallback scan when the open file listing is unavailable.
const scanLimit = 4096

// inheritable returns the descriptors of this process that would survive an exec,
// meaning they are open and do not have FD_CLOEXEC set.
func inheritable() ([]int, error) {
	var candidates []int

	p, err := process.NewProcess(int32(os.Getpid()))
	if err == nil {
		var files []process.OpenFilesStat
		files, err = p.OpenFiles()
		for _, f := range files {
			candidates = append(candidates, int(f.Fd))
		}
	}
	if err != nil {
		log.V(1).Infof("open file listing unavailable (%s), scanning descriptors", err)
		candidates = candidates[:0]
		for n := 0; n < scanLimit; n++ {
			candidates = append(candidates, n)
		}
	}

	var out []int
	for _, n := range candidates {
		flags, err := unix.FcntlInt(uintptr(n), unix.F_GETFD, 0)
		if err != nil {
			// Not open anymore, like the directory handle used for the listing.
			continue
		}
		if flags&unix.FD_CLOEXEC == 0 {
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out, nil
}
