//go:build unix && !linux

package proc

func blockUntilWaitable(pid int) (bool, error) {
	return false, nil
}
