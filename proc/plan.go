package proc

import "sort"

// closeSlot marks a child slot that must be closed rather than inherited.
const closeSlot = -1

// slot is one resolved remap entry, using descriptor numbers.
type slot struct {
	child  int
	parent int
}

// layout returns the child's descriptor vector: files[i] is the parent descriptor number
// to install at child slot i, or closeSlot. The vector covers every remapped slot and
// every inheritable parent descriptor, so nothing inheritable escapes into the child
// unless keep is set or it was remapped. Explicit close entries win over keep.
func layout(entries []slot, inheritable []int, keep bool) []int {
	hi := -1
	for _, e := range entries {
		if e.child > hi {
			hi = e.child
		}
	}
	for _, n := range inheritable {
		if n > hi {
			hi = n
		}
	}

	files := make([]int, hi+1)
	for i := range files {
		files[i] = closeSlot
	}
	if keep {
		for _, n := range inheritable {
			files[n] = n
		}
	}
	for _, e := range entries {
		files[e.child] = e.parent
	}
	return files
}

// collisions returns the parent descriptors in files that sit inside the slot range but
// are placed somewhere other than their own slot. Placing the vector in any order could
// overwrite one of them before it is read, so they must move to scratch descriptors first.
func collisions(files []int) []int {
	seen := map[int]bool{}
	var out []int
	for i, src := range files {
		if src < 0 || src == i || src >= len(files) || seen[src] {
			continue
		}
		seen[src] = true
		out = append(out, src)
	}
	sort.Ints(out)
	return out
}

// dupAboveFn duplicates src to the lowest free descriptor >= min.
type dupAboveFn func(src, min int) (int, error)

// stage is the first phase of the remap. Every colliding source is duplicated above the
// slot range and the vector is rewritten to use the duplicates. After stage, every entry
// is closeSlot, its own slot, or a number outside the slot range, so the final placement
// can run in any order. The returned scratch descriptors must be closed by the caller,
// even when an error is returned.
func stage(files []int, dupAbove dupAboveFn) (staged []int, scratch []int, err error) {
	moved := map[int]int{}
	for _, src := range collisions(files) {
		n, err := dupAbove(src, len(files))
		if err != nil {
			return nil, scratch, err
		}
		moved[src] = n
		scratch = append(scratch, n)
	}

	staged = make([]int, len(files))
	for i, src := range files {
		staged[i] = src
		if n, ok := moved[src]; ok && src != i {
			staged[i] = n
		}
	}
	return staged, scratch, nil
}
