package proc

import (
	"testing"

	"github.com/kylelemons/godebug/pretty"
)

// fakeFDs simulates a process descriptor table holding named resources.
type fakeFDs map[int]string

func (f fakeFDs) dupAbove(src, min int) (int, error) {
	n := min
	for {
		if _, ok := f[n]; !ok {
			break
		}
		n++
	}
	f[n] = f[src]
	return n, nil
}

// place installs files in slot order, the way a naive child side loop would.
func (f fakeFDs) place(files []int) fakeFDs {
	out := fakeFDs{}
	for k, v := range f {
		out[k] = v
	}
	for i, src := range files {
		if src == closeSlot {
			delete(out, i)
			continue
		}
		out[i] = out[src]
	}
	child := fakeFDs{}
	for i := range files {
		if v, ok := out[i]; ok {
			child[i] = v
		}
	}
	return child
}

func TestLayout(t *testing.T) {
	tests := []struct {
		desc        string
		entries     []slot
		inheritable []int
		keep        bool
		want        []int
	}{
		{
			desc:    "stdin/stdout only",
			entries: []slot{{child: 0, parent: 7}, {child: 1, parent: 8}},
			want:    []int{7, 8},
		},
		{
			desc:        "inheritable descriptors are closed without keep",
			entries:     []slot{{child: 1, parent: 8}},
			inheritable: []int{0, 2, 5},
			want:        []int{closeSlot, 8, closeSlot, closeSlot, closeSlot, closeSlot},
		},
		{
			desc:        "keep leaves inheritable descriptors in place",
			entries:     []slot{{child: 1, parent: 8}},
			inheritable: []int{0, 2, 5},
			keep:        true,
			want:        []int{0, 8, 2, closeSlot, closeSlot, 5},
		},
		{
			desc:        "close marker wins over keep",
			entries:     []slot{{child: 2, parent: closeSlot}},
			inheritable: []int{0, 1, 2},
			keep:        true,
			want:        []int{0, 1, closeSlot},
		},
	}

	for _, test := range tests {
		got := layout(test.entries, test.inheritable, test.keep)
		if diff := pretty.Compare(test.want, got); diff != "" {
			t.Errorf("TestLayout(%s): -want/+got:\n%s", test.desc, diff)
		}
	}
}

func TestStage(t *testing.T) {
	tests := []struct {
		desc     string
		contents fakeFDs
		entries  []slot
		want     fakeFDs
	}{
		{
			desc:     "swap 3 and 4",
			contents: fakeFDs{3: "a", 4: "b"},
			entries:  []slot{{child: 3, parent: 4}, {child: 4, parent: 3}},
			want:     fakeFDs{3: "b", 4: "a"},
		},
		{
			desc:     "rotate 0, 1 and 2",
			contents: fakeFDs{0: "in", 1: "out", 2: "err"},
			entries:  []slot{{child: 0, parent: 1}, {child: 1, parent: 2}, {child: 2, parent: 0}},
			want:     fakeFDs{0: "out", 1: "err", 2: "in"},
		},
		{
			desc:     "same source at two slots, one its own",
			contents: fakeFDs{1: "out", 9: "log"},
			entries:  []slot{{child: 1, parent: 1}, {child: 2, parent: 1}, {child: 0, parent: 9}},
			want:     fakeFDs{0: "log", 1: "out", 2: "out"},
		},
		{
			desc:     "source is closed by another entry",
			contents: fakeFDs{3: "a"},
			entries:  []slot{{child: 3, parent: closeSlot}, {child: 5, parent: 3}},
			want:     fakeFDs{5: "a"},
		},
	}

	for _, test := range tests {
		files := layout(test.entries, nil, false)
		staged, scratch, err := stage(files, test.contents.dupAbove)
		if err != nil {
			t.Errorf("TestStage(%s): got err == %s, want err == nil", test.desc, err)
			continue
		}

		for i, src := range staged {
			if src != closeSlot && src != i && src < len(staged) {
				t.Errorf("TestStage(%s): slot %d still sources %d inside the slot range", test.desc, i, src)
			}
		}
		for _, n := range scratch {
			if n < len(files) {
				t.Errorf("TestStage(%s): scratch descriptor %d is inside the slot range", test.desc, n)
			}
		}

		got := test.contents.place(staged)
		if diff := pretty.Compare(test.want, got); diff != "" {
			t.Errorf("TestStage(%s): -want/+got:\n%s", test.desc, diff)
		}
	}
}
