package poll

import (
	"testing"
	"time"

	"github.com/johnsiilver/sysio/fd"
	"github.com/kylelemons/godebug/pretty"
)

func TestPollZeroTimeout(t *testing.T) {
	r, w, err := fd.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	start := time.Now()
	n, err := Poll([]PollFd{For(r, In)}, 0)
	if err != nil || n != 0 {
		t.Fatalf("TestPollZeroTimeout: got (%d, %v), want (0, nil)", n, err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("TestPollZeroTimeout: a zero timeout blocked")
	}
}

func TestPollTimeout(t *testing.T) {
	r, w, err := fd.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	start := time.Now()
	n, err := Poll([]PollFd{For(r, In)}, 30)
	if err != nil || n != 0 {
		t.Fatalf("TestPollTimeout: got (%d, %v), want (0, nil)", n, err)
	}
	if since := time.Since(start); since < 25*time.Millisecond {
		t.Errorf("TestPollTimeout: returned after %v, want about 30ms", since)
	}
}

func TestPollReady(t *testing.T) {
	r, w, err := fd.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	r2, w2, err := fd.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r2.Close()
	defer w2.Close()

	go func() {
		time.Sleep(10 * time.Millisecond)
		w.File().Write([]byte("x"))
	}()

	fds := []PollFd{For(r, In), For(r2, In), {FD: -1, Events: In}}
	n, err := Poll(fds, -1)
	if err != nil {
		t.Fatalf("TestPollReady: got err == %s, want err == nil", err)
	}
	if n != 1 {
		t.Errorf("TestPollReady: got %d ready, want 1", n)
	}

	got := []Event{fds[0].Revents, fds[1].Revents, fds[2].Revents}
	if diff := pretty.Compare([]Event{In, 0, 0}, got); diff != "" {
		t.Errorf("TestPollReady: -want/+got:\n%s", diff)
	}
}

func TestPollHup(t *testing.T) {
	r, w, err := fd.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	w.Close()

	fds := []PollFd{For(r, In)}
	n, err := Poll(fds, 1000)
	if err != nil || n != 1 {
		t.Fatalf("TestPollHup: got (%d, %v), want (1, nil)", n, err)
	}
	if fds[0].Revents&Hup == 0 {
		t.Errorf("TestPollHup: got %#x, want Hup set", fds[0].Revents)
	}
}

func TestPollOut(t *testing.T) {
	r, w, err := fd.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	fds := []PollFd{For(w, Out)}
	if n, err := Poll(fds, 0); err != nil || n != 1 || fds[0].Revents != Out {
		t.Errorf("TestPollOut: got (%d, %#x, %v), want (1, Out, nil)", n, fds[0].Revents, err)
	}
}
