package ipc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/johnsiilver/sysio/fd"
	"github.com/johnsiilver/sysio/sock"
	"github.com/johnsiilver/sysio/syserr"
	"github.com/kylelemons/godebug/pretty"
)

var transports = []Transport{SeqPacket, Stream}

func mustPair(t *testing.T, tr Transport, options ...Option) (*Channel, *Channel) {
	t.Helper()
	a, b, err := ConnectedPair(append([]Option{WithTransport(tr)}, options...)...)
	if err != nil {
		t.Fatalf("ConnectedPair(%s): got err == %s, want err == nil", tr, err)
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestRoundTrip(t *testing.T) {
	for _, tr := range transports {
		a, b := mustPair(t, tr)

		r, w, err := fd.Pipe()
		if err != nil {
			t.Fatal(err)
		}
		defer r.Close()
		defer w.Close()

		out := &sock.Message{
			Buffers: [][]byte{[]byte("hello "), []byte("world")},
			FDs:     []*fd.Descriptor{w},
		}
		if n, err := a.SendMsg(out); err != nil || n != 11 {
			t.Fatalf("TestRoundTrip(%s): SendMsg(): got (%d, %v), want (11, nil)", tr, n, err)
		}

		// Received into two segments of a different shape than were sent.
		first, second := make([]byte, 3), make([]byte, 32)
		in := &sock.Message{Buffers: [][]byte{first, second}}
		n, err := b.RecvMsg(in)
		if err != nil {
			t.Fatalf("TestRoundTrip(%s): RecvMsg(): got err == %s, want err == nil", tr, err)
		}
		if got := string(first) + string(second[:n-3]); got != "hello world" {
			t.Errorf("TestRoundTrip(%s): got payload %q, want %q", tr, got, "hello world")
		}
		if len(in.FDs) != 1 {
			t.Fatalf("TestRoundTrip(%s): got %d descriptors, want 1", tr, len(in.FDs))
		}
		if in.Flags != 0 {
			t.Errorf("TestRoundTrip(%s): got flags %#x, want 0", tr, in.Flags)
		}

		rw := in.FDs[0]
		if _, err := rw.File().Write([]byte("x")); err != nil {
			t.Errorf("TestRoundTrip(%s): write through received descriptor: %s", tr, err)
		}
		rw.Close()
		buf := make([]byte, 1)
		if _, err := io.ReadFull(r.File(), buf); err != nil || buf[0] != 'x' {
			t.Errorf("TestRoundTrip(%s): read back from pipe: got (%q, %v)", tr, buf, err)
		}
	}
}

func TestEmptyMessage(t *testing.T) {
	for _, tr := range transports {
		a, b := mustPair(t, tr)

		if _, err := a.SendMsg(&sock.Message{}); err != nil {
			t.Fatalf("TestEmptyMessage(%s): SendMsg(): %s", tr, err)
		}
		n, err := b.RecvMsg(&sock.Message{Buffers: [][]byte{make([]byte, 8)}})
		if err != nil || n != 0 {
			t.Errorf("TestEmptyMessage(%s): got (%d, %v), want (0, nil)", tr, n, err)
		}
	}
}

func TestTruncated(t *testing.T) {
	for _, tr := range transports {
		a, b := mustPair(t, tr)

		for _, s := range []string{"0123456789", "next"} {
			if _, err := a.SendMsg(&sock.Message{Buffers: [][]byte{[]byte(s)}}); err != nil {
				t.Fatal(err)
			}
		}

		small := &sock.Message{Buffers: [][]byte{make([]byte, 4)}}
		n, err := b.RecvMsg(small)
		if !errors.Is(err, syserr.ErrTruncated) {
			t.Errorf("TestTruncated(%s): got err == %v, want Truncated", tr, err)
		}
		if n != 4 || string(small.Buffers[0]) != "0123" {
			t.Errorf("TestTruncated(%s): got (%d, %q), want (4, %q)", tr, n, small.Buffers[0][:n], "0123")
		}
		if small.Flags&sock.FlagTruncated == 0 {
			t.Errorf("TestTruncated(%s): FlagTruncated not set", tr)
		}

		// The excess was discarded, the next message is intact.
		next := &sock.Message{Buffers: [][]byte{make([]byte, 16)}}
		n, err = b.RecvMsg(next)
		if err != nil {
			t.Fatalf("TestTruncated(%s): RecvMsg() after truncation: %s", tr, err)
		}
		if got := string(next.Buffers[0][:n]); got != "next" {
			t.Errorf("TestTruncated(%s): got %q after truncation, want %q", tr, got, "next")
		}
	}
}

func TestTooManyFDs(t *testing.T) {
	for _, tr := range transports {
		a, _ := mustPair(t, tr, MaxFDs(1))

		r, w, err := fd.Pipe()
		if err != nil {
			t.Fatal(err)
		}
		defer r.Close()
		defer w.Close()

		_, err = a.SendMsg(&sock.Message{Buffers: [][]byte{[]byte("x")}, FDs: []*fd.Descriptor{r, w}})
		if !errors.Is(err, syserr.ErrArgument) {
			t.Errorf("TestTooManyFDs(%s): got err == %v, want ArgumentError", tr, err)
		}
	}
}

func TestPeerClosed(t *testing.T) {
	for _, tr := range transports {
		a, b := mustPair(t, tr)
		a.Close()

		_, err := b.RecvMsg(&sock.Message{Buffers: [][]byte{make([]byte, 8)}})
		if !errors.Is(err, syserr.ErrPeerClosed) {
			t.Errorf("TestPeerClosed(%s): got err == %v, want PeerClosed", tr, err)
		}
	}
}

func TestRecvClosed(t *testing.T) {
	for _, tr := range transports {
		_, b := mustPair(t, tr)

		errCh := make(chan error, 1)
		go func() {
			_, err := b.RecvMsg(&sock.Message{Buffers: [][]byte{make([]byte, 8)}})
			errCh <- err
		}()
		time.Sleep(20 * time.Millisecond)
		b.Close()

		select {
		case err := <-errCh:
			if !errors.Is(err, syserr.ErrClosed) {
				t.Errorf("TestRecvClosed(%s): got err == %v, want Closed", tr, err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("TestRecvClosed(%s): RecvMsg() did not return after Close()", tr)
		}
	}
}

func TestRecvDeadline(t *testing.T) {
	for _, tr := range transports {
		_, b := mustPair(t, tr)

		_, err := b.RecvMsgDeadline(&sock.Message{Buffers: [][]byte{make([]byte, 8)}}, time.Now().Add(20*time.Millisecond))
		if !errors.Is(err, syserr.ErrTimeout) {
			t.Errorf("TestRecvDeadline(%s): got err == %v, want Timeout", tr, err)
		}
	}
}

// TestStreamPartial writes a frame in pieces below the framing layer and checks that
// a receive whose deadline expires mid frame loses nothing.
func TestStreamPartial(t *testing.T) {
	raw, other, err := sock.Pair(sock.Stream)
	if err != nil {
		t.Fatal(err)
	}
	o := defaultOptions()
	o.transport = Stream
	ch := newChannel(other, o)
	defer raw.Close()
	defer ch.Close()

	frame := make([]byte, headerSize)
	header{payload: 6, fds: 0}.encode(frame)
	frame = append(frame, "abcdef"...)

	if _, err := raw.Send(frame[:5]); err != nil {
		t.Fatal(err)
	}
	m := &sock.Message{Buffers: [][]byte{make([]byte, 16)}}
	if _, err := ch.RecvMsgDeadline(m, time.Now().Add(20*time.Millisecond)); !errors.Is(err, syserr.ErrTimeout) {
		t.Fatalf("TestStreamPartial: partial header: got err == %v, want Timeout", err)
	}

	if _, err := raw.Send(frame[5:10]); err != nil {
		t.Fatal(err)
	}
	if _, err := ch.RecvMsgDeadline(m, time.Now().Add(20*time.Millisecond)); !errors.Is(err, syserr.ErrTimeout) {
		t.Fatalf("TestStreamPartial: partial payload: got err == %v, want Timeout", err)
	}

	if _, err := raw.Send(frame[10:]); err != nil {
		t.Fatal(err)
	}
	n, err := ch.RecvMsgDeadline(m, time.Now().Add(5*time.Second))
	if err != nil {
		t.Fatalf("TestStreamPartial: got err == %s, want err == nil", err)
	}
	if got := string(m.Buffers[0][:n]); got != "abcdef" {
		t.Errorf("TestStreamPartial: got %q, want %q", got, "abcdef")
	}

	// Peer going away mid frame.
	if _, err := raw.Send(frame[:3]); err != nil {
		t.Fatal(err)
	}
	raw.Close()
	if _, err := ch.RecvMsg(m); !errors.Is(err, syserr.ErrPeerClosed) {
		t.Errorf("TestStreamPartial: closed mid frame: got err == %v, want PeerClosed", err)
	}
}

func TestStreamMaxSize(t *testing.T) {
	a, b := mustPair(t, Stream, MaxSize(4))

	if _, err := a.SendMsg(&sock.Message{Buffers: [][]byte{[]byte("too big")}}); err != nil {
		t.Fatal(err)
	}
	_, err := b.RecvMsg(&sock.Message{Buffers: [][]byte{make([]byte, 16)}})
	if !errors.Is(err, syserr.ErrTransport) {
		t.Errorf("TestStreamMaxSize: got err == %v, want TransportError", err)
	}
}

func TestServer(t *testing.T) {
	for _, tr := range transports {
		serv, err := NewServer(uuid.New().String(), WithTransport(tr))
		if err != nil {
			t.Fatalf("TestServer(%s): NewServer(): got err == %s, want err == nil", tr, err)
		}
		defer serv.Close()

		type result struct {
			ch  *Channel
			err error
		}
		accepted := make(chan result, 1)
		go func() {
			ch, err := serv.Accept()
			accepted <- result{ch, err}
		}()

		client, err := Connect(strings.TrimPrefix(serv.Addr(), "@"), WithTransport(tr))
		if err != nil {
			t.Fatalf("TestServer(%s): Connect(): got err == %s, want err == nil", tr, err)
		}
		defer client.Close()

		res := <-accepted
		if res.err != nil {
			t.Fatalf("TestServer(%s): Accept(): got err == %s, want err == nil", tr, res.err)
		}
		conn := res.ch
		defer conn.Close()

		want, _, err := Current()
		if err != nil {
			t.Fatal(err)
		}
		got, err := conn.PeerCred()
		if err != nil {
			t.Fatalf("TestServer(%s): PeerCred(): %s", tr, err)
		}
		// GID is left out, the primary group of the user need not be the process's group.
		want.GID, got.GID = 0, 0
		if diff := pretty.Compare(want, got); diff != "" {
			t.Errorf("TestServer(%s): PeerCred(): -want/+got:\n%s", tr, diff)
		}

		if _, err := client.SendMsg(&sock.Message{Buffers: [][]byte{[]byte("ping")}}); err != nil {
			t.Fatal(err)
		}
		m := &sock.Message{Buffers: [][]byte{make([]byte, 8)}}
		n, err := conn.RecvMsg(m)
		if err != nil || string(m.Buffers[0][:n]) != "ping" {
			t.Errorf("TestServer(%s): got (%q, %v), want (%q, nil)", tr, m.Buffers[0][:n], err, "ping")
		}

		if err := serv.Close(); err != nil {
			t.Errorf("TestServer(%s): Close(): %s", tr, err)
		}
		if _, err := serv.Accept(); !errors.Is(err, syserr.ErrClosed) {
			t.Errorf("TestServer(%s): Accept() after Close(): got err == %v, want Closed", tr, err)
		}
		select {
		case <-serv.Closed():
		default:
			t.Errorf("TestServer(%s): Closed() not signaled after Close()", tr)
		}
	}
}

func TestServerPath(t *testing.T) {
	p := filepath.Join(t.TempDir(), "s.sock")

	// A stale file is replaced.
	if err := os.WriteFile(p, []byte("stale"), 0600); err != nil {
		t.Fatal(err)
	}

	serv, err := NewServer(p, FileMode(0700))
	if err != nil {
		t.Fatalf("TestServerPath: NewServer(): got err == %s, want err == nil", err)
	}

	st, err := os.Stat(p)
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode()&os.ModeSocket == 0 {
		t.Errorf("TestServerPath: %s is not a socket: %v", p, st.Mode())
	}
	if st.Mode().Perm() != 0700 {
		t.Errorf("TestServerPath: got mode %v, want %v", st.Mode().Perm(), os.FileMode(0700))
	}

	c, err := Connect(p)
	if err != nil {
		t.Fatalf("TestServerPath: Connect(): %s", err)
	}
	c.Close()

	serv.Close()
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Errorf("TestServerPath: socket file still exists after Close(): %v", err)
	}
}

func TestConnectMissing(t *testing.T) {
	p := filepath.Join(t.TempDir(), "nobody.sock")
	if _, err := Connect(p); !errors.Is(err, syserr.ErrTransport) {
		t.Errorf("TestConnectMissing: got err == %v, want TransportError", err)
	}
}

func TestCloseOnUnlink(t *testing.T) {
	p := filepath.Join(t.TempDir(), "watched.sock")

	serv, err := NewServer(p, CloseOnUnlink())
	if err != nil {
		t.Fatalf("TestCloseOnUnlink: NewServer(): %s", err)
	}
	defer serv.Close()

	if err := os.Remove(p); err != nil {
		t.Fatal(err)
	}

	select {
	case <-serv.Closed():
	case <-time.After(5 * time.Second):
		t.Fatalf("TestCloseOnUnlink: server was not closed after its file was removed")
	}
	if _, err := serv.Accept(); !errors.Is(err, syserr.ErrClosed) {
		t.Errorf("TestCloseOnUnlink: Accept(): got err == %v, want Closed", err)
	}
}

func TestResolve(t *testing.T) {
	long := strings.Repeat("a", maxAddrLen)

	tests := []struct {
		desc    string
		addr    string
		want    address
		wantErr bool
	}{
		{desc: "empty", addr: "", wantErr: true},
		{desc: "path", addr: "/tmp/x.sock", want: address{name: "/tmp/x.sock", path: "/tmp/x.sock"}},
		{desc: "too long", addr: "/" + long, wantErr: true},
	}
	if runtime.GOOS == "linux" {
		tests = append(tests, struct {
			desc    string
			addr    string
			want    address
			wantErr bool
		}{desc: "abstract", addr: "svc-a", want: address{name: "@svc-a"}})
	}

	for _, test := range tests {
		got, err := resolve(test.addr)
		switch {
		case err == nil && test.wantErr:
			t.Errorf("TestResolve(%s): got err == nil, want err != nil", test.desc)
			continue
		case err != nil && !test.wantErr:
			t.Errorf("TestResolve(%s): got err == %s, want err == nil", test.desc, err)
			continue
		case err != nil:
			continue
		}
		if diff := pretty.Compare(test.want, got); diff != "" {
			t.Errorf("TestResolve(%s): -want/+got:\n%s", test.desc, diff)
		}
	}
}

func TestOptionErrors(t *testing.T) {
	tests := []struct {
		desc string
		opt  Option
	}{
		{"MaxFDs(0)", MaxFDs(0)},
		{"MaxFDs(254)", MaxFDs(254)},
		{"Backlog(0)", Backlog(0)},
		{"MaxSize(-1)", MaxSize(-1)},
		{"WithTransport(9)", WithTransport(9)},
		{"SharedHeaderPool(nil)", SharedHeaderPool(nil)},
	}

	for _, test := range tests {
		if _, _, err := ConnectedPair(test.opt); !errors.Is(err, syserr.ErrArgument) {
			t.Errorf("TestOptionErrors(%s): got err == %v, want ArgumentError", test.desc, err)
		}
	}
}

func TestHeaderPool(t *testing.T) {
	p := NewHeaderPool(1)
	b := p.Get()
	if len(*b) != headerSize {
		t.Fatalf("TestHeaderPool: got buffer of %d bytes, want %d", len(*b), headerSize)
	}
	(*b) = (*b)[:2]
	p.Put(b)
	if b2 := p.Get(); len(*b2) != headerSize {
		t.Errorf("TestHeaderPool: reused buffer has %d bytes, want %d", len(*b2), headerSize)
	}
}

func TestPingPong(t *testing.T) {
	serv, err := NewServer("svc-a-" + uuid.New().String())
	if err != nil {
		t.Fatal(err)
	}
	defer serv.Close()

	done := make(chan error, 1)
	go func() {
		ch, err := serv.Accept()
		if err != nil {
			done <- err
			return
		}
		defer ch.Close()

		m := &sock.Message{Buffers: [][]byte{make([]byte, 16)}}
		n, err := ch.RecvMsg(m)
		if err != nil {
			done <- err
			return
		}
		if string(m.Buffers[0][:n]) != "ping" || len(m.FDs) != 1 {
			done <- fmt.Errorf("got %q with %d descriptors, want \"ping\" with 1", m.Buffers[0][:n], len(m.FDs))
			return
		}
		_, err = m.FDs[0].File().Write([]byte("pong"))
		m.FDs[0].Close()
		done <- err
	}()

	ch, err := Connect(strings.TrimPrefix(serv.Addr(), "@"))
	if err != nil {
		t.Fatalf("TestPingPong: Connect(): %s", err)
	}
	defer ch.Close()

	r, w, err := fd.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if _, err := ch.SendMsg(&sock.Message{Buffers: [][]byte{[]byte("ping")}, FDs: []*fd.Descriptor{w}}); err != nil {
		t.Fatalf("TestPingPong: SendMsg(): %s", err)
	}
	w.Close()

	if err := <-done; err != nil {
		t.Fatalf("TestPingPong: server: %s", err)
	}
	got, err := io.ReadAll(r.File())
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "pong" {
		t.Errorf("TestPingPong: got %q, want %q", got, "pong")
	}
}
