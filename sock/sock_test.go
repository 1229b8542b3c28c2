package sock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/johnsiilver/sysio/fd"
	"github.com/johnsiilver/sysio/syserr"
	"github.com/kylelemons/godebug/pretty"
	"golang.org/x/sys/unix"
)

func mustPair(t *testing.T, typ Type) (*Endpoint, *Endpoint) {
	t.Helper()
	a, b, err := Pair(typ)
	if err != nil {
		t.Fatalf("Pair(%v): got err == %s, want err == nil", typ, err)
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestSendRecv(t *testing.T) {
	tests := []struct {
		desc string
		typ  Type
	}{
		{"stream", Stream},
		{"datagram", Datagram},
		{"seqpacket", SeqPacket},
	}

	for _, test := range tests {
		a, b := mustPair(t, test.typ)

		if _, err := a.Send([]byte("hello world")); err != nil {
			t.Errorf("TestSendRecv(%s): Send(): got err == %s, want err == nil", test.desc, err)
			continue
		}
		buf := make([]byte, 64)
		n, err := b.Recv(buf)
		if err != nil {
			t.Errorf("TestSendRecv(%s): Recv(): got err == %s, want err == nil", test.desc, err)
			continue
		}
		if string(buf[:n]) != "hello world" {
			t.Errorf("TestSendRecv(%s): got %q, want %q", test.desc, buf[:n], "hello world")
		}
	}
}

func TestPassDescriptors(t *testing.T) {
	a, b := mustPair(t, SeqPacket)

	r, w, err := fd.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	m := &Message{Buffers: [][]byte{[]byte("pipe")}, FDs: []*fd.Descriptor{w}}
	if _, err := a.SendMsg(m); err != nil {
		t.Fatalf("TestPassDescriptors: SendMsg(): got err == %s, want err == nil", err)
	}
	// The sender's copy is still ours to close.
	w.Close()

	got := &Message{Buffers: [][]byte{make([]byte, 16)}, MaxFDs: 4}
	n, err := b.RecvMsg(got)
	if err != nil {
		t.Fatalf("TestPassDescriptors: RecvMsg(): got err == %s, want err == nil", err)
	}
	if string(got.Buffers[0][:n]) != "pipe" {
		t.Errorf("TestPassDescriptors: got payload %q, want %q", got.Buffers[0][:n], "pipe")
	}
	if len(got.FDs) != 1 {
		t.Fatalf("TestPassDescriptors: got %d descriptors, want 1", len(got.FDs))
	}
	rw := got.FDs[0]
	defer rw.Close()
	if rw.Kind() != fd.PipeWrite {
		t.Errorf("TestPassDescriptors: got kind %v, want %v", rw.Kind(), fd.PipeWrite)
	}

	if _, err := rw.File().Write([]byte("through")); err != nil {
		t.Fatalf("TestPassDescriptors: write on received descriptor: %s", err)
	}
	buf := make([]byte, 7)
	if _, err := io.ReadFull(r.File(), buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "through" {
		t.Errorf("TestPassDescriptors: got %q through the pipe, want %q", buf, "through")
	}

	flags, err := unix.FcntlInt(uintptr(rw.Num()), unix.F_GETFD, 0)
	if err != nil {
		t.Fatal(err)
	}
	if flags&unix.FD_CLOEXEC == 0 {
		t.Errorf("TestPassDescriptors: received descriptor is inheritable, want close-on-exec")
	}
}

func TestFDTruncated(t *testing.T) {
	a, b := mustPair(t, SeqPacket)

	var fds []*fd.Descriptor
	for i := 0; i < 3; i++ {
		r, w, err := fd.Pipe()
		if err != nil {
			t.Fatal(err)
		}
		defer r.Close()
		defer w.Close()
		fds = append(fds, r)
	}

	before := fd.Default().Len()
	if _, err := a.SendMsg(&Message{Buffers: [][]byte{[]byte("x")}, FDs: fds}); err != nil {
		t.Fatal(err)
	}

	got := &Message{Buffers: [][]byte{make([]byte, 4)}, MaxFDs: 1}
	if _, err := b.RecvMsg(got); err != nil {
		t.Fatalf("TestFDTruncated: RecvMsg(): got err == %s, want err == nil", err)
	}
	defer func() {
		for _, d := range got.FDs {
			d.Close()
		}
	}()

	if got.Flags&FlagFDTruncated == 0 {
		t.Errorf("TestFDTruncated: got flags %#x, want FlagFDTruncated set", got.Flags)
	}
	if len(got.FDs) > 1 {
		t.Errorf("TestFDTruncated: got %d descriptors, want at most 1", len(got.FDs))
	}
	if after := fd.Default().Len(); after != before+len(got.FDs) {
		t.Errorf("TestFDTruncated: table grew by %d, want %d", after-before, len(got.FDs))
	}
}

func TestDatagramTruncated(t *testing.T) {
	a, b := mustPair(t, Datagram)

	if _, err := a.Send([]byte("0123456789")); err != nil {
		t.Fatal(err)
	}
	m := &Message{Buffers: [][]byte{make([]byte, 4)}}
	n, err := b.RecvMsg(m)
	if err != nil {
		t.Fatalf("TestDatagramTruncated: got err == %s, want err == nil", err)
	}
	if n != 4 || m.Flags&FlagTruncated == 0 {
		t.Errorf("TestDatagramTruncated: got n == %d, flags %#x; want 4 and FlagTruncated", n, m.Flags)
	}
}

func TestMessageTooLarge(t *testing.T) {
	a, _ := mustPair(t, Datagram)

	if err := a.SetOption(unix.SOL_SOCKET, unix.SO_SNDBUF, 4096); err != nil {
		t.Fatal(err)
	}
	_, err := a.Send(make([]byte, 1<<20))
	if !errors.Is(err, syserr.ErrMessageTooLarge) {
		t.Errorf("TestMessageTooLarge: got err == %v, want MessageTooLarge", err)
	}
}

func TestPeerClosed(t *testing.T) {
	a, b := mustPair(t, Stream)
	a.Close()

	_, err := b.Recv(make([]byte, 8))
	if !errors.Is(err, syserr.ErrPeerClosed) {
		t.Errorf("TestPeerClosed: got err == %v, want PeerClosed", err)
	}
}

func TestRecvDeadline(t *testing.T) {
	a, b := mustPair(t, SeqPacket)

	start := time.Now()
	_, err := b.RecvMsgDeadline(&Message{Buffers: [][]byte{make([]byte, 8)}}, time.Now().Add(50*time.Millisecond))
	if !errors.Is(err, syserr.ErrTimeout) {
		t.Fatalf("TestRecvDeadline: got err == %v, want Timeout", err)
	}
	if since := time.Since(start); since < 40*time.Millisecond {
		t.Errorf("TestRecvDeadline: returned after %v, want about 50ms", since)
	}

	// Data already waiting is returned even when the deadline has passed.
	if _, err := a.Send([]byte("late")); err != nil {
		t.Fatal(err)
	}
	m := &Message{Buffers: [][]byte{make([]byte, 8)}}
	n, err := b.RecvMsgDeadline(m, time.Now().Add(-time.Second))
	if err != nil {
		t.Fatalf("TestRecvDeadline: expired deadline with data ready: got err == %s, want err == nil", err)
	}
	if string(m.Buffers[0][:n]) != "late" {
		t.Errorf("TestRecvDeadline: got %q, want %q", m.Buffers[0][:n], "late")
	}
}

func TestCloseUnblocksAccept(t *testing.T) {
	l, err := Open(Unix, Stream)
	if err != nil {
		t.Fatal(err)
	}
	name := fmt.Sprintf("@sysio-sock-test-%d", time.Now().UnixNano())
	if err := l.Bind(&net.UnixAddr{Name: name, Net: "unix"}); err != nil {
		t.Fatalf("TestCloseUnblocksAccept: Bind(): %s", err)
	}
	if err := l.Listen(1); err != nil {
		t.Fatalf("TestCloseUnblocksAccept: Listen(): %s", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, _, err := l.Accept()
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	l.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, syserr.ErrClosed) {
			t.Errorf("TestCloseUnblocksAccept: got err == %v, want Closed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("TestCloseUnblocksAccept: Accept() did not return after Close()")
	}
}

func TestTCP(t *testing.T) {
	l, err := Open(Inet, Stream)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	if err := l.Bind(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}); err != nil {
		t.Fatalf("TestTCP: Bind(): %s", err)
	}
	if err := l.Listen(8); err != nil {
		t.Fatal(err)
	}
	addr, err := l.LocalAddr()
	if err != nil {
		t.Fatal(err)
	}

	type result struct {
		ep   *Endpoint
		peer net.Addr
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		ep, peer, err := l.Accept()
		ch <- result{ep, peer, err}
	}()

	c, err := DialURI(context.Background(), "tcp://"+addr.String())
	if err != nil {
		t.Fatalf("TestTCP: DialURI(): got err == %s, want err == nil", err)
	}
	defer c.Close()

	res := <-ch
	if res.err != nil {
		t.Fatalf("TestTCP: Accept(): got err == %s, want err == nil", res.err)
	}
	defer res.ep.Close()

	local, err := c.LocalAddr()
	if err != nil {
		t.Fatal(err)
	}
	if diff := pretty.Compare(local.String(), res.peer.String()); diff != "" {
		t.Errorf("TestTCP: accepted peer address -want/+got:\n%s", diff)
	}

	if _, err := c.Send([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := res.ep.Recv(buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "ping" {
		t.Errorf("TestTCP: got %q, want %q", buf, "ping")
	}

	if err := c.Shutdown(ShutWrite); err != nil {
		t.Fatalf("TestTCP: Shutdown(): %s", err)
	}
	if _, err := res.ep.Recv(buf); !errors.Is(err, syserr.ErrPeerClosed) {
		t.Errorf("TestTCP: after Shutdown(ShutWrite): got err == %v, want PeerClosed", err)
	}
}

func TestConnectRefused(t *testing.T) {
	_, err := DialURI(context.Background(), fmt.Sprintf("unix://@sysio-nobody-%d", time.Now().UnixNano()))
	if !errors.Is(err, syserr.ErrTransport) {
		t.Errorf("TestConnectRefused: got err == %v, want TransportError", err)
	}
}

func TestDialURIErrors(t *testing.T) {
	tests := []string{
		"",
		"tcp://",
		"ftp://host:21",
		"tcp://missingport",
	}

	for _, uri := range tests {
		_, err := DialURI(context.Background(), uri)
		if !errors.Is(err, syserr.ErrArgument) {
			t.Errorf("TestDialURIErrors(%q): got err == %v, want ArgumentError", uri, err)
		}
	}
}

func TestWrap(t *testing.T) {
	a, _ := mustPair(t, SeqPacket)

	d, err := a.Descriptor().Dup()
	if err != nil {
		t.Fatal(err)
	}
	w, err := Wrap(d)
	if err != nil {
		t.Fatalf("TestWrap: got err == %s, want err == nil", err)
	}
	defer w.Close()

	if w.Domain() != Unix || w.Type() != SeqPacket {
		t.Errorf("TestWrap: got domain %v type %v, want %v %v", w.Domain(), w.Type(), Unix, SeqPacket)
	}
}
