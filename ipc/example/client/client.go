// Client is the connecting half of the descriptor passing example. It sends "ping"
// with the write end of a pipe and reads the answer from the read end.
package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/johnsiilver/sysio/fd"
	"github.com/johnsiilver/sysio/ipc"
	"github.com/johnsiilver/sysio/sock"
	"github.com/spf13/pflag"
)

var addr = pflag.String("addr", "svc-a", "The address of the server")

func main() {
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()

	ch, err := ipc.Connect(*addr)
	if err != nil {
		panic(err)
	}
	defer ch.Close()

	r, w, err := fd.Pipe()
	if err != nil {
		panic(err)
	}
	defer r.Close()

	m := &sock.Message{Buffers: [][]byte{[]byte("ping")}, FDs: []*fd.Descriptor{w}}
	if _, err := ch.SendMsg(m); err != nil {
		panic(err)
	}
	// The server has its own copy now. Closing ours means the read below sees EOF if
	// the server never answers.
	w.Close()

	reply, err := io.ReadAll(r.File())
	if err != nil {
		panic(err)
	}
	fmt.Printf("got %q\n", reply)
}
