// Server is the listening half of the descriptor passing example. For each "ping" it
// receives, it writes "pong" into the pipe that came with it.
package main

import (
	"flag"
	"fmt"

	"github.com/johnsiilver/sysio/ipc"
	"github.com/johnsiilver/sysio/sock"
	"github.com/spf13/pflag"

	log "github.com/golang/glog"
)

var addr = pflag.String("addr", "svc-a", "The address to listen on")

func main() {
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()

	cred, _, err := ipc.Current()
	if err != nil {
		panic(err)
	}

	serv, err := ipc.NewServer(*addr)
	if err != nil {
		panic(err)
	}
	defer serv.Close()

	fmt.Println("Listening on: ", serv.Addr())

	for {
		ch, err := serv.Accept()
		if err != nil {
			log.Exitf("accept: %s", err)
		}

		// We spinoff handling of this connection to its own goroutine and
		// go back to listening for another connection.
		go func() {
			defer ch.Close()

			// Only the same user may talk to us.
			peer, err := ch.PeerCred()
			if err != nil || peer.UID != cred.UID {
				log.Errorf("unauthorized peer %+v attempted a connection: %v", peer, err)
				return
			}
			serve(ch)
		}()
	}
}

func serve(ch *ipc.Channel) {
	buf := make([]byte, 64)
	for {
		m := &sock.Message{Buffers: [][]byte{buf}}
		n, err := ch.RecvMsg(m)
		if err != nil {
			log.Infof("channel %d done: %s", ch.Num(), err)
			return
		}
		if string(buf[:n]) != "ping" || len(m.FDs) != 1 {
			log.Errorf("unexpected message %q with %d descriptors", buf[:n], len(m.FDs))
			for _, d := range m.FDs {
				d.Close()
			}
			continue
		}

		reply := m.FDs[0]
		if _, err := reply.File().Write([]byte("pong")); err != nil {
			log.Errorf("could not write pong: %s", err)
		}
		reply.Close()
	}
}
