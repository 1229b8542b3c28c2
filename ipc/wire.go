package ipc

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/johnsiilver/sysio/syserr"
)

var ordering = binary.LittleEndian

// headerSize is the size of the frame header: payload length then descriptor count,
// both uint32.
const headerSize = 8

type header struct {
	payload uint32
	fds     uint32
}

func (h header) encode(b []byte) {
	ordering.PutUint32(b[0:4], h.payload)
	ordering.PutUint32(b[4:8], h.fds)
}

func decodeHeader(b []byte) header {
	return header{payload: ordering.Uint32(b[0:4]), fds: ordering.Uint32(b[4:8])}
}

func newHeader(payload, fds int) (header, error) {
	if uint64(payload) > math.MaxUint32 {
		return header{}, syserr.Errorf(syserr.MessageTooLarge, "ipc.send", "payload of %d bytes does not fit a frame", payload)
	}
	return header{payload: uint32(payload), fds: uint32(fds)}, nil
}

// HeaderPool is a memory pool for frame header buffers. It can be shared between
// Channels with the SharedHeaderPool option.
type HeaderPool struct {
	ch   chan *[]byte
	pool *sync.Pool
}

// NewHeaderPool is the constructor for HeaderPool. cap is capacity of an internal free
// list before using a sync.Pool.
func NewHeaderPool(cap int) *HeaderPool {
	var ch chan *[]byte
	if cap > 0 {
		ch = make(chan *[]byte, cap)
	}
	p := &HeaderPool{ch: ch}
	p.pool = &sync.Pool{New: p.alloc}
	return p
}

func (p *HeaderPool) alloc() interface{} {
	b := make([]byte, headerSize)
	return &b
}

// Get gets a header buffer out of the pool.
func (p *HeaderPool) Get() *[]byte {
	select {
	case b := <-p.ch:
		return b
	default:
	}
	return p.pool.Get().(*[]byte)
}

// Put puts a header buffer back into the pool.
func (p *HeaderPool) Put(b *[]byte) {
	if cap(*b) < headerSize {
		return
	}
	*b = (*b)[:headerSize]
	select {
	case p.ch <- b:
		return
	default:
		p.pool.Put(b)
	}
}

var defaultPool = NewHeaderPool(64)
