package transport

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/stun/v3"
)

// pipeAddr is the synthetic address of one pipe end.
type pipeAddr struct {
	name string
}

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return a.name }

type pipeFrame struct {
	peer net.Addr
	raw  []byte
}

// PipeTransport is one end of an in-memory, unreliable transport pair. It
// exists for tests: a DropFunc can observe and discard outgoing messages to
// simulate loss without real sockets or timing hacks.
type PipeTransport struct {
	addr  pipeAddr
	peer  *PipeTransport
	recv  chan pipeFrame
	done  chan struct{}
	once  sync.Once
	sends atomic.Int64

	// DropFunc, when set, is consulted for every outgoing message; a true
	// return discards it. Set before first use; not synchronized.
	DropFunc func(msg *stun.Message) bool
}

// Pipe returns two connected in-memory transports. Messages sent on one end
// arrive on the other unless dropped.
func Pipe() (*PipeTransport, *PipeTransport) {
	a := &PipeTransport{addr: pipeAddr{name: "pipe:a"}, recv: make(chan pipeFrame, 128), done: make(chan struct{})}
	b := &PipeTransport{addr: pipeAddr{name: "pipe:b"}, recv: make(chan pipeFrame, 128), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// SendCount reports how many messages were handed to Send, including ones
// the DropFunc discarded. Tests use it to count transmission attempts.
func (p *PipeTransport) SendCount() int64 {
	return p.sends.Load()
}

// Send delivers the encoded message to the other end, subject to DropFunc.
func (p *PipeTransport) Send(peer net.Addr, msg *stun.Message) error {
	if err := checkEncoded(msg); err != nil {
		return err
	}
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	p.sends.Add(1)
	if p.DropFunc != nil && p.DropFunc(msg) {
		return nil
	}
	raw := make([]byte, len(msg.Raw))
	copy(raw, msg.Raw)
	select {
	case p.peer.recv <- pipeFrame{peer: p.addr, raw: raw}:
		return nil
	case <-p.peer.done:
		// The far end is gone; an unreliable transport just loses the
		// datagram.
		return nil
	}
}

// Recv blocks for the next message from the other end.
func (p *PipeTransport) Recv() (net.Addr, *stun.Message, error) {
	select {
	case frame := <-p.recv:
		msg := new(stun.Message)
		if _, err := msg.Write(frame.raw); err != nil {
			return nil, nil, &DecodeError{Peer: frame.peer, Raw: frame.raw, Err: err}
		}
		return frame.peer, msg, nil
	case <-p.done:
		return nil, nil, ErrClosed
	}
}

// Reliable reports false; the pipe imitates a lossy datagram path.
func (p *PipeTransport) Reliable() bool { return false }

// LocalAddr returns the synthetic pipe address.
func (p *PipeTransport) LocalAddr() net.Addr { return p.addr }

// Close shuts this end down.
func (p *PipeTransport) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// Addr returns the synthetic address of this end, usable as a Send target on
// the other end.
func (p *PipeTransport) Addr() net.Addr { return p.addr }

var _ Transport = (*PipeTransport)(nil)

// String implements fmt.Stringer for log readability.
func (p *PipeTransport) String() string {
	return fmt.Sprintf("pipe(%s)", p.addr.name)
}
