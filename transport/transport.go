// Package transport carries STUN messages between peers over UDP, TCP or an
// in-memory pipe, and implements the RFC 5389 section 7.2.1 retransmission
// schedule on top of unreliable transports.
package transport

import (
	"errors"
	"fmt"
	"net"

	"github.com/pion/stun/v3"

	"github.com/netbirdio/stunagent/messages"
)

// ErrClosed is returned by Send and Recv after the transport has been closed.
var ErrClosed = errors.New("stun: transport closed")

// Transport is a bidirectional STUN message carrier over one local socket.
//
// Send may be called concurrently. Recv is a blocking single-consumer call;
// the channel layer owns the receive side and enforces this by being the only
// caller.
type Transport interface {
	// Send writes an encoded message to the peer. It returns once the
	// message has been accepted by the socket layer.
	Send(peer net.Addr, msg *stun.Message) error

	// Recv blocks until the next inbound message arrives. Malformed frames
	// are reported as *DecodeError so the caller can answer with a 400
	// where the RFC allows it; the transport keeps running. ErrClosed is
	// terminal.
	Recv() (net.Addr, *stun.Message, error)

	// Reliable reports whether the underlying transport guarantees
	// delivery. Reliable transports need no retransmission layer.
	Reliable() bool

	// LocalAddr returns the local address the transport is bound to.
	LocalAddr() net.Addr

	// Close shuts the transport down and unblocks a pending Recv.
	Close() error
}

// DecodeError reports an inbound frame that could not be decoded. Peer
// carries the source address so a 400 response can be routed back; Raw is the
// offending datagram (or framed message) as received.
type DecodeError struct {
	Peer net.Addr
	Raw  []byte
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("stun: decode message from %s: %v", e.Peer, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Expiry identifies a request transaction whose retransmission schedule ran
// out without a response.
type Expiry struct {
	Peer net.Addr
	ID   messages.TxID
}

// TransactionAware is implemented by transports that keep per-request state,
// i.e. the Retransmitter. The channel layer uses it to propagate timeouts
// upward and cancellations downward.
type TransactionAware interface {
	// Expired yields transactions that exhausted their retransmission
	// schedule. The channel is closed when the transport shuts down.
	Expired() <-chan Expiry

	// Forget drops any retransmission state for the transaction. Safe to
	// call for transactions that are already gone.
	Forget(peer net.Addr, id messages.TxID)
}

// errNotEncoded is returned when a caller passes a message that was never
// built; every message handed to a transport must already carry its wire
// form in Raw.
var errNotEncoded = errors.New("stun: message has no encoded form")

func checkEncoded(msg *stun.Message) error {
	if len(msg.Raw) < messages.HeaderSize {
		return errNotEncoded
	}
	return nil
}
