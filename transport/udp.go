package transport

import (
	"errors"
	"fmt"
	"net"

	"github.com/pion/stun/v3"
	log "github.com/sirupsen/logrus"
)

// maxDatagramSize bounds a single inbound datagram. Standard MTU size; STUN
// messages over UDP should stay well below it (RFC 5389 section 7.1).
const maxDatagramSize = 1500

// UDPTransport carries one STUN message per datagram on a single UDP socket.
type UDPTransport struct {
	conn *net.UDPConn
	log  *log.Entry
	rbuf []byte
}

// NewUDPTransport wraps an existing UDP socket. The caller hands over
// ownership; closing the transport closes the socket.
func NewUDPTransport(conn *net.UDPConn) *UDPTransport {
	return &UDPTransport{
		conn: conn,
		log:  log.WithField("component", "transport/udp").WithField("laddr", conn.LocalAddr().String()),
		rbuf: make([]byte, maxDatagramSize),
	}
}

// ListenUDP binds a UDP socket on addr and returns a transport for it.
func ListenUDP(addr string) (*UDPTransport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", addr, err)
	}
	return NewUDPTransport(conn), nil
}

// Send writes the encoded message as one datagram.
func (t *UDPTransport) Send(peer net.Addr, msg *stun.Message) error {
	if err := checkEncoded(msg); err != nil {
		return err
	}
	if _, err := t.conn.WriteTo(msg.Raw, peer); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("send to %s: %w", peer, err)
	}
	return nil
}

// Recv blocks for the next datagram. Non-STUN datagrams are dropped silently;
// STUN-shaped datagrams that fail to decode are reported as *DecodeError.
func (t *UDPTransport) Recv() (net.Addr, *stun.Message, error) {
	for {
		n, addr, err := t.conn.ReadFromUDP(t.rbuf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil, nil, ErrClosed
			}
			// Reads on an unconnected UDP socket can fail transiently
			// (e.g. ICMP errors surfaced by the kernel).
			t.log.Warnf("failed to read UDP packet: %v", err)
			continue
		}
		data := t.rbuf[:n]
		if !stun.IsMessage(data) {
			t.log.Debugf("dropping non-STUN datagram from %s (%d bytes)", addr, n)
			continue
		}
		msg := new(stun.Message)
		if _, err := msg.Write(data); err != nil {
			raw := make([]byte, n)
			copy(raw, data)
			return nil, nil, &DecodeError{Peer: addr, Raw: raw, Err: err}
		}
		return addr, msg, nil
	}
}

// Reliable reports false; UDP datagrams may be lost or reordered.
func (t *UDPTransport) Reliable() bool { return false }

// LocalAddr returns the bound address.
func (t *UDPTransport) LocalAddr() net.Addr { return t.conn.LocalAddr() }

// Close closes the socket, unblocking a pending Recv.
func (t *UDPTransport) Close() error {
	if err := t.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close udp socket: %w", err)
	}
	return nil
}

var _ Transport = (*UDPTransport)(nil)
