package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/pion/stun/v3"
	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/stunagent/messages"
)

// maxStreamMessageSize bounds the attribute section of a framed message read
// from a TCP stream. The header length field is 16 bits, so this is the
// protocol maximum.
const maxStreamMessageSize = 1<<16 - 1

const tcpWriteTimeout = 5 * time.Second

// TCPTransport carries STUN messages over TCP using the self-describing
// framing of RFC 5389 section 7.2.2: each frame is a 20-byte header followed
// by exactly the number of attribute bytes the header announces. A malformed
// header terminates the connection it arrived on.
//
// The transport keeps a peer-keyed connection registry. Accepted connections
// are registered on arrival; sending to an unknown peer dials it first. This
// lets one transport serve both the client and the server role.
type TCPTransport struct {
	listener net.Listener
	laddr    net.Addr
	log      *log.Entry

	mu    sync.Mutex
	conns map[string]*tcpConn

	recv chan tcpRecvItem

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

type tcpConn struct {
	c   net.Conn
	wmu sync.Mutex
}

type tcpRecvItem struct {
	peer net.Addr
	msg  *stun.Message
	err  error
}

// NewTCPTransport wraps an existing TCP listener. The caller hands over
// ownership; closing the transport closes the listener and every connection.
func NewTCPTransport(listener net.Listener) *TCPTransport {
	t := newTCPTransport(listener.Addr())
	t.listener = listener
	t.wg.Add(1)
	go t.acceptLoop()
	return t
}

// ListenTCP binds a TCP listener on addr and returns a transport for it.
func ListenTCP(addr string) (*TCPTransport, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", addr, err)
	}
	return NewTCPTransport(listener), nil
}

// DialTCP connects to a single server and returns a client-side transport.
func DialTCP(server string) (*TCPTransport, error) {
	conn, err := net.Dial("tcp", server)
	if err != nil {
		return nil, fmt.Errorf("dial tcp %s: %w", server, err)
	}
	t := newTCPTransport(conn.LocalAddr())
	t.register(conn)
	return t, nil
}

func newTCPTransport(laddr net.Addr) *TCPTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &TCPTransport{
		laddr:  laddr,
		log:    log.WithField("component", "transport/tcp").WithField("laddr", laddr.String()),
		conns:  make(map[string]*tcpConn),
		recv:   make(chan tcpRecvItem, 32),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (t *TCPTransport) acceptLoop() {
	defer t.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 0

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || t.ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			t.log.Warnf("accept failed, retrying in %s: %v", wait, err)
			select {
			case <-time.After(wait):
			case <-t.ctx.Done():
				return
			}
			continue
		}
		bo.Reset()
		t.register(conn)
	}
}

// register adds conn to the registry and starts its read loop. An existing
// connection for the same peer is replaced and closed.
func (t *TCPTransport) register(conn net.Conn) {
	key := conn.RemoteAddr().String()

	t.mu.Lock()
	old := t.conns[key]
	t.conns[key] = &tcpConn{c: conn}
	t.mu.Unlock()

	if old != nil {
		_ = old.c.Close()
	}

	t.wg.Add(1)
	go t.readLoop(conn)
}

func (t *TCPTransport) drop(conn net.Conn) {
	key := conn.RemoteAddr().String()
	t.mu.Lock()
	if cur, ok := t.conns[key]; ok && cur.c == conn {
		delete(t.conns, key)
	}
	t.mu.Unlock()
	_ = conn.Close()
}

// readLoop reads framed messages off one connection and funnels them into
// the shared receive queue.
func (t *TCPTransport) readLoop(conn net.Conn) {
	defer t.wg.Done()
	defer t.drop(conn)

	peer := conn.RemoteAddr()
	for {
		raw, err := readFrame(conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || t.ctx.Err() != nil {
				t.log.Debugf("connection from %s closed", peer)
				return
			}
			// Framing is unrecoverable on a stream: report and drop
			// the connection.
			t.deliver(tcpRecvItem{err: &DecodeError{Peer: peer, Raw: raw, Err: err}})
			return
		}
		msg := new(stun.Message)
		if _, err := msg.Write(raw); err != nil {
			t.deliver(tcpRecvItem{err: &DecodeError{Peer: peer, Raw: raw, Err: err}})
			return
		}
		t.deliver(tcpRecvItem{peer: peer, msg: msg})
	}
}

func (t *TCPTransport) deliver(item tcpRecvItem) {
	select {
	case t.recv <- item:
	case <-t.ctx.Done():
	}
}

// readFrame reads one self-framed STUN message: 20 header bytes, then the
// attribute section the header's length field announces. On an invalid header
// or a failed body read it returns the 20 header bytes with the error; when
// the header itself cannot be read it returns nil.
func readFrame(conn net.Conn) ([]byte, error) {
	header := make([]byte, messages.HeaderSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	// The two most significant bits of a STUN message are zero; together
	// with the magic cookie this guards against desynchronized streams.
	if header[0]&0xC0 != 0 {
		return header, fmt.Errorf("invalid message type bits 0x%02x", header[0])
	}
	if cookie := binary.BigEndian.Uint32(header[4:8]); cookie != messages.MagicCookie {
		return header, fmt.Errorf("invalid magic cookie 0x%08x", cookie)
	}
	length := int(binary.BigEndian.Uint16(header[2:4]))
	if length%4 != 0 || length > maxStreamMessageSize {
		return header, fmt.Errorf("invalid message length %d", length)
	}
	raw := make([]byte, messages.HeaderSize+length)
	copy(raw, header)
	if _, err := io.ReadFull(conn, raw[messages.HeaderSize:]); err != nil {
		return raw[:messages.HeaderSize], err
	}
	return raw, nil
}

// Send writes the encoded message to the peer, dialing a connection first if
// none is registered.
func (t *TCPTransport) Send(peer net.Addr, msg *stun.Message) error {
	if err := checkEncoded(msg); err != nil {
		return err
	}
	if t.ctx.Err() != nil {
		return ErrClosed
	}

	tc, err := t.connFor(peer)
	if err != nil {
		return err
	}

	tc.wmu.Lock()
	defer tc.wmu.Unlock()
	if err := tc.c.SetWriteDeadline(time.Now().Add(tcpWriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := tc.c.Write(msg.Raw); err != nil {
		t.drop(tc.c)
		return fmt.Errorf("send to %s: %w", peer, err)
	}
	return nil
}

func (t *TCPTransport) connFor(peer net.Addr) (*tcpConn, error) {
	key := peer.String()

	t.mu.Lock()
	tc, ok := t.conns[key]
	t.mu.Unlock()
	if ok {
		return tc, nil
	}

	conn, err := net.Dial("tcp", key)
	if err != nil {
		return nil, fmt.Errorf("dial tcp %s: %w", key, err)
	}
	t.register(conn)

	t.mu.Lock()
	tc = t.conns[conn.RemoteAddr().String()]
	t.mu.Unlock()
	if tc == nil {
		return nil, ErrClosed
	}
	return tc, nil
}

// Recv blocks for the next framed message from any registered connection.
func (t *TCPTransport) Recv() (net.Addr, *stun.Message, error) {
	select {
	case item := <-t.recv:
		return item.peer, item.msg, item.err
	case <-t.ctx.Done():
		return nil, nil, ErrClosed
	}
}

// Reliable reports true; TCP handles delivery, so no retransmission layer is
// needed (RFC 5389 section 7.2.2).
func (t *TCPTransport) Reliable() bool { return true }

// LocalAddr returns the listener address, or the local address of the dialed
// connection for a client-side transport.
func (t *TCPTransport) LocalAddr() net.Addr { return t.laddr }

// Close shuts down the listener and every connection and unblocks a pending
// Recv.
func (t *TCPTransport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()

		var merr *multierror.Error
		if t.listener != nil {
			if err := t.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				merr = multierror.Append(merr, fmt.Errorf("close listener: %w", err))
			}
		}

		t.mu.Lock()
		conns := make([]*tcpConn, 0, len(t.conns))
		for _, tc := range t.conns {
			conns = append(conns, tc)
		}
		t.conns = make(map[string]*tcpConn)
		t.mu.Unlock()

		for _, tc := range conns {
			if err := tc.c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				merr = multierror.Append(merr, fmt.Errorf("close connection: %w", err))
			}
		}

		t.wg.Wait()
		t.closeErr = merr.ErrorOrNil()
	})
	return t.closeErr
}

var _ Transport = (*TCPTransport)(nil)
