// Package channel multiplexes one STUN transport across many concurrent
// transactions. It owns the transaction table and the inbound demultiplex
// loop: responses are routed to the caller that issued the matching request,
// requests and indications surface on the incoming queue for a server to
// drain.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pion/stun/v3"
	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/stunagent/messages"
	"github.com/netbirdio/stunagent/transport"
)

var (
	// ErrTransactionTimeout is returned by Call when the retransmission
	// schedule on an unreliable transport ran out without a response.
	ErrTransactionTimeout = errors.New("stun: transaction timed out")

	// ErrTransportClosed is returned by Call, Indicate and Reply once the
	// channel's transport is gone; every outstanding transaction fails
	// with it too.
	ErrTransportClosed = errors.New("stun: transport closed")

	// ErrInternal indicates a broken invariant, e.g. a persistent
	// transaction id collision. Seeing it is a bug.
	ErrInternal = errors.New("stun: internal error")
)

// txidAttempts bounds the fresh-id retries on collision before giving up
// with ErrInternal. Collisions among 96-bit random ids mean the RNG is
// broken, not that we are unlucky.
const txidAttempts = 5

const (
	// DefaultCacheDuration keeps a completed transaction id around so a
	// very late response is recognized as such instead of logged as
	// unknown traffic. Either way it is dropped.
	DefaultCacheDuration = 9500 * time.Millisecond

	// DefaultQueueSize is the incoming requests/indications buffer.
	DefaultQueueSize = 512
)

// Config tunes a Channel. The zero value means defaults.
type Config struct {
	// Retransmit configures the RFC 5389 timers used when the transport
	// is unreliable. Ignored for reliable transports.
	Retransmit transport.RetransmitConfig

	// CacheDuration is how long completed transaction ids are remembered
	// for late-response classification.
	CacheDuration time.Duration

	// QueueSize is the capacity of the incoming queue. When the consumer
	// stalls and the queue fills, further requests and indications are
	// dropped with a warning.
	QueueSize int

	// Known is the comprehension-required attribute catalog this endpoint
	// understands. Nil means the RFC 5389 defaults.
	Known messages.AttrSet
}

func (c Config) withDefaults() Config {
	if c.CacheDuration <= 0 {
		c.CacheDuration = DefaultCacheDuration
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Known == nil {
		c.Known = messages.DefaultAttrSet()
	}
	return c
}

// Incoming is a request or indication received from a peer. Unknown lists
// the comprehension-required attributes the decode pass did not recognize;
// for requests the server must answer those with a 420.
type Incoming struct {
	Peer    net.Addr
	Msg     *stun.Message
	Unknown []stun.AttrType
}

// Response is a success or error response delivered to a Call waiter.
// Unknown lists unrecognized comprehension-required attributes; the response
// is delivered regardless, the caller decides whether to reject it
// (RFC 5389 section 7.3.3).
type Response struct {
	Peer    net.Addr
	Msg     *stun.Message
	Unknown []stun.AttrType
}

type callResult struct {
	resp *Response
	err  error
}

type transaction struct {
	peer    net.Addr
	peerKey string
	result  chan callResult
	created time.Time
}

type recentEntry struct {
	peerKey string
	until   time.Time
}

// Channel owns a Transport and correlates traffic on it. Unreliable
// transports are wrapped in a transport.Retransmitter at construction, so
// callers never deal with timers themselves.
type Channel struct {
	tr  transport.Transport
	ta  transport.TransactionAware
	cfg Config
	log *log.Entry

	mu          sync.Mutex
	outstanding map[messages.TxID]*transaction
	recent      map[messages.TxID]recentEntry
	lastPrune   time.Time
	closed      bool
	cause       error

	incoming chan Incoming
	wg       sync.WaitGroup

	closeTransport sync.Once
	transportErr   error
}

// New wraps tr in a Channel and starts its demultiplex loops. Ownership of
// the transport passes to the channel.
func New(tr transport.Transport, cfg Config) (*Channel, error) {
	cfg = cfg.withDefaults()

	var ta transport.TransactionAware
	if aware, ok := tr.(transport.TransactionAware); ok {
		ta = aware
	} else if !tr.Reliable() {
		retr, err := transport.NewRetransmitter(tr, cfg.Retransmit)
		if err != nil {
			return nil, err
		}
		tr, ta = retr, retr
	}

	c := &Channel{
		tr:          tr,
		ta:          ta,
		cfg:         cfg,
		log:         log.WithField("component", "channel").WithField("laddr", tr.LocalAddr().String()),
		outstanding: make(map[messages.TxID]*transaction),
		recent:      make(map[messages.TxID]recentEntry),
		incoming:    make(chan Incoming, cfg.QueueSize),
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(c.incoming)
		c.readLoop()
	}()

	if c.ta != nil {
		c.wg.Add(1)
		go c.expireLoop()
	}
	return c, nil
}

// LocalAddr returns the transport's local address.
func (c *Channel) LocalAddr() net.Addr { return c.tr.LocalAddr() }

// Incoming is the stream of requests and indications received from peers.
// It is closed when the channel shuts down.
func (c *Channel) Incoming() <-chan Incoming { return c.incoming }

// Call sends a request to peer and blocks until the matching response
// arrives, the transaction times out, ctx is done, or the transport fails.
//
// A request whose transaction id is zero gets a fresh random one; a caller
// that pre-set an id (e.g. because MESSAGE-INTEGRITY was computed over it)
// keeps it, provided it does not collide with an outstanding transaction.
func (c *Channel) Call(ctx context.Context, peer net.Addr, req *stun.Message) (*Response, error) {
	if !messages.IsRequest(req) {
		return nil, fmt.Errorf("%w: Call requires a request, got %s", ErrInternal, req.Type)
	}

	tx := &transaction{
		peer:    peer,
		peerKey: peer.String(),
		result:  make(chan callResult, 1),
		created: time.Now(),
	}
	id, err := c.register(req, tx)
	if err != nil {
		return nil, err
	}

	messages.SetTxID(req, id)
	if err := c.tr.Send(peer, req); err != nil {
		c.unregister(id)
		if errors.Is(err, transport.ErrClosed) {
			return nil, ErrTransportClosed
		}
		return nil, fmt.Errorf("send request: %w", err)
	}

	select {
	case res := <-tx.result:
		return res.resp, res.err
	case <-ctx.Done():
		c.cancel(peer, id)
		return nil, ctx.Err()
	}
}

// register allocates (or validates) the transaction id and inserts the
// transaction under it.
func (c *Channel) register(req *stun.Message, tx *transaction) (messages.TxID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return messages.TxID{}, c.closedErrLocked()
	}

	id := messages.TxIDOf(req)
	if !id.IsZero() {
		if _, exists := c.outstanding[id]; exists {
			return messages.TxID{}, fmt.Errorf("%w: transaction id %s already in flight", ErrInternal, id)
		}
		c.outstanding[id] = tx
		return id, nil
	}

	for i := 0; i < txidAttempts; i++ {
		fresh, err := messages.NewTxID()
		if err != nil {
			return messages.TxID{}, fmt.Errorf("%w: %v", ErrInternal, err)
		}
		if _, exists := c.outstanding[fresh]; exists {
			continue
		}
		c.outstanding[fresh] = tx
		return fresh, nil
	}
	return messages.TxID{}, fmt.Errorf("%w: persistent transaction id collision", ErrInternal)
}

func (c *Channel) unregister(id messages.TxID) {
	c.mu.Lock()
	delete(c.outstanding, id)
	c.mu.Unlock()
}

// cancel tears down a transaction whose waiter gave up. Idempotent: a
// transaction that already completed is left alone.
func (c *Channel) cancel(peer net.Addr, id messages.TxID) {
	c.mu.Lock()
	_, ok := c.outstanding[id]
	if ok {
		delete(c.outstanding, id)
		c.rememberLocked(id, peer.String())
	}
	c.mu.Unlock()
	if ok && c.ta != nil {
		c.ta.Forget(peer, id)
	}
}

// Indicate sends a fire-and-forget indication. A zero transaction id is
// replaced with a fresh random one (RFC 5389 section 6: indications carry
// their own ids, they are just never answered).
func (c *Channel) Indicate(peer net.Addr, ind *stun.Message) error {
	if !messages.IsIndication(ind) {
		return fmt.Errorf("%w: Indicate requires an indication, got %s", ErrInternal, ind.Type)
	}
	if err := c.checkOpen(); err != nil {
		return err
	}
	if messages.TxIDOf(ind).IsZero() {
		id, err := messages.NewTxID()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInternal, err)
		}
		messages.SetTxID(ind, id)
	}
	if err := c.tr.Send(peer, ind); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return ErrTransportClosed
		}
		return fmt.Errorf("send indication: %w", err)
	}
	return nil
}

// Reply sends a response to peer. Nothing is tracked; responses answer the
// peer's transaction, not ours.
func (c *Channel) Reply(peer net.Addr, resp *stun.Message) error {
	if !messages.IsResponse(resp) {
		return fmt.Errorf("%w: Reply requires a response, got %s", ErrInternal, resp.Type)
	}
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := c.tr.Send(peer, resp); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return ErrTransportClosed
		}
		return fmt.Errorf("send response: %w", err)
	}
	return nil
}

func (c *Channel) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return c.closedErrLocked()
	}
	return nil
}

func (c *Channel) closedErrLocked() error {
	if c.cause != nil {
		return c.cause
	}
	return ErrTransportClosed
}

// readLoop drains the transport until it fails or closes.
func (c *Channel) readLoop() {
	for {
		peer, msg, err := c.tr.Recv()
		if err != nil {
			var decodeErr *transport.DecodeError
			if errors.As(err, &decodeErr) {
				c.handleBroken(decodeErr)
				continue
			}
			cause := ErrTransportClosed
			if !errors.Is(err, transport.ErrClosed) {
				cause = fmt.Errorf("%w: %v", ErrTransportClosed, err)
				c.log.Errorf("transport failed: %v", err)
				// Release the socket so the expiry loop unblocks too.
				c.closeTransport.Do(func() { c.transportErr = c.tr.Close() })
			}
			c.shutdown(cause)
			return
		}

		switch msg.Type.Class {
		case stun.ClassRequest, stun.ClassIndication:
			c.enqueue(peer, msg)
		case stun.ClassSuccessResponse, stun.ClassErrorResponse:
			c.deliver(peer, msg)
		}
	}
}

// enqueue pushes a request or indication onto the incoming queue. A full
// queue sheds load instead of stalling the socket; on an unreliable
// transport the peer will retransmit anyway.
func (c *Channel) enqueue(peer net.Addr, msg *stun.Message) {
	in := Incoming{
		Peer:    peer,
		Msg:     msg,
		Unknown: messages.UnknownRequired(msg, c.cfg.Known),
	}
	select {
	case c.incoming <- in:
	default:
		c.log.Warnf("incoming queue full, dropping %s from %s", msg.Type, peer)
	}
}

// deliver routes a response to the waiting transaction. The response must
// match on transaction id AND source address; a source mismatch is a silent
// drop so a spoofed response cannot fail the legitimate waiter
// (RFC 5389 section 7.3.3).
func (c *Channel) deliver(peer net.Addr, msg *stun.Message) {
	id := messages.TxIDOf(msg)
	peerKey := peer.String()

	c.mu.Lock()
	tx, ok := c.outstanding[id]
	if ok && tx.peerKey != peerKey {
		c.mu.Unlock()
		c.log.Debugf("dropping response for %s: source %s does not match %s", id, peerKey, tx.peerKey)
		return
	}
	if !ok {
		recent := c.recallLocked(id, peerKey)
		c.mu.Unlock()
		if recent {
			c.log.Debugf("dropping late response for completed transaction %s from %s", id, peerKey)
		} else {
			c.log.Debugf("dropping response for unknown transaction %s from %s", id, peerKey)
		}
		return
	}
	delete(c.outstanding, id)
	c.rememberLocked(id, peerKey)
	c.mu.Unlock()

	if c.ta != nil {
		c.ta.Forget(peer, id)
	}

	tx.result <- callResult{resp: &Response{
		Peer:    peer,
		Msg:     msg,
		Unknown: messages.UnknownRequired(msg, c.cfg.Known),
	}}
}

// handleBroken answers a malformed request with a 400 when enough of the
// header survived to route one; malformed responses and indications are
// dropped (RFC 5389 section 7.3.1).
func (c *Channel) handleBroken(decodeErr *transport.DecodeError) {
	header, ok := messages.PeekHeader(decodeErr.Raw)
	if !ok || header.Type.Class != stun.ClassRequest {
		c.log.Debugf("dropping undecodable %d-byte message from %s: %v",
			len(decodeErr.Raw), decodeErr.Peer, decodeErr.Err)
		return
	}
	resp, err := messages.ErrorResponseFor(header.ID, header.Type.Method, stun.CodeBadRequest)
	if err != nil {
		c.log.Warnf("failed to build 400 response: %v", err)
		return
	}
	if err := c.tr.Send(decodeErr.Peer, resp); err != nil {
		c.log.Warnf("failed to send 400 response to %s: %v", decodeErr.Peer, err)
	}
}

// expireLoop fails transactions whose retransmission schedule ran out.
func (c *Channel) expireLoop() {
	defer c.wg.Done()
	for expiry := range c.ta.Expired() {
		c.mu.Lock()
		tx, ok := c.outstanding[expiry.ID]
		if ok && tx.peerKey != expiry.Peer.String() {
			ok = false
		}
		if ok {
			delete(c.outstanding, expiry.ID)
			c.rememberLocked(expiry.ID, tx.peerKey)
		}
		c.mu.Unlock()
		if ok {
			tx.result <- callResult{err: ErrTransactionTimeout}
		}
	}
}

// rememberLocked records a finished transaction id for late-response
// classification and prunes stale entries opportunistically.
func (c *Channel) rememberLocked(id messages.TxID, peerKey string) {
	now := time.Now()
	c.recent[id] = recentEntry{peerKey: peerKey, until: now.Add(c.cfg.CacheDuration)}
	if now.Sub(c.lastPrune) < c.cfg.CacheDuration {
		return
	}
	c.lastPrune = now
	for key, entry := range c.recent {
		if entry.until.Before(now) {
			delete(c.recent, key)
		}
	}
}

func (c *Channel) recallLocked(id messages.TxID, peerKey string) bool {
	entry, ok := c.recent[id]
	return ok && entry.peerKey == peerKey && entry.until.After(time.Now())
}

// shutdown marks the channel closed and fails every outstanding transaction.
// Called from the read loop on transport failure and from Close.
func (c *Channel) shutdown(cause error) {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.cause = cause
	}
	pending := make([]*transaction, 0, len(c.outstanding))
	for id, tx := range c.outstanding {
		delete(c.outstanding, id)
		pending = append(pending, tx)
	}
	c.mu.Unlock()

	for _, tx := range pending {
		tx.result <- callResult{err: cause}
	}
}

// Close fails all outstanding transactions, closes the transport and waits
// for the demultiplex loops to drain. Safe to call more than once.
func (c *Channel) Close() error {
	c.shutdown(ErrTransportClosed)

	var merr *multierror.Error
	c.closeTransport.Do(func() {
		c.transportErr = c.tr.Close()
	})
	if c.transportErr != nil {
		merr = multierror.Append(merr, c.transportErr)
	}
	c.wg.Wait()
	return merr.ErrorOrNil()
}
