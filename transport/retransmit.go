package transport

import (
	"container/heap"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/stun/v3"
	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/stunagent/messages"
)

// Defaults of the RFC 5389 section 7.2 retransmission parameters.
const (
	// DefaultRTO is the initial retransmission timeout.
	DefaultRTO = 500 * time.Millisecond

	// DefaultRc is the total number of request transmissions.
	DefaultRc = 7

	// DefaultRm multiplies RTO for the final wait after the last
	// transmission.
	DefaultRm = 16

	// DefaultMinTransactionInterval is the lower bound between two
	// transmissions of the same request.
	DefaultMinTransactionInterval = 100 * time.Millisecond

	// DefaultMaxOutstanding caps concurrent transactions to one peer
	// (RFC 5389 section 7.2).
	DefaultMaxOutstanding = 10
)

// ErrTransactionLimit is returned by Send when a peer already has the
// maximum number of outstanding request transactions.
var ErrTransactionLimit = errors.New("stun: too many outstanding transactions to peer")

// ErrReliableTransport is returned by NewRetransmitter when the wrapped
// transport already guarantees delivery.
var ErrReliableTransport = errors.New("stun: retransmitter requires an unreliable transport")

// RetransmitConfig carries the RFC 5389 section 7.2.1 timer parameters. The
// zero value means defaults.
type RetransmitConfig struct {
	// RTO is the initial retransmission timeout. Fixed per transaction;
	// no RTT estimator is applied.
	RTO time.Duration

	// Rc is the total number of transmissions per request.
	Rc int

	// Rm is the multiplier for the final wait after the Rc-th
	// transmission, after which the transaction times out.
	Rm int

	// MinTransactionInterval is the lower bound between consecutive
	// transmissions of one request.
	MinTransactionInterval time.Duration

	// MaxOutstanding caps concurrent request transactions per peer.
	// Negative disables the cap.
	MaxOutstanding int
}

func (c RetransmitConfig) withDefaults() RetransmitConfig {
	if c.RTO <= 0 {
		c.RTO = DefaultRTO
	}
	if c.Rc <= 0 {
		c.Rc = DefaultRc
	}
	if c.Rm <= 0 {
		c.Rm = DefaultRm
	}
	if c.MinTransactionInterval <= 0 {
		c.MinTransactionInterval = DefaultMinTransactionInterval
	}
	if c.MaxOutstanding == 0 {
		c.MaxOutstanding = DefaultMaxOutstanding
	}
	return c
}

type retransmitKey struct {
	peer string
	id   messages.TxID
}

type retransmitState struct {
	key     retransmitKey
	peer    net.Addr
	msg     *stun.Message
	attempt int // transmissions performed so far
	nextAt  time.Time
	done    bool
}

// Retransmitter wraps an unreliable Transport and turns every outgoing
// request into an RFC 5389 section 7.2.1 retransmission schedule keyed by
// transaction id. Indications and responses pass through unchanged.
//
// Attempt k (0-indexed) of a request is sent at t0 + (2^k - 1) * RTO for
// k in [0, Rc). After the last attempt the transaction lingers for Rm * RTO
// and then expires; expiries are published on Expired.
type Retransmitter struct {
	inner Transport
	cfg   RetransmitConfig
	log   *log.Entry

	mu      sync.Mutex
	states  map[retransmitKey]*retransmitState
	sched   scheduleHeap
	perPeer map[string]int
	closed  bool

	wake    chan struct{}
	expired chan Expiry
	stop    chan struct{}
	wg      sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// NewRetransmitter wraps inner. It fails if inner is reliable: reliable
// transports need no retransmission layer and must not be wrapped (the
// channel layer skips wrapping for them).
func NewRetransmitter(inner Transport, cfg RetransmitConfig) (*Retransmitter, error) {
	if inner.Reliable() {
		return nil, ErrReliableTransport
	}
	r := &Retransmitter{
		inner:   inner,
		cfg:     cfg.withDefaults(),
		log:     log.WithField("component", "transport/retransmit"),
		states:  make(map[retransmitKey]*retransmitState),
		perPeer: make(map[string]int),
		wake:    make(chan struct{}, 1),
		expired: make(chan Expiry, 64),
		stop:    make(chan struct{}),
	}
	r.wg.Add(1)
	go r.scheduleLoop()
	return r, nil
}

// Send forwards msg. For requests it additionally snapshots the encoded
// bytes and schedules retransmissions until a response arrives, the
// transaction is forgotten, or the schedule runs out.
func (r *Retransmitter) Send(peer net.Addr, msg *stun.Message) error {
	if msg.Type.Class != stun.ClassRequest {
		return r.inner.Send(peer, msg)
	}
	if err := checkEncoded(msg); err != nil {
		return err
	}

	key := retransmitKey{peer: peer.String(), id: messages.TxIDOf(msg)}
	snapshot := new(stun.Message)
	if err := msg.CloneTo(snapshot); err != nil {
		return fmt.Errorf("snapshot request: %w", err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.cfg.MaxOutstanding > 0 && r.perPeer[key.peer] >= r.cfg.MaxOutstanding {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTransactionLimit, key.peer)
	}
	if _, dup := r.states[key]; dup {
		r.mu.Unlock()
		return fmt.Errorf("stun: transaction %s already scheduled for %s", key.id, key.peer)
	}
	st := &retransmitState{
		key:     key,
		peer:    peer,
		msg:     snapshot,
		attempt: 1,
		nextAt:  time.Now().Add(r.gapAfter(1)),
	}
	r.states[key] = st
	r.perPeer[key.peer]++
	heap.Push(&r.sched, st)
	r.mu.Unlock()
	r.kick()

	if err := r.inner.Send(peer, msg); err != nil {
		// The initial transmission never left the socket; tear the
		// schedule down and surface the failure to the caller.
		r.Forget(peer, key.id)
		return err
	}
	return nil
}

// Recv forwards the next inbound message. A response clears any pending
// retransmission state for its transaction before it is handed upward.
func (r *Retransmitter) Recv() (net.Addr, *stun.Message, error) {
	peer, msg, err := r.inner.Recv()
	if err == nil && messages.IsResponse(msg) {
		r.Forget(peer, messages.TxIDOf(msg))
	}
	return peer, msg, err
}

// Expired yields transactions whose schedule ran out. Closed on shutdown.
func (r *Retransmitter) Expired() <-chan Expiry {
	return r.expired
}

// Forget drops retransmission state for the transaction, if any. No further
// transmissions fire afterwards.
func (r *Retransmitter) Forget(peer net.Addr, id messages.TxID) {
	key := retransmitKey{peer: peer.String(), id: id}
	r.mu.Lock()
	r.forgetLocked(key)
	r.mu.Unlock()
}

// forgetLocked marks the state done; the scheduler discards done entries
// lazily when they surface at the top of the heap.
func (r *Retransmitter) forgetLocked(key retransmitKey) {
	st, ok := r.states[key]
	if !ok {
		return
	}
	st.done = true
	delete(r.states, key)
	r.perPeer[key.peer]--
	if r.perPeer[key.peer] <= 0 {
		delete(r.perPeer, key.peer)
	}
}

// Reliable reports false: the wrapped transport stays unreliable, only the
// request schedule compensates.
func (r *Retransmitter) Reliable() bool { return false }

// LocalAddr returns the wrapped transport's address.
func (r *Retransmitter) LocalAddr() net.Addr { return r.inner.LocalAddr() }

// Close stops the scheduler and closes the wrapped transport.
func (r *Retransmitter) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		for key := range r.states {
			r.forgetLocked(key)
		}
		r.mu.Unlock()

		close(r.stop)
		r.closeErr = r.inner.Close()
		r.wg.Wait()
	})
	return r.closeErr
}

func (r *Retransmitter) kick() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// scheduleLoop is the single timer task: it sleeps until the earliest
// deadline, retransmits or expires the transaction that owns it, and goes
// back to sleep.
func (r *Retransmitter) scheduleLoop() {
	defer r.wg.Done()
	defer close(r.expired)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		next, ok := r.peek()
		if !ok {
			select {
			case <-r.wake:
				continue
			case <-r.stop:
				return
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(time.Until(next))

		select {
		case <-timer.C:
			r.fireDue()
		case <-r.wake:
		case <-r.stop:
			return
		}
	}
}

func (r *Retransmitter) peek() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.sched) > 0 && r.sched[0].done {
		heap.Pop(&r.sched)
	}
	if len(r.sched) == 0 {
		return time.Time{}, false
	}
	return r.sched[0].nextAt, true
}

// fireDue pops every due entry and either retransmits it or, when the
// schedule is spent, expires the transaction.
func (r *Retransmitter) fireDue() {
	now := time.Now()

	var resend []*retransmitState
	var expiries []Expiry

	r.mu.Lock()
	for len(r.sched) > 0 {
		st := r.sched[0]
		if st.done {
			heap.Pop(&r.sched)
			continue
		}
		if st.nextAt.After(now) {
			break
		}
		heap.Pop(&r.sched)
		if st.attempt < r.cfg.Rc {
			st.attempt++
			st.nextAt = st.nextAt.Add(r.gapAfter(st.attempt))
			heap.Push(&r.sched, st)
			resend = append(resend, st)
			continue
		}
		r.forgetLocked(st.key)
		expiries = append(expiries, Expiry{Peer: st.peer, ID: st.key.id})
	}
	r.mu.Unlock()

	for _, st := range resend {
		// A transient socket failure mid-schedule is not terminal; the
		// socket may recover before the next attempt (RFC keeps the
		// timer running regardless).
		if err := r.inner.Send(st.peer, st.msg); err != nil {
			r.log.Warnf("retransmit %s to %s failed: %v", st.key.id, st.peer, err)
		}
	}
	for _, e := range expiries {
		r.log.Debugf("transaction %s to %s timed out", e.ID, e.Peer)
		select {
		case r.expired <- e:
		case <-r.stop:
			return
		}
	}
}

// gapAfter returns the delay between transmission number n (1-indexed) and
// the event after it: doubling RTO gaps between attempts, then the final
// Rm * RTO wait once all Rc transmissions are out, clamped from below by
// MinTransactionInterval.
func (r *Retransmitter) gapAfter(n int) time.Duration {
	var gap time.Duration
	if n < r.cfg.Rc {
		gap = r.cfg.RTO << uint(n-1)
	} else {
		gap = time.Duration(r.cfg.Rm) * r.cfg.RTO
	}
	if gap < r.cfg.MinTransactionInterval {
		gap = r.cfg.MinTransactionInterval
	}
	return gap
}

var (
	_ Transport        = (*Retransmitter)(nil)
	_ TransactionAware = (*Retransmitter)(nil)
)

// scheduleHeap orders pending transmissions by deadline.
type scheduleHeap []*retransmitState

func (h scheduleHeap) Len() int            { return len(h) }
func (h scheduleHeap) Less(i, j int) bool  { return h[i].nextAt.Before(h[j].nextAt) }
func (h scheduleHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *scheduleHeap) Push(x interface{}) { *h = append(*h, x.(*retransmitState)) }
func (h *scheduleHeap) Pop() interface{} {
	old := *h
	n := len(old)
	st := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return st
}
