package channel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/stun/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netbirdio/stunagent/messages"
	"github.com/netbirdio/stunagent/transport"
)

// stubTransport is a scriptable Transport: tests inject inbound traffic and
// observe outbound traffic. It reports itself reliable so the channel does
// not wrap it in a retransmitter.
type stubTransport struct {
	mu     sync.Mutex
	sent   []stubSend
	sentCh chan stubSend
	inbox  chan stubRecv
	done   chan struct{}
	once   sync.Once
}

type stubSend struct {
	peer net.Addr
	msg  *stun.Message
}

type stubRecv struct {
	peer net.Addr
	msg  *stun.Message
	err  error
}

func newStubTransport() *stubTransport {
	return &stubTransport{
		sentCh: make(chan stubSend, 32),
		inbox:  make(chan stubRecv, 32),
		done:   make(chan struct{}),
	}
}

func (s *stubTransport) Send(peer net.Addr, msg *stun.Message) error {
	select {
	case <-s.done:
		return transport.ErrClosed
	default:
	}
	clone := new(stun.Message)
	if err := msg.CloneTo(clone); err != nil {
		return err
	}
	s.mu.Lock()
	s.sent = append(s.sent, stubSend{peer: peer, msg: clone})
	s.mu.Unlock()
	s.sentCh <- stubSend{peer: peer, msg: clone}
	return nil
}

func (s *stubTransport) Recv() (net.Addr, *stun.Message, error) {
	select {
	case item := <-s.inbox:
		return item.peer, item.msg, item.err
	case <-s.done:
		return nil, nil, transport.ErrClosed
	}
}

func (s *stubTransport) inject(peer net.Addr, msg *stun.Message) {
	s.inbox <- stubRecv{peer: peer, msg: msg}
}

func (s *stubTransport) injectErr(err error) {
	s.inbox <- stubRecv{err: err}
}

func (s *stubTransport) lastSent(t *testing.T) stubSend {
	t.Helper()
	select {
	case item := <-s.sentCh:
		return item
	case <-time.After(2 * time.Second):
		t.Fatal("no message sent")
		return stubSend{}
	}
}

func (s *stubTransport) Reliable() bool { return true }
func (s *stubTransport) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 3478}
}
func (s *stubTransport) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func peerAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: port}
}

func respondTo(t *testing.T, req *stun.Message, setters ...stun.Setter) *stun.Message {
	t.Helper()
	all := append([]stun.Setter{
		stun.NewTransactionIDSetter(req.TransactionID),
		stun.NewType(req.Type.Method, stun.ClassSuccessResponse),
	}, setters...)
	resp, err := stun.Build(all...)
	require.NoError(t, err)
	return resp
}

func newChannel(t *testing.T, tr transport.Transport) *Channel {
	t.Helper()
	ch, err := New(tr, Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func TestChannel_CallCorrelatesResponse(t *testing.T) {
	tr := newStubTransport()
	ch := newChannel(t, tr)
	peer := peerAddr(1000)

	done := make(chan *Response, 1)
	go func() {
		req := stun.MustBuild(stun.BindingRequest)
		res, err := ch.Call(context.Background(), peer, req)
		require.NoError(t, err)
		done <- res
	}()

	sent := tr.lastSent(t)
	assert.Equal(t, peer.String(), sent.peer.String())
	assert.False(t, messages.TxIDOf(sent.msg).IsZero(), "channel must assign a transaction id")

	tr.inject(peer, respondTo(t, sent.msg))

	res := <-done
	assert.Equal(t, sent.msg.TransactionID, res.Msg.TransactionID)
	assert.Equal(t, peer.String(), res.Peer.String())
	assert.Empty(t, res.Unknown)
}

func TestChannel_ConcurrentCallsNoCrossTalk(t *testing.T) {
	tr := newStubTransport()
	ch := newChannel(t, tr)

	const calls = 8
	type result struct {
		idx  int
		resp *Response
		err  error
	}
	results := make(chan result, calls)

	for i := 0; i < calls; i++ {
		go func(i int) {
			req := stun.MustBuild(stun.BindingRequest)
			res, err := ch.Call(context.Background(), peerAddr(2000+i), req)
			results <- result{idx: i, resp: res, err: err}
		}(i)
	}

	// Answer every request with a response carrying the peer port in
	// SOFTWARE, so cross-talk would be visible.
	byID := make(map[messages.TxID]int)
	for i := 0; i < calls; i++ {
		sent := tr.lastSent(t)
		port := sent.peer.(*net.UDPAddr).Port
		byID[messages.TxIDOf(sent.msg)] = port
		tr.inject(sent.peer, respondTo(t, sent.msg, stun.NewSoftware(fmt.Sprintf("%d", port))))
	}

	for i := 0; i < calls; i++ {
		r := <-results
		require.NoError(t, r.err)
		wantPort := byID[messages.TxIDOf(r.resp.Msg)]
		assert.Equal(t, 2000+r.idx, wantPort, "response delivered to the wrong caller")

		var soft stun.Software
		require.NoError(t, soft.GetFrom(r.resp.Msg))
		assert.Equal(t, fmt.Sprintf("%d", wantPort), soft.String())
	}
}

func TestChannel_DropsResponseFromWrongPeer(t *testing.T) {
	tr := newStubTransport()
	ch := newChannel(t, tr)
	peer := peerAddr(1000)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := ch.Call(ctx, peer, stun.MustBuild(stun.BindingRequest))
		done <- err
	}()

	sent := tr.lastSent(t)
	// Right transaction id, wrong source: must be dropped and the waiter
	// must keep waiting until its deadline.
	tr.inject(peerAddr(4444), respondTo(t, sent.msg))

	err := <-done
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChannel_DropsResponseForUnknownTransaction(t *testing.T) {
	tr := newStubTransport()
	ch := newChannel(t, tr)

	unsolicited := stun.MustBuild(stun.TransactionID, stun.BindingSuccess)
	tr.inject(peerAddr(1000), unsolicited)

	// Nothing should surface on the incoming queue.
	select {
	case in := <-ch.Incoming():
		t.Fatalf("unexpected incoming %v", in.Msg.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannel_CancelledCallIgnoresLateResponse(t *testing.T) {
	tr := newStubTransport()
	ch := newChannel(t, tr)
	peer := peerAddr(1000)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := ch.Call(ctx, peer, stun.MustBuild(stun.BindingRequest))
		done <- err
	}()

	sent := tr.lastSent(t)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	// The server answers after the caller gave up: silent drop.
	tr.inject(peer, respondTo(t, sent.msg))
	time.Sleep(50 * time.Millisecond)

	// A fresh call on the same channel still works.
	done2 := make(chan error, 1)
	go func() {
		_, err := ch.Call(context.Background(), peer, stun.MustBuild(stun.BindingRequest))
		done2 <- err
	}()
	sent2 := tr.lastSent(t)
	require.NotEqual(t, sent.msg.TransactionID, sent2.msg.TransactionID)
	tr.inject(peer, respondTo(t, sent2.msg))
	require.NoError(t, <-done2)
}

func TestChannel_IncomingCarriesUnknownAttributes(t *testing.T) {
	tr := newStubTransport()
	ch := newChannel(t, tr)
	peer := peerAddr(1000)

	req := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	req.Add(stun.AttrType(0x7777), []byte{1, 2, 3, 4})
	tr.inject(peer, req)

	select {
	case in := <-ch.Incoming():
		assert.Equal(t, peer.String(), in.Peer.String())
		assert.Equal(t, []stun.AttrType{stun.AttrType(0x7777)}, in.Unknown)
	case <-time.After(time.Second):
		t.Fatal("request never surfaced")
	}
}

func TestChannel_ResponseWithUnknownAttributesStillDelivered(t *testing.T) {
	tr := newStubTransport()
	ch := newChannel(t, tr)
	peer := peerAddr(1000)

	done := make(chan *Response, 1)
	go func() {
		res, err := ch.Call(context.Background(), peer, stun.MustBuild(stun.BindingRequest))
		require.NoError(t, err)
		done <- res
	}()

	sent := tr.lastSent(t)
	resp := respondTo(t, sent.msg)
	resp.Add(stun.AttrType(0x6666), []byte{9, 9, 9, 9})
	tr.inject(peer, resp)

	res := <-done
	assert.Equal(t, []stun.AttrType{stun.AttrType(0x6666)}, res.Unknown)
}

func TestChannel_AnswersMalformedRequestWith400(t *testing.T) {
	tr := newStubTransport()
	_ = newChannel(t, tr)
	peer := peerAddr(1000)

	broken := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	tr.injectErr(&transport.DecodeError{Peer: peer, Raw: broken.Raw, Err: fmt.Errorf("truncated attribute")})

	sent := tr.lastSent(t)
	assert.Equal(t, peer.String(), sent.peer.String())
	assert.Equal(t, stun.ClassErrorResponse, sent.msg.Type.Class)
	assert.Equal(t, broken.TransactionID, sent.msg.TransactionID)

	var code stun.ErrorCodeAttribute
	require.NoError(t, code.GetFrom(sent.msg))
	assert.Equal(t, stun.CodeBadRequest, code.Code)
}

func TestChannel_DropsMalformedResponse(t *testing.T) {
	tr := newStubTransport()
	_ = newChannel(t, tr)
	peer := peerAddr(1000)

	broken := stun.MustBuild(stun.TransactionID, stun.BindingSuccess)
	tr.injectErr(&transport.DecodeError{Peer: peer, Raw: broken.Raw, Err: fmt.Errorf("truncated attribute")})

	select {
	case sent := <-tr.sentCh:
		t.Fatalf("unexpected reply %v to a malformed response", sent.msg.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannel_IndicateAssignsTxID(t *testing.T) {
	tr := newStubTransport()
	ch := newChannel(t, tr)
	peer := peerAddr(1000)

	ind, err := stun.Build(stun.NewType(stun.MethodBinding, stun.ClassIndication))
	require.NoError(t, err)
	require.NoError(t, ch.Indicate(peer, ind))

	sent := tr.lastSent(t)
	assert.Equal(t, stun.ClassIndication, sent.msg.Type.Class)
	assert.False(t, messages.TxIDOf(sent.msg).IsZero())
}

func TestChannel_RejectsWrongClass(t *testing.T) {
	tr := newStubTransport()
	ch := newChannel(t, tr)
	peer := peerAddr(1000)

	_, err := ch.Call(context.Background(), peer, stun.MustBuild(stun.TransactionID, stun.BindingSuccess))
	require.ErrorIs(t, err, ErrInternal)

	err = ch.Indicate(peer, stun.MustBuild(stun.TransactionID, stun.BindingRequest))
	require.ErrorIs(t, err, ErrInternal)

	err = ch.Reply(peer, stun.MustBuild(stun.TransactionID, stun.BindingRequest))
	require.ErrorIs(t, err, ErrInternal)
}

func TestChannel_CloseFailsOutstandingCalls(t *testing.T) {
	tr := newStubTransport()
	ch, err := New(tr, Config{})
	require.NoError(t, err)
	peer := peerAddr(1000)

	done := make(chan error, 1)
	go func() {
		_, err := ch.Call(context.Background(), peer, stun.MustBuild(stun.BindingRequest))
		done <- err
	}()
	tr.lastSent(t)

	require.NoError(t, ch.Close())
	assert.ErrorIs(t, <-done, ErrTransportClosed)

	_, err = ch.Call(context.Background(), peer, stun.MustBuild(stun.BindingRequest))
	assert.ErrorIs(t, err, ErrTransportClosed)
}

func TestChannel_TimeoutOnUnreliableTransport(t *testing.T) {
	local, remote := transport.Pipe()
	t.Cleanup(func() { _ = remote.Close() })
	local.DropFunc = func(*stun.Message) bool { return true }

	ch, err := New(local, Config{Retransmit: transport.RetransmitConfig{
		RTO:                    20 * time.Millisecond,
		Rc:                     3,
		Rm:                     2,
		MinTransactionInterval: time.Millisecond,
	}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })

	start := time.Now()
	_, err = ch.Call(context.Background(), remote.Addr(), stun.MustBuild(stun.BindingRequest))
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTransactionTimeout)
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
	assert.EqualValues(t, 3, local.SendCount())
}

func TestChannel_RetransmitThenSucceed(t *testing.T) {
	local, remote := transport.Pipe()
	t.Cleanup(func() { _ = remote.Close() })

	// Lose the first two attempts, let the third through.
	var drops int
	local.DropFunc = func(msg *stun.Message) bool {
		if msg.Type.Class != stun.ClassRequest {
			return false
		}
		drops++
		return drops <= 2
	}

	ch, err := New(local, Config{Retransmit: transport.RetransmitConfig{
		RTO:                    20 * time.Millisecond,
		Rc:                     5,
		Rm:                     2,
		MinTransactionInterval: time.Millisecond,
	}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })

	go func() {
		peer, msg, err := remote.Recv()
		if err != nil {
			return
		}
		resp, buildErr := stun.Build(stun.NewTransactionIDSetter(msg.TransactionID), stun.BindingSuccess)
		if buildErr != nil {
			return
		}
		_ = remote.Send(peer, resp)
	}()

	start := time.Now()
	res, err := ch.Call(context.Background(), remote.Addr(), stun.MustBuild(stun.BindingRequest))
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.NotNil(t, res)
	// Third attempt fires at 3*RTO = 60ms.
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
	assert.EqualValues(t, 3, local.SendCount())
}

func TestChannel_CallerSuppliedTxIDCollision(t *testing.T) {
	tr := newStubTransport()
	ch := newChannel(t, tr)
	peer := peerAddr(1000)

	fixed := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	var id messages.TxID
	copy(id[:], fixed.TransactionID[:])

	done := make(chan error, 1)
	go func() {
		_, err := ch.Call(context.Background(), peer, fixed)
		done <- err
	}()
	tr.lastSent(t)

	dup := stun.MustBuild(stun.NewTransactionIDSetter(fixed.TransactionID), stun.BindingRequest)
	_, err := ch.Call(context.Background(), peer, dup)
	require.ErrorIs(t, err, ErrInternal)

	tr.inject(peer, respondTo(t, fixed))
	require.NoError(t, <-done)
}
