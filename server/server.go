// Package server drains a channel's incoming queue, dispatches requests and
// indications to a Handler, and writes the resulting responses back. It
// enforces the RFC 5389 server-side rules the handler should not have to
// think about: 420 for unrecognized comprehension-required attributes, 500
// for handler failures, and response headers that always match the request.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/stun/v3"
	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/stunagent/channel"
	"github.com/netbirdio/stunagent/messages"
)

// ErrServerClosed is returned by Serve after a graceful Shutdown.
var ErrServerClosed = errors.New("stun: server closed")

// methodAssignedBit is the top bit of the 12-bit method space. Methods with
// the bit clear are comprehension-required: a server that does not implement
// one answers 420; methods with the bit set are ignored silently.
const methodAssignedBit stun.Method = 0x800

// Config tunes a Server. The zero value means defaults.
type Config struct {
	// ShutdownTimeout bounds how long Close waits for in-flight handlers.
	ShutdownTimeout time.Duration
}

// DefaultShutdownTimeout is how long Close waits for in-flight handlers
// before abandoning them.
const DefaultShutdownTimeout = 10 * time.Second

func (c Config) withDefaults() Config {
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

// Server couples a Channel with a Handler.
type Server struct {
	ch      *channel.Channel
	handler Handler
	cfg     Config
	log     *log.Entry

	handlerCtx    context.Context
	handlerCancel context.CancelFunc
	inFlight      sync.WaitGroup

	done     chan struct{}
	doneOnce sync.Once
}

// New builds a Server over ch. The server takes ownership of the channel:
// Shutdown closes it.
func New(ch *channel.Channel, handler Handler, cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		ch:            ch,
		handler:       handler,
		cfg:           cfg.withDefaults(),
		log:           log.WithField("component", "server").WithField("laddr", ch.LocalAddr().String()),
		handlerCtx:    ctx,
		handlerCancel: cancel,
		done:          make(chan struct{}),
	}
}

// LocalAddr returns the address the server is reachable on.
func (s *Server) LocalAddr() net.Addr { return s.ch.LocalAddr() }

// Serve drains the channel until it closes. It returns ErrServerClosed after
// a graceful Shutdown, or nil if the channel went away underneath us.
func (s *Server) Serve() error {
	s.log.Infof("STUN server listening on %s", s.ch.LocalAddr())
	for {
		select {
		case <-s.done:
			return ErrServerClosed
		case in, ok := <-s.ch.Incoming():
			if !ok {
				select {
				case <-s.done:
					return ErrServerClosed
				default:
					return nil
				}
			}
			switch {
			case messages.IsRequest(in.Msg):
				s.serveRequest(in)
			case messages.IsIndication(in.Msg):
				s.inFlight.Add(1)
				go func(in channel.Incoming) {
					defer s.inFlight.Done()
					s.handler.HandleIndication(s.handlerCtx, in.Peer, in.Msg)
				}(in)
			default:
				// Responses never reach the incoming queue; the
				// channel routes or drops them.
				s.log.Debugf("ignoring %s from %s", in.Msg.Type, in.Peer)
			}
		}
	}
}

// serveRequest applies the pre-handler checks and dispatches the handler in
// its own goroutine so one slow request does not stall the queue.
func (s *Server) serveRequest(in channel.Incoming) {
	// A request with comprehension-required attributes we do not
	// understand is rejected before the handler sees it
	// (RFC 5389 section 7.3.1).
	if len(in.Unknown) > 0 {
		resp, err := messages.ErrorResponse(in.Msg, stun.CodeUnknownAttribute,
			stun.UnknownAttributes(in.Unknown))
		if err != nil {
			s.log.Warnf("failed to build 420 response: %v", err)
			return
		}
		s.reply(in.Peer, resp)
		return
	}

	s.inFlight.Add(1)
	go func() {
		defer s.inFlight.Done()
		s.dispatchRequest(in.Peer, in.Msg)
	}()
}

func (s *Server) dispatchRequest(peer net.Addr, req *stun.Message) {
	resp, err := s.handler.HandleRequest(s.handlerCtx, peer, req)
	switch {
	case errors.Is(err, ErrUnknownMethod):
		s.replyUnknownMethod(peer, req)
		return
	case err != nil:
		s.log.Warnf("handler failed for %s from %s: %v", req.Type, peer, err)
		errResp, buildErr := messages.ErrorResponse(req, stun.CodeServerError)
		if buildErr != nil {
			s.log.Warnf("failed to build 500 response: %v", buildErr)
			return
		}
		s.reply(peer, errResp)
		return
	case resp == nil:
		return
	}

	// Handlers are not trusted to echo the transaction header correctly.
	messages.BindToRequest(resp, req)
	s.reply(peer, resp)
}

// replyUnknownMethod answers a request for an unimplemented method: 420 when
// the method is comprehension-required, silence otherwise.
func (s *Server) replyUnknownMethod(peer net.Addr, req *stun.Message) {
	if req.Type.Method&methodAssignedBit != 0 {
		s.log.Debugf("ignoring request for optional method %s from %s", req.Type.Method, peer)
		return
	}
	resp, err := messages.ErrorResponse(req, stun.CodeUnknownAttribute)
	if err != nil {
		s.log.Warnf("failed to build 420 response: %v", err)
		return
	}
	s.reply(peer, resp)
}

func (s *Server) reply(peer net.Addr, resp *stun.Message) {
	if err := s.ch.Reply(peer, resp); err != nil && !errors.Is(err, channel.ErrTransportClosed) {
		s.log.Warnf("failed to send %s to %s: %v", resp.Type, peer, err)
	}
}

// Shutdown stops intake, waits for in-flight handlers until ctx is done,
// then closes the channel. In-flight responses still go out during the
// drain; handlers running past the deadline see their context canceled.
func (s *Server) Shutdown(ctx context.Context) error {
	s.doneOnce.Do(func() { close(s.done) })

	drained := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(drained)
	}()

	var merr error
	select {
	case <-drained:
	case <-ctx.Done():
		merr = fmt.Errorf("shutdown: %w", ctx.Err())
	}
	s.handlerCancel()

	if err := s.ch.Close(); err != nil {
		if merr == nil {
			merr = fmt.Errorf("close channel: %w", err)
		}
	}
	return merr
}

// Close is Shutdown with the configured timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}
