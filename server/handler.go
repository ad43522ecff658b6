package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/pion/stun/v3"
	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/stunagent/messages"
)

// ErrUnknownMethod is returned by a Handler that does not implement the
// request's method. The server then applies RFC 5389 section 7.3.1: answer
// with a 420 when the method is comprehension-required, stay silent
// otherwise.
var ErrUnknownMethod = errors.New("stun: unknown method")

// Handler processes demultiplexed STUN traffic. Implementations are called
// from concurrent goroutines and must be safe for concurrent use.
type Handler interface {
	// HandleRequest produces the response for a request. Returning
	// (nil, nil) sends no reply. Any error other than ErrUnknownMethod is
	// answered with a 500 on the handler's behalf.
	HandleRequest(ctx context.Context, peer net.Addr, req *stun.Message) (*stun.Message, error)

	// HandleIndication consumes an indication. Indications are never
	// answered, whatever happens here.
	HandleIndication(ctx context.Context, peer net.Addr, ind *stun.Message)
}

// Mux routes traffic to per-method handlers, the way a listener usually
// composes BINDING with protocol extensions. Methods without a registered
// handler report ErrUnknownMethod.
type Mux struct {
	mu       sync.RWMutex
	handlers map[stun.Method]Handler
}

// NewMux returns an empty method router.
func NewMux() *Mux {
	return &Mux{handlers: make(map[stun.Method]Handler)}
}

// Handle registers h for method, replacing any previous registration.
func (m *Mux) Handle(method stun.Method, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method] = h
}

func (m *Mux) lookup(method stun.Method) (Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[method]
	return h, ok
}

// HandleRequest dispatches on the request method.
func (m *Mux) HandleRequest(ctx context.Context, peer net.Addr, req *stun.Message) (*stun.Message, error) {
	h, ok := m.lookup(req.Type.Method)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, req.Type.Method)
	}
	return h.HandleRequest(ctx, peer, req)
}

// HandleIndication dispatches on the indication method; indications for
// unregistered methods are silently ignored.
func (m *Mux) HandleIndication(ctx context.Context, peer net.Addr, ind *stun.Message) {
	if h, ok := m.lookup(ind.Type.Method); ok {
		h.HandleIndication(ctx, peer, ind)
	}
}

var _ Handler = (*Mux)(nil)

// BindingHandler answers RFC 5389 BINDING requests with the peer's reflexive
// transport address in XOR-MAPPED-ADDRESS. It is the canonical handler for a
// public STUN listener and the reference subject of the end-to-end tests.
type BindingHandler struct {
	// Software is advertised in the SOFTWARE attribute. Empty omits it.
	Software string
}

// HandleRequest implements Handler.
func (b BindingHandler) HandleRequest(_ context.Context, peer net.Addr, req *stun.Message) (*stun.Message, error) {
	if req.Type.Method != stun.MethodBinding {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, req.Type.Method)
	}
	ip, port, err := splitAddr(peer)
	if err != nil {
		return nil, fmt.Errorf("reflexive address: %w", err)
	}

	setters := []stun.Setter{
		&stun.XORMappedAddress{IP: ip, Port: port},
	}
	if b.Software != "" {
		setters = append(setters, stun.NewSoftware(b.Software))
	}
	setters = append(setters, stun.Fingerprint)
	return messages.SuccessResponse(req, setters...)
}

// HandleIndication implements Handler. BINDING indications exist only to
// refresh NAT bindings; there is nothing to do beyond noting them.
func (b BindingHandler) HandleIndication(_ context.Context, peer net.Addr, _ *stun.Message) {
	log.WithField("component", "server").Debugf("binding indication from %s", peer)
}

var _ Handler = BindingHandler{}

// splitAddr extracts IP and port from the transport address types the
// library produces.
func splitAddr(addr net.Addr) (net.IP, int, error) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP, a.Port, nil
	case *net.TCPAddr:
		return a.IP, a.Port, nil
	default:
		host, port, err := net.SplitHostPort(addr.String())
		if err != nil {
			return nil, 0, fmt.Errorf("unsupported peer address %q: %w", addr.String(), err)
		}
		ip := net.ParseIP(host)
		if ip == nil {
			return nil, 0, fmt.Errorf("unsupported peer address %q", addr.String())
		}
		n, err := strconv.Atoi(port)
		if err != nil {
			return nil, 0, fmt.Errorf("unsupported peer port %q: %w", port, err)
		}
		return ip, n, nil
	}
}
