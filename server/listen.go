package server

import (
	"fmt"

	"github.com/netbirdio/stunagent/channel"
	"github.com/netbirdio/stunagent/transport"
)

// ListenUDP binds a UDP socket on addr and returns a Server ready to Serve,
// with retransmission-aware demultiplexing already wired underneath it.
func ListenUDP(addr string, handler Handler, cfg Config, chCfg channel.Config) (*Server, error) {
	tr, err := transport.ListenUDP(addr)
	if err != nil {
		return nil, err
	}
	ch, err := channel.New(tr, chCfg)
	if err != nil {
		_ = tr.Close()
		return nil, fmt.Errorf("build channel: %w", err)
	}
	return New(ch, handler, cfg), nil
}

// ListenTCP binds a TCP listener on addr and returns a Server ready to
// Serve. TCP needs no retransmission layer; framing per RFC 5389
// section 7.2.2 is handled by the transport.
func ListenTCP(addr string, handler Handler, cfg Config, chCfg channel.Config) (*Server, error) {
	tr, err := transport.ListenTCP(addr)
	if err != nil {
		return nil, err
	}
	ch, err := channel.New(tr, chCfg)
	if err != nil {
		_ = tr.Close()
		return nil, fmt.Errorf("build channel: %w", err)
	}
	return New(ch, handler, cfg), nil
}
