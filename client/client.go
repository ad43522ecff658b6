// Package client is the caller-side facade over a channel: issue requests,
// fire indications, discover the reflexive address. Several clients may
// share one channel and therefore one transaction table and socket.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/pion/stun/v3"
	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/stunagent/channel"
	"github.com/netbirdio/stunagent/transport"
)

// Client talks to one STUN server over a shared channel. The zero value is
// not usable; construct with New, DialUDP or DialTCP. Copies share the
// channel, its socket and its transaction table.
type Client struct {
	ch   *channel.Channel
	peer net.Addr
	log  *log.Entry
}

// New builds a client that sends to peer over ch. The channel stays owned by
// the caller side as a whole: Close on any client sharing it closes it for
// all of them.
func New(ch *channel.Channel, peer net.Addr) *Client {
	return &Client{
		ch:   ch,
		peer: peer,
		log:  log.WithField("component", "client").WithField("server", peer.String()),
	}
}

// DialUDP binds an ephemeral UDP socket and returns a client for the given
// server, with RFC 5389 retransmissions wired in.
func DialUDP(server string, cfg channel.Config) (*Client, error) {
	peer, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", server, err)
	}
	tr, err := transport.ListenUDP(":0")
	if err != nil {
		return nil, err
	}
	ch, err := channel.New(tr, cfg)
	if err != nil {
		_ = tr.Close()
		return nil, fmt.Errorf("build channel: %w", err)
	}
	return New(ch, peer), nil
}

// DialTCP connects to the given server over TCP and returns a client for it.
// Reliability is the stream's problem; no retransmission layer is added
// (RFC 5389 section 7.2.2).
func DialTCP(server string, cfg channel.Config) (*Client, error) {
	tr, err := transport.DialTCP(server)
	if err != nil {
		return nil, err
	}
	peer, err := net.ResolveTCPAddr("tcp", server)
	if err != nil {
		_ = tr.Close()
		return nil, fmt.Errorf("resolve %s: %w", server, err)
	}
	ch, err := channel.New(tr, cfg)
	if err != nil {
		_ = tr.Close()
		return nil, fmt.Errorf("build channel: %w", err)
	}
	return New(ch, peer), nil
}

// LocalAddr returns the local transport address.
func (c *Client) LocalAddr() net.Addr { return c.ch.LocalAddr() }

// Call sends req to the server and waits for the matching response.
func (c *Client) Call(ctx context.Context, req *stun.Message) (*channel.Response, error) {
	return c.ch.Call(ctx, c.peer, req)
}

// Indicate sends a fire-and-forget indication to the server.
func (c *Client) Indicate(ind *stun.Message) error {
	return c.ch.Indicate(c.peer, ind)
}

// Discover performs a BINDING round trip and returns the reflexive transport
// address the server saw, preferring XOR-MAPPED-ADDRESS and falling back to
// MAPPED-ADDRESS for pre-RFC 5389 servers.
func (c *Client) Discover(ctx context.Context) (*net.UDPAddr, error) {
	req, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return nil, fmt.Errorf("build binding request: %w", err)
	}
	res, err := c.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	if res.Msg.Type.Class == stun.ClassErrorResponse {
		var code stun.ErrorCodeAttribute
		if err := code.GetFrom(res.Msg); err == nil {
			return nil, fmt.Errorf("binding rejected: %d %s", code.Code, code.Reason)
		}
		return nil, errors.New("binding rejected")
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(res.Msg); err == nil {
		return &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}, nil
	}
	var mapped stun.MappedAddress
	if err := mapped.GetFrom(res.Msg); err != nil {
		return nil, fmt.Errorf("no mapped address in response: %w", err)
	}
	c.log.Debugf("server %s answered with MAPPED-ADDRESS only", c.peer)
	return &net.UDPAddr{IP: mapped.IP, Port: mapped.Port}, nil
}

// Close shuts down the shared channel and its socket.
func (c *Client) Close() error {
	return c.ch.Close()
}
