package dnsclient

import (
	"context"
	"crypto/tls"
	"net"
	"net/netip"
	"time"

	"github.com/bassosimone/dnscodec"
	"github.com/bassosimone/nop"
)

// defaultTTL is used for cache entries since no DNS record in this
// pipeline surfaces a parsed TTL field.
const defaultTTL = 60 * time.Second

// net_localAddrDialer is a [nop.Dialer] that binds outgoing connections
// to a fixed local address, implementing spec §4's "per-server bind
// address" requirement.
type net_localAddrDialer struct {
	addr netip.Addr
}

func (d *net_localAddrDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	dialer := &net.Dialer{LocalAddr: localAddr(network, d.addr)}
	return dialer.DialContext(ctx, network, address)
}

func localAddr(network string, addr netip.Addr) net.Addr {
	ip := net.IP(addr.AsSlice())
	if network == "udp" {
		return &net.UDPAddr{IP: ip}
	}
	return &net.TCPAddr{IP: ip}
}

func (c *Client) exchangeUDP(ctx context.Context, srv Server, query *dnscodec.Query) ([]netip.Addr, time.Duration, error) {
	epntOp := nop.NewEndpointFunc(srv.Endpoint)
	connectOp := c.dialer(srv)
	observeOp := nop.NewObserveConnFunc(c.cfg, c.logger)
	cancelOp := nop.NewCancelWatchFunc()
	wrapOp := nop.NewDNSOverUDPConnFunc(c.cfg, c.logger)
	pipe := nop.Compose5(epntOp, connectOp, observeOp, cancelOp, wrapOp)

	conn, err := pipe.Call(ctx, nop.Unit{})
	if err != nil {
		return nil, 0, err
	}
	defer conn.Close()
	resp, err := conn.Exchange(ctx, query)
	if err != nil {
		return nil, 0, err
	}
	addrs, err := recordsFor(resp, query.Qtype)
	return addrs, defaultTTL, err
}

func (c *Client) exchangeTCP(ctx context.Context, srv Server, query *dnscodec.Query) ([]netip.Addr, time.Duration, error) {
	epntOp := nop.NewEndpointFunc(srv.Endpoint)
	connectOp := c.dialer(srv)
	observeOp := nop.NewObserveConnFunc(c.cfg, c.logger)
	cancelOp := nop.NewCancelWatchFunc()
	wrapOp := nop.NewDNSOverTCPConnFunc(c.cfg, c.logger)
	pipe := nop.Compose5(epntOp, connectOp, observeOp, cancelOp, wrapOp)

	conn, err := pipe.Call(ctx, nop.Unit{})
	if err != nil {
		return nil, 0, err
	}
	defer conn.Close()
	resp, err := conn.Exchange(ctx, query)
	if err != nil {
		return nil, 0, err
	}
	addrs, err := recordsFor(resp, query.Qtype)
	return addrs, defaultTTL, err
}

func (c *Client) exchangeTLS(ctx context.Context, srv Server, query *dnscodec.Query) ([]netip.Addr, time.Duration, error) {
	epntOp := nop.NewEndpointFunc(srv.Endpoint)
	connectOp := c.dialer(srv)
	observeOp := nop.NewObserveConnFunc(c.cfg, c.logger)
	cancelOp := nop.NewCancelWatchFunc()
	tlsOp := nop.NewTLSHandshakeFunc(c.cfg, &tls.Config{ServerName: srv.Endpoint.Addr().String()}, c.logger)
	wrapOp := nop.NewDNSOverTLSConnFunc(c.cfg, c.logger)
	pipe := nop.Compose6(epntOp, connectOp, observeOp, cancelOp, tlsOp, wrapOp)

	conn, err := pipe.Call(ctx, nop.Unit{})
	if err != nil {
		return nil, 0, err
	}
	defer conn.Close()
	resp, err := conn.Exchange(ctx, query)
	if err != nil {
		return nil, 0, err
	}
	addrs, err := recordsFor(resp, query.Qtype)
	return addrs, defaultTTL, err
}

func (c *Client) exchangeHTTPS(ctx context.Context, srv Server, query *dnscodec.Query) ([]netip.Addr, time.Duration, error) {
	epntOp := nop.NewEndpointFunc(srv.Endpoint)
	connectOp := c.dialer(srv)
	observeOp := nop.NewObserveConnFunc(c.cfg, c.logger)
	cancelOp := nop.NewCancelWatchFunc()
	tlsOp := nop.NewTLSHandshakeFunc(c.cfg, &tls.Config{ServerName: srv.Endpoint.Addr().String()}, c.logger)
	httpOp := nop.NewHTTPConnFuncTLS(c.cfg, c.logger)
	wrapOp := nop.NewDNSOverHTTPSConnFunc(c.cfg, srv.URL, c.logger)
	pipe := nop.Compose7(epntOp, connectOp, observeOp, cancelOp, tlsOp, httpOp, wrapOp)

	conn, err := pipe.Call(ctx, nop.Unit{})
	if err != nil {
		return nil, 0, err
	}
	defer conn.Close()
	resp, err := conn.Exchange(ctx, query)
	if err != nil {
		return nil, 0, err
	}
	addrs, err := recordsFor(resp, query.Qtype)
	return addrs, defaultTTL, err
}
