package outbound

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/bassosimone/nop"

	"github.com/sqzxcv/leaf/internal/config"
	"github.com/sqzxcv/leaf/internal/dnsclient"
)

// directHandler resolves the target via the DNS client and connects from
// the configured bind address (spec §4.3 Direct).
type directHandler struct {
	tag    string
	bind   netip.Addr
	dns    *dnsclient.Client
	cfg    *nop.Config
	logger *slog.Logger
}

func buildDirect(decl config.Outbound, _ func(string) (Handler, bool), dns *dnsclient.Client, logger *slog.Logger) (Handler, bool, error) {
	var bind netip.Addr
	if decl.Bind != "" {
		var err error
		bind, err = netip.ParseAddr(decl.Bind)
		if err != nil {
			return nil, false, fmt.Errorf("direct %q: invalid bind address: %w", decl.Tag, err)
		}
	}
	return &directHandler{tag: decl.Tag, bind: bind, dns: dns, cfg: nop.NewConfig(), logger: logger}, true, nil
}

func (h *directHandler) Tag() string    { return h.tag }
func (h *directHandler) TCP() TCPDialer { return h }
func (h *directHandler) UDP() UDPDialer { return h }

func (h *directHandler) resolve(ctx context.Context, t Target) (netip.Addr, error) {
	if t.Addr.IsValid() {
		return t.Addr, nil
	}
	addrs, err := h.dns.Lookup(ctx, t.Host)
	if err != nil {
		return netip.Addr{}, err
	}
	return addrs[0], nil
}

func (h *directHandler) dialer() *net.Dialer {
	d := &net.Dialer{}
	if h.bind.IsValid() {
		d.LocalAddr = &net.TCPAddr{IP: net.IP(h.bind.AsSlice())}
	}
	return d
}

func (h *directHandler) DialTCP(ctx context.Context, t Target) (net.Conn, error) {
	addr, err := h.resolve(ctx, t)
	if err != nil {
		return nil, err
	}
	endpoint := netip.AddrPortFrom(addr, t.Port)

	epntOp := nop.NewEndpointFunc(endpoint)
	cfg := *h.cfg
	cfg.Dialer = h.dialer()
	connectOp := nop.NewConnectFunc(&cfg, "tcp", nop.DefaultSLogger())
	observeOp := nop.NewObserveConnFunc(&cfg, nop.DefaultSLogger())
	cancelOp := nop.NewCancelWatchFunc()
	pipe := nop.Compose4(epntOp, connectOp, observeOp, cancelOp)
	return pipe.Call(ctx, nop.Unit{})
}

func (h *directHandler) DialUDP(ctx context.Context, t Target) (PacketConn, error) {
	addr, err := h.resolve(ctx, t)
	if err != nil {
		return nil, err
	}
	endpoint := netip.AddrPortFrom(addr, t.Port)
	d := h.dialer()
	if h.bind.IsValid() {
		d.LocalAddr = &net.UDPAddr{IP: net.IP(h.bind.AsSlice())}
	}
	conn, err := d.DialContext(ctx, "udp", endpoint.String())
	if err != nil {
		return nil, err
	}
	return &udpConnAdapter{conn: conn, fixedTarget: t}, nil
}

// udpConnAdapter wraps a connected net.Conn ("udp" dial already pins the
// peer) as a [PacketConn] for handlers that only ever talk to one peer.
type udpConnAdapter struct {
	conn        net.Conn
	fixedTarget Target
}

func (a *udpConnAdapter) WriteTo(p []byte, _ Target) (int, error) { return a.conn.Write(p) }
func (a *udpConnAdapter) ReadFrom(p []byte) (int, Target, error) {
	n, err := a.conn.Read(p)
	return n, a.fixedTarget, err
}
func (a *udpConnAdapter) Close() error { return a.conn.Close() }

// dropHandler immediately rejects every connect attempt (spec §4.3 Drop).
type dropHandler struct{ tag string }

func buildDrop(decl config.Outbound, _ func(string) (Handler, bool), _ *dnsclient.Client, _ *slog.Logger) (Handler, bool, error) {
	return &dropHandler{tag: decl.Tag}, true, nil
}

func (h *dropHandler) Tag() string    { return h.tag }
func (h *dropHandler) TCP() TCPDialer { return h }
func (h *dropHandler) UDP() UDPDialer { return h }
func (h *dropHandler) DialTCP(context.Context, Target) (net.Conn, error) {
	return nil, fmt.Errorf("outbound %q: connection dropped", h.tag)
}
func (h *dropHandler) DialUDP(context.Context, Target) (PacketConn, error) {
	return nil, fmt.Errorf("outbound %q: connection dropped", h.tag)
}

// redirectHandler rewrites the target to a fixed address/port and then
// connects exactly like [directHandler].
type redirectHandler struct {
	*directHandler
	fixed Target
}

func buildRedirect(decl config.Outbound, resolve func(string) (Handler, bool), dns *dnsclient.Client, logger *slog.Logger) (Handler, bool, error) {
	base, ok, err := buildDirect(decl, resolve, dns, logger)
	if err != nil || !ok {
		return nil, ok, err
	}
	addrStr, _ := decl.Settings["to"].(string)
	host, portStr, err := net.SplitHostPort(addrStr)
	if err != nil {
		return nil, false, fmt.Errorf("redirect %q: settings.to must be host:port: %w", decl.Tag, err)
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return nil, false, fmt.Errorf("redirect %q: invalid port: %w", decl.Tag, err)
	}
	fixed := Target{Host: host, Port: port}
	if a, err := netip.ParseAddr(host); err == nil {
		fixed = Target{Addr: a, Port: port}
	}
	return &redirectHandler{directHandler: base.(*directHandler), fixed: fixed}, true, nil
}

func (h *redirectHandler) DialTCP(ctx context.Context, _ Target) (net.Conn, error) {
	return h.directHandler.DialTCP(ctx, h.fixed)
}
func (h *redirectHandler) DialUDP(ctx context.Context, _ Target) (PacketConn, error) {
	return h.directHandler.DialUDP(ctx, h.fixed)
}
