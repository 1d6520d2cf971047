// Package dispatcher implements the spec §4.5 dispatcher: the per-flow
// entry point that substitutes fake-DNS destinations, asks the router for
// a tag, resolves the handler, and runs the TCP/UDP transfer.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/sqzxcv/leaf/internal/config"
	"github.com/sqzxcv/leaf/internal/flow"
	"github.com/sqzxcv/leaf/internal/nat"
	"github.com/sqzxcv/leaf/internal/outbound"
	"github.com/sqzxcv/leaf/internal/router"
)

// HandlerSource resolves outbound tags to handlers, matching
// [*outbound.Manager]'s read surface.
type HandlerSource interface {
	Get(tag string) (outbound.Handler, bool)
	DefaultHandler() (string, bool)
}

// FakeDNSResolver recovers the domain behind a fake-DNS IP, matching
// [*fakedns.Server]'s read surface (spec §4.5 TCP path step 1).
type FakeDNSResolver interface {
	Contains(addr netip.Addr) bool
	ReverseLookup(addr netip.Addr) (string, bool)
}

// Router resolves a flow to an outbound tag, matching [*router.Router].
type Router interface {
	Route(ctx context.Context, f flow.Flow) string
}

var _ Router = (*router.Router)(nil)

// Dispatcher orchestrates one flow at a time per call to Dispatch/
// DispatchUDP (spec §4.5).
type Dispatcher struct {
	Handlers     HandlerSource
	Router       Router
	FakeDNS      FakeDNSResolver // nil disables fake-DNS substitution
	NAT          *nat.Manager
	IdleTimeouts config.IdleTimeouts
	Logger       *slog.Logger
}

// New constructs a [*Dispatcher] with the default (~30s) idle timeouts
// when none are given.
func New(handlers HandlerSource, rt Router, fake FakeDNSResolver, natMgr *nat.Manager, timeouts config.IdleTimeouts, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if timeouts == (config.IdleTimeouts{}) {
		timeouts = config.DefaultIdleTimeouts
	}
	return &Dispatcher{Handlers: handlers, Router: rt, FakeDNS: fake, NAT: natMgr, IdleTimeouts: timeouts, Logger: logger}
}

// resolveHandler runs steps 2-3 of spec §4.5's TCP path (shared by UDP):
// route, look up, fall back to default.
func (d *Dispatcher) resolveHandler(ctx context.Context, f flow.Flow) (outbound.Handler, error) {
	tag := d.Router.Route(ctx, f)
	h, ok := d.Handlers.Get(tag)
	if !ok {
		def, ok := d.Handlers.DefaultHandler()
		if !ok {
			return nil, fmt.Errorf("dispatcher: no handler for tag %q and no default configured", tag)
		}
		h, ok = d.Handlers.Get(def)
		if !ok {
			return nil, fmt.Errorf("dispatcher: default handler %q vanished", def)
		}
	}
	return h, nil
}

// substituteFakeDNS implements spec §4.5 TCP path step 1: if the
// destination is an IP within the fake-DNS pool, resolve it to the
// original host name.
func (d *Dispatcher) substituteFakeDNS(f flow.Flow) flow.Flow {
	if d.FakeDNS == nil || !f.Destination.Addr.IsValid() {
		return f
	}
	if !d.FakeDNS.Contains(f.Destination.Addr) {
		return f
	}
	domain, ok := d.FakeDNS.ReverseLookup(f.Destination.Addr)
	if !ok {
		return f
	}
	f.Destination.Host = domain
	return f
}

// Dispatch runs the full TCP path (spec §4.5): fake-DNS substitution,
// routing, handler lookup, connect, and bidirectional copy with
// independent per-direction idle timeouts and half-close propagation.
// client is the already-accepted inbound connection.
func (d *Dispatcher) Dispatch(ctx context.Context, f flow.Flow, client net.Conn) {
	f = d.substituteFakeDNS(f)

	h, err := d.resolveHandler(ctx, f)
	if err != nil {
		d.Logger.Warn("dispatcher: tcp connect failed", "flow", f.ID(), "err", err)
		client.Close()
		return
	}
	if h.TCP() == nil {
		d.Logger.Warn("dispatcher: tcp connect failed", "flow", f.ID(), "tag", h.Tag(), "err", "handler has no TCP capability")
		client.Close()
		return
	}

	t0 := time.Now()
	target := outbound.Target{Host: f.Destination.Host, Addr: f.Destination.Addr, Port: f.Destination.Port}
	upstream, err := h.TCP().DialTCP(ctx, target)
	if err != nil {
		d.Logger.Warn("dispatcher: tcp connect failed", "flow", f.ID(), "tag", h.Tag(), "elapsed", time.Since(t0), "err", err)
		client.Close()
		return
	}
	defer upstream.Close()
	defer client.Close()

	d.copyBidirectional(ctx, client, upstream, f)
}

// copyBidirectional runs both transfer directions, applying IdleTimeouts.TCP
// independently to each and propagating half-close: once one side reaches
// EOF, the peer's write side is shut down but the other direction keeps
// copying until it too terminates (spec §4.5 TCP path step 5-6).
func (d *Dispatcher) copyBidirectional(ctx context.Context, client, upstream net.Conn, f flow.Flow) {
	done := make(chan struct{}, 2)
	copyDir := func(dst, src net.Conn) {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, 32*1024)
		for {
			if d.IdleTimeouts.TCP > 0 {
				src.SetReadDeadline(time.Now().Add(d.IdleTimeouts.TCP))
			}
			n, err := src.Read(buf)
			if n > 0 {
				if _, werr := dst.Write(buf[:n]); werr != nil {
					d.Logger.Debug("dispatcher: copy write error", "flow", f.ID(), "err", werr)
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					d.Logger.Debug("dispatcher: copy read error", "flow", f.ID(), "err", err)
				}
				halfCloseWrite(dst)
				return
			}
		}
	}

	go copyDir(upstream, client)
	go copyDir(client, upstream)

	<-done
	<-done
}

// halfCloseWrite shuts down the write side of conn if it supports
// CloseWrite (spec §4.5 step 6). A conn without CloseWrite is left open
// as it is, so its peer sees no EOF for this direction until the flow
// ends.
func halfCloseWrite(conn net.Conn) {
	type closeWriter interface {
		CloseWrite() error
	}
	if cw, ok := conn.(closeWriter); ok {
		cw.CloseWrite()
		return
	}
}

// DispatchUDP runs the UDP path (spec §4.5): look up or create a NAT
// session for f, then send payload through it. Replies are delivered to
// deliver, with the original destination substituted back as the source
// (spec §4.5 UDP path step 4), until the session's connection returns an
// error; ctx does not stop reply delivery, which ends when the NAT manager
// closes the session's connection.
func (d *Dispatcher) DispatchUDP(ctx context.Context, f flow.Flow, payload []byte, deliver func(from flow.Destination, payload []byte)) error {
	if d.NAT == nil {
		return fmt.Errorf("dispatcher: UDP path requires a NAT manager")
	}

	f = d.substituteFakeDNS(f)

	session, ok := d.NAT.Get(f)
	if !ok {
		h, err := d.resolveHandler(ctx, f)
		if err != nil {
			d.Logger.Warn("dispatcher: udp connect failed", "flow", f.ID(), "err", err)
			return err
		}
		if h.UDP() == nil {
			err := fmt.Errorf("dispatcher: handler %q has no UDP capability", h.Tag())
			d.Logger.Warn("dispatcher: udp connect failed", "flow", f.ID(), "tag", h.Tag(), "err", err)
			return err
		}

		t0 := time.Now()
		target := outbound.Target{Host: f.Destination.Host, Addr: f.Destination.Addr, Port: f.Destination.Port}
		conn, err := h.UDP().DialUDP(ctx, target)
		if err != nil {
			d.Logger.Warn("dispatcher: udp connect failed", "flow", f.ID(), "tag", h.Tag(), "elapsed", time.Since(t0), "err", err)
			return err
		}
		session = d.NAT.Put(f, conn)
		go d.pumpUDPReplies(f, session, deliver)
	}

	session.Touch(time.Now())
	target := outbound.Target{Host: f.Destination.Host, Addr: f.Destination.Addr, Port: f.Destination.Port}
	if _, err := session.Conn.WriteTo(payload, target); err != nil {
		d.Logger.Debug("dispatcher: udp write error", "flow", f.ID(), "err", err)
		return err
	}
	return nil
}

// pumpUDPReplies copies datagrams arriving on session's connection back to
// deliver until the connection errors out, then removes the session from
// the NAT table (spec §4.5 UDP path step 4).
func (d *Dispatcher) pumpUDPReplies(f flow.Flow, session *nat.Session, deliver func(from flow.Destination, payload []byte)) {
	buf := make([]byte, 64*1024)
	for {
		n, from, err := session.Conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				d.Logger.Debug("dispatcher: udp read error", "flow", f.ID(), "err", err)
			}
			d.NAT.Remove(f.ID())
			return
		}
		session.Touch(time.Now())
		if deliver != nil {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			deliver(flow.Destination{Addr: from.Addr, Port: from.Port}, payload)
		}
	}
}
