// Package inbound implements the spec's inbound-manager share: network
// listeners that accept connections and hand each one to the dispatcher
// as a [flow.Flow] plus an already-accepted [net.Conn].
package inbound

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"

	"github.com/sqzxcv/leaf/internal/flow"
)

const (
	socksVersion5     = 0x05
	socksCmdConnect   = 0x01
	socksAtypIPv4     = 0x01
	socksAtypDomain   = 0x03
	socksAtypIPv6     = 0x04
	socksReplySuccess = 0x00
	socksReplyFailure = 0x01
)

// Accept is invoked for every successfully negotiated inbound
// connection, mirroring the shape the dispatcher's TCP path expects.
type Accept func(f flow.Flow, conn net.Conn)

// SOCKSListener runs a SOCKS5 server (RFC 1928) offering unauthenticated
// CONNECT only — the subset spec's S1 scenario exercises ("A CONNECT to
// example.com:80 over SOCKS yields a direct TCP connection").
type SOCKSListener struct {
	Tag    string
	ln     net.Listener
	onFlow Accept
	logger *slog.Logger
}

// ListenSOCKS binds addr and returns a [*SOCKSListener] that has not yet
// started accepting (call Serve).
func ListenSOCKS(tag, addr string, onFlow Accept, logger *slog.Logger) (*SOCKSListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("inbound: socks listen %s: %w", addr, err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SOCKSListener{Tag: tag, ln: ln, onFlow: onFlow, logger: logger}, nil
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed.
func (l *SOCKSListener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go l.handle(ctx, conn)
	}
}

// Close stops accepting new connections.
func (l *SOCKSListener) Close() error { return l.ln.Close() }

func (l *SOCKSListener) handle(ctx context.Context, conn net.Conn) {
	dest, err := socksHandshake(conn)
	if err != nil {
		l.logger.Debug("inbound: socks handshake failed", "err", err)
		conn.Close()
		return
	}
	var source netip.AddrPort
	if ap, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		source = netip.AddrPortFrom(ap.AddrPort().Addr().Unmap(), uint16(ap.Port))
	}
	f := flow.Flow{
		Network:     flow.TCP,
		Source:      source,
		Destination: dest,
		InboundTag:  l.Tag,
	}
	if l.onFlow != nil {
		l.onFlow(f, conn)
	} else {
		conn.Close()
	}
}

// socksHandshake performs method negotiation (no-auth only) and parses a
// CONNECT request, replying with a synthetic "bound address" of
// 0.0.0.0:0 — the actual bind address is whatever the outbound handler
// later dials from, which SOCKS5 clients generally don't depend on.
func socksHandshake(conn net.Conn) (flow.Destination, error) {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return flow.Destination{}, fmt.Errorf("read greeting: %w", err)
	}
	if hdr[0] != socksVersion5 {
		return flow.Destination{}, fmt.Errorf("unsupported socks version %d", hdr[0])
	}
	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return flow.Destination{}, fmt.Errorf("read methods: %w", err)
	}
	if _, err := conn.Write([]byte{socksVersion5, 0x00}); err != nil {
		return flow.Destination{}, fmt.Errorf("write method selection: %w", err)
	}

	req := make([]byte, 4)
	if _, err := io.ReadFull(conn, req); err != nil {
		return flow.Destination{}, fmt.Errorf("read request header: %w", err)
	}
	if req[0] != socksVersion5 || req[1] != socksCmdConnect {
		writeSocksReply(conn, socksReplyFailure)
		return flow.Destination{}, fmt.Errorf("unsupported command %d", req[1])
	}

	var dest flow.Destination
	switch req[3] {
	case socksAtypIPv4:
		b := make([]byte, 4)
		if _, err := io.ReadFull(conn, b); err != nil {
			return flow.Destination{}, err
		}
		dest.Addr = netip.AddrFrom4([4]byte(b))
	case socksAtypIPv6:
		b := make([]byte, 16)
		if _, err := io.ReadFull(conn, b); err != nil {
			return flow.Destination{}, err
		}
		dest.Addr = netip.AddrFrom16([16]byte(b))
	case socksAtypDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return flow.Destination{}, err
		}
		nameBuf := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(conn, nameBuf); err != nil {
			return flow.Destination{}, err
		}
		dest.Host = string(nameBuf)
	default:
		writeSocksReply(conn, socksReplyFailure)
		return flow.Destination{}, fmt.Errorf("unsupported address type %d", req[3])
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return flow.Destination{}, err
	}
	dest.Port = binary.BigEndian.Uint16(portBuf)

	if err := writeSocksReply(conn, socksReplySuccess); err != nil {
		return flow.Destination{}, err
	}
	return dest, nil
}

func writeSocksReply(conn net.Conn, code byte) error {
	reply := []byte{socksVersion5, code, 0x00, socksAtypIPv4, 0, 0, 0, 0, 0, 0}
	_, err := conn.Write(reply)
	return err
}
